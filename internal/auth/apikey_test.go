package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	gateway "github.com/autorouter/autorouter/internal"
)

// fakeKeyStore is a minimal in-memory APIKeyStore for auth tests.
type fakeKeyStore struct {
	mu      sync.RWMutex
	keys    map[string]*gateway.APIKey // hash -> key
	touched map[string]int             // id -> touch count
}

func newFakeKeyStore() *fakeKeyStore {
	return &fakeKeyStore{
		keys:    make(map[string]*gateway.APIKey),
		touched: make(map[string]int),
	}
}

func (s *fakeKeyStore) addKey(raw string, key *gateway.APIKey) {
	key.KeyHash = gateway.HashKey(raw)
	s.mu.Lock()
	s.keys[key.KeyHash] = key
	s.mu.Unlock()
}

func (s *fakeKeyStore) CreateKey(_ context.Context, key *gateway.APIKey) error {
	s.mu.Lock()
	s.keys[key.KeyHash] = key
	s.mu.Unlock()
	return nil
}

func (s *fakeKeyStore) GetKeyByHash(_ context.Context, hash string) (*gateway.APIKey, error) {
	s.mu.RLock()
	k, ok := s.keys[hash]
	s.mu.RUnlock()
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return k, nil
}

func (s *fakeKeyStore) GetKey(context.Context, string) (*gateway.APIKey, error) {
	return nil, gateway.ErrNotFound
}
func (s *fakeKeyStore) ListKeys(context.Context, int, int) ([]*gateway.APIKey, error) {
	return nil, nil
}
func (s *fakeKeyStore) UpdateKey(context.Context, *gateway.APIKey) error { return nil }
func (s *fakeKeyStore) DeleteKey(context.Context, string) error          { return nil }

func (s *fakeKeyStore) TouchKeyUsed(_ context.Context, id string) error {
	s.mu.Lock()
	s.touched[id]++
	s.mu.Unlock()
	return nil
}

func (s *fakeKeyStore) touchCount(id string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.touched[id]
}

const testKey = "ar_test_key_12345678901234567890"

func newTestAuth(t *testing.T) (*APIKeyAuth, *fakeKeyStore) {
	t.Helper()
	store := newFakeKeyStore()
	auth, err := NewAPIKeyAuth(store)
	if err != nil {
		t.Fatal(err)
	}
	return auth, store
}

func makeRequest(key string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	if key != "" {
		r.Header.Set("Authorization", "Bearer "+key)
	}
	return r
}

func TestAuthenticate_ValidKey(t *testing.T) {
	t.Parallel()
	auth, store := newTestAuth(t)

	store.addKey(testKey, &gateway.APIKey{
		ID:                 "key-1",
		KeyPrefix:          "ar_test_key",
		Name:               "ci",
		IsActive:           true,
		AllowedUpstreamIDs: []string{"up-1", "up-2"},
	})

	key, err := auth.Authenticate(context.Background(), makeRequest(testKey))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key.ID != "key-1" {
		t.Errorf("ID = %q, want key-1", key.ID)
	}
	if !key.AllowsUpstream("up-2") {
		t.Error("key should allow up-2")
	}
	if key.AllowsUpstream("up-3") {
		t.Error("key should not allow up-3")
	}
}

func TestAuthenticate_XAPIKeyHeader(t *testing.T) {
	t.Parallel()
	auth, store := newTestAuth(t)

	store.addKey(testKey, &gateway.APIKey{ID: "key-1", IsActive: true})

	r := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	r.Header.Set("X-Api-Key", testKey)
	key, err := auth.Authenticate(context.Background(), r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key.ID != "key-1" {
		t.Errorf("ID = %q, want key-1", key.ID)
	}
}

func TestAuthenticate_CacheHit(t *testing.T) {
	t.Parallel()
	auth, store := newTestAuth(t)

	store.addKey(testKey, &gateway.APIKey{ID: "key-1", IsActive: true})

	// First call populates cache.
	if _, err := auth.Authenticate(context.Background(), makeRequest(testKey)); err != nil {
		t.Fatal(err)
	}

	// Remove from store -- second call should hit cache.
	store.mu.Lock()
	delete(store.keys, gateway.HashKey(testKey))
	store.mu.Unlock()

	key, err := auth.Authenticate(context.Background(), makeRequest(testKey))
	if err != nil {
		t.Fatalf("cache miss: %v", err)
	}
	if key.ID != "key-1" {
		t.Errorf("ID = %q, want key-1", key.ID)
	}
}

func TestAuthenticate_NoAuthHeader(t *testing.T) {
	t.Parallel()
	auth, _ := newTestAuth(t)

	_, err := auth.Authenticate(context.Background(), makeRequest(""))
	if err != gateway.ErrUnauthorized {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
}

func TestAuthenticate_NonBearerToken(t *testing.T) {
	t.Parallel()
	auth, _ := newTestAuth(t)

	r := httptest.NewRequest(http.MethodPost, "/", nil)
	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	_, err := auth.Authenticate(context.Background(), r)
	if err != gateway.ErrUnauthorized {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
}

func TestAuthenticate_WrongPrefix(t *testing.T) {
	t.Parallel()
	auth, _ := newTestAuth(t)

	_, err := auth.Authenticate(context.Background(), makeRequest("sk-not-a-gateway-key"))
	if err != gateway.ErrUnauthorized {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
}

func TestAuthenticate_KeyNotFound(t *testing.T) {
	t.Parallel()
	auth, _ := newTestAuth(t)

	_, err := auth.Authenticate(context.Background(), makeRequest("ar_unknown_key_does_not_exist"))
	if err != gateway.ErrUnauthorized {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
}

func TestAuthenticate_InactiveKey(t *testing.T) {
	t.Parallel()
	auth, store := newTestAuth(t)

	store.addKey(testKey, &gateway.APIKey{ID: "key-off", IsActive: false})

	_, err := auth.Authenticate(context.Background(), makeRequest(testKey))
	if err != gateway.ErrKeyInactive {
		t.Errorf("err = %v, want ErrKeyInactive", err)
	}
}

func TestAuthenticate_InactiveKeyCached(t *testing.T) {
	t.Parallel()
	auth, store := newTestAuth(t)

	store.addKey(testKey, &gateway.APIKey{ID: "key-off-cache", IsActive: false})

	// First call does not cache the inactive key; both calls must fail.
	auth.Authenticate(context.Background(), makeRequest(testKey))
	_, err := auth.Authenticate(context.Background(), makeRequest(testKey))
	if err != gateway.ErrKeyInactive {
		t.Errorf("err = %v, want ErrKeyInactive", err)
	}
}

func TestAuthenticate_ExpiredKey(t *testing.T) {
	t.Parallel()
	auth, store := newTestAuth(t)

	expired := time.Now().Add(-1 * time.Hour)
	store.addKey(testKey, &gateway.APIKey{
		ID:        "key-expired",
		IsActive:  true,
		ExpiresAt: &expired,
	})

	_, err := auth.Authenticate(context.Background(), makeRequest(testKey))
	if err != gateway.ErrKeyExpired {
		t.Errorf("err = %v, want ErrKeyExpired", err)
	}
}

func TestAuthenticate_ExpiredKeyCacheInvalidation(t *testing.T) {
	t.Parallel()
	auth, store := newTestAuth(t)

	future := time.Now().Add(1 * time.Hour)
	store.addKey(testKey, &gateway.APIKey{
		ID:        "key-will-expire",
		IsActive:  true,
		ExpiresAt: &future,
	})

	// First call succeeds and caches.
	if _, err := auth.Authenticate(context.Background(), makeRequest(testKey)); err != nil {
		t.Fatal(err)
	}

	// Mutate the cached key's expiry to the past (simulates time passing).
	hash := gateway.HashKey(testKey)
	if cached, ok := auth.cache.GetIfPresent(hash); ok {
		past := time.Now().Add(-1 * time.Hour)
		cached.ExpiresAt = &past
	}

	// Next call should detect expiry from cache and invalidate.
	_, err := auth.Authenticate(context.Background(), makeRequest(testKey))
	if err != gateway.ErrKeyExpired {
		t.Errorf("err = %v, want ErrKeyExpired", err)
	}

	// Cache should be invalidated.
	if _, ok := auth.cache.GetIfPresent(hash); ok {
		t.Error("expired key should be evicted from cache")
	}
}

func TestAuthenticate_TouchKeyUsed(t *testing.T) {
	t.Parallel()
	auth, store := newTestAuth(t)

	store.addKey(testKey, &gateway.APIKey{ID: "key-touch", IsActive: true})

	if _, err := auth.Authenticate(context.Background(), makeRequest(testKey)); err != nil {
		t.Fatal(err)
	}

	// TouchKeyUsed runs in a goroutine; give it a moment.
	time.Sleep(50 * time.Millisecond)
	if n := store.touchCount("key-touch"); n != 1 {
		t.Errorf("touch count = %d, want 1", n)
	}
}

func TestInvalidateByKeyID(t *testing.T) {
	t.Parallel()
	auth, store := newTestAuth(t)

	store.addKey(testKey, &gateway.APIKey{ID: "key-1", IsActive: true})
	if _, err := auth.Authenticate(context.Background(), makeRequest(testKey)); err != nil {
		t.Fatal(err)
	}

	auth.InvalidateByKeyID("key-1")
	if _, ok := auth.cache.GetIfPresent(gateway.HashKey(testKey)); ok {
		t.Error("invalidated key should be evicted from cache")
	}
}
