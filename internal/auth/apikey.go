// Package auth implements API key authentication for the AutoRouter gateway.
// Keys are validated against the store and cached in a W-TinyLFU cache.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"

	gateway "github.com/autorouter/autorouter/internal"
	"github.com/autorouter/autorouter/internal/storage"
)

const (
	cacheTTL    = 30 * time.Second // short enough to pick up key revocations promptly
	cacheMaxLen = 10_000           // max concurrent active keys expected per deployment
)

// APIKeyAuth authenticates requests using API keys with the "ar_" prefix.
// It caches resolved API keys in an otter W-TinyLFU cache for fast lookups.
type APIKeyAuth struct {
	store       storage.APIKeyStore
	cache       *otter.Cache[string, *gateway.APIKey]
	keyIDToHash sync.Map // keyID -> hash for cache invalidation by key ID
}

// NewAPIKeyAuth returns a new APIKeyAuth backed by store.
func NewAPIKeyAuth(store storage.APIKeyStore) (*APIKeyAuth, error) {
	c, err := otter.New(&otter.Options[string, *gateway.APIKey]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *gateway.APIKey](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create auth cache: %w", err)
	}
	return &APIKeyAuth{store: store, cache: c}, nil
}

// extractKey pulls the raw API key from a request. Both Authorization: Bearer
// and x-api-key are accepted so that Anthropic-style and OpenAI-style clients
// can point at the gateway unchanged.
func extractKey(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if raw := strings.TrimPrefix(h, "Bearer "); raw != h {
			return strings.TrimSpace(raw)
		}
		return ""
	}
	return strings.TrimSpace(r.Header.Get("X-Api-Key"))
}

// Authenticate extracts the API key from the request, validates it against
// the store, and returns the resolved key record. Only keys with the "ar_"
// prefix are handled; all others return ErrUnauthorized. The plaintext key is
// never stored or logged, only its SHA-256 hash.
func (a *APIKeyAuth) Authenticate(ctx context.Context, r *http.Request) (*gateway.APIKey, error) {
	raw := extractKey(r)
	if raw == "" || !strings.HasPrefix(raw, gateway.APIKeyPrefix) {
		return nil, gateway.ErrUnauthorized
	}

	hash := gateway.HashKey(raw)

	// Check cache first.
	if key, ok := a.cache.GetIfPresent(hash); ok {
		if err := validateKey(key); err != nil {
			if errors.Is(err, gateway.ErrKeyExpired) {
				a.cache.Invalidate(hash)
			}
			return nil, err
		}
		return key, nil
	}

	key, err := a.store.GetKeyByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return nil, gateway.ErrUnauthorized
		}
		return nil, err
	}

	// Belt-and-suspenders: constant-time comparison of the stored hash against
	// the computed hash. The DB lookup already matched, but this guards against
	// hypothetical SQL collation or encoding surprises.
	if subtle.ConstantTimeCompare([]byte(key.KeyHash), []byte(hash)) != 1 {
		return nil, gateway.ErrUnauthorized
	}

	if err := validateKey(key); err != nil {
		return nil, err
	}

	a.cache.Set(hash, key)
	a.keyIDToHash.Store(key.ID, hash)

	// Touch last-used timestamp asynchronously.
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		a.store.TouchKeyUsed(ctx, key.ID) //nolint:errcheck
	}()

	return key, nil
}

// validateKey checks the activation flag and expiry of a resolved key.
func validateKey(key *gateway.APIKey) error {
	if !key.IsActive {
		return gateway.ErrKeyInactive
	}
	if key.ExpiresAt != nil && key.ExpiresAt.Before(time.Now()) {
		return gateway.ErrKeyExpired
	}
	return nil
}

// InvalidateByKeyID removes a cached API key by its key ID.
// Used when admin operations (deactivate, update, delete) modify a key.
func (a *APIKeyAuth) InvalidateByKeyID(keyID string) {
	if hash, ok := a.keyIDToHash.LoadAndDelete(keyID); ok {
		a.cache.Invalidate(hash.(string))
	}
}
