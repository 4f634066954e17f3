package failover

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gateway "github.com/autorouter/autorouter/internal"
	"github.com/autorouter/autorouter/internal/affinity"
	"github.com/autorouter/autorouter/internal/circuitbreaker"
	"github.com/autorouter/autorouter/internal/forward"
	"github.com/autorouter/autorouter/internal/headers"
	"github.com/autorouter/autorouter/internal/health"
	"github.com/autorouter/autorouter/internal/route"
	"github.com/autorouter/autorouter/internal/selector"
)

type staticSecrets struct{}

func (staticSecrets) UpstreamSecret(u *gateway.Upstream) (string, error) {
	return "sk-" + u.ID, nil
}

type harness struct {
	ctrl     *Controller
	breakers *circuitbreaker.Registry
	health   *health.Tracker
	affinity *affinity.Store
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	breakers := circuitbreaker.NewRegistry(gateway.DefaultBreakerConfig())
	ht := health.NewTracker()
	aff := affinity.NewStore(0, 0)
	// round_robin over id-sorted groups gives deterministic first picks.
	sel := selector.New(selector.StrategyRoundRobin, nil)
	fwd := forward.New(http.DefaultTransport, time.Second)
	comp := headers.NewCompensator(nil, nil)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &harness{
		ctrl:     New(cfg, sel, fwd, comp, breakers, ht, aff, staticSecrets{}, logger),
		breakers: breakers,
		health:   ht,
		affinity: aff,
	}
}

func anthropicUpstream(id string, srv *httptest.Server, priority int) *gateway.Upstream {
	return &gateway.Upstream{
		ID:                id,
		Name:              id,
		ProviderType:      gateway.ProviderAnthropic,
		BaseURL:           srv.URL,
		Timeout:           5 * time.Second,
		IsActive:          true,
		Weight:            1,
		Priority:          priority,
		RouteCapabilities: []gateway.RouteCapability{gateway.CapAnthropicMessages},
	}
}

func messagesRequest(candidates []*gateway.Upstream, sessionID string) *Request {
	return &Request{
		RequestID: "req-1",
		Key:       &gateway.APIKey{ID: "key-1", IsActive: true},
		Classification: route.Classification{
			Capability:    gateway.CapAnthropicMessages,
			Model:         "claude-3-5-sonnet",
			OriginalModel: "claude-3-5-sonnet",
		},
		Candidates:    candidates,
		Method:        http.MethodPost,
		Path:          "/v1/messages",
		InboundHeader: http.Header{"Content-Type": []string{"application/json"}},
		Body:          []byte(`{"model":"claude-3-5-sonnet"}`),
		SessionID:     sessionID,
	}
}

func jsonServer(status int, body string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
}

const okBody = `{"content":[],"usage":{"input_tokens":100,"output_tokens":50}}`

func TestExecute_MidFailoverSuccess(t *testing.T) {
	t.Parallel()

	bad := jsonServer(http.StatusServiceUnavailable, `{"error":"overloaded"}`)
	defer bad.Close()
	good := jsonServer(http.StatusOK, okBody)
	defer good.Close()

	h := newHarness(t, DefaultConfig())
	// Ids sort a-bad before b-good so the first pick hits the failing one.
	u1 := anthropicUpstream("a-bad", bad, 0)
	u2 := anthropicUpstream("b-good", good, 0)

	rec := httptest.NewRecorder()
	out := h.ctrl.Execute(context.Background(), rec, messagesRequest([]*gateway.Upstream{u1, u2}, ""))

	if out.Err != nil {
		t.Fatal(out.Err)
	}
	if out.UpstreamID != "b-good" || out.StatusCode != http.StatusOK {
		t.Fatalf("served by %s status %d", out.UpstreamID, out.StatusCode)
	}
	if out.FailoverAttempts != 1 {
		t.Fatalf("failoverAttempts = %d, want 1", out.FailoverAttempts)
	}
	a := out.Attempts[0]
	if a.UpstreamID != "a-bad" || a.ErrorType != gateway.ErrCatHTTP5xx || a.StatusCode != 503 {
		t.Fatalf("attempt record = %+v", a)
	}
	if h.breakers.GetOrCreate("a-bad", nil).FailureCount() != 1 {
		t.Fatal("failed upstream breaker should count one failure")
	}
	if out.Usage == nil || out.Usage.PromptTokens != 100 || out.Usage.CompletionTokens != 50 {
		t.Fatalf("usage = %+v", out.Usage)
	}
}

func TestExecute_ExcludedStatusPassthrough(t *testing.T) {
	t.Parallel()

	errBody := `{"error":{"type":"invalid_request_error","message":"bad"}}`
	bad := jsonServer(http.StatusBadRequest, errBody)
	defer bad.Close()
	good := jsonServer(http.StatusOK, okBody)
	defer good.Close()

	h := newHarness(t, DefaultConfig())
	u1 := anthropicUpstream("a-bad", bad, 0)
	u2 := anthropicUpstream("b-good", good, 0)

	rec := httptest.NewRecorder()
	out := h.ctrl.Execute(context.Background(), rec, messagesRequest([]*gateway.Upstream{u1, u2}, ""))

	if out.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 passthrough", out.StatusCode)
	}
	if rec.Body.String() != errBody {
		t.Fatalf("downstream body = %q, want verbatim upstream body", rec.Body.String())
	}
	if out.FailoverAttempts != 0 {
		t.Fatalf("failoverAttempts = %d, want 0", out.FailoverAttempts)
	}
	if out.ErrorMessage == "" {
		t.Fatal("errorMessage should note the excluded status")
	}
	if h.breakers.GetOrCreate("a-bad", nil).FailureCount() != 0 {
		t.Fatal("excluded status must not feed the breaker")
	}
}

func TestExecute_AllUpstreamsFail(t *testing.T) {
	t.Parallel()

	bad1 := jsonServer(http.StatusBadGateway, `{}`)
	defer bad1.Close()
	bad2 := jsonServer(http.StatusServiceUnavailable, `{}`)
	defer bad2.Close()

	h := newHarness(t, DefaultConfig())
	u1 := anthropicUpstream("a", bad1, 0)
	u2 := anthropicUpstream("b", bad2, 0)

	rec := httptest.NewRecorder()
	out := h.ctrl.Execute(context.Background(), rec, messagesRequest([]*gateway.Upstream{u1, u2}, ""))

	if !errors.Is(out.Err, gateway.ErrAllUpstreamsFailed) {
		t.Fatalf("err = %v, want ErrAllUpstreamsFailed", out.Err)
	}
	if out.FailoverAttempts != 2 || len(out.Attempts) != 2 {
		t.Fatalf("attempts = %d/%d, want 2/2", out.FailoverAttempts, len(out.Attempts))
	}
}

func TestExecute_MaxAttemptsCap(t *testing.T) {
	t.Parallel()

	bad := jsonServer(http.StatusBadGateway, `{}`)
	defer bad.Close()

	cfg := Config{Strategy: StrategyMaxAttempts, MaxAttempts: 1, ExcludeStatusCodes: []int{400}}
	h := newHarness(t, cfg)
	u1 := anthropicUpstream("a", bad, 0)
	u2 := anthropicUpstream("b", bad, 0)

	rec := httptest.NewRecorder()
	out := h.ctrl.Execute(context.Background(), rec, messagesRequest([]*gateway.Upstream{u1, u2}, ""))

	if len(out.Attempts) != 1 {
		t.Fatalf("attempts = %d, want 1 (capped)", len(out.Attempts))
	}
}

func TestExecute_NoCandidates(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultConfig())
	out := h.ctrl.Execute(context.Background(), httptest.NewRecorder(), messagesRequest(nil, ""))
	if !errors.Is(out.Err, gateway.ErrNoCandidates) {
		t.Fatalf("err = %v, want ErrNoCandidates", out.Err)
	}
}

func TestExecute_CancelledBeforeAttempt(t *testing.T) {
	t.Parallel()

	good := jsonServer(http.StatusOK, okBody)
	defer good.Close()

	h := newHarness(t, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := h.ctrl.Execute(ctx, httptest.NewRecorder(),
		messagesRequest([]*gateway.Upstream{anthropicUpstream("a", good, 0)}, ""))
	if !errors.Is(out.Err, gateway.ErrAborted) {
		t.Fatalf("err = %v, want ErrAborted", out.Err)
	}
}

func TestExecute_OpenCircuitSkipsUpstream(t *testing.T) {
	t.Parallel()

	good := jsonServer(http.StatusOK, okBody)
	defer good.Close()

	h := newHarness(t, DefaultConfig())
	u1 := anthropicUpstream("a-open", good, 0)
	u2 := anthropicUpstream("b-good", good, 0)

	b := h.breakers.GetOrCreate("a-open", nil)
	for i := 0; i < gateway.DefaultBreakerConfig().FailureThreshold; i++ {
		b.RecordFailure()
	}

	rec := httptest.NewRecorder()
	out := h.ctrl.Execute(context.Background(), rec, messagesRequest([]*gateway.Upstream{u1, u2}, ""))

	if out.Err != nil {
		t.Fatal(out.Err)
	}
	if out.UpstreamID != "b-good" {
		t.Fatalf("served by %s, want b-good", out.UpstreamID)
	}
	if len(out.Attempts) != 1 || out.Attempts[0].ErrorType != gateway.ErrCatCircuitOpen {
		t.Fatalf("attempts = %+v", out.Attempts)
	}
}

func TestExecute_AffinityHit(t *testing.T) {
	t.Parallel()

	good1 := jsonServer(http.StatusOK, okBody)
	defer good1.Close()
	good2 := jsonServer(http.StatusOK, okBody)
	defer good2.Close()

	h := newHarness(t, DefaultConfig())
	u1 := anthropicUpstream("a", good1, 0)
	u2 := anthropicUpstream("b", good2, 0)

	req := messagesRequest([]*gateway.Upstream{u1, u2}, "sess-A")
	key := affinity.Key{APIKeyID: "key-1", Capability: string(gateway.CapAnthropicMessages), SessionID: "sess-A"}
	h.affinity.Set(key, "b", 100)

	out := h.ctrl.Execute(context.Background(), httptest.NewRecorder(), req)
	if out.UpstreamID != "b" || !out.AffinityHit {
		t.Fatalf("upstream=%s affinityHit=%v, want sticky b", out.UpstreamID, out.AffinityHit)
	}
	// Cumulative tokens grow by the observed prompt tokens.
	e, ok := h.affinity.Get(key)
	if !ok || e.CumulativeTokens != 100 {
		t.Fatalf("entry = %+v ok=%v", e, ok)
	}
}

func TestExecute_AffinityMigration(t *testing.T) {
	t.Parallel()

	low := jsonServer(http.StatusOK, okBody)
	defer low.Close()
	high := jsonServer(http.StatusOK, okBody)
	defer high.Close()

	h := newHarness(t, DefaultConfig())
	u1 := anthropicUpstream("a-low", low, 1)
	u2 := anthropicUpstream("b-high", high, 0)
	u2.AffinityMigration = &gateway.MigrationConfig{
		Enabled: true, Metric: gateway.MigrateByTokens, Threshold: 50000,
	}

	req := messagesRequest([]*gateway.Upstream{u2, u1}, "sess-A")
	key := affinity.Key{APIKeyID: "key-1", Capability: string(gateway.CapAnthropicMessages), SessionID: "sess-A"}
	h.affinity.Set(key, "a-low", 100)
	h.affinity.UpdateCumulativeTokens(key, 30000)

	out := h.ctrl.Execute(context.Background(), httptest.NewRecorder(), req)
	if out.UpstreamID != "b-high" || !out.AffinityMigrated {
		t.Fatalf("upstream=%s migrated=%v, want migration to b-high", out.UpstreamID, out.AffinityMigrated)
	}
	e, ok := h.affinity.Get(key)
	if !ok || e.UpstreamID != "b-high" {
		t.Fatalf("entry = %+v", e)
	}
	// 30000 carried over + 100 prompt tokens from the response.
	if e.CumulativeTokens != 30100 {
		t.Fatalf("cumulative = %d, want 30100", e.CumulativeTokens)
	}
}

func TestShouldTriggerFailover(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	tests := []struct {
		status int
		want   bool
	}{
		{200, false},
		{204, false},
		{400, false}, // excluded
		{401, true},
		{429, true},
		{500, true},
	}
	for _, tt := range tests {
		if got := shouldTriggerFailover(tt.status, cfg); got != tt.want {
			t.Errorf("status %d: got %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestShouldContinueFailover(t *testing.T) {
	t.Parallel()

	exhaust := DefaultConfig()
	capped := Config{Strategy: StrategyMaxAttempts, MaxAttempts: 2}

	tests := []struct {
		name      string
		attempts  int
		hasMore   bool
		cancelled bool
		cfg       Config
		want      bool
	}{
		{"more candidates", 1, true, false, exhaust, true},
		{"no candidates", 1, false, false, exhaust, false},
		{"cancelled", 1, true, true, exhaust, false},
		{"under cap", 1, true, false, capped, true},
		{"at cap", 2, true, false, capped, false},
	}
	for _, tt := range tests {
		if got := shouldContinueFailover(tt.attempts, tt.hasMore, tt.cancelled, tt.cfg); got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestExecute_StreamHeaderTimeoutFailsOver(t *testing.T) {
	t.Parallel()

	// Holds the connection open without ever sending headers; unblocks when
	// the client gives up.
	hang := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The body must be drained or the server never starts the background
		// read that detects the client disconnect, and Done never fires.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer hang.Close()
	good := jsonServer(http.StatusOK, okBody)
	defer good.Close()

	h := newHarness(t, DefaultConfig())
	u1 := anthropicUpstream("a-hang", hang, 0)
	u1.Timeout = 100 * time.Millisecond
	u2 := anthropicUpstream("b-good", good, 0)

	req := messagesRequest([]*gateway.Upstream{u1, u2}, "")
	req.Classification.Stream = true

	rec := httptest.NewRecorder()
	out := h.ctrl.Execute(context.Background(), rec, req)

	if out.Err != nil {
		t.Fatal(out.Err)
	}
	if out.UpstreamID != "b-good" {
		t.Fatalf("served by %s, want failover to b-good", out.UpstreamID)
	}
	if len(out.Attempts) != 1 || out.Attempts[0].ErrorType != gateway.ErrCatTimeout {
		t.Fatalf("attempts = %+v, want one timeout on a-hang", out.Attempts)
	}
	if h.breakers.GetOrCreate("a-hang", nil).FailureCount() != 1 {
		t.Fatal("header timeout should count as a breaker failure")
	}
}

func TestExecute_ExcludedStatusSettlesProbe(t *testing.T) {
	t.Parallel()

	errBody := `{"error":{"type":"invalid_request_error","message":"bad"}}`
	bad := jsonServer(http.StatusBadRequest, errBody)
	defer bad.Close()

	h := newHarness(t, DefaultConfig())
	u := anthropicUpstream("a-bad", bad, 0)

	// Open long enough ago that the next request is admitted as a probe.
	b := h.breakers.GetOrCreate("a-bad", nil)
	b.Restore(circuitbreaker.Snapshot{
		State:    circuitbreaker.StateOpen,
		OpenedAt: time.Now().Add(-time.Minute),
	})

	rec := httptest.NewRecorder()
	out := h.ctrl.Execute(context.Background(), rec, messagesRequest([]*gateway.Upstream{u}, ""))

	if out.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 passthrough", out.StatusCode)
	}
	// The pass-through is neither success nor failure, but the claimed probe
	// slot must be freed or the upstream stays unroutable.
	if b.State() != circuitbreaker.StateHalfOpen {
		t.Fatalf("state = %v, want half_open", b.State())
	}
	if !b.Admittable() {
		t.Fatal("probe slot should be released after an excluded-status pass-through")
	}
}

func TestExecute_OversizedBodyStreamsOnce(t *testing.T) {
	t.Parallel()

	full := `{"model":"claude-3-5-sonnet","messages":[{"role":"user","content":"` +
		strings.Repeat("x", 4096) + `"}]}`

	var received []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(okBody))
	}))
	defer srv.Close()

	h := newHarness(t, DefaultConfig())
	u := anthropicUpstream("a", srv, 0)
	// A redirect that would normally rewrite the body must not apply to a
	// payload that streams through.
	u.ModelRedirects = map[string]string{"claude-3-5-sonnet": "claude-3-opus"}

	req := messagesRequest([]*gateway.Upstream{u}, "")
	req.Body = []byte(full[:64]) // classification prefix only
	req.BodyStream = strings.NewReader(full)

	out := h.ctrl.Execute(context.Background(), httptest.NewRecorder(), req)
	if out.Err != nil {
		t.Fatal(out.Err)
	}
	if string(received) != full {
		t.Fatalf("upstream received %d bytes, want the complete streamed body", len(received))
	}
	if out.RedirectApplied || out.Model != "claude-3-5-sonnet" {
		t.Fatalf("redirect applied to streamed body: model=%s applied=%v", out.Model, out.RedirectApplied)
	}
}

func TestExecute_OversizedBodyDisablesFailover(t *testing.T) {
	t.Parallel()

	bad := jsonServer(http.StatusServiceUnavailable, `{}`)
	defer bad.Close()
	good := jsonServer(http.StatusOK, okBody)
	defer good.Close()

	h := newHarness(t, DefaultConfig())
	u1 := anthropicUpstream("a-bad", bad, 0)
	u2 := anthropicUpstream("b-good", good, 0)

	req := messagesRequest([]*gateway.Upstream{u1, u2}, "")
	req.BodyStream = strings.NewReader(string(req.Body))

	out := h.ctrl.Execute(context.Background(), httptest.NewRecorder(), req)
	if !errors.Is(out.Err, gateway.ErrAllUpstreamsFailed) {
		t.Fatalf("err = %v, want ErrAllUpstreamsFailed", out.Err)
	}
	if len(out.Attempts) != 1 {
		t.Fatalf("attempts = %d, want exactly one: a consumed stream cannot be replayed", len(out.Attempts))
	}
}
