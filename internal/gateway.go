// Package gateway defines domain types and interfaces for the AutoRouter gateway.
// This package has no project imports -- it is the dependency root.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// --- Route capabilities ---

// RouteCapability identifies a provider-flavored wire protocol. The set is
// closed: an upstream advertises the capabilities it can serve and every
// inbound path maps to exactly one capability.
type RouteCapability string

const (
	CapAnthropicMessages RouteCapability = "anthropic_messages"
	CapCodexResponses    RouteCapability = "codex_responses"
	CapOpenAIChat        RouteCapability = "openai_chat_compatible"
	CapOpenAIExtended    RouteCapability = "openai_extended"
	CapGeminiGenerate    RouteCapability = "gemini_native_generate"
	CapGeminiCodeAssist  RouteCapability = "gemini_code_assist_internal"
)

// Capabilities returns the full closed capability set.
func Capabilities() []RouteCapability {
	return []RouteCapability{
		CapAnthropicMessages, CapCodexResponses, CapOpenAIChat,
		CapOpenAIExtended, CapGeminiGenerate, CapGeminiCodeAssist,
	}
}

// --- Provider types ---

// ProviderType identifies the upstream vendor flavor, which determines
// auth header shape and usage event format.
type ProviderType string

const (
	ProviderAnthropic ProviderType = "anthropic"
	ProviderOpenAI    ProviderType = "openai"
	ProviderGoogle    ProviderType = "google"
	ProviderCustom    ProviderType = "custom"
)

// --- Identity ---

// APIKey is a gateway-issued credential. The plaintext key is never stored;
// lookups go through the SHA-256 hash.
type APIKey struct {
	ID                 string     `json:"id"`
	KeyHash            string     `json:"-"`          // SHA-256 hex, never exposed
	KeyPrefix          string     `json:"key_prefix"` // first 8 chars for display
	Name               string     `json:"name"`
	IsActive           bool       `json:"is_active"`
	ExpiresAt          *time.Time `json:"expires_at,omitempty"`
	AllowedUpstreamIDs []string   `json:"allowed_upstream_ids"` // exclusive authorization scope
	CreatedAt          time.Time  `json:"created_at"`
	LastUsedAt         *time.Time `json:"last_used_at,omitempty"`
}

// AllowsUpstream reports whether the key authorizes the given upstream.
func (k *APIKey) AllowsUpstream(upstreamID string) bool {
	for _, id := range k.AllowedUpstreamIDs {
		if id == upstreamID {
			return true
		}
	}
	return false
}

// --- Upstream configuration ---

// BreakerConfig holds per-upstream circuit breaker parameters.
// Durations are milliseconds in persisted form, normalized to time.Duration
// at the storage boundary.
type BreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold" yaml:"failure_threshold"`
	SuccessThreshold int           `json:"success_threshold" yaml:"success_threshold"`
	OpenDuration     time.Duration `json:"open_duration" yaml:"open_duration"`
	ProbeInterval    time.Duration `json:"probe_interval" yaml:"probe_interval"`
}

// DefaultBreakerConfig returns the breaker defaults used when an upstream
// carries no explicit config.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenDuration:     30 * time.Second,
		ProbeInterval:    5 * time.Second,
	}
}

// MigrationMetric selects which affinity counter a migration threshold tests.
type MigrationMetric string

const (
	MigrateByTokens MigrationMetric = "tokens"
	MigrateByLength MigrationMetric = "length"
)

// MigrationConfig controls whether an established session affinity may move
// to this (higher-priority) upstream.
type MigrationConfig struct {
	Enabled   bool            `json:"enabled" yaml:"enabled"`
	Metric    MigrationMetric `json:"metric" yaml:"metric"`
	Threshold int64           `json:"threshold" yaml:"threshold"`
}

// PeriodType identifies a spending window shape.
type PeriodType string

const (
	PeriodDaily   PeriodType = "daily"   // UTC day boundary
	PeriodMonthly PeriodType = "monthly" // UTC month boundary
	PeriodRolling PeriodType = "rolling" // sliding window of PeriodHours
)

// SpendingRule caps spend over one period. Limit is USD.
type SpendingRule struct {
	PeriodType  PeriodType `json:"period_type" yaml:"period_type"`
	PeriodHours int        `json:"period_hours,omitempty" yaml:"period_hours"`
	Limit       float64    `json:"limit" yaml:"limit"`
}

// Key returns the canonical rule key: "daily", "monthly" or "rolling:<hours>".
func (r SpendingRule) Key() string {
	if r.PeriodType == PeriodRolling {
		return "rolling:" + strconv.Itoa(r.PeriodHours)
	}
	return string(r.PeriodType)
}

// PeriodStart returns the start of the rule's current period at now.
func (r SpendingRule) PeriodStart(now time.Time) time.Time {
	now = now.UTC()
	switch r.PeriodType {
	case PeriodDaily:
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	case PeriodMonthly:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return now.Add(-time.Duration(r.PeriodHours) * time.Hour)
	}
}

// Multipliers scale base prices per upstream account.
type Multipliers struct {
	Input  float64 `json:"input" yaml:"input"`
	Output float64 `json:"output" yaml:"output"`
}

// CompensationRule fills a target header on outbound requests, scoped to a
// set of capabilities. Mode "missing_only" only compensates absent headers;
// "always" overwrites.
type CompensationRule struct {
	ID           string            `json:"id,omitempty"`
	Capabilities []RouteCapability `json:"capabilities"`
	TargetHeader string            `json:"target_header"`
	Sources      []string          `json:"sources"`
	Mode         string            `json:"mode"`
}

// Upstream is a configured remote provider account.
type Upstream struct {
	ID                 string            `json:"id"`
	Name               string            `json:"name"`
	ProviderType       ProviderType      `json:"provider_type"`
	BaseURL            string            `json:"base_url"`
	APIKeyEncrypted    string            `json:"-"` // AES-GCM, decrypted only at forward time
	Timeout            time.Duration     `json:"timeout"`
	IsActive           bool              `json:"is_active"`
	Weight             int               `json:"weight"`   // >= 1
	Priority           int               `json:"priority"` // lower = higher rank
	RouteCapabilities  []RouteCapability `json:"route_capabilities"`
	AllowedModels      []string          `json:"allowed_models,omitempty"` // nil = all models
	ModelRedirects     map[string]string `json:"model_redirects,omitempty"`
	CircuitBreaker     *BreakerConfig    `json:"circuit_breaker,omitempty"`
	AffinityMigration  *MigrationConfig  `json:"affinity_migration,omitempty"`
	BillingMultipliers Multipliers       `json:"billing_multipliers"`
	SpendingRules      []SpendingRule    `json:"spending_rules,omitempty"`
}

// HasCapability reports whether the upstream serves cap. An empty capability
// set matches nothing: capabilities must be granted explicitly.
func (u *Upstream) HasCapability(cap RouteCapability) bool {
	for _, c := range u.RouteCapabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// AllowsModel reports whether model is permitted on this upstream.
// An empty AllowedModels list permits every model.
func (u *Upstream) AllowsModel(model string) bool {
	if len(u.AllowedModels) == 0 {
		return true
	}
	for _, m := range u.AllowedModels {
		if m == model {
			return true
		}
	}
	return false
}

// BreakerOrDefault returns the upstream's breaker config, falling back to def.
func (u *Upstream) BreakerOrDefault(def BreakerConfig) BreakerConfig {
	if u.CircuitBreaker != nil {
		return *u.CircuitBreaker
	}
	return def
}

// --- Health ---

// UpstreamHealth is the passive liveness view derived from forward outcomes.
type UpstreamHealth struct {
	IsHealthy     bool       `json:"is_healthy"`
	LastCheckAt   *time.Time `json:"last_check_at,omitempty"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
	FailureCount  int        `json:"failure_count"` // consecutive
	LatencyMs     int64      `json:"latency_ms,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
}

// BreakerState is the persisted form of a circuit breaker snapshot, saved
// periodically so breakers survive restarts.
type BreakerState struct {
	UpstreamID   string     `json:"upstream_id"`
	State        string     `json:"state"`
	FailureCount int        `json:"failure_count"`
	SuccessCount int        `json:"success_count"`
	OpenedAt     *time.Time `json:"opened_at,omitempty"`
	LastProbeAt  *time.Time `json:"last_probe_at,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// --- Usage & billing ---

// Usage carries token accounting parsed from upstream responses.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	CacheReadTokens  int `json:"cache_read_tokens"`
	CacheWriteTokens int `json:"cache_write_tokens"`
}

// BillingStatus marks whether a snapshot carries a final cost.
type BillingStatus string

const (
	Billed   BillingStatus = "billed"
	Unbilled BillingStatus = "unbilled"
)

// Unbillable reasons.
const (
	ReasonModelMissing  = "model_missing"
	ReasonUsageMissing  = "usage_missing"
	ReasonPriceNotFound = "price_not_found"
)

// ModelPrice holds per-million-token base prices for one model.
type ModelPrice struct {
	Model                string    `json:"model"`
	InputPerMillion      float64   `json:"input_per_million"`
	OutputPerMillion     float64   `json:"output_per_million"`
	CacheReadPerMillion  *float64  `json:"cache_read_per_million,omitempty"`
	CacheWritePerMillion *float64  `json:"cache_write_per_million,omitempty"`
	Source               string    `json:"source"` // "manual_override" or sync source name
	UpdatedAt            time.Time `json:"updated_at"`
}

// PriceSync records one run of a price sync against an external source.
type PriceSync struct {
	ID         string    `json:"id"`
	Source     string    `json:"source"`
	ModelCount int       `json:"model_count"`
	Error      string    `json:"error,omitempty"`
	SyncedAt   time.Time `json:"synced_at"`
}

// BillingSnapshot is the immutable per-request cost record, 1:1 with a
// RequestLog by ID. Cost is frozen at emission even if prices later change.
type BillingSnapshot struct {
	RequestLogID      string        `json:"request_log_id"`
	UpstreamID        string        `json:"upstream_id,omitempty"`
	BillingStatus     BillingStatus `json:"billing_status"`
	UnbillableReason  string        `json:"unbillable_reason,omitempty"`
	PriceSource       string        `json:"price_source,omitempty"`
	InputPerMillion   float64       `json:"input_per_million"`
	OutputPerMillion  float64       `json:"output_per_million"`
	CacheReadPerM     float64       `json:"cache_read_per_million"`
	CacheWritePerM    float64       `json:"cache_write_per_million"`
	InputMultiplier   float64       `json:"input_multiplier"`
	OutputMultiplier  float64       `json:"output_multiplier"`
	BilledInputTokens int           `json:"billed_input_tokens"`
	FinalCost         *float64      `json:"final_cost,omitempty"`
	Currency          string        `json:"currency"`
	CreatedAt         time.Time     `json:"created_at"`
}

// --- Request log ---

// ErrorCategory classifies a failed forward attempt.
type ErrorCategory string

const (
	ErrCatTimeout     ErrorCategory = "timeout"
	ErrCatConnection  ErrorCategory = "connection_error"
	ErrCatHTTP5xx     ErrorCategory = "http_5xx"
	ErrCatHTTP4xx     ErrorCategory = "http_4xx"
	ErrCatHTTP429     ErrorCategory = "http_429"
	ErrCatCircuitOpen ErrorCategory = "circuit_open"
	ErrCatAborted     ErrorCategory = "aborted"
	ErrCatExcluded    ErrorCategory = "excluded_status"
)

// Attempt records one forward attempt inside a failover loop.
type Attempt struct {
	UpstreamID   string        `json:"upstream_id"`
	AttemptedAt  time.Time     `json:"attempted_at"`
	ErrorType    ErrorCategory `json:"error_type,omitempty"`
	StatusCode   int           `json:"status_code,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
}

// CandidateView is one upstream as seen by the routing decision.
type CandidateView struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Weight       int    `json:"weight"`
	Priority     int    `json:"priority"`
	CircuitState string `json:"circuit_state"`
}

// Exclusion records an upstream filtered out of the candidate set with a reason.
type Exclusion struct {
	UpstreamID string `json:"upstream_id"`
	Reason     string `json:"reason"`
}

// Exclusion reasons used by the capability router.
const (
	ExcludeInactive        = "inactive"
	ExcludeNotAllowed      = "not_in_key_scope"
	ExcludeNoCapability    = "capability_missing"
	ExcludeModelNotAllowed = "model_not_allowed"
	ExcludeCircuitOpen     = "circuit_open"
	ExcludeUnhealthy       = "unhealthy"
	ExcludeQuotaExceeded   = "quota_exceeded"
)

// RoutingDecision captures how a request was classified and which candidates
// survived filtering. Persisted as part of the request log.
type RoutingDecision struct {
	Capability      RouteCapability `json:"capability"`
	OriginalModel   string          `json:"original_model"`
	ResolvedModel   string          `json:"resolved_model"`
	RedirectApplied bool            `json:"redirect_applied"`
	Candidates      []CandidateView `json:"candidates"`
	Exclusions      []Exclusion     `json:"exclusions,omitempty"`
	CandidateCount  int             `json:"candidate_count"`
	ExcludedCount   int             `json:"excluded_count"`
	Annotations     []string        `json:"annotations,omitempty"`
}

// AnnotationBodyTooLarge marks a request whose body exceeded the replay cap
// and was forwarded as a single streamed attempt with failover disabled.
const AnnotationBodyTooLarge = "body_too_large_to_replay"

// RequestLog is the immutable post-flight audit record.
type RequestLog struct {
	ID                string          `json:"id"`
	APIKeyID          string          `json:"api_key_id,omitempty"`
	UpstreamID        string          `json:"upstream_id,omitempty"`
	Method            string          `json:"method"`
	Path              string          `json:"path"`
	Model             string          `json:"model,omitempty"`
	PromptTokens      int             `json:"prompt_tokens"`
	CompletionTokens  int             `json:"completion_tokens"`
	TotalTokens       int             `json:"total_tokens"`
	CacheReadTokens   int             `json:"cache_read_tokens"`
	CacheWriteTokens  int             `json:"cache_write_tokens"`
	StatusCode        int             `json:"status_code"`
	DurationMs        int64           `json:"duration_ms"`
	RoutingDurationMs int64           `json:"routing_duration_ms"`
	TTFTMs            int64           `json:"ttft_ms,omitempty"`
	IsStream          bool            `json:"is_stream"`
	ErrorMessage      string          `json:"error_message,omitempty"`
	FailoverAttempts  int             `json:"failover_attempts"`
	FailoverHistory   []Attempt       `json:"failover_history,omitempty"`
	Routing           RoutingDecision `json:"routing_decision"`
	SessionID         string          `json:"session_id,omitempty"`
	AffinityHit       bool            `json:"affinity_hit"`
	AffinityMigrated  bool            `json:"affinity_migrated"`
	CreatedAt         time.Time       `json:"created_at"`
}

// --- Context plumbing ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// The Key field is set later by the authenticate middleware via mutation
// of the same pointer, avoiding a second context.WithValue.
type requestMeta struct {
	RequestID string
	Key       *APIKey
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// KeyFromContext extracts the authenticated API key from context.
func KeyFromContext(ctx context.Context) *APIKey {
	if m := metaFromContext(ctx); m != nil {
		return m.Key
	}
	return nil
}

// ContextWithKey stores the key in the existing requestMeta if present,
// falling back to a fresh allocation (e.g. in tests).
func ContextWithKey(ctx context.Context, k *APIKey) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Key = k
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Key: k})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// --- Shared helpers ---

// APIKeyPrefix is the prefix for all AutoRouter-issued keys.
const APIKeyPrefix = "ar_"

// HashKey returns the hex-encoded SHA-256 hash of a raw API key.
func HashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
