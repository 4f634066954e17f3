package server

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	gateway "github.com/autorouter/autorouter/internal"
	"github.com/autorouter/autorouter/internal/affinity"
	"github.com/autorouter/autorouter/internal/billing"
	"github.com/autorouter/autorouter/internal/failover"
	"github.com/autorouter/autorouter/internal/forward"
	"github.com/autorouter/autorouter/internal/route"
)

// handleProxy is the single pipeline every capability route funnels into:
// capture a replayable body, classify, filter candidates, run the failover
// loop, then hand the outcome to metrics and the billing emitter.
func (s *server) handleProxy(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	// Over the replay cap, body holds only a prefix and bodyStream resumes
	// the full payload: classification still works (model and stream sit at
	// the head of every protocol's payload) but failover is off.
	body, bodyStream, err := forward.ReadReplayable(r.Body, s.deps.ReplayLimit)
	if err != nil {
		cap, _ := route.CapabilityForPath(r.URL.Path)
		writeError(w, cap, http.StatusBadRequest, "read request body: "+err.Error())
		return
	}

	cls, err := route.Classify(r.Method, r.URL.Path, body)
	if err != nil {
		writeError(w, "", errorStatus(err), err.Error())
		return
	}

	key := gateway.KeyFromContext(ctx)
	snap := s.deps.Registry.Snapshot()
	candidates, decision := s.deps.Filter.Candidates(key, snap.All(), cls)
	s.countQuotaRejects(decision)

	if len(candidates) == 0 {
		status, msg := noCandidateStatus(decision)
		writeError(w, cls.Capability, status, msg)
		s.observe(cls, status, failover.Outcome{})
		s.emit(r, key, cls, decision, "", start, 0, status, msg, failover.Outcome{}, nil)
		return
	}

	sessionID := affinity.ExtractSessionID(cls.Capability, r.Header, body)
	routingMs := time.Since(start).Milliseconds()
	if bodyStream != nil {
		decision.Annotations = append(decision.Annotations, gateway.AnnotationBodyTooLarge)
	}

	out := s.deps.Failover.Execute(ctx, w, &failover.Request{
		RequestID:      gateway.RequestIDFromContext(ctx),
		Key:            key,
		Classification: cls,
		Candidates:     candidates,
		Method:         r.Method,
		Path:           r.URL.Path,
		RawQuery:       r.URL.RawQuery,
		InboundHeader:  r.Header,
		Body:           body,
		BodyStream:     bodyStream,
		SessionID:      sessionID,
	})

	status := out.StatusCode
	errMsg := out.ErrorMessage
	if out.Err != nil && out.BytesWritten == 0 && !errors.Is(out.Err, gateway.ErrAborted) {
		status = errorStatus(out.Err)
		errMsg = out.Err.Error()
		if last := lastAttempt(out.Attempts); last != nil {
			errMsg = fmt.Sprintf("%s: last attempt on %s failed with %s", errMsg, last.UpstreamID, last.ErrorType)
		}
		writeError(w, cls.Capability, status, errMsg)
	}

	decision.ResolvedModel = out.Model
	decision.RedirectApplied = out.RedirectApplied

	s.observe(cls, status, out)
	s.emit(r, key, cls, decision, sessionID, start, routingMs, status, errMsg, out, snap.Get(out.UpstreamID))
}

// noCandidateStatus distinguishes "nothing routable for this key" from "all
// candidates circuit-open", which surfaces as 503 so clients back off.
func noCandidateStatus(d gateway.RoutingDecision) (int, string) {
	circuitOpen := 0
	for _, ex := range d.Exclusions {
		if ex.Reason == gateway.ExcludeCircuitOpen {
			circuitOpen++
		}
	}
	if circuitOpen > 0 {
		return http.StatusServiceUnavailable, gateway.ErrCircuitOpen.Error()
	}
	return http.StatusForbidden, "no upstream available for this key and capability"
}

func lastAttempt(attempts []gateway.Attempt) *gateway.Attempt {
	if len(attempts) == 0 {
		return nil
	}
	return &attempts[len(attempts)-1]
}

func (s *server) countQuotaRejects(d gateway.RoutingDecision) {
	if s.deps.Metrics == nil {
		return
	}
	for _, ex := range d.Exclusions {
		if ex.Reason == gateway.ExcludeQuotaExceeded {
			s.deps.Metrics.QuotaRejects.WithLabelValues(ex.UpstreamID).Inc()
		}
	}
}

// observe records per-request metrics once the outcome is known.
func (s *server) observe(cls route.Classification, status int, out failover.Outcome) {
	m := s.deps.Metrics
	if m == nil {
		return
	}
	capLabel := string(cls.Capability)
	m.RequestsTotal.WithLabelValues(capLabel, statusText[clampStatus(status)]).Inc()

	for _, a := range out.Attempts {
		m.AttemptsTotal.WithLabelValues(a.UpstreamID, string(a.ErrorType)).Inc()
	}
	if out.UpstreamID != "" {
		m.AttemptsTotal.WithLabelValues(out.UpstreamID, "ok").Inc()
		m.CircuitState.WithLabelValues(out.UpstreamID).Set(circuitStateValue(s.deps.Filter.Breakers.StateOf(out.UpstreamID)))
		if out.TTFTMs > 0 {
			m.TTFT.WithLabelValues(out.UpstreamID).Observe(float64(out.TTFTMs) / 1000)
		}
	}
	if out.AffinityHit {
		m.AffinityHits.Inc()
	}
	if out.AffinityMigrated {
		m.AffinityMigrations.Inc()
	}
	if out.Usage != nil && out.Model != "" {
		m.TokensProcessed.WithLabelValues(out.Model, "input").Add(float64(out.Usage.PromptTokens))
		m.TokensProcessed.WithLabelValues(out.Model, "output").Add(float64(out.Usage.CompletionTokens))
	}
}

func circuitStateValue(state string) float64 {
	switch state {
	case "open":
		return 2
	case "half_open":
		return 1
	default:
		return 0
	}
}

// emit hands the completed request to the billing emitter. The emitter owns
// price resolution and snapshot construction; the server only assembles the
// audit record.
func (s *server) emit(r *http.Request, key *gateway.APIKey, cls route.Classification,
	decision gateway.RoutingDecision, sessionID string, start time.Time, routingMs int64,
	status int, errMsg string, out failover.Outcome, upstream *gateway.Upstream) {
	if s.deps.Emitter == nil {
		return
	}

	log := gateway.RequestLog{
		ID:                gateway.RequestIDFromContext(r.Context()),
		Method:            r.Method,
		Path:              r.URL.Path,
		Model:             cls.OriginalModel,
		UpstreamID:        out.UpstreamID,
		StatusCode:        status,
		DurationMs:        time.Since(start).Milliseconds(),
		RoutingDurationMs: routingMs,
		TTFTMs:            out.TTFTMs,
		IsStream:          cls.Stream,
		ErrorMessage:      errMsg,
		FailoverAttempts:  out.FailoverAttempts,
		FailoverHistory:   out.Attempts,
		Routing:           decision,
		SessionID:         sessionID,
		AffinityHit:       out.AffinityHit,
		AffinityMigrated:  out.AffinityMigrated,
		CreatedAt:         time.Now().UTC(),
	}
	if key != nil {
		log.APIKeyID = key.ID
	}
	if out.Model != "" {
		log.Model = out.Model
	}
	if u := out.Usage; u != nil {
		log.PromptTokens = u.PromptTokens
		log.CompletionTokens = u.CompletionTokens
		log.TotalTokens = u.TotalTokens
		log.CacheReadTokens = u.CacheReadTokens
		log.CacheWriteTokens = u.CacheWriteTokens
	}

	s.deps.Emitter.Emit(billing.Event{Log: log, Upstream: upstream, Usage: out.Usage})
}
