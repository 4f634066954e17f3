// Package failover runs the attempt loop for one request: pick an upstream,
// build its outbound headers and body, forward, and on retryable failure move
// to the next candidate — same priority group first, then down the groups.
package failover

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
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

// SecretSource decrypts an upstream's credential at forward time.
type SecretSource interface {
	UpstreamSecret(u *gateway.Upstream) (string, error)
}

// Controller orchestrates attempts for one request at a time. It is
// stateless between requests; all shared state lives in its collaborators.
type Controller struct {
	cfg         Config
	selector    *selector.Selector
	forwarder   *forward.Forwarder
	compensator *headers.Compensator
	breakers    *circuitbreaker.Registry
	health      *health.Tracker
	affinity    *affinity.Store
	secrets     SecretSource
	logger      *slog.Logger
}

// New wires a failover controller.
func New(cfg Config, sel *selector.Selector, fwd *forward.Forwarder, comp *headers.Compensator,
	breakers *circuitbreaker.Registry, ht *health.Tracker, aff *affinity.Store,
	secrets SecretSource, logger *slog.Logger) *Controller {
	if cfg.Strategy == "" {
		cfg = DefaultConfig()
	}
	return &Controller{
		cfg:         cfg,
		selector:    sel,
		forwarder:   fwd,
		compensator: comp,
		breakers:    breakers,
		health:      ht,
		affinity:    aff,
		secrets:     secrets,
		logger:      logger,
	}
}

// Request is everything the attempt loop needs for one inbound request.
// When BodyStream is non-nil the body exceeded the replay cap: Body holds
// only the buffered prefix (used for classification), the stream carries the
// full payload, and failover is disabled because the body cannot be resent.
type Request struct {
	RequestID      string
	Key            *gateway.APIKey
	Classification route.Classification
	Candidates     []*gateway.Upstream // ordered by priority
	Method         string
	Path           string
	RawQuery       string
	InboundHeader  http.Header
	Body           []byte
	BodyStream     io.Reader
	SessionID      string
}

// Outcome summarizes the loop for logging and billing.
type Outcome struct {
	StatusCode       int
	UpstreamID       string
	Model            string // model actually sent (after redirect)
	RedirectApplied  bool
	Usage            *gateway.Usage
	TTFTMs           int64
	BytesWritten     int64
	Attempts         []gateway.Attempt
	FailoverAttempts int
	AffinityHit      bool
	AffinityMigrated bool
	ErrorMessage     string
	Err              error // terminal error, nil when a response reached downstream
}

// Execute runs the attempt loop, writing the accepted response to w.
func (c *Controller) Execute(ctx context.Context, w http.ResponseWriter, req *Request) Outcome {
	var out Outcome

	remaining := make([]*gateway.Upstream, len(req.Candidates))
	copy(remaining, req.Candidates)

	if len(remaining) == 0 {
		out.Err = gateway.ErrNoCandidates
		return out
	}

	chosen := c.affinityPreCheck(req, remaining, &out)
	if chosen == nil {
		chosen = c.selector.Pick(remaining, req.RequestID)
	}

	for {
		if ctx.Err() != nil {
			out.Err = gateway.ErrAborted
			return out
		}

		done := c.attempt(ctx, w, req, chosen, &out)
		if done {
			return out
		}

		if req.BodyStream != nil {
			// The one streamed attempt consumed the body; nothing to replay.
			out.FailoverAttempts = failoverCount(out.Attempts)
			out.Err = gateway.ErrAllUpstreamsFailed
			return out
		}

		remaining = without(remaining, chosen.ID)
		cancelled := ctx.Err() != nil
		if !shouldContinueFailover(len(out.Attempts), len(remaining) > 0, cancelled, c.cfg) {
			out.FailoverAttempts = failoverCount(out.Attempts)
			if out.Err == nil {
				out.Err = gateway.ErrAllUpstreamsFailed
			}
			return out
		}
		// Re-select: the selector operates on the best remaining priority
		// group, so same-group alternatives are tried before stepping down.
		chosen = c.selector.Pick(remaining, req.RequestID)
	}
}

// attempt performs one forward try. It returns true when the loop is done
// (response relayed or terminal abort) and false when failover continues.
func (c *Controller) attempt(ctx context.Context, w http.ResponseWriter, req *Request, u *gateway.Upstream, out *Outcome) bool {
	rec := gateway.Attempt{UpstreamID: u.ID, AttemptedAt: time.Now()}

	breaker := c.breakers.GetOrCreate(u.ID, u.CircuitBreaker)
	if !breaker.Allow() {
		rec.ErrorType = gateway.ErrCatCircuitOpen
		rec.ErrorMessage = "circuit open"
		out.Attempts = append(out.Attempts, rec)
		return false
	}

	secret, err := c.secrets.UpstreamSecret(u)
	if err != nil {
		// Config fault, not an upstream fault: skip without feeding the
		// breaker, but free any probe slot claimed above.
		breaker.ReleaseProbe()
		rec.ErrorType = gateway.ErrCatConnection
		rec.ErrorMessage = fmt.Sprintf("decrypt upstream secret: %v", err)
		out.Attempts = append(out.Attempts, rec)
		c.logger.LogAttrs(ctx, slog.LevelError, "upstream secret unavailable",
			slog.String("upstream_id", u.ID), slog.String("error", err.Error()))
		return false
	}

	outHeader, _ := c.compensator.Build(req.InboundHeader, u, req.Classification.Capability, secret)
	body, path, model := req.Body, req.Path, req.Classification.Model
	redirected := false
	if req.BodyStream == nil {
		// Redirects rewrite the body, which a streamed-through payload
		// cannot support.
		body, path, model, redirected, err = route.ApplyRedirect(u, req.Classification, req.Body, req.Path)
		if err != nil {
			breaker.ReleaseProbe()
			rec.ErrorMessage = fmt.Sprintf("apply model redirect: %v", err)
			out.Attempts = append(out.Attempts, rec)
			return false
		}
	}

	release := c.forwarder.Acquire(u.ID)
	defer release()

	start := time.Now()
	resp, err := c.forwarder.Do(ctx, &forward.Attempt{
		Upstream:   u,
		Method:     req.Method,
		Path:       path,
		RawQuery:   req.RawQuery,
		Header:     outHeader,
		Body:       body,
		BodyStream: req.BodyStream,
		Stream:     req.Classification.Stream,
	})
	if err != nil {
		cat := forward.CategorizeError(err)
		if cat == gateway.ErrCatAborted {
			if ctx.Err() != nil {
				breaker.ReleaseProbe()
				out.Err = gateway.ErrAborted
				out.ErrorMessage = "client disconnected"
				return true
			}
			// A cancellation that did not come from the client is an
			// upstream fault; retry it like any timeout.
			cat = gateway.ErrCatTimeout
		}
		breaker.RecordFailure()
		c.health.RecordFailure(u.ID, err.Error())
		rec.ErrorType = cat
		rec.ErrorMessage = err.Error()
		out.Attempts = append(out.Attempts, rec)
		c.logger.LogAttrs(ctx, slog.LevelWarn, "forward attempt failed",
			slog.String("request_id", req.RequestID),
			slog.String("upstream_id", u.ID),
			slog.String("category", string(cat)),
			slog.String("error", err.Error()))
		return false
	}

	status := resp.StatusCode
	if status >= 200 && status < 300 {
		breaker.RecordSuccess()
		c.health.RecordSuccess(u.ID, time.Since(start))

		res := c.forwarder.Relay(ctx, w, resp, req.Classification.Capability)
		out.StatusCode = status
		out.UpstreamID = u.ID
		out.Model = model
		out.RedirectApplied = out.RedirectApplied || redirected
		out.Usage = res.Usage
		out.TTFTMs = res.TTFTMs
		out.BytesWritten = res.Bytes
		out.FailoverAttempts = failoverCount(out.Attempts)
		if res.Err != nil {
			// The attempt is committed once bytes flowed; surface the
			// truncation, never retry.
			out.ErrorMessage = res.Err.Error()
		}
		c.updateAffinity(req, u, res.Usage)
		return true
	}

	if !shouldTriggerFailover(status, c.cfg) {
		// Excluded status: pass the response through verbatim. Neither a
		// breaker success nor a failure, but a claimed probe slot must be
		// freed or the breaker stays half-open rejecting probes.
		breaker.ReleaseProbe()
		res := c.forwarder.Relay(ctx, w, resp, req.Classification.Capability)
		out.StatusCode = status
		out.UpstreamID = u.ID
		out.Model = model
		out.BytesWritten = res.Bytes
		out.FailoverAttempts = failoverCount(out.Attempts)
		out.ErrorMessage = fmt.Sprintf("upstream returned %d (excluded from failover)", status)
		return true
	}

	bodyText := forward.DrainAndClose(resp)
	breaker.RecordFailure()
	c.health.RecordFailure(u.ID, fmt.Sprintf("HTTP %d", status))
	rec.ErrorType = forward.CategorizeStatus(status, c.cfg.ExcludeStatusCodes)
	rec.StatusCode = status
	rec.ErrorMessage = truncate(bodyText, 512)
	out.Attempts = append(out.Attempts, rec)
	c.logger.LogAttrs(ctx, slog.LevelWarn, "forward attempt failed",
		slog.String("request_id", req.RequestID),
		slog.String("upstream_id", u.ID),
		slog.Int("status", status))
	return false
}

// affinityPreCheck resolves a sticky session to its upstream and applies the
// migration policy. Returns nil when selection should proceed normally.
func (c *Controller) affinityPreCheck(req *Request, candidates []*gateway.Upstream, out *Outcome) *gateway.Upstream {
	if req.SessionID == "" || c.affinity == nil {
		return nil
	}
	key := affinity.Key{
		APIKeyID:   req.Key.ID,
		Capability: string(req.Classification.Capability),
		SessionID:  req.SessionID,
	}
	entry, ok := c.affinity.Get(key)
	if !ok {
		return nil
	}
	var current *gateway.Upstream
	for _, u := range candidates {
		if u.ID == entry.UpstreamID {
			current = u
			break
		}
	}
	if current == nil {
		return nil
	}

	if target := affinity.ShouldMigrate(current, candidates, int64(len(req.Body)), entry.CumulativeTokens); target != nil {
		c.affinity.Delete(key)
		// Carry the accumulated token count into the new binding.
		c.affinity.Set(key, target.ID, int64(len(req.Body)))
		c.affinity.UpdateCumulativeTokens(key, entry.CumulativeTokens)
		out.AffinityMigrated = true
		return target
	}
	out.AffinityHit = true
	return current
}

// updateAffinity refreshes the session binding after a successful attempt.
func (c *Controller) updateAffinity(req *Request, u *gateway.Upstream, usage *gateway.Usage) {
	if req.SessionID == "" || c.affinity == nil {
		return
	}
	key := affinity.Key{
		APIKeyID:   req.Key.ID,
		Capability: string(req.Classification.Capability),
		SessionID:  req.SessionID,
	}
	c.affinity.Set(key, u.ID, int64(len(req.Body)))
	if usage != nil {
		c.affinity.UpdateCumulativeTokens(key, int64(usage.PromptTokens))
	}
}

// failoverCount is the number of failed attempts preceding the final one.
func failoverCount(attempts []gateway.Attempt) int {
	return len(attempts)
}

func without(ups []*gateway.Upstream, id string) []*gateway.Upstream {
	out := ups[:0]
	for _, u := range ups {
		if u.ID != id {
			out = append(out, u)
		}
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
