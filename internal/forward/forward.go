package forward

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	gateway "github.com/autorouter/autorouter/internal"
)

// DefaultStallTimeout is the per-chunk read deadline for streaming responses.
const DefaultStallTimeout = 60 * time.Second

// maxBufferedResponse caps non-streaming response bodies.
const maxBufferedResponse = 32 << 20

// Attempt is one outbound try against a single upstream. Headers are already
// compensated and the body already carries any model redirect. A non-nil
// BodyStream takes the place of Body for requests too large to buffer; such
// attempts cannot be replayed.
type Attempt struct {
	Upstream   *gateway.Upstream
	Method     string
	Path       string
	RawQuery   string
	Header     http.Header
	Body       []byte
	BodyStream io.Reader
	Stream     bool
}

// RelayResult summarizes what reached the downstream client.
type RelayResult struct {
	TTFTMs  int64
	Usage   *gateway.Usage
	Bytes   int64 // bytes written downstream; > 0 commits the attempt
	Aborted bool  // downstream disconnected mid-relay
	Err     error
}

// Forwarder owns the shared transport and the per-upstream in-flight
// counters that feed least_connections selection.
type Forwarder struct {
	transport    http.RoundTripper
	stallTimeout time.Duration

	mu       sync.RWMutex
	inflight map[string]*atomic.Int64
}

// New creates a forwarder on the given transport. stallTimeout <= 0 takes
// the default.
func New(transport http.RoundTripper, stallTimeout time.Duration) *Forwarder {
	if stallTimeout <= 0 {
		stallTimeout = DefaultStallTimeout
	}
	return &Forwarder{
		transport:    transport,
		stallTimeout: stallTimeout,
		inflight:     make(map[string]*atomic.Int64),
	}
}

func (f *Forwarder) counter(upstreamID string) *atomic.Int64 {
	f.mu.RLock()
	c, ok := f.inflight[upstreamID]
	f.mu.RUnlock()
	if ok {
		return c
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.inflight[upstreamID]; ok {
		return c
	}
	c = &atomic.Int64{}
	f.inflight[upstreamID] = c
	return c
}

// Inflight reports the current in-flight forwards for an upstream.
func (f *Forwarder) Inflight(upstreamID string) int64 {
	f.mu.RLock()
	c, ok := f.inflight[upstreamID]
	f.mu.RUnlock()
	if !ok {
		return 0
	}
	return c.Load()
}

// Acquire marks one forward in flight; the returned func releases it.
func (f *Forwarder) Acquire(upstreamID string) func() {
	c := f.counter(upstreamID)
	c.Add(1)
	var once sync.Once
	return func() { once.Do(func() { c.Add(-1) }) }
}

// Do performs the upstream exchange and returns the raw response without
// relaying it. The caller decides between relaying (success or excluded
// status) and discarding for failover. The upstream's timeout bounds the
// whole exchange for buffered requests and the time-to-headers for streams.
func (f *Forwarder) Do(ctx context.Context, a *Attempt) (*http.Response, error) {
	targetURL := strings.TrimSuffix(a.Upstream.BaseURL, "/") + a.Path
	if a.RawQuery != "" {
		targetURL += "?" + a.RawQuery
	}

	var bodyReader io.Reader = bytes.NewReader(a.Body)
	length := int64(len(a.Body))
	if a.BodyStream != nil {
		// Oversized body: stream it through without buffering. The length is
		// unknown, so the request goes out chunked.
		bodyReader = a.BodyStream
		length = -1
	}
	req, err := http.NewRequestWithContext(ctx, a.Method, targetURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("forward: build request: %w", err)
	}
	req.ContentLength = length
	for key, vals := range a.Header {
		if _, hop := hopByHopHeaders[key]; hop {
			continue
		}
		req.Header[key] = vals
	}

	client := &http.Client{Transport: f.transport}
	if !a.Stream && a.Upstream.Timeout > 0 {
		// Total budget including body read; the caller consumes the body
		// right after Do for buffered responses.
		client.Timeout = a.Upstream.Timeout
	}
	if a.Stream && a.Upstream.Timeout > 0 {
		// Streams cannot carry a total deadline; bound the time to response
		// headers instead and guard the body with per-chunk deadlines. The
		// budget cancellation carries a cause so it surfaces as a timeout,
		// not as a client disconnect.
		streamCtx, streamCancel := context.WithCancelCause(ctx)
		timer := time.AfterFunc(a.Upstream.Timeout, func() {
			streamCancel(errHeaderBudget)
		})
		req = req.WithContext(streamCtx)
		resp, err := client.Do(req)
		timer.Stop()
		if err != nil {
			streamCancel(nil)
			if errors.Is(context.Cause(streamCtx), errHeaderBudget) {
				return nil, fmt.Errorf("forward: no response headers within %s: %w",
					a.Upstream.Timeout, context.DeadlineExceeded)
			}
			return nil, err
		}
		// Cancel propagates to the body; tie it to body close.
		resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: streamCancel}
		return resp, nil
	}
	return client.Do(req)
}

// errHeaderBudget marks a stream cancelled because the upstream never sent
// response headers within its timeout.
var errHeaderBudget = errors.New("response header budget exceeded")

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelCauseFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel(nil)
	return err
}

// Relay streams resp to w and returns what was observed. For SSE responses
// the body is re-chunked on event boundaries, TTFT is taken at the first
// non-empty event, and usage accounting events are folded into the result.
func (f *Forwarder) Relay(ctx context.Context, w http.ResponseWriter, resp *http.Response, cap gateway.RouteCapability) RelayResult {
	defer resp.Body.Close()

	for key, vals := range resp.Header {
		if _, hop := hopByHopHeaders[key]; hop {
			continue
		}
		w.Header()[key] = vals
	}
	w.WriteHeader(resp.StatusCode)

	if isStreamContentType(resp.Header.Get("Content-Type")) {
		return f.relayStream(ctx, w, resp, cap)
	}
	return relayBuffered(w, resp, cap)
}

func relayBuffered(w http.ResponseWriter, resp *http.Response, cap gateway.RouteCapability) RelayResult {
	var res RelayResult
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBufferedResponse))
	if err != nil {
		res.Err = fmt.Errorf("forward: read response: %w", err)
		return res
	}
	acc := NewUsageAccumulator(cap)
	acc.ObserveBody(body)
	res.Usage = acc.Usage()

	n, err := w.Write(body)
	res.Bytes = int64(n)
	if err != nil {
		res.Aborted = true
		res.Err = fmt.Errorf("forward: write response: %w", err)
	}
	return res
}

func (f *Forwarder) relayStream(ctx context.Context, w http.ResponseWriter, resp *http.Response, cap gateway.RouteCapability) RelayResult {
	var res RelayResult
	start := time.Now()
	flusher, canFlush := w.(http.Flusher)
	acc := NewUsageAccumulator(cap)

	guard := newStallGuard(resp.Body, f.stallTimeout)
	defer guard.stop()

	scanner := NewEventScanner(guard)
	for scanner.Scan() {
		frame := scanner.Bytes()
		guard.reset()

		if res.TTFTMs == 0 && len(bytes.TrimSpace(frame)) > 0 {
			res.TTFTMs = time.Since(start).Milliseconds()
			if res.TTFTMs == 0 {
				res.TTFTMs = 1
			}
		}
		event, data := parseEvent(frame)
		if len(data) > 0 || event != "" {
			acc.ObserveEvent(event, data)
		}

		n, err := w.Write(frame)
		res.Bytes += int64(n)
		if err != nil {
			res.Aborted = true
			res.Err = fmt.Errorf("forward: write stream: %w", err)
			break
		}
		if canFlush {
			flusher.Flush()
		}
	}
	if res.Err == nil {
		if err := scanner.Err(); err != nil {
			if ctx.Err() != nil {
				res.Aborted = true
			}
			if guard.stalled() {
				err = fmt.Errorf("forward: stream stalled past %s: %w", f.stallTimeout, err)
			}
			res.Err = err
		}
	}
	res.Usage = acc.Usage()
	return res
}

// stallGuard closes the body when no read completes within timeout, turning
// a silent upstream stall into a read error.
type stallGuard struct {
	body    io.ReadCloser
	timer   *time.Timer
	timeout time.Duration
	fired   atomic.Bool
}

func newStallGuard(body io.ReadCloser, timeout time.Duration) *stallGuard {
	g := &stallGuard{body: body, timeout: timeout}
	g.timer = time.AfterFunc(timeout, func() {
		g.fired.Store(true)
		body.Close()
	})
	return g
}

func (g *stallGuard) Read(p []byte) (int, error) {
	return g.body.Read(p)
}

func (g *stallGuard) reset() {
	if !g.fired.Load() {
		g.timer.Reset(g.timeout)
	}
}

func (g *stallGuard) stop()         { g.timer.Stop() }
func (g *stallGuard) stalled() bool { return g.fired.Load() }

// DrainAndClose consumes a bounded amount of an abandoned response body so
// the connection can be reused, then closes it. Returns up to 4 KiB of the
// body text for attempt records.
func DrainAndClose(resp *http.Response) string {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	return string(body)
}
