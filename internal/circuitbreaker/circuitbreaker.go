// Package circuitbreaker implements a per-upstream circuit breaker with
// consecutive-failure tripping and probe-based recovery. It short-circuits
// requests to known-bad upstreams, reducing failover latency from seconds
// (timeout + network) to nanoseconds (state check).
package circuitbreaker

import (
	"sync"
	"time"

	gateway "github.com/autorouter/autorouter/internal"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed allows all requests through.
	StateClosed State = iota
	// StateOpen rejects all requests except periodic probes.
	StateOpen
	// StateHalfOpen allows a single in-flight probe request.
	StateHalfOpen
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ParseState maps a persisted state name back to a State. Unknown names
// conservatively map to closed.
func ParseState(s string) State {
	switch s {
	case "open":
		return StateOpen
	case "half_open":
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Snapshot is an exportable view of breaker state for persistence and
// routing decision logs.
type Snapshot struct {
	State        State
	FailureCount int
	SuccessCount int
	OpenedAt     time.Time
	LastProbeAt  time.Time
}

// Breaker is a per-upstream circuit breaker state machine.
//
// closed: failures increment a consecutive counter, any success zeroes it;
// reaching FailureThreshold trips to open. open: Allow rejects everything
// except one probe per ProbeInterval, which moves to half_open. half_open:
// a single probe is in flight at a time; SuccessThreshold consecutive wins
// close the breaker, any failure reopens it.
type Breaker struct {
	mu           sync.Mutex
	state        State
	failureCount int
	successCount int
	openedAt     time.Time
	lastProbeAt  time.Time
	lastUsed     time.Time // for stale eviction
	probing      bool      // true when a half-open probe is in flight
	cfg          gateway.BreakerConfig
}

// NewBreaker creates a closed breaker with the given config.
func NewBreaker(cfg gateway.BreakerConfig) *Breaker {
	return &Breaker{state: StateClosed, cfg: cfg, lastUsed: time.Now()}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	s := b.state
	b.mu.Unlock()
	return s
}

// Allow checks whether a request should be admitted. Admitting through an
// open or half-open breaker claims the probe slot, so callers must follow up
// with RecordSuccess or RecordFailure.
func (b *Breaker) Allow() bool {
	return b.allowAt(time.Now())
}

// Admittable reports whether Allow would currently succeed without claiming
// the probe slot. Used by candidate filtering, which must not consume probes
// for upstreams that end up not selected.
func (b *Breaker) Admittable() bool {
	return b.admittableAt(time.Now())
}

func (b *Breaker) admittableAt(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		since := b.openedAt
		if b.lastProbeAt.After(since) {
			since = b.lastProbeAt
		}
		return now.Sub(since) >= b.cfg.ProbeInterval
	case StateHalfOpen:
		return !b.probing
	}
	return false
}

func (b *Breaker) allowAt(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		// A probe is admitted once per ProbeInterval, measured from the
		// later of openedAt and the previous probe.
		since := b.openedAt
		if b.lastProbeAt.After(since) {
			since = b.lastProbeAt
		}
		if now.Sub(since) >= b.cfg.ProbeInterval {
			b.state = StateHalfOpen
			b.lastProbeAt = now
			b.probing = true
			return true
		}
		return false
	case StateHalfOpen:
		if !b.probing {
			b.probing = true
			b.lastProbeAt = now
			return true
		}
		return false
	}
	return false
}

// RecordSuccess records a successful request outcome.
func (b *Breaker) RecordSuccess() {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now

	switch b.state {
	case StateClosed:
		b.failureCount = 0
	case StateHalfOpen:
		b.probing = false
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.failureCount = 0
			b.successCount = 0
		}
	}
}

// RecordFailure records a failed request outcome.
func (b *Breaker) RecordFailure() {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now

	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.state = StateOpen
			b.openedAt = now
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = now
		b.successCount = 0
		b.probing = false
	case StateOpen:
		// A late failure from an already-admitted request; refresh openedAt
		// so the next probe waits a full interval.
		b.openedAt = now
	}
}

// ReleaseProbe frees a claimed probe slot without recording an outcome.
// Used when an admitted request ends without a judgeable result, such as an
// excluded-status pass-through: the slot must not stay claimed or the
// breaker wedges half-open with every probe rejected.
func (b *Breaker) ReleaseProbe() {
	b.mu.Lock()
	b.probing = false
	b.mu.Unlock()
}

// Snapshot returns an exportable copy of the breaker state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:        b.state,
		FailureCount: b.failureCount,
		SuccessCount: b.successCount,
		OpenedAt:     b.openedAt,
		LastProbeAt:  b.lastProbeAt,
	}
}

// Restore overwrites the breaker state from a persisted snapshot.
// Used to warm breakers across restarts.
func (b *Breaker) Restore(s Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = s.State
	b.failureCount = s.FailureCount
	b.successCount = s.SuccessCount
	b.openedAt = s.OpenedAt
	b.lastProbeAt = s.LastProbeAt
	b.probing = false
}

// FailureCount returns the current consecutive failure counter.
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	n := b.failureCount
	b.mu.Unlock()
	return n
}

// LastUsed returns the time of last activity (for stale eviction).
func (b *Breaker) LastUsed() time.Time {
	b.mu.Lock()
	t := b.lastUsed
	b.mu.Unlock()
	return t
}
