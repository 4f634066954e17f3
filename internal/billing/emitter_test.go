package billing

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	gateway "github.com/autorouter/autorouter/internal"
)

type fakeRequestStore struct {
	mu    sync.Mutex
	logs  []*gateway.RequestLog
	snaps []*gateway.BillingSnapshot
}

func (f *fakeRequestStore) SaveRequest(_ context.Context, log *gateway.RequestLog, snap *gateway.BillingSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, log)
	f.snaps = append(f.snaps, snap)
	return nil
}

func (f *fakeRequestStore) saved() ([]*gateway.RequestLog, []*gateway.BillingSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*gateway.RequestLog(nil), f.logs...), append([]*gateway.BillingSnapshot(nil), f.snaps...)
}

type fakeSpending struct {
	mu    sync.Mutex
	total map[string]float64
}

func (f *fakeSpending) RecordSpending(id string, cost float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.total == nil {
		f.total = make(map[string]float64)
	}
	f.total[id] += cost
}

type countingDrops struct{ n int }

func (c *countingDrops) Inc() { c.n++ }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func runEmitter(t *testing.T, e *Emitter) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

func TestEmitter_PersistsAndRecordsSpending(t *testing.T) {
	t.Parallel()

	store := &fakeRequestStore{}
	prices, _ := NewResolver(&fakePriceStore{
		synced: map[string]*gateway.ModelPrice{
			"claude-3-5-sonnet": {Model: "claude-3-5-sonnet", InputPerMillion: 3, OutputPerMillion: 15, Source: "litellm"},
		},
	})
	spending := &fakeSpending{}
	e := NewEmitter(store, prices, spending, nil, discardLogger())
	stop := runEmitter(t, e)

	e.Emit(Event{
		Log: gateway.RequestLog{
			Model:      "claude-3-5-sonnet",
			UpstreamID: "up-1",
			StatusCode: 200,
		},
		Upstream: &gateway.Upstream{ID: "up-1"},
		Usage:    &gateway.Usage{PromptTokens: 100, CompletionTokens: 50},
	})
	stop() // cancel triggers drain

	logs, snaps := store.saved()
	if len(logs) != 1 || len(snaps) != 1 {
		t.Fatalf("saved %d logs / %d snaps, want 1/1", len(logs), len(snaps))
	}
	if logs[0].ID == "" {
		t.Fatal("log must be assigned an id")
	}
	if snaps[0].RequestLogID != logs[0].ID {
		t.Fatal("snapshot not keyed to its log")
	}
	if snaps[0].BillingStatus != gateway.Billed {
		t.Fatalf("status = %s", snaps[0].BillingStatus)
	}
	want := (100*3.0 + 50*15.0) / 1e6
	spending.mu.Lock()
	got := spending.total["up-1"]
	spending.mu.Unlock()
	if got != want {
		t.Fatalf("recorded spending = %v, want %v", got, want)
	}
}

func TestEmitter_UsageMissingIsUnbilled(t *testing.T) {
	t.Parallel()

	store := &fakeRequestStore{}
	spending := &fakeSpending{}
	e := NewEmitter(store, nil, spending, nil, discardLogger())
	stop := runEmitter(t, e)

	e.Emit(Event{
		Log:      gateway.RequestLog{Model: "m", UpstreamID: "up-1"},
		Upstream: &gateway.Upstream{ID: "up-1"},
	})
	stop()

	_, snaps := store.saved()
	if len(snaps) != 1 {
		t.Fatalf("saved %d snaps", len(snaps))
	}
	if snaps[0].BillingStatus != gateway.Unbilled || snaps[0].UnbillableReason != gateway.ReasonUsageMissing {
		t.Fatalf("snapshot = %+v", snaps[0])
	}
	spending.mu.Lock()
	defer spending.mu.Unlock()
	if len(spending.total) != 0 {
		t.Fatal("unbilled request must not record spending")
	}
}

func TestEmitter_DropsOnFullQueue(t *testing.T) {
	t.Parallel()

	drops := &countingDrops{}
	// No Run loop: the channel fills and overflow drops.
	e := NewEmitter(&fakeRequestStore{}, nil, nil, drops, discardLogger())
	for i := 0; i < emitChanSize+10; i++ {
		e.Emit(Event{Log: gateway.RequestLog{ID: "x"}})
	}
	if drops.n != 10 {
		t.Fatalf("dropped = %d, want 10", drops.n)
	}
}

func TestEmitter_BatchFlushOnTicker(t *testing.T) {
	t.Parallel()

	store := &fakeRequestStore{}
	e := NewEmitter(store, nil, nil, nil, discardLogger())
	stop := runEmitter(t, e)
	defer stop()

	e.Emit(Event{Log: gateway.RequestLog{Model: "m"}})

	deadline := time.After(2 * emitFlushEvery * 2)
	for {
		if logs, _ := store.saved(); len(logs) == 1 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("event not flushed by ticker")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// failingStore rejects the first fail saves, then succeeds.
type failingStore struct {
	fakeRequestStore
	fail  int
	calls int
}

func (f *failingStore) SaveRequest(ctx context.Context, log *gateway.RequestLog, snap *gateway.BillingSnapshot) error {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	if n <= f.fail {
		return errors.New("disk full")
	}
	return f.fakeRequestStore.SaveRequest(ctx, log, snap)
}

func TestEmitter_RetriesFailedPersist(t *testing.T) {
	t.Parallel()

	store := &failingStore{fail: 2}
	drops := &countingDrops{}
	e := NewEmitter(store, nil, nil, drops, discardLogger())
	stop := runEmitter(t, e)

	e.Emit(Event{Log: gateway.RequestLog{Model: "m", UpstreamID: "up-1"}})
	stop() // drain keeps retrying queued events until they settle

	logs, _ := store.saved()
	if len(logs) != 1 {
		t.Fatalf("saved %d logs, want 1 after retries", len(logs))
	}
	if drops.n != 0 {
		t.Fatalf("dropped = %d, want 0: the event eventually persisted", drops.n)
	}
	// Retries reuse the assigned id so the store upserts one row.
	if logs[0].ID == "" {
		t.Fatal("retried log must keep its assigned id")
	}
}

func TestEmitter_DropsAfterRetriesExhausted(t *testing.T) {
	t.Parallel()

	store := &failingStore{fail: emitMaxRetries + 10}
	drops := &countingDrops{}
	e := NewEmitter(store, nil, nil, drops, discardLogger())
	stop := runEmitter(t, e)

	e.Emit(Event{Log: gateway.RequestLog{Model: "m"}})
	stop()

	if logs, _ := store.saved(); len(logs) != 0 {
		t.Fatalf("saved %d logs, want 0", len(logs))
	}
	if drops.n != 1 {
		t.Fatalf("dropped = %d, want exactly 1 after bounded retries", drops.n)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.calls != 1+emitMaxRetries {
		t.Fatalf("persist attempts = %d, want %d", store.calls, 1+emitMaxRetries)
	}
}
