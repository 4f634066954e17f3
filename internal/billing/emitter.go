package billing

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	gateway "github.com/autorouter/autorouter/internal"
)

const (
	emitChanSize   = 1000
	emitBatchSize  = 100
	emitFlushEvery = 2 * time.Second
	emitDrainTime  = 30 * time.Second
	emitMaxRetries = 3
)

// Store persists request logs with their 1:1 billing snapshots.
type Store interface {
	// SaveRequest upserts the log and snapshot keyed by the log ID.
	SaveRequest(ctx context.Context, log *gateway.RequestLog, snap *gateway.BillingSnapshot) error
}

// SpendingSink receives billed cost for quota accounting.
type SpendingSink interface {
	RecordSpending(upstreamID string, cost float64)
}

// DropCounter counts emission events lost to back-pressure.
type DropCounter interface {
	Inc()
}

// Event is one completed request awaiting emission. The price is resolved
// and the snapshot built off the hot path, inside the emitter.
type Event struct {
	Log      gateway.RequestLog
	Upstream *gateway.Upstream
	Usage    *gateway.Usage

	retries int // failed persistence attempts so far
}

// Emitter persists request logs and billing snapshots asynchronously.
// Emission never blocks the response path: events queue into a bounded
// channel and are dropped (with a metric) when persistence cannot keep up.
type Emitter struct {
	ch       chan Event
	store    Store
	prices   *Resolver
	spending SpendingSink
	dropped  DropCounter
	logger   *slog.Logger
}

// NewEmitter creates an emitter. spending and dropped may be nil.
func NewEmitter(store Store, prices *Resolver, spending SpendingSink, dropped DropCounter, logger *slog.Logger) *Emitter {
	return &Emitter{
		ch:       make(chan Event, emitChanSize),
		store:    store,
		prices:   prices,
		spending: spending,
		dropped:  dropped,
		logger:   logger,
	}
}

// Name returns the worker identifier.
func (e *Emitter) Name() string { return "billing_emitter" }

// Emit enqueues one event. It never blocks; drops on a full queue.
func (e *Emitter) Emit(ev Event) {
	select {
	case e.ch <- ev:
	default:
		if e.dropped != nil {
			e.dropped.Inc()
		}
		e.logger.Warn("billing event dropped, queue full",
			slog.String("request_id", ev.Log.ID))
	}
}

// Run processes events until ctx is cancelled, then drains the queue.
func (e *Emitter) Run(ctx context.Context) error {
	ticker := time.NewTicker(emitFlushEvery)
	defer ticker.Stop()

	buf := make([]Event, 0, emitBatchSize)
	for {
		select {
		case ev := <-e.ch:
			buf = append(buf, ev)
			if len(buf) >= emitBatchSize {
				e.flush(ctx, buf)
				buf = buf[:0]
			}
		case <-ticker.C:
			if len(buf) > 0 {
				e.flush(ctx, buf)
				buf = buf[:0]
			}
		case <-ctx.Done():
			e.drain(buf)
			return nil
		}
	}
}

func (e *Emitter) drain(buf []Event) {
	ctx, cancel := context.WithTimeout(context.Background(), emitDrainTime)
	defer cancel()
	for {
		select {
		case ev := <-e.ch:
			buf = append(buf, ev)
			if len(buf) >= emitBatchSize {
				e.flush(ctx, buf)
				buf = buf[:0]
			}
		default:
			if len(buf) == 0 {
				return
			}
			// Keep looping: a failed persist may requeue events that still
			// have retries left.
			e.flush(ctx, buf)
			buf = buf[:0]
		}
	}
}

func (e *Emitter) flush(ctx context.Context, buf []Event) {
	for i := range buf {
		e.emitOne(ctx, &buf[i])
	}
}

func (e *Emitter) emitOne(ctx context.Context, ev *Event) {
	// The log is mutated in place so the assigned ID is stable if the event
	// is requeued after a persistence failure; the store upserts by ID.
	log := &ev.Log
	if log.ID == "" {
		log.ID = uuid.Must(uuid.NewV7()).String()
	}
	log.CreatedAt = log.CreatedAt.UTC()
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}

	var price *gateway.ModelPrice
	if ev.Usage != nil && log.Model != "" && e.prices != nil {
		p, err := e.prices.PriceFor(ctx, log.Model)
		if err != nil {
			e.logger.LogAttrs(ctx, slog.LevelError, "price resolution failed",
				slog.String("model", log.Model),
				slog.String("error", err.Error()))
		} else {
			price = p
		}
	}

	var multipliers gateway.Multipliers
	upstreamID := log.UpstreamID
	if ev.Upstream != nil {
		multipliers = ev.Upstream.BillingMultipliers
		upstreamID = ev.Upstream.ID
	}
	snap := BuildSnapshot(log.ID, upstreamID, log.Model, ev.Usage, price, multipliers, time.Now().UTC())

	if err := e.store.SaveRequest(ctx, log, snap); err != nil {
		e.requeue(ctx, ev, err)
		return
	}

	if snap.BillingStatus == gateway.Billed && snap.FinalCost != nil && e.spending != nil && upstreamID != "" {
		e.spending.RecordSpending(upstreamID, *snap.FinalCost)
	}
}

// requeue puts a failed event back on the queue for another attempt. After
// emitMaxRetries failures, or when the queue is full, the event is dropped
// and counted.
func (e *Emitter) requeue(ctx context.Context, ev *Event, err error) {
	ev.retries++
	e.logger.LogAttrs(ctx, slog.LevelError, "request log persist failed",
		slog.String("request_id", ev.Log.ID),
		slog.Int("retries", ev.retries),
		slog.String("error", err.Error()))
	if ev.retries <= emitMaxRetries {
		select {
		case e.ch <- *ev:
			return
		default:
		}
	}
	if e.dropped != nil {
		e.dropped.Inc()
	}
	e.logger.LogAttrs(ctx, slog.LevelError, "request log dropped",
		slog.String("request_id", ev.Log.ID))
}
