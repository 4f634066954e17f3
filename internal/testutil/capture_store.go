package testutil

import (
	"context"
	"sync"

	gateway "github.com/autorouter/autorouter/internal"
)

// CaptureStore records persisted request logs and billing snapshots in
// memory, keyed by log ID like the real store's upsert.
type CaptureStore struct {
	mu    sync.Mutex
	logs  map[string]*gateway.RequestLog
	snaps map[string]*gateway.BillingSnapshot
	order []string
}

// NewCaptureStore creates an empty capture store.
func NewCaptureStore() *CaptureStore {
	return &CaptureStore{
		logs:  make(map[string]*gateway.RequestLog),
		snaps: make(map[string]*gateway.BillingSnapshot),
	}
}

// SaveRequest upserts the log and snapshot keyed by the log ID.
func (c *CaptureStore) SaveRequest(_ context.Context, log *gateway.RequestLog, snap *gateway.BillingSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, seen := c.logs[log.ID]; !seen {
		c.order = append(c.order, log.ID)
	}
	cp := *log
	c.logs[log.ID] = &cp
	if snap != nil {
		sp := *snap
		c.snaps[log.ID] = &sp
	}
	return nil
}

// Len returns the number of distinct logs saved.
func (c *CaptureStore) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}

// Last returns the most recently first-saved log and its snapshot, or nils.
func (c *CaptureStore) Last() (*gateway.RequestLog, *gateway.BillingSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.order) == 0 {
		return nil, nil
	}
	id := c.order[len(c.order)-1]
	return c.logs[id], c.snaps[id]
}
