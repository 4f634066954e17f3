package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/autorouter/autorouter/internal/affinity"
)

func TestAffinitySweeper_StopsOnCancel(t *testing.T) {
	t.Parallel()

	w := NewAffinitySweeper(affinity.NewStore(0, 0), discardLogger())
	if w.Name() != "affinity_sweeper" {
		t.Fatalf("Name() = %q", w.Name())
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
