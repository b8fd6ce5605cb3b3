package run

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// gate serializes runs per thread. Concurrent submissions for the same
// thread queue up and execute one at a time; different threads never block
// each other.
type gate struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func newGate() *gate {
	return &gate{slots: map[string]chan struct{}{}}
}

// acquire blocks until the thread slot is free or ctx is done. The returned
// release func must be called exactly once.
func (g *gate) acquire(ctx context.Context, threadID string) (func(), error) {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return nil, errors.New("missing thread id")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	g.mu.Lock()
	slot, ok := g.slots[threadID]
	if !ok {
		slot = make(chan struct{}, 1)
		g.slots[threadID] = slot
	}
	g.mu.Unlock()

	select {
	case slot <- struct{}{}:
		return func() { <-slot }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
