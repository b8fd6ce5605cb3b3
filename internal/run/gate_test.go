package run

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestGate_SerializesSameThread(t *testing.T) {
	t.Parallel()
	g := newGate()
	ctx := context.Background()

	const workers = 8
	active := 0
	maxActive := 0
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := g.acquire(ctx, "t-1")
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Fatalf("maxActive=%d, want 1", maxActive)
	}
}

func TestGate_DistinctThreadsDoNotBlock(t *testing.T) {
	t.Parallel()
	g := newGate()
	ctx := context.Background()

	releaseA, err := g.acquire(ctx, "t-a")
	if err != nil {
		t.Fatalf("acquire t-a: %v", err)
	}
	defer releaseA()

	done := make(chan struct{})
	go func() {
		releaseB, err := g.acquire(ctx, "t-b")
		if err != nil {
			t.Errorf("acquire t-b: %v", err)
			return
		}
		releaseB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("t-b blocked behind t-a")
	}
}

func TestGate_AcquireHonorsContext(t *testing.T) {
	t.Parallel()
	g := newGate()

	release, err := g.acquire(context.Background(), "t-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := g.acquire(ctx, "t-1"); err == nil {
		t.Fatalf("acquire succeeded on held slot")
	}
}

func TestGate_RejectsBlankThreadID(t *testing.T) {
	t.Parallel()
	g := newGate()
	if _, err := g.acquire(context.Background(), "  "); err == nil {
		t.Fatalf("blank thread id accepted")
	}
}
