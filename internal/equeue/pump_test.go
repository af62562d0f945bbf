package equeue

import (
	"context"
	"sync"
	"testing"
	"time"
)

type recordingScheduler struct {
	mu    sync.Mutex
	calls []struct {
		bot, channel string
		n            int
	}
}

func (r *recordingScheduler) ProcessBatch(ctx context.Context, bot, channel string, events []Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, struct {
		bot, channel string
		n            int
	}{bot, channel, len(events)})
	return nil
}

func TestAgentLoopGroupsByChannelAndDispatches(t *testing.T) {
	q := NewQueue(16)
	sched := &recordingScheduler{}
	loop := NewAgentLoop(q, sched, 32, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)

	push := func(bot, channel string) {
		if err := q.Push(ctx, Event{Kind: KindMessage, Bot: bot, Channel: channel}); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
	push("b1", "c1")
	push("b1", "c1")
	push("b1", "c2")

	deadline := time.After(time.Second)
	for {
		sched.mu.Lock()
		n := len(sched.calls)
		sched.mu.Unlock()
		if n >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for dispatch, got %d calls", n)
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
}
