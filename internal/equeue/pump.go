package equeue

import (
	"context"
	"log/slog"
)

// Scheduler is the activation scheduler's view from the Agent Loop: one
// batch of same-(bot,channel) events in, nothing blocking in return — the
// scheduler owns everything from trigger detection through LLM completion.
type Scheduler interface {
	ProcessBatch(ctx context.Context, bot, channel string, events []Event) error
}

// AgentLoop is the single draining task that pulls batches off the Event
// Queue and hands each (bot, channel) group to the scheduler. The handoff
// launches the activation as a separate goroutine and returns immediately,
// so queue draining is never blocked by LLM latency.
type AgentLoop struct {
	queue     *Queue
	scheduler Scheduler
	maxBatch  int
	log       *slog.Logger
	onEvent   func(AgentEvent)
}

// NewAgentLoop constructs a pump over queue, dispatching to scheduler.
// maxBatch caps how many events are grouped per drain iteration.
func NewAgentLoop(queue *Queue, scheduler Scheduler, maxBatch int, log *slog.Logger) *AgentLoop {
	if maxBatch <= 0 {
		maxBatch = 32
	}
	if log == nil {
		log = slog.Default()
	}
	return &AgentLoop{queue: queue, scheduler: scheduler, maxBatch: maxBatch, log: log}
}

// Run drains the queue until ctx is cancelled. It never returns an error;
// per-batch failures are logged and the loop continues.
func (a *AgentLoop) Run(ctx context.Context) {
	for {
		batch := a.queue.drainBatch(ctx, a.maxBatch)
		if batch == nil {
			return
		}
		for k, events := range groupByChannel(batch) {
			k, events := k, events
			go a.dispatch(ctx, k, events)
		}
	}
}

func (a *AgentLoop) dispatch(ctx context.Context, k key, events []Event) {
	a.emit(AgentEvent{Kind: RunStarted, Bot: k.bot, Channel: k.channel})
	if err := a.scheduler.ProcessBatch(ctx, k.bot, k.channel, events); err != nil {
		a.log.Error("activation batch failed", "bot", k.bot, "channel", k.channel, "err", err)
		a.emit(AgentEvent{Kind: RunFailed, Bot: k.bot, Channel: k.channel, Err: err})
		return
	}
	a.emit(AgentEvent{Kind: RunCompleted, Bot: k.bot, Channel: k.channel})
}

func groupByChannel(batch []Event) map[key][]Event {
	groups := make(map[key][]Event)
	for _, ev := range batch {
		k := key{bot: ev.Bot, channel: ev.Channel}
		groups[k] = append(groups[k], ev)
	}
	return groups
}
