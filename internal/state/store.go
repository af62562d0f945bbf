// Package state implements the Channel State Store (§4.4): the small
// mutable record of prompt-cache bookkeeping the context builder needs to
// keep caching stable across turns.
package state

import (
	"context"
	"sync"

	"github.com/nextlevelbuilder/relay/internal/model"
)

// Store is the Channel State Store contract. Implementations must be safe
// for concurrent use by multiple activations across different channels, but
// need not serialize access to the same (bot, channel) pair beyond what Get
// and Update individually guarantee.
type Store interface {
	// Get returns the state for (bot, channel), or a zero-value ChannelState
	// with MessagesSinceRoll 0 and empty markers if none exists yet.
	Get(ctx context.Context, bot, channel string) (model.ChannelState, error)

	// Update atomically applies fn to the current state and persists the
	// result. fn must be pure; both the in-memory and the Postgres-backed
	// implementation call it exactly once per Update, under their lock.
	Update(ctx context.Context, bot, channel string, fn func(model.ChannelState) model.ChannelState) (model.ChannelState, error)
}

// Memory is an in-process Store, the reference implementation used when no
// database DSN is configured and in tests.
type Memory struct {
	mu    sync.Mutex
	byKey map[key]model.ChannelState
}

type key struct{ bot, channel string }

// NewMemory constructs an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{byKey: make(map[key]model.ChannelState)}
}

func (m *Memory) Get(_ context.Context, bot, channel string) (model.ChannelState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cs, ok := m.byKey[key{bot, channel}]; ok {
		return cs, nil
	}
	return model.ChannelState{Bot: bot, Channel: channel}, nil
}

func (m *Memory) Update(_ context.Context, bot, channel string, fn func(model.ChannelState) model.ChannelState) (model.ChannelState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key{bot, channel}
	cur, ok := m.byKey[k]
	if !ok {
		cur = model.ChannelState{Bot: bot, Channel: channel}
	}
	next := fn(cur)
	m.byKey[k] = next
	return next, nil
}
