// Package activationstore implements the Activation Store (§4.6): the
// durable record of each end-to-end reaction an activation produced, used
// both for the §4.2 step 7 activation-injection pass and for reconstructing
// the exact assistant text behind a sent Discord message (§3 "Activation
// reconstruction").
package activationstore

import (
	"context"
	"sync"

	"github.com/nextlevelbuilder/relay/internal/model"
)

// Store is the Activation Store contract.
type Store interface {
	// Save persists act, overwriting any prior record with the same ID.
	// The scheduler saves each activation once, after it has completed
	// with its final StopReason.
	Save(ctx context.Context, act model.Activation) error

	// Recent returns up to limit of the most recently completed activations
	// for (bot, channel), newest first, for the §4.2 step 7 injection pass.
	// In-flight activations (CompletedAt zero) are excluded.
	Recent(ctx context.Context, bot, channel string, limit int) ([]model.Activation, error)

	// ByMessageID locates the activation that produced the Discord message
	// with the given ID, used to reconstruct its original assistant text via
	// MessageContexts.
	ByMessageID(ctx context.Context, bot, channel, messageID string) (model.Activation, bool, error)
}

// Memory is the in-process reference implementation.
type Memory struct {
	mu          sync.Mutex
	byChannel   map[key][]model.Activation // append order == save order
	byMessageID map[string]string          // messageID -> activation ID
}

type key struct{ bot, channel string }

func NewMemory() *Memory {
	return &Memory{
		byChannel:   make(map[key][]model.Activation),
		byMessageID: make(map[string]string),
	}
}

func (m *Memory) Save(_ context.Context, act model.Activation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key{act.Bot, act.Channel}
	list := m.byChannel[k]
	replaced := false
	for i, existing := range list {
		if existing.ID == act.ID {
			list[i] = act
			replaced = true
			break
		}
	}
	if !replaced {
		list = append(list, act)
	}
	m.byChannel[k] = list

	for _, c := range act.Completions {
		for _, id := range c.SentMessageIDs {
			m.byMessageID[id] = act.ID
		}
	}
	return nil
}

func (m *Memory) Recent(_ context.Context, bot, channel string, limit int) ([]model.Activation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var completed []model.Activation
	for _, act := range m.byChannel[key{bot, channel}] {
		if !act.CompletedAt.IsZero() {
			completed = append(completed, act)
		}
	}
	if limit <= 0 || limit >= len(completed) {
		reversed := make([]model.Activation, len(completed))
		for i, a := range completed {
			reversed[len(completed)-1-i] = a
		}
		return reversed, nil
	}
	start := len(completed) - limit
	reversed := make([]model.Activation, limit)
	for i, a := range completed[start:] {
		reversed[limit-1-i] = a
	}
	return reversed, nil
}

func (m *Memory) ByMessageID(_ context.Context, bot, channel, messageID string) (model.Activation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	actID, ok := m.byMessageID[messageID]
	if !ok {
		return model.Activation{}, false, nil
	}
	for _, act := range m.byChannel[key{bot, channel}] {
		if act.ID == actID {
			return act, true, nil
		}
	}
	return model.Activation{}, false, nil
}
