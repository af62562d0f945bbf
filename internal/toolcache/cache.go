// Package toolcache implements the Tool Cache (§4.5): the append-only,
// per-(bot, channel) log of executed tool calls the context builder
// interleaves back into history instead of re-running tools on every turn.
package toolcache

import (
	"context"
	"sync"

	"github.com/nextlevelbuilder/relay/internal/model"
)

// Store is the Tool Cache contract.
type Store interface {
	// Append records entry for (bot, channel). Entries are immutable once
	// appended; callers must not call Append twice with the same ID.
	Append(ctx context.Context, bot, channel string, entry model.ToolCacheEntry) error

	// Recent returns up to limit of the most recently appended entries for
	// (bot, channel), oldest first, bounding the §4.2 tool-history interleave
	// window (max_tool_history_window). When existingMessageIDs is non-nil,
	// an entry is dropped unless at least one of its BotMessageIDs is present
	// in that set — its recording bot message(s) are no longer in the fetch
	// window, so it can no longer be verified (§3 coherence invariant).
	// Entries with no recorded BotMessageIDs are always kept.
	Recent(ctx context.Context, bot, channel string, limit int, existingMessageIDs map[string]bool) ([]model.ToolCacheEntry, error)

	// Get looks up a single entry by ID, used to resolve a tool-cache
	// reference recorded on an Activation's MessageContexts.
	Get(ctx context.Context, bot, channel, id string) (model.ToolCacheEntry, bool, error)

	// RemoveByBotMessageID deletes every entry for (bot, channel) whose
	// BotMessageIDs contains messageID, called when that message is deleted
	// from the channel (§4.1 step 1).
	RemoveByBotMessageID(ctx context.Context, bot, channel, messageID string) error

	// Prune deletes every entry for (bot, channel) whose TriggeringMessageID
	// is absent from fetchedMessageIDs: its triggering message has fallen
	// before the oldest message the context builder still fetches, so the
	// entry can never be interleaved again (§4.4/§4.5).
	Prune(ctx context.Context, bot, channel string, fetchedMessageIDs map[string]bool) error
}

// Memory is the in-process reference implementation.
type Memory struct {
	mu      sync.Mutex
	entries map[key][]model.ToolCacheEntry
}

type key struct{ bot, channel string }

func NewMemory() *Memory {
	return &Memory{entries: make(map[key][]model.ToolCacheEntry)}
}

func (m *Memory) Append(_ context.Context, bot, channel string, entry model.ToolCacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key{bot, channel}
	m.entries[k] = append(m.entries[k], entry)
	return nil
}

func (m *Memory) Recent(_ context.Context, bot, channel string, limit int, existingMessageIDs map[string]bool) ([]model.ToolCacheEntry, error) {
	m.mu.Lock()
	all := append([]model.ToolCacheEntry(nil), m.entries[key{bot, channel}]...)
	m.mu.Unlock()

	windowed := all
	if limit > 0 && limit < len(all) {
		windowed = all[len(all)-limit:]
	}
	return filterLive(windowed, existingMessageIDs), nil
}

func (m *Memory) Get(_ context.Context, bot, channel, id string) (model.ToolCacheEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries[key{bot, channel}] {
		if e.ID == id {
			return e, true, nil
		}
	}
	return model.ToolCacheEntry{}, false, nil
}

func (m *Memory) RemoveByBotMessageID(_ context.Context, bot, channel, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key{bot, channel}
	kept := m.entries[k][:0]
	for _, e := range m.entries[k] {
		if containsID(e.BotMessageIDs, messageID) {
			continue
		}
		kept = append(kept, e)
	}
	m.entries[k] = kept
	return nil
}

func (m *Memory) Prune(_ context.Context, bot, channel string, fetchedMessageIDs map[string]bool) error {
	if fetchedMessageIDs == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key{bot, channel}
	kept := m.entries[k][:0]
	for _, e := range m.entries[k] {
		if fetchedMessageIDs[e.TriggeringMessageID] {
			kept = append(kept, e)
		}
	}
	m.entries[k] = kept
	return nil
}

// filterLive drops entries whose recording bot messages are all gone from
// existingMessageIDs, leaving entries with no recorded BotMessageIDs intact.
func filterLive(entries []model.ToolCacheEntry, existingMessageIDs map[string]bool) []model.ToolCacheEntry {
	if existingMessageIDs == nil {
		out := make([]model.ToolCacheEntry, len(entries))
		copy(out, entries)
		return out
	}
	out := make([]model.ToolCacheEntry, 0, len(entries))
	for _, e := range entries {
		if len(e.BotMessageIDs) == 0 || containsAny(e.BotMessageIDs, existingMessageIDs) {
			out = append(out, e)
		}
	}
	return out
}

func containsID(ids []string, id string) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

func containsAny(ids []string, set map[string]bool) bool {
	for _, id := range ids {
		if set[id] {
			return true
		}
	}
	return false
}
