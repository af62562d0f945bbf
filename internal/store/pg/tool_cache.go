package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/nextlevelbuilder/relay/internal/model"
)

// ToolCacheStore is the Postgres-backed toolcache.Store implementation.
// Appends are cached locally and replayed from the database only on a
// cold cache for (bot, channel), the same pattern PGSessionStore uses for
// message history.
type ToolCacheStore struct {
	db    *sql.DB
	mu    sync.Mutex
	cache map[stateKey][]model.ToolCacheEntry
}

func NewToolCacheStore(db *sql.DB) *ToolCacheStore {
	return &ToolCacheStore{db: db, cache: make(map[stateKey][]model.ToolCacheEntry)}
}

func (s *ToolCacheStore) Append(ctx context.Context, bot, channel string, entry model.ToolCacheEntry) error {
	result, err := json.Marshal(entry.Result)
	if err != nil {
		return fmt.Errorf("pg: marshal tool result: %w", err)
	}
	botMessageIDs, err := json.Marshal(entry.BotMessageIDs)
	if err != nil {
		return fmt.Errorf("pg: marshal bot message ids: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tool_cache_entries
			(id, bot, channel, name, input, result, triggering_message_id, bot_message_ids, original_assistant_text, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`,
		entry.ID, bot, channel, entry.Name, []byte(entry.Input), result,
		entry.TriggeringMessageID, botMessageIDs, entry.OriginalAssistantText, entry.Timestamp)
	if err != nil {
		return fmt.Errorf("pg: append tool cache entry: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	k := stateKey{bot, channel}
	if cached, ok := s.cache[k]; ok {
		s.cache[k] = append(cached, entry)
	}
	return nil
}

func (s *ToolCacheStore) Recent(ctx context.Context, bot, channel string, limit int, existingMessageIDs map[string]bool) ([]model.ToolCacheEntry, error) {
	cached, err := s.loadCached(ctx, bot, channel)
	if err != nil {
		return nil, err
	}

	windowed := cached
	if limit > 0 && limit < len(cached) {
		windowed = cached[len(cached)-limit:]
	}

	if existingMessageIDs == nil {
		out := make([]model.ToolCacheEntry, len(windowed))
		copy(out, windowed)
		return out, nil
	}
	out := make([]model.ToolCacheEntry, 0, len(windowed))
	for _, e := range windowed {
		if len(e.BotMessageIDs) == 0 || idInSet(e.BotMessageIDs, existingMessageIDs) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *ToolCacheStore) Get(ctx context.Context, bot, channel, id string) (model.ToolCacheEntry, bool, error) {
	entries, err := s.Recent(ctx, bot, channel, 0, nil)
	if err != nil {
		return model.ToolCacheEntry{}, false, err
	}
	for _, e := range entries {
		if e.ID == id {
			return e, true, nil
		}
	}
	return model.ToolCacheEntry{}, false, nil
}

// loadCached returns the cached entries for (bot, channel), populating the
// cache from the database on a cold miss.
func (s *ToolCacheStore) loadCached(ctx context.Context, bot, channel string) ([]model.ToolCacheEntry, error) {
	s.mu.Lock()
	cached, ok := s.cache[stateKey{bot, channel}]
	s.mu.Unlock()
	if ok {
		return cached, nil
	}

	loaded, err := s.loadAll(ctx, bot, channel)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.cache[stateKey{bot, channel}] = loaded
	s.mu.Unlock()
	return loaded, nil
}

// RemoveByBotMessageID deletes every entry for (bot, channel) whose
// bot_message_ids contains messageID, both in Postgres and in the local
// cache, called when that message is deleted from the channel.
func (s *ToolCacheStore) RemoveByBotMessageID(ctx context.Context, bot, channel, messageID string) error {
	encodedID, err := json.Marshal(messageID)
	if err != nil {
		return fmt.Errorf("pg: marshal bot message id: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM tool_cache_entries
		WHERE bot = $1 AND channel = $2 AND bot_message_ids @> $3::jsonb`,
		bot, channel, "["+string(encodedID)+"]"); err != nil {
		return fmt.Errorf("pg: remove tool cache entries by bot message id: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	k := stateKey{bot, channel}
	cached, ok := s.cache[k]
	if !ok {
		return nil
	}
	kept := cached[:0]
	for _, e := range cached {
		if !idInSet(e.BotMessageIDs, map[string]bool{messageID: true}) {
			kept = append(kept, e)
		}
	}
	s.cache[k] = kept
	return nil
}

// Prune deletes every entry for (bot, channel) whose triggering_message_id
// is absent from fetchedMessageIDs, both in Postgres and in the local cache.
func (s *ToolCacheStore) Prune(ctx context.Context, bot, channel string, fetchedMessageIDs map[string]bool) error {
	if fetchedMessageIDs == nil {
		return nil
	}

	cached, err := s.loadCached(ctx, bot, channel)
	if err != nil {
		return err
	}

	var stale []string
	kept := make([]model.ToolCacheEntry, 0, len(cached))
	for _, e := range cached {
		if fetchedMessageIDs[e.TriggeringMessageID] {
			kept = append(kept, e)
		} else {
			stale = append(stale, e.ID)
		}
	}
	if len(stale) == 0 {
		return nil
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM tool_cache_entries WHERE id = ANY($1)`, stale); err != nil {
		return fmt.Errorf("pg: prune tool cache entries: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[stateKey{bot, channel}] = kept
	return nil
}

func idInSet(ids []string, set map[string]bool) bool {
	for _, id := range ids {
		if set[id] {
			return true
		}
	}
	return false
}

func (s *ToolCacheStore) loadAll(ctx context.Context, bot, channel string) ([]model.ToolCacheEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, input, result, triggering_message_id, bot_message_ids, original_assistant_text, created_at
		FROM tool_cache_entries WHERE bot = $1 AND channel = $2 ORDER BY created_at ASC`, bot, channel)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("pg: load tool cache entries: %w", err)
	}
	defer rows.Close()

	var out []model.ToolCacheEntry
	for rows.Next() {
		var e model.ToolCacheEntry
		var input, result, botMessageIDs []byte
		if err := rows.Scan(&e.ID, &e.Name, &input, &result, &e.TriggeringMessageID, &botMessageIDs, &e.OriginalAssistantText, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("pg: scan tool cache entry: %w", err)
		}
		e.Input = json.RawMessage(input)
		if err := json.Unmarshal(result, &e.Result); err != nil {
			return nil, fmt.Errorf("pg: unmarshal tool result: %w", err)
		}
		if err := json.Unmarshal(botMessageIDs, &e.BotMessageIDs); err != nil {
			return nil, fmt.Errorf("pg: unmarshal bot message ids: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
