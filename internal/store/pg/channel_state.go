package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/nextlevelbuilder/relay/internal/model"
)

// ChannelStateStore is the Postgres-backed state.Store implementation.
// Mirrors the teacher's PGSessionStore: an in-memory cache guards the hot
// path, falling through to the database on miss.
type ChannelStateStore struct {
	db    *sql.DB
	mu    sync.RWMutex
	cache map[stateKey]model.ChannelState
}

type stateKey struct{ bot, channel string }

func NewChannelStateStore(db *sql.DB) *ChannelStateStore {
	return &ChannelStateStore{db: db, cache: make(map[stateKey]model.ChannelState)}
}

func (s *ChannelStateStore) Get(ctx context.Context, bot, channel string) (model.ChannelState, error) {
	k := stateKey{bot, channel}

	s.mu.RLock()
	if cs, ok := s.cache[k]; ok {
		s.mu.RUnlock()
		return cs, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if cs, ok := s.cache[k]; ok {
		return cs, nil
	}
	cs, err := s.loadFromDB(ctx, bot, channel)
	if err != nil {
		return model.ChannelState{}, err
	}
	s.cache[k] = cs
	return cs, nil
}

func (s *ChannelStateStore) loadFromDB(ctx context.Context, bot, channel string) (model.ChannelState, error) {
	var cs model.ChannelState
	cs.Bot, cs.Channel = bot, channel
	row := s.db.QueryRowContext(ctx, `
		SELECT last_cache_marker, cache_oldest_message_id, messages_since_roll
		FROM channel_state WHERE bot = $1 AND channel = $2`, bot, channel)
	if err := row.Scan(&cs.LastCacheMarker, &cs.CacheOldestMessageID, &cs.MessagesSinceRoll); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return cs, nil
		}
		return model.ChannelState{}, fmt.Errorf("pg: load channel state: %w", err)
	}
	return cs, nil
}

func (s *ChannelStateStore) Update(ctx context.Context, bot, channel string, fn func(model.ChannelState) model.ChannelState) (model.ChannelState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := stateKey{bot, channel}
	cur, ok := s.cache[k]
	if !ok {
		loaded, err := s.loadFromDB(ctx, bot, channel)
		if err != nil {
			return model.ChannelState{}, err
		}
		cur = loaded
	}
	next := fn(cur)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channel_state (bot, channel, last_cache_marker, cache_oldest_message_id, messages_since_roll)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (bot, channel) DO UPDATE SET
			last_cache_marker = EXCLUDED.last_cache_marker,
			cache_oldest_message_id = EXCLUDED.cache_oldest_message_id,
			messages_since_roll = EXCLUDED.messages_since_roll`,
		bot, channel, next.LastCacheMarker, next.CacheOldestMessageID, next.MessagesSinceRoll)
	if err != nil {
		return model.ChannelState{}, fmt.Errorf("pg: update channel state: %w", err)
	}

	s.cache[k] = next
	return next, nil
}
