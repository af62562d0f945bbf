package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nextlevelbuilder/relay/internal/model"
)

// ActivationStore is the Postgres-backed activationstore.Store
// implementation. Unlike ChannelStateStore and ToolCacheStore it does not
// keep an in-memory cache: activations are read far less often than they
// are written (once per activation, after it completes), and ByMessageID needs an index lookup
// regardless of what's cached, so the cache would only help Recent.
type ActivationStore struct {
	db *sql.DB
}

func NewActivationStore(db *sql.DB) *ActivationStore {
	return &ActivationStore{db: db}
}

func (s *ActivationStore) Save(ctx context.Context, act model.Activation) error {
	completions, err := json.Marshal(act.Completions)
	if err != nil {
		return fmt.Errorf("pg: marshal completions: %w", err)
	}
	msgContexts, err := json.Marshal(act.MessageContexts)
	if err != nil {
		return fmt.Errorf("pg: marshal message contexts: %w", err)
	}

	completedAt := sql.NullTime{Time: act.CompletedAt, Valid: !act.CompletedAt.IsZero()}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO activations
			(id, bot, channel, trigger_type, trigger_anchor_message_id, completions, message_contexts, stop_reason, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			completions = EXCLUDED.completions,
			message_contexts = EXCLUDED.message_contexts,
			stop_reason = EXCLUDED.stop_reason,
			completed_at = EXCLUDED.completed_at`,
		act.ID, act.Bot, act.Channel, act.Trigger.Type, act.Trigger.AnchorMessageID,
		completions, msgContexts, act.StopReason, act.CreatedAt, completedAt)
	if err != nil {
		return fmt.Errorf("pg: save activation: %w", err)
	}

	for _, c := range act.Completions {
		for _, id := range c.SentMessageIDs {
			if _, err := s.db.ExecContext(ctx, `
				INSERT INTO activation_messages (message_id, activation_id)
				VALUES ($1, $2) ON CONFLICT (message_id) DO NOTHING`, id, act.ID); err != nil {
				return fmt.Errorf("pg: index activation message: %w", err)
			}
		}
	}
	return nil
}

func (s *ActivationStore) Recent(ctx context.Context, bot, channel string, limit int) ([]model.Activation, error) {
	query := `
		SELECT id, bot, channel, trigger_type, trigger_anchor_message_id, completions, message_contexts, stop_reason, created_at, completed_at
		FROM activations
		WHERE bot = $1 AND channel = $2 AND completed_at IS NOT NULL
		ORDER BY completed_at DESC`
	args := []interface{}{bot, channel}
	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pg: query recent activations: %w", err)
	}
	defer rows.Close()

	var out []model.Activation
	for rows.Next() {
		act, err := scanActivation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, act)
	}
	return out, rows.Err()
}

func (s *ActivationStore) ByMessageID(ctx context.Context, bot, channel, messageID string) (model.Activation, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT a.id, a.bot, a.channel, a.trigger_type, a.trigger_anchor_message_id, a.completions, a.message_contexts, a.stop_reason, a.created_at, a.completed_at
		FROM activations a
		JOIN activation_messages m ON m.activation_id = a.id
		WHERE m.message_id = $1 AND a.bot = $2 AND a.channel = $3`, messageID, bot, channel)

	act, err := scanActivation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Activation{}, false, nil
		}
		return model.Activation{}, false, err
	}
	return act, true, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanActivation(row rowScanner) (model.Activation, error) {
	var act model.Activation
	var completions, msgContexts []byte
	var completedAt sql.NullTime
	if err := row.Scan(&act.ID, &act.Bot, &act.Channel, &act.Trigger.Type, &act.Trigger.AnchorMessageID,
		&completions, &msgContexts, &act.StopReason, &act.CreatedAt, &completedAt); err != nil {
		return model.Activation{}, fmt.Errorf("pg: scan activation: %w", err)
	}
	if err := json.Unmarshal(completions, &act.Completions); err != nil {
		return model.Activation{}, fmt.Errorf("pg: unmarshal completions: %w", err)
	}
	if err := json.Unmarshal(msgContexts, &act.MessageContexts); err != nil {
		return model.Activation{}, fmt.Errorf("pg: unmarshal message contexts: %w", err)
	}
	if completedAt.Valid {
		act.CompletedAt = completedAt.Time
	}
	return act, nil
}
