package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/hearthlabs/hearth/internal/domain"
)

// Append inserts a message, creating the session row on first use. Appends to
// the same session are serialized so created_at is monotonic per session.
func (s *Store) Append(ctx context.Context, msg *domain.Message) error {
	mu := s.sessionLock(msg.SessionID)
	mu.Lock()
	defer mu.Unlock()

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	meta, err := json.Marshal(msg.Meta)
	if err != nil {
		return fmt.Errorf("marshal message meta: %w", err)
	}

	query := `
		WITH sess AS (
			INSERT INTO sessions (id, created_at, last_active_at)
			VALUES ($2, $6, $6)
			ON CONFLICT (id) DO UPDATE SET last_active_at = $6
		)
		INSERT INTO messages (id, session_id, role, content, meta, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err = s.conn(ctx).Exec(ctx, query,
		msg.ID, msg.SessionID, string(msg.Role), msg.Content, meta, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// LoadTail returns the last n messages of a session in chronological order.
func (s *Store) LoadTail(ctx context.Context, sessionID string, n int) ([]*domain.Message, error) {
	query := `
		SELECT id, session_id, role, content, meta, created_at
		FROM (
			SELECT id, session_id, role, content, meta, created_at
			FROM messages
			WHERE session_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		) tail
		ORDER BY created_at ASC`

	rows, err := s.conn(ctx).Query(ctx, query, sessionID, n)
	if err != nil {
		return nil, fmt.Errorf("load tail: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// DeleteSession removes a session and its messages atomically.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	return s.WithTx(ctx, func(ctx context.Context) error {
		if _, err := s.conn(ctx).Exec(ctx,
			`DELETE FROM messages WHERE session_id = $1`, sessionID); err != nil {
			return fmt.Errorf("delete session messages: %w", err)
		}
		result, err := s.conn(ctx).Exec(ctx, `DELETE FROM sessions WHERE id = $1`, sessionID)
		if err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		if result.RowsAffected() == 0 {
			return domain.ErrNotFound
		}
		return nil
	})
}

// Search runs a full-text query over message content.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]*domain.Message, error) {
	q := `
		SELECT id, session_id, role, content, meta, created_at
		FROM messages
		WHERE to_tsvector('simple', content) @@ websearch_to_tsquery('simple', $1)
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := s.conn(ctx).Query(ctx, q, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

type ConversationStats struct {
	Sessions int
	Messages int
}

func (s *Store) Stats(ctx context.Context) (*ConversationStats, error) {
	query := `
		SELECT
			(SELECT COUNT(*) FROM sessions),
			(SELECT COUNT(*) FROM messages)`

	stats := &ConversationStats{}
	err := s.conn(ctx).QueryRow(ctx, query).Scan(&stats.Sessions, &stats.Messages)
	if err != nil {
		return nil, fmt.Errorf("conversation stats: %w", err)
	}
	return stats, nil
}

// SessionExists reports whether the session has any stored messages.
func (s *Store) SessionExists(ctx context.Context, sessionID string) (bool, error) {
	var exists bool
	err := s.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM sessions WHERE id = $1)`, sessionID).Scan(&exists)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("session exists: %w", err)
	}
	return exists, nil
}

func scanMessages(rows pgx.Rows) ([]*domain.Message, error) {
	var msgs []*domain.Message
	for rows.Next() {
		msg := &domain.Message{}
		var role string
		var meta []byte
		if err := rows.Scan(&msg.ID, &msg.SessionID, &role, &msg.Content, &meta, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Role = domain.Role(role)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &msg.Meta); err != nil {
				return nil, fmt.Errorf("unmarshal message meta: %w", err)
			}
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}
