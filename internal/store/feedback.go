package store

import (
	"context"
	"fmt"
	"time"

	"github.com/pgvector/pgvector-go"

	"github.com/hearthlabs/hearth/internal/domain"
)

// SaveCorrection stores a semantic correction. Storing the same
// (scope, query, wrong, right) triple twice refreshes the embedding instead of
// inserting a duplicate, so repeated corrections never double-weight few-shots.
func (s *Store) SaveCorrection(ctx context.Context, c *domain.Correction) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO corrections (id, scope, query, embedding, wrong_label, right_label, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (scope, query, wrong_label, right_label) DO UPDATE SET
			embedding = EXCLUDED.embedding`

	_, err := s.conn(ctx).Exec(ctx, query,
		c.ID, string(c.Scope), c.Query, pgvector.NewVector(c.Embedding),
		c.WrongLabel, c.RightLabel, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("save correction: %w", err)
	}
	return nil
}

// FindSimilar returns corrections for a scope within the cosine similarity
// threshold, most similar first.
func (s *Store) FindSimilar(ctx context.Context, embedding []float32, scope domain.FeedbackScope, threshold float64, limit int) ([]*domain.Correction, error) {
	query := `
		SELECT id, scope, query, wrong_label, right_label, created_at,
			1 - (embedding <=> $1) AS similarity
		FROM corrections
		WHERE scope = $2
		  AND embedding <=> $1 < $3
		ORDER BY embedding <=> $1
		LIMIT $4`

	rows, err := s.conn(ctx).Query(ctx, query,
		pgvector.NewVector(embedding), string(scope), 1-threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("find similar corrections: %w", err)
	}
	defer rows.Close()

	var out []*domain.Correction
	for rows.Next() {
		c := &domain.Correction{}
		var scope string
		if err := rows.Scan(&c.ID, &scope, &c.Query, &c.WrongLabel, &c.RightLabel, &c.CreatedAt, &c.Similarity); err != nil {
			return nil, fmt.Errorf("scan correction: %w", err)
		}
		c.Scope = domain.FeedbackScope(scope)
		out = append(out, c)
	}
	return out, rows.Err()
}

// CountCorrections returns the number of stored corrections for a scope.
func (s *Store) CountCorrections(ctx context.Context, scope domain.FeedbackScope) (int, error) {
	var count int
	err := s.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM corrections WHERE scope = $1`, string(scope)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count corrections: %w", err)
	}
	return count, nil
}
