// Package intent classifies user utterances into ranked intent candidates and
// routes them between the single-shot and agent paths.
package intent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hearthlabs/hearth/internal/domain"
)

// CorrectionStore is the slice of the feedback store the classifier needs.
type CorrectionStore interface {
	FindSimilar(ctx context.Context, embedding []float32, scope domain.FeedbackScope, threshold float64, limit int) ([]*domain.Correction, error)
	CountCorrections(ctx context.Context, scope domain.FeedbackScope) (int, error)
}

// Embedder produces the query embedding used for correction lookup.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Fewshots retrieves semantically similar past corrections for prompt
// injection. A short-lived per-scope count cache skips the embedding call
// entirely while a scope has no corrections at all.
type Fewshots struct {
	store     CorrectionStore
	embed     Embedder
	threshold float64
	max       int
	ttl       time.Duration

	mu     sync.Mutex
	counts map[domain.FeedbackScope]countEntry
	group  singleflight.Group
}

type countEntry struct {
	n  int
	at time.Time
}

func NewFewshots(store CorrectionStore, embed Embedder, threshold float64, max int, ttl time.Duration) *Fewshots {
	return &Fewshots{
		store:     store,
		embed:     embed,
		threshold: threshold,
		max:       max,
		ttl:       ttl,
		counts:    make(map[domain.FeedbackScope]countEntry),
	}
}

// Examples returns up to the configured number of corrections similar to the
// query, most similar first.
func (f *Fewshots) Examples(ctx context.Context, scope domain.FeedbackScope, query string) ([]*domain.Correction, error) {
	n, err := f.count(ctx, scope)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}

	embedding, err := f.embed.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return f.store.FindSimilar(ctx, embedding, scope, f.threshold, f.max)
}

// Invalidate drops the cached count for a scope; called after a correction is
// stored so it takes effect immediately instead of after the TTL.
func (f *Fewshots) Invalidate(scope domain.FeedbackScope) {
	f.mu.Lock()
	delete(f.counts, scope)
	f.mu.Unlock()
}

func (f *Fewshots) count(ctx context.Context, scope domain.FeedbackScope) (int, error) {
	f.mu.Lock()
	entry, ok := f.counts[scope]
	f.mu.Unlock()
	if ok && time.Since(entry.at) < f.ttl {
		return entry.n, nil
	}

	// Concurrent turns on an expired scope share one count query.
	v, err, _ := f.group.Do(string(scope), func() (any, error) {
		n, err := f.store.CountCorrections(ctx, scope)
		if err != nil {
			return 0, fmt.Errorf("count corrections: %w", err)
		}
		f.mu.Lock()
		f.counts[scope] = countEntry{n: n, at: time.Now()}
		f.mu.Unlock()
		return n, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}
