package intent

import (
	"context"
	"testing"

	"github.com/hearthlabs/hearth/internal/domain"
)

func TestMatchComplexity(t *testing.T) {
	complex := []string{
		"turn off the lights and then lock the door",
		"if the window is open, turn off the heating",
		"compare yesterday's and today's energy usage",
		"dim the lights and play some jazz",
		"schalte das Licht aus und dann sag mir das Wetter",
		"wenn es regnet, dann schließe die Fenster",
	}
	for _, q := range complex {
		if !matchComplexity(q) {
			t.Errorf("%q should be complex", q)
		}
	}

	simple := []string{
		"turn off the kitchen lights",
		"what's the weather tomorrow?",
		"play some jazz",
		"wie spät ist es?",
	}
	for _, q := range simple {
		if matchComplexity(q) {
			t.Errorf("%q should be simple", q)
		}
	}
}

func TestIsComplexDisabledAgent(t *testing.T) {
	c := NewComplexity(false, nil)
	if c.IsComplex(context.Background(), "compare this and then do that and also everything") {
		t.Error("everything is simple with the agent loop disabled")
	}
}

func TestIsComplexCorrectionOverridesHeuristic(t *testing.T) {
	store := &mockCorrectionStore{
		counts: map[domain.FeedbackScope]int{domain.ScopeComplexityRouting: 1},
		similar: []*domain.Correction{{
			Query:      "movie night",
			WrongLabel: VerdictSimple,
			RightLabel: VerdictComplex,
		}},
	}
	fewshots := NewFewshots(store, &mockEmbedder{}, 0.75, 5, 0)
	c := NewComplexity(true, fewshots)

	// Heuristically simple, flipped complex by the stored correction.
	if !c.IsComplex(context.Background(), "movie night") {
		t.Error("correction should flip the verdict to complex")
	}

	store.similar[0].RightLabel = VerdictSimple
	if c.IsComplex(context.Background(), "dim the lights and play a movie") {
		t.Error("correction should flip the verdict to simple")
	}
}
