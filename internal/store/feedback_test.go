package store

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"

	"github.com/hearthlabs/hearth/internal/domain"
)

func TestSaveCorrection(t *testing.T) {
	s, mock := newMockStore(t)

	corr := &domain.Correction{
		ID:         "corr_1",
		Scope:      domain.ScopeIntentClassification,
		Query:      "movie night",
		Embedding:  []float32{0.1, 0.2},
		WrongLabel: "general.conversation",
		RightLabel: "media.play_media",
	}

	mock.ExpectExec("INSERT INTO corrections").
		WithArgs("corr_1", "intent-classification", "movie night", pgxmock.AnyArg(),
			"general.conversation", "media.play_media", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	if err := s.SaveCorrection(context.Background(), corr); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestFindSimilar(t *testing.T) {
	s, mock := newMockStore(t)

	rows := pgxmock.NewRows([]string{"id", "scope", "query", "wrong_label", "right_label", "created_at", "similarity"}).
		AddRow("corr_1", "intent-classification", "movie night", "general.conversation", "media.play_media", time.Now(), 0.91)

	// threshold 0.75 becomes a cosine distance bound of 0.25
	mock.ExpectQuery("FROM corrections").
		WithArgs(pgxmock.AnyArg(), "intent-classification", 1-0.75, 5).
		WillReturnRows(rows)

	out, err := s.FindSimilar(context.Background(), []float32{0.1}, domain.ScopeIntentClassification, 0.75, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("corrections = %d, want 1", len(out))
	}
	if out[0].RightLabel != "media.play_media" || out[0].Similarity != 0.91 {
		t.Errorf("got %+v", out[0])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestCountCorrections(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT COUNT").
		WithArgs("complexity-routing").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(7))

	n, err := s.CountCorrections(context.Background(), domain.ScopeComplexityRouting)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 7 {
		t.Errorf("count = %d, want 7", n)
	}
}
