package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/PortNumber53/linkedin-studio/internal/models"
)

var usageRowColumns = []string{"id", "user_id", "total_word_limit", "words_generated", "expiration_time", "created_at", "updated_at"}

func TestDeductWords_InsufficientLeavesLedgerUntouched(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE public\.ai_word_usage\s+SET words_generated = words_generated \+ \$2`).
		WithArgs("u1", 60, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(usageRowColumns))
	mock.ExpectCommit()

	u, ok, err := s.DeductWords(context.Background(), "u1", 60, now, "generation")
	if err != nil {
		t.Fatalf("DeductWords err=%v", err)
	}
	if ok || u != nil {
		t.Fatalf("expected no deduction, got ok=%v u=%+v", ok, u)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestDeductWords_WritesUsageLedger(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE public\.ai_word_usage`).
		WithArgs("u1", 40, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(usageRowColumns).
			AddRow("au1", "u1", 3000, 2990, now.Add(time.Hour), now, now))
	mock.ExpectExec(`INSERT INTO public\.word_token_logs`).
		WithArgs(sqlmock.AnyArg(), "au1", "u1", "USAGE", 40, "generation").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	u, ok, err := s.DeductWords(context.Background(), "u1", 40, now, "generation")
	if err != nil || !ok {
		t.Fatalf("DeductWords ok=%v err=%v", ok, err)
	}
	if u.Remaining() != 10 {
		t.Fatalf("remaining=%d", u.Remaining())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestResetUsage_ExpiresLeftoverAndLogsGrant(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()
	exp := now.Add(30 * 24 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT total_word_limit, words_generated\s+FROM public\.ai_word_usage.*FOR UPDATE`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"total_word_limit", "words_generated"}).AddRow(3000, 2000))
	mock.ExpectQuery(`INSERT INTO public\.ai_word_usage.*ON CONFLICT \(user_id\)`).
		WithArgs(sqlmock.AnyArg(), "u1", 50000, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(usageRowColumns).AddRow("au1", "u1", 50000, 0, exp, now, now))
	mock.ExpectExec(`INSERT INTO public\.word_token_logs`).
		WithArgs(sqlmock.AnyArg(), "au1", "u1", "EXPIRY", 1000, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO public\.word_token_logs`).
		WithArgs(sqlmock.AnyArg(), "au1", "u1", "PURCHASE", 50000, "pro plan").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	u, expired, err := s.ResetUsage(context.Background(), ResetParams{
		UserID: "u1", Limit: 50000, Expiration: exp,
		GrantType: models.TokenLogPurchase, GrantDescription: "pro plan",
	})
	if err != nil {
		t.Fatalf("ResetUsage err=%v", err)
	}
	if expired != 1000 {
		t.Fatalf("expired=%d", expired)
	}
	if u.WordsGenerated != 0 || u.TotalWordLimit != 50000 {
		t.Fatalf("unexpected usage %+v", u)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestResetUsage_CreatesRecordWhenMissing(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"total_word_limit", "words_generated"}))
	mock.ExpectQuery(`INSERT INTO public\.ai_word_usage`).
		WillReturnRows(sqlmock.NewRows(usageRowColumns).AddRow("au1", "u1", 3000, 0, now, now, now))
	mock.ExpectCommit()

	_, expired, err := s.ResetUsage(context.Background(), ResetParams{UserID: "u1", Limit: 3000, Expiration: now})
	if err != nil {
		t.Fatalf("ResetUsage err=%v", err)
	}
	if expired != 0 {
		t.Fatalf("expired=%d", expired)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}
