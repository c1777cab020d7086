package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/PortNumber53/linkedin-studio/internal/models"
)

const usageColumns = `id, user_id, total_word_limit, words_generated, expiration_time, created_at, updated_at`

func scanUsage(row scanner) (*models.AIWordUsage, error) {
	var u models.AIWordUsage
	if err := row.Scan(&u.ID, &u.UserID, &u.TotalWordLimit, &u.WordsGenerated, &u.ExpirationTime, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUsage returns the user's word usage record, or nil when none exists.
func (s *Store) GetUsage(ctx context.Context, userID string) (*models.AIWordUsage, error) {
	u, err := scanUsage(s.db.QueryRowContext(ctx, `
		SELECT `+usageColumns+`
		  FROM public.ai_word_usage
		 WHERE user_id = $1
	`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get usage: %w", err)
	}
	return u, nil
}

// DeductWords charges n words in one conditional statement: the increment only applies
// while the balance covers it and the record is unexpired, so two concurrent deductions
// cannot both pass on a stale read. ok=false means nothing was charged.
func (s *Store) DeductWords(ctx context.Context, userID string, n int, now time.Time, description string) (*models.AIWordUsage, bool, error) {
	var out *models.AIWordUsage
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		u, err := scanUsage(tx.QueryRowContext(ctx, `
			UPDATE public.ai_word_usage
			   SET words_generated = words_generated + $2,
			       updated_at = NOW()
			 WHERE user_id = $1
			   AND words_generated + $2 <= total_word_limit
			   AND expiration_time >= $3
			RETURNING `+usageColumns,
			userID, n, now.UTC()))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("deduct words: %w", err)
		}
		out = u
		return appendTokenLog(ctx, tx, u.ID, userID, models.TokenLogUsage, n, description)
	})
	if err != nil {
		return nil, false, err
	}
	return out, out != nil, nil
}

// CreditWords raises the word limit and appends a ledger entry. Returns nil when the user
// has no usage record.
func (s *Store) CreditWords(ctx context.Context, userID string, amount int, typ models.TokenLogType, description string) (*models.AIWordUsage, error) {
	var out *models.AIWordUsage
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		u, err := scanUsage(tx.QueryRowContext(ctx, `
			UPDATE public.ai_word_usage
			   SET total_word_limit = total_word_limit + $2,
			       updated_at = NOW()
			 WHERE user_id = $1
			RETURNING `+usageColumns,
			userID, amount))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("credit words: %w", err)
		}
		out = u
		return appendTokenLog(ctx, tx, u.ID, userID, typ, amount, description)
	})
	return out, err
}

// ResetParams describes a usage reset. GrantType, when set, appends a ledger entry for
// the new limit (TRIAL on trial issuance, PURCHASE on a paid period).
type ResetParams struct {
	UserID           string
	Limit            int
	Expiration       time.Time
	GrantType        models.TokenLogType
	GrantDescription string
}

// ResetUsage zeroes words_generated and installs a new limit and expiration, creating the
// record when missing. Unused words from the previous period are written off with an
// EXPIRY entry; their count is returned.
func (s *Store) ResetUsage(ctx context.Context, p ResetParams) (*models.AIWordUsage, int, error) {
	var (
		out     *models.AIWordUsage
		expired int
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var prevLimit, prevUsed int
		err := tx.QueryRowContext(ctx, `
			SELECT total_word_limit, words_generated
			  FROM public.ai_word_usage
			 WHERE user_id = $1
			 FOR UPDATE
		`, p.UserID).Scan(&prevLimit, &prevUsed)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("lock usage: %w", err)
		}
		if err == nil && prevLimit > prevUsed {
			expired = prevLimit - prevUsed
		}

		u, err := scanUsage(tx.QueryRowContext(ctx, `
			INSERT INTO public.ai_word_usage
			  (id, user_id, total_word_limit, words_generated, expiration_time, created_at, updated_at)
			VALUES ($1, $2, $3, 0, $4, NOW(), NOW())
			ON CONFLICT (user_id) DO UPDATE SET
			  total_word_limit = EXCLUDED.total_word_limit,
			  words_generated = 0,
			  expiration_time = EXCLUDED.expiration_time,
			  updated_at = NOW()
			RETURNING `+usageColumns,
			newID(), p.UserID, p.Limit, p.Expiration.UTC()))
		if err != nil {
			return fmt.Errorf("reset usage: %w", err)
		}
		out = u

		if expired > 0 {
			if err := appendTokenLog(ctx, tx, u.ID, p.UserID, models.TokenLogExpiry, expired,
				fmt.Sprintf("%d unused words expired on reset", expired)); err != nil {
				return err
			}
		}
		if p.GrantType != "" {
			return appendTokenLog(ctx, tx, u.ID, p.UserID, p.GrantType, p.Limit, p.GrantDescription)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return out, expired, nil
}

func (s *Store) ListTokenLogs(ctx context.Context, userID string, limit int) ([]models.WordTokenLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, usage_id, user_id, type, amount, description, created_at
		  FROM public.word_token_logs
		 WHERE user_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list token logs: %w", err)
	}
	defer rows.Close()

	out := make([]models.WordTokenLog, 0)
	for rows.Next() {
		var l models.WordTokenLog
		var typ string
		if err := rows.Scan(&l.ID, &l.UsageID, &l.UserID, &typ, &l.Amount, &l.Description, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan token log: %w", err)
		}
		l.Type = models.TokenLogType(typ)
		out = append(out, l)
	}
	return out, rows.Err()
}

func appendTokenLog(ctx context.Context, tx *sql.Tx, usageID, userID string, typ models.TokenLogType, amount int, description string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO public.word_token_logs (id, usage_id, user_id, type, amount, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`, newID(), usageID, userID, string(typ), amount, truncate(description, 500))
	if err != nil {
		return fmt.Errorf("append token log: %w", err)
	}
	return nil
}
