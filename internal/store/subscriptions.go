package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/PortNumber53/linkedin-studio/internal/models"
	"github.com/lib/pq"
)

const subscriptionColumns = `id, user_id, order_id, status, product_name, variant_name, amount, currency,
	start_date, end_date, trial_used, created_at, updated_at`

func scanSubscription(row scanner) (*models.Subscription, error) {
	var (
		sub                           models.Subscription
		orderID, productName, variant sql.NullString
		status                        string
	)
	if err := row.Scan(&sub.ID, &sub.UserID, &orderID, &status, &productName, &variant, &sub.Amount, &sub.Currency,
		&sub.StartDate, &sub.EndDate, &sub.TrialUsed, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
		return nil, err
	}
	sub.Status = models.SubscriptionStatus(status)
	sub.OrderID = nullStringPtr(orderID)
	sub.ProductName = nullStringPtr(productName)
	sub.VariantName = nullStringPtr(variant)
	return &sub, nil
}

// CurrentSubscription returns the most recently created subscription for the user, or nil.
func (s *Store) CurrentSubscription(ctx context.Context, userID string) (*models.Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+`
		  FROM public.subscriptions
		 WHERE user_id = $1
		 ORDER BY created_at DESC
		 LIMIT 1
	`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("current subscription: %w", err)
	}
	return sub, nil
}

// HasAnySubscription reports whether the user ever had a subscription row, trial included.
func (s *Store) HasAnySubscription(ctx context.Context, userID string) (bool, error) {
	var ok bool
	if err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM public.subscriptions WHERE user_id = $1)
	`, userID).Scan(&ok); err != nil {
		return false, fmt.Errorf("has subscription: %w", err)
	}
	return ok, nil
}

func (s *Store) CreateSubscription(ctx context.Context, sub *models.Subscription) error {
	if sub.ID == "" {
		sub.ID = newID()
	}
	out, err := scanSubscription(s.db.QueryRowContext(ctx, `
		INSERT INTO public.subscriptions
		  (id, user_id, order_id, status, product_name, variant_name, amount, currency,
		   start_date, end_date, trial_used, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())
		RETURNING `+subscriptionColumns,
		sub.ID, sub.UserID, sub.OrderID, string(sub.Status), sub.ProductName, sub.VariantName, sub.Amount, sub.Currency,
		sub.StartDate.UTC(), sub.EndDate.UTC(), sub.TrialUsed))
	if err != nil {
		return fmt.Errorf("create subscription: %w", err)
	}
	*sub = *out
	return nil
}

// MarkSubscriptionExpired flips a trial/active row to expired. It is a no-op for rows
// already in a terminal state.
func (s *Store) MarkSubscriptionExpired(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE public.subscriptions
		   SET status = 'expired', updated_at = NOW()
		 WHERE id = $1 AND status IN ('trial', 'active')
	`, id)
	if err != nil {
		return false, fmt.Errorf("expire subscription: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// UpsertSubscriptionByOrder inserts or refreshes the subscription keyed by order_id and
// sets users.is_subscribed in the same transaction. created reports whether a new row
// was inserted.
func (s *Store) UpsertSubscriptionByOrder(ctx context.Context, sub *models.Subscription, subscribed bool) (bool, error) {
	if sub.OrderID == nil || *sub.OrderID == "" {
		return false, fmt.Errorf("upsert subscription: order id is required")
	}
	if sub.ID == "" {
		sub.ID = newID()
	}
	created := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var inserted bool
		row := tx.QueryRowContext(ctx, `
			INSERT INTO public.subscriptions
			  (id, user_id, order_id, status, product_name, variant_name, amount, currency,
			   start_date, end_date, trial_used, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, FALSE, NOW(), NOW())
			ON CONFLICT (order_id) DO UPDATE SET
			  status = EXCLUDED.status,
			  product_name = COALESCE(EXCLUDED.product_name, public.subscriptions.product_name),
			  variant_name = COALESCE(EXCLUDED.variant_name, public.subscriptions.variant_name),
			  amount = EXCLUDED.amount,
			  currency = EXCLUDED.currency,
			  end_date = EXCLUDED.end_date,
			  updated_at = NOW()
			RETURNING `+subscriptionColumns+`, (xmax = 0)`,
			sub.ID, sub.UserID, *sub.OrderID, string(sub.Status), sub.ProductName, sub.VariantName, sub.Amount, sub.Currency,
			sub.StartDate.UTC(), sub.EndDate.UTC())
		out, err := scanSubscription(scanWithExtra(row, &inserted))
		if err != nil {
			return fmt.Errorf("upsert subscription: %w", err)
		}
		*sub = *out
		created = inserted
		return setUserSubscribed(ctx, tx, sub.UserID, subscribed)
	})
	return created, err
}

// UpdateSubscriptionByOrder changes status and, when given, the end date. Returns nil
// when no subscription carries that order id.
func (s *Store) UpdateSubscriptionByOrder(ctx context.Context, orderID string, status models.SubscriptionStatus, endDate *time.Time) (*models.Subscription, error) {
	var end any
	if endDate != nil {
		end = endDate.UTC()
	}
	var out *models.Subscription
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		sub, err := scanSubscription(tx.QueryRowContext(ctx, `
			UPDATE public.subscriptions
			   SET status = $2,
			       end_date = COALESCE($3, end_date),
			       updated_at = NOW()
			 WHERE order_id = $1
			RETURNING `+subscriptionColumns,
			orderID, string(status), end))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("update subscription: %w", err)
		}
		out = sub
		return setUserSubscribed(ctx, tx, sub.UserID, status == models.SubscriptionActive)
	})
	return out, err
}

// CancelSubscriptionByOrder marks the order's subscription cancelled and clears
// users.is_subscribed. Returns nil when the order is unknown.
func (s *Store) CancelSubscriptionByOrder(ctx context.Context, orderID string) (*models.Subscription, error) {
	var out *models.Subscription
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		sub, err := scanSubscription(tx.QueryRowContext(ctx, `
			UPDATE public.subscriptions
			   SET status = 'cancelled', updated_at = NOW()
			 WHERE order_id = $1
			RETURNING `+subscriptionColumns,
			orderID))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("cancel subscription: %w", err)
		}
		out = sub
		return setUserSubscribed(ctx, tx, sub.UserID, false)
	})
	return out, err
}

// ExpireLapsedSubscriptions expires every trial/active row whose end_date has passed and
// clears is_subscribed for affected users left without another live subscription.
// Returns the affected user ids.
func (s *Store) ExpireLapsedSubscriptions(ctx context.Context, now time.Time) ([]string, error) {
	var userIDs []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			UPDATE public.subscriptions
			   SET status = 'expired', updated_at = NOW()
			 WHERE status IN ('trial', 'active')
			   AND end_date <= $1
			RETURNING user_id
		`, now.UTC())
		if err != nil {
			return fmt.Errorf("expire lapsed: %w", err)
		}
		seen := map[string]bool{}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan lapsed: %w", err)
			}
			if !seen[id] {
				seen[id] = true
				userIDs = append(userIDs, id)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("expire lapsed: %w", err)
		}
		if len(userIDs) == 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE public.users u
			   SET is_subscribed = 0
			 WHERE u.id = ANY($1)
			   AND NOT EXISTS (
			       SELECT 1 FROM public.subscriptions s
			        WHERE s.user_id = u.id
			          AND s.status IN ('trial', 'active')
			          AND s.end_date > $2)
		`, pq.Array(userIDs), now.UTC())
		if err != nil {
			return fmt.Errorf("clear subscribed flag: %w", err)
		}
		return nil
	})
	return userIDs, err
}

// HasBillingEvent reports whether a delivery with eventID has already been applied.
func (s *Store) HasBillingEvent(ctx context.Context, eventID string) (bool, error) {
	var seen bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM public.billing_events WHERE event_id = $1)
	`, eventID).Scan(&seen)
	if err != nil {
		return false, fmt.Errorf("check billing event: %w", err)
	}
	return seen, nil
}

// RecordBillingEvent stores a raw webhook delivery. fresh=false means the event id was
// already recorded and the delivery is a replay.
func (s *Store) RecordBillingEvent(ctx context.Context, provider, eventID, eventType string, payload []byte) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO public.billing_events (id, provider, event_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (event_id) DO NOTHING
	`, newID(), provider, eventID, eventType, payload)
	if err != nil {
		return false, fmt.Errorf("record billing event: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetPlanByVariant returns the active plan for a billing variant, or nil.
func (s *Store) GetPlanByVariant(ctx context.Context, variantID string) (*models.BillingPlan, error) {
	var p models.BillingPlan
	err := s.db.QueryRowContext(ctx, `
		SELECT variant_id, name, interval, word_limit, price_cents, currency, is_active
		  FROM public.billing_plans
		 WHERE variant_id = $1 AND is_active
	`, variantID).Scan(&p.VariantID, &p.Name, &p.Interval, &p.WordLimit, &p.PriceCents, &p.Currency, &p.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get plan: %w", err)
	}
	return &p, nil
}

// UpsertPlan inserts p or overwrites the plan with the same variant.
func (s *Store) UpsertPlan(ctx context.Context, p models.BillingPlan) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO public.billing_plans (variant_id, name, interval, word_limit, price_cents, currency, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (variant_id) DO UPDATE
		   SET name = EXCLUDED.name,
		       interval = EXCLUDED.interval,
		       word_limit = EXCLUDED.word_limit,
		       price_cents = EXCLUDED.price_cents,
		       currency = EXCLUDED.currency,
		       is_active = EXCLUDED.is_active
	`, p.VariantID, p.Name, p.Interval, p.WordLimit, p.PriceCents, p.Currency, p.IsActive)
	if err != nil {
		return fmt.Errorf("upsert plan %s: %w", p.VariantID, err)
	}
	return nil
}

// ListPlans returns every plan, active or not, cheapest first.
func (s *Store) ListPlans(ctx context.Context) ([]models.BillingPlan, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT variant_id, name, interval, word_limit, price_cents, currency, is_active
		  FROM public.billing_plans
		 ORDER BY price_cents, variant_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	out := make([]models.BillingPlan, 0)
	for rows.Next() {
		var p models.BillingPlan
		if err := rows.Scan(&p.VariantID, &p.Name, &p.Interval, &p.WordLimit, &p.PriceCents, &p.Currency, &p.IsActive); err != nil {
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func setUserSubscribed(ctx context.Context, tx *sql.Tx, userID string, subscribed bool) error {
	flag := 0
	if subscribed {
		flag = 1
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE public.users SET is_subscribed = $2 WHERE id = $1
	`, userID, flag); err != nil {
		return fmt.Errorf("set subscribed flag: %w", err)
	}
	return nil
}

// extraScanner appends trailing destinations to a row scan.
type extraScanner struct {
	row   scanner
	extra []any
}

func (e extraScanner) Scan(dest ...any) error {
	return e.row.Scan(append(dest, e.extra...)...)
}

func scanWithExtra(row scanner, extra ...any) scanner {
	return extraScanner{row: row, extra: extra}
}
