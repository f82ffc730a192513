package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"bidforge-engine/internal/models"
)

// InsertCredit grants a usage credit bucket
func (db *DB) InsertCredit(ctx context.Context, c *models.UsageCredit) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO usage_credits (id, company_id, credit_type, quantity, used_quantity, valid_from, valid_until)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.CompanyID, c.CreditType, c.Quantity, c.UsedQuantity, toNanos(c.ValidFrom), toNanos(c.ValidUntil))
	return err
}

// GetCredit retrieves a credit bucket by id
func (db *DB) GetCredit(ctx context.Context, id string) (*models.UsageCredit, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, company_id, credit_type, quantity, used_quantity, valid_from, valid_until
		FROM usage_credits WHERE id = ?
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	credits, err := scanCredits(rows)
	if err != nil {
		return nil, err
	}
	if len(credits) == 0 {
		return nil, sql.ErrNoRows
	}
	return &credits[0], nil
}

// ActiveCredit returns the soonest-to-expire credit of the given type that is
// valid at `at` and still has balance, or nil when none applies.
func (db *DB) ActiveCredit(ctx context.Context, companyID, creditType string, at time.Time) (*models.UsageCredit, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, company_id, credit_type, quantity, used_quantity, valid_from, valid_until
		FROM usage_credits
		WHERE company_id = ? AND credit_type = ?
		  AND valid_from <= ? AND valid_until > ?
		  AND quantity - used_quantity > 0
		ORDER BY valid_until ASC
		LIMIT 1
	`, companyID, creditType, toNanos(at), toNanos(at))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	credits, err := scanCredits(rows)
	if err != nil || len(credits) == 0 {
		return nil, err
	}
	return &credits[0], nil
}

// ListActiveCredits returns every credit valid at `at`
func (db *DB) ListActiveCredits(ctx context.Context, companyID string, at time.Time) ([]models.UsageCredit, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, company_id, credit_type, quantity, used_quantity, valid_from, valid_until
		FROM usage_credits
		WHERE company_id = ? AND valid_from <= ? AND valid_until > ?
		ORDER BY valid_until ASC
	`, companyID, toNanos(at), toNanos(at))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCredits(rows)
}

// ReserveCredit consumes amount units from the bucket in one conditional
// update. It only applies if the bucket still shows the used quantity the
// caller observed and has enough balance left; false means the caller lost a
// race or the balance is gone.
func (db *DB) ReserveCredit(ctx context.Context, observed models.UsageCredit, amount int64) (bool, error) {
	if amount <= 0 {
		return false, nil
	}
	res, err := db.ExecContext(ctx, `
		UPDATE usage_credits
		SET used_quantity = used_quantity + ?
		WHERE id = ? AND used_quantity = ? AND quantity - used_quantity >= ?
	`, amount, observed.ID, observed.UsedQuantity, amount)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// InsertUsageEvent persists an immutable usage event
func (db *DB) InsertUsageEvent(ctx context.Context, e *models.UsageEvent) error {
	metadata, err := marshalMap(e.Metadata)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO usage_events (id, company_id, event_type, quantity, covered_quantity, credit_id,
		                          unit_cost, total_cost, is_included, period_start, period_end, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.CompanyID, e.EventType, e.Quantity, e.CoveredQuantity, nullString(e.CreditID),
		e.UnitCost, e.TotalCost, e.IsIncluded, toNanos(e.PeriodStart), toNanos(e.PeriodEnd),
		metadata, toNanos(e.CreatedAt))
	return err
}

// ListUsageEvents returns events created in [start, end)
func (db *DB) ListUsageEvents(ctx context.Context, companyID string, start, end time.Time) ([]models.UsageEvent, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, company_id, event_type, quantity, covered_quantity, credit_id, unit_cost, total_cost,
		       is_included, period_start, period_end, metadata, created_at
		FROM usage_events
		WHERE company_id = ? AND created_at >= ? AND created_at < ?
		ORDER BY created_at ASC
	`, companyID, toNanos(start), toNanos(end))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []models.UsageEvent{}
	for rows.Next() {
		var e models.UsageEvent
		var creditID, metadata sql.NullString
		var periodStart, periodEnd, createdAt int64
		if err := rows.Scan(&e.ID, &e.CompanyID, &e.EventType, &e.Quantity, &e.CoveredQuantity, &creditID,
			&e.UnitCost, &e.TotalCost, &e.IsIncluded, &periodStart, &periodEnd, &metadata, &createdAt); err != nil {
			return nil, err
		}
		e.CreditID = creditID.String
		if metadata.Valid {
			if err := json.Unmarshal([]byte(metadata.String), &e.Metadata); err != nil {
				return nil, err
			}
		}
		e.PeriodStart = fromNanos(periodStart)
		e.PeriodEnd = fromNanos(periodEnd)
		e.CreatedAt = fromNanos(createdAt)
		events = append(events, e)
	}
	return events, rows.Err()
}

// UpsertSubscription records the company's current billing period
func (db *DB) UpsertSubscription(ctx context.Context, s *models.Subscription) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO subscriptions (company_id, plan, current_period_start, current_period_end, active)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(company_id) DO UPDATE SET
			plan = excluded.plan,
			current_period_start = excluded.current_period_start,
			current_period_end = excluded.current_period_end,
			active = excluded.active
	`, s.CompanyID, s.Plan, toNanos(s.CurrentPeriodStart), toNanos(s.CurrentPeriodEnd), s.Active)
	return err
}

// ActiveSubscription returns the company's active subscription covering `at`, or nil
func (db *DB) ActiveSubscription(ctx context.Context, companyID string, at time.Time) (*models.Subscription, error) {
	var s models.Subscription
	var start, end int64
	err := db.QueryRowContext(ctx, `
		SELECT company_id, plan, current_period_start, current_period_end, active
		FROM subscriptions
		WHERE company_id = ? AND active = 1 AND current_period_start <= ? AND current_period_end > ?
	`, companyID, toNanos(at), toNanos(at)).Scan(&s.CompanyID, &s.Plan, &start, &end, &s.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.CurrentPeriodStart = fromNanos(start)
	s.CurrentPeriodEnd = fromNanos(end)
	return &s, nil
}

// SetPlanLimit configures a hard cap. A negative value means unlimited.
func (db *DB) SetPlanLimit(ctx context.Context, companyID string, limitType models.LimitType, max int64) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO plan_limits (company_id, limit_type, max_value) VALUES (?, ?, ?)
		ON CONFLICT(company_id, limit_type) DO UPDATE SET max_value = excluded.max_value
	`, companyID, string(limitType), max)
	return err
}

// PlanLimit returns the configured cap; ok is false when none is configured
func (db *DB) PlanLimit(ctx context.Context, companyID string, limitType models.LimitType) (int64, bool, error) {
	var max int64
	err := db.QueryRowContext(ctx, `
		SELECT max_value FROM plan_limits WHERE company_id = ? AND limit_type = ?
	`, companyID, string(limitType)).Scan(&max)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return max, true, nil
}

// UsageCount returns how many capped actions were recorded for the period
func (db *DB) UsageCount(ctx context.Context, companyID string, limitType models.LimitType, periodStart time.Time) (int64, error) {
	var count int64
	err := db.QueryRowContext(ctx, `
		SELECT count FROM usage_counters WHERE company_id = ? AND limit_type = ? AND period_start = ?
	`, companyID, string(limitType), toNanos(periodStart)).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return count, err
}

// IncrementUsageCount adds by to the period counter
func (db *DB) IncrementUsageCount(ctx context.Context, companyID string, limitType models.LimitType, periodStart time.Time, by int64) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO usage_counters (company_id, limit_type, period_start, count) VALUES (?, ?, ?, ?)
		ON CONFLICT(company_id, limit_type, period_start) DO UPDATE SET count = count + excluded.count
	`, companyID, string(limitType), toNanos(periodStart), by)
	return err
}

func scanCredits(rows *sql.Rows) ([]models.UsageCredit, error) {
	credits := []models.UsageCredit{}
	for rows.Next() {
		var c models.UsageCredit
		var from, until int64
		if err := rows.Scan(&c.ID, &c.CompanyID, &c.CreditType, &c.Quantity, &c.UsedQuantity, &from, &until); err != nil {
			return nil, err
		}
		c.ValidFrom = fromNanos(from)
		c.ValidUntil = fromNanos(until)
		credits = append(credits, c)
	}
	return credits, rows.Err()
}
