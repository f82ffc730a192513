package usage

import (
	"context"
	"fmt"
	"log/slog"

	"bidforge-engine/internal/models"
)

// LimitChecker enforces hard per-period caps. Callers check before the
// capped action and call IncrementUsage only after it succeeded.
type LimitChecker struct {
	store  LimitStore
	ledger *Ledger
	logger *slog.Logger
}

func NewLimitChecker(store LimitStore, ledger *Ledger, logger *slog.Logger) *LimitChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &LimitChecker{store: store, ledger: ledger, logger: logger}
}

func (c *LimitChecker) CheckProjectLimit(ctx context.Context, companyID string) (models.LimitResult, error) {
	return c.Check(ctx, companyID, models.LimitProjects)
}

func (c *LimitChecker) CheckDocumentLimit(ctx context.Context, companyID string) (models.LimitResult, error) {
	return c.Check(ctx, companyID, models.LimitDocuments)
}

func (c *LimitChecker) CheckBidLimit(ctx context.Context, companyID string) (models.LimitResult, error) {
	return c.Check(ctx, companyID, models.LimitBids)
}

// Check reports whether one more capped action fits in the current period.
// A company without a configured (or with a negative) limit is unlimited.
func (c *LimitChecker) Check(ctx context.Context, companyID string, limitType models.LimitType) (models.LimitResult, error) {
	period, err := c.ledger.BillingPeriod(ctx, companyID, c.ledger.now().UTC())
	if err != nil {
		return models.LimitResult{}, err
	}
	current, err := c.store.UsageCount(ctx, companyID, limitType, period.Start)
	if err != nil {
		return models.LimitResult{}, fmt.Errorf("read %s usage: %w", limitType, err)
	}
	limit, ok, err := c.store.PlanLimit(ctx, companyID, limitType)
	if err != nil {
		return models.LimitResult{}, fmt.Errorf("read %s limit: %w", limitType, err)
	}
	if !ok || limit < 0 {
		return models.LimitResult{Allowed: true, Current: current, Limit: -1, Remaining: -1}, nil
	}

	res := models.LimitResult{
		Allowed:   current < limit,
		Current:   current,
		Limit:     limit,
		Remaining: max(limit-current, 0),
	}
	if !res.Allowed {
		res.Reason = fmt.Sprintf("%s limit reached (%d/%d) for the current billing period", limitType, current, limit)
	}
	return res, nil
}

// IncrementUsage counts a completed capped action against the current period
func (c *LimitChecker) IncrementUsage(ctx context.Context, companyID string, limitType models.LimitType, by int64) error {
	if by <= 0 {
		by = 1
	}
	period, err := c.ledger.BillingPeriod(ctx, companyID, c.ledger.now().UTC())
	if err != nil {
		return err
	}
	if err := c.store.IncrementUsageCount(ctx, companyID, limitType, period.Start, by); err != nil {
		return fmt.Errorf("increment %s usage: %w", limitType, err)
	}
	c.logger.Debug("limit usage incremented", "company_id", companyID, "limit_type", limitType, "by", by)
	return nil
}
