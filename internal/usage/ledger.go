// Package usage meters billable actions against prepaid credit buckets and
// enforces per-period plan limits.
package usage

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"bidforge-engine/internal/models"
)

// Ledger records usage events and consumes credits
type Ledger struct {
	store       Store
	pricing     PricingFunc
	creditTypes map[string]string
	logger      *slog.Logger
	now         func() time.Time
}

type Option func(*Ledger)

func WithPricing(fn PricingFunc) Option {
	return func(l *Ledger) { l.pricing = fn }
}

func WithCreditTypes(m map[string]string) Option {
	return func(l *Ledger) { l.creditTypes = m }
}

func NewLedger(store Store, logger *slog.Logger, opts ...Option) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Ledger{
		store:       store,
		pricing:     DefaultPrices.Price,
		creditTypes: DefaultCreditTypes,
		logger:      logger,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// TrackUsage prices the event, covers what it can from the soonest-expiring
// credit in one conditional reservation and records an immutable event. A
// reservation that loses a race is not retried; the event pays full price.
func (l *Ledger) TrackUsage(ctx context.Context, companyID, eventType string, quantity int64, metadata map[string]string) (string, error) {
	if companyID == "" {
		return "", models.Validation("company id is required")
	}
	if quantity <= 0 {
		return "", models.Validation("usage quantity must be positive")
	}
	now := l.now().UTC()
	unitCost := l.pricing(eventType, metadata)

	var (
		covered  int64
		creditID string
	)
	if creditType, ok := l.creditTypes[eventType]; ok {
		credit, err := l.store.ActiveCredit(ctx, companyID, creditType, now)
		if err != nil {
			return "", fmt.Errorf("look up %s credit: %w", creditType, err)
		}
		if credit != nil {
			amount := min(quantity, credit.Remaining())
			reserved, err := l.store.ReserveCredit(ctx, *credit, amount)
			if err != nil {
				return "", fmt.Errorf("reserve credit %s: %w", credit.ID, err)
			}
			if reserved {
				covered, creditID = amount, credit.ID
			} else {
				l.logger.Info("credit reservation lost to a concurrent consumer, charging full price",
					"company_id", companyID, "credit_id", credit.ID, "event_type", eventType)
			}
		}
	}

	period, err := l.BillingPeriod(ctx, companyID, now)
	if err != nil {
		return "", err
	}
	ev := &models.UsageEvent{
		ID:              uuid.NewString(),
		CompanyID:       companyID,
		EventType:       eventType,
		Quantity:        quantity,
		CoveredQuantity: covered,
		CreditID:        creditID,
		UnitCost:        unitCost,
		TotalCost:       unitCost * (quantity - covered),
		IsIncluded:      covered == quantity,
		PeriodStart:     period.Start,
		PeriodEnd:       period.End,
		Metadata:        metadata,
		CreatedAt:       now,
	}
	if err := l.store.InsertUsageEvent(ctx, ev); err != nil {
		return "", fmt.Errorf("record usage event: %w", err)
	}
	l.logger.Debug("usage tracked", "company_id", companyID, "event_type", eventType,
		"quantity", quantity, "covered", covered, "total_cost", ev.TotalCost)
	return ev.ID, nil
}

// Meter tracks usage on behalf of a business action. Failures are logged and
// swallowed so metering never fails the action it measures.
func (l *Ledger) Meter(ctx context.Context, companyID, eventType string, quantity int64, metadata map[string]string) {
	if companyID == "" {
		return
	}
	if _, err := l.TrackUsage(ctx, companyID, eventType, quantity, metadata); err != nil {
		l.logger.Error("failed to meter usage", "company_id", companyID, "event_type", eventType, "error", err)
	}
}

// BillingPeriod is the active subscription's period, else the calendar month (UTC)
func (l *Ledger) BillingPeriod(ctx context.Context, companyID string, at time.Time) (models.Period, error) {
	sub, err := l.store.ActiveSubscription(ctx, companyID, at)
	if err != nil {
		return models.Period{}, fmt.Errorf("look up subscription: %w", err)
	}
	if sub != nil {
		return models.Period{Start: sub.CurrentPeriodStart.UTC(), End: sub.CurrentPeriodEnd.UTC()}, nil
	}
	return CalendarMonth(at), nil
}

// CalendarMonth returns the UTC month containing at
func CalendarMonth(at time.Time) models.Period {
	at = at.UTC()
	start := time.Date(at.Year(), at.Month(), 1, 0, 0, 0, 0, time.UTC)
	return models.Period{Start: start, End: start.AddDate(0, 1, 0)}
}

// GetUsageSummary reports remaining credits and costs for the current period.
// Included cost is the list value of credit-covered units; overage is what
// was actually charged.
func (l *Ledger) GetUsageSummary(ctx context.Context, companyID string) (*models.UsageSummary, error) {
	now := l.now().UTC()
	period, err := l.BillingPeriod(ctx, companyID, now)
	if err != nil {
		return nil, err
	}

	credits, err := l.store.ListActiveCredits(ctx, companyID, now)
	if err != nil {
		return nil, fmt.Errorf("list credits: %w", err)
	}
	summary := &models.UsageSummary{
		Period:           period,
		CreditsRemaining: make(map[string]int64),
		Breakdown:        []models.UsageBreakdown{},
	}
	for _, c := range credits {
		summary.CreditsRemaining[c.CreditType] += c.Remaining()
	}

	events, err := l.store.ListUsageEvents(ctx, companyID, period.Start, period.End)
	if err != nil {
		return nil, fmt.Errorf("list usage events: %w", err)
	}
	byType := make(map[string]*models.UsageBreakdown)
	for _, e := range events {
		b, ok := byType[e.EventType]
		if !ok {
			b = &models.UsageBreakdown{EventType: e.EventType}
			byType[e.EventType] = b
		}
		b.Count += e.Quantity
		b.Cost += e.TotalCost
		b.Included += e.CoveredQuantity
		b.Overage += e.Quantity - e.CoveredQuantity

		summary.UsageSummary.IncludedCost += e.UnitCost * e.CoveredQuantity
		summary.UsageSummary.OverageCost += e.TotalCost
	}
	summary.UsageSummary.TotalCost = summary.UsageSummary.IncludedCost + summary.UsageSummary.OverageCost

	for _, b := range byType {
		summary.Breakdown = append(summary.Breakdown, *b)
	}
	sort.Slice(summary.Breakdown, func(i, k int) bool {
		return summary.Breakdown[i].EventType < summary.Breakdown[k].EventType
	})
	return summary, nil
}
