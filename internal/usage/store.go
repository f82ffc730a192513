package usage

import (
	"context"
	"sort"
	"sync"
	"time"

	"bidforge-engine/internal/models"
)

// Store is the persistence the ledger needs. ReserveCredit must be a single
// atomic conditional update; the ledger never reads-then-writes a balance.
type Store interface {
	ActiveCredit(ctx context.Context, companyID, creditType string, at time.Time) (*models.UsageCredit, error)
	ListActiveCredits(ctx context.Context, companyID string, at time.Time) ([]models.UsageCredit, error)
	ReserveCredit(ctx context.Context, observed models.UsageCredit, amount int64) (bool, error)
	InsertUsageEvent(ctx context.Context, e *models.UsageEvent) error
	ListUsageEvents(ctx context.Context, companyID string, start, end time.Time) ([]models.UsageEvent, error)
	ActiveSubscription(ctx context.Context, companyID string, at time.Time) (*models.Subscription, error)
}

// LimitStore backs the limit checker
type LimitStore interface {
	PlanLimit(ctx context.Context, companyID string, limitType models.LimitType) (int64, bool, error)
	UsageCount(ctx context.Context, companyID string, limitType models.LimitType, periodStart time.Time) (int64, error)
	IncrementUsageCount(ctx context.Context, companyID string, limitType models.LimitType, periodStart time.Time, by int64) error
}

type counterKey struct {
	company     string
	limitType   models.LimitType
	periodStart int64
}

type limitKey struct {
	company   string
	limitType models.LimitType
}

// MemoryStore keeps ledger state in process. Used in tests and when no
// database is configured.
type MemoryStore struct {
	mu       sync.Mutex
	credits  map[string]*models.UsageCredit
	events   []models.UsageEvent
	subs     map[string]models.Subscription
	limits   map[limitKey]int64
	counters map[counterKey]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		credits:  make(map[string]*models.UsageCredit),
		subs:     make(map[string]models.Subscription),
		limits:   make(map[limitKey]int64),
		counters: make(map[counterKey]int64),
	}
}

func (s *MemoryStore) InsertCredit(_ context.Context, c *models.UsageCredit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.credits[c.ID] = &cp
	return nil
}

func (s *MemoryStore) GetCredit(_ context.Context, id string) (*models.UsageCredit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credits[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func valid(c *models.UsageCredit, at time.Time) bool {
	return !c.ValidFrom.After(at) && c.ValidUntil.After(at)
}

func (s *MemoryStore) ActiveCredit(_ context.Context, companyID, creditType string, at time.Time) (*models.UsageCredit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *models.UsageCredit
	for _, c := range s.credits {
		if c.CompanyID != companyID || c.CreditType != creditType || !valid(c, at) || c.Remaining() <= 0 {
			continue
		}
		if best == nil || c.ValidUntil.Before(best.ValidUntil) {
			best = c
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (s *MemoryStore) ListActiveCredits(_ context.Context, companyID string, at time.Time) ([]models.UsageCredit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.UsageCredit{}
	for _, c := range s.credits {
		if c.CompanyID == companyID && valid(c, at) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ValidUntil.Before(out[k].ValidUntil) })
	return out, nil
}

// ReserveCredit is the compare-and-update: it applies only if the bucket
// still shows the observed usage and has amount units left.
func (s *MemoryStore) ReserveCredit(_ context.Context, observed models.UsageCredit, amount int64) (bool, error) {
	if amount <= 0 {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credits[observed.ID]
	if !ok || c.UsedQuantity != observed.UsedQuantity || c.Quantity-c.UsedQuantity < amount {
		return false, nil
	}
	c.UsedQuantity += amount
	return true, nil
}

func (s *MemoryStore) InsertUsageEvent(_ context.Context, e *models.UsageEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *e)
	return nil
}

func (s *MemoryStore) ListUsageEvents(_ context.Context, companyID string, start, end time.Time) ([]models.UsageEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.UsageEvent{}
	for _, e := range s.events {
		if e.CompanyID == companyID && !e.CreatedAt.Before(start) && e.CreatedAt.Before(end) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryStore) UpsertSubscription(_ context.Context, sub *models.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[sub.CompanyID] = *sub
	return nil
}

func (s *MemoryStore) ActiveSubscription(_ context.Context, companyID string, at time.Time) (*models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[companyID]
	if !ok || !sub.Active || sub.CurrentPeriodStart.After(at) || !sub.CurrentPeriodEnd.After(at) {
		return nil, nil
	}
	return &sub, nil
}

func (s *MemoryStore) SetPlanLimit(_ context.Context, companyID string, limitType models.LimitType, max int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limits[limitKey{companyID, limitType}] = max
	return nil
}

func (s *MemoryStore) PlanLimit(_ context.Context, companyID string, limitType models.LimitType) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.limits[limitKey{companyID, limitType}]
	return v, ok, nil
}

func (s *MemoryStore) UsageCount(_ context.Context, companyID string, limitType models.LimitType, periodStart time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[counterKey{companyID, limitType, periodStart.UnixNano()}], nil
}

func (s *MemoryStore) IncrementUsageCount(_ context.Context, companyID string, limitType models.LimitType, periodStart time.Time, by int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[counterKey{companyID, limitType, periodStart.UnixNano()}] += by
	return nil
}
