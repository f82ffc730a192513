package models

import "time"

// Usage event types
const (
	EventAIGeneration      = "ai_generation"
	EventDocumentProcessed = "document_processed"
	EventSketchAnalysis    = "sketch_analysis"
	EventRFPAnalysis       = "rfp_analysis"
	EventEmbedding         = "embedding"
	EventNotification      = "notification"
)

// Credit types
const (
	CreditAIGenerations      = "ai_generations"
	CreditDocumentProcessing = "document_processing"
	CreditSketchAnalyses     = "sketch_analyses"
	CreditEmbeddings         = "embeddings"
)

// UsageCredit is a prepaid allowance bucket. UsedQuantity never exceeds Quantity.
type UsageCredit struct {
	ID           string    `json:"id"`
	CompanyID    string    `json:"company_id"`
	CreditType   string    `json:"credit_type"`
	Quantity     int64     `json:"quantity"`
	UsedQuantity int64     `json:"used_quantity"`
	ValidFrom    time.Time `json:"valid_from"`
	ValidUntil   time.Time `json:"valid_until"`
}

// Remaining is the unconsumed balance
func (c UsageCredit) Remaining() int64 {
	if c.UsedQuantity >= c.Quantity {
		return 0
	}
	return c.Quantity - c.UsedQuantity
}

// UsageEvent is an immutable record of one metered action. Costs are in cents.
type UsageEvent struct {
	ID              string            `json:"id"`
	CompanyID       string            `json:"company_id"`
	EventType       string            `json:"event_type"`
	Quantity        int64             `json:"quantity"`
	CoveredQuantity int64             `json:"covered_quantity"`
	CreditID        string            `json:"credit_id,omitempty"`
	UnitCost        int64             `json:"unit_cost"`
	TotalCost       int64             `json:"total_cost"`
	IsIncluded      bool              `json:"is_included"`
	PeriodStart     time.Time         `json:"period_start"`
	PeriodEnd       time.Time         `json:"period_end"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

// Subscription is the slice of a billing record the ledger needs
type Subscription struct {
	CompanyID          string    `json:"company_id"`
	Plan               string    `json:"plan"`
	CurrentPeriodStart time.Time `json:"current_period_start"`
	CurrentPeriodEnd   time.Time `json:"current_period_end"`
	Active             bool      `json:"active"`
}

// Period is a half-open billing window [Start, End)
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// CostSummary aggregates costs in cents
type CostSummary struct {
	TotalCost    int64 `json:"total_cost"`
	IncludedCost int64 `json:"included_cost"`
	OverageCost  int64 `json:"overage_cost"`
}

// UsageBreakdown aggregates one event type
type UsageBreakdown struct {
	EventType string `json:"event_type"`
	Count     int64  `json:"count"`
	Cost      int64  `json:"cost"`
	Included  int64  `json:"included"`
	Overage   int64  `json:"overage"`
}

// UsageSummary is the billing view for a company's current period
type UsageSummary struct {
	Period           Period           `json:"period"`
	CreditsRemaining map[string]int64 `json:"credits_remaining"`
	UsageSummary     CostSummary      `json:"usage_summary"`
	Breakdown        []UsageBreakdown `json:"breakdown"`
}

// LimitType names a capped resource
type LimitType string

const (
	LimitProjects  LimitType = "projects"
	LimitDocuments LimitType = "documents"
	LimitBids      LimitType = "bids"
)

// LimitResult is the answer to a check*Limit call. Limit is -1 when unlimited.
type LimitResult struct {
	Allowed   bool   `json:"allowed"`
	Current   int64  `json:"current"`
	Limit     int64  `json:"limit"`
	Remaining int64  `json:"remaining"`
	Reason    string `json:"reason,omitempty"`
}
