package usage

import "bidforge-engine/internal/models"

// PricingFunc returns the list price in cents of one unit of eventType
type PricingFunc func(eventType string, metadata map[string]string) int64

// PriceTable prices events from a base rate per type, scaled by metadata
// multipliers expressed in percent (e.g. model=premium → 300).
type PriceTable struct {
	Base        map[string]int64
	Multipliers map[string]map[string]int64
}

// DefaultPrices are list prices in cents
var DefaultPrices = PriceTable{
	Base: map[string]int64{
		models.EventAIGeneration:      50,
		models.EventRFPAnalysis:       30,
		models.EventSketchAnalysis:    25,
		models.EventDocumentProcessed: 10,
		models.EventEmbedding:         1,
		models.EventNotification:      0,
	},
	Multipliers: map[string]map[string]int64{
		"model": {"premium": 300, "vision": 200},
	},
}

// Price implements PricingFunc
func (t PriceTable) Price(eventType string, metadata map[string]string) int64 {
	price := t.Base[eventType]
	for key, byValue := range t.Multipliers {
		if pct, ok := byValue[metadata[key]]; ok {
			price = price * pct / 100
		}
	}
	return price
}

// DefaultCreditTypes maps usage events to the credit bucket that can cover them
var DefaultCreditTypes = map[string]string{
	models.EventAIGeneration:      models.CreditAIGenerations,
	models.EventRFPAnalysis:       models.CreditAIGenerations,
	models.EventSketchAnalysis:    models.CreditSketchAnalyses,
	models.EventDocumentProcessed: models.CreditDocumentProcessing,
	models.EventEmbedding:         models.CreditEmbeddings,
}
