// Package template is the Template Registry (C8): an immutable
// catalog of parameterized configuration documents used only to seed
// new strategy definitions. It has no runtime role once a strategy
// is created.
package template

// Category groups templates for display purposes.
type Category string

const (
	CategoryMartingale    Category = "martingale"
	CategoryDCA           Category = "dca"
	CategoryGrid          Category = "grid"
	CategoryTrend         Category = "trend"
	CategoryMeanReversion Category = "mean_reversion"
	CategoryML            Category = "ml"
	CategoryLLM           Category = "llm"
)

// Template is one catalog entry.
type Template struct {
	ID             string
	DisplayName    string
	Description    string
	Category       Category
	DefaultConfig  map[string]any
}

// Registry is an immutable, in-memory catalog keyed by template id.
type Registry struct {
	byID map[string]Template
}

// NewRegistry builds a Registry from the default catalog.
func NewRegistry() *Registry {
	r := &Registry{byID: make(map[string]Template, len(defaultCatalog))}
	for _, tpl := range defaultCatalog {
		r.byID[tpl.ID] = tpl
	}
	return r
}

// Get returns the template for id, or false if no such template exists.
func (r *Registry) Get(id string) (Template, bool) {
	tpl, ok := r.byID[id]
	return tpl, ok
}

// List returns every template, grouped by nothing in particular —
// callers that want grouping should filter by Category themselves.
func (r *Registry) List() []Template {
	out := make([]Template, 0, len(r.byID))
	for _, tpl := range r.byID {
		out = append(out, tpl)
	}
	return out
}

// ListByCategory returns templates in the given category.
func (r *Registry) ListByCategory(cat Category) []Template {
	var out []Template
	for _, tpl := range r.byID {
		if tpl.Category == cat {
			out = append(out, tpl)
		}
	}
	return out
}

var defaultCatalog = []Template{
	{
		ID: "martingale-conservative", DisplayName: "Martingale (Conservative)",
		Description: "Doubles down on adverse moves with a wide 5% trigger and a hard cap on additions.",
		Category:    CategoryMartingale,
		DefaultConfig: map[string]any{
			"trading":     map[string]any{"symbol": "BTCUSDT", "side": "long", "leverage": 5, "reconcileOnStart": "close"},
			"risk":        map[string]any{"stopLossPercent": 15.0, "takeProfitPercent": 5.0, "maxLossPercent": 25.0},
			"monitoring":  map[string]any{"checkInterval": 30, "pricePrecision": 2},
			"martingale":  map[string]any{"initialPosition": 100.0, "multiplier": 2.0, "maxAdditions": 5},
			"trigger":     map[string]any{"priceDropPercent": 5.0, "startImmediately": true},
		},
	},
	{
		ID: "dca-weekly", DisplayName: "Dollar-Cost Averaging",
		Description: "Buys a fixed notional on a fixed interval below a price ceiling.",
		Category:    CategoryDCA,
		DefaultConfig: map[string]any{
			"trading":    map[string]any{"symbol": "BTCUSDT", "side": "long", "leverage": 2, "reconcileOnStart": "adopt"},
			"risk":       map[string]any{"stopLossPercent": 30.0, "takeProfitPercent": 50.0, "maxLossPercent": 40.0},
			"monitoring": map[string]any{"checkInterval": 60, "pricePrecision": 2},
			"dca":        map[string]any{"intervalSeconds": 86400, "notional": 50.0, "priceCeiling": 70000.0, "maxInvestment": 1000.0},
		},
	},
	{
		ID: "grid-range", DisplayName: "Grid Trading",
		Description: "Opens long units on downward level crosses, closes them on upward crosses.",
		Category:    CategoryGrid,
		DefaultConfig: map[string]any{
			"trading":    map[string]any{"symbol": "ETHUSDT", "side": "long", "leverage": 3, "reconcileOnStart": "close"},
			"risk":       map[string]any{"stopLossPercent": 20.0, "takeProfitPercent": 100.0, "maxLossPercent": 30.0},
			"monitoring": map[string]any{"checkInterval": 15, "pricePrecision": 2},
			"grid":       map[string]any{"priceLow": 2000.0, "priceHigh": 3000.0, "levels": 10, "unitNotional": 50.0},
		},
	},
	{
		ID: "trend-follow", DisplayName: "Trend Following",
		Description: "Moving-average crossover: opens on fast-crosses-slow, closes on reversal.",
		Category:    CategoryTrend,
		DefaultConfig: map[string]any{
			"trading":    map[string]any{"symbol": "BTCUSDT", "side": "long", "leverage": 5, "reconcileOnStart": "close"},
			"risk":       map[string]any{"stopLossPercent": 8.0, "takeProfitPercent": 20.0, "maxLossPercent": 20.0},
			"monitoring": map[string]any{"checkInterval": 60, "pricePrecision": 2},
			"trend":      map[string]any{"fastWindow": 12, "slowWindow": 26, "notional": 200.0},
		},
	},
	{
		ID: "mean-reversion-btc", DisplayName: "Mean Reversion",
		Description: "Fades deviations from a moving-average baseline, closes on return to baseline.",
		Category:    CategoryMeanReversion,
		DefaultConfig: map[string]any{
			"trading":        map[string]any{"symbol": "BTCUSDT", "side": "long", "leverage": 3, "reconcileOnStart": "close"},
			"risk":           map[string]any{"stopLossPercent": 6.0, "takeProfitPercent": 4.0, "maxLossPercent": 15.0},
			"monitoring":     map[string]any{"checkInterval": 30, "pricePrecision": 2},
			"meanReversion":  map[string]any{"window": 20, "deviationPct": 2.0, "notional": 150.0},
		},
	},
	{
		ID: "ml-classifier-default", DisplayName: "ML Classifier (Random Forest)",
		Description: "Bagged decision forest over technical features, retrains on a cadence.",
		Category:    CategoryML,
		DefaultConfig: map[string]any{
			"trading":    map[string]any{"symbol": "BTCUSDT", "side": "long", "leverage": 5, "reconcileOnStart": "close"},
			"risk":       map[string]any{"stopLossPercent": 10.0, "takeProfitPercent": 15.0, "maxLossPercent": 25.0},
			"monitoring": map[string]any{"checkInterval": 60, "pricePrecision": 2},
			"ml":         map[string]any{"confidenceThreshold": 0.65, "retrainIntervalBars": 6, "bufferSize": 500, "notional": 200.0, "treeCount": 25},
		},
	},
	{
		ID: "llm-signal-default", DisplayName: "LLM Signal",
		Description: "Prompts an external model for a structured trading signal on a cadence.",
		Category:    CategoryLLM,
		DefaultConfig: map[string]any{
			"trading":    map[string]any{"symbol": "BTCUSDT", "side": "long", "leverage": 5, "reconcileOnStart": "close"},
			"risk":       map[string]any{"stopLossPercent": 10.0, "takeProfitPercent": 15.0, "maxLossPercent": 25.0},
			"monitoring": map[string]any{"checkInterval": 180, "pricePrecision": 2},
			"llm":        map[string]any{"confidenceThreshold": 0.6, "callIntervalSeconds": 600, "notional": 200.0},
		},
	},
}
