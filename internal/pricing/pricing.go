// Package pricing estimates the USD cost of model usage.
package pricing

import (
	"sort"
	"strings"

	"github.com/basket/taskd/internal/config"
)

// ModelPricing holds per-million-token costs in USD.
type ModelPricing struct {
	PromptPer1M     float64
	CompletionPer1M float64
}

var knownModels = map[string]ModelPricing{
	"claude-3-5-haiku":  {0.80, 4.00},
	"claude-3-7-sonnet": {3.00, 15.00},
	"claude-sonnet-4":   {3.00, 15.00},
	"claude-sonnet-4-5": {3.00, 15.00},
	"claude-opus-4":     {15.00, 75.00},
	"gemini-1.5-pro":    {1.25, 5.00},
	"gemini-2.5-flash":  {0.075, 0.30},
	"gemini-2.5-pro":    {1.25, 10.00},
	"gpt-4o":            {2.50, 10.00},
	"gpt-4o-mini":       {0.15, 0.60},
	"gpt-4.1":           {2.00, 8.00},
	"gpt-4.1-mini":      {0.40, 1.60},
}

// Table resolves a model name to its price. Lookups try the exact name and
// then the longest known prefix, so dated snapshots such as
// "claude-sonnet-4-5-20250929" price like their family.
type Table struct {
	prices map[string]ModelPricing
	keys   []string // longest first
}

// NewTable returns the built-in prices with overrides applied.
func NewTable(overrides map[string]config.ModelPrice) *Table {
	t := &Table{prices: make(map[string]ModelPricing, len(knownModels)+len(overrides))}
	for k, v := range knownModels {
		t.prices[k] = v
	}
	for k, v := range overrides {
		t.prices[strings.ToLower(k)] = ModelPricing{PromptPer1M: v.PromptPer1M, CompletionPer1M: v.CompletionPer1M}
	}
	for k := range t.prices {
		t.keys = append(t.keys, k)
	}
	sort.Slice(t.keys, func(i, j int) bool {
		if len(t.keys[i]) != len(t.keys[j]) {
			return len(t.keys[i]) > len(t.keys[j])
		}
		return t.keys[i] < t.keys[j]
	})
	return t
}

func (t *Table) Lookup(model string) (ModelPricing, bool) {
	model = strings.ToLower(model)
	if p, ok := t.prices[model]; ok {
		return p, true
	}
	for _, k := range t.keys {
		if strings.HasPrefix(model, k) {
			return t.prices[k], true
		}
	}
	return ModelPricing{}, false
}

// Cost returns the USD cost of the usage, or 0 for an unknown model.
func (t *Table) Cost(model string, promptTokens, completionTokens int) float64 {
	p, ok := t.Lookup(model)
	if !ok {
		return 0
	}
	return (float64(promptTokens)/1_000_000)*p.PromptPer1M +
		(float64(completionTokens)/1_000_000)*p.CompletionPer1M
}

var defaultTable = NewTable(nil)

// EstimateCost prices usage against the built-in table.
func EstimateCost(model string, promptTokens, completionTokens int) float64 {
	return defaultTable.Cost(model, promptTokens, completionTokens)
}
