package pricing

import (
	"math"
	"testing"

	"github.com/basket/taskd/internal/config"
)

func TestEstimateCost_KnownModel(t *testing.T) {
	cost := EstimateCost("gpt-4o", 1000, 500)
	if cost < 0.007 || cost > 0.008 {
		t.Fatalf("expected ~0.0075, got %f", cost)
	}
}

func TestEstimateCost_UnknownModel(t *testing.T) {
	if cost := EstimateCost("unknown-model-xyz", 1000, 500); cost != 0.0 {
		t.Fatalf("expected 0.0 for unknown model, got %f", cost)
	}
}

func TestLookup_LongestPrefix(t *testing.T) {
	tbl := NewTable(nil)
	p, ok := tbl.Lookup("gpt-4o-mini-2024-07-18")
	if !ok || p.PromptPer1M != 0.15 {
		t.Fatalf("dated snapshot should price as gpt-4o-mini, got %+v %v", p, ok)
	}
	p, ok = tbl.Lookup("Claude-Sonnet-4-5-20250929")
	if !ok || p.CompletionPer1M != 15.00 {
		t.Fatalf("lookup should be case-insensitive, got %+v %v", p, ok)
	}
}

func TestNewTable_Overrides(t *testing.T) {
	tbl := NewTable(map[string]config.ModelPrice{
		"gpt-4o":      {PromptPer1M: 1, CompletionPer1M: 2},
		"local-llama": {PromptPer1M: 0.5, CompletionPer1M: 0.5},
	})
	if got := tbl.Cost("gpt-4o", 1_000_000, 1_000_000); math.Abs(got-3) > 1e-9 {
		t.Fatalf("override not applied, got %f", got)
	}
	if got := tbl.Cost("local-llama-3", 2_000_000, 0); math.Abs(got-1) > 1e-9 {
		t.Fatalf("new model not priced, got %f", got)
	}
}
