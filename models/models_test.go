package models

import (
	"testing"
	"time"
)

func TestWindowSpan(t *testing.T) {
	if WindowLifetime.Span() != 0 {
		t.Fatalf("lifetime window must have no span, got %v", WindowLifetime.Span())
	}
	if WindowD30.Span() != 30*24*time.Hour {
		t.Fatalf("unexpected D30 span: %v", WindowD30.Span())
	}
	if WindowD7.Span() != 7*24*time.Hour {
		t.Fatalf("unexpected D7 span: %v", WindowD7.Span())
	}
}

func TestTradeInvested(t *testing.T) {
	tr := Trade{Price: 0.25, Size: 100}
	if tr.Invested() != 25 {
		t.Fatalf("expected invested 25, got %v", tr.Invested())
	}
}

func TestMarketResolved(t *testing.T) {
	m := Market{MarketID: "m1"}
	if m.Resolved() || m.HasResolutionTime() {
		t.Fatalf("unresolved market reported as resolved: %+v", m)
	}
	m.ResolvedLabel = "YES"
	if !m.Resolved() {
		t.Fatalf("labeled market not reported as resolved")
	}
	if m.HasResolutionTime() {
		t.Fatalf("market without timestamp reports one")
	}
	m.ResolutionTime = time.Unix(1700000000, 0)
	if !m.HasResolutionTime() {
		t.Fatalf("market with timestamp reports none")
	}
}

func TestPointInTimeStatSlice(t *testing.T) {
	stat := PointInTimeStat{
		Slices: []SliceStats{
			{Dimension: DimOverall},
			{Dimension: DimNiche, Value: "nfl"},
		},
	}
	if s := stat.Slice(DimNiche); s == nil || s.Value != "nfl" {
		t.Fatalf("expected niche slice, got %+v", s)
	}
	if s := stat.Slice(DimPriceBracket); s != nil {
		t.Fatalf("expected nil for absent dimension, got %+v", s)
	}
}
