package aggregate

import (
	"testing"
	"time"

	appconfig "traderflow/config"
	"traderflow/engine"
	"traderflow/models"
)

var day0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func day(n int) time.Time {
	return day0.Add(time.Duration(n) * 24 * time.Hour)
}

func newTestAggregator(markets map[string]models.Market) *Aggregator {
	cfg := &appconfig.Config{}
	cfg.Engine.Resolution.Policy = appconfig.ResolutionPolicyStrict
	resolver := engine.NewResolver(cfg, markets, nil)

	nicheOf := func(trade models.Trade) string {
		if market, ok := resolver.Market(trade.MarketID); ok {
			return market.Niche
		}
		return "other"
	}
	return NewAggregator(resolver, nicheOf)
}

func TestAggregatorFullHistory(t *testing.T) {
	markets := map[string]models.Market{
		"m1": {MarketID: "m1", ResolvedLabel: "YES", ResolutionTime: day(5), Niche: "nfl"},
		"m2": {MarketID: "m2", ResolvedLabel: "NO", ResolutionTime: day(6), Niche: "politics"},
		"m3": {MarketID: "m3", Niche: "nfl"},
	}
	agg := newTestAggregator(markets)

	agg.Accumulate("0xa", []models.Trade{
		{ID: "t1", Wallet: "0xa", MarketID: "m1", OutcomeLabel: "YES", Price: 0.2, Size: 100, Timestamp: day(0)},
		{ID: "t2", Wallet: "0xa", MarketID: "m2", OutcomeLabel: "YES", Price: 0.5, Size: 10, Timestamp: day(1)},
		{ID: "t3", Wallet: "0xa", MarketID: "m3", OutcomeLabel: "YES", Price: 0.5, Size: 10, Timestamp: day(2)},
	})
	agg.Accumulate("0xb", []models.Trade{
		{ID: "t4", Wallet: "0xb", MarketID: "m1", OutcomeLabel: "NO", Price: 0.8, Size: 10, Timestamp: day(3)},
	})

	profiles := agg.Profiles()
	if len(profiles) != 2 {
		t.Fatalf("expected 2 profiles, got %d", len(profiles))
	}

	a := profiles[0]
	if a.Wallet != "0xa" || a.TradeCount != 3 || a.ResolvedCount != 2 {
		t.Fatalf("unexpected profile: %+v", a)
	}
	// Won m1 (+80), lost m2 (-5), invested 20+5=25.
	if a.WinCount != 1 || a.WinRate != 0.5 {
		t.Fatalf("unexpected win stats: %+v", a)
	}
	if a.TotalPnl != 75 || a.TotalInvested != 25 || a.ROI != 3 {
		t.Fatalf("unexpected pnl stats: %+v", a)
	}
	if !a.LastTradeAt.Equal(day(2)) {
		t.Fatalf("unexpected last trade time: %v", a.LastTradeAt)
	}

	global := agg.Global()
	if global.Wallets != 2 || global.TradeCount != 4 || global.ResolvedCount != 3 {
		t.Fatalf("unexpected global: %+v", global)
	}
	if len(global.Niches) != 2 {
		t.Fatalf("expected 2 niches, got %+v", global.Niches)
	}
	if global.Niches[0].Niche != "nfl" || global.Niches[0].TradeCount != 3 {
		t.Fatalf("unexpected nfl niche: %+v", global.Niches[0])
	}
}

func TestAggregatorUnresolvedExcludedFromPnl(t *testing.T) {
	markets := map[string]models.Market{
		"open": {MarketID: "open", Niche: "nfl"},
	}
	agg := newTestAggregator(markets)

	agg.Accumulate("0xa", []models.Trade{
		{ID: "t1", Wallet: "0xa", MarketID: "open", OutcomeLabel: "YES", Price: 0.5, Size: 100, Timestamp: day(0)},
	})

	p := agg.Profiles()[0]
	if p.TradeCount != 1 || p.ResolvedCount != 0 {
		t.Fatalf("unexpected profile: %+v", p)
	}
	if p.TotalInvested != 0 || p.TotalPnl != 0 || p.ROI != 0 {
		t.Fatalf("open positions must not enter pnl: %+v", p)
	}
}
