package engine

import (
	"testing"
	"time"

	appconfig "traderflow/config"
	"traderflow/models"
)

func TestResolverStrictPolicy(t *testing.T) {
	markets := map[string]models.Market{
		"m1": {MarketID: "m1", ResolvedLabel: "YES", ResolutionTime: day(5)},
		"m2": {MarketID: "m2", ResolvedLabel: "NO"}, // labeled, no timestamp
		"m3": {MarketID: "m3"},                      // unresolved
	}
	r := NewResolver(strictConfig(), markets, nil)

	res, ok := r.Resolve(models.Trade{MarketID: "m1", OutcomeLabel: "YES", Timestamp: day(0)})
	if !ok || !res.At.Equal(day(5)) || !res.Won {
		t.Fatalf("expected explicit resolution at day 5, got %+v ok=%v", res, ok)
	}

	if _, ok := r.Resolve(models.Trade{MarketID: "m2", OutcomeLabel: "NO", Timestamp: day(0)}); ok {
		t.Fatalf("strict policy must not resolve a market without a timestamp")
	}
	if _, ok := r.Resolve(models.Trade{MarketID: "m3", Timestamp: day(0)}); ok {
		t.Fatalf("unresolved market must never resolve")
	}
}

func TestResolverGracePolicy(t *testing.T) {
	cfg := strictConfig()
	cfg.Engine.Resolution.Policy = appconfig.ResolutionPolicyGrace
	cfg.Engine.Resolution.GracePeriod = 7 * 24 * time.Hour

	markets := map[string]models.Market{
		"m1": {MarketID: "m1", ResolvedLabel: "YES"},
		"m2": {MarketID: "m2"},
	}
	r := NewResolver(cfg, markets, nil)

	res, ok := r.Resolve(models.Trade{MarketID: "m1", OutcomeLabel: "NO", Timestamp: day(0)})
	if !ok || !res.Approximate {
		t.Fatalf("grace policy should resolve labeled market approximately, got %+v ok=%v", res, ok)
	}
	if !res.At.Equal(day(7)) {
		t.Fatalf("expected grace resolution at day 7, got %v", res.At)
	}
	if res.Won {
		t.Fatalf("outcome label NO against resolved YES must lose")
	}

	// Unlabeled markets stay unresolved even under grace.
	if _, ok := r.Resolve(models.Trade{MarketID: "m2", Timestamp: day(0)}); ok {
		t.Fatalf("grace policy must never guess an unlabeled outcome")
	}
}

func TestResolverExcludesIntegrityViolations(t *testing.T) {
	markets := map[string]models.Market{
		"bad": {MarketID: "bad", ResolvedLabel: "YES", ResolutionTime: day(1)},
	}
	firstTradeAt := map[string]time.Time{"bad": day(3)}
	r := NewResolver(strictConfig(), markets, firstTradeAt)

	if !r.Excluded("bad") {
		t.Fatalf("market resolving before its first trade must be excluded")
	}
	if _, ok := r.Resolve(models.Trade{MarketID: "bad", OutcomeLabel: "YES", Timestamp: day(3)}); ok {
		t.Fatalf("excluded market must not resolve")
	}
	if r.IntegrityErrors() != 1 {
		t.Fatalf("expected 1 integrity error, got %d", r.IntegrityErrors())
	}
}

func TestResolverUnknownMarket(t *testing.T) {
	r := NewResolver(strictConfig(), map[string]models.Market{}, nil)

	if _, ok := r.Resolve(models.Trade{ID: "t1", MarketID: "ghost", Timestamp: day(0)}); ok {
		t.Fatalf("unknown market must not resolve")
	}
	// Repeated sightings of the same unknown market count once.
	r.Resolve(models.Trade{ID: "t2", MarketID: "ghost", Timestamp: day(1)})
	if r.IntegrityErrors() != 1 {
		t.Fatalf("expected 1 integrity error, got %d", r.IntegrityErrors())
	}
}
