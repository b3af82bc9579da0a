package engine

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	appconfig "traderflow/config"
	"traderflow/internal/channel"
	"traderflow/models"
)

const taxonomyFixture = `
version: "test-1"
niches:
  - category: nfl
    tags: [nfl, football]
  - category: politics
    tags: [politics, election]
default_niche: other
bet_structures:
  - category: binary
    tags: [binary, yesno]
default_bet_structure: other
price_brackets:
  - label: longshot
    max: 0.2
  - label: tossup
    max: 0.6
  - label: favorite
    max: 1.0
default_price_bracket: favorite
`

func testTaxonomy(t *testing.T) *appconfig.Taxonomy {
	t.Helper()
	path := filepath.Join(t.TempDir(), "taxonomy.yml")
	if err := os.WriteFile(path, []byte(taxonomyFixture), 0o644); err != nil {
		t.Fatalf("write taxonomy: %v", err)
	}
	tax, err := appconfig.LoadTaxonomy(path)
	if err != nil {
		t.Fatalf("LoadTaxonomy: %v", err)
	}
	return tax
}

func newTestEngine(t *testing.T, markets map[string]models.Market) (*Engine, *channel.Channels) {
	t.Helper()
	cfg := strictConfig()
	ch := channel.NewChannels(1, 4, 4, 1)
	resolver := NewResolver(cfg, markets, nil)
	return NewEngine(cfg, testTaxonomy(t), resolver, ch), ch
}

func lifetime(t *testing.T, stat models.PointInTimeStat, dimension string) models.WindowAggregate {
	t.Helper()
	slice := stat.Slice(dimension)
	if slice == nil {
		t.Fatalf("missing %s slice on %s", dimension, stat.TradeKey)
	}
	return slice.Windows[models.WindowLifetime]
}

func TestComputeWalletConcreteScenario(t *testing.T) {
	markets := map[string]models.Market{
		"m1": {MarketID: "m1", ResolvedLabel: "YES", ResolutionTime: day(5), Niche: "nfl", BetStructure: "binary"},
		"m2": {MarketID: "m2", Niche: "nfl", BetStructure: "binary"},
		"m3": {MarketID: "m3", Niche: "nfl", BetStructure: "binary"},
	}
	eng, _ := newTestEngine(t, markets)

	hist := models.WalletHistory{Wallet: "0xa", Trades: []models.Trade{
		{ID: "t1", Wallet: "0xa", MarketID: "m1", OutcomeLabel: "YES", Price: 0.20, Size: 100, Timestamp: day(0)},
		{ID: "t2", Wallet: "0xa", MarketID: "m2", OutcomeLabel: "YES", Price: 0.50, Size: 10, Timestamp: day(3)},
		{ID: "t3", Wallet: "0xa", MarketID: "m3", OutcomeLabel: "YES", Price: 0.50, Size: 10, Timestamp: day(10)},
	}}

	batch := eng.ComputeWallet(hist)
	if batch.RecordCount != 3 || len(batch.Stats) != 3 {
		t.Fatalf("expected 3 stats, got %+v", batch)
	}

	// Trade2 at day 3: market1 resolves day 5, so nothing has resolved yet.
	agg2 := lifetime(t, batch.Stats[1], models.DimOverall)
	if agg2.ResolvedCount != 0 || agg2.WinRate != 0.5 {
		t.Fatalf("trade2 must see no resolved history: %+v", agg2)
	}
	if agg2.Confidence != models.ConfidenceInsufficient {
		t.Fatalf("expected INSUFFICIENT confidence, got %s", agg2.Confidence)
	}

	// Trade3 at day 10: trade1 resolved day 5, won, pnl 80 on 20 invested.
	agg3 := lifetime(t, batch.Stats[2], models.DimOverall)
	if agg3.ResolvedCount != 1 || agg3.WinCount != 1 {
		t.Fatalf("trade3 must see one resolved win: %+v", agg3)
	}
	if agg3.WinRate != 1.0 {
		t.Fatalf("expected win rate 1.0, got %f", agg3.WinRate)
	}
	if absF(agg3.TotalPnl-80) > 1e-9 || absF(agg3.TotalInvested-20) > 1e-9 {
		t.Fatalf("unexpected pnl/invested: %+v", agg3)
	}
	if absF(agg3.ROI-4.0) > 1e-9 {
		t.Fatalf("expected ROI 4.0, got %f", agg3.ROI)
	}
}

func TestComputeWalletNeutralFirstTrade(t *testing.T) {
	markets := map[string]models.Market{
		"m1": {MarketID: "m1", Niche: "nfl", BetStructure: "binary"},
	}
	eng, _ := newTestEngine(t, markets)

	batch := eng.ComputeWallet(models.WalletHistory{Wallet: "0xa", Trades: []models.Trade{
		{ID: "t1", Wallet: "0xa", MarketID: "m1", Price: 0.3, Size: 5, Timestamp: day(0)},
	}})

	stat := batch.Stats[0]
	if len(stat.Slices) != 4 {
		t.Fatalf("expected one slice per dimension, got %d", len(stat.Slices))
	}
	for _, slice := range stat.Slices {
		for _, window := range models.Windows() {
			agg := slice.Windows[window]
			if agg.ResolvedCount != 0 || agg.WinRate != 0.5 || agg.ROI != 0 {
				t.Fatalf("first trade must be neutral in %s/%s: %+v", slice.Dimension, window, agg)
			}
			if agg.Confidence != models.ConfidenceInsufficient {
				t.Fatalf("first trade must be INSUFFICIENT in %s/%s", slice.Dimension, window)
			}
		}
	}
}

func TestComputeWalletROIDenominator(t *testing.T) {
	// One resolved losing trade and one still-open trade: ROI must reflect
	// only the resolved loss, never the open position's size.
	markets := map[string]models.Market{
		"lost": {MarketID: "lost", ResolvedLabel: "NO", ResolutionTime: day(2), Niche: "nfl", BetStructure: "binary"},
		"open": {MarketID: "open", Niche: "nfl", BetStructure: "binary"},
		"m3":   {MarketID: "m3", Niche: "nfl", BetStructure: "binary"},
	}
	eng, _ := newTestEngine(t, markets)

	batch := eng.ComputeWallet(models.WalletHistory{Wallet: "0xa", Trades: []models.Trade{
		{ID: "t1", Wallet: "0xa", MarketID: "lost", OutcomeLabel: "YES", Price: 0.40, Size: 50, Timestamp: day(0)},
		{ID: "t2", Wallet: "0xa", MarketID: "open", OutcomeLabel: "YES", Price: 0.50, Size: 1000, Timestamp: day(1)},
		{ID: "t3", Wallet: "0xa", MarketID: "m3", OutcomeLabel: "YES", Price: 0.50, Size: 1, Timestamp: day(5)},
	}})

	agg := lifetime(t, batch.Stats[2], models.DimOverall)
	if agg.ResolvedCount != 1 || agg.WinCount != 0 {
		t.Fatalf("expected exactly the resolved loss: %+v", agg)
	}
	// pnl = -0.40*50 = -20, invested = 20, roi = -1.0. The open trade's
	// 500 invested must not appear in the denominator.
	if absF(agg.TotalInvested-20) > 1e-9 {
		t.Fatalf("invested must cover the resolved subset only: %+v", agg)
	}
	if absF(agg.ROI-(-1.0)) > 1e-9 {
		t.Fatalf("expected ROI -1.0, got %f", agg.ROI)
	}
}

func TestComputeWalletSlicesAreIndependent(t *testing.T) {
	markets := map[string]models.Market{
		"nfl1": {MarketID: "nfl1", ResolvedLabel: "YES", ResolutionTime: day(1), Niche: "nfl", BetStructure: "binary"},
		"pol1": {MarketID: "pol1", ResolvedLabel: "NO", ResolutionTime: day(2), Niche: "politics", BetStructure: "binary"},
		"nfl2": {MarketID: "nfl2", Niche: "nfl", BetStructure: "binary"},
	}
	eng, _ := newTestEngine(t, markets)

	batch := eng.ComputeWallet(models.WalletHistory{Wallet: "0xa", Trades: []models.Trade{
		{ID: "t1", Wallet: "0xa", MarketID: "nfl1", OutcomeLabel: "YES", Price: 0.5, Size: 10, Timestamp: day(0)},
		{ID: "t2", Wallet: "0xa", MarketID: "pol1", OutcomeLabel: "YES", Price: 0.5, Size: 10, Timestamp: day(0)},
		{ID: "t3", Wallet: "0xa", MarketID: "nfl2", OutcomeLabel: "YES", Price: 0.5, Size: 10, Timestamp: day(5)},
	}})

	stat := batch.Stats[2]

	overall := lifetime(t, stat, models.DimOverall)
	if overall.ResolvedCount != 2 || overall.WinCount != 1 {
		t.Fatalf("overall slice should see both resolved trades: %+v", overall)
	}

	niche := stat.Slice(models.DimNiche)
	if niche.Value != "nfl" {
		t.Fatalf("expected nfl niche slice, got %q", niche.Value)
	}
	nicheAgg := niche.Windows[models.WindowLifetime]
	if nicheAgg.ResolvedCount != 1 || nicheAgg.WinCount != 1 {
		t.Fatalf("niche slice must only see same-niche history: %+v", nicheAgg)
	}
}

func TestComputeWalletIdempotent(t *testing.T) {
	markets := map[string]models.Market{
		"m1": {MarketID: "m1", ResolvedLabel: "YES", ResolutionTime: day(2), Niche: "nfl", BetStructure: "binary"},
		"m2": {MarketID: "m2", ResolvedLabel: "NO", ResolutionTime: day(4), Niche: "politics", BetStructure: "binary"},
	}
	eng, _ := newTestEngine(t, markets)

	hist := models.WalletHistory{Wallet: "0xa", Trades: []models.Trade{
		{ID: "t1", Wallet: "0xa", MarketID: "m1", OutcomeLabel: "YES", Price: 0.3, Size: 10, Timestamp: day(0)},
		{ID: "t2", Wallet: "0xa", MarketID: "m2", OutcomeLabel: "YES", Price: 0.7, Size: 4, Timestamp: day(1)},
		{ID: "t3", Wallet: "0xa", MarketID: "m1", OutcomeLabel: "NO", Price: 0.4, Size: 2, Timestamp: day(6)},
	}}

	first := eng.ComputeWallet(hist).Stats
	second := eng.ComputeWallet(hist).Stats
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("recomputation must be deterministic")
	}
}

func TestConfidenceTiers(t *testing.T) {
	conf := appconfig.ConfidenceConfig{Low: 10, Medium: 30, High: 100}
	cases := []struct {
		count int64
		want  string
	}{
		{0, models.ConfidenceInsufficient},
		{9, models.ConfidenceInsufficient},
		{10, models.ConfidenceLow},
		{29, models.ConfidenceLow},
		{30, models.ConfidenceMedium},
		{99, models.ConfidenceMedium},
		{100, models.ConfidenceHigh},
	}
	for _, tc := range cases {
		if got := confidenceTier(tc.count, conf); got != tc.want {
			t.Errorf("confidenceTier(%d) = %s, want %s", tc.count, got, tc.want)
		}
	}
}

func TestEngineProcessesPartitions(t *testing.T) {
	markets := map[string]models.Market{
		"m1": {MarketID: "m1", ResolvedLabel: "YES", ResolutionTime: day(1), Niche: "nfl", BetStructure: "binary"},
	}
	eng, ch := newTestEngine(t, markets)

	ch.Partitions <- models.WalletHistory{Wallet: "0xa", Trades: []models.Trade{
		{ID: "t1", Wallet: "0xa", MarketID: "m1", OutcomeLabel: "YES", Price: 0.5, Size: 1, Timestamp: day(0)},
	}}
	ch.Partitions <- models.WalletHistory{Wallet: "0xb", Trades: []models.Trade{
		{ID: "t2", Wallet: "0xb", MarketID: "m1", OutcomeLabel: "NO", Price: 0.5, Size: 1, Timestamp: day(2)},
	}}
	ch.ClosePartitions()

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	got := map[string]int{}
	for batch := range ch.Stats {
		got[batch.Wallet] = batch.RecordCount
	}
	for range ch.StatCopies {
	}
	eng.Wait()

	if got["0xa"] != 1 || got["0xb"] != 1 {
		t.Fatalf("expected one stat per wallet, got %v", got)
	}
}
