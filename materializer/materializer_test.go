package materializer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	appconfig "traderflow/config"
	"traderflow/engine"
	"traderflow/internal/channel"
	"traderflow/models"
)

var day0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func day(n int) time.Time {
	return day0.Add(time.Duration(n) * 24 * time.Hour)
}

const taxonomyFixture = `
version: "test-1"
niches:
  - category: nfl
    tags: [nfl]
default_niche: other
bet_structures:
  - category: binary
    tags: [binary]
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

func newTestMaterializer(t *testing.T, markets map[string]models.Market, minResolved int64) (*Materializer, *engine.Engine) {
	t.Helper()

	cfg := &appconfig.Config{}
	cfg.Engine.MaxWorkers = 1
	cfg.Engine.Resolution.Policy = appconfig.ResolutionPolicyStrict
	cfg.Engine.NeutralWinRate = 0.5
	cfg.Engine.Confidence = appconfig.ConfidenceConfig{Low: 10, Medium: 30, High: 100}
	cfg.Materializer.MaxWorkers = 1
	cfg.Materializer.MinResolvedTrades = minResolved

	path := filepath.Join(t.TempDir(), "taxonomy.yml")
	if err := os.WriteFile(path, []byte(taxonomyFixture), 0o644); err != nil {
		t.Fatalf("write taxonomy: %v", err)
	}
	tax, err := appconfig.LoadTaxonomy(path)
	if err != nil {
		t.Fatalf("LoadTaxonomy: %v", err)
	}

	ch := channel.NewChannels(1, 1, 1, 1)
	resolver := engine.NewResolver(cfg, markets, nil)
	eng := engine.NewEngine(cfg, tax, resolver, ch)
	return NewMaterializer(cfg, tax, resolver, ch), eng
}

func TestMaterializeEmitsResolvedTradesOnly(t *testing.T) {
	markets := map[string]models.Market{
		"won":  {MarketID: "won", ResolvedLabel: "YES", ResolutionTime: day(2), Niche: "nfl", BetStructure: "binary"},
		"open": {MarketID: "open", Niche: "nfl", BetStructure: "binary"},
	}
	mat, eng := newTestMaterializer(t, markets, 0)

	batch := eng.ComputeWallet(models.WalletHistory{Wallet: "0xa", Trades: []models.Trade{
		{ID: "t1", Wallet: "0xa", MarketID: "won", OutcomeLabel: "YES", Price: 0.25, Size: 40, Timestamp: day(0)},
		{ID: "t2", Wallet: "0xa", MarketID: "open", OutcomeLabel: "YES", Price: 0.50, Size: 10, Timestamp: day(1)},
	}})

	features := mat.Materialize(batch)
	if features.RecordCount != 1 {
		t.Fatalf("expected 1 feature row, got %d", features.RecordCount)
	}

	row := features.Rows[0]
	if row.TradeKey != "t1" || row.Outcome != models.OutcomeWon {
		t.Fatalf("unexpected row: %+v", row)
	}
	if row.HoursToResolution != 48 {
		t.Fatalf("expected 48 hours to resolution, got %f", row.HoursToResolution)
	}
	if row.Niche != "nfl" || row.BetStructure != "binary" || row.PriceBracket != "tossup" {
		t.Fatalf("unexpected classification: %+v", row)
	}
	if row.Stat.TradeKey != "t1" {
		t.Fatalf("feature row must carry the trade's own stat snapshot")
	}
}

func TestMaterializePriorHistoryFeatures(t *testing.T) {
	markets := map[string]models.Market{
		"m1": {MarketID: "m1", ResolvedLabel: "YES", ResolutionTime: day(20), Niche: "nfl", BetStructure: "binary"},
	}
	mat, eng := newTestMaterializer(t, markets, 0)

	batch := eng.ComputeWallet(models.WalletHistory{Wallet: "0xa", Trades: []models.Trade{
		{ID: "t1", Wallet: "0xa", MarketID: "m1", OutcomeLabel: "YES", Price: 0.5, Size: 10, Timestamp: day(0)},
		{ID: "t2", Wallet: "0xa", MarketID: "m1", OutcomeLabel: "YES", Price: 0.5, Size: 30, Timestamp: day(1)},
		{ID: "t3", Wallet: "0xa", MarketID: "m1", OutcomeLabel: "YES", Price: 0.5, Size: 20, Timestamp: day(2)},
	}})

	features := mat.Materialize(batch)
	if features.RecordCount != 3 {
		t.Fatalf("expected 3 rows, got %d", features.RecordCount)
	}

	// First trade has no history: relative size defaults to 1.
	if features.Rows[0].RelativeSize != 1.0 {
		t.Fatalf("first trade relative size = %f, want 1.0", features.Rows[0].RelativeSize)
	}
	// Second trade: prior mean is 10, size 30 → 3.0.
	if features.Rows[1].RelativeSize != 3.0 {
		t.Fatalf("second trade relative size = %f, want 3.0", features.Rows[1].RelativeSize)
	}
	// Third trade: prior mean is 20, size 20 → 1.0.
	if features.Rows[2].RelativeSize != 1.0 {
		t.Fatalf("third trade relative size = %f, want 1.0", features.Rows[2].RelativeSize)
	}

	for i, row := range features.Rows {
		if row.PositionSeq != int32(i+1) {
			t.Fatalf("trade %d position seq = %d, want %d", i, row.PositionSeq, i+1)
		}
	}
}

func TestMaterializeMinimumHistoryFilter(t *testing.T) {
	markets := map[string]models.Market{
		"m1": {MarketID: "m1", ResolvedLabel: "YES", ResolutionTime: day(1), Niche: "nfl", BetStructure: "binary"},
		"m2": {MarketID: "m2", ResolvedLabel: "YES", ResolutionTime: day(3), Niche: "nfl", BetStructure: "binary"},
	}
	mat, eng := newTestMaterializer(t, markets, 1)

	batch := eng.ComputeWallet(models.WalletHistory{Wallet: "0xa", Trades: []models.Trade{
		{ID: "t1", Wallet: "0xa", MarketID: "m1", OutcomeLabel: "YES", Price: 0.5, Size: 10, Timestamp: day(0)},
		{ID: "t2", Wallet: "0xa", MarketID: "m2", OutcomeLabel: "YES", Price: 0.5, Size: 10, Timestamp: day(2)},
	}})

	features := mat.Materialize(batch)

	// t1 has zero resolved lifetime history and is filtered; t2 sees t1
	// resolved at day 1 and passes.
	if features.RecordCount != 1 || features.Rows[0].TradeKey != "t2" {
		t.Fatalf("expected only t2 to pass the history filter, got %+v", features.Rows)
	}
}
