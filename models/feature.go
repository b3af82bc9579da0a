package models

import "time"

// Trade outcomes as written to the feature table.
const (
	OutcomeWon  = "WON"
	OutcomeLost = "LOST"
)

// FeatureRow is one flat, ML-ready row: the trade, its own (now resolved)
// outcome as the label, and the wallet's point-in-time statistics as
// features. Every statistic is as of the trade's own timestamp.
type FeatureRow struct {
	TradeKey     string    `json:"trade_key"`
	Wallet       string    `json:"wallet"`
	MarketID     string    `json:"market_id"`
	Side         string    `json:"side"`
	Price        float64   `json:"price"`
	Size         float64   `json:"size"`
	Timestamp    time.Time `json:"timestamp"`
	Niche        string    `json:"niche"`
	BetStructure string    `json:"bet_structure"`
	PriceBracket string    `json:"price_bracket"`

	// Label.
	Outcome string `json:"outcome"`

	// Trade-level derived features, prior-history only.
	RelativeSize      float64 `json:"relative_size"`
	PositionSeq       int32   `json:"position_seq"`
	HoursToResolution float64 `json:"hours_to_resolution"`

	// Point-in-time wallet statistics.
	Stat PointInTimeStat `json:"stat"`
}

// FeatureBatch groups feature rows for one wallet partition.
type FeatureBatch struct {
	BatchID     string       `json:"batch_id"`
	Wallet      string       `json:"wallet"`
	Rows        []FeatureRow `json:"rows"`
	RecordCount int          `json:"record_count"`
	Timestamp   time.Time    `json:"timestamp"`
}
