package models

import "time"

// Trade sides as they appear in the snapshot feed.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// RawTradeRecord is one line of the trade snapshot feed before deduplication.
// The feed is append-only; repeated ingestion runs may emit the same trade
// more than once.
type RawTradeRecord struct {
	ID           string    `json:"id"`
	Wallet       string    `json:"wallet"`
	MarketID     string    `json:"market_id"`
	Side         string    `json:"side"`
	OutcomeLabel string    `json:"outcome_label"`
	Price        float64   `json:"price"`
	Size         float64   `json:"size"`
	Timestamp    time.Time `json:"timestamp"`
	TxHash       string    `json:"tx_hash"`
	OrderHash    string    `json:"order_hash"`
}

// Trade is the canonical, deduplicated trade record. Immutable once emitted
// by the deduplicator.
type Trade struct {
	ID           string    `json:"id"`
	Wallet       string    `json:"wallet"`
	MarketID     string    `json:"market_id"`
	Side         string    `json:"side"`
	OutcomeLabel string    `json:"outcome_label"`
	Price        float64   `json:"price"`
	Size         float64   `json:"size"`
	Timestamp    time.Time `json:"timestamp"`
	TxHash       string    `json:"tx_hash"`
	OrderHash    string    `json:"order_hash"`
}

// Key returns the stable surrogate key used to address this trade in every
// derived table. The deduplicator guarantees one trade per key.
func (t Trade) Key() string {
	return t.ID
}

// Invested is the capital committed at entry.
func (t Trade) Invested() float64 {
	return t.Price * t.Size
}

// WalletHistory is one engine partition: every deduplicated trade a wallet
// made, sorted by (timestamp, key). Partitions are independent of each other.
type WalletHistory struct {
	Wallet string
	Trades []Trade
}
