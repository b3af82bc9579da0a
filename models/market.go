package models

import "time"

// RawMarketRecord is one line of the market snapshot feed before
// deduplication. Resolution fields are empty until the market resolves.
type RawMarketRecord struct {
	MarketID       string    `json:"market_id"`
	ResolvedLabel  string    `json:"resolved_label"`
	ResolutionTime time.Time `json:"resolution_time"`
	Niche          string    `json:"niche"`
	BetStructure   string    `json:"bet_structure"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Market is the canonical, deduplicated market record. ResolvedLabel and
// ResolutionTime are set at most once, at resolution.
type Market struct {
	MarketID       string    `json:"market_id"`
	ResolvedLabel  string    `json:"resolved_label"`
	ResolutionTime time.Time `json:"resolution_time"`
	Niche          string    `json:"niche"`
	BetStructure   string    `json:"bet_structure"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Resolved reports whether the market outcome is known.
func (m Market) Resolved() bool {
	return m.ResolvedLabel != ""
}

// HasResolutionTime reports whether the feed carried an explicit resolution
// timestamp. Markets can arrive labeled but with the timestamp missing.
func (m Market) HasResolutionTime() bool {
	return !m.ResolutionTime.IsZero()
}

// MarketIndex is the deduplicated one-row-per-market view plus the earliest
// trade timestamp observed against each market, which the engine uses to
// detect resolution times that precede trading activity.
type MarketIndex struct {
	Markets      map[string]Market
	FirstTradeAt map[string]time.Time
}
