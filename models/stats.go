package models

import "time"

// Window identifies a trailing interval over a wallet's prior trades.
type Window string

const (
	WindowLifetime Window = "L"
	WindowD30      Window = "D30"
	WindowD7       Window = "D7"
)

// Windows lists every window in output order.
func Windows() []Window {
	return []Window{WindowLifetime, WindowD30, WindowD7}
}

// Span returns the trailing duration of the window, zero for lifetime.
func (w Window) Span() time.Duration {
	switch w {
	case WindowD30:
		return 30 * 24 * time.Hour
	case WindowD7:
		return 7 * 24 * time.Hour
	default:
		return 0
	}
}

// Dimension names for stat slices.
const (
	DimOverall      = "overall"
	DimNiche        = "niche"
	DimBetStructure = "bet_structure"
	DimPriceBracket = "price_bracket"
)

// Confidence tiers bucket resolved-trade counts so consumers can discount
// statistics backed by thin history.
const (
	ConfidenceInsufficient = "INSUFFICIENT"
	ConfidenceLow          = "LOW"
	ConfidenceMedium       = "MEDIUM"
	ConfidenceHigh         = "HIGH"
)

// WindowAggregate is one window's statistics over the resolved-as-of subset
// of a wallet's prior trades. TotalInvested covers resolved trades only, so
// ROI is never diluted by open positions.
type WindowAggregate struct {
	ResolvedCount int64   `json:"resolved_count"`
	WinCount      int64   `json:"win_count"`
	WinRate       float64 `json:"win_rate"`
	TotalPnl      float64 `json:"total_pnl"`
	TotalInvested float64 `json:"total_invested"`
	ROI           float64 `json:"roi"`
	Confidence    string  `json:"confidence"`
}

// SliceStats holds every window's aggregate for one dimensional slice of a
// wallet's history. Value is empty for the overall slice.
type SliceStats struct {
	Dimension string                     `json:"dimension"`
	Value     string                     `json:"value"`
	Windows   map[Window]WindowAggregate `json:"windows"`
}

// PointInTimeStat is the per-trade snapshot of the trading wallet's
// performance computed from information knowable strictly before AsOf.
// No contributing trade has timestamp >= AsOf and no contributing trade's
// market resolved at or after AsOf.
type PointInTimeStat struct {
	TradeKey        string       `json:"trade_key"`
	Wallet          string       `json:"wallet"`
	AsOf            time.Time    `json:"as_of"`
	TaxonomyVersion string       `json:"taxonomy_version"`
	Slices          []SliceStats `json:"slices"`
}

// Slice returns the stats for a dimension, nil when absent.
func (p PointInTimeStat) Slice(dimension string) *SliceStats {
	for i := range p.Slices {
		if p.Slices[i].Dimension == dimension {
			return &p.Slices[i]
		}
	}
	return nil
}

// StatBatch carries one wallet partition's trades together with the stat
// snapshot computed for each of them.
type StatBatch struct {
	BatchID     string            `json:"batch_id"`
	Wallet      string            `json:"wallet"`
	Trades      []Trade           `json:"trades"`
	Stats       []PointInTimeStat `json:"stats"`
	RecordCount int               `json:"record_count"`
	ComputedAt  time.Time         `json:"computed_at"`
}
