// Package aggregate builds the current-standing dashboard tables: plain
// full-history aggregations with no as-of restriction. Relative to any
// historical trade these numbers contain future information, so they must
// never be joined onto training rows; the point-in-time stats pipeline is
// the only source of model features. The two outputs are kept in separate
// schemas for exactly that reason.
package aggregate

import (
	"sort"
	"sync"
	"time"

	"traderflow/engine"
	"traderflow/logger"
	"traderflow/models"
)

// ProfileStats is one wallet's current standing over its entire history.
type ProfileStats struct {
	Wallet        string    `json:"wallet"`
	TradeCount    int64     `json:"trade_count"`
	ResolvedCount int64     `json:"resolved_count"`
	WinCount      int64     `json:"win_count"`
	WinRate       float64   `json:"win_rate"`
	TotalPnl      float64   `json:"total_pnl"`
	TotalInvested float64   `json:"total_invested"`
	ROI           float64   `json:"roi"`
	LastTradeAt   time.Time `json:"last_trade_at"`
}

// NicheStats is the platform-wide standing of one niche.
type NicheStats struct {
	Niche         string  `json:"niche"`
	TradeCount    int64   `json:"trade_count"`
	ResolvedCount int64   `json:"resolved_count"`
	WinCount      int64   `json:"win_count"`
	TotalPnl      float64 `json:"total_pnl"`
	TotalInvested float64 `json:"total_invested"`
}

// GlobalStats is the platform-wide dashboard summary.
type GlobalStats struct {
	Wallets       int64        `json:"wallets"`
	TradeCount    int64        `json:"trade_count"`
	ResolvedCount int64        `json:"resolved_count"`
	WinCount      int64        `json:"win_count"`
	WinRate       float64      `json:"win_rate"`
	TotalPnl      float64      `json:"total_pnl"`
	TotalInvested float64      `json:"total_invested"`
	ROI           float64      `json:"roi"`
	Niches        []NicheStats `json:"niches"`
	ComputedAt    time.Time    `json:"computed_at"`
}

// Aggregator accumulates deduplicated wallet histories as they flow through
// the batch. Safe for concurrent Accumulate calls.
type Aggregator struct {
	resolver *engine.Resolver
	nicheOf  func(models.Trade) string
	log      *logger.Log

	mu       sync.Mutex
	profiles map[string]*ProfileStats
	niches   map[string]*NicheStats
}

func NewAggregator(resolver *engine.Resolver, nicheOf func(models.Trade) string) *Aggregator {
	return &Aggregator{
		resolver: resolver,
		nicheOf:  nicheOf,
		log:      logger.GetLogger(),
		profiles: make(map[string]*ProfileStats),
		niches:   make(map[string]*NicheStats),
	}
}

// Accumulate folds one wallet's full deduplicated history into the tables.
func (a *Aggregator) Accumulate(wallet string, trades []models.Trade) {
	a.mu.Lock()
	defer a.mu.Unlock()

	profile, ok := a.profiles[wallet]
	if !ok {
		profile = &ProfileStats{Wallet: wallet}
		a.profiles[wallet] = profile
	}

	for _, trade := range trades {
		profile.TradeCount++
		if trade.Timestamp.After(profile.LastTradeAt) {
			profile.LastTradeAt = trade.Timestamp
		}

		niche := a.nicheOf(trade)
		ns, ok := a.niches[niche]
		if !ok {
			ns = &NicheStats{Niche: niche}
			a.niches[niche] = ns
		}
		ns.TradeCount++

		res, resolved := a.resolver.Resolve(trade)
		if !resolved {
			continue
		}

		invested := trade.Invested()
		var pnl float64
		if res.Won {
			pnl = (1 - trade.Price) * trade.Size
			profile.WinCount++
			ns.WinCount++
		} else {
			pnl = -trade.Price * trade.Size
		}

		profile.ResolvedCount++
		profile.TotalPnl += pnl
		profile.TotalInvested += invested
		ns.ResolvedCount++
		ns.TotalPnl += pnl
		ns.TotalInvested += invested
	}

	if profile.ResolvedCount > 0 {
		profile.WinRate = float64(profile.WinCount) / float64(profile.ResolvedCount)
	}
	if profile.TotalInvested > 0 {
		profile.ROI = profile.TotalPnl / profile.TotalInvested
	}
}

// Profiles returns the per-wallet table sorted by wallet.
func (a *Aggregator) Profiles() []ProfileStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]ProfileStats, 0, len(a.profiles))
	for _, p := range a.profiles {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Wallet < out[j].Wallet })
	return out
}

// Global returns the platform-wide summary.
func (a *Aggregator) Global() GlobalStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	g := GlobalStats{ComputedAt: time.Now().UTC()}
	for _, p := range a.profiles {
		g.Wallets++
		g.TradeCount += p.TradeCount
		g.ResolvedCount += p.ResolvedCount
		g.WinCount += p.WinCount
		g.TotalPnl += p.TotalPnl
		g.TotalInvested += p.TotalInvested
	}
	if g.ResolvedCount > 0 {
		g.WinRate = float64(g.WinCount) / float64(g.ResolvedCount)
	}
	if g.TotalInvested > 0 {
		g.ROI = g.TotalPnl / g.TotalInvested
	}

	for _, ns := range a.niches {
		g.Niches = append(g.Niches, *ns)
	}
	sort.Slice(g.Niches, func(i, j int) bool { return g.Niches[i].Niche < g.Niches[j].Niche })
	return g
}
