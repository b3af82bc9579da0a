package engine

import (
	"sync"
	"time"

	appconfig "traderflow/config"
	"traderflow/logger"
	"traderflow/models"
)

// Resolution is the moment a trade's outcome became knowable. Approximate is
// set when the grace policy supplied the timestamp instead of the feed.
type Resolution struct {
	At          time.Time
	Won         bool
	Approximate bool
}

// Resolver determines, for each trade, whether and when its outcome resolved.
// It applies exactly one policy for the whole run:
//
//	strict: a trade resolves only when its market carries a resolved label
//	        and an explicit resolution timestamp.
//	grace:  additionally, a labeled market missing its timestamp is treated
//	        as resolved a configured grace period after the trade. This is a
//	        labeled approximation, never a silent default.
//
// Unlabeled markets never resolve under either policy. Markets whose
// resolution time precedes their first observed trade violate the feed
// contract and are excluded from every aggregate.
type Resolver struct {
	markets  map[string]models.Market
	excluded map[string]bool
	policy   string
	grace    time.Duration
	log      *logger.Log

	// Resolve is called concurrently by engine workers.
	mu           sync.Mutex
	unknownSeen  map[string]bool
	integrityCnt int64
}

func NewResolver(cfg *appconfig.Config, markets map[string]models.Market, firstTradeAt map[string]time.Time) *Resolver {
	log := logger.GetLogger()

	r := &Resolver{
		markets:     markets,
		excluded:    make(map[string]bool),
		policy:      cfg.Engine.Resolution.Policy,
		grace:       cfg.Engine.Resolution.GracePeriod,
		log:         log,
		unknownSeen: make(map[string]bool),
	}

	for id, market := range markets {
		if !market.HasResolutionTime() {
			continue
		}
		first, traded := firstTradeAt[id]
		if traded && market.ResolutionTime.Before(first) {
			r.excluded[id] = true
			r.integrityCnt++
			log.WithComponent("resolver").WithFields(logger.Fields{
				"market_id":       id,
				"resolution_time": market.ResolutionTime,
				"first_trade_at":  first,
			}).Error("market resolution precedes first trade, excluding market from aggregates")
		}
	}

	log.WithComponent("resolver").WithFields(logger.Fields{
		"policy":           r.policy,
		"grace_period":     r.grace,
		"markets":          len(markets),
		"excluded_markets": len(r.excluded),
	}).Info("resolver initialized")

	return r
}

// Resolve reports when the trade's outcome became known. ok is false when the
// trade must not contribute to any aggregate: unknown market, excluded
// market, unresolved market, or a labeled market missing its timestamp under
// the strict policy.
func (r *Resolver) Resolve(trade models.Trade) (Resolution, bool) {
	market, known := r.markets[trade.MarketID]
	if !known {
		r.mu.Lock()
		if !r.unknownSeen[trade.MarketID] {
			r.unknownSeen[trade.MarketID] = true
			r.integrityCnt++
			r.log.WithComponent("resolver").WithFields(logger.Fields{
				"market_id": trade.MarketID,
				"trade_key": trade.Key(),
			}).Error("trade references unknown market")
		}
		r.mu.Unlock()
		return Resolution{}, false
	}
	if r.excluded[trade.MarketID] {
		return Resolution{}, false
	}
	if !market.Resolved() {
		return Resolution{}, false
	}

	won := trade.OutcomeLabel == market.ResolvedLabel

	if market.HasResolutionTime() {
		return Resolution{At: market.ResolutionTime, Won: won}, true
	}
	if r.policy == appconfig.ResolutionPolicyGrace {
		return Resolution{At: trade.Timestamp.Add(r.grace), Won: won, Approximate: true}, true
	}
	return Resolution{}, false
}

// Market returns the deduplicated market row for a trade, false when the
// market is unknown.
func (r *Resolver) Market(id string) (models.Market, bool) {
	m, ok := r.markets[id]
	return m, ok
}

// Excluded reports whether the market was dropped for violating the
// resolution-time contract.
func (r *Resolver) Excluded(id string) bool {
	return r.excluded[id]
}

// IntegrityErrors counts distinct data-integrity defects observed so far.
func (r *Resolver) IntegrityErrors() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.integrityCnt
}
