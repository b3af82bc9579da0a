package dedup

import (
	"context"
	"fmt"

	appconfig "traderflow/config"
	"traderflow/internal/channel"
	"traderflow/logger"
	"traderflow/models"
)

// MarketCollector drains the raw market feed into a one-row-per-market index.
// The feed carries repeated snapshots of the same market; a resolved row
// always beats an unresolved one, and among rows of equal resolution state
// the latest updated_at wins.
type MarketCollector struct {
	config   *appconfig.Config
	channels *channel.Channels
	log      *logger.Log

	total    int64
	rejected int64
}

func NewMarketCollector(cfg *appconfig.Config, channels *channel.Channels) *MarketCollector {
	return &MarketCollector{
		config:   cfg,
		channels: channels,
		log:      logger.GetLogger(),
	}
}

// Collect blocks until the raw market channel closes and returns the
// deduplicated market table. FirstTradeAt is filled later by the trade
// partitioner.
func (mc *MarketCollector) Collect(ctx context.Context) (map[string]models.Market, error) {
	log := mc.log.WithComponent("market_collector")
	log.Info("collecting market snapshots")

	markets := make(map[string]models.Market)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case rec, ok := <-mc.channels.RawMarkets:
			if !ok {
				return mc.finish(markets)
			}
			mc.total++
			if err := validateMarket(rec); err != nil {
				mc.rejected++
				log.WithError(err).WithFields(logger.Fields{"market_id": rec.MarketID}).Warn("rejected market record")
				continue
			}
			candidate := models.Market(rec)
			current, seen := markets[rec.MarketID]
			if !seen || preferMarket(candidate, current) {
				markets[rec.MarketID] = candidate
			}
		}
	}
}

func (mc *MarketCollector) finish(markets map[string]models.Market) (map[string]models.Market, error) {
	log := mc.log.WithComponent("market_collector").WithFields(logger.Fields{
		"records":  mc.total,
		"rejected": mc.rejected,
		"markets":  len(markets),
	})

	if mc.total > 0 {
		ratio := float64(mc.rejected) / float64(mc.total)
		if ratio > mc.config.Dedup.MaxRejectionRate {
			return nil, fmt.Errorf("market rejection rate %.4f exceeds limit %.4f", ratio, mc.config.Dedup.MaxRejectionRate)
		}
	}

	logger.IncrementStageRecords("market_collector", len(markets))
	log.Info("market collection finished")
	return markets, nil
}

func validateMarket(rec models.RawMarketRecord) error {
	if rec.MarketID == "" {
		return fmt.Errorf("missing market_id")
	}
	if rec.ResolvedLabel == "" && !rec.ResolutionTime.IsZero() {
		return fmt.Errorf("resolution_time present without resolved_label")
	}
	return nil
}

// preferMarket reports whether candidate should replace current.
func preferMarket(candidate, current models.Market) bool {
	if candidate.Resolved() != current.Resolved() {
		return candidate.Resolved()
	}
	return candidate.UpdatedAt.After(current.UpdatedAt)
}
