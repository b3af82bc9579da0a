package engine

import (
	appconfig "traderflow/config"
	"traderflow/models"
)

// classifier assigns each trade its value in every stat dimension. Niche and
// bet structure come from the trade's market through the versioned taxonomy;
// the price bracket comes from the entry price alone.
type classifier struct {
	taxonomy *appconfig.Taxonomy
	resolver *Resolver
}

func newClassifier(taxonomy *appconfig.Taxonomy, resolver *Resolver) *classifier {
	return &classifier{taxonomy: taxonomy, resolver: resolver}
}

// dimensions lists the stat dimensions in output order.
func dimensions() []string {
	return []string{
		models.DimOverall,
		models.DimNiche,
		models.DimBetStructure,
		models.DimPriceBracket,
	}
}

// value returns the trade's slice value in the given dimension. The overall
// dimension has a single empty-valued slice.
func (c *classifier) value(trade models.Trade, dimension string) string {
	switch dimension {
	case models.DimNiche:
		if market, ok := c.resolver.Market(trade.MarketID); ok {
			return c.taxonomy.Niche(market.Niche)
		}
		return c.taxonomy.Niche("")
	case models.DimBetStructure:
		if market, ok := c.resolver.Market(trade.MarketID); ok {
			return c.taxonomy.BetStructure(market.BetStructure)
		}
		return c.taxonomy.BetStructure("")
	case models.DimPriceBracket:
		return c.taxonomy.PriceBracketLabel(trade.Price)
	default:
		return ""
	}
}

// confidenceTier buckets a resolved-trade count so consumers can discount
// statistics backed by thin history.
func confidenceTier(count int64, cfg appconfig.ConfidenceConfig) string {
	switch {
	case count >= cfg.High:
		return models.ConfidenceHigh
	case count >= cfg.Medium:
		return models.ConfidenceMedium
	case count >= cfg.Low:
		return models.ConfidenceLow
	default:
		return models.ConfidenceInsufficient
	}
}

// buildAggregate turns raw window totals into the published aggregate. An
// empty window gets the neutral win rate and zero ROI rather than NaN.
func buildAggregate(t windowTotals, neutralWinRate float64, conf appconfig.ConfidenceConfig) models.WindowAggregate {
	agg := models.WindowAggregate{
		ResolvedCount: t.count,
		WinCount:      t.wins,
		WinRate:       neutralWinRate,
		TotalPnl:      t.pnl,
		TotalInvested: t.invested,
		Confidence:    confidenceTier(t.count, conf),
	}
	if t.count > 0 {
		agg.WinRate = float64(t.wins) / float64(t.count)
	}
	if t.invested > 0 {
		agg.ROI = t.pnl / t.invested
	}
	return agg
}
