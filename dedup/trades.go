package dedup

import (
	"context"
	"fmt"
	"sort"
	"time"

	appconfig "traderflow/config"
	"traderflow/internal/channel"
	"traderflow/logger"
	"traderflow/models"
)

// tradeKey is the natural identity of a fill. The surrogate id is excluded on
// purpose: repeated ingestion runs assign fresh surrogate ids to the same
// fill.
type tradeKey struct {
	Wallet    string
	MarketID  string
	Timestamp time.Time
	Side      string
	TxHash    string
	OrderHash string
}

func keyOf(rec models.RawTradeRecord) tradeKey {
	return tradeKey{
		Wallet:    rec.Wallet,
		MarketID:  rec.MarketID,
		Timestamp: rec.Timestamp.UTC(),
		Side:      rec.Side,
		TxHash:    rec.TxHash,
		OrderHash: rec.OrderHash,
	}
}

// Partitioner drains the raw trade feed, deduplicates it, and emits one
// WalletHistory per wallet sorted by (timestamp, key). Among duplicates the
// smallest surrogate id survives so repeated runs produce identical output.
type Partitioner struct {
	config   *appconfig.Config
	channels *channel.Channels
	log      *logger.Log

	total      int64
	rejected   int64
	duplicates int64

	histories []models.WalletHistory
}

func NewPartitioner(cfg *appconfig.Config, channels *channel.Channels) *Partitioner {
	return &Partitioner{
		config:   cfg,
		channels: channels,
		log:      logger.GetLogger(),
	}
}

// Collect blocks until the raw trade channel closes, then builds wallet
// partitions in ascending wallet order and returns the earliest trade
// timestamp per market, which the engine uses for resolution-time integrity
// checks. Emit sends the partitions downstream; keeping the two apart lets
// the caller construct the resolver before the engine starts consuming.
func (p *Partitioner) Collect(ctx context.Context) (map[string]time.Time, error) {
	log := p.log.WithComponent("partitioner")
	log.Info("collecting trade snapshots")

	seen := make(map[tradeKey]models.Trade)

	for {
		select {
		case <-ctx.Done():
			p.channels.ClosePartitions()
			return nil, ctx.Err()
		case rec, ok := <-p.channels.RawTrades:
			if !ok {
				return p.finish(ctx, seen)
			}
			p.total++
			if err := validateTrade(rec); err != nil {
				p.rejected++
				log.WithError(err).WithFields(logger.Fields{"trade_id": rec.ID}).Warn("rejected trade record")
				continue
			}
			trade := models.Trade(rec)
			trade.Timestamp = trade.Timestamp.UTC()
			key := keyOf(rec)
			if existing, dup := seen[key]; dup {
				p.duplicates++
				if trade.ID < existing.ID {
					seen[key] = trade
				}
				continue
			}
			seen[key] = trade
		}
	}
}

func (p *Partitioner) finish(ctx context.Context, seen map[tradeKey]models.Trade) (map[string]time.Time, error) {
	log := p.log.WithComponent("partitioner").WithFields(logger.Fields{
		"records":    p.total,
		"rejected":   p.rejected,
		"duplicates": p.duplicates,
		"trades":     len(seen),
	})

	if p.total > 0 {
		ratio := float64(p.rejected) / float64(p.total)
		if ratio > p.config.Dedup.MaxRejectionRate {
			p.channels.ClosePartitions()
			return nil, fmt.Errorf("trade rejection rate %.4f exceeds limit %.4f", ratio, p.config.Dedup.MaxRejectionRate)
		}
	}

	firstTradeAt := make(map[string]time.Time)
	byWallet := make(map[string][]models.Trade)
	for _, trade := range seen {
		byWallet[trade.Wallet] = append(byWallet[trade.Wallet], trade)
		if first, ok := firstTradeAt[trade.MarketID]; !ok || trade.Timestamp.Before(first) {
			firstTradeAt[trade.MarketID] = trade.Timestamp
		}
	}

	wallets := make([]string, 0, len(byWallet))
	for wallet := range byWallet {
		wallets = append(wallets, wallet)
	}
	sort.Strings(wallets)

	p.histories = make([]models.WalletHistory, 0, len(wallets))
	for _, wallet := range wallets {
		trades := byWallet[wallet]
		sort.Slice(trades, func(i, j int) bool {
			if !trades[i].Timestamp.Equal(trades[j].Timestamp) {
				return trades[i].Timestamp.Before(trades[j].Timestamp)
			}
			return trades[i].Key() < trades[j].Key()
		})
		p.histories = append(p.histories, models.WalletHistory{Wallet: wallet, Trades: trades})
	}

	logger.IncrementStageRecords("partitioner", len(seen))
	log.WithFields(logger.Fields{"wallets": len(wallets)}).Info("trade partitioning finished")
	return firstTradeAt, nil
}

// Wallets reports how many wallet partitions Collect produced.
func (p *Partitioner) Wallets() int {
	return len(p.histories)
}

// Emit streams the collected wallet partitions downstream and closes the
// partition channel. Must be called after Collect.
func (p *Partitioner) Emit(ctx context.Context) error {
	defer p.channels.ClosePartitions()
	for _, hist := range p.histories {
		if !p.channels.SendPartition(ctx, hist) {
			return ctx.Err()
		}
	}
	return nil
}

func validateTrade(rec models.RawTradeRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("missing id")
	}
	if rec.Wallet == "" {
		return fmt.Errorf("missing wallet")
	}
	if rec.MarketID == "" {
		return fmt.Errorf("missing market_id")
	}
	if rec.Side != models.SideBuy && rec.Side != models.SideSell {
		return fmt.Errorf("invalid side '%s'", rec.Side)
	}
	if rec.Price <= 0 || rec.Price >= 1 {
		return fmt.Errorf("price %.6f outside (0,1)", rec.Price)
	}
	if rec.Size < 0 {
		return fmt.Errorf("size %.6f must not be negative", rec.Size)
	}
	if rec.Timestamp.IsZero() {
		return fmt.Errorf("missing timestamp")
	}
	return nil
}
