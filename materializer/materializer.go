package materializer

import (
	"context"
	"fmt"
	"sync"
	"time"

	appconfig "traderflow/config"
	"traderflow/engine"
	"traderflow/internal/channel"
	"traderflow/logger"
	"traderflow/models"
)

// Materializer joins each trade's point-in-time stats with the trade itself
// and its now-known outcome into one flat feature row. Only trades whose own
// market has resolved become rows, because the outcome is the training
// label. All derived features use strictly-prior history, the same as-of
// discipline the stats themselves follow; nothing here recomputes a
// "current" aggregate.
type Materializer struct {
	config   *appconfig.Config
	taxonomy *appconfig.Taxonomy
	resolver *engine.Resolver
	channels *channel.Channels
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log
	done     chan struct{}
}

func NewMaterializer(cfg *appconfig.Config, taxonomy *appconfig.Taxonomy, resolver *engine.Resolver, channels *channel.Channels) *Materializer {
	log := logger.GetLogger()

	m := &Materializer{
		config:   cfg,
		taxonomy: taxonomy,
		resolver: resolver,
		channels: channels,
		wg:       &sync.WaitGroup{},
		log:      log,
		done:     make(chan struct{}),
	}

	log.WithComponent("materializer").WithFields(logger.Fields{
		"max_workers":         cfg.Materializer.MaxWorkers,
		"min_resolved_trades": cfg.Materializer.MinResolvedTrades,
	}).Info("materializer initialized")

	return m
}

func (m *Materializer) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("materializer already running")
	}
	m.running = true
	m.ctx = ctx
	m.mu.Unlock()

	log := m.log.WithComponent("materializer").WithFields(logger.Fields{"operation": "start"})
	log.Info("starting materializer")

	numWorkers := m.config.Materializer.MaxWorkers
	if numWorkers < 1 {
		numWorkers = 1
	}

	for i := 0; i < numWorkers; i++ {
		m.wg.Add(1)
		go m.worker(i)
	}

	go func() {
		m.wg.Wait()
		m.channels.CloseFeatures()
		close(m.done)
	}()

	log.WithFields(logger.Fields{"workers": numWorkers}).Info("materializer started successfully")
	return nil
}

func (m *Materializer) Wait() {
	<-m.done
}

func (m *Materializer) Stop() {
	m.mu.Lock()
	m.running = false
	m.mu.Unlock()

	m.log.WithComponent("materializer").Info("stopping materializer")
	m.wg.Wait()
	m.log.WithComponent("materializer").Info("materializer stopped")
}

func (m *Materializer) worker(workerID int) {
	defer m.wg.Done()

	log := m.log.WithComponent("materializer").WithFields(logger.Fields{
		"worker_id": workerID,
		"worker":    "materializer",
	})

	log.Info("starting materializer worker")

	for {
		select {
		case <-m.ctx.Done():
			log.Info("worker stopped due to context cancellation")
			return
		case batch, ok := <-m.channels.StatCopies:
			if !ok {
				log.Info("stat channel closed, worker stopping")
				return
			}
			features := m.Materialize(batch)
			if features.RecordCount == 0 {
				continue
			}
			if !m.channels.SendFeatureBatch(m.ctx, features) {
				return
			}
			logger.IncrementStageRecords("materializer", features.RecordCount)
		}
	}
}

// Materialize turns one wallet's stat batch into feature rows. Trades and
// Stats are aligned by index; the batch carries the wallet's full sorted
// history, so prior-history features come from earlier indices alone.
func (m *Materializer) Materialize(batch models.StatBatch) models.FeatureBatch {
	rows := make([]models.FeatureRow, 0, len(batch.Trades))

	var sizeSum float64
	seqByMarket := make(map[string]int32)

	for i, trade := range batch.Trades {
		stat := batch.Stats[i]
		seqByMarket[trade.MarketID]++

		relativeSize := 1.0
		if i > 0 && sizeSum > 0 {
			relativeSize = trade.Size / (sizeSum / float64(i))
		}
		sizeSum += trade.Size

		res, resolved := m.resolver.Resolve(trade)
		if !resolved {
			continue
		}
		if !m.enoughHistory(stat) {
			continue
		}

		outcome := models.OutcomeLost
		if res.Won {
			outcome = models.OutcomeWon
		}

		niche := m.taxonomy.Niche("")
		structure := m.taxonomy.BetStructure("")
		if market, ok := m.resolver.Market(trade.MarketID); ok {
			niche = m.taxonomy.Niche(market.Niche)
			structure = m.taxonomy.BetStructure(market.BetStructure)
		}

		rows = append(rows, models.FeatureRow{
			TradeKey:          trade.Key(),
			Wallet:            trade.Wallet,
			MarketID:          trade.MarketID,
			Side:              trade.Side,
			Price:             trade.Price,
			Size:              trade.Size,
			Timestamp:         trade.Timestamp,
			Niche:             niche,
			BetStructure:      structure,
			PriceBracket:      m.taxonomy.PriceBracketLabel(trade.Price),
			Outcome:           outcome,
			RelativeSize:      relativeSize,
			PositionSeq:       seqByMarket[trade.MarketID],
			HoursToResolution: res.At.Sub(trade.Timestamp).Hours(),
			Stat:              stat,
		})
	}

	return models.FeatureBatch{
		BatchID:     batch.BatchID,
		Wallet:      batch.Wallet,
		Rows:        rows,
		RecordCount: len(rows),
		Timestamp:   time.Now().UTC(),
	}
}

// enoughHistory applies the minimum-history filter on the overall lifetime
// resolved count.
func (m *Materializer) enoughHistory(stat models.PointInTimeStat) bool {
	min := m.config.Materializer.MinResolvedTrades
	if min <= 0 {
		return true
	}
	slice := stat.Slice(models.DimOverall)
	if slice == nil {
		return false
	}
	return slice.Windows[models.WindowLifetime].ResolvedCount >= min
}
