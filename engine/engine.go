package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	appconfig "traderflow/config"
	"traderflow/internal/channel"
	"traderflow/logger"
	"traderflow/models"
)

// Engine computes point-in-time wallet statistics. Wallet partitions are
// independent, so a worker pool fans out over the partition channel with no
// shared mutable state beyond the read-only resolver and taxonomy.
type Engine struct {
	config     *appconfig.Config
	taxonomy   *appconfig.Taxonomy
	resolver   *Resolver
	channels   *channel.Channels
	classifier *classifier
	ctx        context.Context
	wg         *sync.WaitGroup
	mu         sync.RWMutex
	running    bool
	log        *logger.Log
	done       chan struct{}
}

func NewEngine(cfg *appconfig.Config, taxonomy *appconfig.Taxonomy, resolver *Resolver, channels *channel.Channels) *Engine {
	log := logger.GetLogger()

	e := &Engine{
		config:     cfg,
		taxonomy:   taxonomy,
		resolver:   resolver,
		channels:   channels,
		classifier: newClassifier(taxonomy, resolver),
		wg:         &sync.WaitGroup{},
		log:        log,
		done:       make(chan struct{}),
	}

	log.WithComponent("stats_engine").WithFields(logger.Fields{
		"max_workers":      cfg.Engine.MaxWorkers,
		"policy":           cfg.Engine.Resolution.Policy,
		"taxonomy_version": taxonomy.Version,
	}).Info("stats engine initialized")

	return e
}

// Start launches the worker pool. The stat channels close once every wallet
// partition has been processed.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("stats engine already running")
	}
	e.running = true
	e.ctx = ctx
	e.mu.Unlock()

	log := e.log.WithComponent("stats_engine").WithFields(logger.Fields{"operation": "start"})
	log.Info("starting stats engine")

	numWorkers := e.config.Engine.MaxWorkers
	if numWorkers < 1 {
		numWorkers = 1
	}

	for i := 0; i < numWorkers; i++ {
		e.wg.Add(1)
		go e.worker(i)
	}

	go func() {
		e.wg.Wait()
		e.channels.CloseStats()
		close(e.done)
	}()

	log.WithFields(logger.Fields{"workers": numWorkers}).Info("stats engine started successfully")
	return nil
}

// Wait blocks until every partition has been processed.
func (e *Engine) Wait() {
	<-e.done
}

func (e *Engine) Stop() {
	e.mu.Lock()
	e.running = false
	e.mu.Unlock()

	e.log.WithComponent("stats_engine").Info("stopping stats engine")
	e.wg.Wait()
	e.log.WithComponent("stats_engine").Info("stats engine stopped")
}

func (e *Engine) worker(workerID int) {
	defer e.wg.Done()

	log := e.log.WithComponent("stats_engine").WithFields(logger.Fields{
		"worker_id": workerID,
		"worker":    "stats_engine",
	})

	log.Info("starting stats engine worker")

	for {
		select {
		case <-e.ctx.Done():
			log.Info("worker stopped due to context cancellation")
			return
		case hist, ok := <-e.channels.Partitions:
			if !ok {
				log.Info("partition channel closed, worker stopping")
				return
			}
			start := time.Now()
			batch := e.ComputeWallet(hist)
			logger.LogPerformanceEntry(log, "stats_engine", "compute_wallet", time.Since(start), logger.Fields{
				"wallet": hist.Wallet,
				"trades": len(hist.Trades),
			})
			if !e.channels.SendStatBatch(e.ctx, batch) {
				return
			}
			logger.IncrementStageRecords("stats_engine", batch.RecordCount)
		}
	}
}

// ComputeWallet produces one stat snapshot per trade in the partition. The
// partition's trades must already be sorted by (timestamp, key).
//
// Each dimension is handled by grouping the wallet's trades into
// subsequences sharing a slice value and running the as-of sweep inside each
// subsequence; a subsequence of a sorted sequence stays sorted, so the sweep
// preconditions hold. The overall dimension is a single group.
func (e *Engine) ComputeWallet(hist models.WalletHistory) models.StatBatch {
	n := len(hist.Trades)
	resolve := e.resolver.Resolve

	stats := make([]models.PointInTimeStat, n)
	for i, trade := range hist.Trades {
		stats[i] = models.PointInTimeStat{
			TradeKey:        trade.Key(),
			Wallet:          hist.Wallet,
			AsOf:            trade.Timestamp,
			TaxonomyVersion: e.taxonomy.Version,
		}
	}

	for _, dimension := range dimensions() {
		groups := make(map[string][]int)
		values := make([]string, n)
		for i, trade := range hist.Trades {
			v := e.classifier.value(trade, dimension)
			values[i] = v
			groups[v] = append(groups[v], i)
		}

		for value, indices := range groups {
			sub := make([]models.Trade, len(indices))
			for k, idx := range indices {
				sub[k] = hist.Trades[idx]
			}
			totals := asOfSweep(sub, resolve)

			windows := models.Windows()
			for k, idx := range indices {
				agg := make(map[models.Window]models.WindowAggregate, len(windows))
				for w, window := range windows {
					agg[window] = buildAggregate(totals[k][w], e.config.Engine.NeutralWinRate, e.config.Engine.Confidence)
				}
				stats[idx].Slices = append(stats[idx].Slices, models.SliceStats{
					Dimension: dimension,
					Value:     value,
					Windows:   agg,
				})
			}
		}
	}

	return models.StatBatch{
		BatchID:     uuid.New().String(),
		Wallet:      hist.Wallet,
		Trades:      hist.Trades,
		Stats:       stats,
		RecordCount: n,
		ComputedAt:  time.Now().UTC(),
	}
}
