package writer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"traderflow/aggregate"
	appconfig "traderflow/config"
	"traderflow/internal/channel"
	"traderflow/logger"
	"traderflow/models"
)

// StatWriter drains stat batches into the staging table and folds each
// wallet's history into the dashboard aggregator. The store is nil when
// Postgres is disabled; batches are still consumed so the engine never
// stalls on a full channel.
type statWriter struct {
	config     *appconfig.Config
	channels   *channel.Channels
	store      *StatStore
	aggregator *aggregate.Aggregator
	ctx        context.Context
	wg         *sync.WaitGroup
	mu         sync.RWMutex
	running    bool
	log        *logger.Log
	batches    int64
	failed     atomic.Bool
	firstErr   error
	errMu      sync.Mutex
	done       chan struct{}
}

// StatWriter is an exported alias for statWriter allowing external packages
// to interact with the writer while keeping the underlying implementation
// private.
type StatWriter = statWriter

func NewStatWriter(cfg *appconfig.Config, channels *channel.Channels, store *StatStore, aggregator *aggregate.Aggregator) *StatWriter {
	return &statWriter{
		config:     cfg,
		channels:   channels,
		store:      store,
		aggregator: aggregator,
		wg:         &sync.WaitGroup{},
		log:        logger.GetLogger(),
		done:       make(chan struct{}),
	}
}

func (w *statWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("stat writer is already running")
	}
	w.running = true
	w.ctx = ctx

	workers := w.config.Writer.MaxWorkers
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		w.wg.Add(1)
		go w.worker(i)
	}

	go func() {
		w.wg.Wait()
		close(w.done)
	}()

	w.log.WithFields(logger.Fields{
		"component": "stat_writer",
		"workers":   workers,
		"postgres":  w.store != nil,
	}).Info("Starting stat writer")
	return nil
}

func (w *statWriter) worker(workerID int) {
	defer w.wg.Done()

	for batch := range w.channels.Stats {
		if err := w.writeBatch(batch); err != nil {
			w.fail(fmt.Errorf("worker %d: %w", workerID, err))
			continue
		}
		atomic.AddInt64(&w.batches, 1)
		logger.IncrementStageRecords("stat_writer", len(batch.Stats))
	}
}

func (w *statWriter) writeBatch(batch models.StatBatch) error {
	if w.store != nil {
		if err := w.store.WriteStatBatch(w.ctx, batch); err != nil {
			return err
		}
	}
	w.aggregator.Accumulate(batch.Wallet, batch.Trades)
	return nil
}

func (w *statWriter) fail(err error) {
	w.errMu.Lock()
	if w.firstErr == nil {
		w.firstErr = err
	}
	w.errMu.Unlock()

	if w.failed.CompareAndSwap(false, true) {
		w.log.WithComponent("stat_writer").WithError(err).Error("Stat write failed")
	}
}

// Wait blocks until the stats channel is closed and drained.
func (w *statWriter) Wait() error {
	<-w.done
	w.errMu.Lock()
	defer w.errMu.Unlock()
	return w.firstErr
}

// Batches reports how many stat batches were written.
func (w *statWriter) Batches() int64 {
	return atomic.LoadInt64(&w.batches)
}
