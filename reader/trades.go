package reader

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	appconfig "traderflow/config"
	"traderflow/internal/channel"
	"traderflow/logger"
	"traderflow/models"
)

// maxLineBytes bounds a single NDJSON line. Trade records are small; anything
// near this size is corrupt.
const maxLineBytes = 1 << 20

// TradeReader streams the trade snapshot feed into the raw trade channel.
// Lines that do not decode are counted as schema violations; the batch aborts
// when violations exceed the configured rejection rate.
type TradeReader struct {
	config   *appconfig.Config
	channels *channel.Channels
	source   objectSource
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log

	lines      int64
	violations int64
	err        error
	done       chan struct{}
}

func NewTradeReader(cfg *appconfig.Config, channels *channel.Channels) (*TradeReader, error) {
	log := logger.GetLogger()

	source, err := sourceFor(cfg, "trades")
	if err != nil {
		return nil, err
	}

	reader := &TradeReader{
		config:   cfg,
		channels: channels,
		source:   source,
		wg:       &sync.WaitGroup{},
		log:      log,
		done:     make(chan struct{}),
	}

	log.WithComponent("trade_reader").WithFields(logger.Fields{
		"source":      cfg.Reader.Source,
		"max_workers": cfg.Reader.MaxWorkers,
	}).Info("trade reader initialized")

	return reader, nil
}

// Start lists the trade snapshot objects and begins streaming them. The raw
// trade channel is closed once every object has been consumed.
func (tr *TradeReader) Start(ctx context.Context) error {
	tr.mu.Lock()
	if tr.running {
		tr.mu.Unlock()
		return fmt.Errorf("trade reader already running")
	}
	tr.running = true
	tr.ctx = ctx
	tr.mu.Unlock()

	log := tr.log.WithComponent("trade_reader").WithFields(logger.Fields{"operation": "start"})

	keys, err := tr.source.List(ctx)
	if err != nil {
		tr.fail(err)
		tr.channels.CloseRawTrades()
		close(tr.done)
		return err
	}

	log.WithFields(logger.Fields{"objects": len(keys)}).Info("starting trade reader")

	keyCh := make(chan string, len(keys))
	for _, key := range keys {
		keyCh <- key
	}
	close(keyCh)

	numWorkers := tr.config.Reader.MaxWorkers
	if numWorkers < 1 {
		numWorkers = 1
	}
	for i := 0; i < numWorkers; i++ {
		tr.wg.Add(1)
		go tr.worker(i, keyCh)
	}

	go func() {
		tr.wg.Wait()
		tr.finish()
		tr.channels.CloseRawTrades()
		close(tr.done)
	}()

	log.Info("trade reader started successfully")
	return nil
}

// Wait blocks until every snapshot object has been consumed and returns the
// first fatal error, if any.
func (tr *TradeReader) Wait() error {
	<-tr.done
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return tr.err
}

func (tr *TradeReader) Stop() {
	tr.mu.Lock()
	tr.running = false
	tr.mu.Unlock()

	tr.log.WithComponent("trade_reader").Info("stopping trade reader")
	tr.wg.Wait()
	tr.log.WithComponent("trade_reader").Info("trade reader stopped")
}

func (tr *TradeReader) worker(workerID int, keys <-chan string) {
	defer tr.wg.Done()

	log := tr.log.WithComponent("trade_reader").WithFields(logger.Fields{
		"worker_id": workerID,
		"worker":    "trade_reader",
	})

	log.Info("starting trade reader worker")

	for {
		select {
		case <-tr.ctx.Done():
			log.Info("worker stopped due to context cancellation")
			return
		case key, ok := <-keys:
			if !ok {
				return
			}
			start := time.Now()
			if err := tr.readObject(key); err != nil {
				log.WithError(err).WithFields(logger.Fields{"key": key}).Error("failed to read trade snapshot object")
				tr.fail(err)
				return
			}
			logger.LogPerformanceEntry(log, "trade_reader", "read_object", time.Since(start), logger.Fields{
				"key": key,
			})
		}
	}
}

func (tr *TradeReader) readObject(key string) error {
	body, err := tr.source.Open(tr.ctx, key)
	if err != nil {
		return err
	}
	defer body.Close()

	log := tr.log.WithComponent("trade_reader").WithFields(logger.Fields{"key": key})

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	sent := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		atomic.AddInt64(&tr.lines, 1)

		var rec models.RawTradeRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			atomic.AddInt64(&tr.violations, 1)
			log.WithError(err).Warn("undecodable trade line")
			continue
		}

		if !tr.channels.SendRawTrade(tr.ctx, rec) {
			return tr.ctx.Err()
		}
		sent++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to scan %s: %w", key, err)
	}

	logger.IncrementStageRecords("trade_reader", sent)
	logger.LogDataFlowEntry(log, key, "raw_trade_channel", sent, "trade_records")
	return nil
}

// finish runs after all workers drain. A violation share above the configured
// rejection rate means the upstream export is broken, not merely noisy, so the
// whole batch aborts.
func (tr *TradeReader) finish() {
	lines := atomic.LoadInt64(&tr.lines)
	violations := atomic.LoadInt64(&tr.violations)

	log := tr.log.WithComponent("trade_reader").WithFields(logger.Fields{
		"lines":      lines,
		"violations": violations,
	})

	if lines > 0 {
		ratio := float64(violations) / float64(lines)
		if ratio > tr.config.Dedup.MaxRejectionRate {
			tr.fail(fmt.Errorf("trade feed rejection rate %.4f exceeds limit %.4f", ratio, tr.config.Dedup.MaxRejectionRate))
			return
		}
	}

	log.Info("trade reader finished")
}

func (tr *TradeReader) fail(err error) {
	if err == nil {
		return
	}
	tr.mu.Lock()
	if tr.err == nil {
		tr.err = err
	}
	tr.mu.Unlock()
}

// Violations reports how many feed lines failed to decode.
func (tr *TradeReader) Violations() int64 {
	return atomic.LoadInt64(&tr.violations)
}

// Lines reports how many feed lines were observed.
func (tr *TradeReader) Lines() int64 {
	return atomic.LoadInt64(&tr.lines)
}
