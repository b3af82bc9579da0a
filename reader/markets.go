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

// MarketReader streams the market snapshot feed into the raw market channel.
type MarketReader struct {
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

func NewMarketReader(cfg *appconfig.Config, channels *channel.Channels) (*MarketReader, error) {
	log := logger.GetLogger()

	source, err := sourceFor(cfg, "markets")
	if err != nil {
		return nil, err
	}

	reader := &MarketReader{
		config:   cfg,
		channels: channels,
		source:   source,
		wg:       &sync.WaitGroup{},
		log:      log,
		done:     make(chan struct{}),
	}

	log.WithComponent("market_reader").WithFields(logger.Fields{
		"source":      cfg.Reader.Source,
		"max_workers": cfg.Reader.MaxWorkers,
	}).Info("market reader initialized")

	return reader, nil
}

func (mr *MarketReader) Start(ctx context.Context) error {
	mr.mu.Lock()
	if mr.running {
		mr.mu.Unlock()
		return fmt.Errorf("market reader already running")
	}
	mr.running = true
	mr.ctx = ctx
	mr.mu.Unlock()

	log := mr.log.WithComponent("market_reader").WithFields(logger.Fields{"operation": "start"})

	keys, err := mr.source.List(ctx)
	if err != nil {
		mr.fail(err)
		mr.channels.CloseRawMarkets()
		close(mr.done)
		return err
	}

	log.WithFields(logger.Fields{"objects": len(keys)}).Info("starting market reader")

	keyCh := make(chan string, len(keys))
	for _, key := range keys {
		keyCh <- key
	}
	close(keyCh)

	numWorkers := mr.config.Reader.MaxWorkers
	if numWorkers < 1 {
		numWorkers = 1
	}
	for i := 0; i < numWorkers; i++ {
		mr.wg.Add(1)
		go mr.worker(i, keyCh)
	}

	go func() {
		mr.wg.Wait()
		mr.finish()
		mr.channels.CloseRawMarkets()
		close(mr.done)
	}()

	log.Info("market reader started successfully")
	return nil
}

func (mr *MarketReader) Wait() error {
	<-mr.done
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	return mr.err
}

func (mr *MarketReader) Stop() {
	mr.mu.Lock()
	mr.running = false
	mr.mu.Unlock()

	mr.log.WithComponent("market_reader").Info("stopping market reader")
	mr.wg.Wait()
	mr.log.WithComponent("market_reader").Info("market reader stopped")
}

func (mr *MarketReader) worker(workerID int, keys <-chan string) {
	defer mr.wg.Done()

	log := mr.log.WithComponent("market_reader").WithFields(logger.Fields{
		"worker_id": workerID,
		"worker":    "market_reader",
	})

	log.Info("starting market reader worker")

	for {
		select {
		case <-mr.ctx.Done():
			log.Info("worker stopped due to context cancellation")
			return
		case key, ok := <-keys:
			if !ok {
				return
			}
			start := time.Now()
			if err := mr.readObject(key); err != nil {
				log.WithError(err).WithFields(logger.Fields{"key": key}).Error("failed to read market snapshot object")
				mr.fail(err)
				return
			}
			logger.LogPerformanceEntry(log, "market_reader", "read_object", time.Since(start), logger.Fields{
				"key": key,
			})
		}
	}
}

func (mr *MarketReader) readObject(key string) error {
	body, err := mr.source.Open(mr.ctx, key)
	if err != nil {
		return err
	}
	defer body.Close()

	log := mr.log.WithComponent("market_reader").WithFields(logger.Fields{"key": key})

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	sent := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		atomic.AddInt64(&mr.lines, 1)

		var rec models.RawMarketRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			atomic.AddInt64(&mr.violations, 1)
			log.WithError(err).Warn("undecodable market line")
			continue
		}

		if !mr.channels.SendRawMarket(mr.ctx, rec) {
			return mr.ctx.Err()
		}
		sent++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to scan %s: %w", key, err)
	}

	logger.IncrementStageRecords("market_reader", sent)
	logger.LogDataFlowEntry(log, key, "raw_market_channel", sent, "market_records")
	return nil
}

func (mr *MarketReader) finish() {
	lines := atomic.LoadInt64(&mr.lines)
	violations := atomic.LoadInt64(&mr.violations)

	log := mr.log.WithComponent("market_reader").WithFields(logger.Fields{
		"lines":      lines,
		"violations": violations,
	})

	if lines > 0 {
		ratio := float64(violations) / float64(lines)
		if ratio > mr.config.Dedup.MaxRejectionRate {
			mr.fail(fmt.Errorf("market feed rejection rate %.4f exceeds limit %.4f", ratio, mr.config.Dedup.MaxRejectionRate))
			return
		}
	}

	log.Info("market reader finished")
}

func (mr *MarketReader) fail(err error) {
	if err == nil {
		return
	}
	mr.mu.Lock()
	if mr.err == nil {
		mr.err = err
	}
	mr.mu.Unlock()
}

func (mr *MarketReader) Violations() int64 {
	return atomic.LoadInt64(&mr.violations)
}

func (mr *MarketReader) Lines() int64 {
	return atomic.LoadInt64(&mr.lines)
}
