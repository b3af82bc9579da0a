package channel

import (
	"context"
	"sync"
	"time"

	"traderflow/logger"
	"traderflow/models"
)

type ChannelStats struct {
	RawTradesSent   int64
	RawMarketsSent  int64
	PartitionsSent  int64
	StatBatchesSent int64
	FeatureRowsSent int64
}

// Channels wires the pipeline stages together. Sends block until the
// downstream stage drains the buffer so no record is ever dropped; a
// cancelled context is the only way out.
type Channels struct {
	RawTrades  chan models.RawTradeRecord
	RawMarkets chan models.RawMarketRecord
	Partitions chan models.WalletHistory
	Stats      chan models.StatBatch
	StatCopies chan models.StatBatch
	Features   chan models.FeatureBatch

	stats               ChannelStats
	statsMutex          sync.RWMutex
	log                 *logger.Log
	metricsReportTicker *time.Ticker
}

func NewChannels(rawBufferSize, partitionBufferSize, statsBufferSize, featureBufferSize int) *Channels {
	log := logger.GetLogger()

	c := &Channels{
		RawTrades:  make(chan models.RawTradeRecord, rawBufferSize),
		RawMarkets: make(chan models.RawMarketRecord, rawBufferSize),
		Partitions: make(chan models.WalletHistory, partitionBufferSize),
		Stats:      make(chan models.StatBatch, statsBufferSize),
		StatCopies: make(chan models.StatBatch, statsBufferSize),
		Features:   make(chan models.FeatureBatch, featureBufferSize),
		log:        log,
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"raw_buffer_size":       rawBufferSize,
		"partition_buffer_size": partitionBufferSize,
		"stats_buffer_size":     statsBufferSize,
		"feature_buffer_size":   featureBufferSize,
	}).Info("channels initialized")

	return c
}

func (c *Channels) StartMetricsReporting(ctx context.Context) {
	c.metricsReportTicker = time.NewTicker(30 * time.Second)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.metricsReportTicker.Stop()
				return
			case <-c.metricsReportTicker.C:
				c.logChannelStats(c.log)
			}
		}
	}()
}

func (c *Channels) logChannelStats(log *logger.Log) {
	c.statsMutex.RLock()
	stats := c.stats
	c.statsMutex.RUnlock()

	log.WithComponent("channels").WithFields(logger.Fields{
		"raw_trades_sent":      stats.RawTradesSent,
		"raw_markets_sent":     stats.RawMarketsSent,
		"partitions_sent":      stats.PartitionsSent,
		"stat_batches_sent":    stats.StatBatchesSent,
		"feature_rows_sent":    stats.FeatureRowsSent,
		"raw_trades_len":       len(c.RawTrades),
		"raw_trades_cap":       cap(c.RawTrades),
		"raw_markets_len":      len(c.RawMarkets),
		"raw_markets_cap":      cap(c.RawMarkets),
		"partitions_len":       len(c.Partitions),
		"partitions_cap":       cap(c.Partitions),
		"stats_len":            len(c.Stats),
		"stats_cap":            cap(c.Stats),
		"stat_copies_len":      len(c.StatCopies),
		"features_len":         len(c.Features),
		"features_cap":         cap(c.Features),
	}).Info("channel statistics")
}

func (c *Channels) SendRawTrade(ctx context.Context, rec models.RawTradeRecord) bool {
	select {
	case c.RawTrades <- rec:
		c.increment(func(s *ChannelStats) { s.RawTradesSent++ })
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Channels) SendRawMarket(ctx context.Context, rec models.RawMarketRecord) bool {
	select {
	case c.RawMarkets <- rec:
		c.increment(func(s *ChannelStats) { s.RawMarketsSent++ })
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Channels) SendPartition(ctx context.Context, hist models.WalletHistory) bool {
	select {
	case c.Partitions <- hist:
		c.increment(func(s *ChannelStats) { s.PartitionsSent++ })
		return true
	case <-ctx.Done():
		return false
	}
}

// SendStatBatch delivers the batch to both the stat writer and the feature
// materializer. Both consumers must drain their channels or the engine
// workers stall.
func (c *Channels) SendStatBatch(ctx context.Context, batch models.StatBatch) bool {
	select {
	case c.Stats <- batch:
	case <-ctx.Done():
		return false
	}
	select {
	case c.StatCopies <- batch:
	case <-ctx.Done():
		return false
	}
	c.increment(func(s *ChannelStats) { s.StatBatchesSent++ })
	return true
}

func (c *Channels) SendFeatureBatch(ctx context.Context, batch models.FeatureBatch) bool {
	select {
	case c.Features <- batch:
		c.increment(func(s *ChannelStats) { s.FeatureRowsSent += int64(len(batch.Rows)) })
		return true
	case <-ctx.Done():
		return false
	}
}

// Per-stage close methods. Each stage closes its output once its input has
// been drained, so completion ripples down the pipeline.

func (c *Channels) CloseRawTrades() {
	close(c.RawTrades)
	c.log.WithComponent("channels").Info("raw trade channel closed")
}

func (c *Channels) CloseRawMarkets() {
	close(c.RawMarkets)
	c.log.WithComponent("channels").Info("raw market channel closed")
}

func (c *Channels) ClosePartitions() {
	close(c.Partitions)
	c.log.WithComponent("channels").Info("partition channel closed")
}

func (c *Channels) CloseStats() {
	close(c.Stats)
	close(c.StatCopies)
	c.log.WithComponent("channels").Info("stat channels closed")
}

func (c *Channels) CloseFeatures() {
	close(c.Features)
	c.log.WithComponent("channels").Info("feature channel closed")
}

func (c *Channels) increment(fn func(*ChannelStats)) {
	c.statsMutex.Lock()
	fn(&c.stats)
	c.statsMutex.Unlock()
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}
