package writer

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	parquetwriter "github.com/xitongsys/parquet-go/writer"

	appconfig "traderflow/config"
	"traderflow/internal/channel"
	"traderflow/logger"
	"traderflow/models"
)

// FeatureParquetRecord is the flat feature-table schema. The overall slice
// carries all three windows; dimensional slices carry their lifetime
// aggregates.
type FeatureParquetRecord struct {
	TradeKey     string  `parquet:"name=trade_key, type=BYTE_ARRAY, convertedtype=UTF8"`
	Wallet       string  `parquet:"name=wallet, type=BYTE_ARRAY, convertedtype=UTF8"`
	MarketID     string  `parquet:"name=market_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Side         string  `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price        float64 `parquet:"name=price, type=DOUBLE"`
	Size         float64 `parquet:"name=size, type=DOUBLE"`
	Timestamp    int64   `parquet:"name=timestamp, type=INT64"`
	Niche        string  `parquet:"name=niche, type=BYTE_ARRAY, convertedtype=UTF8"`
	BetStructure string  `parquet:"name=bet_structure, type=BYTE_ARRAY, convertedtype=UTF8"`
	PriceBracket string  `parquet:"name=price_bracket, type=BYTE_ARRAY, convertedtype=UTF8"`

	Outcome string `parquet:"name=outcome, type=BYTE_ARRAY, convertedtype=UTF8"`

	RelativeSize      float64 `parquet:"name=relative_size, type=DOUBLE"`
	PositionSeq       int32   `parquet:"name=position_seq, type=INT32"`
	HoursToResolution float64 `parquet:"name=hours_to_resolution, type=DOUBLE"`

	TaxonomyVersion string `parquet:"name=taxonomy_version, type=BYTE_ARRAY, convertedtype=UTF8"`

	LResolvedCount int64   `parquet:"name=l_resolved_count, type=INT64"`
	LWinCount      int64   `parquet:"name=l_win_count, type=INT64"`
	LWinRate       float64 `parquet:"name=l_win_rate, type=DOUBLE"`
	LTotalPnl      float64 `parquet:"name=l_total_pnl, type=DOUBLE"`
	LTotalInvested float64 `parquet:"name=l_total_invested, type=DOUBLE"`
	LROI           float64 `parquet:"name=l_roi, type=DOUBLE"`
	LConfidence    string  `parquet:"name=l_confidence, type=BYTE_ARRAY, convertedtype=UTF8"`

	D30ResolvedCount int64   `parquet:"name=d30_resolved_count, type=INT64"`
	D30WinCount      int64   `parquet:"name=d30_win_count, type=INT64"`
	D30WinRate       float64 `parquet:"name=d30_win_rate, type=DOUBLE"`
	D30TotalPnl      float64 `parquet:"name=d30_total_pnl, type=DOUBLE"`
	D30TotalInvested float64 `parquet:"name=d30_total_invested, type=DOUBLE"`
	D30ROI           float64 `parquet:"name=d30_roi, type=DOUBLE"`
	D30Confidence    string  `parquet:"name=d30_confidence, type=BYTE_ARRAY, convertedtype=UTF8"`

	D7ResolvedCount int64   `parquet:"name=d7_resolved_count, type=INT64"`
	D7WinCount      int64   `parquet:"name=d7_win_count, type=INT64"`
	D7WinRate       float64 `parquet:"name=d7_win_rate, type=DOUBLE"`
	D7TotalPnl      float64 `parquet:"name=d7_total_pnl, type=DOUBLE"`
	D7TotalInvested float64 `parquet:"name=d7_total_invested, type=DOUBLE"`
	D7ROI           float64 `parquet:"name=d7_roi, type=DOUBLE"`
	D7Confidence    string  `parquet:"name=d7_confidence, type=BYTE_ARRAY, convertedtype=UTF8"`

	NicheLResolvedCount        int64   `parquet:"name=niche_l_resolved_count, type=INT64"`
	NicheLWinRate              float64 `parquet:"name=niche_l_win_rate, type=DOUBLE"`
	NicheLROI                  float64 `parquet:"name=niche_l_roi, type=DOUBLE"`
	BetStructureLResolvedCount int64   `parquet:"name=bet_structure_l_resolved_count, type=INT64"`
	BetStructureLWinRate       float64 `parquet:"name=bet_structure_l_win_rate, type=DOUBLE"`
	BetStructureLROI           float64 `parquet:"name=bet_structure_l_roi, type=DOUBLE"`
	PriceBracketLResolvedCount int64   `parquet:"name=price_bracket_l_resolved_count, type=INT64"`
	PriceBracketLWinRate       float64 `parquet:"name=price_bracket_l_win_rate, type=DOUBLE"`
	PriceBracketLROI           float64 `parquet:"name=price_bracket_l_roi, type=DOUBLE"`
}

// FeatureWriter buffers feature rows and flushes them as parquet files to S3
// (hive-style keys) or a local directory.
type featureWriter struct {
	config      *appconfig.Config
	channels    *channel.Channels
	s3Client    *s3.Client
	ctx         context.Context
	wg          *sync.WaitGroup
	mu          sync.RWMutex
	running     bool
	log         *logger.Log
	buffer      map[string][]FeatureParquetRecord
	flushTicker *time.Ticker
	quit        chan struct{}
	done        chan struct{}
}

// FeatureWriter is an exported alias for featureWriter allowing external
// packages to interact with the writer while keeping the underlying
// implementation private.
type FeatureWriter = featureWriter

func NewFeatureWriter(cfg *appconfig.Config, channels *channel.Channels) (*FeatureWriter, error) {
	log := logger.GetLogger()

	w := &featureWriter{
		config:   cfg,
		channels: channels,
		wg:       &sync.WaitGroup{},
		log:      log,
		buffer:   make(map[string][]FeatureParquetRecord),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	if cfg.Storage.S3.Enabled {
		client, err := newS3Client(cfg)
		if err != nil {
			return nil, err
		}
		w.s3Client = client
	}

	log.WithComponent("feature_writer").WithFields(logger.Fields{
		"s3_enabled": cfg.Storage.S3.Enabled,
		"bucket":     cfg.Storage.S3.Bucket,
		"local_dir":  cfg.Writer.LocalDir,
	}).Info("feature writer initialized")

	return w, nil
}

func newS3Client(cfg *appconfig.Config) (*s3.Client, error) {
	ctx := context.Background()

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Storage.S3.Region),
	}
	if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Storage.S3.AccessKeyID,
				cfg.Storage.S3.SecretAccessKey,
				"",
			),
		))
	}

	awsConfig, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	creds, err := awsConfig.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	return s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Storage.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.S3.Endpoint)
		}
		o.UsePathStyle = cfg.Storage.S3.PathStyle
	}), nil
}

func (w *featureWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("feature writer already running")
	}
	w.running = true
	w.ctx = ctx
	w.mu.Unlock()

	log := w.log.WithComponent("feature_writer").WithFields(logger.Fields{"operation": "start"})
	log.Info("starting feature writer")

	w.flushTicker = time.NewTicker(w.config.Writer.FlushInterval)

	numWorkers := w.config.Writer.MaxWorkers
	if numWorkers < 1 {
		numWorkers = 1
	}

	for i := 0; i < numWorkers; i++ {
		w.wg.Add(1)
		go w.worker(i)
	}

	flushDone := make(chan struct{})
	go func() {
		w.flushWorker()
		close(flushDone)
	}()

	go func() {
		w.wg.Wait()
		w.flushTicker.Stop()
		close(w.quit)
		<-flushDone
		w.flushBuffers("completion")
		close(w.done)
	}()

	log.WithFields(logger.Fields{"workers": numWorkers}).Info("feature writer started successfully")
	return nil
}

// Wait blocks until the feature channel is drained and every buffer flushed.
func (w *featureWriter) Wait() {
	<-w.done
}

func (w *featureWriter) Stop() {
	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	w.log.WithComponent("feature_writer").Info("stopping feature writer")
	w.wg.Wait()
	w.log.WithComponent("feature_writer").Info("feature writer stopped")
}

func (w *featureWriter) worker(workerID int) {
	defer w.wg.Done()

	log := w.log.WithComponent("feature_writer").WithFields(logger.Fields{
		"worker_id": workerID,
		"worker":    "feature_writer",
	})

	log.Info("starting feature writer worker")

	for {
		select {
		case <-w.ctx.Done():
			log.Info("worker stopped due to context cancellation")
			return
		case batch, ok := <-w.channels.Features:
			if !ok {
				log.Info("feature channel closed, worker stopping")
				return
			}
			w.addBatch(batch)
		}
	}
}

func (w *featureWriter) flushWorker() {
	log := w.log.WithComponent("feature_writer").WithFields(logger.Fields{"worker": "flush"})
	log.Info("starting flush worker")

	for {
		select {
		case <-w.ctx.Done():
			log.Info("flush worker stopped due to context cancellation")
			return
		case <-w.quit:
			return
		case <-w.flushTicker.C:
			w.flushBuffers("interval")
		}
	}
}

func (w *featureWriter) addBatch(batch models.FeatureBatch) {
	w.mu.Lock()
	for _, row := range batch.Rows {
		rec := toParquetRecord(row)
		key := w.bufferKey(row)
		w.buffer[key] = append(w.buffer[key], rec)
	}
	size := 0
	for _, rows := range w.buffer {
		size += len(rows)
	}
	w.mu.Unlock()

	if size >= w.config.Writer.Batch.Size {
		w.flushBuffers("batch_size")
	}
}

// bufferKey groups rows into one output file per partition.
func (w *featureWriter) bufferKey(row models.FeatureRow) string {
	return fmt.Sprintf("%s|%s", row.Niche, row.Timestamp.UTC().Format("2006-01-02"))
}

func (w *featureWriter) flushBuffers(reason string) {
	w.mu.Lock()
	buffers := w.buffer
	w.buffer = make(map[string][]FeatureParquetRecord)
	w.mu.Unlock()

	if len(buffers) == 0 {
		return
	}

	w.log.WithComponent("feature_writer").WithFields(logger.Fields{
		"flushed_buffers": len(buffers),
		"reason":          reason,
	}).Info("flushing feature buffers")

	for key, rows := range buffers {
		if len(rows) == 0 {
			continue
		}
		parts := strings.SplitN(key, "|", 2)
		w.processPartition(parts[0], parts[1], rows)
	}
}

func (w *featureWriter) processPartition(niche, date string, rows []FeatureParquetRecord) {
	log := w.log.WithComponent("feature_writer").WithFields(logger.Fields{
		"niche":        niche,
		"date":         date,
		"record_count": len(rows),
		"operation":    "process_partition",
	})

	data, err := w.createParquetFile(rows)
	if err != nil {
		log.WithError(err).Error("failed to create parquet file")
		return
	}

	key := w.objectKey(niche, date)
	log = log.WithFields(logger.Fields{"key": key})

	if w.s3Client != nil {
		if err := w.uploadToS3(key, data); err != nil {
			log.WithError(err).
				WithEnv("S3_BUCKET").
				WithFields(logger.Fields{"bucket": w.config.Storage.S3.Bucket}).
				Error("failed to upload to S3")
			return
		}
	} else {
		path := filepath.Join(w.config.Writer.LocalDir, filepath.FromSlash(key))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			log.WithError(err).Error("failed to create output directory")
			return
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			log.WithError(err).Error("failed to write parquet file")
			return
		}
	}

	logger.IncrementStageRecords("feature_writer", len(rows))
	log.WithFields(logger.Fields{"file_size": len(data)}).Info("feature partition written")
}

func (w *featureWriter) objectKey(niche, date string) string {
	var parts []string
	parts = append(parts, "features")
	for _, k := range w.config.Writer.Partitioning.AdditionalKeys {
		if k == "niche" {
			parts = append(parts, fmt.Sprintf("niche=%s", niche))
		}
	}

	timeFormat := w.config.Writer.Partitioning.TimeFormat
	if timeFormat == "" {
		timeFormat = "date={year}-{month}-{day}"
	}
	ts, err := time.Parse("2006-01-02", date)
	if err != nil {
		ts = time.Now().UTC()
	}
	timePath := strings.ReplaceAll(timeFormat, "{year}", fmt.Sprintf("%04d", ts.Year()))
	timePath = strings.ReplaceAll(timePath, "{month}", fmt.Sprintf("%02d", ts.Month()))
	timePath = strings.ReplaceAll(timePath, "{day}", fmt.Sprintf("%02d", ts.Day()))
	parts = append(parts, timePath)

	filename := fmt.Sprintf("features_%s_%s.parquet", date, uuid.New().String())
	key := filepath.Join(append(parts, filename)...)
	return filepath.ToSlash(key)
}

func (w *featureWriter) createParquetFile(rows []FeatureParquetRecord) ([]byte, error) {
	fw := newMemoryFileWriter()

	pw, err := parquetwriter.NewParquetWriter(fw, new(FeatureParquetRecord), 4)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}

	switch w.config.Writer.Formats.Parquet.Compression {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}

	for _, rec := range rows {
		if err := pw.Write(rec); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}

	return fw.Bytes(), nil
}

func (w *featureWriter) uploadToS3(key string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(w.config.Storage.S3.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":       "parquet",
			"compression":        w.config.Writer.Formats.Parquet.Compression,
			"traderflow-version": w.config.Traderflow.Version,
		},
	}

	ctx := context.WithoutCancel(w.ctx)
	if _, err := w.s3Client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to upload to S3 bucket %s: %w", w.config.Storage.S3.Bucket, err)
	}
	return nil
}

func toParquetRecord(row models.FeatureRow) FeatureParquetRecord {
	rec := FeatureParquetRecord{
		TradeKey:          row.TradeKey,
		Wallet:            row.Wallet,
		MarketID:          row.MarketID,
		Side:              row.Side,
		Price:             row.Price,
		Size:              row.Size,
		Timestamp:         row.Timestamp.UnixMilli(),
		Niche:             row.Niche,
		BetStructure:      row.BetStructure,
		PriceBracket:      row.PriceBracket,
		Outcome:           row.Outcome,
		RelativeSize:      row.RelativeSize,
		PositionSeq:       row.PositionSeq,
		HoursToResolution: row.HoursToResolution,
		TaxonomyVersion:   row.Stat.TaxonomyVersion,
	}

	if slice := row.Stat.Slice(models.DimOverall); slice != nil {
		l := slice.Windows[models.WindowLifetime]
		rec.LResolvedCount, rec.LWinCount, rec.LWinRate = l.ResolvedCount, l.WinCount, l.WinRate
		rec.LTotalPnl, rec.LTotalInvested, rec.LROI, rec.LConfidence = l.TotalPnl, l.TotalInvested, l.ROI, l.Confidence

		d30 := slice.Windows[models.WindowD30]
		rec.D30ResolvedCount, rec.D30WinCount, rec.D30WinRate = d30.ResolvedCount, d30.WinCount, d30.WinRate
		rec.D30TotalPnl, rec.D30TotalInvested, rec.D30ROI, rec.D30Confidence = d30.TotalPnl, d30.TotalInvested, d30.ROI, d30.Confidence

		d7 := slice.Windows[models.WindowD7]
		rec.D7ResolvedCount, rec.D7WinCount, rec.D7WinRate = d7.ResolvedCount, d7.WinCount, d7.WinRate
		rec.D7TotalPnl, rec.D7TotalInvested, rec.D7ROI, rec.D7Confidence = d7.TotalPnl, d7.TotalInvested, d7.ROI, d7.Confidence
	}
	if slice := row.Stat.Slice(models.DimNiche); slice != nil {
		l := slice.Windows[models.WindowLifetime]
		rec.NicheLResolvedCount, rec.NicheLWinRate, rec.NicheLROI = l.ResolvedCount, l.WinRate, l.ROI
	}
	if slice := row.Stat.Slice(models.DimBetStructure); slice != nil {
		l := slice.Windows[models.WindowLifetime]
		rec.BetStructureLResolvedCount, rec.BetStructureLWinRate, rec.BetStructureLROI = l.ResolvedCount, l.WinRate, l.ROI
	}
	if slice := row.Stat.Slice(models.DimPriceBracket); slice != nil {
		l := slice.Windows[models.WindowLifetime]
		rec.PriceBracketLResolvedCount, rec.PriceBracketLWinRate, rec.PriceBracketLROI = l.ResolvedCount, l.WinRate, l.ROI
	}

	return rec
}
