package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"traderflow/aggregate"
	"traderflow/config"
	"traderflow/dedup"
	"traderflow/engine"
	"traderflow/internal/channel"
	"traderflow/logger"
	"traderflow/materializer"
	"traderflow/models"
	"traderflow/reader"
	"traderflow/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	taxonomyPath := flag.String("taxonomy", "", "Path to taxonomy file, overrides the configured one")
	sinceFlag := flag.String("since", "", "Start of the newly ingested data window (RFC3339); production rows older than this must be reproduced unchanged")

	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}
	if *taxonomyPath != "" {
		cfg.Taxonomy.Path = *taxonomyPath
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	taxonomy, err := config.LoadTaxonomy(cfg.Taxonomy.Path)
	if err != nil {
		log.WithError(err).Error("Failed to load taxonomy")
		os.Exit(1)
	}

	since := time.Now().UTC()
	if *sinceFlag != "" {
		since, err = time.Parse(time.RFC3339, *sinceFlag)
		if err != nil {
			log.WithError(err).Error("Invalid -since value")
			os.Exit(1)
		}
	}

	log.WithFields(logger.Fields{
		"service":  cfg.Traderflow.Name,
		"version":  cfg.Traderflow.Version,
		"taxonomy": taxonomy.Version,
		"env":      config.AppEnvironment(),
	}).Info("starting traderflow")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.InitCloudWatch(cfg.Storage.S3.Region, "", cfg.Logging.DashboardName)
	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	channels := channel.NewChannels(
		cfg.Channels.RawBuffer,
		cfg.Channels.PartitionBuffer,
		cfg.Channels.StatsBuffer,
		cfg.Channels.FeatureBuffer,
	)
	go channels.StartMetricsReporting(ctx)

	// Phase 1: market snapshot. The whole market set must be deduplicated
	// before any trade can be resolved.
	marketReader, err := reader.NewMarketReader(cfg, channels)
	if err != nil {
		log.WithError(err).Error("Failed to create market reader")
		os.Exit(1)
	}
	if err := marketReader.Start(ctx); err != nil {
		log.WithError(err).Error("Failed to start market reader")
		os.Exit(1)
	}

	marketCollector := dedup.NewMarketCollector(cfg, channels)
	markets, err := marketCollector.Collect(ctx)
	if err != nil {
		log.WithError(err).Error("Market collection failed")
		os.Exit(1)
	}
	if err := marketReader.Wait(); err != nil {
		log.WithError(err).Error("Market feed read failed")
		os.Exit(1)
	}

	// Phase 2: trade snapshot, deduplicated and partitioned by wallet.
	tradeReader, err := reader.NewTradeReader(cfg, channels)
	if err != nil {
		log.WithError(err).Error("Failed to create trade reader")
		os.Exit(1)
	}
	if err := tradeReader.Start(ctx); err != nil {
		log.WithError(err).Error("Failed to start trade reader")
		os.Exit(1)
	}

	partitioner := dedup.NewPartitioner(cfg, channels)
	firstTradeAt, err := partitioner.Collect(ctx)
	if err != nil {
		log.WithError(err).Error("Trade collection failed")
		os.Exit(1)
	}
	if err := tradeReader.Wait(); err != nil {
		log.WithError(err).Error("Trade feed read failed")
		os.Exit(1)
	}

	missing := 0
	for marketID := range firstTradeAt {
		if _, ok := markets[marketID]; !ok {
			missing++
		}
	}
	if missing > 0 {
		log.WithComponent("main").WithFields(logger.Fields{
			"markets_traded":  len(firstTradeAt),
			"markets_missing": missing,
		}).Warn("trades reference markets absent from the market feed; their outcomes stay unresolved")
	}

	resolver := engine.NewResolver(cfg, markets, firstTradeAt)

	// Phase 3: stats, features and persistence run concurrently over the
	// wallet partitions.
	eng := engine.NewEngine(cfg, taxonomy, resolver, channels)
	if err := eng.Start(ctx); err != nil {
		log.WithError(err).Error("Failed to start stats engine")
		os.Exit(1)
	}

	mat := materializer.NewMaterializer(cfg, taxonomy, resolver, channels)
	if err := mat.Start(ctx); err != nil {
		log.WithError(err).Error("Failed to start materializer")
		os.Exit(1)
	}

	var store *writer.StatStore
	if cfg.Storage.Postgres.Enabled {
		store, err = writer.NewStatStore(cfg)
		if err != nil {
			log.WithError(err).Error("Failed to open stat store")
			os.Exit(1)
		}
		defer store.Close()
	} else {
		log.WithComponent("main").Info("Postgres storage disabled; stats are not persisted")
	}

	aggregator := aggregate.NewAggregator(resolver, func(trade models.Trade) string {
		if market, ok := resolver.Market(trade.MarketID); ok {
			return taxonomy.Niche(market.Niche)
		}
		return taxonomy.Niche("")
	})

	statWriter := writer.NewStatWriter(cfg, channels, store, aggregator)
	if err := statWriter.Start(ctx); err != nil {
		log.WithError(err).Error("Failed to start stat writer")
		os.Exit(1)
	}

	var featureWriter *writer.FeatureWriter
	if cfg.Writer.Formats.Parquet.Enabled {
		featureWriter, err = writer.NewFeatureWriter(cfg, channels)
		if err != nil {
			log.WithError(err).Error("Failed to create feature writer")
			os.Exit(1)
		}
		if err := featureWriter.Start(ctx); err != nil {
			log.WithError(err).Error("Failed to start feature writer")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("Parquet output disabled; draining feature batches")
		go func() {
			for range channels.Features {
			}
		}()
	}

	if err := partitioner.Emit(ctx); err != nil {
		log.WithError(err).Error("Partition emission interrupted")
		os.Exit(1)
	}

	eng.Wait()
	if err := statWriter.Wait(); err != nil {
		log.WithError(err).Error("Stat persistence failed")
		os.Exit(1)
	}
	mat.Wait()
	if featureWriter != nil {
		featureWriter.Wait()
	}

	if wallets := partitioner.Wallets(); statWriter.Batches() != int64(wallets) {
		log.WithComponent("main").WithFields(logger.Fields{
			"wallets": wallets,
			"batches": statWriter.Batches(),
		}).Warn("some wallets produced no stats batch")
	}

	if integrity := resolver.IntegrityErrors(); integrity > 0 {
		log.WithComponent("main").WithFields(logger.Fields{
			"markets": integrity,
		}).Warn("markets resolved before their first trade were excluded")
	}

	if store != nil {
		if err := store.WriteProfiles(ctx, aggregator.Profiles()); err != nil {
			log.WithError(err).Error("Failed to write profile stats")
			os.Exit(1)
		}
		if err := store.WriteGlobal(ctx, aggregator.Global()); err != nil {
			log.WithError(err).Error("Failed to write global stats")
			os.Exit(1)
		}

		mismatches, err := store.VerifyUnchanged(ctx, since)
		if err != nil {
			log.WithError(err).Error("Recomputation verification failed")
			os.Exit(1)
		}
		if mismatches > 0 {
			entry := log.WithComponent("main").WithFields(logger.Fields{
				"mismatches": mismatches,
				"since":      since.Format(time.RFC3339),
			})
			if cfg.Storage.Postgres.HaltOnInconsistency && config.IsProductionLike(config.AppEnvironment()) {
				entry.Error("recomputed stats disagree with production for unchanged history; staging left unpromoted")
				os.Exit(1)
			}
			entry.Warn("recomputed stats disagree with production for unchanged history")
		}
		if err := store.Promote(ctx); err != nil {
			log.WithError(err).Error("Failed to promote staged stats")
			os.Exit(1)
		}
	}

	log.WithFields(logger.Fields{
		"trades":  tradeReader.Lines(),
		"markets": marketReader.Lines(),
		"batches": statWriter.Batches(),
	}).Info("traderflow batch finished")
}
