package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"shopflow/api"
	"shopflow/archive"
	"shopflow/capture"
	"shopflow/chart"
	"shopflow/config"
	"shopflow/internal/channel"
	"shopflow/internal/timegrid"
	"shopflow/logger"
	"shopflow/models"
	"shopflow/registry"
	"shopflow/sink"
	"shopflow/store"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	timegrid.SetUTCOffset(cfg.Business.UTCOffsetHours)

	log.WithFields(logger.Fields{
		"service":    cfg.Shopflow.Name,
		"version":    cfg.Shopflow.Version,
		"utc_offset": cfg.Business.UTCOffsetHours,
	}).Info("starting shopflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}
	if cfg.Logging.DashboardName != "" {
		logger.InitCloudWatch(cfg.Archive.S3.Region, cfg.Shopflow.Name, cfg.Logging.DashboardName)
	}

	channels := channel.NewChannels(
		cfg.Channels.ObservationBuffer,
		cfg.Channels.EventBuffer,
	)
	defer channels.Close()

	go channels.StartMetricsReporting(ctx)

	reg := registry.DefaultRegistry(cfg.Sources, cfg.Store.Tables)
	client := store.NewClient(cfg.Store)

	var markers sink.MarkerStore
	if cfg.Sink.MarkerPath != "" {
		fileStore, err := sink.NewFileStore(cfg.Sink.MarkerPath, cfg.Sink.DiagnosticLogSize)
		if err != nil {
			log.WithError(err).Error("failed to open marker file")
			os.Exit(1)
		}
		markers = fileStore
	} else {
		log.WithComponent("main").Info("no marker path configured; slot markers held in memory")
		markers = sink.NewMemoryStore(cfg.Sink.DiagnosticLogSize)
	}

	var exporter *archive.Exporter
	var rowWriter sink.StoreWriter = client
	if cfg.Archive.Enabled {
		exporter, err = archive.NewExporter(cfg)
		if err != nil {
			log.WithError(err).Error("failed to create archive exporter")
			os.Exit(1)
		}
		rowWriter = archive.NewTeeWriter(client, exporter)
	} else {
		log.WithComponent("main").Info("archive disabled; rows go to the store only")
	}

	agent := capture.NewAgent(cfg, reg, channels)
	snk := sink.NewSink(cfg, reg, markers, rowWriter, channels)

	var listener *store.Listener
	if cfg.Store.Realtime.Enabled {
		tables := []string{
			cfg.Store.Tables.CartLog,
			cfg.Store.Tables.TrafficLog,
			cfg.Store.Tables.MarketRankLog,
		}
		listener = store.NewListener(cfg.Store, tables, func(table string, record models.Record) {
			log.WithComponent("realtime_listener").WithFields(logger.Fields{
				"table":   table,
				"columns": len(record),
			}).Debug("row insert confirmed")
		})
	}

	apiServer := api.NewServer(cfg, reg, channels, client,
		chart.NewNotes(client, cfg.Store.Tables.ChartNotes), snk, markers)

	var wg sync.WaitGroup

	if exporter != nil {
		if err := exporter.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start archive exporter")
			os.Exit(1)
		}
	}

	if err := snk.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start sink")
		os.Exit(1)
	}

	if err := agent.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start capture agent")
		os.Exit(1)
	}

	if listener != nil {
		if err := listener.Start(ctx); err != nil {
			log.WithError(err).Warn("realtime listener failed to start")
		}
	}

	if apiServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := apiServer.Run(ctx); err != nil {
				log.WithError(err).Error("api server exited")
			}
		}()
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	if listener != nil {
		log.Info("stopping realtime listener")
		listener.Stop()
	}

	log.Info("stopping capture agent")
	agent.Stop()

	log.Info("stopping sink")
	snk.Stop()

	if exporter != nil {
		log.Info("stopping archive exporter")
		exporter.Stop()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("shopflow stopped")
}
