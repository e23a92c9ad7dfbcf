package main

import (
	"context"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"trafficwatch/internal/archive"
	"trafficwatch/internal/config"
	"trafficwatch/internal/digest"
	"trafficwatch/internal/dispatcher"
	"trafficwatch/internal/engine"
	"trafficwatch/internal/logger"
	"trafficwatch/internal/matcher"
	"trafficwatch/internal/metrics"
	"trafficwatch/internal/server"
	"trafficwatch/internal/store"

	"github.com/rs/zerolog/log"
)

func main() {

	// ====================================================================
	// Config / logging / metrics
	// ====================================================================
	cfg, err := config.Load()
	logger.Init(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	m := metrics.New()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// ====================================================================
	// Event store
	// ====================================================================
	// The only startup failure that ends the process besides config.
	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("cannot open event store")
	}
	defer st.Close()

	if err := st.EnsureDefaults(ctx, map[string]string{
		store.KeySummaryInterval: cfg.SummaryInterval,
	}); err != nil {
		log.Fatal().Err(err).Msg("cannot write default settings")
	}

	// ====================================================================
	// Notification sink + dispatcher
	// ====================================================================
	sink, destination, closeSink := newSink(cfg)
	defer closeSink()

	disp := dispatcher.New(sink, destination, dispatcher.Options{
		Capacity:       cfg.QueueSize,
		MaxAttempts:    cfg.DeliveryAttempts,
		AttemptTimeout: cfg.DeliveryTimeout,
		Deadline:       cfg.DeliveryDeadline,
	}, m)

	// ====================================================================
	// Digest scheduler (+ optional archiver)
	// ====================================================================
	digestOpts := digest.Options{
		DefaultExpr:  cfg.SummaryInterval,
		MaxGroups:    cfg.DigestMaxGroups,
		StoreTimeout: cfg.StoreTimeout,
		ArchiveBatch: cfg.ArchiveBatch,
	}
	if arch := newArchiver(ctx, cfg, m); arch != nil {
		digestOpts.Archiver = arch
	}
	sched := digest.New(st, disp, digestOpts, m)

	// ====================================================================
	// Engine
	// ====================================================================
	eng, err := engine.New(engine.Deps{
		Store:    st,
		Notifier: disp,
		Digest:   sched,
		Cache:    matcher.NewCache(cfg.MatchCacheSize),
		Metrics:  m,
	}, engine.Options{
		LogPath:      cfg.AccessLog,
		PollInterval: cfg.PollInterval,
		MaxLineBytes: cfg.MaxLineBytes,
		StoreTimeout: cfg.StoreTimeout,
		StoreRetries: cfg.StoreRetries,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("engine init failed")
	}

	if len(cfg.Watchlist) > 0 {
		if n, err := eng.SyncWatchlist(ctx, cfg.Watchlist); err != nil {
			log.Error().Err(err).Msg("seed watchlist sync failed")
		} else {
			log.Info().Int("added", n).Msg("seed watchlist synced")
		}
	}

	// ====================================================================
	// Long-running loops
	// ====================================================================
	// Ingestion, digest and delivery each own a goroutine. Ingestion
	// failing does not stop the others.
	var wg sync.WaitGroup

	wg.Add(3)
	go func() {
		defer wg.Done()
		disp.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		sched.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		if err := eng.RunIngest(ctx); err != nil {
			log.Error().Err(err).Msg("ingestion ended; other components keep running")
		}
	}()

	if cfg.ConfigFile != "" {
		w := config.NewWatcher(cfg.ConfigFile, func(ctx context.Context, seeds []string) {
			if n, err := eng.SyncWatchlist(ctx, seeds); err != nil {
				log.Error().Err(err).Msg("seed watchlist sync failed")
			} else if n > 0 {
				log.Info().Int("added", n).Msg("seed watchlist synced")
			}
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Run(ctx); err != nil {
				log.Warn().Err(err).Msg("config watcher disabled")
			}
		}()
	}

	// ====================================================================
	// Admin API (optional)
	// ====================================================================
	var srv *http.Server
	if cfg.HTTPAddr != "" {
		srv = &http.Server{
			Addr:         cfg.HTTPAddr,
			Handler:      server.NewHandler(eng, m, "trafficwatch"),
			ReadTimeout:  8 * time.Second,
			WriteTimeout: 8 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			log.Info().Str("addr", cfg.HTTPAddr).Msg("admin API listening")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("admin API stopped")
			}
		}()
	}

	log.Info().
		Str("access_log", cfg.AccessLog).
		Str("db", cfg.DBPath).
		Str("summary_interval", cfg.SummaryInterval).
		Msg("trafficwatch started")

	// ====================================================================
	// Graceful shutdown
	// ====================================================================
	//  1. stop accepting admin requests
	//  2. cancel loops (already done by the signal context) and wait
	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	if srv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := srv.Shutdown(sctx); err != nil {
			log.Error().Err(err).Msg("admin API shutdown")
		}
		cancel()
	}

	wg.Wait()
	log.Info().Str("metrics", m.String()).Msg("shutdown complete")
}

// newSink picks Telegram, then NATS, then the log sink.
func newSink(cfg config.Config) (dispatcher.Sink, string, func()) {
	switch {
	case cfg.TelegramToken != "":
		log.Info().Str("chat_id", cfg.ChatID).Msg("notifications via telegram")
		return dispatcher.NewTelegramSink(cfg.TelegramToken), cfg.ChatID, func() {}

	case cfg.NATSURL != "":
		s, err := dispatcher.NewNATSSink(cfg.NATSURL, cfg.NATSSubject)
		if err != nil {
			log.Error().Err(err).Msg("nats unavailable, notifications go to the log")
			break
		}
		log.Info().Str("subject", cfg.NATSSubject).Msg("notifications via nats")
		return s, cfg.ChatID, func() { _ = s.Close() }
	}

	log.Warn().Msg("no notification transport configured, notifications go to the log")
	return dispatcher.NewLogSink(log.Logger), cfg.ChatID, func() {}
}

// newArchiver returns nil when archiving is disabled or cannot start.
func newArchiver(ctx context.Context, cfg config.Config, m *metrics.Metrics) *archive.Archiver {
	if cfg.ArchiveBucket == "" {
		return nil
	}

	up, err := archive.NewS3Uploader(ctx, cfg.AWSRegion, archive.UploaderOptions{
		Bucket:  cfg.ArchiveBucket,
		Timeout: cfg.ArchiveTimeout,
		Retries: cfg.ArchiveRetries,
	}, m)
	if err != nil {
		log.Error().Err(err).Msg("archive disabled")
		return nil
	}

	spool, err := archive.NewSpool(archive.SpoolOptions{
		Dir:      cfg.ArchiveSpoolDir,
		MaxBytes: cfg.ArchiveSpoolMaxBytes,
		MaxAge:   cfg.ArchiveSpoolMaxAge,
		Prefix:   cfg.ArchivePrefix,
	}, m, up)
	if err != nil {
		log.Warn().Err(err).Msg("archive spool disabled, failed uploads are lost")
		spool = nil
	}

	log.Info().Str("bucket", cfg.ArchiveBucket).Str("prefix", cfg.ArchivePrefix).Msg("archive enabled")
	return archive.New(cfg.InstanceID, cfg.ArchivePrefix, up, spool, m)
}
