package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/media-cluster/internal/api"
	"github.com/t77yq/media-cluster/internal/cluster"
	"github.com/t77yq/media-cluster/internal/config"
	"github.com/t77yq/media-cluster/internal/heartbeat"
	"github.com/t77yq/media-cluster/internal/model"
	"github.com/t77yq/media-cluster/internal/monitor"
	"github.com/t77yq/media-cluster/internal/scheduler"
	"github.com/t77yq/media-cluster/internal/storage"
	"github.com/t77yq/media-cluster/internal/stream"
	"github.com/t77yq/media-cluster/internal/transcode"
)

const cachePruneInterval = time.Hour

// RunWorker starts a worker node and blocks until ctx is done.
// On shutdown it stops admitting streams, lets in-flight ones finish within
// the shutdown timeout and then unregisters from the master.
func RunWorker(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	wc := cfg.Worker
	logger = logger.Named("worker").With(zap.String("worker_id", wc.ID))
	startedAt := time.Now()

	b, err := connectBus(ctx, cfg.NATS, logger)
	if err != nil {
		return err
	}
	defer b.close(logger)

	catalog, err := storage.NewMediaCatalog(logger, wc.CatalogDB)
	if err != nil {
		return fmt.Errorf("failed to open media catalog: %w", err)
	}
	defer catalog.Close()

	if n, err := catalog.ImportDir(ctx, wc.MediaDir); err != nil {
		logger.Warn("Failed to import media directory", zap.String("dir", wc.MediaDir), zap.Error(err))
	} else if n > 0 {
		logger.Info("Imported media files", zap.String("dir", wc.MediaDir), zap.Int("count", n))
	}

	processes := transcode.NewProcessManager(wc.MaxConversions, logger)
	defer processes.Stop()

	cache := transcode.NewCache(transcode.CacheConfig{
		Dir:            wc.CacheDir,
		DefaultFormat:  wc.DefaultFormat,
		DefaultQuality: wc.DefaultQuality,
		Timeout:        wc.ConversionTimeout,
	}, transcode.NewFFmpeg(wc.FFmpegPath, processes, logger), logger)

	gate := stream.NewGate(wc.MaxConcurrentStreams)
	runtime := stream.NewRuntime()
	traffic := monitor.NewTrafficCounter()
	master := cluster.NewClient(wc.MasterURL, cfg.Cluster.Secret, logger)

	sampler := monitor.NewSampler(monitor.SamplerConfig{
		WorkerID:    wc.ID,
		Interval:    wc.SampleInterval,
		TrendWindow: wc.TrendWindow,
		Weights:     wc.LoadWeights,
	}, monitor.SystemProbe{}, gate, traffic, logger)
	sampler.OnSample(statsReporter(b, master, wc.HeartbeatTimeout, logger))

	hb := heartbeat.NewClient(heartbeat.Config{
		WorkerID:         wc.ID,
		Host:             wc.Host,
		Port:             wc.Port,
		Capabilities:     wc.Capabilities,
		Interval:         wc.HeartbeatInterval,
		Timeout:          wc.HeartbeatTimeout,
		RegisterAttempts: wc.RegisterAttempts,
		RegisterDelay:    wc.RegisterDelay,
		RegisterTimeout:  wc.RegisterTimeout,
		Backoff: heartbeat.ExponentialBackoff{
			InitialDelay: wc.BackoffInitial,
			MaxDelay:     wc.BackoffMax,
			Multiplier:   wc.BackoffMultiplier,
		},
	}, master, sampler, runtime, logger)

	streams := stream.NewServer(stream.Config{
		WorkerID:        wc.ID,
		ChunkSize:       wc.ChunkSize,
		RedirectTimeout: wc.RedirectTimeout,
	}, gate, runtime, catalog, cache, master, logger)

	maint := scheduler.NewMaintenance(logger)
	if wc.CacheMaxAge > 0 {
		err := maint.AddInterval("cache-prune", cachePruneInterval, func(context.Context) {
			if _, err := cache.Prune(wc.CacheMaxAge); err != nil {
				logger.Error("Failed to prune conversion cache", zap.Error(err))
			}
		})
		if err != nil {
			return err
		}
	}
	maint.Start()
	defer maint.Stop()

	handler := api.NewWorker(api.WorkerDeps{
		WorkerID:  wc.ID,
		Stream:    streams,
		Gate:      gate,
		Runtime:   runtime,
		Sampler:   sampler,
		Traffic:   traffic,
		State:     func() string { return string(hb.State()) },
		Heartbeat: hb,
		Catalog:   catalog,
		Cache:     cache,
		Processes: processes,
		StartedAt: startedAt,
	}, logger)

	srv := &http.Server{
		Addr:              wc.Listen,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sampler.Start(ctx)
	defer sampler.Stop()
	hb.Start(ctx)

	logger.Info("Worker started",
		zap.String("listen", wc.Listen),
		zap.String("master", master.BaseURL()),
		zap.Int("max_concurrent_streams", wc.MaxConcurrentStreams))

	serveErr := serve(ctx, srv, cfg.Shutdown.Timeout, logger, streams.Drain)

	hb.Stop()
	unregisterCtx, cancel := context.WithTimeout(context.Background(), wc.HeartbeatTimeout)
	defer cancel()
	if err := hb.Unregister(unregisterCtx, "shutdown"); err != nil {
		logger.Warn("Failed to unregister from master", zap.Error(err))
	}

	if serveErr != nil {
		return serveErr
	}
	logger.Info("Worker stopped")
	return nil
}

// statsReporter forwards samples over JetStream when available and to the master over HTTP otherwise
func statsReporter(b *bus, master *cluster.Client, timeout time.Duration, logger *zap.Logger) func(context.Context, model.LoadSample) {
	return func(ctx context.Context, sample model.LoadSample) {
		pushCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		var err error
		if b.enabled() {
			err = b.publisher.PublishStats(pushCtx, sample)
		} else {
			err = master.PushStats(pushCtx, sample)
		}
		if err != nil {
			logger.Debug("Failed to report load sample", zap.Error(err))
		}
	}
}
