package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/media-cluster/internal/api"
	"github.com/t77yq/media-cluster/internal/config"
	"github.com/t77yq/media-cluster/internal/events"
	"github.com/t77yq/media-cluster/internal/model"
	"github.com/t77yq/media-cluster/internal/monitor"
	"github.com/t77yq/media-cluster/internal/registry"
	"github.com/t77yq/media-cluster/internal/scheduler"
	"github.com/t77yq/media-cluster/internal/session"
	"github.com/t77yq/media-cluster/internal/storage"
)

const (
	limiterPruneInterval = 5 * time.Minute
	limiterMaxIdle       = 10 * time.Minute
)

// RunMaster starts the coordinator and blocks until ctx is done
func RunMaster(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger = logger.Named("master")
	mc := cfg.Master
	startedAt := time.Now()

	b, err := connectBus(ctx, cfg.NATS, logger)
	if err != nil {
		return err
	}
	defer b.close(logger)

	eventLog := monitor.NewEventLog(b.js, mc.EventLogSize, logger)
	var publisher events.Publisher
	if b.enabled() {
		publisher = b.publisher
		if err := eventLog.Start(ctx); err != nil {
			return err
		}
	} else {
		publisher = events.NewRecorder(nil, eventLog.Record)
	}

	strategy, err := scheduler.NewStrategy(mc.Strategy)
	if err != nil {
		return err
	}

	var (
		history     scheduler.PlacementHistory
		historyList api.PlacementLister
		placements  *storage.PlacementHistory
	)
	if mc.HistoryDB != "" {
		placements, err = storage.NewPlacementHistory(logger, mc.HistoryDB)
		if err != nil {
			return fmt.Errorf("failed to open placement history: %w", err)
		}
		defer placements.Close()
		history, historyList = placements, placements
	}

	reg := registry.New(registry.Options{
		LivenessTimeout:     mc.LivenessTimeout,
		SaturationThreshold: mc.SaturationThreshold,
	}, publisher, logger)
	lb := scheduler.NewLoadBalancer(reg, strategy, reg.SaturationThreshold(), publisher, history, logger)
	reg.OnSaturation(func(ctx context.Context, w model.WorkerRecord) {
		lb.CheckAndRedistribute(ctx)
	})

	sessions := session.NewTracker(mc.SessionTimeout, nil, logger)

	stats := monitor.NewStatsCollector(b.js, reg.SaturationThreshold(), logger)
	if err := stats.Start(ctx); err != nil {
		return err
	}

	sampler := monitor.NewSampler(monitor.SamplerConfig{
		WorkerID: "master",
		Interval: mc.SampleInterval,
		Weights:  model.DefaultLoadWeights(),
	}, monitor.SystemProbe{}, nil, nil, logger)
	sampler.Start(ctx)
	defer sampler.Stop()

	limiter := api.NewIPRateLimiter(mc.RateLimit.RPS, mc.RateLimit.Burst)

	maint := scheduler.NewMaintenance(logger)
	jobs := []struct {
		name     string
		interval time.Duration
		fn       func(ctx context.Context)
	}{
		{"registry-sweep", mc.SweepInterval, func(ctx context.Context) { reg.Sweep(ctx) }},
		{"session-sweep", mc.SessionSweepInterval, func(context.Context) { sessions.Sweep() }},
		{"stats-prune", mc.LivenessTimeout, func(context.Context) { stats.Prune(mc.LivenessTimeout) }},
		{"limiter-prune", limiterPruneInterval, func(context.Context) { limiter.Prune(limiterMaxIdle) }},
	}
	for _, job := range jobs {
		if err := maint.AddInterval(job.name, job.interval, job.fn); err != nil {
			return err
		}
	}
	if placements != nil && mc.HistoryRetention > 0 {
		err := maint.AddJob("history-prune", mc.HistoryPruneSchedule, func(ctx context.Context) {
			if _, err := placements.DeleteBefore(ctx, time.Now().Add(-mc.HistoryRetention)); err != nil {
				logger.Error("Failed to prune placement history", zap.Error(err))
			}
		})
		if err != nil {
			return err
		}
	}
	maint.Start()
	defer maint.Stop()

	handler := api.NewMaster(api.MasterDeps{
		Registry:  reg,
		Balancer:  lb,
		Sessions:  sessions,
		Stats:     stats,
		Events:    eventLog,
		History:   historyList,
		Sampler:   sampler,
		Limiter:   limiter,
		Secret:    cfg.Cluster.Secret,
		StartedAt: startedAt,
	}, logger)

	srv := &http.Server{
		Addr:              mc.Listen,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Master started",
		zap.String("listen", mc.Listen),
		zap.String("strategy", mc.Strategy),
		zap.Bool("nats", b.enabled()))

	if err := serve(ctx, srv, cfg.Shutdown.Timeout, logger, nil); err != nil {
		return err
	}

	logger.Info("Master stopped", zap.Int("workers", reg.Len()))
	return nil
}
