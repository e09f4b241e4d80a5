package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, zap.Any("details", keysAndValues))
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}

// Maintenance runs periodic housekeeping jobs such as registry and session sweeps
type Maintenance struct {
	logger *zap.Logger
	cron   *cron.Cron

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	entries map[string]cron.EntryID
}

// NewMaintenance creates a new job runner. Specs accept an optional seconds field.
func NewMaintenance(logger *zap.Logger) *Maintenance {
	logger = logger.Named("maintenance")
	cl := &cronLogger{logger: logger}
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

	ctx, cancel := context.WithCancel(context.Background())
	return &Maintenance{
		logger:  logger,
		cron:    cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)), cron.WithLogger(cl)),
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]cron.EntryID),
	}
}

// AddJob registers fn under name to run on spec
func (m *Maintenance) AddJob(name, spec string, fn func(ctx context.Context)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[name]; exists {
		return fmt.Errorf("job %s already registered", name)
	}

	id, err := m.cron.AddFunc(spec, func() {
		start := time.Now()
		fn(m.ctx)
		m.logger.Debug("Maintenance job finished",
			zap.String("job", name),
			zap.Duration("took", time.Since(start)))
	})
	if err != nil {
		return fmt.Errorf("failed to add job %s: %w", name, err)
	}

	m.entries[name] = id
	m.logger.Info("Maintenance job added",
		zap.String("job", name),
		zap.String("spec", spec))
	return nil
}

// AddInterval registers fn to run every interval
func (m *Maintenance) AddInterval(name string, interval time.Duration, fn func(ctx context.Context)) error {
	if interval <= 0 {
		return fmt.Errorf("invalid interval for job %s: %s", name, interval)
	}
	return m.AddJob(name, "@every "+interval.String(), fn)
}

// Jobs returns the registered job names with their next run time
func (m *Maintenance) Jobs() map[string]time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()

	jobs := make(map[string]time.Time, len(m.entries))
	for name, id := range m.entries {
		jobs[name] = m.cron.Entry(id).Next
	}
	return jobs
}

// Start starts running jobs
func (m *Maintenance) Start() {
	m.logger.Info("Starting maintenance scheduler")
	m.cron.Start()
}

// Stop stops the scheduler and waits for running jobs
func (m *Maintenance) Stop() {
	m.logger.Info("Stopping maintenance scheduler")
	m.cancel()
	ctx := m.cron.Stop()
	<-ctx.Done()
}
