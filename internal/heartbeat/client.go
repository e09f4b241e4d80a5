package heartbeat

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/media-cluster/internal/cluster"
	"github.com/t77yq/media-cluster/internal/model"
)

// State is the registration state of this worker as seen by the heartbeat client
type State string

const (
	StateUnregistered State = "unregistered"
	StateRegistered   State = "registered"
	StateDegraded     State = "degraded"
)

// Master is the subset of the master API the heartbeat client uses
type Master interface {
	Register(ctx context.Context, req model.RegisterRequest) (model.WorkerRecord, error)
	Heartbeat(ctx context.Context, req model.HeartbeatRequest) (model.HeartbeatAck, error)
	Unregister(ctx context.Context, workerID, reason string) error
}

// SampleSource provides the most recent load sample
type SampleSource interface {
	Latest() model.LoadSample
}

// StatusSource provides the worker's current activity
type StatusSource interface {
	Status() model.WorkerStatus
	CurrentTask() string
}

// Config configures a Client
type Config struct {
	WorkerID     string
	Host         string
	Port         int
	Capabilities []string

	Interval         time.Duration
	Timeout          time.Duration
	RegisterAttempts int
	RegisterDelay    time.Duration
	RegisterTimeout  time.Duration
	Backoff          ExponentialBackoff
}

func (c *Config) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 3 * time.Second
	}
	if c.RegisterAttempts <= 0 {
		c.RegisterAttempts = 5
	}
	if c.RegisterDelay <= 0 {
		c.RegisterDelay = 5 * time.Second
	}
	if c.RegisterTimeout <= 0 {
		c.RegisterTimeout = 10 * time.Second
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff.InitialDelay = 5 * time.Second
	}
	if c.Backoff.MaxDelay <= 0 {
		c.Backoff.MaxDelay = 2 * time.Minute
	}
	if c.Backoff.Multiplier < 1 {
		c.Backoff.Multiplier = 2
	}
}

// Client keeps this worker registered with the master and reports its load.
// All master calls happen on one goroutine, so heartbeats never overlap.
type Client struct {
	logger  *zap.Logger
	cfg     Config
	master  Master
	samples SampleSource
	status  StatusSource

	mu          sync.RWMutex
	state       State
	redirecting bool
	lastBeat    time.Time
	beats       uint64
	failures    uint64

	stop      chan struct{}
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	started   bool
}

// NewClient creates a heartbeat client. samples and status may be nil.
func NewClient(cfg Config, master Master, samples SampleSource, status StatusSource, logger *zap.Logger) *Client {
	cfg.setDefaults()
	return &Client{
		logger:  logger.Named("heartbeat"),
		cfg:     cfg,
		master:  master,
		samples: samples,
		status:  status,
		state:   StateUnregistered,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// State returns the current registration state
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Redirecting reports whether the master asked this worker to shed new work
func (c *Client) Redirecting() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.redirecting
}

// Stats returns heartbeat counters for diagnostics
func (c *Client) Stats() (beats, failures uint64, last time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.beats, c.failures, c.lastBeat
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()

	if prev != s {
		c.logger.Info("Heartbeat state changed",
			zap.String("from", string(prev)),
			zap.String("to", string(s)))
	}
}

// Start runs the register and heartbeat loop until ctx is done or Stop is called
func (c *Client) Start(ctx context.Context) {
	c.logger.Info("Starting heartbeat client",
		zap.String("worker_id", c.cfg.WorkerID),
		zap.Duration("interval", c.cfg.Interval))

	c.startOnce.Do(func() {
		c.mu.Lock()
		c.started = true
		c.mu.Unlock()

		ctx, cancel := context.WithCancel(ctx)
		go func() {
			select {
			case <-c.stop:
				cancel()
			case <-ctx.Done():
			}
		}()

		go func() {
			defer close(c.done)
			defer cancel()
			c.run(ctx)
		}()
	})
}

// Stop ends the loop and waits for it to exit
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		c.logger.Info("Stopping heartbeat client")
		close(c.stop)
	})

	c.mu.RLock()
	started := c.started
	c.mu.RUnlock()
	if started {
		<-c.done
	}
}

func (c *Client) run(ctx context.Context) {
	for {
		if c.State() != StateRegistered {
			if !c.registerWithRetry(ctx) {
				return
			}
		}

		if !sleep(ctx, c.cfg.Interval) {
			return
		}
		c.beat(ctx)
	}
}

// registerWithRetry spends the fixed attempt budget, then keeps trying with backoff in the degraded state
func (c *Client) registerWithRetry(ctx context.Context) bool {
	for attempt := 1; attempt <= c.cfg.RegisterAttempts; attempt++ {
		err := c.register(ctx)
		if err == nil {
			return true
		}
		c.logger.Warn("Registration attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.cfg.RegisterAttempts),
			zap.Error(err))

		if attempt < c.cfg.RegisterAttempts && !sleep(ctx, c.cfg.RegisterDelay) {
			return false
		}
	}

	c.setState(StateDegraded)
	c.logger.Warn("Registration budget exhausted, retrying with backoff",
		zap.String("master", masterName(c.master)))

	for retry := 0; ; retry++ {
		delay := c.cfg.Backoff.NextRetry(retry)
		if !sleep(ctx, delay) {
			return false
		}
		err := c.register(ctx)
		if err == nil {
			return true
		}
		c.logger.Warn("Registration retry failed",
			zap.Int("retry", retry+1),
			zap.Duration("delay", delay),
			zap.Error(err))
	}
}

func (c *Client) register(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RegisterTimeout)
	defer cancel()

	_, err := c.master.Register(ctx, model.RegisterRequest{
		WorkerID:     c.cfg.WorkerID,
		Host:         c.cfg.Host,
		Port:         c.cfg.Port,
		Capabilities: c.cfg.Capabilities,
	})
	if err != nil {
		return err
	}

	c.setState(StateRegistered)
	c.logger.Info("Registered with master", zap.String("worker_id", c.cfg.WorkerID))
	return nil
}

func (c *Client) beat(ctx context.Context) {
	req := c.buildRequest()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	ack, err := c.master.Heartbeat(ctx, req)
	if err != nil {
		c.mu.Lock()
		c.failures++
		c.mu.Unlock()

		if errors.Is(err, cluster.ErrReregister) {
			c.logger.Warn("Master does not know this worker, re-registering")
			c.setState(StateUnregistered)
			return
		}
		c.logger.Warn("Heartbeat failed", zap.Error(err))
		return
	}

	c.mu.Lock()
	c.beats++
	c.lastBeat = time.Now()
	wasRedirecting := c.redirecting
	c.redirecting = ack.Worker.Redirecting || ack.Worker.Status == model.WorkerStatusRedirecting
	nowRedirecting := c.redirecting
	c.mu.Unlock()

	if nowRedirecting && !wasRedirecting {
		c.logger.Warn("Master is redirecting new work away from this worker",
			zap.Float64("load", req.Load))
	}
}

func (c *Client) buildRequest() model.HeartbeatRequest {
	req := model.HeartbeatRequest{
		WorkerID:     c.cfg.WorkerID,
		Status:       model.WorkerStatusIdle,
		LoadTrend:    model.LoadTrendStable,
		Capabilities: c.cfg.Capabilities,
	}
	if c.samples != nil {
		sample := c.samples.Latest()
		req.Load = sample.Score
		if sample.Trend != "" {
			req.LoadTrend = sample.Trend
		}
		req.ActiveConnections = sample.ActiveConnections
	}
	if c.status != nil {
		req.Status = c.status.Status()
		req.CurrentTask = c.status.CurrentTask()
	}
	return req
}

// Unregister tells the master this worker is leaving. Errors are returned for logging only.
func (c *Client) Unregister(ctx context.Context, reason string) error {
	if err := c.master.Unregister(ctx, c.cfg.WorkerID, reason); err != nil {
		return err
	}
	c.setState(StateUnregistered)
	c.logger.Info("Unregistered from master", zap.String("reason", reason))
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func masterName(m Master) string {
	if c, ok := m.(*cluster.Client); ok {
		return c.BaseURL()
	}
	return "master"
}
