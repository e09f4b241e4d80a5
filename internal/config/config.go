package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/t77yq/media-cluster/internal/model"
)

const envPrefix = "MEDIA"

// Config is the full process configuration for both roles
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Cluster  ClusterConfig  `mapstructure:"cluster"`
	Master   MasterConfig   `mapstructure:"master"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Shutdown ShutdownConfig `mapstructure:"shutdown"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type NATSConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

// ClusterConfig holds settings shared by master and workers
type ClusterConfig struct {
	// Secret is sent by workers in X-Worker-Secret and checked by the master when non-empty
	Secret string `mapstructure:"secret"`
}

type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

type MasterConfig struct {
	Listen               string          `mapstructure:"listen"`
	LivenessTimeout      time.Duration   `mapstructure:"liveness_timeout"`
	SaturationThreshold  float64         `mapstructure:"saturation_threshold"`
	Strategy             string          `mapstructure:"strategy"`
	SweepInterval        time.Duration   `mapstructure:"sweep_interval"`
	SessionTimeout       time.Duration   `mapstructure:"session_timeout"`
	SessionSweepInterval time.Duration   `mapstructure:"session_sweep_interval"`
	HistoryDB            string          `mapstructure:"history_db"`
	HistoryRetention     time.Duration   `mapstructure:"history_retention"`
	HistoryPruneSchedule string          `mapstructure:"history_prune_schedule"`
	EventLogSize         int             `mapstructure:"event_log_size"`
	SampleInterval       time.Duration   `mapstructure:"sample_interval"`
	RateLimit            RateLimitConfig `mapstructure:"rate_limit"`
}

type WorkerConfig struct {
	ID           string   `mapstructure:"id"`
	Host         string   `mapstructure:"host"`
	Port         int      `mapstructure:"port"`
	Listen       string   `mapstructure:"listen"`
	Capabilities []string `mapstructure:"capabilities"`
	MasterURL    string   `mapstructure:"master_url"`

	MaxConcurrentStreams int           `mapstructure:"max_concurrent_streams"`
	ChunkSize            int64         `mapstructure:"chunk_size"`
	RedirectTimeout      time.Duration `mapstructure:"redirect_timeout"`

	SampleInterval time.Duration     `mapstructure:"sample_interval"`
	TrendWindow    int               `mapstructure:"trend_window"`
	LoadWeights    model.LoadWeights `mapstructure:"load_weights"`

	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`
	RegisterAttempts  int           `mapstructure:"register_attempts"`
	RegisterDelay     time.Duration `mapstructure:"register_delay"`
	RegisterTimeout   time.Duration `mapstructure:"register_timeout"`
	BackoffInitial    time.Duration `mapstructure:"backoff_initial"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`

	CatalogDB         string        `mapstructure:"catalog_db"`
	MediaDir          string        `mapstructure:"media_dir"`
	CacheDir          string        `mapstructure:"cache_dir"`
	CacheMaxAge       time.Duration `mapstructure:"cache_max_age"`
	FFmpegPath        string        `mapstructure:"ffmpeg_path"`
	DefaultFormat     string        `mapstructure:"default_format"`
	DefaultQuality    string        `mapstructure:"default_quality"`
	ConversionTimeout time.Duration `mapstructure:"conversion_timeout"`
	MaxConversions    int           `mapstructure:"max_conversions"`
}

type ShutdownConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// SetDefaults registers a default for every key so env overrides work for all of them
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")

	v.SetDefault("cluster.secret", "")

	v.SetDefault("master.listen", ":3000")
	v.SetDefault("master.liveness_timeout", 2*time.Minute)
	v.SetDefault("master.saturation_threshold", 80.0)
	v.SetDefault("master.strategy", "least-load")
	v.SetDefault("master.sweep_interval", 30*time.Second)
	v.SetDefault("master.session_timeout", 30*time.Minute)
	v.SetDefault("master.session_sweep_interval", time.Minute)
	v.SetDefault("master.history_db", "placement_history.db")
	v.SetDefault("master.history_retention", 7*24*time.Hour)
	v.SetDefault("master.history_prune_schedule", "@hourly")
	v.SetDefault("master.event_log_size", 200)
	v.SetDefault("master.sample_interval", 5*time.Second)
	v.SetDefault("master.rate_limit.rps", 20.0)
	v.SetDefault("master.rate_limit.burst", 40)

	weights := model.DefaultLoadWeights()
	v.SetDefault("worker.id", "")
	v.SetDefault("worker.host", "localhost")
	v.SetDefault("worker.port", 3002)
	v.SetDefault("worker.listen", "")
	v.SetDefault("worker.capabilities", []string{model.TaskTypeStreaming, model.TaskTypeAudioConversion})
	v.SetDefault("worker.master_url", "http://127.0.0.1:3000")
	v.SetDefault("worker.max_concurrent_streams", 50)
	v.SetDefault("worker.chunk_size", 1024*1024)
	v.SetDefault("worker.redirect_timeout", 2*time.Second)
	v.SetDefault("worker.sample_interval", 5*time.Second)
	v.SetDefault("worker.trend_window", 5)
	v.SetDefault("worker.load_weights.cpu", weights.CPU)
	v.SetDefault("worker.load_weights.memory", weights.Memory)
	v.SetDefault("worker.load_weights.connections", weights.Connections)
	v.SetDefault("worker.load_weights.network", weights.Network)
	v.SetDefault("worker.load_weights.network_norm_bytes", weights.NetworkNormBytes)
	v.SetDefault("worker.heartbeat_interval", 10*time.Second)
	v.SetDefault("worker.heartbeat_timeout", 3*time.Second)
	v.SetDefault("worker.register_attempts", 5)
	v.SetDefault("worker.register_delay", 5*time.Second)
	v.SetDefault("worker.register_timeout", 10*time.Second)
	v.SetDefault("worker.backoff_initial", 5*time.Second)
	v.SetDefault("worker.backoff_max", 2*time.Minute)
	v.SetDefault("worker.backoff_multiplier", 2.0)
	v.SetDefault("worker.catalog_db", "media.db")
	v.SetDefault("worker.media_dir", "uploads")
	v.SetDefault("worker.cache_dir", "cache")
	v.SetDefault("worker.cache_max_age", 24*time.Hour)
	v.SetDefault("worker.ffmpeg_path", "ffmpeg")
	v.SetDefault("worker.default_format", "mp3")
	v.SetDefault("worker.default_quality", "medium")
	v.SetDefault("worker.conversion_timeout", 10*time.Minute)
	v.SetDefault("worker.max_conversions", 2)

	v.SetDefault("shutdown.timeout", 10*time.Second)
}

// Load reads configuration from defaults, the optional file at path and MEDIA_* env vars.
// Without an explicit path ./config/config.yaml is used when present.
func Load(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if cfg.Worker.ID == "" {
		cfg.Worker.ID = "node-" + uuid.New().String()
	}
	if cfg.Worker.Listen == "" {
		cfg.Worker.Listen = fmt.Sprintf(":%d", cfg.Worker.Port)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the values both roles rely on
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Master.LivenessTimeout > 0, "master.liveness_timeout must be positive")
	check(c.Master.SaturationThreshold > 0 && c.Master.SaturationThreshold <= 100, "master.saturation_threshold must be in (0, 100]")
	check(c.Master.SweepInterval > 0, "master.sweep_interval must be positive")
	check(c.Master.SessionTimeout > 0, "master.session_timeout must be positive")
	check(c.Master.EventLogSize > 0, "master.event_log_size must be positive")

	check(c.Worker.Port > 0 && c.Worker.Port <= 65535, "worker.port must be a valid port")
	check(c.Worker.MaxConcurrentStreams > 0, "worker.max_concurrent_streams must be positive")
	check(c.Worker.ChunkSize > 0, "worker.chunk_size must be positive")
	check(c.Worker.TrendWindow > 0, "worker.trend_window must be positive")
	check(c.Worker.HeartbeatInterval > 0, "worker.heartbeat_interval must be positive")
	check(c.Worker.HeartbeatTimeout > 0, "worker.heartbeat_timeout must be positive")
	check(c.Worker.RegisterAttempts > 0, "worker.register_attempts must be positive")
	check(c.Worker.BackoffMultiplier >= 1, "worker.backoff_multiplier must be at least 1")
	check(c.Worker.BackoffMax >= c.Worker.BackoffInitial, "worker.backoff_max must not be below worker.backoff_initial")

	w := c.Worker.LoadWeights
	check(w.CPU >= 0 && w.Memory >= 0 && w.Connections >= 0 && w.Network >= 0, "worker.load_weights must not be negative")

	check(c.Shutdown.Timeout > 0, "shutdown.timeout must be positive")

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}
