package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"tradeflow/internal/domain"
	"tradeflow/internal/ingest"
	"tradeflow/internal/ratelimit"
	"tradeflow/internal/scheduler"
)

// HandlerConfig binds a task type to a remote collaborator.
type HandlerConfig struct {
	Kind    string            `yaml:"kind"` // http | shell
	URL     string            `yaml:"url,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Command string            `yaml:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty"`
	Timeout time.Duration     `yaml:"timeout,omitempty"`
}

type Config struct {
	HTTPAddr        string        `yaml:"http_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	Workers        int           `yaml:"workers"`
	MaxConcurrency int           `yaml:"max_concurrency"`
	QueueCapacity  int           `yaml:"queue_capacity"`
	SoftLimitRatio float64       `yaml:"soft_limit_ratio"`
	PollTimeout    time.Duration `yaml:"poll_timeout"`
	RequeueDelay   time.Duration `yaml:"requeue_delay"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay"`

	ResultRetention      time.Duration `yaml:"result_retention"`
	SweepInterval        time.Duration `yaml:"sweep_interval"`
	MonitorInterval      time.Duration `yaml:"monitor_interval"`
	MemoryThresholdBytes uint64        `yaml:"memory_threshold_bytes"`
	PressureRetention    time.Duration `yaml:"pressure_retention"`
	SnapshotDB           string        `yaml:"snapshot_db"`

	FlushInterval    time.Duration                     `yaml:"flush_interval"`
	MaxBatchSize     int                               `yaml:"max_batch_size"`
	ReconnectInitial time.Duration                     `yaml:"reconnect_initial"`
	ReconnectMax     time.Duration                     `yaml:"reconnect_max"`
	Transport        string                            `yaml:"transport"` // none | redis | websocket
	RedisURL         string                            `yaml:"redis_url"`
	WebSocketURL     string                            `yaml:"websocket_url"`
	Channels         []string                          `yaml:"channels"`
	DefaultRateLimit ratelimit.BucketConfig            `yaml:"default_rate_limit"`
	RateLimits       map[string]ratelimit.BucketConfig `yaml:"rate_limits"`

	Handlers  map[domain.TaskType]HandlerConfig `yaml:"handlers"`
	Schedules []scheduler.Schedule              `yaml:"schedules"`

	TraceExporter string `yaml:"trace_exporter"` // none | stdout
	LogLevel      string `yaml:"log_level"`
	LogFormat     string `yaml:"log_format"` // console | json
}

func Default() Config {
	return Config{
		HTTPAddr:         ":8080",
		ShutdownTimeout:  10 * time.Second,
		Workers:          16,
		QueueCapacity:    10_000,
		SoftLimitRatio:   0.8,
		PollTimeout:      time.Second,
		RequeueDelay:     50 * time.Millisecond,
		RetryBaseDelay:   time.Second,
		RetryMaxDelay:    time.Minute,
		ResultRetention:  time.Hour,
		SweepInterval:    time.Minute,
		MonitorInterval:  5 * time.Second,
		FlushInterval:    100 * time.Millisecond,
		MaxBatchSize:     100,
		ReconnectInitial: time.Second,
		ReconnectMax:     time.Minute,
		Transport:        "none",
		Channels:         append([]string(nil), ingest.DefaultChannels...),
		DefaultRateLimit: ratelimit.BucketConfig{Capacity: 200, RefillRate: 100},
		TraceExporter:    "none",
		LogLevel:         "info",
		LogFormat:        "console",
	}
}

// Load builds the configuration: defaults, then the YAML file, then
// TRADEFLOW_* environment variables (after loading envFile). Empty paths
// are skipped; a missing default .env is not an error.
func Load(envFile, yamlFile string) (Config, error) {
	cfg := Default()

	if yamlFile != "" {
		raw, err := os.ReadFile(yamlFile)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", yamlFile, err)
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return Config{}, fmt.Errorf("error loading env file: %w", err)
		}
	} else {
		_ = godotenv.Load()
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(c *Config) error {
	var errs []error
	setString("TRADEFLOW_HTTP_ADDR", &c.HTTPAddr)
	errs = append(errs,
		setDuration("TRADEFLOW_SHUTDOWN_TIMEOUT", &c.ShutdownTimeout),
		setInt("TRADEFLOW_WORKERS", &c.Workers),
		setInt("TRADEFLOW_MAX_CONCURRENCY", &c.MaxConcurrency),
		setInt("TRADEFLOW_QUEUE_CAPACITY", &c.QueueCapacity),
		setFloat("TRADEFLOW_SOFT_LIMIT_RATIO", &c.SoftLimitRatio),
		setDuration("TRADEFLOW_POLL_TIMEOUT", &c.PollTimeout),
		setDuration("TRADEFLOW_REQUEUE_DELAY", &c.RequeueDelay),
		setDuration("TRADEFLOW_RETRY_BASE_DELAY", &c.RetryBaseDelay),
		setDuration("TRADEFLOW_RETRY_MAX_DELAY", &c.RetryMaxDelay),
		setDuration("TRADEFLOW_RESULT_RETENTION", &c.ResultRetention),
		setDuration("TRADEFLOW_SWEEP_INTERVAL", &c.SweepInterval),
		setDuration("TRADEFLOW_MONITOR_INTERVAL", &c.MonitorInterval),
		setUint("TRADEFLOW_MEMORY_THRESHOLD_BYTES", &c.MemoryThresholdBytes),
		setDuration("TRADEFLOW_PRESSURE_RETENTION", &c.PressureRetention),
		setDuration("TRADEFLOW_FLUSH_INTERVAL", &c.FlushInterval),
		setInt("TRADEFLOW_MAX_BATCH_SIZE", &c.MaxBatchSize),
		setDuration("TRADEFLOW_RECONNECT_INITIAL", &c.ReconnectInitial),
		setDuration("TRADEFLOW_RECONNECT_MAX", &c.ReconnectMax),
	)
	setString("TRADEFLOW_SNAPSHOT_DB", &c.SnapshotDB)
	setString("TRADEFLOW_TRANSPORT", &c.Transport)
	setString("TRADEFLOW_REDIS_URL", &c.RedisURL)
	setString("TRADEFLOW_WEBSOCKET_URL", &c.WebSocketURL)
	setList("TRADEFLOW_CHANNELS", &c.Channels)
	setString("TRADEFLOW_TRACE_EXPORTER", &c.TraceExporter)
	setString("TRADEFLOW_LOG_LEVEL", &c.LogLevel)
	setString("TRADEFLOW_LOG_FORMAT", &c.LogFormat)
	return errors.Join(errs...)
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Workers > 0, "workers must be positive, got %d", c.Workers)
	check(c.MaxConcurrency >= 0, "max_concurrency must not be negative, got %d", c.MaxConcurrency)
	check(c.QueueCapacity > 0, "queue_capacity must be positive, got %d", c.QueueCapacity)
	check(c.SoftLimitRatio > 0 && c.SoftLimitRatio <= 1, "soft_limit_ratio must be in (0, 1], got %v", c.SoftLimitRatio)
	check(c.RetryMaxDelay >= c.RetryBaseDelay, "retry_max_delay must not be below retry_base_delay")
	check(c.ResultRetention > 0, "result_retention must be positive")
	check(c.MonitorInterval > 0, "monitor_interval must be positive")
	check(c.FlushInterval > 0, "flush_interval must be positive")
	check(c.MaxBatchSize > 0, "max_batch_size must be positive, got %d", c.MaxBatchSize)
	check(c.ReconnectMax >= c.ReconnectInitial, "reconnect_max must not be below reconnect_initial")

	switch c.Transport {
	case "none":
	case "redis":
		check(c.RedisURL != "", "redis_url is required for the redis transport")
	case "websocket":
		check(c.WebSocketURL != "", "websocket_url is required for the websocket transport")
	default:
		check(false, "unknown transport %q", c.Transport)
	}
	check(len(c.Channels) > 0, "at least one channel is required")

	check(c.DefaultRateLimit.Capacity > 0, "default_rate_limit.capacity must be positive")
	check(c.DefaultRateLimit.RefillRate >= 0, "default_rate_limit.refill_rate must not be negative")
	for key, b := range c.RateLimits {
		check(ingest.EventType(key).Known(), "rate_limits: unknown event type %q", key)
		check(b.Capacity > 0, "rate_limits.%s.capacity must be positive", key)
		check(b.RefillRate >= 0, "rate_limits.%s.refill_rate must not be negative", key)
	}

	for typ, h := range c.Handlers {
		check(typ.Known(), "handlers: unknown task type %q", typ)
		switch h.Kind {
		case "http":
			check(h.URL != "", "handlers.%s: url is required", typ)
		case "shell":
			check(h.Command != "", "handlers.%s: command is required", typ)
		default:
			check(false, "handlers.%s: unknown kind %q", typ, h.Kind)
		}
	}

	names := make(map[string]bool, len(c.Schedules))
	for _, s := range c.Schedules {
		if err := s.Validate(); err != nil {
			errs = append(errs, err)
		}
		check(!names[s.Name], "duplicate schedule %q", s.Name)
		names[s.Name] = true
	}

	switch strings.ToLower(c.TraceExporter) {
	case "", "none", "stdout":
	default:
		check(false, "unknown trace_exporter %q", c.TraceExporter)
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		check(false, "unknown log_format %q", c.LogFormat)
	}
	return errors.Join(errs...)
}
