package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	yaml "go.yaml.in/yaml/v3"

	"github.com/example/sheet-mailer/internal/logging"
	"github.com/example/sheet-mailer/internal/scheduler"
	"github.com/example/sheet-mailer/internal/source"
	"github.com/example/sheet-mailer/internal/state"
)

type Config struct {
	Log       logging.Config  `yaml:"log"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Source    SourceConfig    `yaml:"source"`
	State     state.Config    `yaml:"state"`
	Sink      SinkConfig      `yaml:"sink"`
}

type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	RetryCeiling int           `yaml:"retry_ceiling"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	Workers      int           `yaml:"workers"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	SendTimeout  time.Duration `yaml:"send_timeout"`
	StoreTimeout time.Duration `yaml:"store_timeout"`
	Enabled      bool          `yaml:"enabled"`
	DryRun       bool          `yaml:"dry_run"`
}

type SourceConfig struct {
	Kind     string            `yaml:"kind"` // csv|http
	Path     string            `yaml:"path"`
	URL      string            `yaml:"url"`
	Headers  map[string]string `yaml:"headers"`
	Timezone string            `yaml:"timezone"`
	Columns  source.Columns    `yaml:"columns"`
}

type SinkConfig struct {
	Driver     string        `yaml:"driver"` // log|webhook|ses|kafka
	RatePerSec float64       `yaml:"rate_per_sec"`
	Burst      int           `yaml:"burst"`
	Webhook    WebhookConfig `yaml:"webhook"`
	SES        SESConfig     `yaml:"ses"`
	Kafka      KafkaConfig   `yaml:"kafka"`
}

type WebhookConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

type SESConfig struct {
	From             string `yaml:"from"`
	ConfigurationSet string `yaml:"configuration_set"`
	Region           string `yaml:"region"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

func Default() Config {
	return Config{
		Log: logging.Config{Level: "info", Format: "console"},
		Scheduler: SchedulerConfig{
			PollInterval: time.Minute,
			RetryCeiling: 3,
			RetryBackoff: 30 * time.Minute,
			Workers:      4,
			FetchTimeout: 30 * time.Second,
			SendTimeout:  30 * time.Second,
			StoreTimeout: 10 * time.Second,
			Enabled:      true,
		},
		Source: SourceConfig{
			Kind:     "csv",
			Path:     "tasks.csv",
			Timezone: "UTC",
			Columns:  source.DefaultColumns(),
		},
		State: state.Config{
			Driver:      "sqlite",
			Path:        "data/mailsched.db",
			BusyTimeout: 5 * time.Second,
			AutoMigrate: true,
			Redis:       state.RedisConfig{Addr: "localhost:6379", Prefix: "mailsched"},
		},
		Sink: SinkConfig{Driver: "log"},
	}
}

// FromEnv builds the configuration from defaults and the environment only.
func FromEnv() (Config, error) {
	return Load("")
}

// Load layers defaults, the YAML file at path (or $MAILSCHED_CONFIG), a .env
// file in the working directory and the environment, then validates.
// Environment variables win over the file.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf(".env: %w", err)
	}

	cfg := Default()
	if path == "" {
		path = os.Getenv("MAILSCHED_CONFIG")
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := decodeYAML(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("%s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeYAML(b []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func applyEnv(cfg *Config) error {
	setString := func(k string, dst *string) {
		if v := os.Getenv(k); v != "" {
			*dst = v
		}
	}
	setInt := func(k string, dst *int) error {
		v := os.Getenv(k)
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s", k)
		}
		*dst = n
		return nil
	}
	setBool := func(k string, dst *bool) error {
		v := os.Getenv(k)
		if v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s", k)
		}
		*dst = b
		return nil
	}
	setDuration := func(k string, dst *time.Duration) error {
		v := os.Getenv(k)
		if v == "" {
			return nil
		}
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", k, err)
		}
		*dst = d
		return nil
	}
	setFloat := func(k string, dst *float64) error {
		v := os.Getenv(k)
		if v == "" {
			return nil
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid %s", k)
		}
		*dst = f
		return nil
	}

	setString("LOG_LEVEL", &cfg.Log.Level)
	setString("LOG_FORMAT", &cfg.Log.Format)

	setString("SOURCE_KIND", &cfg.Source.Kind)
	setString("SOURCE_PATH", &cfg.Source.Path)
	setString("SOURCE_URL", &cfg.Source.URL)
	setString("DEFAULT_TIMEZONE", &cfg.Source.Timezone)
	if v := os.Getenv("SOURCE_TOKEN"); v != "" {
		if cfg.Source.Headers == nil {
			cfg.Source.Headers = map[string]string{}
		}
		cfg.Source.Headers["Authorization"] = "Bearer " + v
	}

	setString("STATE_DRIVER", &cfg.State.Driver)
	setString("STATE_PATH", &cfg.State.Path)
	setString("DATABASE_URL", &cfg.State.DatabaseURL)
	setString("REDIS_ADDR", &cfg.State.Redis.Addr)
	setString("REDIS_PASSWORD", &cfg.State.Redis.Password)
	setString("DYNAMO_TABLE", &cfg.State.Dynamo.Table)
	setString("DYNAMO_ENDPOINT", &cfg.State.Dynamo.Endpoint)
	setString("AWS_REGION", &cfg.State.Dynamo.Region)
	setString("AWS_REGION", &cfg.Sink.SES.Region)

	setString("SINK_DRIVER", &cfg.Sink.Driver)
	setString("WEBHOOK_URL", &cfg.Sink.Webhook.URL)
	setString("WEBHOOK_TOKEN", &cfg.Sink.Webhook.Token)
	setString("SES_FROM_EMAIL", &cfg.Sink.SES.From)
	setString("SES_CONFIGURATION_SET", &cfg.Sink.SES.ConfigurationSet)
	setString("KAFKA_TOPIC", &cfg.Sink.Kafka.Topic)
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Sink.Kafka.Brokers = splitList(v)
	}

	for _, fn := range []func() error{
		func() error { return setInt("REDIS_DB", &cfg.State.Redis.DB) },
		func() error { return setDuration("SCHED_POLL_INTERVAL", &cfg.Scheduler.PollInterval) },
		func() error { return setInt("SCHED_RETRY_CEILING", &cfg.Scheduler.RetryCeiling) },
		func() error { return setDuration("SCHED_RETRY_BACKOFF", &cfg.Scheduler.RetryBackoff) },
		func() error { return setInt("SCHED_WORKERS", &cfg.Scheduler.Workers) },
		func() error { return setDuration("SCHED_FETCH_TIMEOUT", &cfg.Scheduler.FetchTimeout) },
		func() error { return setDuration("SCHED_SEND_TIMEOUT", &cfg.Scheduler.SendTimeout) },
		func() error { return setBool("SCHED_ENABLED", &cfg.Scheduler.Enabled) },
		func() error { return setBool("DRY_RUN", &cfg.Scheduler.DryRun) },
		func() error { return setFloat("SINK_RATE_PER_SEC", &cfg.Sink.RatePerSec) },
		func() error { return setInt("SINK_BURST", &cfg.Sink.Burst) },
	} {
		if err := fn(); err != nil {
			return err
		}
	}
	return nil
}

// parseDuration accepts Go durations and, like the older SCHED_POLL_SECONDS
// setting, a bare number of seconds.
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c Config) Validate() error {
	var errs []error
	s := c.Scheduler
	if s.PollInterval < time.Second {
		errs = append(errs, fmt.Errorf("scheduler.poll_interval must be at least 1s"))
	}
	if s.RetryCeiling < 1 {
		errs = append(errs, fmt.Errorf("scheduler.retry_ceiling must be >= 1"))
	}
	if s.RetryBackoff < 0 {
		errs = append(errs, fmt.Errorf("scheduler.retry_backoff must be >= 0"))
	}
	if s.Workers < 1 {
		errs = append(errs, fmt.Errorf("scheduler.workers must be >= 1"))
	}
	if s.FetchTimeout <= 0 || s.SendTimeout <= 0 || s.StoreTimeout <= 0 {
		errs = append(errs, fmt.Errorf("scheduler timeouts must be positive"))
	}

	switch strings.ToLower(c.Source.Kind) {
	case "csv":
		if c.Source.Path == "" {
			errs = append(errs, fmt.Errorf("source.path is required for csv source"))
		}
	case "http":
		if c.Source.URL == "" {
			errs = append(errs, fmt.Errorf("source.url is required for http source"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown source.kind %q", c.Source.Kind))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}

	switch strings.ToLower(c.Sink.Driver) {
	case "log":
	case "webhook":
		if c.Sink.Webhook.URL == "" {
			errs = append(errs, fmt.Errorf("WEBHOOK_URL is required for webhook sink"))
		}
	case "ses":
		if c.Sink.SES.From == "" {
			errs = append(errs, fmt.Errorf("SES_FROM_EMAIL is required for ses sink"))
		}
	case "kafka":
		if len(c.Sink.Kafka.Brokers) == 0 || c.Sink.Kafka.Topic == "" {
			errs = append(errs, fmt.Errorf("KAFKA_BROKERS and KAFKA_TOPIC are required for kafka sink"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown sink.driver %q", c.Sink.Driver))
	}
	if c.Sink.RatePerSec < 0 {
		errs = append(errs, fmt.Errorf("sink.rate_per_sec must be >= 0"))
	}
	return errors.Join(errs...)
}

// Location is the zone applied to source timestamps without one.
func (c Config) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Source.Timezone)
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_TIMEZONE %q: %w", tz, err)
	}
	return loc, nil
}

// Settings returns the runtime-tunable part of the configuration.
func (c Config) Settings() scheduler.Settings {
	return scheduler.Settings{
		PollInterval: c.Scheduler.PollInterval,
		RetryCeiling: c.Scheduler.RetryCeiling,
		RetryBackoff: c.Scheduler.RetryBackoff,
		Workers:      c.Scheduler.Workers,
		FetchTimeout: c.Scheduler.FetchTimeout,
		Enabled:      c.Scheduler.Enabled,
		DryRun:       c.Scheduler.DryRun,
	}
}
