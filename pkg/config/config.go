package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// EnvPrefix is the prefix for environment variable overrides.
	EnvPrefix = "GRADEOOR"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultDatabaseDriver is the default database driver.
	DefaultDatabaseDriver = "sqlite"

	// DefaultSQLitePath is the default SQLite database file.
	DefaultSQLitePath = "./gradeoor.db"

	// DefaultHeartbeatInterval is how often runners are expected to beat.
	DefaultHeartbeatInterval = 60 * time.Second

	// DefaultMaxMissedBeats is how many beats may be missed before a
	// runner is considered lost.
	DefaultMaxMissedBeats = 5

	// DefaultSweepInterval is the interval between batch run sweeps.
	DefaultSweepInterval = 5 * time.Minute

	// DefaultCleanupRetryBackoff is the base delay before a failed runner
	// teardown may be attempted again.
	DefaultCleanupRetryBackoff = 30 * time.Second

	// DefaultMaxCleanupAttempts bounds teardown attempts per runner.
	DefaultMaxCleanupAttempts = 5

	// DefaultResultsPerRunner is the default number of pending results
	// one runner is expected to handle.
	DefaultResultsPerRunner = 10

	// DefaultMaxRunners is the default upper bound of runners per run.
	DefaultMaxRunners = 4

	// DefaultBrokerTimeout is the default per-request broker timeout.
	DefaultBrokerTimeout = 10 * time.Second

	// DefaultBrokerMaxRetries is the default number of broker retries.
	DefaultBrokerMaxRetries = 3

	// DefaultBrokerRequestsPerSecond is the default broker request rate.
	DefaultBrokerRequestsPerSecond = 10.0

	// DefaultSchedulerPollInterval is the default dispatcher poll interval.
	DefaultSchedulerPollInterval = time.Second

	// DefaultSchedulerConcurrency is the default number of tasks executed
	// in parallel.
	DefaultSchedulerConcurrency = 8

	// DefaultSchedulerBatchSize is the default number of tasks claimed
	// per poll.
	DefaultSchedulerBatchSize = 64

	// DefaultSchedulerLeaseDuration is how long a claimed task is owned
	// before another dispatcher may reclaim it.
	DefaultSchedulerLeaseDuration = 5 * time.Minute

	// DefaultSchedulerMaxAttempts is the default number of attempts
	// before a task is parked as failed.
	DefaultSchedulerMaxAttempts = 20

	// DefaultSchedulerRetryBackoff is the base retry delay for failed tasks.
	DefaultSchedulerRetryBackoff = 5 * time.Second

	// DefaultAPIListen is the default API listen address.
	DefaultAPIListen = ":8080"
)

// Config is the root configuration for gradeoor.
type Config struct {
	Global       GlobalConfig       `yaml:"global" mapstructure:"global"`
	Database     DatabaseConfig     `yaml:"database" mapstructure:"database"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" mapstructure:"orchestrator"`
	Broker       BrokerConfig       `yaml:"broker" mapstructure:"broker"`
	Scheduler    SchedulerConfig    `yaml:"scheduler" mapstructure:"scheduler"`
	API          APIConfig          `yaml:"api" mapstructure:"api"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver   string               `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// OrchestratorConfig controls the runner-fleet control loops.
type OrchestratorConfig struct {
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval" mapstructure:"heartbeat_interval"`
	MaxMissedBeats      int           `yaml:"max_missed_beats" mapstructure:"max_missed_beats"`
	SweepInterval       time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval"`
	CleanupRetryBackoff time.Duration `yaml:"cleanup_retry_backoff" mapstructure:"cleanup_retry_backoff"`
	MaxCleanupAttempts  int           `yaml:"max_cleanup_attempts" mapstructure:"max_cleanup_attempts"`
	Sizing              SizingConfig  `yaml:"sizing" mapstructure:"sizing"`
}

// MaxHeartbeatAge is the longest a runner may stay silent before it is
// considered lost.
func (c *OrchestratorConfig) MaxHeartbeatAge() time.Duration {
	return c.HeartbeatInterval * time.Duration(c.MaxMissedBeats)
}

// SizingConfig configures the default fleet sizing policy.
type SizingConfig struct {
	ResultsPerRunner int `yaml:"results_per_runner" mapstructure:"results_per_runner"`
	MaxRunners       int `yaml:"max_runners" mapstructure:"max_runners"`
}

// BrokerConfig contains settings for the provisioning broker.
type BrokerConfig struct {
	URL               string        `yaml:"url" mapstructure:"url"`
	Token             string        `yaml:"token,omitempty" mapstructure:"token"`
	Timeout           time.Duration `yaml:"timeout" mapstructure:"timeout"`
	MaxRetries        int           `yaml:"max_retries" mapstructure:"max_retries"`
	RequestsPerSecond float64       `yaml:"requests_per_second" mapstructure:"requests_per_second"`
}

// SchedulerConfig contains settings for the delayed task dispatcher.
type SchedulerConfig struct {
	PollInterval  time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	Concurrency   int           `yaml:"concurrency" mapstructure:"concurrency"`
	BatchSize     int           `yaml:"batch_size" mapstructure:"batch_size"`
	LeaseDuration time.Duration `yaml:"lease_duration" mapstructure:"lease_duration"`
	MaxAttempts   int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	RetryBackoff  time.Duration `yaml:"retry_backoff" mapstructure:"retry_backoff"`
}

// APIConfig contains ingress HTTP server settings.
type APIConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	Token       string          `yaml:"token,omitempty" mapstructure:"token"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
}

// RateLimitConfig configures per-caller rate limiting. Runners are keyed by
// their id and everything else by client address.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// Load reads and merges the configuration files at the given paths, in
// order, and applies environment variable overrides on top. Later files
// override earlier ones.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	for i, path := range paths {
		v.SetConfigFile(path)

		var err error
		if i == 0 {
			err = v.ReadInConfig()
		} else {
			err = v.MergeInConfig()
		}

		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// setDefaults registers every key with viper so that environment
// variables are honored even when the key is absent from the files.
func setDefaults(v *viper.Viper) {
	v.SetDefault("global.log_level", DefaultLogLevel)

	v.SetDefault("database.driver", DefaultDatabaseDriver)
	v.SetDefault("database.sqlite.path", DefaultSQLitePath)
	v.SetDefault("database.postgres.host", "")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.database", "")
	v.SetDefault("database.postgres.ssl_mode", "disable")

	v.SetDefault("orchestrator.heartbeat_interval", DefaultHeartbeatInterval)
	v.SetDefault("orchestrator.max_missed_beats", DefaultMaxMissedBeats)
	v.SetDefault("orchestrator.sweep_interval", DefaultSweepInterval)
	v.SetDefault("orchestrator.cleanup_retry_backoff", DefaultCleanupRetryBackoff)
	v.SetDefault("orchestrator.max_cleanup_attempts", DefaultMaxCleanupAttempts)
	v.SetDefault("orchestrator.sizing.results_per_runner", DefaultResultsPerRunner)
	v.SetDefault("orchestrator.sizing.max_runners", DefaultMaxRunners)

	v.SetDefault("broker.url", "")
	v.SetDefault("broker.token", "")
	v.SetDefault("broker.timeout", DefaultBrokerTimeout)
	v.SetDefault("broker.max_retries", DefaultBrokerMaxRetries)
	v.SetDefault("broker.requests_per_second", DefaultBrokerRequestsPerSecond)

	v.SetDefault("scheduler.poll_interval", DefaultSchedulerPollInterval)
	v.SetDefault("scheduler.concurrency", DefaultSchedulerConcurrency)
	v.SetDefault("scheduler.batch_size", DefaultSchedulerBatchSize)
	v.SetDefault("scheduler.lease_duration", DefaultSchedulerLeaseDuration)
	v.SetDefault("scheduler.max_attempts", DefaultSchedulerMaxAttempts)
	v.SetDefault("scheduler.retry_backoff", DefaultSchedulerRetryBackoff)

	v.SetDefault("api.listen", DefaultAPIListen)
	v.SetDefault("api.token", "")
	v.SetDefault("api.rate_limit.enabled", false)
	v.SetDefault("api.rate_limit.requests_per_minute", 600)
}

// applyDefaults fixes up zero values that survived unmarshalling, for
// example when a file explicitly sets a field to an empty value.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Database.Driver == "" {
		c.Database.Driver = DefaultDatabaseDriver
	}

	if c.Database.Driver == "sqlite" && c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = DefaultSQLitePath
	}

	if c.Orchestrator.HeartbeatInterval <= 0 {
		c.Orchestrator.HeartbeatInterval = DefaultHeartbeatInterval
	}

	if c.Orchestrator.MaxMissedBeats <= 0 {
		c.Orchestrator.MaxMissedBeats = DefaultMaxMissedBeats
	}

	if c.Orchestrator.SweepInterval <= 0 {
		c.Orchestrator.SweepInterval = DefaultSweepInterval
	}

	if c.Orchestrator.CleanupRetryBackoff <= 0 {
		c.Orchestrator.CleanupRetryBackoff = DefaultCleanupRetryBackoff
	}

	if c.Orchestrator.MaxCleanupAttempts <= 0 {
		c.Orchestrator.MaxCleanupAttempts = DefaultMaxCleanupAttempts
	}

	if c.Orchestrator.Sizing.ResultsPerRunner <= 0 {
		c.Orchestrator.Sizing.ResultsPerRunner = DefaultResultsPerRunner
	}

	if c.Scheduler.Concurrency <= 0 {
		c.Scheduler.Concurrency = DefaultSchedulerConcurrency
	}

	if c.Scheduler.BatchSize <= 0 {
		c.Scheduler.BatchSize = DefaultSchedulerBatchSize
	}

	if c.API.Listen == "" {
		c.API.Listen = DefaultAPIListen
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path is required")
		}
	case "postgres":
		if c.Database.Postgres.Host == "" {
			return fmt.Errorf("database.postgres.host is required")
		}

		if c.Database.Postgres.Database == "" {
			return fmt.Errorf("database.postgres.database is required")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	if c.Broker.URL == "" {
		return fmt.Errorf("broker.url is required")
	}

	if c.Broker.Timeout <= 0 {
		return fmt.Errorf("broker.timeout must be positive")
	}

	if c.Broker.MaxRetries < 0 {
		return fmt.Errorf("broker.max_retries must not be negative")
	}

	if c.Orchestrator.Sizing.MaxRunners < 0 {
		return fmt.Errorf("orchestrator.sizing.max_runners must not be negative")
	}

	if c.Scheduler.PollInterval <= 0 {
		return fmt.Errorf("scheduler.poll_interval must be positive")
	}

	if c.Scheduler.LeaseDuration <= 0 {
		return fmt.Errorf("scheduler.lease_duration must be positive")
	}

	if c.Scheduler.MaxAttempts <= 0 {
		return fmt.Errorf("scheduler.max_attempts must be positive")
	}

	if c.API.RateLimit.Enabled && c.API.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("api.rate_limit.requests_per_minute must be positive")
	}

	return nil
}
