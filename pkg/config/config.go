package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultAppRoot is the default application root for scripts and results.
	DefaultAppRoot = "./data"

	// DefaultListen is the default API listen address.
	DefaultListen = ":8085"

	// DefaultRunnerBinary is the default structured-test runner executable.
	DefaultRunnerBinary = "robot"

	// DefaultRunTimeout bounds a single runner invocation.
	DefaultRunTimeout = 300 * time.Second

	// DefaultStepTimeout is the per-action timeout passed to the runner.
	DefaultStepTimeout = 10 * time.Second

	// DefaultRunnerLogLevel is the runner's own logging verbosity.
	DefaultRunnerLogLevel = "INFO"

	// DefaultStopTimeout bounds graceful recorder termination before the
	// process is killed.
	DefaultStopTimeout = 10 * time.Second

	// DefaultGenerationTimeout bounds a generation-service request.
	DefaultGenerationTimeout = 60 * time.Second

	// DefaultWorkers is the background execution worker count.
	DefaultWorkers = 2

	// DefaultReadRequestsPerMinute is the per-IP read-tier rate limit.
	DefaultReadRequestsPerMinute = 300

	// DefaultMutateRequestsPerMinute is the per-IP mutate-tier rate limit.
	DefaultMutateRequestsPerMinute = 60
)

// TranslationStrategyRules selects the fixed pattern-table translator.
const TranslationStrategyRules = "rules"

// TranslationStrategyGenerative selects the generation-service translator.
const TranslationStrategyGenerative = "generative"

// Config is the root configuration for tap.
type Config struct {
	Global     GlobalConfig     `yaml:"global" mapstructure:"global"`
	App        AppConfig        `yaml:"app" mapstructure:"app"`
	Runner     RunnerConfig     `yaml:"runner" mapstructure:"runner"`
	Recorder   RecorderConfig   `yaml:"recorder" mapstructure:"recorder"`
	Translator TranslatorConfig `yaml:"translator" mapstructure:"translator"`
	Database   DatabaseConfig   `yaml:"database" mapstructure:"database"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Upload     *S3UploadConfig  `yaml:"upload,omitempty" mapstructure:"upload"`
	Retention  *RetentionConfig `yaml:"retention,omitempty" mapstructure:"retention"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// AppConfig contains settings shared by all execution components.
type AppConfig struct {
	// Root is the application root. Scripts, translated documents and
	// execution artifacts all live beneath it, and artifact paths stored
	// on execution records are relative to it.
	Root string `yaml:"root" mapstructure:"root"`

	// Headless is the default headless-mode flag for executions.
	Headless *bool `yaml:"headless,omitempty" mapstructure:"headless"`

	// BackgroundExecution dispatches execute requests to worker goroutines
	// instead of running them on the caller.
	BackgroundExecution *bool `yaml:"background_execution,omitempty" mapstructure:"background_execution"`

	// Workers is the background execution worker count.
	Workers int `yaml:"workers,omitempty" mapstructure:"workers"`
}

// RunnerConfig configures the external structured-test runner. Timeouts
// are duration strings ("300s", "5m"); parsed values are available via
// the corresponding methods.
type RunnerConfig struct {
	Binary        string `yaml:"binary" mapstructure:"binary"`
	RunTimeout    string `yaml:"run_timeout,omitempty" mapstructure:"run_timeout"`
	StepTimeout   string `yaml:"step_timeout,omitempty" mapstructure:"step_timeout"`
	LogLevel      string `yaml:"log_level" mapstructure:"log_level"`
	ParallelSuite bool   `yaml:"parallel_suite" mapstructure:"parallel_suite"`
}

// RunTimeoutDuration returns the parsed run timeout.
func (r *RunnerConfig) RunTimeoutDuration() time.Duration {
	return parseDuration(r.RunTimeout, DefaultRunTimeout)
}

// StepTimeoutDuration returns the parsed per-step timeout.
func (r *RunnerConfig) StepTimeoutDuration() time.Duration {
	return parseDuration(r.StepTimeout, DefaultStepTimeout)
}

// RecorderConfig configures the interactive-capture tool.
type RecorderConfig struct {
	// Command is the capture tool invocation prefix, e.g.
	// ["npx", "playwright", "codegen"].
	Command     []string `yaml:"command" mapstructure:"command"`
	StopTimeout string   `yaml:"stop_timeout,omitempty" mapstructure:"stop_timeout"`
}

// StopTimeoutDuration returns the parsed graceful-stop timeout.
func (r *RecorderConfig) StopTimeoutDuration() time.Duration {
	return parseDuration(r.StopTimeout, DefaultStopTimeout)
}

// TranslatorConfig configures script translation.
type TranslatorConfig struct {
	Strategy   string                   `yaml:"strategy" mapstructure:"strategy"`
	Generation *GenerationServiceConfig `yaml:"generation,omitempty" mapstructure:"generation"`
}

// GenerationServiceConfig points at the external generation service used
// by the generative translation strategy.
type GenerationServiceConfig struct {
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint"`
	Model    string `yaml:"model,omitempty" mapstructure:"model"`
	APIKey   string `yaml:"api_key,omitempty" mapstructure:"api_key"`
	Timeout  string `yaml:"timeout,omitempty" mapstructure:"timeout"`
}

// TimeoutDuration returns the parsed generation request timeout.
func (g *GenerationServiceConfig) TimeoutDuration() time.Duration {
	return parseDuration(g.Timeout, DefaultGenerationTimeout)
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver   string         `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteConfig   `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteConfig contains SQLite-specific settings.
type SQLiteConfig struct {
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

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled" mapstructure:"enabled"`
	Read    RateLimitTier `yaml:"read,omitempty" mapstructure:"read"`
	Mutate  RateLimitTier `yaml:"mutate,omitempty" mapstructure:"mutate"`
}

// RateLimitTier defines request limits for a specific tier.
type RateLimitTier struct {
	RequestsPerMinute int `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// S3UploadConfig configures optional artifact upload to S3-compatible storage.
type S3UploadConfig struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
	StorageClass    string `yaml:"storage_class,omitempty" mapstructure:"storage_class"`
	ACL             string `yaml:"acl,omitempty" mapstructure:"acl"`
}

// RetentionConfig prunes old run artifact directories. Execution records
// themselves are never deleted.
type RetentionConfig struct {
	Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
	MaxAge   string `yaml:"max_age" mapstructure:"max_age"`
	Interval string `yaml:"interval,omitempty" mapstructure:"interval"`
}

// MaxAgeDuration returns the parsed retention age, zero when unset.
func (r *RetentionConfig) MaxAgeDuration() time.Duration {
	return parseDuration(r.MaxAge, 0)
}

// IntervalDuration returns the parsed sweep interval.
func (r *RetentionConfig) IntervalDuration() time.Duration {
	return parseDuration(r.Interval, time.Hour)
}

// parseDuration parses a duration string, returning fallback for empty
// or malformed input. Malformed values are caught by Validate.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}

	return d
}

// Load reads a configuration file from the given path. Any value can
// be overridden through the environment with a TAP_ prefix and
// underscores for nesting, e.g. TAP_SERVER_LISTEN=":9090".
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("TAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.ApplyDefaults()

	return &cfg, nil
}

// Dump renders the effective configuration as YAML with secrets
// removed.
func (c *Config) Dump() (string, error) {
	redacted := *c

	if redacted.Upload != nil {
		upload := *redacted.Upload
		upload.SecretAccessKey = ""
		redacted.Upload = &upload
	}

	if redacted.Translator.Generation != nil {
		generation := *redacted.Translator.Generation
		generation.APIKey = ""
		redacted.Translator.Generation = &generation
	}

	data, err := yaml.Marshal(&redacted)
	if err != nil {
		return "", fmt.Errorf("rendering config: %w", err)
	}

	return string(data), nil
}

// ApplyDefaults sets default values for unspecified configuration options.
func (c *Config) ApplyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.App.Root == "" {
		c.App.Root = DefaultAppRoot
	}

	if c.App.Headless == nil {
		headless := true
		c.App.Headless = &headless
	}

	if c.App.BackgroundExecution == nil {
		bg := true
		c.App.BackgroundExecution = &bg
	}

	if c.App.Workers <= 0 {
		c.App.Workers = DefaultWorkers
	}

	if c.Runner.Binary == "" {
		c.Runner.Binary = DefaultRunnerBinary
	}

	if c.Runner.LogLevel == "" {
		c.Runner.LogLevel = DefaultRunnerLogLevel
	}

	if len(c.Recorder.Command) == 0 {
		c.Recorder.Command = []string{"npx", "playwright", "codegen"}
	}

	if c.Translator.Strategy == "" {
		c.Translator.Strategy = TranslationStrategyRules
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}

	if c.Database.Driver == "sqlite" && c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = filepath.Join(c.App.Root, "tap.db")
	}

	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}

	if c.Server.RateLimit.Enabled {
		if c.Server.RateLimit.Read.RequestsPerMinute <= 0 {
			c.Server.RateLimit.Read.RequestsPerMinute = DefaultReadRequestsPerMinute
		}

		if c.Server.RateLimit.Mutate.RequestsPerMinute <= 0 {
			c.Server.RateLimit.Mutate.RequestsPerMinute = DefaultMutateRequestsPerMinute
		}
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
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	switch c.Translator.Strategy {
	case TranslationStrategyRules:
	case TranslationStrategyGenerative:
		if c.Translator.Generation == nil || c.Translator.Generation.Endpoint == "" {
			return fmt.Errorf(
				"translator.generation.endpoint is required for the %q strategy",
				TranslationStrategyGenerative,
			)
		}
	default:
		return fmt.Errorf("unknown translation strategy: %s", c.Translator.Strategy)
	}

	if c.Upload != nil && c.Upload.Enabled && c.Upload.Bucket == "" {
		return fmt.Errorf("upload.bucket is required when upload is enabled")
	}

	for name, value := range map[string]string{
		"runner.run_timeout":    c.Runner.RunTimeout,
		"runner.step_timeout":   c.Runner.StepTimeout,
		"recorder.stop_timeout": c.Recorder.StopTimeout,
	} {
		if value == "" {
			continue
		}

		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, value, err)
		}
	}

	if c.Retention != nil && c.Retention.Enabled {
		if c.Retention.MaxAge == "" {
			return fmt.Errorf("retention.max_age is required when retention is enabled")
		}

		if d, err := time.ParseDuration(c.Retention.MaxAge); err != nil || d <= 0 {
			return fmt.Errorf("invalid retention.max_age %q", c.Retention.MaxAge)
		}
	}

	if dir := filepath.Dir(c.App.Root); dir != "." && dir != ".." {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			return fmt.Errorf("app root parent %q does not exist", dir)
		}
	}

	return nil
}

// Headless returns the default headless flag.
func (c *Config) Headless() bool {
	return c.App.Headless == nil || *c.App.Headless
}

// BackgroundExecution reports whether executions run on background workers.
func (c *Config) BackgroundExecution() bool {
	return c.App.BackgroundExecution == nil || *c.App.BackgroundExecution
}
