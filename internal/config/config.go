// Package config loads server and client settings. Sources apply in order:
// built-in defaults, an optional YAML file, ACTIVITYHUB_* environment
// variables, then command-line flags.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/bcrosbie/activityhub/internal/archive"
	"github.com/bcrosbie/activityhub/internal/client"
	"github.com/bcrosbie/activityhub/internal/hub"
	"github.com/bcrosbie/activityhub/internal/monitor"
)

const envPrefix = "ACTIVITYHUB_"

type Config struct {
	GRPCAddr         string          `yaml:"grpc_addr"`
	HTTPAddr         string          `yaml:"http_addr"`
	AuthToken        string          `yaml:"auth_token"`
	EnableReflection bool            `yaml:"enable_reflection"`
	Monitor          MonitorConfig   `yaml:"monitor"`
	Push             PushConfig      `yaml:"push"`
	Archive          ArchiveConfig   `yaml:"archive"`
	Redaction        RedactionConfig `yaml:"redaction"`
	Log              LogConfig       `yaml:"log"`
}

type MonitorConfig struct {
	Enabled          bool          `yaml:"enabled"`
	SampleInterval   time.Duration `yaml:"sample_interval"`
	HistoryCap       int           `yaml:"history_cap"`
	ResourceSampling bool          `yaml:"resource_sampling"`
	EntityMetrics    bool          `yaml:"entity_metrics"`
	Verbose          bool          `yaml:"verbose"`
	// StaleThreshold cancels activities live for longer than this. Zero
	// disables the sweep.
	StaleThreshold time.Duration `yaml:"stale_threshold"`
	DiskPath       string        `yaml:"disk_path"`
}

type PushConfig struct {
	QueueSize         int           `yaml:"queue_size"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	OriginPatterns    []string      `yaml:"origin_patterns"`
}

type ArchiveConfig struct {
	Driver    string `yaml:"driver"`
	DSN       string `yaml:"dsn"`
	Path      string `yaml:"path"`
	QueueSize int    `yaml:"queue_size"`
}

type RedactionConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Patterns []string `yaml:"patterns"`
	Keys     []string `yaml:"keys"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() Config {
	return Config{
		GRPCAddr: "127.0.0.1:50051",
		HTTPAddr: "127.0.0.1:8080",
		Monitor: MonitorConfig{
			Enabled:          true,
			SampleInterval:   monitor.DefaultSampleInterval,
			HistoryCap:       monitor.DefaultHistoryCap,
			ResourceSampling: true,
			EntityMetrics:    true,
			DiskPath:         "/",
		},
		Push: PushConfig{
			QueueSize:         hub.DefaultQueueSize,
			HeartbeatInterval: hub.DefaultHeartbeatInterval,
		},
		Archive: ArchiveConfig{
			Driver:    archive.DriverNone,
			Path:      "./data/activities.jsonl",
			QueueSize: archive.DefaultQueueSize,
		},
		Redaction: RedactionConfig{Enabled: true},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds the server configuration. args are the command-line
// arguments without the program name; lookupEnv is usually os.LookupEnv.
// A --help flag yields pflag.ErrHelp.
func Load(args []string, lookupEnv func(string) (string, bool)) (Config, error) {
	if lookupEnv == nil {
		lookupEnv = os.LookupEnv
	}

	flags := Default()
	flagSet, configPath := newFlagSet(&flags)

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return Config{}, err
		}
		return Config{}, fmt.Errorf("parse flags: %w", err)
	}

	cfg := Default()
	path := strings.TrimSpace(*configPath)
	if path == "" {
		path, _ = lookupEnv(envPrefix + "CONFIG")
	}
	if path = strings.TrimSpace(path); path != "" {
		if err := loadFromFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg, lookupEnv); err != nil {
		return Config{}, err
	}
	flagSet.Visit(func(flag *pflag.Flag) {
		applyFlag(&cfg, flags, flag.Name)
	})

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Usage returns the flag help text for the server.
func Usage() string {
	flags := Default()
	flagSet, _ := newFlagSet(&flags)
	return flagSet.FlagUsages()
}

// newFlagSet binds every server flag to a field of flags. The returned
// string pointer holds --config.
func newFlagSet(flags *Config) (*pflag.FlagSet, *string) {
	flagSet := pflag.NewFlagSet("activityhub-server", pflag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	configPath := flagSet.String("config", "", "YAML config file (env "+envPrefix+"CONFIG)")
	flagSet.StringVar(&flags.GRPCAddr, "grpc-addr", flags.GRPCAddr, "gRPC listen address")
	flagSet.StringVar(&flags.HTTPAddr, "http-addr", flags.HTTPAddr, "HTTP listen address, empty to disable")
	flagSet.StringVar(&flags.AuthToken, "auth-token", "", "token required on producer RPCs")
	flagSet.BoolVar(&flags.EnableReflection, "enable-reflection", false, "register gRPC server reflection")
	flagSet.BoolVar(&flags.Monitor.Enabled, "enabled", flags.Monitor.Enabled, "start with monitoring enabled")
	flagSet.DurationVar(&flags.Monitor.SampleInterval, "sample-interval", flags.Monitor.SampleInterval, "resource sampling interval")
	flagSet.IntVar(&flags.Monitor.HistoryCap, "history-cap", flags.Monitor.HistoryCap, "finished activities and samples retained")
	flagSet.BoolVar(&flags.Monitor.ResourceSampling, "resource-sampling", flags.Monitor.ResourceSampling, "sample host resources")
	flagSet.BoolVar(&flags.Monitor.EntityMetrics, "entity-metrics", flags.Monitor.EntityMetrics, "track per-agent metrics")
	flagSet.BoolVar(&flags.Monitor.Verbose, "verbose", false, "log every activity transition")
	flagSet.DurationVar(&flags.Monitor.StaleThreshold, "stale-threshold", 0, "cancel activities live longer than this, 0 to disable")
	flagSet.StringVar(&flags.Archive.Driver, "archive-driver", flags.Archive.Driver, "none, file or postgres")
	flagSet.StringVar(&flags.Archive.DSN, "archive-dsn", "", "postgres connection string")
	flagSet.StringVar(&flags.Archive.Path, "archive-path", flags.Archive.Path, "JSON lines file for the file archive")
	flagSet.StringVar(&flags.Log.Level, "log-level", flags.Log.Level, "debug, info, warn or error")
	flagSet.StringVar(&flags.Log.Format, "log-format", flags.Log.Format, "text or json")
	return flagSet, configPath
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config, lookupEnv func(string) (string, bool)) error {
	env := func(name string) (string, bool) {
		value, ok := lookupEnv(envPrefix + name)
		value = strings.TrimSpace(value)
		return value, ok && value != ""
	}
	str := func(name string, target *string) {
		if value, ok := env(name); ok {
			*target = value
		}
	}
	var errs []error
	boolean := func(name string, target *bool) {
		if value, ok := env(name); ok {
			parsed, err := strconv.ParseBool(value)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s%s: %w", envPrefix, name, err))
				return
			}
			*target = parsed
		}
	}
	integer := func(name string, target *int) {
		if value, ok := env(name); ok {
			parsed, err := strconv.Atoi(value)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s%s: %w", envPrefix, name, err))
				return
			}
			*target = parsed
		}
	}
	duration := func(name string, target *time.Duration) {
		if value, ok := env(name); ok {
			parsed, err := time.ParseDuration(value)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s%s: %w", envPrefix, name, err))
				return
			}
			*target = parsed
		}
	}
	list := func(name string, target *[]string) {
		if value, ok := env(name); ok {
			var items []string
			for _, item := range strings.Split(value, ",") {
				if item = strings.TrimSpace(item); item != "" {
					items = append(items, item)
				}
			}
			*target = items
		}
	}

	str("GRPC_ADDR", &cfg.GRPCAddr)
	str("HTTP_ADDR", &cfg.HTTPAddr)
	str("AUTH_TOKEN", &cfg.AuthToken)
	boolean("ENABLE_REFLECTION", &cfg.EnableReflection)
	boolean("ENABLED", &cfg.Monitor.Enabled)
	duration("SAMPLE_INTERVAL", &cfg.Monitor.SampleInterval)
	integer("HISTORY_CAP", &cfg.Monitor.HistoryCap)
	boolean("RESOURCE_SAMPLING", &cfg.Monitor.ResourceSampling)
	boolean("ENTITY_METRICS", &cfg.Monitor.EntityMetrics)
	boolean("VERBOSE", &cfg.Monitor.Verbose)
	duration("STALE_THRESHOLD", &cfg.Monitor.StaleThreshold)
	str("DISK_PATH", &cfg.Monitor.DiskPath)
	integer("PUSH_QUEUE_SIZE", &cfg.Push.QueueSize)
	duration("HEARTBEAT_INTERVAL", &cfg.Push.HeartbeatInterval)
	list("ORIGIN_PATTERNS", &cfg.Push.OriginPatterns)
	str("ARCHIVE_DRIVER", &cfg.Archive.Driver)
	str("ARCHIVE_DSN", &cfg.Archive.DSN)
	str("ARCHIVE_PATH", &cfg.Archive.Path)
	integer("ARCHIVE_QUEUE_SIZE", &cfg.Archive.QueueSize)
	boolean("REDACTION", &cfg.Redaction.Enabled)
	list("REDACTION_KEYS", &cfg.Redaction.Keys)
	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)

	// DATABASE_URL is honoured for the archive DSN as the conventional name.
	if cfg.Archive.DSN == "" {
		if value, ok := lookupEnv("DATABASE_URL"); ok {
			cfg.Archive.DSN = strings.TrimSpace(value)
		}
	}
	return errors.Join(errs...)
}

func applyFlag(cfg *Config, flags Config, name string) {
	switch name {
	case "grpc-addr":
		cfg.GRPCAddr = flags.GRPCAddr
	case "http-addr":
		cfg.HTTPAddr = flags.HTTPAddr
	case "auth-token":
		cfg.AuthToken = flags.AuthToken
	case "enable-reflection":
		cfg.EnableReflection = flags.EnableReflection
	case "enabled":
		cfg.Monitor.Enabled = flags.Monitor.Enabled
	case "sample-interval":
		cfg.Monitor.SampleInterval = flags.Monitor.SampleInterval
	case "history-cap":
		cfg.Monitor.HistoryCap = flags.Monitor.HistoryCap
	case "resource-sampling":
		cfg.Monitor.ResourceSampling = flags.Monitor.ResourceSampling
	case "entity-metrics":
		cfg.Monitor.EntityMetrics = flags.Monitor.EntityMetrics
	case "verbose":
		cfg.Monitor.Verbose = flags.Monitor.Verbose
	case "stale-threshold":
		cfg.Monitor.StaleThreshold = flags.Monitor.StaleThreshold
	case "archive-driver":
		cfg.Archive.Driver = flags.Archive.Driver
	case "archive-dsn":
		cfg.Archive.DSN = flags.Archive.DSN
	case "archive-path":
		cfg.Archive.Path = flags.Archive.Path
	case "log-level":
		cfg.Log.Level = flags.Log.Level
	case "log-format":
		cfg.Log.Format = flags.Log.Format
	}
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.GRPCAddr) == "" {
		errs = append(errs, errors.New("grpc_addr is required"))
	}
	if c.Monitor.SampleInterval <= 0 {
		errs = append(errs, fmt.Errorf("sample_interval must be positive, got %s", c.Monitor.SampleInterval))
	}
	if c.Monitor.HistoryCap <= 0 {
		errs = append(errs, fmt.Errorf("history_cap must be positive, got %d", c.Monitor.HistoryCap))
	}
	if c.Monitor.StaleThreshold < 0 {
		errs = append(errs, fmt.Errorf("stale_threshold must not be negative, got %s", c.Monitor.StaleThreshold))
	}
	if c.Push.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("push queue_size must be positive, got %d", c.Push.QueueSize))
	}
	if c.Push.HeartbeatInterval <= 0 {
		errs = append(errs, fmt.Errorf("heartbeat_interval must be positive, got %s", c.Push.HeartbeatInterval))
	}
	switch strings.ToLower(c.Archive.Driver) {
	case "", archive.DriverNone:
	case archive.DriverFile:
		if strings.TrimSpace(c.Archive.Path) == "" {
			errs = append(errs, errors.New("archive path is required when archive driver is file"))
		}
	case archive.DriverPostgres:
		if strings.TrimSpace(c.Archive.DSN) == "" {
			errs = append(errs, errors.New("archive dsn (or DATABASE_URL) is required when archive driver is postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("archive driver must be one of none, file, postgres, got %q", c.Archive.Driver))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log format must be text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

func (c Config) MonitorOptions() monitor.Options {
	return monitor.Options{
		Enabled:          c.Monitor.Enabled,
		SampleInterval:   c.Monitor.SampleInterval,
		HistoryCap:       c.Monitor.HistoryCap,
		ResourceSampling: c.Monitor.ResourceSampling,
		EntityMetrics:    c.Monitor.EntityMetrics,
		VerboseLogging:   c.Monitor.Verbose,
	}
}

func (c Config) HubOptions() hub.Options {
	opts := hub.DefaultOptions()
	opts.QueueSize = c.Push.QueueSize
	opts.HeartbeatInterval = c.Push.HeartbeatInterval
	return opts
}

// NewLogger builds the process logger. Verbose monitoring lowers the level
// to debug so activity transitions are visible.
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	if c.Monitor.Verbose && level > slog.LevelDebug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(raw string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(raw))); err != nil {
		return slog.LevelInfo, fmt.Errorf("log level must be debug, info, warn or error, got %q", raw)
	}
	return level, nil
}

// ClientOptions reads the address and token producers and viewers use to
// reach a server: ACTIVITYHUB_ADDR, ACTIVITYHUB_TOKEN and
// ACTIVITYHUB_INSECURE. The returned options hold the defaults for any
// variable that fails to parse, alongside the error.
func ClientOptions(lookupEnv func(string) (string, bool)) (client.Options, error) {
	if lookupEnv == nil {
		lookupEnv = os.LookupEnv
	}
	opts := client.Options{
		Addr:           client.DefaultAddr,
		RequestTimeout: client.DefaultRequestTimeout,
		RetryAttempts:  client.DefaultRetryAttempts,
	}
	if value, ok := lookupEnv(envPrefix + "ADDR"); ok && strings.TrimSpace(value) != "" {
		opts.Addr = strings.TrimSpace(value)
	}
	if value, ok := lookupEnv(envPrefix + "TOKEN"); ok {
		opts.Token = strings.TrimSpace(value)
	}
	if value, ok := lookupEnv(envPrefix + "INSECURE"); ok && strings.TrimSpace(value) != "" {
		insecure, err := strconv.ParseBool(strings.TrimSpace(value))
		if err != nil {
			return opts, fmt.Errorf("invalid %sINSECURE: %w", envPrefix, err)
		}
		opts.Insecure = insecure
	}
	return opts, nil
}
