// Package config loads the engine configuration from conductor.yaml and
// CONDUCTOR_* environment variables.
//
// Environment variables name a key with dots replaced by underscores, so
// acquisition.max_jobs is set by CONDUCTOR_ACQUISITION_MAX_JOBS. The
// environment wins over the file, the file over the defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/roach88/conductor/internal/jobexec"
	"github.com/roach88/conductor/internal/retry"
	"github.com/roach88/conductor/internal/store"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CONDUCTOR"

// Config is the engine configuration.
type Config struct {
	Node        NodeConfig
	Database    DatabaseConfig
	Acquisition AcquisitionConfig
	Workers     WorkersConfig
	Retry       RetryConfig
	Command     CommandConfig
	Metrics     MetricsConfig
}

type NodeConfig struct {
	// ID names this node as lock owner. Empty generates one.
	ID string
}

type DatabaseConfig struct {
	Driver       string
	DSN          string
	MaxOpenConns int
}

type AcquisitionConfig struct {
	MaxJobs           int
	WaitTime          time.Duration
	MaxWait           time.Duration
	BackoffMultiplier float64
	LockDuration      time.Duration
}

type WorkersConfig struct {
	Count     int
	QueueSize int
}

type RetryConfig struct {
	Legacy         bool
	DefaultRetries int
	Interval       time.Duration
}

type CommandConfig struct {
	MaxAttempts int
}

type MetricsConfig struct {
	// Addr is the listen address of the /metrics endpoint. Empty disables it.
	Addr string
}

var defaults = map[string]any{
	"node.id":                        "",
	"database.driver":                store.DriverSQLite,
	"database.dsn":                   "conductor.db",
	"database.max_open_conns":        0,
	"acquisition.max_jobs":           3,
	"acquisition.wait_time":          "5s",
	"acquisition.max_wait":           "60s",
	"acquisition.backoff_multiplier": 2.0,
	"acquisition.lock_duration":      "5m",
	"workers.count":                  4,
	"workers.queue_size":             8,
	"retry.legacy":                   false,
	"retry.default_retries":          3,
	"retry.interval":                 "10s",
	"command.max_attempts":           3,
	"metrics.addr":                   "",
}

// Viper returns a viper instance with the defaults and environment
// bindings installed. Callers may bind command-line flags to it before
// calling Decode.
func Viper() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the configuration. An empty path looks for conductor.yaml in
// the working directory and tolerates its absence; an explicit path must
// exist.
func Load(path string) (*Config, error) {
	v := Viper()
	if err := ReadFile(v, path); err != nil {
		return nil, err
	}
	return Decode(v)
}

// ReadFile merges the configuration file into v.
func ReadFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("conductor")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path == "" && errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// Decode builds and validates a Config from v.
func Decode(v *viper.Viper) (*Config, error) {
	c := &Config{
		Node: NodeConfig{ID: v.GetString("node.id")},
		Database: DatabaseConfig{
			Driver:       v.GetString("database.driver"),
			DSN:          v.GetString("database.dsn"),
			MaxOpenConns: v.GetInt("database.max_open_conns"),
		},
		Acquisition: AcquisitionConfig{
			MaxJobs:           v.GetInt("acquisition.max_jobs"),
			WaitTime:          v.GetDuration("acquisition.wait_time"),
			MaxWait:           v.GetDuration("acquisition.max_wait"),
			BackoffMultiplier: v.GetFloat64("acquisition.backoff_multiplier"),
			LockDuration:      v.GetDuration("acquisition.lock_duration"),
		},
		Workers: WorkersConfig{
			Count:     v.GetInt("workers.count"),
			QueueSize: v.GetInt("workers.queue_size"),
		},
		Retry: RetryConfig{
			Legacy:         v.GetBool("retry.legacy"),
			DefaultRetries: v.GetInt("retry.default_retries"),
			Interval:       v.GetDuration("retry.interval"),
		},
		Command: CommandConfig{MaxAttempts: v.GetInt("command.max_attempts")},
		Metrics: MetricsConfig{Addr: v.GetString("metrics.addr")},
	}
	if c.Node.ID == "" {
		c.Node.ID = defaultNodeID()
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case store.DriverSQLite, store.DriverPostgres:
	default:
		errs = append(errs, fmt.Errorf("database.driver: unknown driver %q", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn: required"))
	}
	if c.Acquisition.MaxJobs < 1 {
		errs = append(errs, fmt.Errorf("acquisition.max_jobs: must be at least 1, got %d", c.Acquisition.MaxJobs))
	}
	if c.Acquisition.WaitTime <= 0 {
		errs = append(errs, errors.New("acquisition.wait_time: must be positive"))
	}
	if c.Acquisition.MaxWait < c.Acquisition.WaitTime {
		errs = append(errs, errors.New("acquisition.max_wait: must not be below wait_time"))
	}
	if c.Acquisition.BackoffMultiplier < 1 {
		errs = append(errs, fmt.Errorf("acquisition.backoff_multiplier: must be at least 1, got %g", c.Acquisition.BackoffMultiplier))
	}
	if c.Acquisition.LockDuration <= 0 {
		errs = append(errs, errors.New("acquisition.lock_duration: must be positive"))
	}
	if c.Workers.Count < 1 {
		errs = append(errs, fmt.Errorf("workers.count: must be at least 1, got %d", c.Workers.Count))
	}
	if c.Workers.QueueSize < 0 {
		errs = append(errs, errors.New("workers.queue_size: must not be negative"))
	}
	if c.Retry.DefaultRetries < 0 {
		errs = append(errs, errors.New("retry.default_retries: must not be negative"))
	}
	if c.Command.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("command.max_attempts: must be at least 1, got %d", c.Command.MaxAttempts))
	}
	return errors.Join(errs...)
}

// StoreOptions returns the store options.
func (c *Config) StoreOptions() store.Options {
	return store.Options{Driver: c.Database.Driver, DSN: c.Database.DSN, MaxOpenConns: c.Database.MaxOpenConns}
}

// RetryPolicy returns the job retry policy.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{Legacy: c.Retry.Legacy, DefaultRetries: c.Retry.DefaultRetries, Interval: c.Retry.Interval}
}

// SchedulerOptions returns the acquisition backoff.
func (c *Config) SchedulerOptions() jobexec.Options {
	return jobexec.Options{
		WaitTime:   c.Acquisition.WaitTime,
		MaxWait:    c.Acquisition.MaxWait,
		Multiplier: c.Acquisition.BackoffMultiplier,
	}
}

func defaultNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "node"
	}
	return host + "-" + uuid.NewString()[:8]
}
