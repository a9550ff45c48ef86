/*
Package config loads the accrual service configuration.

FILE FORMAT (TOML):
  timezone = "Asia/Manila"
  schedule = "0 3 * * *"      # standard 5-field cron, evaluated in timezone
  job_name = "leaveAccrual"

  [database]
  path = "./data/accrual.db"

  [api]
  host = "127.0.0.1"
  port = 8080

  [runner]
  failure_policy   = "fail_fast"  # or "continue_on_error"
  stale_lock_after = ""           # e.g. "6h"; empty disables takeover

Missing keys keep their Default() value. The configuration is read once at
startup.
*/
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/robfig/cron/v3"
	"github.com/warp/leave-accrual/accrual"
	"github.com/warp/leave-accrual/civil"
)

// DefaultSchedule fires at 3 AM every day in the configured zone.
const DefaultSchedule = "0 3 * * *"

type Config struct {
	Timezone string         `toml:"timezone"`
	Schedule string         `toml:"schedule"`
	JobName  string         `toml:"job_name"`
	Database DatabaseConfig `toml:"database"`
	API      APIConfig      `toml:"api"`
	Runner   RunnerConfig   `toml:"runner"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

type APIConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

type RunnerConfig struct {
	FailurePolicy  string `toml:"failure_policy"`
	StaleLockAfter string `toml:"stale_lock_after"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Timezone: civil.DefaultZone,
		Schedule: DefaultSchedule,
		JobName:  accrual.DefaultJobName,
		Database: DatabaseConfig{Path: "./data/accrual.db"},
		API:      APIConfig{Host: "127.0.0.1", Port: 8080},
		Runner:   RunnerConfig{FailurePolicy: string(accrual.FailFast)},
	}
}

// Load overlays the TOML file at path on Default(). An empty path returns
// the defaults. Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("config: unknown key %q in %s", undecoded[0].String(), path)
	}
	return cfg, nil
}

// Validate checks every field and returns all problems at once.
func (c Config) Validate() error {
	var errs []error

	if _, err := civil.LoadZone(c.Timezone); err != nil {
		errs = append(errs, err)
	}
	if _, err := cron.ParseStandard(c.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("schedule %q: %w", c.Schedule, err))
	}
	if c.JobName == "" {
		errs = append(errs, errors.New("job_name is required"))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, fmt.Errorf("api.port %d out of range", c.API.Port))
	}
	if !accrual.FailurePolicy(c.Runner.FailurePolicy).Valid() {
		errs = append(errs, fmt.Errorf("runner.failure_policy %q: want %q or %q",
			c.Runner.FailurePolicy, accrual.FailFast, accrual.ContinueOnError))
	}
	if _, err := c.StaleLockAfter(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// Location resolves Timezone.
func (c Config) Location() (*time.Location, error) {
	return civil.LoadZone(c.Timezone)
}

// StaleLockAfter parses Runner.StaleLockAfter. Empty means disabled (zero).
func (c Config) StaleLockAfter() (time.Duration, error) {
	if c.Runner.StaleLockAfter == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Runner.StaleLockAfter)
	if err != nil {
		return 0, fmt.Errorf("runner.stale_lock_after: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("runner.stale_lock_after %s is negative", d)
	}
	return d, nil
}

// Addr is the HTTP listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.API.Host, c.API.Port)
}

// RunnerOptions translates the runner section into accrual options.
func (c Config) RunnerOptions() ([]accrual.Option, error) {
	stale, err := c.StaleLockAfter()
	if err != nil {
		return nil, err
	}
	return []accrual.Option{
		accrual.WithJobName(c.JobName),
		accrual.WithFailurePolicy(accrual.FailurePolicy(c.Runner.FailurePolicy)),
		accrual.WithStaleLockAfter(stale),
	}, nil
}
