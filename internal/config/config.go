// Package config loads the framework configuration: yaml file, environment
// overrides via dotenv, validated defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/nightofknife/aura/internal/manager"
	"github.com/nightofknife/aura/internal/scheduler"
	"github.com/nightofknife/aura/internal/state"
	"golang.org/x/time/rate"
)

// DefaultFileName is tried when no explicit config path is given.
const DefaultFileName = "aura.yaml"

// Duration parses yaml values like "500ms" or "10s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Paths locates the plugin trees on disk.
type Paths struct {
	PlansDir    string `yaml:"plans_dir" validate:"required"`
	PackagesDir string `yaml:"packages_dir"`
}

// Scheduler tunes queues and admission.
type Scheduler struct {
	EventWorkers       int              `yaml:"event_workers" validate:"min=0"`
	QueueSize          int              `yaml:"queue_size" validate:"min=0"`
	GlobalCap          int64            `yaml:"global_cap" validate:"min=0"`
	ResourceCaps       map[string]int64 `yaml:"resource_caps"`
	DefaultResourceCap int64            `yaml:"default_resource_cap" validate:"min=0"`
	InterruptRate      float64          `yaml:"interrupt_rate" validate:"min=0"`
}

// Pools sizes the worker pools.
type Pools struct {
	IOWorkers     int64    `yaml:"io_workers" validate:"min=0"`
	CPUWorkers    int64    `yaml:"cpu_workers" validate:"min=0"`
	ShutdownGrace Duration `yaml:"shutdown_grace"`
}

// Planner bounds the state planner's retries.
type Planner struct {
	VerifyRetries int      `yaml:"verify_retries" validate:"min=0"`
	MaxReplans    int      `yaml:"max_replans" validate:"min=0"`
	Backoff       Duration `yaml:"backoff"`
}

// Reload tunes the hot-reload supervisor.
type Reload struct {
	Debounce Duration `yaml:"debounce"`
}

// API configures the HTTP surface.
type API struct {
	Addr string `yaml:"addr" validate:"omitempty,hostname_port"`
}

// Config is the full framework configuration.
type Config struct {
	Paths     Paths     `yaml:"paths"`
	Scheduler Scheduler `yaml:"scheduler"`
	Pools     Pools     `yaml:"pools"`
	Planner   Planner   `yaml:"planner"`
	Reload    Reload    `yaml:"reload"`
	API       API       `yaml:"api"`
}

var validate = validator.New()

// Default returns the documented defaults. Pool and cap zeros defer to the
// CPU-derived defaults applied by the manager.
func Default() *Config {
	return &Config{
		Paths:     Paths{PlansDir: "plans", PackagesDir: "packages"},
		Scheduler: Scheduler{EventWorkers: 4, InterruptRate: 1},
		Planner:   Planner{VerifyRetries: 3, MaxReplans: 5, Backoff: Duration(500 * time.Millisecond)},
		Reload:    Reload{Debounce: Duration(300 * time.Millisecond)},
		API:       API{Addr: ":8765"},
	}
}

// Load reads the configuration: dotenv first, then the yaml file (explicit
// path, $AURA_CONFIG, or ./aura.yaml), then environment overrides. A missing
// file yields the defaults.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	if path == "" {
		path = os.Getenv("AURA_CONFIG")
	}
	if path == "" {
		if _, err := os.Stat(DefaultFileName); err == nil {
			path = DefaultFileName
		}
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	if v := os.Getenv("AURA_PLANS_DIR"); v != "" {
		cfg.Paths.PlansDir = v
	}
	if v := os.Getenv("AURA_PACKAGES_DIR"); v != "" {
		cfg.Paths.PackagesDir = v
	}
	if v := os.Getenv("AURA_API_ADDR"); v != "" {
		cfg.API.Addr = v
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ManagerConfig maps onto the execution manager's knobs.
func (c *Config) ManagerConfig() manager.Config {
	return manager.Config{
		GlobalCap:          c.Scheduler.GlobalCap,
		ResourceCaps:       c.Scheduler.ResourceCaps,
		DefaultResourceCap: c.Scheduler.DefaultResourceCap,
		IOWorkers:          c.Pools.IOWorkers,
		CPUWorkers:         c.Pools.CPUWorkers,
		ShutdownGrace:      c.Pools.ShutdownGrace.Std(),
		Planner:            c.PlannerOptions(),
	}
}

// SchedulerConfig maps onto the scheduler's knobs.
func (c *Config) SchedulerConfig() scheduler.Config {
	return scheduler.Config{
		EventWorkers:   c.Scheduler.EventWorkers,
		QueueSize:      c.Scheduler.QueueSize,
		ReloadDebounce: c.Reload.Debounce.Std(),
		InterruptRate:  rate.Limit(c.Scheduler.InterruptRate),
	}
}

// PlannerOptions maps onto the state planner's retry bounds.
func (c *Config) PlannerOptions() state.Options {
	return state.Options{
		VerifyRetries: c.Planner.VerifyRetries,
		MaxReplans:    c.Planner.MaxReplans,
		Backoff:       c.Planner.Backoff.Std(),
	}
}
