// Package config loads coordinator settings from defaults, an optional YAML
// file, and COORDINATOR_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/avi3tal/coordinator/internal/tracing"
)

const (
	envPrefix         = "COORDINATOR"
	defaultConfigName = "coordinator"
)

// Planner names accepted by Decomposer.Planner.
const (
	PlannerKeyword    = "keyword"
	PlannerCapability = "capability"
	PlannerLLM        = "llm"
)

// Config holds all coordinator configuration.
type Config struct {
	Scheduler  Scheduler      `mapstructure:"scheduler" yaml:"scheduler"`
	Decomposer Decomposer     `mapstructure:"decomposer" yaml:"decomposer"`
	Logging    Logging        `mapstructure:"logging" yaml:"logging"`
	Tracing    tracing.Config `mapstructure:"tracing" yaml:"tracing"`
}

// Scheduler holds execution limits and retry policy.
type Scheduler struct {
	// MaxConcurrency bounds the number of nodes running at once across a workflow.
	MaxConcurrency int `mapstructure:"max_concurrency" yaml:"max_concurrency"`
	// NodeTimeout is the default per-attempt timeout.
	NodeTimeout time.Duration `mapstructure:"node_timeout" yaml:"node_timeout"`
	// MaxAttempts is the default number of attempts per node, including the first.
	MaxAttempts int `mapstructure:"max_attempts" yaml:"max_attempts"`
	// BackoffBase is the delay before the first retry.
	BackoffBase time.Duration `mapstructure:"backoff_base" yaml:"backoff_base"`
	// BackoffMax caps any single retry delay.
	BackoffMax time.Duration `mapstructure:"backoff_max" yaml:"backoff_max"`
	// BackoffJitter is the randomization factor applied to each delay, within [0, 1].
	BackoffJitter float64 `mapstructure:"backoff_jitter" yaml:"backoff_jitter"`
	// WorkflowTimeout is the default workflow deadline. Zero means none.
	WorkflowTimeout time.Duration `mapstructure:"workflow_timeout" yaml:"workflow_timeout"`
	// MaxIterations is the default iteration cap handed to workers.
	MaxIterations int `mapstructure:"max_iterations" yaml:"max_iterations"`
}

// Decomposer selects how free-text requests are planned.
type Decomposer struct {
	// Planner is one of "keyword", "capability" or "llm".
	Planner string `mapstructure:"planner" yaml:"planner"`
	// PlanningCapability is the tag invoked by the capability planner.
	PlanningCapability string `mapstructure:"planning_capability" yaml:"planning_capability"`
	// PlanTimeout bounds one planning call.
	PlanTimeout time.Duration `mapstructure:"plan_timeout" yaml:"plan_timeout"`
	// CacheTTL is how long identical planning prompts reuse a response.
	CacheTTL time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
	LLM      LLM           `mapstructure:"llm" yaml:"llm"`
}

// LLM configures the model behind the LLM planner and researcher workers.
type LLM struct {
	Model   string `mapstructure:"model" yaml:"model"`
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
	APIKey  string `mapstructure:"api_key" yaml:"-"`
}

// Logging configures the process logger.
type Logging struct {
	Level   string `mapstructure:"level" yaml:"level"`
	Format  string `mapstructure:"format" yaml:"format"` // "text" or "json"
	Service string `mapstructure:"service" yaml:"service"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Scheduler: Scheduler{
			MaxConcurrency:  8,
			NodeTimeout:     30 * time.Second,
			MaxAttempts:     3,
			BackoffBase:     200 * time.Millisecond,
			BackoffMax:      5 * time.Second,
			BackoffJitter:   0.2,
			WorkflowTimeout: 5 * time.Minute,
			MaxIterations:   10,
		},
		Decomposer: Decomposer{
			Planner:            PlannerKeyword,
			PlanningCapability: "planning",
			PlanTimeout:        30 * time.Second,
			CacheTTL:           10 * time.Minute,
			LLM: LLM{
				Model: "gpt-4o-mini",
			},
		},
		Logging: Logging{
			Level:   "info",
			Format:  "text",
			Service: "coordinator",
		},
		Tracing: tracing.DefaultConfig(),
	}
}

// setDefaults registers every key so environment overrides apply even when
// no config file mentions them.
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("scheduler.max_concurrency", d.Scheduler.MaxConcurrency)
	v.SetDefault("scheduler.node_timeout", d.Scheduler.NodeTimeout)
	v.SetDefault("scheduler.max_attempts", d.Scheduler.MaxAttempts)
	v.SetDefault("scheduler.backoff_base", d.Scheduler.BackoffBase)
	v.SetDefault("scheduler.backoff_max", d.Scheduler.BackoffMax)
	v.SetDefault("scheduler.backoff_jitter", d.Scheduler.BackoffJitter)
	v.SetDefault("scheduler.workflow_timeout", d.Scheduler.WorkflowTimeout)
	v.SetDefault("scheduler.max_iterations", d.Scheduler.MaxIterations)

	v.SetDefault("decomposer.planner", d.Decomposer.Planner)
	v.SetDefault("decomposer.planning_capability", d.Decomposer.PlanningCapability)
	v.SetDefault("decomposer.plan_timeout", d.Decomposer.PlanTimeout)
	v.SetDefault("decomposer.cache_ttl", d.Decomposer.CacheTTL)
	v.SetDefault("decomposer.llm.model", d.Decomposer.LLM.Model)
	v.SetDefault("decomposer.llm.base_url", d.Decomposer.LLM.BaseURL)
	v.SetDefault("decomposer.llm.api_key", d.Decomposer.LLM.APIKey)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.service", d.Logging.Service)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.file_path", d.Tracing.FilePath)
	v.SetDefault("tracing.otlp_endpoint", d.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
}

// Load reads configuration. An empty path looks for coordinator.yaml in the
// working directory and silently falls back to defaults when none exists;
// an explicit path must exist.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(defaultConfigName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.Decomposer.LLM.APIKey = os.ExpandEnv(cfg.Decomposer.LLM.APIKey)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	s := c.Scheduler
	if s.MaxConcurrency < 1 {
		errs = append(errs, fmt.Errorf("scheduler.max_concurrency must be at least 1, got %d", s.MaxConcurrency))
	}
	if s.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("scheduler.max_attempts must be at least 1, got %d", s.MaxAttempts))
	}
	if s.NodeTimeout <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.node_timeout must be positive, got %s", s.NodeTimeout))
	}
	if s.BackoffBase < 0 || s.BackoffMax < s.BackoffBase {
		errs = append(errs, fmt.Errorf("scheduler backoff requires 0 <= backoff_base <= backoff_max, got %s and %s", s.BackoffBase, s.BackoffMax))
	}
	if s.BackoffJitter < 0 || s.BackoffJitter > 1 {
		errs = append(errs, fmt.Errorf("scheduler.backoff_jitter must be within [0, 1], got %v", s.BackoffJitter))
	}
	if s.WorkflowTimeout < 0 {
		errs = append(errs, fmt.Errorf("scheduler.workflow_timeout must not be negative, got %s", s.WorkflowTimeout))
	}
	if s.MaxIterations < 1 {
		errs = append(errs, fmt.Errorf("scheduler.max_iterations must be at least 1, got %d", s.MaxIterations))
	}

	switch c.Decomposer.Planner {
	case PlannerKeyword, PlannerCapability, PlannerLLM:
	default:
		errs = append(errs, fmt.Errorf("decomposer.planner must be keyword, capability or llm, got %q", c.Decomposer.Planner))
	}
	if c.Decomposer.Planner != PlannerKeyword && c.Decomposer.PlanningCapability == "" {
		errs = append(errs, fmt.Errorf("decomposer.planning_capability is required for the %s planner", c.Decomposer.Planner))
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json", "":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format))
	}

	if err := c.Tracing.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
