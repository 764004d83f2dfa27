package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rendis/actuator/internal/actions"
	"github.com/rendis/actuator/internal/engine"
	"github.com/rendis/actuator/internal/expressions"
	"github.com/rendis/actuator/internal/scheduler"
	"github.com/rendis/actuator/internal/transport"
	"github.com/rendis/actuator/internal/validation"
	"github.com/rendis/actuator/pkg/schema"
)

// Config holds all actuator configuration.
// Priority: env vars > settings.yaml > defaults.
type Config struct {
	ListenAddr     string                  `yaml:"listen_addr"`
	DBPath         string                  `yaml:"db_path"`
	LogLevel       string                  `yaml:"log_level"`
	PoolSize       int                     `yaml:"pool_size"`
	Validation     string                  `yaml:"validation"`
	Retry          schema.RetryPolicy      `yaml:"retry"`
	Actions        map[string]ActionConfig `yaml:"actions,omitempty"`
	Transport      TransportConfig         `yaml:"transport"`
	CircuitBreaker BreakerConfig           `yaml:"circuit_breaker"`
	Endpoints      []actions.Endpoint      `yaml:"endpoints,omitempty"`
	Schedules      []ScheduleConfig        `yaml:"schedules,omitempty"`
	Tracing        TracingConfig           `yaml:"tracing"`
}

// ActionConfig holds per-action overrides.
type ActionConfig struct {
	Retry *schema.RetryPolicy `yaml:"retry,omitempty"`
}

// TransportConfig configures the shared HTTP client.
type TransportConfig struct {
	Timeout            string            `yaml:"timeout"`
	MaxResponseBody    int64             `yaml:"max_response_body"`
	ChunkSize          int               `yaml:"chunk_size"`
	RatePerSecond      float64           `yaml:"rate_per_second"`
	Burst              int               `yaml:"burst"`
	InsecureSkipVerify bool              `yaml:"insecure_skip_verify"`
	Headers            map[string]string `yaml:"headers,omitempty"`
}

// BreakerConfig configures the per-action circuit breaker. A zero threshold disables it.
type BreakerConfig struct {
	FailureThreshold int    `yaml:"failure_threshold"`
	Cooldown         string `yaml:"cooldown"`
}

// TracingConfig configures OTLP span export. An empty endpoint disables it.
type TracingConfig struct {
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	Insecure     bool    `yaml:"insecure"`
	SampleRate   float64 `yaml:"sample_rate"`
}

// ScheduleConfig declares a recurring invocation.
type ScheduleConfig struct {
	Name    string              `yaml:"name"`
	Cron    string              `yaml:"cron"`
	Action  string              `yaml:"action"`
	Params  map[string]any      `yaml:"params,omitempty"`
	Retry   *schema.RetryPolicy `yaml:"retry,omitempty"`
	Timeout string              `yaml:"timeout,omitempty"`
	Enabled *bool               `yaml:"enabled,omitempty"` // default true
}

func defaultConfig() Config {
	return Config{
		ListenAddr: ":4200",
		DBPath:     filepath.Join(actuatorDir(), "actuator.db"),
		LogLevel:   "info",
		PoolSize:   engine.DefaultPoolSize,
		Validation: string(validation.Strict),
		Retry: schema.RetryPolicy{
			MaxAttempts: engine.DefaultMaxAttempts,
			BaseDelay:   engine.DefaultBaseDelay.String(),
			Multiplier:  engine.DefaultMultiplier,
			MaxDelay:    engine.DefaultMaxDelay.String(),
		},
		Transport: TransportConfig{
			Timeout:         "30s",
			MaxResponseBody: 10 << 20,
			ChunkSize:       32 << 10,
		},
		CircuitBreaker: BreakerConfig{
			FailureThreshold: 5,
			Cooldown:         "30s",
		},
		Tracing: TracingConfig{SampleRate: 1.0},
	}
}

func actuatorDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".actuator"
	}
	return filepath.Join(home, ".actuator")
}

func settingsPath() string {
	return filepath.Join(actuatorDir(), "settings.yaml")
}

func pidPath() string {
	return filepath.Join(actuatorDir(), "actuator.pid")
}

// loadConfig layers defaults, the settings file at path and ACTUATOR_* env vars.
// A missing file is not an error; a malformed one is.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	// Layer 2: settings.yaml (ignore if missing).
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case !os.IsNotExist(err):
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}

	// Layer 3: env vars override.
	applyEnv(&cfg, os.Getenv)
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) {
	if v := getenv("ACTUATOR_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := getenv("ACTUATOR_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := getenv("ACTUATOR_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv("ACTUATOR_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := getenv("ACTUATOR_VALIDATION"); v != "" {
		cfg.Validation = v
	}
	if v := getenv("ACTUATOR_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Retry.MaxAttempts = n
		}
	}
	if v := getenv("ACTUATOR_TRANSPORT_TIMEOUT"); v != "" {
		cfg.Transport.Timeout = v
	}
	if v := getenv("ACTUATOR_INSECURE_SKIP_VERIFY"); v != "" {
		cfg.Transport.InsecureSkipVerify = v == "true" || v == "1"
	}
	if v := getenv("ACTUATOR_OTLP_ENDPOINT"); v != "" {
		cfg.Tracing.OTLPEndpoint = v
	}
}

// validate checks every retry policy in cfg and the scalar settings the
// engine cannot default. Cron expressions are parsed when jobs are added.
func (c Config) validate(checker *validation.PolicyChecker) error {
	result := &schema.ValidationResult{}

	if _, err := validation.ParseStrictness(c.Validation); err != nil {
		result.AddErr("validation", err)
	}
	if c.PoolSize < 0 {
		result.AddError("pool_size", "must not be negative")
	}
	if _, err := parseOptionalDuration(c.Transport.Timeout); err != nil {
		result.AddErr("transport.timeout", err)
	}
	if _, err := parseOptionalDuration(c.CircuitBreaker.Cooldown); err != nil {
		result.AddErr("circuit_breaker.cooldown", err)
	}

	checker.Check("retry", &c.Retry, result)
	for name, ac := range c.Actions {
		checker.Check("actions."+name+".retry", ac.Retry, result)
	}
	for i, sc := range c.Schedules {
		path := fmt.Sprintf("schedules[%d]", i)
		if sc.Name == "" {
			result.AddError(path+".name", "is required")
		}
		if sc.Cron == "" {
			result.AddError(path+".cron", "is required")
		}
		checker.Check(path+".retry", sc.Retry, result)
	}
	return result.ToError()
}

func (c Config) strictness() validation.Strictness {
	s, err := validation.ParseStrictness(c.Validation)
	if err != nil {
		return validation.Strict
	}
	return s
}

func (c Config) transportConfig() transport.Config {
	timeout, _ := parseOptionalDuration(c.Transport.Timeout)
	return transport.Config{
		Timeout:            timeout,
		MaxResponseBody:    c.Transport.MaxResponseBody,
		ChunkSize:          c.Transport.ChunkSize,
		RatePerSecond:      c.Transport.RatePerSecond,
		Burst:              c.Transport.Burst,
		InsecureSkipVerify: c.Transport.InsecureSkipVerify,
		Headers:            c.Transport.Headers,
	}
}

func (c Config) breakerConfig() engine.CircuitBreakerConfig {
	cfg := engine.DefaultCircuitBreakerConfig()
	cfg.FailureThreshold = c.CircuitBreaker.FailureThreshold
	if d, _ := parseOptionalDuration(c.CircuitBreaker.Cooldown); d > 0 {
		cfg.Cooldown = d
	}
	return cfg
}

// policies resolves the global policy and the per-action overrides, which
// inherit unset fields from the global one.
func (c Config) policies(cel *expressions.CELEngine) (*engine.Policy, map[string]*engine.Policy, error) {
	global, err := engine.PolicyFromSchema(c.Retry, cel)
	if err != nil {
		return nil, nil, err
	}
	perAction := make(map[string]*engine.Policy, len(c.Actions))
	for name, ac := range c.Actions {
		if ac.Retry == nil {
			continue
		}
		p, err := engine.PolicyFromSchema(ac.Retry.Merge(c.Retry), cel)
		if err != nil {
			return nil, nil, fmt.Errorf("actions.%s.retry: %w", name, err)
		}
		perAction[name] = p
	}
	return global, perAction, nil
}

// jobs converts schedule declarations into scheduler jobs.
func (c Config) jobs(cel *expressions.CELEngine) ([]scheduler.Job, error) {
	jobs := make([]scheduler.Job, 0, len(c.Schedules))
	for _, sc := range c.Schedules {
		job := scheduler.Job{
			Name:    sc.Name,
			Cron:    sc.Cron,
			Action:  sc.Action,
			Params:  sc.Params,
			Timeout: sc.Timeout,
			Enabled: sc.Enabled == nil || *sc.Enabled,
		}
		if sc.Retry != nil {
			p, err := engine.PolicyFromSchema(sc.Retry.Merge(c.Retry), cel)
			if err != nil {
				return nil, fmt.Errorf("schedule %s: %w", sc.Name, err)
			}
			job.Policy = p
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// dbURI turns a plain path into the file URI libsql expects.
func (c Config) dbURI() string {
	if strings.HasPrefix(c.DBPath, "file:") || strings.Contains(c.DBPath, "://") {
		return c.DBPath
	}
	return "file:" + c.DBPath
}

func parseOptionalDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged bool
	RestartNeeded   []string // fields that require a server restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	if old.ListenAddr != new.ListenAddr {
		d.RestartNeeded = append(d.RestartNeeded, "listen_addr")
	}
	if old.DBPath != new.DBPath {
		d.RestartNeeded = append(d.RestartNeeded, "db_path")
	}
	if old.PoolSize != new.PoolSize {
		d.RestartNeeded = append(d.RestartNeeded, "pool_size")
	}
	if old.Validation != new.Validation {
		d.RestartNeeded = append(d.RestartNeeded, "validation")
	}
	if !sameYAML(old.Retry, new.Retry) || !sameYAML(old.Actions, new.Actions) {
		d.RestartNeeded = append(d.RestartNeeded, "retry")
	}
	if !sameYAML(old.Transport, new.Transport) {
		d.RestartNeeded = append(d.RestartNeeded, "transport")
	}
	if !sameYAML(old.Endpoints, new.Endpoints) {
		d.RestartNeeded = append(d.RestartNeeded, "endpoints")
	}
	if !sameYAML(old.Schedules, new.Schedules) {
		d.RestartNeeded = append(d.RestartNeeded, "schedules")
	}
	if old.Tracing != new.Tracing {
		d.RestartNeeded = append(d.RestartNeeded, "tracing")
	}
	return d
}

func sameYAML(a, b any) bool {
	da, errA := yaml.Marshal(a)
	db, errB := yaml.Marshal(b)
	return errA == nil && errB == nil && string(da) == string(db)
}
