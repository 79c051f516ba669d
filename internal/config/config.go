// Package config provides configuration loading for harnessd.
//
// Configuration is read from a YAML file and overridden by environment
// variables. See LoadWithFile for precedence and security rules.
package config

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Config holds the complete harnessd configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Observability ObservabilityConfig `koanf:"observability"`
	Scheduler     SchedulerConfig     `koanf:"scheduler"`
	Harness       HarnessConfig       `koanf:"harness"`
	Gate          GateConfig          `koanf:"gate"`
	Events        EventsConfig        `koanf:"events"`
	Features      FeaturesConfig      `koanf:"features"`
	Workspace     WorkspaceConfig     `koanf:"workspace"`
	Engine        EngineConfig        `koanf:"engine"`
	MCP           []MCPServerConfig   `koanf:"mcp"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `koanf:"http_host"`
	Port            int           `koanf:"http_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	RateLimit       float64       `koanf:"rate_limit"` // requests per second per client
	RateBurst       int           `koanf:"rate_burst"`
}

// ObservabilityConfig holds OpenTelemetry export and daemon log settings.
type ObservabilityConfig struct {
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	ServiceName     string `koanf:"service_name"`
	Endpoint        string `koanf:"endpoint"`
	// Protocol is grpc or http/protobuf.
	Protocol        string        `koanf:"protocol"`
	Insecure        bool          `koanf:"insecure"`
	TLSSkipVerify   bool          `koanf:"tls_skip_verify"`
	TraceSampleRate float64       `koanf:"trace_sample_rate"`
	MetricsInterval time.Duration `koanf:"metrics_interval"`

	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`
	// LogSampling thins repeated info and debug lines. Errors and run
	// lifecycle lines are always written.
	LogSampling bool `koanf:"log_sampling"`
}

// SchedulerConfig controls the dispatch loop.
type SchedulerConfig struct {
	MaxConcurrency int           `koanf:"max_concurrency"`
	PollInterval   time.Duration `koanf:"poll_interval"`
	ShutdownGrace  time.Duration `koanf:"shutdown_grace"`
	MaxRetries     int           `koanf:"max_retries"`
	RetryDelay     time.Duration `koanf:"retry_delay"`
}

// HarnessConfig holds per-run defaults for the execution kernel.
type HarnessConfig struct {
	DefaultMaxTurns  int           `koanf:"default_max_turns"`
	DefaultTimeout   time.Duration `koanf:"default_timeout"`
	WatchdogInterval time.Duration `koanf:"watchdog_interval"` // 0 disables the watchdog
	ToolTimeout      time.Duration `koanf:"tool_timeout"`
	StopOnToolError  bool          `koanf:"stop_on_tool_error"`
	// ToolPolicy seeds the tool policy of every compiled spec.
	ToolPolicy ToolPolicyConfig `koanf:"tool_policy"`
}

// ToolPolicyConfig restricts the tools agents may call.
type ToolPolicyConfig struct {
	AllowedTools      []string          `koanf:"allowed_tools"` // empty allows all
	ForbiddenPatterns []string          `koanf:"forbidden_patterns"`
	ToolHints         map[string]string `koanf:"tool_hints"`
}

// GateConfig controls acceptance evaluation and the test contract.
type GateConfig struct {
	EnforceTestGate        bool     `koanf:"enforce_test_gate"`
	RequireAllAssertions   bool     `koanf:"require_all_assertions"`
	MinTestCoverage        float64  `koanf:"min_test_coverage"`
	AllowSkipForNoContract bool     `koanf:"allow_skip_for_no_contract"`
	Concurrency            int      `koanf:"concurrency"`
	TestCommand            []string `koanf:"test_command"`
	LintCommand            []string `koanf:"lint_command"`
	// Validators run for every feature. A feature validator with the same
	// name replaces the default.
	Validators []ValidatorConfig `koanf:"validators"`
}

// ValidatorConfig declares one acceptance validator.
type ValidatorConfig struct {
	Name     string   `koanf:"name"`
	Kind     string   `koanf:"kind"`
	Weight   float64  `koanf:"weight"`
	Required bool     `koanf:"required"`
	Command  []string `koanf:"command"`
	Paths    []string `koanf:"paths"`
	Patterns []string `koanf:"patterns"`
}

// contractValidatorName is the result key of the test contract check.
const contractValidatorName = "test_contract"

var validatorKinds = map[string]bool{
	"test_pass":          true,
	"file_exists":        true,
	"lint_clean":         true,
	"forbidden_patterns": true,
	"custom":             true,
}

func (v ValidatorConfig) validate() error {
	if v.Name == "" {
		return errors.New("name is required")
	}
	if v.Name == contractValidatorName {
		return fmt.Errorf("name %q is reserved for the test contract", v.Name)
	}
	if !validatorKinds[v.Kind] {
		return fmt.Errorf("unknown kind %q", v.Kind)
	}
	if v.Weight < 0 || v.Weight > 1 {
		return fmt.Errorf("weight must be between 0 and 1, got %v", v.Weight)
	}
	switch v.Kind {
	case "file_exists":
		if len(v.Paths) == 0 {
			return errors.New("file_exists needs paths")
		}
	case "forbidden_patterns":
		if len(v.Patterns) == 0 {
			return errors.New("forbidden_patterns needs patterns")
		}
	case "custom":
		if len(v.Command) == 0 {
			return errors.New("custom needs a command")
		}
	}
	return compileAll(v.Patterns)
}

func compileAll(patterns []string) error {
	for _, p := range patterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("invalid pattern %q: %w", p, err)
		}
	}
	return nil
}

// EventsConfig holds the durable log and live fan-out settings.
type EventsConfig struct {
	DBPath        string        `koanf:"db_path"`
	InMemory      bool          `koanf:"in_memory"`
	LiveLimit     int           `koanf:"live_limit"`
	LiveWindow    time.Duration `koanf:"live_window"`
	NATSURL       string        `koanf:"nats_url"`
	EmbeddedNATS  bool          `koanf:"embedded_nats"`
	SubjectPrefix string        `koanf:"subject_prefix"`
}

// FeaturesConfig locates the feature definitions.
type FeaturesConfig struct {
	Path   string `koanf:"path"`
	Watch  bool   `koanf:"watch"`
	DBPath string `koanf:"db_path"`
}

// WorkspaceConfig bounds the builtin tool providers.
type WorkspaceConfig struct {
	Root       string `koanf:"root"`
	AllowShell bool   `koanf:"allow_shell"`
}

// EngineConfig selects the reasoning engine.
type EngineConfig struct {
	Provider  string `koanf:"provider"`
	Model     string `koanf:"model"`
	BaseURL   string `koanf:"base_url"`
	APIKey    Secret `koanf:"api_key"`
	MaxTokens int    `koanf:"max_tokens"`
}

// MCPServerConfig describes one external MCP tool server.
type MCPServerConfig struct {
	Name         string   `koanf:"name"`
	Command      []string `koanf:"command"`
	URL          string   `koanf:"url"`
	AuthMethod   string   `koanf:"auth_method"`
	Token        Secret   `koanf:"token"`
	ClientID     string   `koanf:"client_id"`
	ClientSecret Secret   `koanf:"client_secret"`
	TokenURL     string   `koanf:"token_url"`
	Scopes       []string `koanf:"scopes"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if c.Server.RateLimit < 0 || c.Server.RateBurst < 0 {
		return errors.New("rate limit and burst must not be negative")
	}
	if c.Observability.EnableTelemetry && c.Observability.ServiceName == "" {
		return errors.New("service name required when telemetry is enabled")
	}
	if r := c.Observability.TraceSampleRate; r < 0 || r > 1 {
		return fmt.Errorf("observability.trace_sample_rate must be between 0 and 1, got %v", r)
	}

	if c.Scheduler.MaxConcurrency < 1 {
		return fmt.Errorf("scheduler.max_concurrency must be >= 1, got %d", c.Scheduler.MaxConcurrency)
	}
	if c.Scheduler.MaxRetries < 0 {
		return fmt.Errorf("scheduler.max_retries must be >= 0, got %d", c.Scheduler.MaxRetries)
	}
	if c.Scheduler.PollInterval <= 0 {
		return errors.New("scheduler.poll_interval must be positive")
	}

	if c.Harness.DefaultMaxTurns < 1 {
		return fmt.Errorf("harness.default_max_turns must be >= 1, got %d", c.Harness.DefaultMaxTurns)
	}
	if c.Harness.DefaultTimeout <= 0 {
		return errors.New("harness.default_timeout must be positive")
	}

	if err := compileAll(c.Harness.ToolPolicy.ForbiddenPatterns); err != nil {
		return fmt.Errorf("harness.tool_policy.forbidden_patterns: %w", err)
	}

	if c.Gate.MinTestCoverage < 0 || c.Gate.MinTestCoverage > 100 {
		return fmt.Errorf("gate.min_test_coverage must be between 0 and 100, got %v", c.Gate.MinTestCoverage)
	}
	names := make(map[string]bool, len(c.Gate.Validators))
	for i, v := range c.Gate.Validators {
		if err := v.validate(); err != nil {
			return fmt.Errorf("gate.validators[%d]: %w", i, err)
		}
		if names[v.Name] {
			return fmt.Errorf("gate.validators[%d]: duplicate name %q", i, v.Name)
		}
		names[v.Name] = true
	}

	if c.Events.LiveLimit < 1 {
		return fmt.Errorf("events.live_limit must be >= 1, got %d", c.Events.LiveLimit)
	}
	if c.Events.LiveWindow <= 0 {
		return errors.New("events.live_window must be positive")
	}
	if !c.Events.InMemory && c.Events.DBPath == "" {
		return errors.New("events.db_path is required unless events.in_memory is set")
	}

	switch c.Engine.Provider {
	case "openai", "scripted":
	default:
		return fmt.Errorf("engine.provider must be 'openai' or 'scripted', got %q", c.Engine.Provider)
	}

	seen := make(map[string]bool, len(c.MCP))
	for i, s := range c.MCP {
		if s.Name == "" {
			return fmt.Errorf("mcp[%d]: name is required", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("mcp[%d]: duplicate name %q", i, s.Name)
		}
		seen[s.Name] = true
		if (len(s.Command) == 0) == (s.URL == "") {
			return fmt.Errorf("mcp %s: exactly one of command or url is required", s.Name)
		}
	}

	return nil
}
