package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// EnvPrefix scopes environment overrides to harnessd.
	EnvPrefix = "HARNESSD_"
)

// Default returns the configuration used when neither the file nor the
// environment sets a value.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            9191,
			ShutdownTimeout: 10 * time.Second,
			RateLimit:       20,
			RateBurst:       40,
		},
		Observability: ObservabilityConfig{
			ServiceName:     "harnessd",
			Endpoint:        "localhost:4317",
			Protocol:        "grpc",
			Insecure:        true,
			TraceSampleRate: 1,
			MetricsInterval: 15 * time.Second,
			LogLevel:        "info",
			LogFormat:       "json",
			LogSampling:     true,
		},
		Scheduler: SchedulerConfig{
			MaxConcurrency: 4,
			PollInterval:   5 * time.Second,
			ShutdownGrace:  30 * time.Second,
			MaxRetries:     2,
		},
		Harness: HarnessConfig{
			DefaultMaxTurns: 50,
			DefaultTimeout:  30 * time.Minute,
			ToolTimeout:     5 * time.Minute,
			ToolPolicy: ToolPolicyConfig{
				ForbiddenPatterns: []string{`rm\s+-rf\s+/(\s|$)`, `git\s+push\b`},
			},
		},
		Gate: GateConfig{
			EnforceTestGate:        true,
			AllowSkipForNoContract: true,
			Concurrency:            4,
			TestCommand:            []string{"go", "test", "-v", "-cover", "./..."},
			LintCommand:            []string{"go", "vet", "./..."},
			Validators: []ValidatorConfig{
				{Name: "tests", Kind: "test_pass", Weight: 1, Required: true},
				{Name: "lint", Kind: "lint_clean", Weight: 0.5},
			},
		},
		Events: EventsConfig{
			DBPath:        "~/.local/share/harnessd/events",
			LiveLimit:     10,
			LiveWindow:    time.Second,
			EmbeddedNATS:  true,
			SubjectPrefix: "harnessd",
		},
		Features: FeaturesConfig{
			Path:   "features.yaml",
			Watch:  true,
			DBPath: "~/.local/share/harnessd/features",
		},
		Workspace: WorkspaceConfig{
			Root:       ".",
			AllowShell: true,
		},
		Engine: EngineConfig{
			Provider:  "openai",
			Model:     "gpt-4o-mini",
			MaxTokens: 4096,
		},
	}
}

// LoadWithFile loads configuration from a YAML file, then overrides it with
// environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (HARNESSD_SCHEDULER_MAX_CONCURRENCY, ...)
//  2. YAML config file (~/.config/harnessd/config.yaml)
//  3. Default()
//
// # Security Considerations
//
// The file must live in ~/.config/harnessd/ or /etc/harnessd/, have 0600 or
// 0400 permissions, and be at most 1MB.
//
// # Environment Variable Mapping
//
// The HARNESSD_ prefix is stripped and the remainder is split on the first
// underscore only:
//
//	HARNESSD_SCHEDULER_MAX_CONCURRENCY -> scheduler.max_concurrency
//	HARNESSD_EVENTS_NATS_URL           -> events.nats_url
//	HARNESSD_ENGINE_API_KEY            -> engine.api_key
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "harnessd", "config.yaml")
	}

	if err := validateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}

	if _, err := os.Stat(configPath); err == nil {
		// Validate through the opened descriptor to avoid a TOCTOU race.
		f, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
		if err := validateConfigFileProperties(info); err != nil {
			return nil, fmt.Errorf("config file validation failed: %w", err)
		}

		content, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	// Unmarshal over the defaults; keys absent from file and env keep them.
	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Lists of structs decode element-wise over the defaults, which would
	// leak default fields into configured validators. Replace them whole.
	if k.Exists("gate.validators") {
		var validators []ValidatorConfig
		if err := k.Unmarshal("gate.validators", &validators); err != nil {
			return nil, fmt.Errorf("failed to unmarshal gate.validators: %w", err)
		}
		cfg.Gate.Validators = validators
	}

	if err := applyDefaults(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envKey maps HARNESSD_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

// EnsureConfigDir creates ~/.config/harnessd with 0700 permissions.
func EnsureConfigDir() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	configDir := filepath.Join(home, ".config", "harnessd")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}
	return nil
}

// validateConfigPath checks if path is in allowed directories.
// This validation runs even if the file doesn't exist yet.
func validateConfigPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	// Follow symlinks so they cannot escape the allowed directories.
	resolvedPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		resolvedPath = absPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	allowedDirs := []string{
		filepath.Join(home, ".config", "harnessd"),
		"/etc/harnessd",
	}
	for _, dir := range allowedDirs {
		if resolvedPath == dir || strings.HasPrefix(resolvedPath, dir+string(filepath.Separator)) {
			return nil
		}
	}

	return fmt.Errorf("config file must be in ~/.config/harnessd/ or /etc/harnessd/")
}

// validateConfigFileProperties checks file permissions and size.
func validateConfigFileProperties(info os.FileInfo) error {
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}

	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}

// applyDefaults fills values derived from others and expands home paths.
func applyDefaults(cfg *Config) error {
	if cfg.Gate.Concurrency <= 0 {
		cfg.Gate.Concurrency = 1
	}
	if cfg.Events.SubjectPrefix == "" {
		cfg.Events.SubjectPrefix = "harnessd"
	}
	if cfg.Harness.ToolTimeout <= 0 {
		cfg.Harness.ToolTimeout = cfg.Harness.DefaultTimeout
	}

	var err error
	if cfg.Events.DBPath, err = ExpandHome(cfg.Events.DBPath); err != nil {
		return err
	}
	if cfg.Features.DBPath, err = ExpandHome(cfg.Features.DBPath); err != nil {
		return err
	}
	return nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
