package config

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "invalid server port"},
		{"no concurrency", func(c *Config) { c.Scheduler.MaxConcurrency = 0 }, "max_concurrency"},
		{"negative retries", func(c *Config) { c.Scheduler.MaxRetries = -1 }, "max_retries"},
		{"coverage above 100", func(c *Config) { c.Gate.MinTestCoverage = 101 }, "min_test_coverage"},
		{"zero live limit", func(c *Config) { c.Events.LiveLimit = 0 }, "live_limit"},
		{"no db path", func(c *Config) { c.Events.DBPath = "" }, "db_path"},
		{"in memory without path", func(c *Config) { c.Events.DBPath = ""; c.Events.InMemory = true }, ""},
		{"unknown engine", func(c *Config) { c.Engine.Provider = "magic" }, "engine.provider"},
		{"trace sample rate above one", func(c *Config) { c.Observability.TraceSampleRate = 1.5 }, "trace_sample_rate"},
		{"negative trace sample rate", func(c *Config) { c.Observability.TraceSampleRate = -0.1 }, "trace_sample_rate"},
		{"validator without name", func(c *Config) {
			c.Gate.Validators = []ValidatorConfig{{Kind: "test_pass"}}
		}, "name is required"},
		{"validator reserved name", func(c *Config) {
			c.Gate.Validators = []ValidatorConfig{{Name: "test_contract", Kind: "test_pass"}}
		}, "reserved"},
		{"validator unknown kind", func(c *Config) {
			c.Gate.Validators = []ValidatorConfig{{Name: "x", Kind: "vibes"}}
		}, "unknown kind"},
		{"validator weight", func(c *Config) {
			c.Gate.Validators = []ValidatorConfig{{Name: "x", Kind: "test_pass", Weight: 2}}
		}, "weight"},
		{"file_exists without paths", func(c *Config) {
			c.Gate.Validators = []ValidatorConfig{{Name: "x", Kind: "file_exists"}}
		}, "needs paths"},
		{"bad forbidden pattern", func(c *Config) {
			c.Gate.Validators = []ValidatorConfig{{Name: "x", Kind: "forbidden_patterns", Patterns: []string{"("}}}
		}, "invalid pattern"},
		{"duplicate validator", func(c *Config) {
			c.Gate.Validators = []ValidatorConfig{{Name: "x", Kind: "test_pass"}, {Name: "x", Kind: "lint_clean"}}
		}, "duplicate name"},
		{"bad tool policy pattern", func(c *Config) {
			c.Harness.ToolPolicy.ForbiddenPatterns = []string{"[a-"}
		}, "tool_policy"},
		{"mcp without transport", func(c *Config) {
			c.MCP = []MCPServerConfig{{Name: "x"}}
		}, "exactly one of command or url"},
		{"mcp duplicate", func(c *Config) {
			c.MCP = []MCPServerConfig{{Name: "x", URL: "http://a"}, {Name: "x", URL: "http://b"}}
		}, "duplicate name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			if assert.Error(t, err) {
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestDefault_GateValidators(t *testing.T) {
	cfg := Default()
	require.Len(t, cfg.Gate.Validators, 2)
	assert.Equal(t, "test_pass", cfg.Gate.Validators[0].Kind)
	assert.True(t, cfg.Gate.Validators[0].Required)
	assert.Equal(t, "lint_clean", cfg.Gate.Validators[1].Kind)
	assert.False(t, cfg.Gate.Validators[1].Required)
	assert.NotEmpty(t, cfg.Harness.ToolPolicy.ForbiddenPatterns)
}

func TestSecret_Redaction(t *testing.T) {
	s := Secret("hunter2")

	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprint(s))
	assert.NotContains(t, fmt.Sprintf("%#v", s), "hunter2")
	assert.Equal(t, "hunter2", s.Value())
	assert.True(t, s.IsSet())

	b, err := json.Marshal(EngineConfig{Provider: "openai", APIKey: s})
	require.NoError(t, err)
	assert.NotContains(t, string(b), "hunter2")
	assert.Contains(t, string(b), `"APIKey":"[REDACTED]"`)

	var empty Secret
	assert.False(t, empty.IsSet())
	assert.Equal(t, "", empty.String())

	var decoded Secret
	require.NoError(t, decoded.UnmarshalText([]byte("sk-live")))
	assert.Equal(t, "sk-live", decoded.Value())
}
