package telemetry

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/fyrsmithlabs/harnessd/internal/config"
)

// Config describes where and how harnessd exports traces and metrics.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string

	Endpoint      string
	Protocol      string // grpc or http/protobuf
	Insecure      bool
	TLSSkipVerify bool

	// SampleRate is the fraction of root spans kept. Scheduler ticks that
	// dispatch nothing are rarely worth a trace, so operators lower this
	// on busy daemons.
	SampleRate      float64
	MetricsInterval time.Duration
	ShutdownTimeout time.Duration
}

// NewDefaultConfig returns disabled telemetry pointed at a local collector.
func NewDefaultConfig() *Config {
	return &Config{
		ServiceName:     "harnessd",
		ServiceVersion:  "dev",
		Endpoint:        "localhost:4317",
		Protocol:        protocolGRPC,
		Insecure:        true,
		SampleRate:      1,
		MetricsInterval: 15 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

// FromObservability builds a telemetry config from the daemon settings.
func FromObservability(obs config.ObservabilityConfig, version string) *Config {
	cfg := NewDefaultConfig()
	cfg.Enabled = obs.EnableTelemetry
	cfg.Insecure = obs.Insecure
	cfg.TLSSkipVerify = obs.TLSSkipVerify
	cfg.SampleRate = obs.TraceSampleRate
	if obs.ServiceName != "" {
		cfg.ServiceName = obs.ServiceName
	}
	if obs.Endpoint != "" {
		cfg.Endpoint = obs.Endpoint
	}
	if obs.Protocol != "" {
		cfg.Protocol = obs.Protocol
	}
	if obs.MetricsInterval > 0 {
		cfg.MetricsInterval = obs.MetricsInterval
	}
	if version != "" {
		cfg.ServiceVersion = version
	}
	return cfg
}

// Validate checks an enabled config. A disabled config is always valid.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Endpoint == "" {
		return fmt.Errorf("telemetry endpoint is required")
	}
	if c.ServiceName == "" {
		return fmt.Errorf("telemetry service name is required")
	}
	if c.Protocol != protocolGRPC && c.Protocol != protocolHTTP {
		return fmt.Errorf("telemetry protocol must be %q or %q, got %q", protocolGRPC, protocolHTTP, c.Protocol)
	}
	// plaintext export of run traces is only allowed to a collector on this host
	if c.Insecure && !isLoopback(c.Endpoint) {
		return fmt.Errorf("insecure export to %s is not allowed; use TLS or a loopback collector", c.Endpoint)
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return fmt.Errorf("trace sample rate must be between 0 and 1, got %v", c.SampleRate)
	}
	if c.MetricsInterval <= 0 {
		return fmt.Errorf("metrics interval must be positive")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive")
	}
	return nil
}

// isLoopback reports whether endpoint names this host.
func isLoopback(endpoint string) bool {
	host := stripScheme(endpoint)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
