// Package config defines the engine configuration file: per-engine execution
// policies, scan tool connection settings, and stream delivery behavior.
package config

import (
	"fmt"
	"time"
)

// Config represents the top-level configuration.
type Config struct {
	Engines EnginesConfig `yaml:"engines"`
	Stream  StreamConfig  `yaml:"stream"`
}

// EnginesConfig groups the per-engine sections and the defaults they inherit.
type EnginesConfig struct {
	Defaults PolicyConfig   `yaml:"defaults"`
	WebVuln  WebVulnConfig  `yaml:"web_vuln"`
	PortScan PortScanConfig `yaml:"port_scan"`
	SSLTLS   SSLTLSConfig   `yaml:"ssl_tls"`
}

// PolicyConfig bounds one engine's execution within a job. Durations are Go
// duration strings, e.g. "30m" or "5s".
type PolicyConfig struct {
	// Budget caps the engine's wall-clock execution time. Empty or "0"
	// means no cap.
	Budget string `yaml:"budget,omitempty"`

	// Grace bounds the wait between a cooperative cancel and a forced kill.
	Grace string `yaml:"grace,omitempty"`

	// Weight scales the engine's contribution to the job-level percentage.
	Weight float64 `yaml:"weight,omitempty"`

	// Options are engine-specific defaults, merged under request overrides.
	Options map[string]any `yaml:"options,omitempty"`
}

// WebVulnConfig configures the web_vuln engine and its daemon connection.
type WebVulnConfig struct {
	PolicyConfig `yaml:",inline"`

	// BaseURL is the ZAP-compatible daemon's API address.
	BaseURL string `yaml:"base_url"`

	// APIKey authenticates API calls when the daemon requires one.
	APIKey string `yaml:"api_key,omitempty"`

	// MaxCrawlDepth bounds the spider's crawl.
	MaxCrawlDepth int `yaml:"max_crawl_depth,omitempty"`

	// PollInterval is the cadence of spider/active-scan status polls.
	PollInterval string `yaml:"poll_interval,omitempty"`
}

// PortScanConfig configures the port_scan engine's TCP connect sweep.
type PortScanConfig struct {
	PolicyConfig `yaml:",inline"`

	// Ports is the sweep range, e.g. "1-1000" or "22,80,443,8000-8100".
	Ports string `yaml:"ports,omitempty"`

	// Concurrency bounds the number of parallel connection attempts.
	Concurrency int `yaml:"concurrency,omitempty"`

	// DialTimeout is the per-port connection timeout.
	DialTimeout string `yaml:"dial_timeout,omitempty"`

	// RatePerSec caps connection attempts per second across all workers.
	RatePerSec int `yaml:"rate_per_sec,omitempty"`
}

// SSLTLSConfig configures the ssl_tls inspection engine.
type SSLTLSConfig struct {
	PolicyConfig `yaml:",inline"`

	// DialTimeout bounds each handshake attempt.
	DialTimeout string `yaml:"dial_timeout,omitempty"`
}

// StreamConfig tunes progress aggregation and WebSocket delivery.
type StreamConfig struct {
	// HeartbeatInterval is the cadence of stream heartbeat frames.
	HeartbeatInterval string `yaml:"heartbeat_interval,omitempty"`

	// CompletionHold is how long a completed job's connection stays open
	// after the final frame so slow readers still receive it.
	CompletionHold string `yaml:"completion_hold,omitempty"`

	// SnapshotDebounce caps ledger snapshot writes per job.
	SnapshotDebounce string `yaml:"snapshot_debounce,omitempty"`

	// BacklogCapacity is the per-job replay ring size for reconnects.
	BacklogCapacity int `yaml:"backlog_capacity,omitempty"`

	// TerminalRetention is how long a finished job's stream state is kept
	// for late subscribers before being purged.
	TerminalRetention string `yaml:"terminal_retention,omitempty"`
}

// Default returns the configuration used when no file is provided. File
// contents are unmarshalled over it, so omitted keys keep these values.
func Default() *Config {
	return &Config{
		Engines: EnginesConfig{
			Defaults: PolicyConfig{
				Grace:  "5s",
				Weight: 1.0,
			},
			WebVuln: WebVulnConfig{
				PolicyConfig:  PolicyConfig{Budget: "30m"},
				BaseURL:       "http://127.0.0.1:8080",
				MaxCrawlDepth: 5,
				PollInterval:  "2s",
			},
			PortScan: PortScanConfig{
				PolicyConfig: PolicyConfig{Budget: "10m"},
				Ports:        "1-1000",
				Concurrency:  64,
				DialTimeout:  "2s",
				RatePerSec:   500,
			},
			SSLTLS: SSLTLSConfig{
				PolicyConfig: PolicyConfig{Budget: "5m"},
				DialTimeout:  "5s",
			},
		},
		Stream: StreamConfig{
			HeartbeatInterval: "30s",
			CompletionHold:    "2s",
			SnapshotDebounce:  "500ms",
			BacklogCapacity:   256,
			TerminalRetention: "60s",
		},
	}
}

// Duration parses a config duration string. Empty means zero, letting the
// consumer apply its own default.
func Duration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid duration %q: must not be negative", s)
	}
	return d, nil
}
