// Package config loads and validates the YAML configuration for an arsend
// stream: network endpoints, queue sizing, retry toggles, and the optional
// frameio/archive/diagnostics add-ons.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SenderConfig is the complete configuration for one arsend sender instance.
type SenderConfig struct {
	Stream      StreamInfo      `yaml:"stream"`
	Network     NetworkInfo     `yaml:"network"`
	Queue       QueueInfo       `yaml:"queue"`
	Compression CompressionInfo `yaml:"compression"`
	Archive     ArchiveInfo     `yaml:"archive"`
	Diagnostics DiagnosticsInfo `yaml:"diagnostics"`
	Logging     LoggingInfo     `yaml:"logging"`
}

// StreamInfo names the stream for logging and diagnostics.
type StreamInfo struct {
	Name string `yaml:"name"`
}

// NetworkInfo configures the UDP transport the sender runs over.
type NetworkInfo struct {
	LocalAddr         string `yaml:"local_addr"`
	PeerAddr          string `yaml:"peer_addr"`
	DSCP              string `yaml:"dscp"`
	MaxBytesPerSec    string `yaml:"max_bytes_per_sec"` // e.g. "2mb"; empty disables pacing
	MaxBytesPerSecRaw int64  `yaml:"-"`
}

// QueueInfo configures the frame queue and retry cadence toggles.
type QueueInfo struct {
	Capacity        int  `yaml:"capacity"`
	AckWaitDisabled bool `yaml:"ack_wait_disabled"`
	RetriesDisabled bool `yaml:"retries_disabled"`
}

// CompressionInfo configures the optional frameio compression stage.
type CompressionInfo struct {
	Algorithm string `yaml:"algorithm"` // "", "gzip", or "zstd"
	Level     int    `yaml:"level"`
	Threshold int    `yaml:"threshold"` // bypass compression below this many bytes; default sender.FragmentSize
}

// ArchiveInfo configures optional S3 archival of cancelled frames.
type ArchiveInfo struct {
	Enabled bool   `yaml:"enabled"`
	Bucket  string `yaml:"bucket"`
	Prefix  string `yaml:"prefix"`
	Region  string `yaml:"region"`
}

// DiagnosticsInfo configures the periodic efficiency/host-metrics reporter.
type DiagnosticsInfo struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"` // cron expression, e.g. "*/30 * * * * *"
}

// Load reads and validates a SenderConfig from a YAML file.
func Load(path string) (*SenderConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading sender config: %w", err)
	}

	var cfg SenderConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing sender config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating sender config: %w", err)
	}

	return &cfg, nil
}

func (c *SenderConfig) validate() error {
	if c.Stream.Name == "" {
		return fmt.Errorf("stream.name is required")
	}
	if c.Network.PeerAddr == "" {
		return fmt.Errorf("network.peer_addr is required")
	}

	if c.Queue.Capacity <= 0 {
		c.Queue.Capacity = 4
	}

	if c.Network.MaxBytesPerSec != "" {
		parsed, err := ParseByteSize(c.Network.MaxBytesPerSec)
		if err != nil {
			return fmt.Errorf("network.max_bytes_per_sec: %w", err)
		}
		c.Network.MaxBytesPerSecRaw = parsed
	}

	switch c.Compression.Algorithm {
	case "", "gzip", "zstd":
	default:
		return fmt.Errorf("compression.algorithm must be one of \"\", \"gzip\", \"zstd\", got %q", c.Compression.Algorithm)
	}

	if c.Archive.Enabled && c.Archive.Bucket == "" {
		return fmt.Errorf("archive.bucket is required when archive.enabled is true")
	}

	if c.Diagnostics.Enabled && c.Diagnostics.Schedule == "" {
		c.Diagnostics.Schedule = "*/30 * * * * *"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	return nil
}
