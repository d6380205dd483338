// Package config loads the engine's bootstrap configuration: RPC
// addresses, heartbeat and registration timeouts, checkpoint defaults,
// and network buffer sizing, as one YAML-loadable document shared by
// every process.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration object read at process bootstrap.
type Config struct {
	NodeID   string `yaml:"node_id"`
	DataDir  string `yaml:"data_dir"`
	BindAddr string `yaml:"bind_addr"`

	Heartbeat    HeartbeatConfig    `yaml:"heartbeat"`
	Registration RegistrationConfig `yaml:"registration"`
	SlotRequest  SlotRequestConfig  `yaml:"slot_request"`
	Checkpoint   CheckpointConfig   `yaml:"checkpoint"`
	Network      NetworkConfig      `yaml:"network"`
}

// HeartbeatConfig controls the RM-initiated heartbeat protocol.
type HeartbeatConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// RegistrationConfig controls RetryingRegistration and the
// TaskExecutor startup registration window.
type RegistrationConfig struct {
	ErrorDelay          time.Duration `yaml:"error_delay"`
	RefusedDelay         time.Duration `yaml:"refused_delay"`
	InitialTimeout       time.Duration `yaml:"initial_timeout"`
	MaxTimeout           time.Duration `yaml:"max_timeout"`
	StartupWindowTimeout time.Duration `yaml:"startup_window_timeout"`
}

// SlotRequestConfig controls the pending-slot-request timeout.
type SlotRequestConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// CheckpointConfig carries the defaults packaged into
// JobCheckpointingSettings by the graph compiler.
type CheckpointConfig struct {
	Interval                  time.Duration `yaml:"interval"`
	Timeout                   time.Duration `yaml:"timeout"`
	MinPauseBetweenCheckpoints time.Duration `yaml:"min_pause_between_checkpoints"`
	MaxConcurrentCheckpoints  int           `yaml:"max_concurrent_checkpoints"`
	TolerableFailures         int           `yaml:"tolerable_checkpoint_failures"`
	ExactlyOnce               bool          `yaml:"exactly_once"`
	UnalignedEnabled          bool          `yaml:"unaligned_enabled"`
}

// NetworkConfig controls the shuffle layer's buffer pool.
type NetworkConfig struct {
	NumBuffers       int `yaml:"num_buffers"`
	BufferSizeBytes  int `yaml:"buffer_size_bytes"`
	BuffersPerChannel int `yaml:"buffers_per_channel"`
}

// Defaults returns the out-of-the-box configuration for a single-node
// deployment.
func Defaults() Config {
	return Config{
		Heartbeat: HeartbeatConfig{
			Interval: 10 * time.Second,
			Timeout:  50 * time.Second,
		},
		Registration: RegistrationConfig{
			ErrorDelay:           10 * time.Second,
			RefusedDelay:         5 * time.Second,
			InitialTimeout:       100 * time.Millisecond,
			MaxTimeout:           30 * time.Second,
			StartupWindowTimeout: 5 * time.Minute,
		},
		SlotRequest: SlotRequestConfig{
			Timeout: 5 * time.Minute,
		},
		Checkpoint: CheckpointConfig{
			Interval:                   200 * time.Millisecond,
			Timeout:                    10 * time.Minute,
			MinPauseBetweenCheckpoints: 0,
			MaxConcurrentCheckpoints:   1,
			TolerableFailures:          0,
			ExactlyOnce:                true,
			UnalignedEnabled:           false,
		},
		Network: NetworkConfig{
			NumBuffers:        2048,
			BufferSizeBytes:   32 * 1024,
			BuffersPerChannel: 2,
		},
	}
}

// Load reads a YAML configuration file, applying Defaults() to any
// fields left at the zero value by the file.
func Load(path string) (Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}
