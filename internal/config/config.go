package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/rook2pawn/audio-chunk/internal/protocol"
	"github.com/rook2pawn/audio-chunk/internal/stream"
)

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config represents the complete service configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	HTTP       HTTPConfig       `yaml:"http"`
	Buffer     BufferConfig     `yaml:"buffer"`
	Subscriber SubscriberConfig `yaml:"subscriber"`
	Forward    ForwardConfig    `yaml:"forward"`
	Relay      RelayConfig      `yaml:"relay"`
	Archive    ArchiveConfig    `yaml:"archive"`
	VAD        VADConfig        `yaml:"vad"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig contains UDP server configuration
type ServerConfig struct {
	UDPPort              int    `yaml:"udp_port" validate:"min=1,max=65535"`
	BindAddress          string `yaml:"bind_address" validate:"required"`
	BufferSize           int    `yaml:"buffer_size" validate:"min=1024"`
	MaxConcurrentStreams int    `yaml:"max_concurrent_streams" validate:"min=1"`
	Workers              int    `yaml:"workers" validate:"min=1,max=256"`
	QueueSize            int    `yaml:"queue_size" validate:"min=1"`
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// BufferConfig contains per-stream replay buffer configuration
type BufferConfig struct {
	MaxAgeMs        int `yaml:"max_age_ms" validate:"min=1"`
	StreamTimeout   int `yaml:"stream_timeout" validate:"min=1"`   // seconds
	CleanupInterval int `yaml:"cleanup_interval" validate:"min=1"` // seconds
}

// SubscriberConfig bounds the queue of every live subscriber
type SubscriberConfig struct {
	QueueCapacity int    `yaml:"queue_capacity" validate:"min=0"`
	Overflow      string `yaml:"overflow" validate:"omitempty,oneof=block drop_oldest drop_newest"`
}

// ForwardConfig contains configuration for POSTing chunks to a downstream endpoint
type ForwardConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Endpoint      string `yaml:"endpoint" validate:"required_if=Enabled true,omitempty,url"`
	Protocol      string `yaml:"protocol" validate:"omitempty,oneof=binary text"`
	Timeout       int    `yaml:"timeout" validate:"min=0"` // seconds
	MaxRetries    int    `yaml:"max_retries" validate:"min=0,max=10"`
	MaxConcurrent int    `yaml:"max_concurrent" validate:"min=0"`
}

// RelayConfig contains Redis pub/sub relay configuration
type RelayConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Mode     string `yaml:"mode" validate:"omitempty,oneof=publish subscribe"`
	Addr     string `yaml:"addr" validate:"required_if=Enabled true"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"min=0"`
	Channel  string `yaml:"channel" validate:"required_if=Enabled true"`
	Protocol string `yaml:"protocol" validate:"omitempty,oneof=binary text"`
}

// ArchiveConfig contains SQL archive configuration
type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn" validate:"required_if=Enabled true"`
	Table   string `yaml:"table"`
}

// VADConfig tunes the voice activity annotation offered to subscribers
type VADConfig struct {
	Threshold float64 `yaml:"threshold" validate:"min=0,max=1"` // RMS level, full scale = 1
	Smoothing float64 `yaml:"smoothing" validate:"min=0,max=1"` // weight of the newest chunk
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level      string `yaml:"level" validate:"oneof=debug info warn error"`
	Format     string `yaml:"format" validate:"oneof=json text"`
	Output     string `yaml:"output"`
	MaxSizeMB  int    `yaml:"max_size_mb" validate:"min=0"`
	MaxBackups int    `yaml:"max_backups" validate:"min=0"`
	MaxAgeDays int    `yaml:"max_age_days" validate:"min=0"`
	Compress   bool   `yaml:"compress"`
}

// Default returns a configuration with every default applied
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			UDPPort:              4444,
			BindAddress:          "0.0.0.0",
			BufferSize:           65536,
			MaxConcurrentStreams: 1000,
			Workers:              4,
			QueueSize:            1000,
		},
		HTTP: HTTPConfig{
			Port:    8080,
			Address: "0.0.0.0",
			Enabled: true,
		},
		Buffer: BufferConfig{
			MaxAgeMs:        30000,
			StreamTimeout:   300,
			CleanupInterval: 30,
		},
		Subscriber: SubscriberConfig{
			QueueCapacity: 256,
			Overflow:      "drop_oldest",
		},
		Forward: ForwardConfig{
			Protocol:      protocol.NameBinary,
			Timeout:       10,
			MaxRetries:    3,
			MaxConcurrent: 8,
		},
		Relay: RelayConfig{
			Mode:     "publish",
			Channel:  "audio-chunks",
			Protocol: protocol.NameBinary,
		},
		Archive: ArchiveConfig{
			Table: "audio_chunks",
		},
		VAD: VADConfig{
			Threshold: 0.02,
			Smoothing: 0.5,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
	}
}

// Load reads and parses the configuration file. Keys absent from the file
// keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate checks struct constraints first and then cross-field rules
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Relay.Validate(); err != nil {
		return fmt.Errorf("relay config: %w", err)
	}

	if err := c.Archive.Validate(); err != nil {
		return fmt.Errorf("archive config: %w", err)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}
		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}
	return nil
}

// Validate validates relay configuration
func (r *RelayConfig) Validate() error {
	if r.Enabled && r.Mode == "" {
		return fmt.Errorf("mode must be set when the relay is enabled")
	}
	return nil
}

// Validate validates archive configuration
func (a *ArchiveConfig) Validate() error {
	if !tableName.MatchString(a.Table) {
		return fmt.Errorf("table must be a plain SQL identifier, got %q", a.Table)
	}
	return nil
}

// GetMaxAge returns the replay horizon as a time.Duration
func (b *BufferConfig) GetMaxAge() time.Duration {
	return time.Duration(b.MaxAgeMs) * time.Millisecond
}

// GetStreamTimeoutDuration returns the stream timeout as a time.Duration
func (b *BufferConfig) GetStreamTimeoutDuration() time.Duration {
	return time.Duration(b.StreamTimeout) * time.Second
}

// GetCleanupInterval returns the idle-stream sweep interval as a time.Duration
func (b *BufferConfig) GetCleanupInterval() time.Duration {
	return time.Duration(b.CleanupInterval) * time.Second
}

// BridgeConfig converts the subscriber section into a stream.BridgeConfig
func (s *SubscriberConfig) BridgeConfig() (stream.BridgeConfig, error) {
	policy, err := stream.ParseOverflowPolicy(s.Overflow)
	if err != nil {
		return stream.BridgeConfig{}, err
	}
	return stream.BridgeConfig{Capacity: s.QueueCapacity, Overflow: policy}, nil
}

// GetTimeoutDuration returns the forwarding timeout as a time.Duration
func (f *ForwardConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(f.Timeout) * time.Second
}

// Codec returns the wire codec selected for forwarding
func (f *ForwardConfig) Codec() (protocol.Codec, error) {
	return codecFor(f.Protocol)
}

// Codec returns the wire codec selected for the relay
func (r *RelayConfig) Codec() (protocol.Codec, error) {
	return codecFor(r.Protocol)
}

func codecFor(name string) (protocol.Codec, error) {
	if name == "" {
		return protocol.Binary, nil
	}
	return protocol.ByName(name)
}
