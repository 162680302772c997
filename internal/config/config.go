// Package config loads the bridge configuration: the domain to attach to,
// the inspector addresses, and the producers and consumers to run.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Media kinds a producer can publish.
const (
	KindVideo = "video"
	KindAudio = "audio"
)

// Config is the complete bridge configuration.
type Config struct {
	Domain           string     `yaml:"domain"`
	HistoryMs        int        `yaml:"history_ms"`         // flow history for new flows; 0 uses the domain default
	APIAddr          string     `yaml:"api_addr"`           // HTTPS inspector
	H3Addr           string     `yaml:"h3_addr"`            // HTTP/3 inspector
	CertFile         string     `yaml:"cert_file"`          // optional; a self-signed cert is generated otherwise
	KeyFile          string     `yaml:"key_file"`
	ShutdownTimeoutS int        `yaml:"shutdown_timeout_s"` // HTTP grace period (default: 5)
	Producers        []Producer `yaml:"producers"`
	Consumers        []Consumer `yaml:"consumers"`
}

// Producer publishes a generated test signal into a new flow.
type Producer struct {
	Name   string    `yaml:"name"`
	Kind   string    `yaml:"kind"`    // video or audio
	FlowID uuid.UUID `yaml:"flow_id"` // generated when empty
	Mode   string    `yaml:"mode"`    // video only: forward or timestamp

	// Video.
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
	RateN  int `yaml:"rate_num"`
	RateD  int `yaml:"rate_den"`

	// Audio.
	SampleRate  int     `yaml:"sample_rate"`
	Channels    int     `yaml:"channels"`
	FrequencyHz float64 `yaml:"frequency_hz"`
	BufferMs    int     `yaml:"buffer_ms"` // audio per render call (default: 10)

	GrainCount   uint32 `yaml:"grain_count"`
	BufferLength uint32 `yaml:"buffer_length"`
}

// Consumer reads an existing flow and keeps statistics on it.
type Consumer struct {
	Name            string    `yaml:"name"`
	FlowID          uuid.UUID `yaml:"flow_id"`
	BatchSize       uint64    `yaml:"batch_size"`
	GrainTimeoutMs  int       `yaml:"grain_timeout_ms"`
	SampleTimeoutMs int       `yaml:"sample_timeout_ms"`
}

// Load reads, defaults and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes, defaults and validates a YAML configuration document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given: the
// domain directory and inspector only, no pipelines.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Domain == "" {
		c.Domain = "/dev/shm/mxl"
	}
	if c.APIAddr == "" {
		c.APIAddr = ":4444"
	}
	if c.H3Addr == "" {
		c.H3Addr = ":4443"
	}
	if c.ShutdownTimeoutS <= 0 {
		c.ShutdownTimeoutS = 5
	}
	for i := range c.Producers {
		p := &c.Producers[i]
		if p.FlowID == uuid.Nil {
			p.FlowID = uuid.New()
		}
		switch p.Kind {
		case KindVideo:
			if p.RateD == 0 {
				p.RateD = 1
			}
			if p.Mode == "" {
				p.Mode = "forward"
			}
		case KindAudio:
			if p.SampleRate == 0 {
				p.SampleRate = 48000
			}
			if p.Channels == 0 {
				p.Channels = 2
			}
			if p.FrequencyHz == 0 {
				p.FrequencyHz = 1000
			}
			if p.BufferMs == 0 {
				p.BufferMs = 10
			}
		}
	}
}

// ShutdownTimeout returns the HTTP grace period.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

// History returns the configured flow history, or zero for the default.
func (c *Config) History() time.Duration {
	return time.Duration(c.HistoryMs) * time.Millisecond
}

// GrainTimeout returns the consumer's grain wait, or zero for the default.
func (c Consumer) GrainTimeout() time.Duration {
	return time.Duration(c.GrainTimeoutMs) * time.Millisecond
}

// SampleTimeout returns the consumer's sample wait, or zero for the default.
func (c Consumer) SampleTimeout() time.Duration {
	return time.Duration(c.SampleTimeoutMs) * time.Millisecond
}

// Validate checks a configuration after defaults have been applied.
// Pipeline names must be unique across producers and consumers.
func Validate(cfg *Config) error {
	if cfg.HistoryMs < 0 {
		return fmt.Errorf("history_ms must not be negative (got %d)", cfg.HistoryMs)
	}
	if (cfg.CertFile == "") != (cfg.KeyFile == "") {
		return errors.New("cert_file and key_file must be set together")
	}

	names := make(map[string]bool)
	claim := func(name string) error {
		if name == "" {
			return errors.New("pipeline name is required")
		}
		if names[name] {
			return fmt.Errorf("duplicate pipeline name %q", name)
		}
		names[name] = true
		return nil
	}

	for _, p := range cfg.Producers {
		if err := claim(p.Name); err != nil {
			return err
		}
		if err := validateProducer(p); err != nil {
			return fmt.Errorf("producer %q: %w", p.Name, err)
		}
	}
	for _, c := range cfg.Consumers {
		if err := claim(c.Name); err != nil {
			return err
		}
		if c.FlowID == uuid.Nil {
			return fmt.Errorf("consumer %q: flow_id is required", c.Name)
		}
		if c.GrainTimeoutMs < 0 || c.SampleTimeoutMs < 0 {
			return fmt.Errorf("consumer %q: timeouts must not be negative", c.Name)
		}
	}
	return nil
}

func validateProducer(p Producer) error {
	switch p.Kind {
	case KindVideo:
		if p.Width <= 0 || p.Height <= 0 {
			return fmt.Errorf("invalid frame size %dx%d", p.Width, p.Height)
		}
		if p.Width%2 != 0 {
			return fmt.Errorf("width %d must be even for 4:2:2", p.Width)
		}
		if p.RateN <= 0 || p.RateD <= 0 {
			return fmt.Errorf("invalid rate %d/%d", p.RateN, p.RateD)
		}
		if p.Mode != "forward" && p.Mode != "timestamp" {
			return fmt.Errorf("unknown mode %q (must be forward or timestamp)", p.Mode)
		}
	case KindAudio:
		if p.SampleRate <= 0 || p.Channels <= 0 {
			return fmt.Errorf("invalid audio format %d Hz x %d channels", p.SampleRate, p.Channels)
		}
		if p.FrequencyHz <= 0 || p.FrequencyHz >= float64(p.SampleRate)/2 {
			return fmt.Errorf("tone frequency %v Hz outside (0, %d)", p.FrequencyHz, p.SampleRate/2)
		}
		if p.BufferMs <= 0 {
			return fmt.Errorf("buffer_ms must be positive (got %d)", p.BufferMs)
		}
	default:
		return fmt.Errorf("unknown kind %q (must be video or audio)", p.Kind)
	}
	return nil
}
