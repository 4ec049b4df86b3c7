package config

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/SimplyPrint/mifare-agent/internal/classic"
	"github.com/SimplyPrint/mifare-agent/internal/core"
	"github.com/SimplyPrint/mifare-agent/internal/logging"
)

const (
	DefaultHost    = "127.0.0.1"
	DefaultPort    = 32146
	DefaultTimeout = 30 * time.Second

	EnvHost   = "MIFARE_AGENT_HOST"
	EnvPort   = "MIFARE_AGENT_PORT"
	EnvConfig = "MIFARE_AGENT_CONFIG"
)

// Config is the process configuration: defaults, then the YAML file named
// by MIFARE_AGENT_CONFIG, then the host and port environment variables.
type Config struct {
	Server  ServerConfig `yaml:"server"`
	Reader  ReaderConfig `yaml:"reader"`
	Card    CardConfig   `yaml:"card"`
	Write   WriteConfig  `yaml:"write"`
	Log     LogConfig    `yaml:"log"`
	Timeout string       `yaml:"timeout"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type ReaderConfig struct {
	Index *int   `yaml:"index"`
	Name  string `yaml:"name"`
}

type CardConfig struct {
	Capacity string `yaml:"capacity"`
	Detect   *bool  `yaml:"detect"`
	Key      string `yaml:"key"`
	KeyType  string `yaml:"key_type"`
}

type WriteConfig struct {
	Policy     string `yaml:"policy"`
	Verify     *bool  `yaml:"verify"`
	ClearFirst bool   `yaml:"clear_first"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Buffer int    `yaml:"buffer"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server:  ServerConfig{Host: DefaultHost, Port: DefaultPort},
		Card:    CardConfig{Capacity: classic.Classic4K.String(), KeyType: "A"},
		Log:     LogConfig{Level: "info", Buffer: 1000},
		Timeout: DefaultTimeout.String(),
	}
}

// Load builds the configuration from defaults, the optional YAML file and
// the environment, then validates it.
func Load() (*Config, error) {
	cfg := Default()
	if path := strings.TrimSpace(os.Getenv(EnvConfig)); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads path over the defaults without consulting the environment.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.mergeFile(path); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	if host := strings.TrimSpace(os.Getenv(EnvHost)); host != "" {
		c.Server.Host = host
	}
	if port := strings.TrimSpace(os.Getenv(EnvPort)); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("%s must be a number: %w", EnvPort, err)
		}
		c.Server.Port = p
	}
	return nil
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Host) == "" {
		return fmt.Errorf("config.server.host is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("config.server.port must be 1..65535")
	}
	if c.Reader.Index != nil && *c.Reader.Index < 0 {
		return fmt.Errorf("config.reader.index must be >= 0")
	}
	if _, err := classic.ParseCapacity(c.Card.Capacity); err != nil {
		return fmt.Errorf("config.card.capacity: %w", err)
	}
	if _, err := classic.ParseKey(c.Card.Key); err != nil {
		return fmt.Errorf("config.card.key: %w", err)
	}
	if _, err := classic.ParseKeyType(c.Card.KeyType); err != nil {
		return fmt.Errorf("config.card.key_type: %w", err)
	}
	if _, err := classic.ParseWritePolicy(c.Write.Policy); err != nil {
		return fmt.Errorf("config.write.policy: %w", err)
	}
	if _, ok := logging.ParseLevel(c.Log.Level); !ok {
		return fmt.Errorf("config.log.level %q is not a log level", c.Log.Level)
	}
	if c.Log.Buffer < 0 {
		return fmt.Errorf("config.log.buffer must be >= 0")
	}
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return fmt.Errorf("config.timeout is invalid: %w", err)
	}
	if d <= 0 {
		return fmt.Errorf("config.timeout must be positive")
	}
	return nil
}

// Address returns the host:port the server listens on.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// TimeoutDuration returns the per-operation deadline. Call after Validate.
func (c *Config) TimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil || d <= 0 {
		return DefaultTimeout
	}
	return d
}

// Credentials returns the configured key and key type.
func (c *Config) Credentials() (classic.Credentials, error) {
	key, err := classic.ParseKey(c.Card.Key)
	if err != nil {
		return classic.Credentials{}, err
	}
	keyType, err := classic.ParseKeyType(c.Card.KeyType)
	if err != nil {
		return classic.Credentials{}, err
	}
	return classic.Credentials{Key: key, KeyType: keyType}, nil
}

// LogLevel returns the configured minimum log level.
func (c *Config) LogLevel() logging.Level {
	level, _ := logging.ParseLevel(c.Log.Level)
	return level
}

// ServiceConfig converts the card and write sections for core.NewService.
func (c *Config) ServiceConfig() (core.Config, error) {
	capacity, err := classic.ParseCapacity(c.Card.Capacity)
	if err != nil {
		return core.Config{}, err
	}
	policy, err := classic.ParseWritePolicy(c.Write.Policy)
	if err != nil {
		return core.Config{}, err
	}

	opts := classic.DefaultOptions()
	opts.Policy = policy
	if c.Write.Verify != nil {
		opts.VerifyWrites = *c.Write.Verify
	}

	detect := true
	if c.Card.Detect != nil {
		detect = *c.Card.Detect
	}

	return core.Config{
		Capacity:       capacity,
		DetectCapacity: detect,
		Options:        opts,
	}, nil
}
