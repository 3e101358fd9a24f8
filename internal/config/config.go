// Package config reads the modelquery YAML configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	chat "github.com/hanpama/modelquery/internal/chat"
	memory "github.com/hanpama/modelquery/internal/memory"
)

// APIKeyEnv overrides model.api_key when set.
const APIKeyEnv = "MODELQUERY_API_KEY"

type Config struct {
	Model     ModelConfig     `yaml:"model"`
	Metamodel MetamodelConfig `yaml:"metamodel"`
	Prompt    PromptConfig    `yaml:"prompt"`
	Memory    MemoryConfig    `yaml:"memory"`
	Server    ServerConfig    `yaml:"server"`
	Otel      OtelConfig      `yaml:"otel"`
	Log       LogConfig       `yaml:"log"`
}

type ModelConfig struct {
	BaseURL     string        `yaml:"base_url"`
	Name        string        `yaml:"name"`
	APIKey      string        `yaml:"api_key,omitempty"`
	Temperature float32       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
}

type MetamodelConfig struct {
	// Schemas lists the SDL files describing the managed types.
	Schemas []string `yaml:"schemas"`
}

type PromptConfig struct {
	// Template is a text/template file for the system prompt. Empty uses the
	// built-in prompt.
	Template string `yaml:"template,omitempty"`
}

type MemoryConfig struct {
	MaxMessages int `yaml:"max_messages"`
	// Store is a SQLite database path. Empty keeps the conversation in memory.
	Store string `yaml:"store,omitempty"`
}

type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	Pretty       bool          `yaml:"pretty"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
	CORSOrigins  []string      `yaml:"cors_origins,omitempty"`
}

type OtelConfig struct {
	Endpoint string `yaml:"endpoint,omitempty"`
	Service  string `yaml:"service"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Model: ModelConfig{
			BaseURL: chat.DefaultBaseURL,
			Name:    chat.DefaultModel,
			Timeout: 60 * time.Second,
		},
		Memory: MemoryConfig{MaxMessages: memory.DefaultMaxMessages},
		Server: ServerConfig{
			Addr:         ":8080",
			Timeout:      90 * time.Second,
			MaxBodyBytes: 1 << 20,
		},
		Otel: OtelConfig{Service: "modelquery"},
		Log:  LogConfig{Level: "info"},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
// The API key environment variable is applied last.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("invalid config %s: %w", path, err)
		}
	}
	if key := os.Getenv(APIKeyEnv); key != "" {
		cfg.Model.APIKey = key
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Model.BaseURL == "" {
		errs = append(errs, errors.New("model.base_url is required"))
	}
	if c.Model.Name == "" {
		errs = append(errs, errors.New("model.name is required"))
	}
	if c.Model.Temperature < 0 || c.Model.Temperature > 2 {
		errs = append(errs, fmt.Errorf("model.temperature %v out of range [0, 2]", c.Model.Temperature))
	}
	if c.Model.Timeout < 0 {
		errs = append(errs, errors.New("model.timeout must not be negative"))
	}
	if c.Memory.MaxMessages < 1 {
		errs = append(errs, fmt.Errorf("memory.max_messages must be positive, got %d", c.Memory.MaxMessages))
	}
	if c.Server.Timeout < 0 {
		errs = append(errs, errors.New("server.timeout must not be negative"))
	}
	if c.Server.MaxBodyBytes < 0 {
		errs = append(errs, errors.New("server.max_body_bytes must not be negative"))
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SlogLevel parses the configured level name.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return lvl, nil
}

// Save writes c as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}
