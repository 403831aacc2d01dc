package hub

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the hub connection config, kept in its own YAML file so the
// access token stays out of the main controller config.
type Config struct {
	URL                   string `yaml:"url"`
	AccessToken           string `yaml:"access_token"`
	RequestTimeoutSeconds int    `yaml:"request_timeout_seconds"`
	ReconnectMinSeconds   int    `yaml:"reconnect_min_seconds"`
	ReconnectMaxSeconds   int    `yaml:"reconnect_max_seconds"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read hub config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse hub config: %w", err)
	}

	if cfg.URL == "" {
		return nil, fmt.Errorf("hub config missing url")
	}
	if cfg.RequestTimeoutSeconds <= 0 {
		cfg.RequestTimeoutSeconds = 10
	}
	if cfg.ReconnectMinSeconds <= 0 {
		cfg.ReconnectMinSeconds = 1
	}
	if cfg.ReconnectMaxSeconds <= 0 {
		cfg.ReconnectMaxSeconds = 60
	}
	return &cfg, nil
}

func (c *Config) requestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

func (c *Config) reconnectMin() time.Duration {
	return time.Duration(c.ReconnectMinSeconds) * time.Second
}

func (c *Config) reconnectMax() time.Duration {
	return time.Duration(c.ReconnectMaxSeconds) * time.Second
}
