package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultEditInterval is the minimum spacing between successive edits
	// pushed by a single commit.
	DefaultEditInterval = 10 * time.Second

	// DefaultRequestsPerSecond caps the api.php request rate.
	DefaultRequestsPerSecond = 5

	DefaultUserAgent = "mwsync"
	DefaultMergeTool = "kdiff3 %s %s -o %s"
)

// Config represents the repository configuration stored in the metadata directory
type Config struct {
	Remote RemoteConfig `yaml:"remote"`
	Merge  MergeConfig  `yaml:"merge"`
}

// RemoteConfig configures the wiki the repository tracks
type RemoteConfig struct {
	APIURL            string        `yaml:"api_url"`
	UserAgent         string        `yaml:"user_agent,omitempty"`
	// RequestsPerSecond caps the request rate; 0 means unlimited.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	// EditInterval spaces successive edits; 0 disables throttling.
	EditInterval time.Duration `yaml:"edit_interval"`
}

// MergeConfig configures the external merge tool used for conflicts
type MergeConfig struct {
	Tool string `yaml:"tool"`
}

// New returns a configuration for the given api.php endpoint with defaults applied
func New(apiURL string) *Config {
	cfg := defaults()
	cfg.Remote.APIURL = apiURL
	cfg.applyDefaults()
	return &cfg
}

// defaults returns the numeric settings a document may override. They are
// set before decoding so an explicit zero in the document is kept.
func defaults() Config {
	return Config{
		Remote: RemoteConfig{
			RequestsPerSecond: DefaultRequestsPerSecond,
			EditInterval:      DefaultEditInterval,
		},
	}
}

// Parse decodes, expands, defaults and validates a configuration document
func Parse(data []byte) (*Config, error) {
	cfg := defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Marshal encodes the configuration as YAML
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Remote.APIURL = os.ExpandEnv(c.Remote.APIURL)
	c.Remote.UserAgent = os.ExpandEnv(c.Remote.UserAgent)
}

// applyDefaults fills in empty string fields with sensible defaults.
// Numeric fields are defaulted by defaults, where zero is a valid setting.
func (c *Config) applyDefaults() {
	if c.Remote.UserAgent == "" {
		c.Remote.UserAgent = DefaultUserAgent
	}
	if c.Merge.Tool == "" {
		c.Merge.Tool = DefaultMergeTool
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Remote.APIURL == "" {
		return fmt.Errorf("remote.api_url is required")
	}

	u, err := url.Parse(c.Remote.APIURL)
	if err != nil {
		return fmt.Errorf("remote.api_url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("remote.api_url must use http or https: %s", c.Remote.APIURL)
	}
	if u.Host == "" {
		return fmt.Errorf("remote.api_url has no host: %s", c.Remote.APIURL)
	}

	if c.Remote.RequestsPerSecond < 0 {
		return fmt.Errorf("remote.requests_per_second must not be negative")
	}
	if c.Remote.EditInterval < 0 {
		return fmt.Errorf("remote.edit_interval must not be negative")
	}

	return nil
}
