package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/schaermu/projectctl/internal/fsutil"
)

const (
	// DefaultRootDir is where projectctl keeps its git template cache
	DefaultRootDir = "~/.projectctl"
	// DefaultUserAgent is sent with URL template downloads
	DefaultUserAgent = "projectctl"

	repositoriesDirName = "repositories"
)

// Config represents the complete projectctl configuration
type Config struct {
	Paths PathsConfig `yaml:"paths"`
	Auth  AuthConfig  `yaml:"auth"`
	HTTP  HTTPConfig  `yaml:"http"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	RootDir string `yaml:"root_dir"`
}

// AuthConfig configures Git authentication
type AuthConfig struct {
	SSHKeyFile     string `yaml:"ssh_key_file"`
	HTTPSTokenFile string `yaml:"https_token_file"`
}

// HTTPConfig configures URL template downloads
type HTTPConfig struct {
	UserAgent string `yaml:"user_agent"`
}

// Default returns the configuration used when no file exists
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// DefaultPath returns $HOME/.config/projectctl/config.yaml
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, ".config", "projectctl", "config.yaml"), nil
}

// Load reads and parses the configuration file. A missing file is not an
// error and yields the defaults.
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// defaults only
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Paths.RootDir = os.ExpandEnv(c.Paths.RootDir)
	c.Auth.SSHKeyFile = os.ExpandEnv(c.Auth.SSHKeyFile)
	c.Auth.HTTPSTokenFile = os.ExpandEnv(c.Auth.HTTPSTokenFile)
	c.HTTP.UserAgent = os.ExpandEnv(c.HTTP.UserAgent)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Paths.RootDir == "" {
		c.Paths.RootDir = DefaultRootDir
	}
	if c.HTTP.UserAgent == "" {
		c.HTTP.UserAgent = DefaultUserAgent
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Paths.RootDir == "" {
		return fmt.Errorf("paths.root_dir is required")
	}

	// Validate auth: only one auth method may be configured
	if c.Auth.SSHKeyFile != "" && c.Auth.HTTPSTokenFile != "" {
		return fmt.Errorf("auth: only one of ssh_key_file or https_token_file may be set")
	}

	return nil
}

// ResolvedRootDir returns the root directory with a leading "~" expanded
func (c *Config) ResolvedRootDir() (string, error) {
	return fsutil.ExpandHome(c.Paths.RootDir)
}

// RepositoriesDir returns the directory holding cached template clones
func (c *Config) RepositoriesDir() (string, error) {
	root, err := c.ResolvedRootDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, repositoriesDirName), nil
}

// AuthMethod returns a description of the configured auth method
func (c *Config) AuthMethod() string {
	if c.Auth.SSHKeyFile != "" {
		return "ssh"
	}
	if c.Auth.HTTPSTokenFile != "" {
		return "https"
	}
	return "none"
}
