// Package ejconfig loads the dispatcher's YAML configuration and the
// builder's TOML board-configuration file. Grounded on the teacher's
// internal/config.Load (read file -> unmarshal -> derive/validate ->
// defaults) for the Go loader idiom, and on the original Rust ej-config
// crate for the board-configuration field set.
package ejconfig

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DispatcherConfig is ejd's startup configuration.
type DispatcherConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	SqliteDSN       string        `yaml:"sqlite_dsn"`
	AdminSocketPath string        `yaml:"admin_socket_path"`
	AuthSecret      string        `yaml:"auth_secret"`
	AuthSecretFile  string        `yaml:"auth_secret_file"`
	DefaultTimeout  time.Duration `yaml:"default_timeout"`
	ClientTokenTTL  time.Duration `yaml:"client_token_ttl"`
	BuilderTokenTTL time.Duration `yaml:"builder_token_ttl"`
}

// LoadDispatcherConfig reads and parses a YAML config file, applying
// defaults and resolving AuthSecret from AuthSecretFile when set.
func LoadDispatcherConfig(path string) (*DispatcherConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg DispatcherConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.applyDefaults()

	if cfg.AuthSecret == "" && cfg.AuthSecretFile != "" {
		secret, err := os.ReadFile(cfg.AuthSecretFile)
		if err != nil {
			return nil, fmt.Errorf("reading auth secret file %s: %w", cfg.AuthSecretFile, err)
		}
		cfg.AuthSecret = string(secret)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return &cfg, nil
}

func (c *DispatcherConfig) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = "127.0.0.1:7760"
	}
	if c.SqliteDSN == "" {
		c.SqliteDSN = "ejd.db"
	}
	if c.AdminSocketPath == "" {
		c.AdminSocketPath = "/tmp/ejd-admin.sock"
	}
	if c.DefaultTimeout == 0 {
		c.DefaultTimeout = 5 * time.Minute
	}
	if c.ClientTokenTTL == 0 {
		c.ClientTokenTTL = 12 * time.Hour
	}
	if c.BuilderTokenTTL == 0 {
		c.BuilderTokenTTL = 365 * 24 * time.Hour
	}
}

// validate checks required fields. Per §7 item 5, a missing auth secret
// is a fatal startup error — this is where that's enforced.
func (c *DispatcherConfig) validate() error {
	if c.AuthSecret == "" {
		return fmt.Errorf("missing required field: auth_secret (or auth_secret_file)")
	}
	return nil
}
