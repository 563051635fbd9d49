// Package config loads ccsearch settings from a TOML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// EnvDB overrides the configured database path.
const EnvDB = "CCSEARCH_DB"

type Config struct {
	ProjectsRoot string `toml:"projects_root"`
	DBPath       string `toml:"db_path"`
	Workers      int    `toml:"workers"`
	Listen       string `toml:"listen"`

	Search Search `toml:"search"`
	Remote Remote `toml:"remote"`
}

type Search struct {
	DefaultLimit int `toml:"default_limit"`
	MaxLimit     int `toml:"max_limit"`
	MaxContext   int `toml:"max_context"`
}

// Remote configures the hosted session API. Credentials are never stored in
// the file; TokenEnv and OrgEnv name the environment variables holding them.
type Remote struct {
	Enabled  bool   `toml:"enabled"`
	APIBase  string `toml:"api_base"`
	TokenEnv string `toml:"token_env"`
	OrgEnv   string `toml:"org_env"`
}

// Token returns the remote API token from the environment.
func (r Remote) Token() string { return os.Getenv(r.TokenEnv) }

// Org returns the remote organization id from the environment.
func (r Remote) Org() string { return os.Getenv(r.OrgEnv) }

// Dir is the directory holding the default config file and database.
func Dir(home string) string {
	return filepath.Join(home, ".config", "ccsearch")
}

// Default returns the built-in settings for a user's home directory.
func Default(home string) *Config {
	return &Config{
		ProjectsRoot: filepath.Join(home, ".claude", "projects"),
		DBPath:       filepath.Join(Dir(home), "ccsearch.db"),
		Workers:      4,
		Listen:       "127.0.0.1:8765",
		Search: Search{
			DefaultLimit: 20,
			MaxLimit:     100,
			MaxContext:   50,
		},
		Remote: Remote{
			APIBase:  "https://api.anthropic.com",
			TokenEnv: "CCSEARCH_REMOTE_TOKEN",
			OrgEnv:   "CCSEARCH_REMOTE_ORG",
		},
	}
}

// Load reads ~/.config/ccsearch/config.toml when it exists.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile reads the config at path, or the default location when path is
// empty. A missing default file is not an error; a missing explicit file is.
func LoadFile(path string) (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	cfg := Default(home)

	explicit := path != ""
	if !explicit {
		path = filepath.Join(Dir(home), "config.toml")
	}
	path = expandHome(path, home)
	if _, err := os.Stat(path); err == nil || explicit {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if v := os.Getenv(EnvDB); v != "" {
		cfg.DBPath = v
	}

	// expand ~ in paths
	cfg.ProjectsRoot = expandHome(cfg.ProjectsRoot, home)
	cfg.DBPath = expandHome(cfg.DBPath, home)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	s := c.Search
	if s.DefaultLimit < 1 || s.MaxLimit < s.DefaultLimit {
		return fmt.Errorf("search limits out of range: default_limit=%d max_limit=%d", s.DefaultLimit, s.MaxLimit)
	}
	if s.MaxContext < 0 {
		return fmt.Errorf("max_context must not be negative, got %d", s.MaxContext)
	}
	if c.Remote.Enabled && c.Remote.APIBase == "" {
		return fmt.Errorf("remote enabled without api_base")
	}
	return nil
}

func expandHome(path, home string) string {
	if path == "~" {
		return home
	}
	if len(path) > 1 && path[0] == '~' && path[1] == '/' {
		return filepath.Join(home, path[2:])
	}
	return path
}
