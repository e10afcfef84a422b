package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path yields the defaults plus overrides.
func Load(path string) (*Config, error) {
	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "config load")
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".toml":
			if _, err := toml.Decode(string(data), c); err != nil {
				return nil, errors.Wrap(err, "config unmarshal")
			}
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(data, c); err != nil {
				return nil, errors.Wrap(err, "config unmarshal")
			}
		default:
			return nil, errors.Errorf("config %s: unsupported extension, use .yaml or .toml", path)
		}
	}
	applyEnvOverrides(c)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// applyEnvOverrides replaces secrets and endpoints from VOTING_* variables.
func applyEnvOverrides(c *Config) {
	if v := os.Getenv("VOTING_ANCHOR_KEY"); v != "" {
		c.Anchor.PrivateKey = v
	}
	if v := os.Getenv("VOTING_RPC_URL"); v != "" {
		c.Anchor.RPCURL = v
	}
	if v := os.Getenv("VOTING_ANCHOR_NETWORK"); v != "" {
		c.Anchor.Network = v
	}
	if v := os.Getenv("VOTING_ANCHOR_CONTRACT"); v != "" {
		c.Anchor.ContractAddress = v
	}
	if v := os.Getenv("VOTING_DSN"); v != "" {
		c.Storage.DSN = v
	}
	if v := os.Getenv("VOTING_LISTEN"); v != "" {
		c.Server.Listen = v
	}
	if v := os.Getenv("VOTING_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}
