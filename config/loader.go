package config

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// LoadConfig reads a YAML configuration file and unmarshals it into the specified type.
// T must be a struct type that can be unmarshaled from YAML.
func LoadConfig[T any](path string) (*T, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg T
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// LoadTunnelConfig reads a tunnel YAML configuration file, applies
// defaults and validates the result.
func LoadTunnelConfig(path string) (*Tunnel, error) {
	logger := log.With().Str("com", "config-loader").Logger()

	cfg, err := LoadConfig[Tunnel](path)
	if err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	logger.Info().
		Str("edge", cfg.Edge.Host).
		Uint16("edge_port", cfg.Edge.Port).
		Str("origin", cfg.Origin.URL).
		Bool("quick_tunnel", cfg.Credentials.IsQuickTunnel()).
		Msg("loaded tunnel configuration")

	return cfg, nil
}
