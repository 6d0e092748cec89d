package config

import (
	"os"
	"path/filepath"
	"testing"

	qtunconfig "github.com/Mmx233/QTun/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateConfig(t *testing.T) {
	configFile = filepath.Join(t.TempDir(), "config.yaml")

	require.NoError(t, runGenerate(Cmd, nil))

	// The generated template must load and validate as-is.
	cfg, err := qtunconfig.LoadTunnelConfig(configFile)
	require.NoError(t, err)
	assert.True(t, cfg.Credentials.IsQuickTunnel())
	assert.Equal(t, qtunconfig.DefaultEdgeHost, cfg.Edge.Host)
}

func TestGenerateConfigRefusesOverwrite(t *testing.T) {
	configFile = filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte("existing"), 0o600))

	assert.Error(t, runGenerate(Cmd, nil))
}
