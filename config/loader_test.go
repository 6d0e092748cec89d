package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadTunnelConfig(t *testing.T) {
	path := writeConfig(t, `
edge:
  host: edge.example.com
  port: 7845
origin:
  url: http://127.0.0.1:8080/app
  connect_timeout: 2s
credentials:
  tunnel_id: 6e16a6b1-5c0a-4bbd-9a8f-2f8d1f4c0a01
  account_tag: deadbeef
  secret: c2VrcmV0
client:
  compression_quality: 3
`)

	cfg, err := LoadTunnelConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "edge.example.com", cfg.Edge.Host)
	assert.Equal(t, uint16(7845), cfg.Edge.Port)
	assert.Equal(t, "http://127.0.0.1:8080/app", cfg.Origin.URL)
	assert.Equal(t, 2*time.Second, cfg.Origin.ConnectTimeout)
	assert.Equal(t, DefaultReadTimeout, cfg.Origin.ReadTimeout, "unset fields take defaults")
	assert.Equal(t, uint8(3), cfg.Client.CompressionQuality)
	assert.False(t, cfg.Credentials.IsQuickTunnel())
}

func TestLoadTunnelConfigEmptyIsQuickTunnel(t *testing.T) {
	cfg, err := LoadTunnelConfig(writeConfig(t, "{}\n"))
	require.NoError(t, err)
	assert.True(t, cfg.Credentials.IsQuickTunnel())
	assert.Equal(t, DefaultEdgeHost, cfg.Edge.Host)
}

func TestLoadTunnelConfigMissingFile(t *testing.T) {
	_, err := LoadTunnelConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadTunnelConfigBadYAML(t *testing.T) {
	_, err := LoadTunnelConfig(writeConfig(t, "edge: [unclosed"))
	assert.Error(t, err)
}

func TestLoadTunnelConfigInvalid(t *testing.T) {
	_, err := LoadTunnelConfig(writeConfig(t, `
client:
  compression_quality: 12
`))
	assert.Error(t, err)
}

// TestCompressionQualityValidation_Property checks the 0..11 window.
func TestCompressionQualityValidation_Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		quality := rapid.IntRange(0, 255).Draw(t, "quality")

		var cfg Tunnel
		cfg.ApplyDefaults()
		cfg.Client.CompressionQuality = uint8(quality)

		err := cfg.Validate()
		if quality <= MaxCompressionQuality {
			if err != nil {
				t.Fatalf("expected validation success for quality %d, got: %v", quality, err)
			}
		} else if err == nil {
			t.Fatalf("expected validation error for quality %d, got nil", quality)
		}
	})
}
