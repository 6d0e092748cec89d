package config

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyDefaults(t *testing.T) {
	var cfg Tunnel
	cfg.ApplyDefaults()

	assert.Equal(t, DefaultEdgeHost, cfg.Edge.Host)
	assert.Equal(t, uint16(DefaultEdgePort), cfg.Edge.Port)
	assert.Equal(t, DefaultOriginURL, cfg.Origin.URL)
	assert.Equal(t, DefaultConnectTimeout, cfg.Origin.ConnectTimeout)
	assert.Equal(t, DefaultReadTimeout, cfg.Origin.ReadTimeout)
	assert.Equal(t, DefaultClientVersion, cfg.Client.Version)
	assert.Equal(t, DefaultClientArch, cfg.Client.Arch)

	_, err := uuid.Parse(cfg.Client.ID)
	assert.NoError(t, err, "a client id is generated when unset")
}

func TestApplyDefaultsKeepsExplicitValues(t *testing.T) {
	cfg := Tunnel{
		Edge:   Edge{Host: "edge.local", Port: 1234},
		Origin: Origin{URL: "http://10.0.0.1:9000"},
		Client: Client{ID: "6e16a6b1-5c0a-4bbd-9a8f-2f8d1f4c0a01"},
	}
	cfg.ApplyDefaults()

	assert.Equal(t, "edge.local", cfg.Edge.Host)
	assert.Equal(t, uint16(1234), cfg.Edge.Port)
	assert.Equal(t, "http://10.0.0.1:9000", cfg.Origin.URL)
	assert.Equal(t, "6e16a6b1-5c0a-4bbd-9a8f-2f8d1f4c0a01", cfg.Client.ID)
}

func TestValidate(t *testing.T) {
	var cfg Tunnel
	cfg.ApplyDefaults()
	assert.NoError(t, cfg.Validate(), "defaults are a runnable quick-tunnel config")
}

func TestValidateCompressionQuality(t *testing.T) {
	var cfg Tunnel
	cfg.ApplyDefaults()

	for q := 0; q <= MaxCompressionQuality; q++ {
		cfg.Client.CompressionQuality = uint8(q)
		assert.NoErrorf(t, cfg.Validate(), "quality %d", q)
	}
	cfg.Client.CompressionQuality = MaxCompressionQuality + 1
	assert.Error(t, cfg.Validate())
}

func TestValidateOriginURL(t *testing.T) {
	var cfg Tunnel
	cfg.ApplyDefaults()
	cfg.Origin.URL = "ftp://nope"
	assert.Error(t, cfg.Validate())
}

func TestValidateStaticCredentials(t *testing.T) {
	var cfg Tunnel
	cfg.ApplyDefaults()
	cfg.Credentials = Credentials{
		TunnelID:   "6e16a6b1-5c0a-4bbd-9a8f-2f8d1f4c0a01",
		AccountTag: "deadbeef",
		Secret:     "c2VrcmV0",
	}
	require.NoError(t, cfg.Validate())
	assert.False(t, cfg.Credentials.IsQuickTunnel())

	id, secret, err := cfg.Credentials.Decode()
	require.NoError(t, err)
	assert.Equal(t, byte(0x6e), id[0])
	assert.Equal(t, []byte("sekret"), secret)
}

func TestValidateRejectsBadCredentials(t *testing.T) {
	cases := []Credentials{
		{TunnelID: "nope", AccountTag: "a", Secret: "c2VrcmV0"},
		{TunnelID: "6e16a6b1-5c0a-4bbd-9a8f-2f8d1f4c0a01", AccountTag: "a", Secret: "!!"},
		{TunnelID: "6e16a6b1-5c0a-4bbd-9a8f-2f8d1f4c0a01", AccountTag: "", Secret: "c2VrcmV0"},
	}
	for i, creds := range cases {
		var cfg Tunnel
		cfg.ApplyDefaults()
		cfg.Credentials = creds
		assert.Errorf(t, cfg.Validate(), "case %d", i)
	}
}

func TestQuicGetConfig(t *testing.T) {
	var q Quic
	conf := q.GetConfig()
	assert.Equal(t, DefaultMaxIdleTimeout, conf.MaxIdleTimeout)
}
