package config

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/Mmx233/QTun/origin"
	"github.com/google/uuid"
)

// Tunnel is the full client configuration.
type Tunnel struct {
	Edge        Edge        `yaml:"edge"`
	Origin      Origin      `yaml:"origin"`
	Credentials Credentials `yaml:"credentials"`
	Client      Client      `yaml:"client"`
	Quic        Quic        `yaml:"quic"`
}

// Edge selects the edge server to dial.
type Edge struct {
	Host string `yaml:"host"` // default region1.v2.argotunnel.com
	Port uint16 `yaml:"port"` // default 7844/udp
	// Region optionally scopes SRV discovery, e.g. "us".
	Region string `yaml:"region"`
	// Discover enables DNS SRV edge discovery instead of Host/Port.
	Discover bool `yaml:"discover"`
}

// Origin selects the local origin server requests are proxied to.
type Origin struct {
	URL            string        `yaml:"url"`             // default http://localhost:8080
	ConnectTimeout time.Duration `yaml:"connect_timeout"` // default 5s
	ReadTimeout    time.Duration `yaml:"read_timeout"`    // default 30s
}

// Credentials carries the tunnel identity. With all three fields empty
// the client bootstraps an ephemeral quick tunnel instead.
type Credentials struct {
	TunnelID   string `yaml:"tunnel_id"`   // UUID, dashes optional
	AccountTag string `yaml:"account_tag"` // hex account tag
	Secret     string `yaml:"secret"`      // base64 tunnel secret
	// QuickServiceURL overrides the quick-tunnel bootstrap endpoint.
	QuickServiceURL string `yaml:"quick_service_url"`
}

// Client carries the identification knobs sent during registration.
type Client struct {
	ID                  string `yaml:"id"` // UUID; generated when empty
	Version             string `yaml:"version"`
	Arch                string `yaml:"arch"`
	ReplaceExisting     bool   `yaml:"replace_existing"`
	CompressionQuality  uint8  `yaml:"compression_quality"`  // 0..11
	NumPreviousAttempts uint8  `yaml:"num_previous_attempts"`
}

// IsQuickTunnel reports whether no static credentials are configured.
func (c *Credentials) IsQuickTunnel() bool {
	return c.TunnelID == "" && c.AccountTag == "" && c.Secret == ""
}

// Decode parses the credential strings into their wire forms.
func (c *Credentials) Decode() (tunnelID [16]byte, secret []byte, err error) {
	id, err := uuid.Parse(c.TunnelID)
	if err != nil {
		return tunnelID, nil, fmt.Errorf("parse tunnel_id %q: %w", c.TunnelID, err)
	}
	secret, err = base64.StdEncoding.DecodeString(c.Secret)
	if err != nil {
		return tunnelID, nil, fmt.Errorf("decode tunnel secret: %w", err)
	}
	return id, secret, nil
}

// ApplyDefaults fills in every unset field.
func (t *Tunnel) ApplyDefaults() {
	if t.Edge.Host == "" {
		t.Edge.Host = DefaultEdgeHost
	}
	if t.Edge.Port == 0 {
		t.Edge.Port = DefaultEdgePort
	}
	if t.Origin.URL == "" {
		t.Origin.URL = DefaultOriginURL
	}
	if t.Origin.ConnectTimeout == 0 {
		t.Origin.ConnectTimeout = DefaultConnectTimeout
	}
	if t.Origin.ReadTimeout == 0 {
		t.Origin.ReadTimeout = DefaultReadTimeout
	}
	if t.Client.ID == "" {
		t.Client.ID = GenerateClientID()
	}
	if t.Client.Version == "" {
		t.Client.Version = DefaultClientVersion
	}
	if t.Client.Arch == "" {
		t.Client.Arch = DefaultClientArch
	}
}

// Validate rejects configurations the tunnel cannot run with.
func (t *Tunnel) Validate() error {
	if t.Edge.Host == "" && !t.Edge.Discover {
		return fmt.Errorf("edge host must be set unless discovery is enabled")
	}
	if _, _, _, err := origin.ParseOriginURL(t.Origin.URL); err != nil {
		return fmt.Errorf("origin url: %w", err)
	}
	if t.Client.CompressionQuality > MaxCompressionQuality {
		return fmt.Errorf("compression_quality must be within 0..%d, got %d",
			MaxCompressionQuality, t.Client.CompressionQuality)
	}
	if _, err := uuid.Parse(t.Client.ID); err != nil {
		return fmt.Errorf("client id: %w", err)
	}
	if !t.Credentials.IsQuickTunnel() {
		if _, _, err := t.Credentials.Decode(); err != nil {
			return err
		}
		if t.Credentials.AccountTag == "" {
			return fmt.Errorf("account_tag must be set with static credentials")
		}
	}
	return nil
}
