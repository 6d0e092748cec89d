// Package quicktunnel bootstraps ephemeral tunnel credentials from the
// quick-tunnel service: one POST returning a JSON envelope with the
// tunnel id, account tag and base64 secret.
package quicktunnel

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
)

// json is a drop-in replacement for encoding/json with better performance
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultServiceURL is the public quick-tunnel endpoint.
const DefaultServiceURL = "https://api.trycloudflare.com"

const requestTimeout = 30 * time.Second

// Credentials is the decoded bootstrap result. Secret holds the raw
// bytes after base64 decoding; TunnelID the parsed 16-byte identifier.
type Credentials struct {
	ID         string
	TunnelID   [16]byte
	Secret     []byte
	AccountTag string
	Hostname   string
}

type envelope struct {
	Success bool `json:"success"`
	Result  struct {
		ID         string `json:"id"`
		Secret     string `json:"secret"`
		AccountTag string `json:"account_tag"`
		Hostname   string `json:"hostname"`
	} `json:"result"`
}

// Request creates a quick tunnel and returns its credentials.
func Request(ctx context.Context, serviceURL, userAgent string, logger zerolog.Logger) (*Credentials, error) {
	logger = logger.With().Str("com", "quicktunnel").Logger()
	if serviceURL == "" {
		serviceURL = DefaultServiceURL
	}
	url := strings.TrimSuffix(serviceURL, "/") + "/tunnel"

	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, strings.NewReader(""))
	if err != nil {
		return nil, fmt.Errorf("build quick tunnel request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	logger.Info().Str("url", url).Msg("requesting quick tunnel")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("quick tunnel request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, fmt.Errorf("read quick tunnel response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("quick tunnel request failed: status %d: %s", resp.StatusCode, body)
	}

	creds, err := ParseResponse(body)
	if err != nil {
		return nil, err
	}
	logger.Info().
		Str("tunnel_id", creds.ID).
		Str("hostname", creds.Hostname).
		Msg("quick tunnel created")
	return creds, nil
}

// ParseResponse decodes the JSON envelope into credentials.
func ParseResponse(body []byte) (*Credentials, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("parse quick tunnel response: %w", err)
	}
	if !env.Success {
		return nil, fmt.Errorf("quick tunnel request was not successful")
	}
	if env.Result.ID == "" {
		return nil, fmt.Errorf("quick tunnel response missing id")
	}
	if env.Result.Secret == "" {
		return nil, fmt.Errorf("quick tunnel response missing secret")
	}
	if env.Result.AccountTag == "" {
		return nil, fmt.Errorf("quick tunnel response missing account_tag")
	}
	if env.Result.Hostname == "" {
		return nil, fmt.Errorf("quick tunnel response missing hostname")
	}

	id, err := uuid.Parse(env.Result.ID)
	if err != nil {
		return nil, fmt.Errorf("parse tunnel id %q: %w", env.Result.ID, err)
	}
	secret, err := base64.StdEncoding.DecodeString(env.Result.Secret)
	if err != nil {
		return nil, fmt.Errorf("decode tunnel secret: %w", err)
	}

	return &Credentials{
		ID:         env.Result.ID,
		TunnelID:   id,
		Secret:     secret,
		AccountTag: env.Result.AccountTag,
		Hostname:   env.Result.Hostname,
	}, nil
}
