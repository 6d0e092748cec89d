package config

import (
	"runtime"
	"time"

	"github.com/google/uuid"
)

// Default edge and origin values
const (
	// DefaultEdgeHost is the well-known edge server dialed when SRV
	// discovery is disabled
	DefaultEdgeHost = "region1.v2.argotunnel.com"

	// DefaultEdgePort is the edge QUIC port (UDP)
	DefaultEdgePort = 7844

	// DefaultOriginURL is the origin requests are proxied to
	DefaultOriginURL = "http://localhost:8080"

	// DefaultConnectTimeout bounds the origin TCP dial
	DefaultConnectTimeout = 5 * time.Second

	// DefaultReadTimeout bounds origin reads and writes
	DefaultReadTimeout = 30 * time.Second

	// DefaultClientVersion is reported to the edge during registration
	DefaultClientVersion = "qtun/0.1.0"

	// MaxCompressionQuality is the highest value the edge accepts
	MaxCompressionQuality = 11

	// DefaultMaxIdleTimeout is the default QUIC connection idle timeout
	DefaultMaxIdleTimeout = 5 * time.Minute
)

// DefaultClientArch is the GOOS_GOARCH pair reported to the edge.
var DefaultClientArch = runtime.GOOS + "_" + runtime.GOARCH

// GenerateClientID generates a new v4 UUID for use as the client
// identifier sent in ConnectionOptions.
func GenerateClientID() string {
	return uuid.New().String()
}
