// Package tunnelrpc encodes and decodes the tunnel protocol messages:
// the registration RPC exchange on the control stream and the
// ConnectRequest/ConnectResponse pair framing every data stream.
//
// The wire layouts follow the edge's tunnelrpc Cap'n Proto schema,
// built by hand on the capnp package primitives.
package tunnelrpc

// Bounded metadata limits. Overflowing entries are truncated or
// dropped, never fatal.
const (
	MaxMetadata    = 32
	MaxKeyLen      = 128
	MaxValueLen    = 512
	MaxDestLen     = 512
	MaxErrorLen    = 256
	MaxLocationLen = 32
)

// Well-known metadata keys of the HTTP mapping.
const (
	MetaHTTPMethod       = "HttpMethod"
	MetaHTTPHost         = "HttpHost"
	MetaHTTPStatus       = "HttpStatus"
	MetaHTTPHeaderPrefix = "HttpHeader:"
)

// Metadata is one ordered (key, value) entry of a ConnectRequest or
// ConnectResponse.
type Metadata struct {
	Key string
	Val string
}

// clampMetadata enforces the per-entry length limits and the entry
// count cap. It reports how many entries were dropped so the caller
// can log the overflow.
func clampMetadata(entries []Metadata) (clamped []Metadata, dropped int) {
	if len(entries) > MaxMetadata {
		dropped = len(entries) - MaxMetadata
		entries = entries[:MaxMetadata]
	}
	clamped = make([]Metadata, len(entries))
	for i, m := range entries {
		if len(m.Key) > MaxKeyLen {
			m.Key = m.Key[:MaxKeyLen]
		}
		if len(m.Val) > MaxValueLen {
			m.Val = m.Val[:MaxValueLen]
		}
		clamped[i] = m
	}
	return clamped, dropped
}

// Lookup returns the value of the first entry with the given key, or
// "" when absent.
func Lookup(entries []Metadata, key string) string {
	for _, m := range entries {
		if m.Key == key {
			return m.Val
		}
	}
	return ""
}
