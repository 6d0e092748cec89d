package tunnelrpc

import (
	"errors"
	"fmt"

	"github.com/Mmx233/QTun/capnp"
)

// ConnectionType is the transport mode the edge requests for a data
// stream.
type ConnectionType uint16

const (
	ConnectionTypeHTTP      ConnectionType = 0
	ConnectionTypeWebsocket ConnectionType = 1
	ConnectionTypeTCP       ConnectionType = 2
)

func (t ConnectionType) String() string {
	switch t {
	case ConnectionTypeHTTP:
		return "http"
	case ConnectionTypeWebsocket:
		return "websocket"
	case ConnectionTypeTCP:
		return "tcp"
	default:
		return "unknown"
	}
}

// ConnectRequest is the edge's per-stream request header. Dest carries
// the request path; HTTP metadata rides in Metadata entries.
type ConnectRequest struct {
	Dest     string
	Type     ConnectionType
	Metadata []Metadata
}

// Method returns the HttpMethod metadata value, defaulting to GET.
func (r *ConnectRequest) Method() string {
	if m := Lookup(r.Metadata, MetaHTTPMethod); m != "" {
		return m
	}
	return "GET"
}

// Host returns the HttpHost metadata value.
func (r *ConnectRequest) Host() string {
	return Lookup(r.Metadata, MetaHTTPHost)
}

// ForwardedHeaders extracts the HttpHeader:* entries with the prefix
// stripped, preserving order.
func (r *ConnectRequest) ForwardedHeaders() []Metadata {
	var headers []Metadata
	for _, m := range r.Metadata {
		if len(m.Key) > len(MetaHTTPHeaderPrefix) && m.Key[:len(MetaHTTPHeaderPrefix)] == MetaHTTPHeaderPrefix {
			headers = append(headers, Metadata{Key: m.Key[len(MetaHTTPHeaderPrefix):], Val: m.Val})
		}
	}
	return headers
}

// ConnectResponse is this client's per-stream response header. An
// empty Err means success.
type ConnectResponse struct {
	Err      string
	Metadata []Metadata
}

// RequestSize probes buf for one complete data-stream request header:
// the 8-byte preamble plus a full single-segment message. It returns
// 0 when more data is needed and an error when the preamble is
// malformed.
func RequestSize(buf []byte) (int, error) {
	if len(buf) < capnp.PreambleLen {
		return 0, nil
	}
	if err := capnp.CheckPreamble(buf); err != nil {
		return 0, err
	}
	n, err := capnp.MessageSize(buf[capnp.PreambleLen:])
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	return capnp.PreambleLen + n, nil
}

// ParseConnectRequest decodes the preamble and ConnectRequest at the
// start of buf. Trailing bytes (the request body) are ignored.
//
// ConnectRequest: 1 data word, 2 pointers.
//
//	uint16 @0  = type
//	pointer 0  = dest text
//	pointer 1  = composite list of Metadata (0 data, 2 pointers)
func ParseConnectRequest(buf []byte) (*ConnectRequest, error) {
	if err := capnp.CheckPreamble(buf); err != nil {
		return nil, err
	}
	r, err := capnp.NewReader(buf[capnp.PreambleLen:])
	if err != nil {
		return nil, err
	}

	root, err := r.ReadStructPtr(0)
	if err != nil {
		return nil, fmt.Errorf("read ConnectRequest root: %w", err)
	}

	req := &ConnectRequest{}
	if root.DataWords >= 1 {
		req.Type = ConnectionType(r.Uint16(root.Off, 0))
	}
	if root.PtrCount >= 1 {
		dest, err := r.ReadText(root.PtrSection())
		if err != nil {
			return nil, fmt.Errorf("read dest: %w", err)
		}
		req.Dest = truncate(dest, MaxDestLen)
	}
	if root.PtrCount >= 2 {
		entries, err := readMetadataList(r, root.PtrSection()+8)
		if err != nil {
			return nil, err
		}
		req.Metadata = entries
	}
	return req, nil
}

func readMetadataList(r *capnp.Reader, ptrOff int) ([]Metadata, error) {
	cl, err := r.ReadCompositeList(ptrOff)
	if err != nil {
		if errors.Is(err, capnp.ErrNullPointer) {
			return nil, nil
		}
		return nil, fmt.Errorf("read metadata list: %w", err)
	}

	n := cl.Count
	if n > MaxMetadata {
		n = MaxMetadata
	}
	entries := make([]Metadata, 0, n)
	for i := 0; i < n; i++ {
		elem := cl.Elem(i)
		if elem.PtrCount < 2 {
			continue
		}
		key, err := r.ReadText(elem.PtrSection())
		if err != nil {
			return nil, fmt.Errorf("read metadata key %d: %w", i, err)
		}
		val, err := r.ReadText(elem.PtrSection() + 8)
		if err != nil {
			return nil, fmt.Errorf("read metadata value %d: %w", i, err)
		}
		entries = append(entries, Metadata{
			Key: truncate(key, MaxKeyLen),
			Val: truncate(val, MaxValueLen),
		})
	}
	return entries, nil
}

// EncodeConnectResponse emits the preamble followed by the
// ConnectResponse message. Metadata beyond the protocol limits is
// truncated; the dropped count is returned so the caller can log it.
//
// ConnectResponse: 0 data words, 2 pointers.
//
//	pointer 0 = error text (empty means success)
//	pointer 1 = composite list of Metadata
func EncodeConnectResponse(resp *ConnectResponse) (wire []byte, dropped int, err error) {
	entries, dropped := clampMetadata(resp.Metadata)

	scratch := getScratch()
	defer putScratch(scratch)
	b := capnp.NewBuilder(*scratch)

	rp, err := b.Alloc(1)
	if err != nil {
		return nil, dropped, err
	}
	st, err := b.Alloc(0 + 2)
	if err != nil {
		return nil, dropped, err
	}
	b.WriteStructPtr(rp, st, 0, 2)

	if err := b.WriteText(st, truncate(resp.Err, MaxErrorLen)); err != nil {
		return nil, dropped, err
	}
	if len(entries) > 0 {
		elem0, err := b.BeginCompositeList(st+8, len(entries), 0, 2)
		if err != nil {
			return nil, dropped, err
		}
		for i, m := range entries {
			off := elem0 + i*2*capnp.WordSize
			if err := b.WriteText(off, m.Key); err != nil {
				return nil, dropped, err
			}
			if err := b.WriteText(off+8, m.Val); err != nil {
				return nil, dropped, err
			}
		}
	}

	msg, err := b.Finalize()
	if err != nil {
		return nil, dropped, err
	}
	out := make([]byte, 0, capnp.PreambleLen+len(msg))
	out = capnp.AppendPreamble(out)
	return append(out, msg...), dropped, nil
}

// BuildHTTPMetadata assembles the response metadata for a proxied HTTP
// exchange: the status code followed by every origin header as an
// HttpHeader:* entry.
func BuildHTTPMetadata(status int, headers []Metadata) []Metadata {
	entries := make([]Metadata, 0, len(headers)+1)
	entries = append(entries, Metadata{Key: MetaHTTPStatus, Val: fmt.Sprintf("%d", status)})
	for _, h := range headers {
		entries = append(entries, Metadata{Key: MetaHTTPHeaderPrefix + h.Key, Val: h.Val})
	}
	return entries
}
