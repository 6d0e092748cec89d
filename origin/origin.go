// Package origin forwards proxied requests to the local origin HTTP
// server. It speaks just enough HTTP/1.1 on a raw TCP connection to
// turn a ConnectRequest plus body into a status, header set and
// bounded body: request-line and headers out, status-line, headers and
// Content-Length or close-delimited body back.
package origin

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Mmx233/QTun/tunnelrpc"
	"github.com/rs/zerolog"
)

const (
	// MaxResponseBody caps how much origin response we buffer.
	MaxResponseBody = 1024 * 1024

	// DefaultConnectTimeout and DefaultReadTimeout apply when the
	// configuration leaves them zero.
	DefaultConnectTimeout = 5 * time.Second
	DefaultReadTimeout    = 30 * time.Second

	recvBufInit = 4096
)

// Config selects the origin and its timeouts.
type Config struct {
	// URL is the origin base URL, e.g. "http://127.0.0.1:8080/app".
	// https URLs are accepted but proxied as plain HTTP.
	URL string
	// ConnectTimeout bounds the TCP dial.
	ConnectTimeout time.Duration
	// ReadTimeout bounds each read and write on the origin socket.
	ReadTimeout time.Duration
}

// Response is the origin's reply, or a synthesized 502.
type Response struct {
	Status  int
	Headers []tunnelrpc.Metadata
	Body    []byte
}

// Bridge proxies requests to one configured origin.
type Bridge struct {
	host           string
	port           int
	pathPrefix     string
	connectTimeout time.Duration
	readTimeout    time.Duration
	logger         zerolog.Logger
}

// New parses the origin URL and returns a ready bridge.
func New(cfg Config, logger zerolog.Logger) (*Bridge, error) {
	logger = logger.With().Str("com", "origin").Logger()

	host, port, prefix, err := ParseOriginURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	if strings.HasPrefix(cfg.URL, "https://") {
		logger.Warn().Str("origin", cfg.URL).Msg("https origins are proxied as plain http")
	}

	b := &Bridge{
		host:           host,
		port:           port,
		pathPrefix:     prefix,
		connectTimeout: cfg.ConnectTimeout,
		readTimeout:    cfg.ReadTimeout,
		logger:         logger,
	}
	if b.connectTimeout <= 0 {
		b.connectTimeout = DefaultConnectTimeout
	}
	if b.readTimeout <= 0 {
		b.readTimeout = DefaultReadTimeout
	}

	logger.Info().
		Str("host", host).
		Int("port", port).
		Str("path_prefix", prefix).
		Dur("connect_timeout", b.connectTimeout).
		Dur("read_timeout", b.readTimeout).
		Msg("origin configured")
	return b, nil
}

// ParseOriginURL extracts host, port and path prefix from an origin
// URL. The scheme must be http or https; the default port is 80 and a
// trailing slash on the prefix is dropped (root stays empty).
func ParseOriginURL(raw string) (host string, port int, pathPrefix string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", 0, "", fmt.Errorf("parse origin url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", 0, "", fmt.Errorf("unsupported origin scheme %q", u.Scheme)
	}
	host = u.Hostname()
	if host == "" {
		return "", 0, "", fmt.Errorf("origin url %q has no host", raw)
	}

	port = 80
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil || port < 1 || port > 65535 {
			return "", 0, "", fmt.Errorf("bad origin port %q", p)
		}
	}

	pathPrefix = strings.TrimSuffix(u.Path, "/")
	return host, port, pathPrefix, nil
}

// RoundTrip forwards one request to the origin. It never fails: any
// dial, send or receive problem becomes a synthesized 502 response so
// the session stays up.
func (b *Bridge) RoundTrip(req *tunnelrpc.ConnectRequest, body []byte) *Response {
	method := req.Method()
	path := req.Dest
	if path == "" {
		path = "/"
	}
	if b.pathPrefix != "" {
		path = b.pathPrefix + path
	}

	b.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("body_bytes", len(body)).
		Msg("forwarding request")

	addr := net.JoinHostPort(b.host, strconv.Itoa(b.port))
	conn, err := net.DialTimeout("tcp", addr, b.connectTimeout)
	if err != nil {
		b.logger.Warn().Err(err).Str("origin", addr).Msg("origin dial failed")
		return badGateway("connection to origin failed")
	}
	defer conn.Close()

	if err := b.writeRequest(conn, method, path, req.ForwardedHeaders(), body); err != nil {
		b.logger.Warn().Err(err).Msg("origin send failed")
		return badGateway("failed to send request to origin")
	}

	resp, err := b.readResponse(conn)
	if err != nil {
		b.logger.Warn().Err(err).Msg("origin read failed")
		return badGateway("failed to read response from origin")
	}

	b.logger.Debug().
		Int("status", resp.Status).
		Int("body_bytes", len(resp.Body)).
		Msg("origin responded")
	return resp
}

func (b *Bridge) writeRequest(conn net.Conn, method, path string, headers []tunnelrpc.Metadata, body []byte) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s HTTP/1.1\r\n", method, path)
	// The Host header names the configured origin, never the
	// peer-supplied one.
	fmt.Fprintf(&sb, "Host: %s\r\n", b.host)
	sb.WriteString("Connection: close\r\n")
	for _, h := range headers {
		if strings.EqualFold(h.Key, "Host") || strings.EqualFold(h.Key, "Connection") {
			continue
		}
		fmt.Fprintf(&sb, "%s: %s\r\n", h.Key, h.Val)
	}
	if len(body) > 0 {
		fmt.Fprintf(&sb, "Content-Length: %d\r\n", len(body))
	}
	sb.WriteString("\r\n")

	if err := conn.SetWriteDeadline(time.Now().Add(b.readTimeout)); err != nil {
		return err
	}
	if _, err := conn.Write([]byte(sb.String())); err != nil {
		return err
	}
	if len(body) > 0 {
		if _, err := conn.Write(body); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bridge) readResponse(conn net.Conn) (*Response, error) {
	buf := make([]byte, 0, recvBufInit)
	chunk := make([]byte, recvBufInit)

	// Accumulate until the header terminator shows up.
	headerEnd := -1
	for headerEnd < 0 {
		if err := conn.SetReadDeadline(time.Now().Add(b.readTimeout)); err != nil {
			return nil, err
		}
		n, err := conn.Read(chunk)
		if n > 0 {
			if len(buf)+n > MaxResponseBody+recvBufInit {
				return nil, fmt.Errorf("response headers exceed %d bytes", MaxResponseBody)
			}
			buf = append(buf, chunk[:n]...)
			headerEnd = strings.Index(string(buf), "\r\n\r\n")
		}
		if err != nil {
			if headerEnd < 0 {
				return nil, fmt.Errorf("connection closed before headers: %w", err)
			}
		}
	}

	status, headers, err := parseResponseHead(buf[:headerEnd])
	if err != nil {
		return nil, err
	}

	bodyStart := headerEnd + 4
	body := append([]byte{}, buf[bodyStart:]...)

	contentLength := -1
	if v := tunnelrpc.Lookup(headers, "Content-Length"); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err == nil && n >= 0 {
			contentLength = n
		}
	}
	if contentLength > MaxResponseBody {
		return nil, fmt.Errorf("content-length %d exceeds %d byte cap", contentLength, MaxResponseBody)
	}

	for {
		if contentLength >= 0 && len(body) >= contentLength {
			body = body[:contentLength]
			break
		}
		if len(body) > MaxResponseBody {
			return nil, fmt.Errorf("response body exceeds %d byte cap", MaxResponseBody)
		}
		if err := conn.SetReadDeadline(time.Now().Add(b.readTimeout)); err != nil {
			return nil, err
		}
		n, err := conn.Read(chunk)
		if n > 0 {
			body = append(body, chunk[:n]...)
		}
		if err != nil {
			// Close-delimited bodies end here; a short read against a
			// declared Content-Length is an origin failure.
			if contentLength >= 0 && len(body) < contentLength {
				return nil, fmt.Errorf("short body: %d of %d bytes: %w", len(body), contentLength, err)
			}
			if contentLength < 0 && len(body) > MaxResponseBody {
				return nil, fmt.Errorf("response body exceeds %d byte cap", MaxResponseBody)
			}
			break
		}
	}

	return &Response{Status: status, Headers: headers, Body: body}, nil
}

// parseResponseHead parses "HTTP/1.x CODE ..." and the header block.
func parseResponseHead(head []byte) (int, []tunnelrpc.Metadata, error) {
	lines := strings.Split(string(head), "\r\n")
	if len(lines) == 0 {
		return 0, nil, fmt.Errorf("empty response head")
	}

	statusLine := lines[0]
	if !strings.HasPrefix(statusLine, "HTTP/1.") {
		return 0, nil, fmt.Errorf("bad status line %q", statusLine)
	}
	fields := strings.SplitN(statusLine, " ", 3)
	if len(fields) < 2 {
		return 0, nil, fmt.Errorf("bad status line %q", statusLine)
	}
	status, err := strconv.Atoi(fields[1])
	if err != nil || status < 100 || status > 999 {
		return 0, nil, fmt.Errorf("bad status code %q", fields[1])
	}

	var headers []tunnelrpc.Metadata
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		key, val, ok := strings.Cut(line, ":")
		if !ok || key == "" {
			continue
		}
		if len(headers) == tunnelrpc.MaxMetadata {
			break
		}
		headers = append(headers, tunnelrpc.Metadata{
			Key: strings.TrimSpace(key),
			Val: strings.TrimSpace(val),
		})
	}
	return status, headers, nil
}

// badGateway synthesizes the stable 502 response used for every origin
// failure.
func badGateway(reason string) *Response {
	return &Response{
		Status:  502,
		Headers: []tunnelrpc.Metadata{{Key: "Content-Type", Val: "text/plain"}},
		Body:    []byte("502 Bad Gateway: " + reason),
	}
}
