package origin

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/Mmx233/QTun/tunnelrpc"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeOrigin accepts one connection, captures the raw request and
// answers with a canned HTTP/1.1 response.
type fakeOrigin struct {
	ln       net.Listener
	response string
	requests chan string
}

func newFakeOrigin(t *testing.T, response string) *fakeOrigin {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	f := &fakeOrigin{ln: ln, response: response, requests: make(chan string, 1)}
	go f.serve()
	t.Cleanup(func() { ln.Close() })
	return f
}

func (f *fakeOrigin) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		go func(conn net.Conn) {
			defer conn.Close()

			r := bufio.NewReader(conn)
			var raw strings.Builder
			contentLength := 0
			for {
				line, err := r.ReadString('\n')
				if err != nil {
					return
				}
				raw.WriteString(line)
				trimmed := strings.TrimRight(line, "\r\n")
				if v, ok := strings.CutPrefix(trimmed, "Content-Length: "); ok {
					fmt.Sscanf(v, "%d", &contentLength)
				}
				if trimmed == "" {
					break
				}
			}
			if contentLength > 0 {
				body := make([]byte, contentLength)
				if _, err := io.ReadFull(r, body); err != nil {
					return
				}
				raw.Write(body)
			}

			select {
			case f.requests <- raw.String():
			default:
			}
			_, _ = conn.Write([]byte(f.response))
		}(conn)
	}
}

func (f *fakeOrigin) url() string {
	return "http://" + f.ln.Addr().String()
}

func (f *fakeOrigin) lastRequest(t *testing.T) string {
	t.Helper()
	select {
	case raw := <-f.requests:
		return raw
	case <-time.After(2 * time.Second):
		t.Fatal("origin saw no request")
		return ""
	}
}

func newBridge(t *testing.T, cfg Config) *Bridge {
	t.Helper()
	b, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	return b
}

func TestParseOriginURL(t *testing.T) {
	cases := []struct {
		raw    string
		host   string
		port   int
		prefix string
	}{
		{"http://127.0.0.1:8080", "127.0.0.1", 8080, ""},
		{"http://origin.local", "origin.local", 80, ""},
		{"http://origin.local/app/", "origin.local", 80, "/app"},
		{"https://origin.local:8443/x", "origin.local", 8443, "/x"},
	}
	for _, c := range cases {
		host, port, prefix, err := ParseOriginURL(c.raw)
		require.NoErrorf(t, err, "url %q", c.raw)
		assert.Equal(t, c.host, host)
		assert.Equal(t, c.port, port)
		assert.Equal(t, c.prefix, prefix)
	}
}

func TestParseOriginURLRejects(t *testing.T) {
	for _, raw := range []string{"ftp://x", "http://", "http://h:99999"} {
		_, _, _, err := ParseOriginURL(raw)
		assert.Errorf(t, err, "url %q", raw)
	}
}

func TestRoundTripGet(t *testing.T) {
	f := newFakeOrigin(t, "HTTP/1.1 200 OK\r\nContent-Length: 5\r\nContent-Type: text/plain\r\n\r\nhello")
	b := newBridge(t, Config{URL: f.url()})

	resp := b.RoundTrip(&tunnelrpc.ConnectRequest{
		Dest: "/hello",
		Metadata: []tunnelrpc.Metadata{
			{Key: tunnelrpc.MetaHTTPMethod, Val: "GET"},
			{Key: tunnelrpc.MetaHTTPHost, Val: "example.invalid"},
		},
	}, nil)

	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, []byte("hello"), resp.Body)
	assert.Equal(t, "5", tunnelrpc.Lookup(resp.Headers, "Content-Length"))
	assert.Equal(t, "text/plain", tunnelrpc.Lookup(resp.Headers, "Content-Type"))

	raw := f.lastRequest(t)
	assert.True(t, strings.HasPrefix(raw, "GET /hello HTTP/1.1\r\n"), "request line: %q", raw)
	assert.Contains(t, raw, "Connection: close\r\n")
	assert.NotContains(t, raw, "example.invalid", "the configured origin host wins over the peer's")
}

func TestRoundTripPostWithBody(t *testing.T) {
	f := newFakeOrigin(t, "HTTP/1.1 204 No Content\r\n\r\n")
	b := newBridge(t, Config{URL: f.url()})

	resp := b.RoundTrip(&tunnelrpc.ConnectRequest{
		Dest: "/submit",
		Metadata: []tunnelrpc.Metadata{
			{Key: tunnelrpc.MetaHTTPMethod, Val: "POST"},
			{Key: "HttpHeader:Content-Length", Val: "4"},
		},
	}, []byte("abcd"))

	assert.Equal(t, 204, resp.Status)
	assert.Empty(t, resp.Body)

	raw := f.lastRequest(t)
	assert.True(t, strings.HasPrefix(raw, "POST /submit HTTP/1.1\r\n"))
	assert.True(t, strings.HasSuffix(raw, "\r\n\r\nabcd"), "body follows the blank line: %q", raw)
}

func TestRoundTripForwardsHeadersSkippingHopByHop(t *testing.T) {
	f := newFakeOrigin(t, "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")
	b := newBridge(t, Config{URL: f.url()})

	b.RoundTrip(&tunnelrpc.ConnectRequest{
		Dest: "/",
		Metadata: []tunnelrpc.Metadata{
			{Key: "HttpHeader:Accept", Val: "*/*"},
			{Key: "HttpHeader:host", Val: "spoof.invalid"},
			{Key: "HttpHeader:Connection", Val: "keep-alive"},
		},
	}, nil)

	raw := f.lastRequest(t)
	assert.Contains(t, raw, "Accept: */*\r\n")
	assert.NotContains(t, raw, "spoof.invalid")
	assert.NotContains(t, raw, "keep-alive")
}

func TestRoundTripPathPrefix(t *testing.T) {
	f := newFakeOrigin(t, "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")
	b := newBridge(t, Config{URL: f.url() + "/app/"})

	b.RoundTrip(&tunnelrpc.ConnectRequest{Dest: "/hello"}, nil)
	raw := f.lastRequest(t)
	assert.True(t, strings.HasPrefix(raw, "GET /app/hello HTTP/1.1\r\n"), "request line: %q", raw)

	// An empty dest still yields a rooted path.
	b.RoundTrip(&tunnelrpc.ConnectRequest{}, nil)
	raw = f.lastRequest(t)
	assert.True(t, strings.HasPrefix(raw, "GET /app/ HTTP/1.1\r\n"), "request line: %q", raw)
}

func TestRoundTripCloseDelimitedBody(t *testing.T) {
	f := newFakeOrigin(t, "HTTP/1.1 200 OK\r\n\r\nstream until close")
	b := newBridge(t, Config{URL: f.url()})

	resp := b.RoundTrip(&tunnelrpc.ConnectRequest{Dest: "/"}, nil)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, []byte("stream until close"), resp.Body)
}

func TestRoundTripOriginRefused(t *testing.T) {
	// Grab a port and close it again so the dial is refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	b := newBridge(t, Config{URL: "http://" + addr, ConnectTimeout: 500 * time.Millisecond})

	resp := b.RoundTrip(&tunnelrpc.ConnectRequest{Dest: "/"}, nil)
	assert.Equal(t, 502, resp.Status)
	assert.Equal(t, []tunnelrpc.Metadata{{Key: "Content-Type", Val: "text/plain"}}, resp.Headers)
	assert.True(t, strings.HasPrefix(string(resp.Body), "502 Bad Gateway: "), "body: %q", resp.Body)

	// 502 responses are stable across repeated failures.
	again := b.RoundTrip(&tunnelrpc.ConnectRequest{Dest: "/"}, nil)
	assert.Equal(t, resp, again)
}

func TestRoundTripMalformedStatusLine(t *testing.T) {
	f := newFakeOrigin(t, "NONSENSE\r\n\r\n")
	b := newBridge(t, Config{URL: f.url()})

	resp := b.RoundTrip(&tunnelrpc.ConnectRequest{Dest: "/"}, nil)
	assert.Equal(t, 502, resp.Status)
}

func TestRoundTripReadTimeout(t *testing.T) {
	// An origin that accepts and never answers trips the read
	// deadline.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		time.Sleep(2 * time.Second)
	}()

	b := newBridge(t, Config{URL: "http://" + ln.Addr().String(), ReadTimeout: 200 * time.Millisecond})
	resp := b.RoundTrip(&tunnelrpc.ConnectRequest{Dest: "/"}, nil)
	assert.Equal(t, 502, resp.Status)
}

func TestParseResponseHead(t *testing.T) {
	status, headers, err := parseResponseHead([]byte("HTTP/1.1 301 Moved Permanently\r\nLocation: /new\r\nX-Empty:\r\n"))
	require.NoError(t, err)
	assert.Equal(t, 301, status)
	assert.Equal(t, "/new", tunnelrpc.Lookup(headers, "Location"))
	assert.Equal(t, "", tunnelrpc.Lookup(headers, "X-Empty"))
}
