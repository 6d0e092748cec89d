// Package tunnel wires the transport session, the registration
// protocol and the origin bridge into one state machine. It runs as a
// single event loop: every transport event is handled to completion
// before the next one, so stream state needs no further locking.
package tunnel

import (
	"context"
	"errors"
	"fmt"

	"github.com/Mmx233/QTun/capnp"
	"github.com/Mmx233/QTun/origin"
	"github.com/Mmx233/QTun/transport"
	"github.com/Mmx233/QTun/tunnelrpc"
	"github.com/rs/zerolog"
)

// State is the orchestrator lifecycle position.
type State int

const (
	StateInit State = iota
	StateConnecting
	StateRegistering
	StateReady
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateConnecting:
		return "connecting"
	case StateRegistering:
		return "registering"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// RegistrationError reports a failed registration to the caller,
// keeping the edge's retry hints attached.
type RegistrationError struct {
	Result *tunnelrpc.RegistrationResult
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("registration failed: %s", e.Result.Err)
}

// Retryable reports whether the edge asked for another attempt.
func (e *RegistrationError) Retryable() bool {
	return e.Result.ShouldRetry
}

// Config carries the registration credentials and knobs.
type Config struct {
	Auth      tunnelrpc.TunnelAuth
	TunnelID  []byte
	Options   tunnelrpc.ConnectionOptions
	ConnIndex uint8
}

// Tunnel is the per-session orchestrator.
type Tunnel struct {
	cfg     Config
	session transport.Controller
	events  <-chan transport.Event
	bridge  *origin.Bridge
	logger  zerolog.Logger

	state      State
	controlID  uint64
	ctrlParsed int
	handled    map[uint64]bool

	result *tunnelrpc.RegistrationResult
	runErr error
}

// New builds a tunnel over an established session. The session must
// already have EventConnected queued (transport.Dial guarantees it).
func New(cfg Config, session transport.Controller, events <-chan transport.Event, bridge *origin.Bridge, logger zerolog.Logger) *Tunnel {
	return &Tunnel{
		cfg:     cfg,
		session: session,
		events:  events,
		bridge:  bridge,
		logger:  logger.With().Str("com", "tunnel").Logger(),
		state:   StateConnecting,
		handled: make(map[uint64]bool),
	}
}

// State returns the current lifecycle state.
func (t *Tunnel) State() State {
	return t.state
}

// Result returns the registration outcome, nil before one arrived.
func (t *Tunnel) Result() *tunnelrpc.RegistrationResult {
	return t.result
}

// Run drives the event loop until the session disconnects or ctx is
// canceled. A nil return means clean shutdown; transport failures and
// fatal registration outcomes return errors (RegistrationError for the
// latter).
func (t *Tunnel) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			if t.state != StateDraining && t.state != StateClosed {
				t.logger.Info().Msg("shutdown requested")
				t.state = StateDraining
				if err := t.session.Close(); err != nil {
					t.logger.Warn().Err(err).Msg("session close failed")
				}
			}
			// Keep consuming events until the transport confirms the
			// close.
			for ev := range t.events {
				if ev.Type == transport.EventDisconnected {
					t.state = StateClosed
					return t.runErr
				}
			}
			t.state = StateClosed
			return t.runErr

		case ev := <-t.events:
			t.handleEvent(ev)
			if t.state == StateClosed {
				return t.runErr
			}
		}
	}
}

func (t *Tunnel) handleEvent(ev transport.Event) {
	switch ev.Type {
	case transport.EventConnected:
		t.handleConnected()

	case transport.EventDisconnected:
		if t.state != StateDraining && t.runErr == nil {
			t.runErr = fmt.Errorf("disconnected from edge: %w", errOrUnknown(ev.Err))
		}
		t.logger.Info().Str("state", t.state.String()).Msg("session closed")
		t.state = StateClosed

	case transport.EventStreamOpenedRemote:
		t.logger.Debug().Uint64("stream_id", ev.StreamID).Msg("edge opened data stream")

	case transport.EventStreamData, transport.EventStreamFin:
		if t.state == StateRegistering && ev.StreamID == t.controlID {
			t.parseControlStream()
			return
		}
		if t.state == StateReady && ev.StreamID != t.controlID {
			t.handleDataStream(ev.StreamID)
		}

	case transport.EventStreamReset:
		delete(t.handled, ev.StreamID)
		t.logger.Debug().Uint64("stream_id", ev.StreamID).Err(ev.Err).Msg("stream reset")
	}
}

func (t *Tunnel) handleConnected() {
	if t.state != StateConnecting {
		return
	}
	t.logger.Info().Msg("connected, opening control stream")

	id, err := t.session.OpenStream(true)
	if err != nil {
		t.fatal(fmt.Errorf("open control stream: %w", err))
		return
	}
	t.controlID = id

	frames, err := tunnelrpc.EncodeRegistration(t.cfg.Auth, t.cfg.TunnelID, t.cfg.ConnIndex, t.cfg.Options)
	if err != nil {
		t.fatal(fmt.Errorf("encode registration: %w", err))
		return
	}

	// The control stream stays open for the whole session; both RPC
	// frames go out in one send without fin.
	if err := t.session.Send(id, frames, false); err != nil {
		t.fatal(fmt.Errorf("send registration: %w", err))
		return
	}
	t.state = StateRegistering
	t.logger.Info().Uint64("stream_id", id).Int("bytes", len(frames)).Msg("registration sent")
}

// parseControlStream consumes complete RPC messages from the control
// stream's receive buffer. The stream never carries a final marker, so
// parsing is a pull loop over the size probe.
func (t *Tunnel) parseControlStream() {
	buf := t.session.RecvBuffer(t.controlID)
	for t.ctrlParsed < len(buf) {
		n, err := capnp.MessageSize(buf[t.ctrlParsed:])
		if err != nil {
			t.fatal(fmt.Errorf("control stream framing: %w", err))
			return
		}
		if n == 0 {
			return
		}

		result, err := tunnelrpc.DecodeRegistration(buf[t.ctrlParsed : t.ctrlParsed+n])
		if err != nil {
			t.fatal(fmt.Errorf("control stream decode: %w", err))
			return
		}
		t.ctrlParsed += n

		if result == nil {
			t.logger.Debug().Msg("skipped bootstrap return")
			continue
		}

		t.result = result
		if result.Success {
			t.state = StateReady
			t.logger.Info().
				Str("connection_id", result.ConnectionID).
				Str("location", result.Location).
				Bool("remotely_managed", result.TunnelIsRemote).
				Msg("registered with edge")
			continue
		}

		t.logger.Error().
			Str("error", result.Err).
			Bool("should_retry", result.ShouldRetry).
			Dur("retry_after", result.RetryAfter).
			Msg("registration rejected")
		t.runErr = &RegistrationError{Result: result}
		t.state = StateDraining
		if err := t.session.Close(); err != nil {
			t.logger.Warn().Err(err).Msg("session close failed")
		}
		return
	}
}

// handleDataStream attempts to serve one request on a remote stream.
// A stream is handled at most once; malformed framing abandons it
// without a response and the peer's deadline cleans up.
func (t *Tunnel) handleDataStream(streamID uint64) {
	if t.handled[streamID] {
		return
	}

	buf := t.session.RecvBuffer(streamID)
	size, err := tunnelrpc.RequestSize(buf)
	if err != nil {
		t.handled[streamID] = true
		t.logger.Warn().Uint64("stream_id", streamID).Err(err).Msg("abandoning malformed data stream")
		return
	}
	if size == 0 {
		return
	}
	t.handled[streamID] = true

	req, err := tunnelrpc.ParseConnectRequest(buf[:size])
	if err != nil {
		t.logger.Warn().Uint64("stream_id", streamID).Err(err).Msg("abandoning undecodable data stream")
		return
	}
	body := buf[size:]

	t.logger.Info().
		Uint64("stream_id", streamID).
		Str("type", req.Type.String()).
		Str("method", req.Method()).
		Str("dest", req.Dest).
		Int("body_bytes", len(body)).
		Msg("proxying request")

	resp := t.bridge.RoundTrip(req, body)

	wire, dropped, err := tunnelrpc.EncodeConnectResponse(&tunnelrpc.ConnectResponse{
		Metadata: tunnelrpc.BuildHTTPMetadata(resp.Status, resp.Headers),
	})
	if err != nil {
		t.logger.Error().Uint64("stream_id", streamID).Err(err).Msg("encode response failed")
		return
	}
	if dropped > 0 {
		t.logger.Warn().Uint64("stream_id", streamID).Int("dropped", dropped).Msg("response metadata truncated")
	}

	if err := t.session.Send(streamID, wire, false); err != nil {
		t.logger.Warn().Uint64("stream_id", streamID).Err(err).Msg("send response header failed")
		return
	}
	if err := t.session.Send(streamID, resp.Body, true); err != nil {
		t.logger.Warn().Uint64("stream_id", streamID).Err(err).Msg("send response body failed")
		return
	}

	t.logger.Info().
		Uint64("stream_id", streamID).
		Int("status", resp.Status).
		Int("body_bytes", len(resp.Body)).
		Msg("request served")
}

// fatal closes the session; the pending error surfaces when the
// transport confirms the disconnect.
func (t *Tunnel) fatal(err error) {
	t.logger.Error().Err(err).Msg("fatal tunnel error")
	t.runErr = err
	t.state = StateDraining
	if cerr := t.session.Close(); cerr != nil {
		t.logger.Warn().Err(cerr).Msg("session close failed")
	}
}

func errOrUnknown(err error) error {
	if err != nil {
		return err
	}
	return errors.New("connection closed")
}
