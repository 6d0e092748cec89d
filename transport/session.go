// Package transport drives the QUIC session towards the edge and owns
// all stream state. It wraps quic-go's stream API with a single event
// queue so the tunnel orchestrator runs as one pure event handler: one
// control loop observes every connection and stream transition in
// order, per stream.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"
)

// Edge transport constants. These are contract-fixed: the edge only
// speaks to clients presenting this ALPN and SNI.
const (
	ALPN    = "argotunnel"
	EdgeSNI = "quic.cftunnel.com"

	DefaultEdgeHost = "region1.v2.argotunnel.com"
	DefaultEdgePort = 7844
)

const (
	// DefaultFlightSize bounds how many bytes a pump moves per write
	// and per read chunk.
	DefaultFlightSize = 16 * 1024

	// ControlRecvCap caps the control stream's receive buffer. The
	// registration exchange is small; anything larger is hostile.
	ControlRecvCap = 64 * 1024

	// DataRecvCap caps a data stream's receive buffer (request header
	// plus buffered body).
	DataRecvCap = 1024 * 1024

	eventQueueSize = 128
)

// EventType enumerates the transport events delivered to the
// orchestrator.
type EventType int

const (
	EventConnected EventType = iota
	EventDisconnected
	EventStreamOpenedRemote
	EventStreamData
	EventStreamFin
	EventStreamReset
)

func (t EventType) String() string {
	switch t {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventStreamOpenedRemote:
		return "stream_opened_remote"
	case EventStreamData:
		return "stream_data"
	case EventStreamFin:
		return "stream_fin"
	case EventStreamReset:
		return "stream_reset"
	default:
		return "unknown"
	}
}

// Event is one transport notification. For EventStreamData, Data is
// the newly delivered chunk (already appended to the stream's receive
// buffer); for EventStreamFin it is the full accumulated buffer.
type Event struct {
	Type     EventType
	StreamID uint64
	Data     []byte
	Err      error
}

// Controller is the stream-level surface the orchestrator drives. It
// is implemented by Session and by test fakes.
type Controller interface {
	// OpenStream opens a locally-initiated bidirectional stream and
	// returns its identifier.
	OpenStream(isControl bool) (uint64, error)
	// Send appends to the stream's send queue, coalescing with any
	// queued bytes. With fin set, no further send is allowed.
	Send(streamID uint64, p []byte, fin bool) error
	// RecvBuffer exposes the stream's receive buffer for incremental
	// parsing.
	RecvBuffer(streamID uint64) []byte
	// Close initiates graceful transport shutdown with reason code 0.
	Close() error
}

// Config carries the session dial parameters.
type Config struct {
	// EdgeAddr is the UDP host:port of the edge server.
	EdgeAddr string
	// QuicConfig optionally overrides the QUIC transport knobs.
	QuicConfig *quic.Config
	// FlightSize bounds per-chunk reads and writes; zero selects
	// DefaultFlightSize.
	FlightSize int
}

type stream struct {
	id        uint64
	qs        *quic.Stream
	isControl bool

	mu         sync.Mutex
	sendBuf    []byte
	sendOff    int
	sendFin    bool
	sendSignal chan struct{}

	recv    recvBuffer
	recvFin bool
}

func (st *stream) signal() {
	select {
	case st.sendSignal <- struct{}{}:
	default:
	}
}

// Session owns one QUIC connection and its stream table. Events are
// serialized onto one queue; per-stream ordering follows network
// order.
type Session struct {
	conn       *quic.Conn
	flightSize int

	mu      sync.Mutex
	streams map[uint64]*stream

	events     chan Event
	disconnect sync.Once

	logger zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Dial connects to the edge, completes the handshake and returns a
// running session. EventConnected is already queued when Dial returns.
func Dial(ctx context.Context, cfg Config, logger zerolog.Logger) (*Session, error) {
	tlsConf := &tls.Config{
		ServerName: EdgeSNI,
		NextProtos: []string{ALPN},
		MinVersion: tls.VersionTLS13,
	}
	quicConf := cfg.QuicConfig
	if quicConf == nil {
		quicConf = &quic.Config{}
	}

	conn, err := quic.DialAddr(ctx, cfg.EdgeAddr, tlsConf, quicConf)
	if err != nil {
		return nil, fmt.Errorf("dial edge %s: %w", cfg.EdgeAddr, err)
	}

	s := newSession(conn, cfg, logger)
	s.logger.Info().Str("edge", cfg.EdgeAddr).Msg("connected to edge")
	s.emit(Event{Type: EventConnected})

	s.wg.Add(2)
	go s.acceptLoop()
	go s.watchConnection()
	return s, nil
}

func newSession(conn *quic.Conn, cfg Config, logger zerolog.Logger) *Session {
	flight := cfg.FlightSize
	if flight <= 0 {
		flight = DefaultFlightSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		conn:       conn,
		flightSize: flight,
		streams:    make(map[uint64]*stream),
		events:     make(chan Event, eventQueueSize),
		logger:     logger.With().Str("com", "transport").Logger(),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Events returns the serialized event queue. The consumer must drain
// it until EventDisconnected.
func (s *Session) Events() <-chan Event {
	return s.events
}

// OpenStream opens a locally-initiated bidirectional stream.
func (s *Session) OpenStream(isControl bool) (uint64, error) {
	qs, err := s.conn.OpenStreamSync(s.ctx)
	if err != nil {
		return 0, fmt.Errorf("open stream: %w", err)
	}
	st := s.registerStream(qs, isControl)
	s.logger.Debug().Uint64("stream_id", st.id).Bool("control", isControl).Msg("opened stream")
	return st.id, nil
}

// Send appends p to the stream's send queue. With fin set, the stream
// is closed for sending once the queue drains.
func (s *Session) Send(streamID uint64, p []byte, fin bool) error {
	st := s.findStream(streamID)
	if st == nil {
		return fmt.Errorf("send: unknown stream %d", streamID)
	}

	st.mu.Lock()
	if st.sendFin {
		st.mu.Unlock()
		return fmt.Errorf("send: stream %d already closed for sending", streamID)
	}
	st.sendBuf = append(st.sendBuf, p...)
	if fin {
		st.sendFin = true
	}
	st.mu.Unlock()

	st.signal()
	return nil
}

// RecvBuffer exposes the accumulated receive buffer of a stream. The
// returned slice is a stable snapshot of everything delivered so far.
func (s *Session) RecvBuffer(streamID uint64) []byte {
	st := s.findStream(streamID)
	if st == nil {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.recv.bytes()
}

// Close initiates graceful shutdown. EventDisconnected follows once
// the transport reports the close.
func (s *Session) Close() error {
	s.logger.Info().Msg("closing session")
	return s.conn.CloseWithError(0, "shutdown")
}

func (s *Session) registerStream(qs *quic.Stream, isControl bool) *stream {
	max := DataRecvCap
	if isControl {
		max = ControlRecvCap
	}
	st := &stream{
		id:         uint64(qs.StreamID()),
		qs:         qs,
		isControl:  isControl,
		sendSignal: make(chan struct{}, 1),
		recv:       newRecvBuffer(max),
	}

	s.mu.Lock()
	s.streams[st.id] = st
	s.mu.Unlock()

	s.wg.Add(2)
	go s.readPump(st)
	go s.writePump(st)
	return st
}

func (s *Session) findStream(streamID uint64) *stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams[streamID]
}

func (s *Session) removeStream(streamID uint64) {
	s.mu.Lock()
	st := s.streams[streamID]
	delete(s.streams, streamID)
	s.mu.Unlock()
	if st != nil {
		st.mu.Lock()
		st.recv.free()
		st.sendBuf = nil
		st.mu.Unlock()
	}
}

func (s *Session) acceptLoop() {
	defer s.wg.Done()
	for {
		qs, err := s.conn.AcceptStream(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				s.emitDisconnected(err)
			}
			return
		}
		st := s.registerStream(qs, false)
		s.logger.Debug().Uint64("stream_id", st.id).Msg("remote opened stream")
		s.emit(Event{Type: EventStreamOpenedRemote, StreamID: st.id})
	}
}

func (s *Session) watchConnection() {
	defer s.wg.Done()
	select {
	case <-s.conn.Context().Done():
		s.emitDisconnected(context.Cause(s.conn.Context()))
	case <-s.ctx.Done():
	}
}

func (s *Session) readPump(st *stream) {
	defer s.wg.Done()
	buf := make([]byte, s.flightSize)
	for {
		n, err := st.qs.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])

			st.mu.Lock()
			appendErr := st.recv.append(chunk)
			st.mu.Unlock()

			if appendErr != nil {
				s.logger.Warn().Uint64("stream_id", st.id).Err(appendErr).Msg("resetting oversized stream")
				st.qs.CancelRead(0)
				st.qs.CancelWrite(0)
				s.removeStream(st.id)
				s.emit(Event{Type: EventStreamReset, StreamID: st.id, Err: appendErr})
				return
			}
			s.emit(Event{Type: EventStreamData, StreamID: st.id, Data: chunk})
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				st.mu.Lock()
				st.recvFin = true
				full := st.recv.bytes()
				st.mu.Unlock()
				s.emit(Event{Type: EventStreamFin, StreamID: st.id, Data: full})
				return
			}
			if s.ctx.Err() == nil {
				var streamErr *quic.StreamError
				if errors.As(err, &streamErr) {
					s.logger.Debug().Uint64("stream_id", st.id).Err(err).Msg("stream reset by peer")
					s.removeStream(st.id)
					s.emit(Event{Type: EventStreamReset, StreamID: st.id, Err: err})
				} else {
					s.emitDisconnected(err)
				}
			}
			return
		}
	}
}

func (s *Session) writePump(st *stream) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-st.sendSignal:
		}

		for {
			st.mu.Lock()
			avail := len(st.sendBuf) - st.sendOff
			if avail > s.flightSize {
				avail = s.flightSize
			}
			chunk := st.sendBuf[st.sendOff : st.sendOff+avail]
			st.mu.Unlock()

			if len(chunk) > 0 {
				if _, err := st.qs.Write(chunk); err != nil {
					if s.ctx.Err() == nil {
						s.logger.Debug().Uint64("stream_id", st.id).Err(err).Msg("stream write failed")
					}
					return
				}
			}

			st.mu.Lock()
			st.sendOff += len(chunk)
			drained := st.sendOff == len(st.sendBuf)
			finNow := drained && st.sendFin
			if drained {
				// Queue fully flushed; reset it for reuse.
				st.sendBuf = st.sendBuf[:0]
				st.sendOff = 0
			}
			st.mu.Unlock()

			if finNow {
				if err := st.qs.Close(); err != nil && s.ctx.Err() == nil {
					s.logger.Debug().Uint64("stream_id", st.id).Err(err).Msg("stream close failed")
				}
				return
			}
			if drained {
				break
			}
		}
	}
}

// emit queues an event unless the session is shutting down.
func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

func (s *Session) emitDisconnected(err error) {
	s.disconnect.Do(func() {
		s.logger.Warn().Err(err).Msg("disconnected from edge")
		s.cancel()
		// The pumps stop emitting once the context is canceled, so
		// the consumer drains the queue and this send completes even
		// on a full queue.
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.events <- Event{Type: EventDisconnected, Err: err}
		}()
	})
}
