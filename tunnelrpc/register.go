package tunnelrpc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/Mmx233/QTun/capnp"
)

// TunnelServerInterfaceID is the Cap'n Proto interface identifier of
// the edge's TunnelServer, carried in every registration Call.
const TunnelServerInterfaceID uint64 = 0xF71695EC7FE85497

// RPC Message union discriminants (rpc.capnp).
const (
	msgWhichCall      = 2
	msgWhichReturn    = 3
	msgWhichBootstrap = 8
)

// Return union discriminants.
const (
	returnWhichResults   = 0
	returnWhichException = 1
	returnWhichCanceled  = 2
)

// ConnectionResponse union discriminants.
const (
	connRespWhichError   = 0
	connRespWhichDetails = 1
)

// Registration question identifiers. The Bootstrap is question 0 and
// the pipelined registerConnection Call is question 1.
const (
	bootstrapQuestionID = 0
	registerQuestionID  = 1
)

// TunnelAuth authenticates the tunnel towards the edge.
type TunnelAuth struct {
	AccountTag   string
	TunnelSecret []byte
}

// ConnectionOptions carries the per-connection registration knobs.
type ConnectionOptions struct {
	ClientID            []byte // 16-byte v4 UUID
	Version             string
	Arch                string
	ReplaceExisting     bool
	CompressionQuality  uint8
	NumPreviousAttempts uint8
}

// RegistrationResult is the outcome of one registration exchange.
type RegistrationResult struct {
	Success        bool
	ConnectionID   string // canonical UUID form, or hex dump on odd lengths
	Location       string // edge colo, e.g. "SJC"
	TunnelIsRemote bool

	Err         string
	RetryAfter  time.Duration
	ShouldRetry bool
}

// EncodeBootstrap emits the RPC Bootstrap message acquiring the edge's
// root interface capability as question 0.
func EncodeBootstrap() ([]byte, error) {
	scratch := getScratch()
	defer putScratch(scratch)
	b := capnp.NewBuilder(*scratch)

	rp, err := b.Alloc(1)
	if err != nil {
		return nil, err
	}

	// Message: 1 data word, 1 pointer; discriminant at data [0..2].
	msg, err := b.Alloc(1 + 1)
	if err != nil {
		return nil, err
	}
	b.WriteStructPtr(rp, msg, 1, 1)
	binary.LittleEndian.PutUint16(b.Bytes()[msg:], msgWhichBootstrap)

	// Bootstrap: 1 data word, 1 pointer. Question id 0 and the null
	// deprecatedObjectId pointer are already zero.
	boot, err := b.Alloc(1 + 1)
	if err != nil {
		return nil, err
	}
	b.WriteStructPtr(msg+8, boot, 1, 1)

	return b.Finalize()
}

// EncodeCall emits the RPC Call invoking registerConnection (method 0)
// on the TunnelServer interface, pipelined against the Bootstrap's
// promised answer so the two messages can be written back-to-back.
func EncodeCall(auth TunnelAuth, tunnelID []byte, connIndex uint8, opts ConnectionOptions) ([]byte, error) {
	scratch := getScratch()
	defer putScratch(scratch)
	b := capnp.NewBuilder(*scratch)

	rp, err := b.Alloc(1)
	if err != nil {
		return nil, err
	}

	// Message: discriminant = call.
	msg, err := b.Alloc(1 + 1)
	if err != nil {
		return nil, err
	}
	b.WriteStructPtr(rp, msg, 1, 1)
	binary.LittleEndian.PutUint16(b.Bytes()[msg:], msgWhichCall)

	// Call: 3 data words, 3 pointers.
	//   uint32 @0  = questionId
	//   uint16 @4  = methodId
	//   uint16 @6  = sendResultsTo discriminant (0 = caller)
	//   uint64 @8  = interfaceId
	call, err := b.Alloc(3 + 3)
	if err != nil {
		return nil, err
	}
	b.WriteStructPtr(msg+8, call, 3, 3)
	binary.LittleEndian.PutUint32(b.Bytes()[call:], registerQuestionID)
	binary.LittleEndian.PutUint64(b.Bytes()[call+8:], TunnelServerInterfaceID)
	callPtrs := call + 3*8

	// Call.target: MessageTarget with which = promisedAnswer.
	target, err := b.Alloc(1 + 1)
	if err != nil {
		return nil, err
	}
	b.WriteStructPtr(callPtrs, target, 1, 1)
	binary.LittleEndian.PutUint16(b.Bytes()[target+4:], 1)

	// PromisedAnswer referencing the Bootstrap question with an empty
	// transform.
	pa, err := b.Alloc(1 + 1)
	if err != nil {
		return nil, err
	}
	b.WriteStructPtr(target+8, pa, 1, 1)
	binary.LittleEndian.PutUint32(b.Bytes()[pa:], bootstrapQuestionID)

	// Call.params: Payload whose capTable stays null.
	payload, err := b.Alloc(0 + 2)
	if err != nil {
		return nil, err
	}
	b.WriteStructPtr(callPtrs+8, payload, 0, 2)

	// registerConnection params: 1 data word, 3 pointers.
	params, err := b.Alloc(1 + 3)
	if err != nil {
		return nil, err
	}
	b.WriteStructPtr(payload, params, 1, 3)
	b.Bytes()[params] = connIndex
	paramsPtrs := params + 1*8

	// TunnelAuth: accountTag text + tunnelSecret data.
	ta, err := b.Alloc(0 + 2)
	if err != nil {
		return nil, err
	}
	b.WriteStructPtr(paramsPtrs, ta, 0, 2)
	if err := b.WriteText(ta, auth.AccountTag); err != nil {
		return nil, err
	}
	if err := b.WriteData(ta+8, auth.TunnelSecret); err != nil {
		return nil, err
	}

	// Tunnel identifier (16-byte UUID).
	if err := b.WriteData(paramsPtrs+8, tunnelID); err != nil {
		return nil, err
	}

	// ConnectionOptions: 1 data word, 2 pointers.
	co, err := b.Alloc(1 + 2)
	if err != nil {
		return nil, err
	}
	b.WriteStructPtr(paramsPtrs+16, co, 1, 2)
	if opts.ReplaceExisting {
		b.Bytes()[co] |= 0x01
	}
	b.Bytes()[co+1] = opts.CompressionQuality
	b.Bytes()[co+2] = opts.NumPreviousAttempts
	coPtrs := co + 1*8

	// ClientInfo: clientId data, features list (empty), version and
	// arch text. originLocalIp at ConnectionOptions pointer 1 stays
	// null.
	ci, err := b.Alloc(0 + 4)
	if err != nil {
		return nil, err
	}
	b.WriteStructPtr(coPtrs, ci, 0, 4)
	if err := b.WriteData(ci, opts.ClientID); err != nil {
		return nil, err
	}
	if err := b.WriteText(ci+16, opts.Version); err != nil {
		return nil, err
	}
	if err := b.WriteText(ci+24, opts.Arch); err != nil {
		return nil, err
	}

	return b.Finalize()
}

// EncodeRegistration emits the Bootstrap and Call frames back-to-back,
// ready to be written to the control stream in one send.
func EncodeRegistration(auth TunnelAuth, tunnelID []byte, connIndex uint8, opts ConnectionOptions) ([]byte, error) {
	boot, err := EncodeBootstrap()
	if err != nil {
		return nil, fmt.Errorf("encode bootstrap: %w", err)
	}
	call, err := EncodeCall(auth, tunnelID, connIndex, opts)
	if err != nil {
		return nil, fmt.Errorf("encode call: %w", err)
	}
	return append(boot, call...), nil
}

// DecodeRegistration parses one RPC message received on the control
// stream. Returns answering the Bootstrap question carry no
// registration payload and yield (nil, nil); callers skip them and
// keep parsing. Anything that is not a well-formed Return is an error.
func DecodeRegistration(msg []byte) (*RegistrationResult, error) {
	r, err := capnp.NewReader(msg)
	if err != nil {
		return nil, err
	}

	root, err := r.ReadStructPtr(0)
	if err != nil {
		return nil, fmt.Errorf("read message root: %w", err)
	}
	if which := r.Uint16(root.Off, 0); which != msgWhichReturn {
		return nil, fmt.Errorf("unexpected RPC message type %d (expected return)", which)
	}

	// Return: 2 data words, 1 pointer.
	//   uint32 @0 = answerId
	//   uint16 @6 = union discriminant
	ret, err := r.ReadStructPtr(root.PtrSection())
	if err != nil {
		return nil, fmt.Errorf("read Return struct: %w", err)
	}
	if answerID := r.Uint32(ret.Off, 0); answerID == bootstrapQuestionID {
		// The Bootstrap's own Return; its payload is a capability
		// descriptor this client never uses.
		return nil, nil
	}

	switch which := r.Uint16(ret.Off, 6); which {
	case returnWhichException:
		return decodeException(r, ret)
	case returnWhichCanceled:
		return &RegistrationResult{Err: "canceled"}, nil
	case returnWhichResults:
		return decodeResults(r, ret)
	default:
		return nil, fmt.Errorf("unknown Return discriminant %d", which)
	}
}

func decodeException(r *capnp.Reader, ret capnp.StructPtr) (*RegistrationResult, error) {
	result := &RegistrationResult{ShouldRetry: true}
	exc, err := r.ReadStructPtr(ret.PtrSection())
	if err != nil {
		if errors.Is(err, capnp.ErrNullPointer) {
			return result, nil
		}
		return nil, fmt.Errorf("read Exception struct: %w", err)
	}
	if exc.PtrCount >= 1 {
		reason, err := r.ReadText(exc.PtrSection())
		if err != nil {
			return nil, fmt.Errorf("read Exception reason: %w", err)
		}
		result.Err = truncate(reason, MaxErrorLen)
	}
	return result, nil
}

func decodeResults(r *capnp.Reader, ret capnp.StructPtr) (*RegistrationResult, error) {
	// Results payload: Payload -> registerConnection results wrapper
	// (0 data, 1 pointer) -> ConnectionResponse.
	payload, err := r.ReadStructPtr(ret.PtrSection())
	if err != nil {
		return nil, fmt.Errorf("read Payload struct: %w", err)
	}
	wrapper, err := r.ReadStructPtr(payload.PtrSection())
	if err != nil {
		return nil, fmt.Errorf("read results wrapper: %w", err)
	}
	if wrapper.PtrCount < 1 {
		return nil, errors.New("results wrapper has no content pointer")
	}
	connResp, err := r.ReadStructPtr(wrapper.PtrSection())
	if err != nil {
		return nil, fmt.Errorf("read ConnectionResponse: %w", err)
	}

	switch which := r.Uint16(connResp.Off, 0); which {
	case connRespWhichError:
		return decodeConnectionError(r, connResp)
	case connRespWhichDetails:
		return decodeConnectionDetails(r, connResp)
	default:
		return nil, fmt.Errorf("unknown ConnectionResponse discriminant %d", which)
	}
}

func decodeConnectionError(r *capnp.Reader, connResp capnp.StructPtr) (*RegistrationResult, error) {
	result := &RegistrationResult{}
	ce, err := r.ReadStructPtr(connResp.PtrSection())
	if err != nil {
		if errors.Is(err, capnp.ErrNullPointer) {
			result.Err = "registration error"
			return result, nil
		}
		return nil, fmt.Errorf("read ConnectionError: %w", err)
	}

	// ConnectionError: int64 retryAfter at data [0..8], shouldRetry at
	// data byte 8 bit 0. The bit is read only when the struct actually
	// carries a second data word; absent fields default to false.
	if ce.DataWords >= 1 {
		result.RetryAfter = time.Duration(int64(r.Uint64(ce.Off, 0)))
	}
	if ce.DataWords >= 2 {
		result.ShouldRetry = r.Bit(ce.Off, 8, 0)
	}
	if ce.PtrCount >= 1 {
		cause, err := r.ReadText(ce.PtrSection())
		if err != nil {
			return nil, fmt.Errorf("read ConnectionError cause: %w", err)
		}
		result.Err = truncate(cause, MaxErrorLen)
	}
	if result.Err == "" {
		result.Err = "registration error"
	}
	return result, nil
}

func decodeConnectionDetails(r *capnp.Reader, connResp capnp.StructPtr) (*RegistrationResult, error) {
	details, err := r.ReadStructPtr(connResp.PtrSection())
	if err != nil {
		return nil, fmt.Errorf("read ConnectionDetails: %w", err)
	}

	result := &RegistrationResult{Success: true}
	if details.DataWords >= 1 {
		result.TunnelIsRemote = r.Bit(details.Off, 0, 0)
	}
	if details.PtrCount >= 1 {
		id, err := r.ReadData(details.PtrSection())
		if err != nil {
			return nil, fmt.Errorf("read connection uuid: %w", err)
		}
		result.ConnectionID = FormatConnectionID(id)
	}
	if details.PtrCount >= 2 {
		loc, err := r.ReadText(details.PtrSection() + 8)
		if err != nil {
			return nil, fmt.Errorf("read location: %w", err)
		}
		result.Location = truncate(loc, MaxLocationLen)
	}
	return result, nil
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}
