package capnp

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Data-stream preamble: a fixed 6-byte signature followed by the
// two ASCII version bytes "01". Every data-stream message carries it;
// control-stream RPC frames do not.
var (
	DataStreamSignature = []byte{0x0A, 0x36, 0xCD, 0x12, 0xA1, 0x3E}

	// RPCStreamSignature identifies RPC-mode streams on newer protocol
	// versions. It is not emitted by this client.
	RPCStreamSignature = []byte{0x52, 0xBB, 0x82, 0x5C, 0xDB, 0x65}
)

const (
	// StreamVersion is the two ASCII version bytes of the preamble.
	StreamVersion = "01"

	// PreambleLen is the total preamble size.
	PreambleLen = 6 + 2
)

// AppendPreamble appends the data-stream signature and version to dst.
func AppendPreamble(dst []byte) []byte {
	dst = append(dst, DataStreamSignature...)
	return append(dst, StreamVersion...)
}

// CheckPreamble verifies the signature and version at the start of
// data. It requires at least PreambleLen bytes.
func CheckPreamble(data []byte) error {
	if len(data) < PreambleLen {
		return fmt.Errorf("capnp: short preamble: %d bytes", len(data))
	}
	if !bytes.Equal(data[:6], DataStreamSignature) {
		return fmt.Errorf("capnp: bad stream signature % x", data[:6])
	}
	if string(data[6:8]) != StreamVersion {
		return fmt.Errorf("capnp: unsupported stream version %q", data[6:8])
	}
	return nil
}

// MessageSize probes a byte prefix for one complete single-segment
// message. It returns the exact wire size when the whole message is
// present and 0 when more data is needed. A multi-segment header is a
// framing error.
func MessageSize(data []byte) (int, error) {
	if len(data) < 8 {
		return 0, nil
	}
	if n := binary.LittleEndian.Uint32(data); n != 0 {
		return 0, fmt.Errorf("capnp: multi-segment messages not supported (%d segments)", n+1)
	}
	segWords := binary.LittleEndian.Uint32(data[4:])
	total := 8 + int(segWords)*WordSize
	if total > len(data) {
		return 0, nil
	}
	return total, nil
}
