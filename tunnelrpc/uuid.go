package tunnelrpc

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// FormatConnectionID renders the connection identifier the edge
// assigned. Exactly 16 bytes format as the canonical lowercase
// 8-4-4-4-12 UUID; anything else is rendered as a plain hex dump so
// odd peer data stays diagnosable.
func FormatConnectionID(id []byte) string {
	if len(id) == 16 {
		u, err := uuid.FromBytes(id)
		if err == nil {
			return u.String()
		}
	}
	return hex.EncodeToString(id)
}
