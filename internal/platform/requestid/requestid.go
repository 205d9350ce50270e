// Package requestid generates opaque identifiers for correlating log
// lines of a single HTTP request.
package requestid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// New returns a random 32-character hex identifier. If the system
// entropy source fails it degrades to a timestamp-based identifier
// rather than failing the request.
func New() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("t-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
