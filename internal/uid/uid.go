// Package uid generates random identifiers for temp files and probe keys.
package uid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// New returns a 32-character hex string from crypto/rand.
func New() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%032x", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// Prefixed returns prefix followed by a dash and a new identifier.
func Prefixed(prefix string) string {
	return prefix + "-" + New()
}
