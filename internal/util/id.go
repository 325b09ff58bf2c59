package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a 128-bit random id in hex, tagged with a readable prefix
// ("sec", "res", "ctx") when one is given.
func NewID(prefix string) string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	id := hex.EncodeToString(buf)
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
