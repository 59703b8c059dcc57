package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a 32-hex-char random identifier, prefixed when prefix is
// non-empty: calendars get "cal_...", trades "trd_...", images "img_...".
// Verification and refresh tokens use the bare unprefixed form.
func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}
