package domain

import (
	"crypto/rand"
)

// IDLength is the length of every entity identifier. The value and the
// alphabet are wire-visible: clients pattern-match ids, so both are fixed.
const IDLength = 21

// idAlphabet matches the id charset used by the compatible public API.
const idAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// DefaultStorageAlias is the reserved id alias that resolves to the calling
// principal's unnamed default storage of the requested kind.
const DefaultStorageAlias = "default"

// NewID returns a fresh random entity identifier: 21 characters drawn
// uniformly from the 62-character alphanumeric alphabet.
func NewID() string {
	// Bytes at or above the largest multiple of the alphabet size are
	// discarded so that every character is equally likely.
	limit := 256 - 256%len(idAlphabet)
	out := make([]byte, 0, IDLength)
	buf := make([]byte, IDLength)
	for len(out) < IDLength {
		if _, err := rand.Read(buf); err != nil {
			// crypto/rand never fails on supported platforms
			panic("domain: read random: " + err.Error())
		}
		for _, b := range buf {
			if int(b) < limit && len(out) < IDLength {
				out = append(out, idAlphabet[int(b)%len(idAlphabet)])
			}
		}
	}
	return string(out)
}
