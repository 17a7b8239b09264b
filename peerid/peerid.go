// Package peerid generates client peer-ids in the conventional Azureus
// style: "-XX####-" followed by twelve random alphanumeric characters.
package peerid

import (
	"crypto/rand"
)

const alphanumeric = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// clientPrefix identifies this client and its version, per the
// conventional "-XX####-" peer-id header.
const clientPrefix = "-LE0001-"

// New generates a fresh 20-byte peer-id.
func New() [20]byte {
	var id [20]byte
	copy(id[:], clientPrefix)
	suffix := id[len(clientPrefix):]
	if _, err := rand.Read(suffix); err != nil {
		// crypto/rand failing is effectively unrecoverable on any real
		// platform; fall back to a fixed, still-valid-format suffix
		// rather than propagating an error through every caller.
		copy(suffix, "000000000000")
		return id
	}
	for i, b := range suffix {
		suffix[i] = alphanumeric[int(b)%len(alphanumeric)]
	}
	return id
}
