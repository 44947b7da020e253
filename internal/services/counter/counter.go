// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

// Package counter implements the hash-chained replay-protection counter.
// The device and server advance the chain independently; the server
// tolerates the device running ahead by a bounded lookahead window.
package counter

import (
	"crypto/sha256"
	"encoding/binary"

	"codeberg.org/oliverandrich/go-mfa-server/internal/services/crypto"
)

// Size is the length of a counter value in bytes.
const Size = 16

// DefaultLookahead is the default number of forward chain positions tried
// during verification.
const DefaultLookahead = 20

// Seed generates a fresh random counter value for a newly committed
// activation.
func Seed() ([]byte, error) {
	return crypto.RandomBytes(Size)
}

// Next advances the hash chain by one step: next = SHA256(prev)[:Size].
func Next(ctrData []byte) []byte {
	sum := sha256.Sum256(ctrData)
	return sum[:Size]
}

// NumericData encodes a plain numeric counter into counter-data bytes. Used
// by the legacy protocol versions that predate the hash chain.
func NumericData(counter int64) []byte {
	data := make([]byte, Size)
	binary.BigEndian.PutUint64(data[8:], uint64(counter))
	return data
}
