// Package idgen derives record identifiers.
//
// Escrow and interaction identifiers are keccak256 digests over the logical
// inputs of the call plus a nonce and fresh entropy, so they are unique per
// call and not predictable by a counterparty.
package idgen

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// Derive hashes the parts in order.
func Derive(parts ...[]byte) common.Hash {
	return crypto.Keccak256Hash(parts...)
}

// Entropy returns n cryptographically random bytes.
func Entropy(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return b
}

// Uint64 encodes n big-endian for use as a Derive part.
func Uint64(n uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], n)
	return b[:]
}

// Int64 encodes n big-endian for use as a Derive part.
func Int64(n int64) []byte {
	return Uint64(uint64(n))
}

// WithPrefix generates a random ID with a prefix (e.g. "fb_", "evt_").
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	return prefix + hex.EncodeToString(Entropy(12))
}

// RequestID returns a random UUID for request correlation.
func RequestID() string {
	return uuid.NewString()
}
