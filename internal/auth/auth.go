// Package auth authenticates callers by wallet signature.
//
// A request carries three headers:
//
//	X-Agent-Address: 0x-prefixed address of the caller
//	X-Timestamp:     unix seconds when the request was signed
//	X-Signature:     hex EIP-191 personal_sign signature over Message(...)
//
// The signed message binds the method, path, timestamp and a keccak256 digest
// of the body, so a captured signature cannot be replayed against another
// route or body, and goes stale after the allowed clock skew. Within the skew
// window each signed message is accepted once per signer; a client retrying
// an identical request must sign it again with a new timestamp.
package auth

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	lru "github.com/hashicorp/golang-lru"
)

// DefaultMaxSkew bounds how old or how far in the future a timestamp may be.
const DefaultMaxSkew = 5 * time.Minute

// replayCacheSize is how many accepted messages the verifier remembers.
const replayCacheSize = 1 << 16

var (
	ErrMissingHeaders   = errors.New("missing authentication headers")
	ErrInvalidTimestamp = errors.New("invalid timestamp")
	ErrStaleTimestamp   = errors.New("timestamp outside allowed skew")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrSignerMismatch   = errors.New("signature does not match address")
	ErrReplayed         = errors.New("request already used")
)

// Message builds the string a caller signs.
// Format: "Agora|{METHOD}|{path}|{timestamp}|{0x body keccak}"
func Message(method, path string, timestamp int64, body []byte) string {
	return fmt.Sprintf("Agora|%s|%s|%d|%s",
		strings.ToUpper(method),
		path,
		timestamp,
		crypto.Keccak256Hash(body).Hex(),
	)
}

// HashMessage creates an Ethereum signed message hash
// This prefixes the message with "\x19Ethereum Signed Message:\n{len}" as per EIP-191
func HashMessage(message string) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(message))
	return crypto.Keccak256([]byte(prefix + message))
}

// RecoverAddress recovers the signer's address from a message and signature
// signature should be hex-encoded, 65 bytes (r[32] + s[32] + v[1])
func RecoverAddress(message string, signatureHex string) (common.Address, error) {
	signature, err := hex.DecodeString(strings.TrimPrefix(signatureHex, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: bad hex: %v", ErrInvalidSignature, err)
	}
	if len(signature) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: must be %d bytes, got %d", ErrInvalidSignature, crypto.SignatureLength, len(signature))
	}

	// Wallets produce v = 27 or 28, SigToPub expects 0 or 1
	if signature[crypto.RecoveryIDOffset] >= 27 {
		signature[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(HashMessage(message), signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Sign produces a wallet-style signature (v = 27/28) over message. Used by
// clients and tests.
func Sign(key *ecdsa.PrivateKey, message string) (string, error) {
	sig, err := crypto.Sign(HashMessage(message), key)
	if err != nil {
		return "", err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return "0x" + hex.EncodeToString(sig), nil
}

// Verifier checks signed requests.
type Verifier struct {
	maxSkew time.Duration
	now     func() time.Time
	// seen holds signer+message keys accepted inside the skew window. The
	// key leaves out the signature, which is malleable.
	seen *lru.Cache
}

// NewVerifier creates a verifier. A non-positive skew uses DefaultMaxSkew.
func NewVerifier(maxSkew time.Duration) *Verifier {
	if maxSkew <= 0 {
		maxSkew = DefaultMaxSkew
	}
	seen, _ := lru.New(replayCacheSize)
	return &Verifier{maxSkew: maxSkew, now: time.Now, seen: seen}
}

// Verify checks that signature was produced by claimed over the request.
func (v *Verifier) Verify(claimed common.Address, method, path string, timestamp int64, body []byte, signature string) error {
	ts := time.Unix(timestamp, 0)
	if d := v.now().Sub(ts); d > v.maxSkew || d < -v.maxSkew {
		return ErrStaleTimestamp
	}
	msg := Message(method, path, timestamp, body)
	signer, err := RecoverAddress(msg, signature)
	if err != nil {
		return err
	}
	if signer != claimed {
		return ErrSignerMismatch
	}
	// Entries need no expiry: once the timestamp leaves the window the
	// skew check above rejects the message first.
	key := strings.ToLower(signer.Hex()) + crypto.Keccak256Hash([]byte(msg)).Hex()
	if ok, _ := v.seen.ContainsOrAdd(key, struct{}{}); ok {
		return ErrReplayed
	}
	return nil
}
