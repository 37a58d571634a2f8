package registry

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ValidateCapabilities checks a capability set: 1..MaxCapabilities entries,
// each non-empty and within MaxCapabilityLength, no two equal. Comparison is
// case-sensitive and the pairwise scan is fine at this size.
func ValidateCapabilities(caps []string, limits Limits) error {
	if len(caps) == 0 {
		return ErrNoCapabilities
	}
	if len(caps) > limits.MaxCapabilities {
		return fmt.Errorf("%w: %d > %d", ErrTooManyCaps, len(caps), limits.MaxCapabilities)
	}
	for i, c := range caps {
		if c == "" || len(c) > limits.MaxCapabilityLength {
			return fmt.Errorf("%w: entry %d", ErrInvalidCapability, i)
		}
		for j := i + 1; j < len(caps); j++ {
			if caps[j] == c {
				return fmt.Errorf("%w: %q", ErrDuplicateCap, c)
			}
		}
	}
	return nil
}

func validateProfile(name, metadata string, limits Limits) error {
	if name == "" || len(name) > limits.MaxNameLength {
		return ErrInvalidName
	}
	if len(metadata) > limits.MaxMetadataLength {
		return ErrInvalidMetadata
	}
	return nil
}

// ParsePaymentRef parses an optional 0x-prefixed 32-byte hash. Empty input is
// the zero hash.
func ParsePaymentRef(s string) (common.Hash, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return common.Hash{}, nil
	}
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, ErrInvalidPaymentRef
	}
	return common.BytesToHash(b), nil
}
