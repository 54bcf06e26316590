package models

import (
	"errors"
	"fmt"
	"math/big"
)

var ErrMalformedInteger = errors.New("models: malformed integer")

// EncodeInt renders x as lowercase hex without prefix.
func EncodeInt(x *big.Int) string {
	if x == nil {
		return ""
	}
	return x.Text(16)
}

// DecodeInt parses a non-negative hex integer of at most maxBits bits.
// Signs, prefixes and non-hex characters are rejected.
func DecodeInt(s string, maxBits int) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrMalformedInteger)
	}
	if maxBits > 0 && len(s) > (maxBits+3)/4 {
		return nil, fmt.Errorf("%w: exceeds %d bits", ErrMalformedInteger, maxBits)
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F') {
			return nil, fmt.Errorf("%w: not hex", ErrMalformedInteger)
		}
	}
	x, ok := new(big.Int).SetString(s, 16)
	if !ok {
		return nil, fmt.Errorf("%w: not hex", ErrMalformedInteger)
	}
	if maxBits > 0 && x.BitLen() > maxBits {
		return nil, fmt.Errorf("%w: exceeds %d bits", ErrMalformedInteger, maxBits)
	}
	return x, nil
}
