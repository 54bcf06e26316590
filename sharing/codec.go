package sharing

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// maxIndex bounds the share index accepted from external input.
const maxIndex = 1 << 16

// String encodes the share as "<index>:<hex(value)>".
func (s Share) String() string {
	if s.Y == nil {
		return strconv.Itoa(s.X) + ":"
	}
	return strconv.Itoa(s.X) + ":" + s.Y.Text(16)
}

// ParseShare decodes "<index>:<hex(value)>". The value must be plain hex
// (no sign, no 0x prefix) and reduced modulo prime.
func ParseShare(text string, prime *big.Int) (Share, error) {
	idx, value, ok := strings.Cut(strings.TrimSpace(text), ":")
	if !ok {
		return Share{}, fmt.Errorf("%w: missing separator", ErrMalformedShare)
	}

	x, err := strconv.Atoi(idx)
	if err != nil || x < 1 || x > maxIndex || idx != strconv.Itoa(x) {
		return Share{}, fmt.Errorf("%w: bad index", ErrMalformedShare)
	}

	if value == "" || !isHex(value) {
		return Share{}, fmt.Errorf("%w: value is not hex", ErrMalformedShare)
	}
	if prime != nil && len(value) > (prime.BitLen()+3)/4+1 {
		return Share{}, fmt.Errorf("%w: value too long", ErrMalformedShare)
	}

	y, ok := new(big.Int).SetString(value, 16)
	if !ok {
		return Share{}, fmt.Errorf("%w: value is not hex", ErrMalformedShare)
	}

	share := Share{X: x, Y: y}
	if prime != nil {
		if err := share.validate(prime); err != nil {
			return Share{}, err
		}
	}
	return share, nil
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
