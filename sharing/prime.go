package sharing

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
)

const (
	// MinFieldBits is the smallest field prime size accepted for sharing.
	MinFieldBits = 512
	// SecurityMargin is the number of bits the field prime must exceed the secret by.
	SecurityMargin = 128

	millerRabinRounds = 40
)

var (
	one = big.NewInt(1)
	two = big.NewInt(2)

	primeCache sync.Map // int -> *big.Int
)

// FieldBits returns the bit length required of a field prime that shares a
// secret of the given bit length.
func FieldBits(secretBits int) int {
	bits := secretBits + SecurityMargin
	if bits < MinFieldBits {
		bits = MinFieldBits
	}
	return bits
}

// FieldPrimeFor returns the field prime for a secret: the smallest prime above
// 2^FieldBits(secret.BitLen()). The result is strictly greater than secret.
func FieldPrimeFor(secret *big.Int) (*big.Int, error) {
	if secret == nil || secret.Sign() <= 0 {
		return nil, errors.New("sharing: secret must be positive")
	}
	prime := NextPrime(FieldBits(secret.BitLen()))
	if prime.Cmp(secret) <= 0 {
		return nil, fmt.Errorf("sharing: field prime does not exceed secret")
	}
	return prime, nil
}

// NextPrime scans upward from 2^bits for the first probable prime. Candidates
// are tested with Miller-Rabin plus Baillie-PSW (big.Int.ProbablyPrime).
// Results are cached per bit length.
func NextPrime(bits int) *big.Int {
	if cached, ok := primeCache.Load(bits); ok {
		return new(big.Int).Set(cached.(*big.Int))
	}

	candidate := new(big.Int).Lsh(one, uint(bits))
	candidate.Add(candidate, one)
	for !candidate.ProbablyPrime(millerRabinRounds) {
		candidate.Add(candidate, two)
	}

	primeCache.Store(bits, new(big.Int).Set(candidate))
	return candidate
}

// IsFieldPrime reports whether p is usable as a field prime for the given secret size.
func IsFieldPrime(p *big.Int, secretBits int) bool {
	if p == nil || p.Sign() <= 0 {
		return false
	}
	return p.BitLen() > FieldBits(secretBits) && p.ProbablyPrime(millerRabinRounds)
}
