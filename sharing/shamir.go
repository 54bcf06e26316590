// Package sharing implements Shamir secret sharing over a prime field.
//
// A secret s is hidden as the constant term of a random polynomial
// f(X) = s + a₁⋅X + … + aₖ₋₁⋅Xᵏ⁻¹ (mod P). Share i is (i, f(i)) for
// i = 1..n. Any k shares recover s by Lagrange interpolation at X = 0;
// k-1 shares carry no information about s.
package sharing

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
)

var (
	ErrInsufficientShares = errors.New("sharing: insufficient shares")
	ErrMalformedShare     = errors.New("sharing: malformed share")
	ErrInvalidParameters  = errors.New("sharing: invalid parameters")
)

// Share is one point (X, Y) on the sharing polynomial.
type Share struct {
	X int
	Y *big.Int
}

// Split hides secret in a degree k-1 polynomial over the field defined by
// prime and returns n shares evaluated at x = 1..n.
func Split(secret *big.Int, n, k int, prime *big.Int) ([]Share, error) {
	return SplitWithRand(rand.Reader, secret, n, k, prime)
}

// SplitWithRand is Split with an explicit randomness source.
func SplitWithRand(random io.Reader, secret *big.Int, n, k int, prime *big.Int) ([]Share, error) {
	switch {
	case k < 2:
		return nil, fmt.Errorf("%w: threshold should be at least 2, got %d", ErrInvalidParameters, k)
	case n < k:
		return nil, fmt.Errorf("%w: %d shares cannot meet threshold %d", ErrInvalidParameters, n, k)
	case prime == nil || prime.Cmp(two) <= 0:
		return nil, fmt.Errorf("%w: field prime is missing", ErrInvalidParameters)
	case secret == nil || secret.Sign() < 0 || secret.Cmp(prime) >= 0:
		return nil, fmt.Errorf("%w: secret outside the field", ErrInvalidParameters)
	case big.NewInt(int64(n)).Cmp(prime) >= 0:
		return nil, fmt.Errorf("%w: field too small for %d shares", ErrInvalidParameters, n)
	}

	coefficients := make([]*big.Int, k)
	coefficients[0] = new(big.Int).Set(secret)

	// coefficients are drawn from [1, prime-1]
	upper := new(big.Int).Sub(prime, one)
	for i := 1; i < k; i++ {
		c, err := rand.Int(random, upper)
		if err != nil {
			return nil, fmt.Errorf("sharing: failed to sample coefficient: %w", err)
		}
		coefficients[i] = c.Add(c, one)
	}

	shares := make([]Share, n)
	for i := 1; i <= n; i++ {
		shares[i-1] = Share{X: i, Y: evaluate(coefficients, big.NewInt(int64(i)), prime)}
	}

	for _, c := range coefficients {
		Wipe(c)
	}
	return shares, nil
}

// evaluate computes f(x) mod prime with Horner's method.
func evaluate(coefficients []*big.Int, x, prime *big.Int) *big.Int {
	if x.Sign() == 0 {
		panic("attempt to leak secret")
	}

	result := new(big.Int)
	for i := len(coefficients) - 1; i >= 0; i-- {
		result.Mul(result, x)
		result.Add(result, coefficients[i])
		result.Mod(result, prime)
	}
	return result
}

// Reconstruct interpolates the supplied shares at x = 0. It uses exactly the
// given set; callers that know the threshold should use ReconstructThreshold
// so that a short set is rejected instead of producing an unrelated value.
func Reconstruct(shares []Share, prime *big.Int) (*big.Int, error) {
	if len(shares) == 0 {
		return nil, ErrInsufficientShares
	}
	if prime == nil || prime.Cmp(two) <= 0 {
		return nil, fmt.Errorf("%w: field prime is missing", ErrInvalidParameters)
	}

	seen := make(map[int]struct{}, len(shares))
	for _, s := range shares {
		if err := s.validate(prime); err != nil {
			return nil, err
		}
		if _, dup := seen[s.X]; dup {
			return nil, fmt.Errorf("%w: duplicate index %d", ErrMalformedShare, s.X)
		}
		seen[s.X] = struct{}{}
	}

	exponent := new(big.Int).Sub(prime, two)
	secret := new(big.Int)
	for i, si := range shares {
		xi := big.NewInt(int64(si.X))
		numerator := big.NewInt(1)
		denominator := big.NewInt(1)

		for j, sj := range shares {
			if i == j {
				continue
			}
			xj := big.NewInt(int64(sj.X))

			// numerator *= -x_j
			numerator.Mul(numerator, new(big.Int).Neg(xj))
			numerator.Mod(numerator, prime)

			// denominator *= x_i - x_j
			diff := new(big.Int).Sub(xi, xj)
			denominator.Mul(denominator, diff.Mod(diff, prime))
			denominator.Mod(denominator, prime)
		}

		// Fermat: d^(P-2) = d^-1 mod P
		inverse := new(big.Int).Exp(denominator, exponent, prime)

		term := new(big.Int).Mul(si.Y, numerator)
		term.Mul(term, inverse)
		secret.Add(secret, term)
		secret.Mod(secret, prime)
	}

	return secret, nil
}

// ReconstructThreshold rejects fewer than threshold shares before
// interpolating.
func ReconstructThreshold(shares []Share, threshold int, prime *big.Int) (*big.Int, error) {
	if threshold < 2 {
		return nil, fmt.Errorf("%w: threshold should be at least 2, got %d", ErrInvalidParameters, threshold)
	}
	if len(shares) < threshold {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientShares, len(shares), threshold)
	}
	return Reconstruct(shares, prime)
}

func (s Share) validate(prime *big.Int) error {
	if s.X < 1 {
		return fmt.Errorf("%w: index %d", ErrMalformedShare, s.X)
	}
	if s.Y == nil || s.Y.Sign() < 0 || s.Y.Cmp(prime) >= 0 {
		return fmt.Errorf("%w: value outside the field", ErrMalformedShare)
	}
	return nil
}

// Wipe zeroes the words backing each x. Nil values are skipped.
func Wipe(xs ...*big.Int) {
	for _, x := range xs {
		if x == nil {
			continue
		}
		words := x.Bits()
		for i := range words {
			words[i] = 0
		}
		x.SetInt64(0)
	}
}
