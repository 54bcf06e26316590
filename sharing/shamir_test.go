package sharing

import (
	"crypto/rand"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomSecret(t *testing.T, bits int) *big.Int {
	t.Helper()
	s, err := rand.Prime(rand.Reader, bits)
	require.NoError(t, err)
	return s
}

// subsets returns every k-element subset of shares.
func subsets(shares []Share, k int) [][]Share {
	var out [][]Share
	var walk func(start int, acc []Share)
	walk = func(start int, acc []Share) {
		if len(acc) == k {
			out = append(out, append([]Share(nil), acc...))
			return
		}
		for i := start; i < len(shares); i++ {
			walk(i+1, append(acc, shares[i]))
		}
	}
	walk(0, nil)
	return out
}

func TestFieldPrimeFor(t *testing.T) {
	secret := randomSecret(t, 512)
	prime, err := FieldPrimeFor(secret)
	require.NoError(t, err)

	assert.True(t, prime.ProbablyPrime(20))
	assert.Equal(t, 1, prime.Cmp(secret))
	assert.GreaterOrEqual(t, prime.BitLen(), 512+SecurityMargin)

	small := big.NewInt(12345)
	prime, err = FieldPrimeFor(small)
	require.NoError(t, err)
	assert.Greater(t, prime.BitLen(), MinFieldBits)
	assert.True(t, IsFieldPrime(prime, small.BitLen()))

	_, err = FieldPrimeFor(big.NewInt(0))
	assert.Error(t, err)
}

func TestNextPrimeIsCached(t *testing.T) {
	a := NextPrime(520)
	b := NextPrime(520)
	assert.Equal(t, 0, a.Cmp(b))

	// callers must not be able to mutate the cached value
	a.SetInt64(4)
	assert.NotEqual(t, 0, NextPrime(520).Cmp(a))
}

func TestSplitReconstructRoundTrip(t *testing.T) {
	secret := randomSecret(t, 256)
	prime, err := FieldPrimeFor(secret)
	require.NoError(t, err)

	for _, tc := range []struct{ n, k int }{{2, 2}, {3, 2}, {5, 3}, {6, 6}} {
		shares, err := Split(secret, tc.n, tc.k, prime)
		require.NoError(t, err)
		require.Len(t, shares, tc.n)

		for i, s := range shares {
			assert.Equal(t, i+1, s.X)
			assert.Equal(t, -1, s.Y.Cmp(prime))
		}

		for _, subset := range subsets(shares, tc.k) {
			got, err := ReconstructThreshold(subset, tc.k, prime)
			require.NoError(t, err)
			assert.Equal(t, 0, got.Cmp(secret), "n=%d k=%d", tc.n, tc.k)
		}

		// all n shares lie on the same polynomial
		got, err := Reconstruct(shares, prime)
		require.NoError(t, err)
		assert.Equal(t, 0, got.Cmp(secret))
	}
}

func TestReconstructBelowThreshold(t *testing.T) {
	secret := randomSecret(t, 256)
	prime, err := FieldPrimeFor(secret)
	require.NoError(t, err)

	shares, err := Split(secret, 5, 3, prime)
	require.NoError(t, err)

	_, err = ReconstructThreshold(shares[:2], 3, prime)
	assert.ErrorIs(t, err, ErrInsufficientShares)

	got, err := Reconstruct(shares[:2], prime)
	require.NoError(t, err)
	assert.NotEqual(t, 0, got.Cmp(secret))
}

func TestSplitRejectsBadParameters(t *testing.T) {
	prime := NextPrime(MinFieldBits)
	secret := big.NewInt(42)

	_, err := Split(secret, 3, 1, prime)
	assert.ErrorIs(t, err, ErrInvalidParameters)

	_, err = Split(secret, 2, 3, prime)
	assert.ErrorIs(t, err, ErrInvalidParameters)

	_, err = Split(prime, 3, 2, prime)
	assert.ErrorIs(t, err, ErrInvalidParameters)

	_, err = Split(secret, 3, 2, nil)
	assert.ErrorIs(t, err, ErrInvalidParameters)
}

func TestReconstructRejectsMalformed(t *testing.T) {
	prime := NextPrime(MinFieldBits)
	shares, err := Split(big.NewInt(7), 3, 2, prime)
	require.NoError(t, err)

	_, err = Reconstruct([]Share{shares[0], shares[0]}, prime)
	assert.ErrorIs(t, err, ErrMalformedShare)

	_, err = Reconstruct([]Share{{X: 0, Y: big.NewInt(1)}, shares[1]}, prime)
	assert.ErrorIs(t, err, ErrMalformedShare)

	_, err = Reconstruct([]Share{{X: 1, Y: new(big.Int).Set(prime)}, shares[1]}, prime)
	assert.ErrorIs(t, err, ErrMalformedShare)

	_, err = Reconstruct(nil, prime)
	assert.ErrorIs(t, err, ErrInsufficientShares)
}

func TestEvaluateAtZeroPanics(t *testing.T) {
	assert.Panics(t, func() {
		evaluate([]*big.Int{big.NewInt(1)}, big.NewInt(0), big.NewInt(7))
	})
}

func TestShareCodec(t *testing.T) {
	prime := NextPrime(MinFieldBits)
	shares, err := Split(big.NewInt(99), 3, 2, prime)
	require.NoError(t, err)

	for _, s := range shares {
		parsed, err := ParseShare(s.String(), prime)
		require.NoError(t, err)
		assert.Equal(t, s.X, parsed.X)
		assert.Equal(t, 0, s.Y.Cmp(parsed.Y))
	}

	bad := []string{
		"",
		"1",
		"0:ff",
		"-1:ff",
		"01:ff",
		"x:ff",
		"1:",
		"1:0xff",
		"1:-ff",
		"1:zz",
		"1:" + prime.Text(16),
	}
	for _, text := range bad {
		_, err := ParseShare(text, prime)
		assert.ErrorIs(t, err, ErrMalformedShare, "input %q", text)
	}
}

func TestWipe(t *testing.T) {
	secret := randomSecret(t, 256)
	words := secret.Bits()
	other := big.NewInt(42)

	assert.NotPanics(t, func() { Wipe(secret, nil, other) })
	assert.Equal(t, 0, secret.Sign())
	assert.Equal(t, 0, other.Sign())
	for _, w := range words {
		assert.Zero(t, w)
	}
}
