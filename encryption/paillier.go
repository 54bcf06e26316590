package encryption

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/cronokirby/saferith"
	"github.com/roasbeef/go-go-gadget-paillier"

	"threshold-tally/models"
	"threshold-tally/sharing"
)

var one = big.NewInt(1)

// PaillierScheme wraps a Paillier public key (g = n+1). Public operations go
// through go-go-gadget-paillier; decryption takes the factors explicitly
// because the private key is never held by the scheme.
type PaillierScheme struct {
	keySize   int
	publicKey *paillier.PublicKey
}

// NewPaillierScheme builds the scheme from a published modulus.
func NewPaillierScheme(n *big.Int) (*PaillierScheme, error) {
	if n == nil || n.Sign() <= 0 || n.Bit(0) == 0 {
		return nil, errors.New("encryption: invalid Paillier modulus")
	}
	return &PaillierScheme{
		keySize: n.BitLen(),
		publicKey: &paillier.PublicKey{
			N:        new(big.Int).Set(n),
			G:        new(big.Int).Add(n, one),
			NSquared: new(big.Int).Mul(n, n),
		},
	}, nil
}

// GeneratePaillierKey draws two distinct primes of bits/2 bits each and
// returns the scheme for n = p·q together with the factors, ordered P < Q.
func GeneratePaillierKey(random io.Reader, bits int) (*PaillierScheme, *models.PrivateKeyFactors, error) {
	if random == nil {
		random = rand.Reader
	}
	if bits < 128 || bits%2 != 0 {
		return nil, nil, fmt.Errorf("encryption: unsupported key size %d", bits)
	}

	for {
		p, q, err := drawPrimes(random, bits/2)
		if err != nil {
			return nil, nil, err
		}

		switch p.Cmp(q) {
		case 0:
			continue
		case 1:
			p, q = q, p
		}

		n := new(big.Int).Mul(p, q)
		phi := new(big.Int).Mul(new(big.Int).Sub(p, one), new(big.Int).Sub(q, one))
		if new(big.Int).GCD(nil, nil, n, phi).Cmp(one) != 0 {
			continue
		}

		scheme, err := NewPaillierScheme(n)
		if err != nil {
			return nil, nil, err
		}
		return scheme, &models.PrivateKeyFactors{P: p, Q: q}, nil
	}
}

// drawPrimes returns two primes of the given size. Only crypto/rand.Reader
// is read from two goroutines; other readers are not assumed to be safe for
// concurrent use and are drawn from in sequence.
func drawPrimes(random io.Reader, bits int) (*big.Int, *big.Int, error) {
	if random != rand.Reader {
		p, err := rand.Prime(random, bits)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to generate prime: %w", err)
		}
		q, err := rand.Prime(random, bits)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to generate prime: %w", err)
		}
		return p, q, nil
	}

	var p *big.Int
	errCh := make(chan error, 1)
	go func() {
		var err error
		p, err = rand.Prime(random, bits)
		errCh <- err
	}()

	q, err := rand.Prime(random, bits)
	if perr := <-errCh; perr != nil {
		return nil, nil, fmt.Errorf("failed to generate prime: %w", perr)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate prime: %w", err)
	}
	return p, q, nil
}

// Name returns the name of the encryption scheme
func (s *PaillierScheme) Name() string {
	return fmt.Sprintf("Paillier-%d", s.keySize)
}

// KeySize returns the modulus size in bits
func (s *PaillierScheme) KeySize() int {
	return s.keySize
}

// N returns a copy of the public modulus.
func (s *PaillierScheme) N() *big.Int {
	return new(big.Int).Set(s.publicKey.N)
}

// G returns a copy of the generator.
func (s *PaillierScheme) G() *big.Int {
	return new(big.Int).Set(s.publicKey.G)
}

// Encrypt encrypts 0 <= value < n under the public key.
func (s *PaillierScheme) Encrypt(value *big.Int) (*big.Int, error) {
	if value == nil || value.Sign() < 0 || value.Cmp(s.publicKey.N) >= 0 {
		return nil, errors.New("encryption: plaintext outside [0, n)")
	}

	ct, err := paillier.Encrypt(s.publicKey, value.Bytes())
	if err != nil {
		return nil, fmt.Errorf("encryption failed: %w", err)
	}
	return new(big.Int).SetBytes(ct), nil
}

// Add combines two ciphertexts so that the result decrypts to the sum of
// their plaintexts: c1·c2 mod n².
func (s *PaillierScheme) Add(ciphertext1, ciphertext2 *big.Int) (*big.Int, error) {
	if err := s.ValidateCiphertext(ciphertext1); err != nil {
		return nil, err
	}
	if err := s.ValidateCiphertext(ciphertext2); err != nil {
		return nil, err
	}

	sum := paillier.AddCipher(s.publicKey, ciphertext1.Bytes(), ciphertext2.Bytes())
	return new(big.Int).SetBytes(sum), nil
}

// Sum folds Add over ciphertexts. The product is order independent, so the
// same ballot set always yields the same ciphertext.
func (s *PaillierScheme) Sum(ciphertexts ...*big.Int) (*big.Int, error) {
	if len(ciphertexts) == 0 {
		return nil, errors.New("encryption: nothing to sum")
	}
	if err := s.ValidateCiphertext(ciphertexts[0]); err != nil {
		return nil, err
	}

	acc := new(big.Int).Set(ciphertexts[0])
	for _, c := range ciphertexts[1:] {
		next, err := s.Add(acc, c)
		if err != nil {
			return nil, err
		}
		acc = next
	}
	return acc, nil
}

// ValidateCiphertext checks 0 < c < n² and gcd(c, n) = 1.
func (s *PaillierScheme) ValidateCiphertext(ciphertext *big.Int) error {
	if ciphertext == nil || ciphertext.Sign() <= 0 {
		return fmt.Errorf("%w: not positive", ErrMalformedCiphertext)
	}
	if ciphertext.Cmp(s.publicKey.NSquared) >= 0 {
		return fmt.Errorf("%w: not below n^2", ErrMalformedCiphertext)
	}
	if new(big.Int).GCD(nil, nil, ciphertext, s.publicKey.N).Cmp(one) != 0 {
		return fmt.Errorf("%w: not a unit mod n", ErrMalformedCiphertext)
	}
	return nil
}

// DecryptWithFactors computes m = L(c^λ mod n²)·λ⁻¹ mod n, where
// λ = lcm(p-1, q-1) and L(u) = (u-1)/n. The exponentiation by the secret λ
// runs in constant time.
func (s *PaillierScheme) DecryptWithFactors(factors *models.PrivateKeyFactors, ciphertext *big.Int) (*big.Int, error) {
	if factors == nil || factors.P == nil || factors.Q == nil {
		return nil, ErrFactorMismatch
	}
	n := s.publicKey.N
	if new(big.Int).Mul(factors.P, factors.Q).Cmp(n) != 0 {
		return nil, ErrFactorMismatch
	}
	if err := s.ValidateCiphertext(ciphertext); err != nil {
		return nil, err
	}

	pm1 := new(big.Int).Sub(factors.P, one)
	qm1 := new(big.Int).Sub(factors.Q, one)
	gcd := new(big.Int).GCD(nil, nil, pm1, qm1)
	lambda := new(big.Int).Mul(pm1, qm1)
	lambda.Quo(lambda, gcd)
	defer sharing.Wipe(lambda, pm1, qm1)

	mu := new(big.Int).ModInverse(lambda, n)
	if mu == nil {
		return nil, ErrFactorMismatch
	}
	defer sharing.Wipe(mu)

	nsqBits := s.publicKey.NSquared.BitLen()
	nsq := saferith.ModulusFromNat(new(saferith.Nat).SetBig(s.publicKey.NSquared, nsqBits))
	u := new(saferith.Nat).Exp(
		new(saferith.Nat).SetBig(ciphertext, nsqBits),
		new(saferith.Nat).SetBig(lambda, lambda.BitLen()),
		nsq,
	).Big()

	// L(u) = (u - 1) / n
	u.Sub(u, one)
	u.Quo(u, n)

	m := u.Mul(u, mu)
	m.Mod(m, n)
	return m, nil
}

// EstimatedSecurityBits returns an estimate of the security level in bits
func (s *PaillierScheme) EstimatedSecurityBits() int {
	// Security estimates based on NIST recommendations
	switch {
	case s.keySize >= 4096:
		return 152
	case s.keySize >= 3072:
		return 128
	case s.keySize >= 2048:
		return 112
	case s.keySize >= 1024:
		return 80
	default:
		return s.keySize / 20 // Rough estimate
	}
}
