package encryption

import (
	"errors"
	"math/big"

	"threshold-tally/models"
)

var (
	ErrMalformedCiphertext = errors.New("encryption: malformed ciphertext")
	ErrFactorMismatch      = errors.New("encryption: factors do not match the public modulus")
)

// HomomorphicEncryptionScheme is the public half of an additively homomorphic
// cryptosystem: everything the tally needs without touching key material.
type HomomorphicEncryptionScheme interface {
	// Identity information
	Name() string
	KeySize() int

	// Core operations
	Encrypt(value *big.Int) (*big.Int, error)
	Add(ciphertext1, ciphertext2 *big.Int) (*big.Int, error)
	ValidateCiphertext(ciphertext *big.Int) error

	EstimatedSecurityBits() int
}

// FactorDecrypter recovers plaintexts given the prime factors of the modulus.
type FactorDecrypter interface {
	DecryptWithFactors(factors *models.PrivateKeyFactors, ciphertext *big.Int) (*big.Int, error)
}
