package encryption

import (
	"crypto/ecdsa"
	"crypto/rand"
	"errors"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/sha3"
)

// NonceSize is the number of random bytes in a challenge nonce.
const NonceSize = 32

type CryptoService struct{}

func NewCryptoService() *CryptoService {
	return &CryptoService{}
}

// GenerateKeyPair generates a new secp256k1 signing key
func (cs *CryptoService) GenerateKeyPair() (*ecdsa.PrivateKey, error) {
	return crypto.GenerateKey()
}

// GenerateNonce generates a fresh random nonce of NonceSize bytes
func (cs *CryptoService) GenerateNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return nonce, nil
}

// Sign creates a recoverable signature over the Keccak256 digest of data
func (cs *CryptoService) Sign(data []byte, privateKey *ecdsa.PrivateKey) ([]byte, error) {
	if privateKey == nil {
		return nil, errors.New("encryption: nil signing key")
	}
	return crypto.Sign(cs.Keccak256(data), privateKey)
}

// VerifySignature verifies the signature of data using public key
func (cs *CryptoService) VerifySignature(data, signature []byte, publicKey *ecdsa.PublicKey) bool {
	if publicKey == nil || len(signature) != crypto.SignatureLength {
		return false
	}
	sigPublicKey, err := crypto.SigToPub(cs.Keccak256(data), signature)
	if err != nil {
		return false
	}
	return sigPublicKey.X.Cmp(publicKey.X) == 0 && sigPublicKey.Y.Cmp(publicKey.Y) == 0
}

// Fingerprint identifies a signing key by its address
func (cs *CryptoService) Fingerprint(publicKey *ecdsa.PublicKey) string {
	if publicKey == nil || publicKey.X == nil || publicKey.Y == nil {
		return ""
	}
	return crypto.PubkeyToAddress(*publicKey).Hex()
}

// FromECDSAPub serializes public key to bytes
func (cs *CryptoService) FromECDSAPub(pub *ecdsa.PublicKey) []byte {
	if pub == nil || pub.X == nil || pub.Y == nil {
		return nil
	}
	return crypto.FromECDSAPub(pub)
}

// ToECDSAPub parses an uncompressed secp256k1 public key
func (cs *CryptoService) ToECDSAPub(pub []byte) (*ecdsa.PublicKey, error) {
	return crypto.UnmarshalPubkey(pub)
}

// Keccak256 computes Keccak-256 hash
func (cs *CryptoService) Keccak256(data ...[]byte) []byte {
	d := sha3.NewLegacyKeccak256()
	for _, b := range data {
		d.Write(b)
	}
	return d.Sum(nil)
}
