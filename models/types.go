package models

import (
	"math/big"
	"time"

	"threshold-tally/sharing"
)

type ConfigStatus string

const (
	StatusActive  ConfigStatus = "active"
	StatusRetired ConfigStatus = "retired"
)

// KeyTypePaillier tags configs whose public key is a Paillier modulus.
const KeyTypePaillier = "paillier"

// CryptosystemConfig is the cryptographic setup of one election. Only Status
// changes after creation.
type CryptosystemConfig struct {
	ID           string
	ElectionID   string
	KeyType      string
	KeyBits      int
	N            *big.Int // public modulus p·q
	G            *big.Int // generator, n+1
	FieldPrime   *big.Int // sharing field, P > p
	Threshold    int
	NAuthorities int
	Status       ConfigStatus
	CreatedAt    time.Time
}

func (c *CryptosystemConfig) Active() bool {
	return c.Status == StatusActive
}

// NSquared returns n² for ciphertext range checks.
func (c *CryptosystemConfig) NSquared() *big.Int {
	return new(big.Int).Mul(c.N, c.N)
}

// AuthorityShare is the Shamir share held by one named authority.
type AuthorityShare struct {
	ConfigID    string
	AuthorityID string
	Share       sharing.Share
}

// EncryptedBallot is one voter's ciphertext for one candidate. Immutable once cast.
type EncryptedBallot struct {
	ID          string
	ElectionID  string
	ConfigID    string // key the ciphertext was produced under
	VoterID     string
	CandidateID string
	Ciphertext  *big.Int
	CastAt      time.Time
}

// CandidateTally is the homomorphic sum of a candidate's ballots. Count and
// Verified are only meaningful once Decrypted is set.
type CandidateTally struct {
	ElectionID  string
	CandidateID string
	ConfigID    string
	Ciphertext  *big.Int
	BallotCount int
	Decrypted   bool
	Count       int64
	Verified    bool
	UpdatedAt   time.Time
}

// PrivateKeyFactors holds the reconstructed factors of n with P < Q. It must
// not outlive the decryption that needed it.
type PrivateKeyFactors struct {
	P *big.Int
	Q *big.Int
}

// Destroy overwrites the factor words in place.
func (f *PrivateKeyFactors) Destroy() {
	if f == nil {
		return
	}
	sharing.Wipe(f.P, f.Q)
	f.P, f.Q = nil, nil
}
