package storage

import (
	"errors"

	"threshold-tally/models"
)

var (
	ErrNotFound        = errors.New("storage: not found")
	ErrDuplicateBallot = errors.New("storage: voter already has a ballot in this election")
	ErrAlreadyExists   = errors.New("storage: record already exists")
)

// TallyMutator receives the current row (nil when absent) and returns the row
// to store. It runs with the row locked.
type TallyMutator func(current *models.CandidateTally) (*models.CandidateTally, error)

// Store is the persistence boundary for configs, shares, ballots and tallies.
type Store interface {
	SaveConfig(cfg *models.CryptosystemConfig) error
	GetConfig(id string) (*models.CryptosystemConfig, error)
	ListConfigs(electionID string) ([]*models.CryptosystemConfig, error)
	UpdateConfigStatus(id string, status models.ConfigStatus) error

	SaveShares(shares []models.AuthorityShare) error
	GetShares(configID string) ([]models.AuthorityShare, error)

	SaveBallot(ballot *models.EncryptedBallot) error
	ListBallots(electionID string) ([]*models.EncryptedBallot, error)
	// CountBallots counts the election's ballots; an empty configID counts all keys.
	CountBallots(electionID, configID string) (int, error)

	UpsertTally(electionID, candidateID string, mutate TallyMutator) (*models.CandidateTally, error)
	ReplaceTallies(electionID string, tallies []*models.CandidateTally) error
	ListTallies(electionID string) ([]*models.CandidateTally, error)
}
