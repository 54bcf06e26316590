package service

import (
	"fmt"
	"math/big"

	"github.com/rs/zerolog"

	"threshold-tally/models"
	"threshold-tally/sharing"
	"threshold-tally/storage"
)

// SubmittedShare is a share an authority has handed in.
type SubmittedShare struct {
	AuthorityID string
	Share       sharing.Share
}

// ReconstructionService recombines shares into the factors of n. It never
// stores what it reconstructs.
type ReconstructionService struct {
	store  storage.Store
	logger zerolog.Logger
}

func NewReconstructionService(store storage.Store, logger zerolog.Logger) *ReconstructionService {
	return &ReconstructionService{
		store:  store,
		logger: logger.With().Str("component", "reconstruction").Logger(),
	}
}

// ReconstructPrivateKey interpolates p' from the shares and returns (p', n/p')
// ordered smaller first. It fails with ErrReconstructionMismatch unless p'
// divides n. The caller owns the factors and must Destroy them.
func (s *ReconstructionService) ReconstructPrivateKey(configID string, shares []SubmittedShare) (*models.PrivateKeyFactors, error) {
	cfg, err := s.store.GetConfig(configID)
	if err != nil {
		return nil, err
	}
	if !cfg.Active() {
		return nil, ErrConfigRetired
	}

	points, err := s.matchShares(cfg, shares)
	if err != nil {
		return nil, err
	}

	secret, err := sharing.ReconstructThreshold(points, cfg.Threshold, cfg.FieldPrime)
	if err != nil {
		return nil, err
	}

	if err := checkFactor(cfg.N, secret); err != nil {
		sharing.Wipe(secret)
		s.logger.Warn().Str("config_id", configID).Int("shares", len(points)).Msg("reconstructed value does not divide the modulus")
		return nil, err
	}

	other := new(big.Int).Quo(cfg.N, secret)
	factors := &models.PrivateKeyFactors{P: secret, Q: other}
	if secret.Cmp(other) > 0 {
		factors.P, factors.Q = other, secret
	}

	s.logger.Info().Str("config_id", configID).Int("shares", len(points)).Msg("private key reconstructed")
	return factors, nil
}

// matchShares checks every submitted share against the index stored for its
// authority and returns the points to interpolate.
func (s *ReconstructionService) matchShares(cfg *models.CryptosystemConfig, shares []SubmittedShare) ([]sharing.Share, error) {
	stored, err := s.store.GetShares(cfg.ID)
	if err != nil {
		return nil, err
	}
	index := make(map[string]int, len(stored))
	for _, sh := range stored {
		index[sh.AuthorityID] = sh.Share.X
	}

	seen := make(map[string]struct{}, len(shares))
	points := make([]sharing.Share, 0, len(shares))
	for _, sub := range shares {
		x, ok := index[sub.AuthorityID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownAuthority, sub.AuthorityID)
		}
		if _, dup := seen[sub.AuthorityID]; dup {
			return nil, fmt.Errorf("%w: %s submitted twice", sharing.ErrMalformedShare, sub.AuthorityID)
		}
		seen[sub.AuthorityID] = struct{}{}
		if sub.Share.X != x {
			return nil, fmt.Errorf("%w: index does not belong to %s", sharing.ErrMalformedShare, sub.AuthorityID)
		}
		points = append(points, sub.Share)
	}
	return points, nil
}
