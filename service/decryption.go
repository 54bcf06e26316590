package service

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"threshold-tally/encryption"
	"threshold-tally/models"
	"threshold-tally/storage"
)

// VotingResults represents the decrypted count of one election
type VotingResults struct {
	ElectionID  string           `json:"election_id"`
	ConfigID    string           `json:"config_id"`
	Results     map[string]int64 `json:"results"`
	TotalVotes  int64            `json:"total_votes"`
	BallotCount int              `json:"ballot_count"`
	Verified    bool             `json:"verified"`
	DecryptedAt time.Time        `json:"decrypted_at,omitempty"`
}

// DecryptionService is the only consumer of reconstructed factors.
type DecryptionService struct {
	store  storage.Store
	logger zerolog.Logger
}

func NewDecryptionService(store storage.Store, logger zerolog.Logger) *DecryptionService {
	return &DecryptionService{
		store:  store,
		logger: logger.With().Str("component", "decryption").Logger(),
	}
}

// DecryptTally decrypts every tally row and cross-checks the total against
// the number of ballots cast under cfg. A disagreement is recorded as
// Verified=false; the counts are still returned and stored.
func (s *DecryptionService) DecryptTally(cfg *models.CryptosystemConfig, factors *models.PrivateKeyFactors, tallies []*models.CandidateTally) (*VotingResults, error) {
	scheme, err := encryption.NewPaillierScheme(cfg.N)
	if err != nil {
		return nil, err
	}
	for _, t := range tallies {
		if t.ConfigID != cfg.ID || t.ElectionID != cfg.ElectionID {
			return nil, fmt.Errorf("%w: tally for %s was not produced under config %s", ErrInvalidRequest, t.CandidateID, cfg.ID)
		}
	}

	counts := make([]int64, len(tallies))
	var g errgroup.Group
	for i, t := range tallies {
		i, t := i, t
		g.Go(func() error {
			m, err := scheme.DecryptWithFactors(factors, t.Ciphertext)
			if err != nil {
				return fmt.Errorf("candidate %s: %w", t.CandidateID, err)
			}
			if !m.IsInt64() {
				return fmt.Errorf("%w: candidate %s count out of range", ErrTallyInconsistency, t.CandidateID)
			}
			counts[i] = m.Int64()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	ballotCount, err := s.store.CountBallots(cfg.ElectionID, cfg.ID)
	if err != nil {
		return nil, err
	}

	results := &VotingResults{
		ElectionID:  cfg.ElectionID,
		ConfigID:    cfg.ID,
		Results:     make(map[string]int64, len(tallies)),
		BallotCount: ballotCount,
		DecryptedAt: time.Now().UTC(),
	}
	for i, t := range tallies {
		results.Results[t.CandidateID] = counts[i]
		results.TotalVotes += counts[i]
	}
	results.Verified = results.TotalVotes == int64(ballotCount)
	if !results.Verified {
		s.logger.Warn().
			Err(ErrTallyInconsistency).
			Str("election_id", cfg.ElectionID).
			Int64("decrypted_total", results.TotalVotes).
			Int("ballots", ballotCount).
			Msg("tally not verified")
	}

	for i, t := range tallies {
		if err := s.record(t, counts[i], results.Verified, results.DecryptedAt); err != nil {
			return nil, err
		}
	}

	s.logger.Info().
		Str("election_id", cfg.ElectionID).
		Str("config_id", cfg.ID).
		Int("candidates", len(tallies)).
		Bool("verified", results.Verified).
		Msg("tally decrypted")
	return results, nil
}

// record writes the decrypted count onto the row it came from. A decrypted
// count is never lowered, and a row whose ciphertext changed meanwhile is
// rejected.
func (s *DecryptionService) record(t *models.CandidateTally, count int64, verified bool, at time.Time) error {
	_, err := s.store.UpsertTally(t.ElectionID, t.CandidateID, func(current *models.CandidateTally) (*models.CandidateTally, error) {
		if current == nil || current.Ciphertext.Cmp(t.Ciphertext) != 0 {
			return nil, fmt.Errorf("%w: tally for %s changed during decryption", ErrTallyInconsistency, t.CandidateID)
		}
		if current.Decrypted && current.Count > count {
			return nil, fmt.Errorf("%w: count for %s would decrease", ErrTallyInconsistency, t.CandidateID)
		}
		current.Decrypted = true
		current.Count = count
		current.Verified = verified
		current.UpdatedAt = at
		return current, nil
	})
	return err
}

// ResultsFromTallies builds results from stored rows. Only decrypted rows
// contribute; Verified holds when every row is decrypted and verified.
func ResultsFromTallies(electionID string, tallies []*models.CandidateTally) *VotingResults {
	results := &VotingResults{
		ElectionID: electionID,
		Results:    make(map[string]int64, len(tallies)),
		Verified:   len(tallies) > 0,
	}
	for _, t := range tallies {
		results.BallotCount += t.BallotCount
		if !t.Decrypted {
			results.Verified = false
			continue
		}
		results.ConfigID = t.ConfigID
		results.Results[t.CandidateID] = t.Count
		results.TotalVotes += t.Count
		results.Verified = results.Verified && t.Verified
		if t.UpdatedAt.After(results.DecryptedAt) {
			results.DecryptedAt = t.UpdatedAt
		}
	}
	return results
}
