package service

import (
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"threshold-tally/encryption"
	"threshold-tally/models"
	"threshold-tally/storage"
)

// TallyEngine aggregates ballots per candidate under the public key only.
type TallyEngine struct {
	store  storage.Store
	logger zerolog.Logger
}

func NewTallyEngine(store storage.Store, logger zerolog.Logger) *TallyEngine {
	return &TallyEngine{
		store:  store,
		logger: logger.With().Str("component", "tally").Logger(),
	}
}

// Accumulate folds one ballot into its candidate's running ciphertext. The
// read-modify-write happens under the store's row lock, so concurrent
// ballots for the same candidate are never lost. A decrypted row is final.
func (e *TallyEngine) Accumulate(cfg *models.CryptosystemConfig, ballot *models.EncryptedBallot) (*models.CandidateTally, error) {
	scheme, err := encryption.NewPaillierScheme(cfg.N)
	if err != nil {
		return nil, err
	}
	if err := scheme.ValidateCiphertext(ballot.Ciphertext); err != nil {
		return nil, err
	}

	return e.store.UpsertTally(ballot.ElectionID, ballot.CandidateID, func(current *models.CandidateTally) (*models.CandidateTally, error) {
		if current != nil && current.Decrypted {
			return nil, fmt.Errorf("%w: candidate %s", ErrTallyFinalized, ballot.CandidateID)
		}
		now := time.Now().UTC()
		// rows from another key are superseded
		if current == nil || current.ConfigID != cfg.ID {
			return &models.CandidateTally{
				ConfigID:    cfg.ID,
				Ciphertext:  new(big.Int).Set(ballot.Ciphertext),
				BallotCount: 1,
				UpdatedAt:   now,
			}, nil
		}

		sum, err := scheme.Add(current.Ciphertext, ballot.Ciphertext)
		if err != nil {
			return nil, err
		}
		return &models.CandidateTally{
			ConfigID:    cfg.ID,
			Ciphertext:  sum,
			BallotCount: current.BallotCount + 1,
			UpdatedAt:   now,
		}, nil
	})
}

// TallyElection recomputes every candidate's ciphertext from the full set of
// ballots cast under cfg and replaces the stored rows. Running it twice on the
// same ballots yields identical rows. Once any row is decrypted the stored
// rows are kept as they are, and a recount that differs from them fails with
// ErrTallyFinalized.
func (e *TallyEngine) TallyElection(cfg *models.CryptosystemConfig, electionID string) (map[string]*big.Int, error) {
	if cfg.ElectionID != electionID {
		return nil, fmt.Errorf("%w: config %s belongs to another election", ErrInvalidRequest, cfg.ID)
	}
	scheme, err := encryption.NewPaillierScheme(cfg.N)
	if err != nil {
		return nil, err
	}

	ballots, err := e.store.ListBallots(electionID)
	if err != nil {
		return nil, err
	}

	byCandidate := make(map[string][]*big.Int)
	skipped := 0
	for _, b := range ballots {
		if b.ConfigID != cfg.ID {
			skipped++
			continue
		}
		byCandidate[b.CandidateID] = append(byCandidate[b.CandidateID], b.Ciphertext)
	}
	if skipped > 0 {
		e.logger.Warn().Str("election_id", electionID).Int("skipped", skipped).Msg("ballots under a different key ignored")
	}

	candidates := make([]string, 0, len(byCandidate))
	for c := range byCandidate {
		candidates = append(candidates, c)
	}
	sort.Strings(candidates)

	sums := make([]*big.Int, len(candidates))
	var g errgroup.Group
	for i, candidate := range candidates {
		i, candidate := i, candidate
		g.Go(func() error {
			sum, err := scheme.Sum(byCandidate[candidate]...)
			if err != nil {
				return fmt.Errorf("candidate %s: %w", candidate, err)
			}
			sums[i] = sum
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rows := make([]*models.CandidateTally, len(candidates))
	result := make(map[string]*big.Int, len(candidates))
	for i, candidate := range candidates {
		rows[i] = &models.CandidateTally{
			ElectionID:  electionID,
			CandidateID: candidate,
			ConfigID:    cfg.ID,
			Ciphertext:  sums[i],
			BallotCount: len(byCandidate[candidate]),
			UpdatedAt:   now,
		}
		result[candidate] = new(big.Int).Set(sums[i])
	}

	existing, err := e.store.ListTallies(electionID)
	if err != nil {
		return nil, err
	}
	if finalized(existing) {
		if err := sameRows(existing, rows); err != nil {
			return nil, err
		}
		return result, nil
	}

	if err := e.store.ReplaceTallies(electionID, rows); err != nil {
		return nil, fmt.Errorf("failed to store tallies: %w", err)
	}

	e.logger.Info().
		Str("election_id", electionID).
		Str("config_id", cfg.ID).
		Int("candidates", len(candidates)).
		Int("ballots", len(ballots)-skipped).
		Msg("election tallied")
	return result, nil
}

func finalized(rows []*models.CandidateTally) bool {
	for _, t := range rows {
		if t.Decrypted {
			return true
		}
	}
	return false
}

// sameRows fails unless a recount reproduces the stored rows exactly. Both
// slices are ordered by candidate.
func sameRows(stored, recount []*models.CandidateTally) error {
	if len(stored) != len(recount) {
		return fmt.Errorf("%w: candidate set changed", ErrTallyFinalized)
	}
	for i, t := range stored {
		r := recount[i]
		if t.CandidateID != r.CandidateID || t.ConfigID != r.ConfigID || t.Ciphertext.Cmp(r.Ciphertext) != 0 {
			return fmt.Errorf("%w: candidate %s changed", ErrTallyFinalized, t.CandidateID)
		}
	}
	return nil
}
