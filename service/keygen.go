package service

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"threshold-tally/encryption"
	"threshold-tally/models"
	"threshold-tally/sharing"
	"threshold-tally/storage"
)

const (
	MinKeyBits     = 512
	DefaultKeyBits = 2048
)

// KeyGenRequest describes a new cryptosystem for an election. Authorities
// names the share holders; when empty, NAuthorities of them are named
// authority-1..n.
type KeyGenRequest struct {
	ElectionID   string
	Authorities  []string
	NAuthorities int
	Threshold    int
	KeyBits      int
}

// KeyGenResult is the output of a key generation: the persisted config,
// the public scheme for ballot encryption and one share per authority.
type KeyGenResult struct {
	Config *models.CryptosystemConfig
	Scheme *encryption.PaillierScheme
	Shares []models.AuthorityShare

	// Retired lists the configs this generation replaced.
	Retired []string
}

type KeyGenerationService struct {
	store  storage.Store
	random io.Reader
	logger zerolog.Logger
}

func NewKeyGenerationService(store storage.Store, logger zerolog.Logger) *KeyGenerationService {
	return &KeyGenerationService{
		store:  store,
		random: rand.Reader,
		logger: logger.With().Str("component", "keygen").Logger(),
	}
}

// Generate creates a Paillier key, shares its smaller prime factor among the
// authorities and persists the config and shares. The previous active config
// of the election, if any, is retired.
func (s *KeyGenerationService) Generate(req KeyGenRequest) (*KeyGenResult, error) {
	authorities, err := authorityNames(req)
	if err != nil {
		return nil, err
	}
	n := len(authorities)
	switch {
	case req.ElectionID == "":
		return nil, fmt.Errorf("%w: election id is required", ErrInvalidRequest)
	case req.Threshold < 2:
		return nil, fmt.Errorf("%w: threshold should be at least 2", ErrInvalidRequest)
	case req.Threshold > n:
		return nil, fmt.Errorf("%w: threshold %d exceeds %d authorities", ErrInvalidRequest, req.Threshold, n)
	case req.KeyBits < MinKeyBits || req.KeyBits%2 != 0:
		return nil, fmt.Errorf("%w: key size must be an even number of bits, at least %d", ErrInvalidRequest, MinKeyBits)
	}

	started := time.Now()
	scheme, factors, err := encryption.GeneratePaillierKey(s.random, req.KeyBits)
	if err != nil {
		return nil, err
	}
	defer factors.Destroy()

	modulus := scheme.N()
	if err := checkFactor(modulus, factors.P); err != nil {
		return nil, err
	}

	prime, err := sharing.FieldPrimeFor(factors.P)
	if err != nil {
		return nil, err
	}

	points, err := sharing.SplitWithRand(s.random, factors.P, n, req.Threshold, prime)
	if err != nil {
		return nil, err
	}

	// the first threshold shares must give back a factor of n
	recovered, err := sharing.ReconstructThreshold(points[:req.Threshold], req.Threshold, prime)
	if err != nil {
		return nil, err
	}
	err = checkFactor(modulus, recovered)
	sharing.Wipe(recovered)
	if err != nil {
		return nil, err
	}

	cfg := &models.CryptosystemConfig{
		ID:           uuid.New().String(),
		ElectionID:   req.ElectionID,
		KeyType:      models.KeyTypePaillier,
		KeyBits:      req.KeyBits,
		N:            modulus,
		G:            scheme.G(),
		FieldPrime:   prime,
		Threshold:    req.Threshold,
		NAuthorities: n,
		Status:       models.StatusActive,
		CreatedAt:    time.Now().UTC(),
	}

	shares := make([]models.AuthorityShare, n)
	for i, name := range authorities {
		shares[i] = models.AuthorityShare{ConfigID: cfg.ID, AuthorityID: name, Share: points[i]}
	}

	previous, err := s.store.ListConfigs(req.ElectionID)
	if err != nil {
		return nil, err
	}
	// shares first: a config is never visible without them
	if err := s.store.SaveShares(shares); err != nil {
		return nil, fmt.Errorf("failed to save shares: %w", err)
	}
	if err := s.store.SaveConfig(cfg); err != nil {
		return nil, fmt.Errorf("failed to save config: %w", err)
	}

	var retired []string
	for _, old := range previous {
		if !old.Active() {
			continue
		}
		if err := s.store.UpdateConfigStatus(old.ID, models.StatusRetired); err != nil {
			s.rollback(cfg.ID, retired)
			return nil, fmt.Errorf("failed to retire config %s: %w", old.ID, err)
		}
		retired = append(retired, old.ID)
		s.logger.Info().Str("config_id", old.ID).Str("election_id", req.ElectionID).Msg("config retired")
	}

	s.logger.Info().
		Str("config_id", cfg.ID).
		Str("election_id", cfg.ElectionID).
		Int("key_bits", cfg.KeyBits).
		Int("authorities", n).
		Int("threshold", cfg.Threshold).
		Dur("took", time.Since(started)).
		Msg("cryptosystem generated")

	return &KeyGenResult{Config: cfg, Scheme: scheme, Shares: shares, Retired: retired}, nil
}

func authorityNames(req KeyGenRequest) ([]string, error) {
	if len(req.Authorities) == 0 {
		if req.NAuthorities < 2 {
			return nil, fmt.Errorf("%w: at least two authorities are required", ErrInvalidRequest)
		}
		names := make([]string, req.NAuthorities)
		for i := range names {
			names[i] = fmt.Sprintf("authority-%d", i+1)
		}
		return names, nil
	}

	if req.NAuthorities != 0 && req.NAuthorities != len(req.Authorities) {
		return nil, fmt.Errorf("%w: %d authorities named but %d requested", ErrInvalidRequest, len(req.Authorities), req.NAuthorities)
	}
	seen := make(map[string]struct{}, len(req.Authorities))
	for _, name := range req.Authorities {
		if name == "" {
			return nil, fmt.Errorf("%w: empty authority name", ErrInvalidRequest)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("%w: authority %s listed twice", ErrInvalidRequest, name)
		}
		seen[name] = struct{}{}
	}
	if len(req.Authorities) < 2 {
		return nil, fmt.Errorf("%w: at least two authorities are required", ErrInvalidRequest)
	}
	return append([]string(nil), req.Authorities...), nil
}

// rollback retires a config whose generation failed and reactivates the
// configs it had already replaced. Failures are logged; the caller already
// returns an error.
func (s *KeyGenerationService) rollback(configID string, reactivate []string) {
	if err := s.store.UpdateConfigStatus(configID, models.StatusRetired); err != nil {
		s.logger.Error().Err(err).Str("config_id", configID).Msg("failed to retire incomplete config")
	}
	for _, id := range reactivate {
		if err := s.store.UpdateConfigStatus(id, models.StatusActive); err != nil {
			s.logger.Error().Err(err).Str("config_id", id).Msg("failed to reactivate config")
		}
	}
}

// checkFactor fails unless p is a proper factor of n.
func checkFactor(n, p *big.Int) error {
	if p == nil || p.Cmp(big.NewInt(1)) <= 0 || p.Cmp(n) >= 0 {
		return ErrReconstructionMismatch
	}
	if new(big.Int).Mod(n, p).Sign() != 0 {
		return ErrReconstructionMismatch
	}
	return nil
}
