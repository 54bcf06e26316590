package service

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"threshold-tally/auth"
	"threshold-tally/encryption"
	"threshold-tally/models"
	"threshold-tally/registry"
	"threshold-tally/sharing"
	"threshold-tally/storage"
)

// AuthenticatedShare is a share together with the challenge response that
// proves the submitter holds the authority's signing key.
type AuthenticatedShare struct {
	AuthorityID    string
	Share          sharing.Share
	Nonce          []byte
	Response       auth.Response
	KeyFingerprint string
}

type Options struct {
	DefaultKeyBits int
	Auth           auth.Config
}

// TallyService is the entry point for the threshold tally protocol: key
// generation, ballot intake, tallying, authority authentication, key
// reconstruction and decryption.
type TallyService struct {
	store          storage.Store
	registry       registry.AuthorityRegistry
	authenticator  *auth.Authenticator
	keygen         *KeyGenerationService
	engine         *TallyEngine
	reconstruction *ReconstructionService
	decryption     *DecryptionService
	metrics        *MetricsCollector
	logger         zerolog.Logger
	defaultKeyBits int

	mu        sync.Mutex
	pools     map[string]map[string]SubmittedShare // config -> authority -> share
	locks     map[string]*sync.Mutex               // held while a config's factors exist
	elections map[string]*sync.RWMutex             // ballots read, recount and decryption write
}

func NewTallyService(store storage.Store, reg registry.AuthorityRegistry, opts Options, logger zerolog.Logger) *TallyService {
	if opts.DefaultKeyBits == 0 {
		opts.DefaultKeyBits = DefaultKeyBits
	}
	return &TallyService{
		store:          store,
		registry:       reg,
		authenticator:  auth.NewAuthenticator(auth.NewChallengeStore(), reg, opts.Auth, logger),
		keygen:         NewKeyGenerationService(store, logger),
		engine:         NewTallyEngine(store, logger),
		reconstruction: NewReconstructionService(store, logger),
		decryption:     NewDecryptionService(store, logger),
		metrics:        NewMetricsCollector(logger),
		logger:         logger.With().Str("component", "tally_service").Logger(),
		defaultKeyBits: opts.DefaultKeyBits,
		pools:          make(map[string]map[string]SubmittedShare),
		locks:          make(map[string]*sync.Mutex),
		elections:      make(map[string]*sync.RWMutex),
	}
}

// GenerateKeys creates and persists a new cryptosystem for the election.
func (ts *TallyService) GenerateKeys(req KeyGenRequest) (result *KeyGenResult, err error) {
	done := ts.metrics.Start(PhaseKeyGeneration)
	defer func() { done(err) }()

	if req.KeyBits == 0 {
		req.KeyBits = ts.defaultKeyBits
	}
	result, err = ts.keygen.Generate(req)
	if err != nil {
		return nil, err
	}

	// pooled shares and locks of replaced configs are no longer needed
	ts.mu.Lock()
	for _, id := range result.Retired {
		delete(ts.pools, id)
		delete(ts.locks, id)
	}
	ts.mu.Unlock()
	return result, nil
}

// ActiveConfig returns the election's active config.
func (ts *TallyService) ActiveConfig(electionID string) (*models.CryptosystemConfig, error) {
	configs, err := ts.store.ListConfigs(electionID)
	if err != nil {
		return nil, err
	}
	for i := len(configs) - 1; i >= 0; i-- {
		if configs[i].Active() {
			return configs[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoActiveConfig, electionID)
}

func (ts *TallyService) GetConfig(configID string) (*models.CryptosystemConfig, error) {
	return ts.store.GetConfig(configID)
}

// SubmitBallot stores a ballot encrypted under the election's active key and
// folds it into the candidate's running tally. An empty voterID is replaced
// by a generated one. Ballots are refused once the election is decrypted.
func (ts *TallyService) SubmitBallot(electionID, voterID, candidateID string, ciphertext *big.Int) (ballot *models.EncryptedBallot, err error) {
	done := ts.metrics.Start(PhaseBallot)
	defer func() { done(err) }()

	if electionID == "" || candidateID == "" {
		return nil, fmt.Errorf("%w: election and candidate are required", ErrInvalidRequest)
	}

	el := ts.electionLock(electionID)
	el.RLock()
	defer el.RUnlock()

	if err := ts.checkOpen(electionID); err != nil {
		return nil, err
	}
	cfg, err := ts.ActiveConfig(electionID)
	if err != nil {
		return nil, err
	}
	scheme, err := encryption.NewPaillierScheme(cfg.N)
	if err != nil {
		return nil, err
	}
	if err := scheme.ValidateCiphertext(ciphertext); err != nil {
		return nil, err
	}

	if voterID == "" {
		voterID = uuid.New().String()
	}
	ballot = &models.EncryptedBallot{
		ID:          uuid.New().String(),
		ElectionID:  electionID,
		ConfigID:    cfg.ID,
		VoterID:     voterID,
		CandidateID: candidateID,
		Ciphertext:  new(big.Int).Set(ciphertext),
		CastAt:      time.Now().UTC(),
	}
	if err := ts.store.SaveBallot(ballot); err != nil {
		return nil, err
	}

	if _, err := ts.engine.Accumulate(cfg, ballot); err != nil {
		// the ballot is stored; TallyElection will pick it up
		ts.logger.Error().Err(err).Str("election_id", electionID).Str("ballot_id", ballot.ID).Msg("accumulate failed")
	}
	return ballot, nil
}

// TallyElection recomputes the election's per-candidate ciphertexts from all
// ballots under the active key.
func (ts *TallyService) TallyElection(electionID string) (map[string]*big.Int, error) {
	cfg, err := ts.ActiveConfig(electionID)
	if err != nil {
		return nil, err
	}

	el := ts.electionLock(electionID)
	el.Lock()
	defer el.Unlock()
	return ts.tally(cfg, electionID)
}

func (ts *TallyService) tally(cfg *models.CryptosystemConfig, electionID string) (tallies map[string]*big.Int, err error) {
	done := ts.metrics.Start(PhaseTally)
	defer func() { done(err) }()
	return ts.engine.TallyElection(cfg, electionID)
}

// RequestChallenge issues a nonce for the authority.
func (ts *TallyService) RequestChallenge(authorityID string) ([]byte, time.Duration, error) {
	nonce, expiresAt, err := ts.authenticator.GenerateChallenge(authorityID)
	if err != nil {
		return nil, 0, err
	}
	return nonce, time.Until(expiresAt).Round(time.Second), nil
}

// SubmitShare authenticates the authority and pools its share for the
// config's next decryption. It returns the number of pooled shares.
func (ts *TallyService) SubmitShare(configID string, share AuthenticatedShare) (int, error) {
	cfg, err := ts.store.GetConfig(configID)
	if err != nil {
		return 0, err
	}
	if !cfg.Active() {
		return 0, ErrConfigRetired
	}
	if err := ts.authenticate(share); err != nil {
		return 0, err
	}
	if err := ts.checkShareOwner(cfg, share); err != nil {
		return 0, err
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	pool, ok := ts.pools[configID]
	if !ok {
		pool = make(map[string]SubmittedShare)
		ts.pools[configID] = pool
	}
	pool[share.AuthorityID] = SubmittedShare{AuthorityID: share.AuthorityID, Share: copyShare(share.Share)}

	ts.logger.Info().Str("config_id", configID).Str("authority_id", share.AuthorityID).Int("pooled", len(pool)).Msg("share submitted")
	return len(pool), nil
}

// ReconstructKey authenticates and pools the supplied shares, then checks
// that the pool reconstructs a factor of n. At least one freshly
// authenticated share is required. The factors are dropped before returning.
func (ts *TallyService) ReconstructKey(configID string, shares []AuthenticatedShare) error {
	if len(shares) == 0 {
		return errNoAuthenticatedShare
	}
	cfg, err := ts.store.GetConfig(configID)
	if err != nil {
		return err
	}
	if !cfg.Active() {
		return ErrConfigRetired
	}

	unlock, err := ts.lockConfig(configID)
	if err != nil {
		return err
	}
	defer unlock()

	for _, sh := range shares {
		if _, err := ts.SubmitShare(configID, sh); err != nil {
			return err
		}
	}

	factors, err := ts.reconstructFromPool(configID)
	if err != nil {
		return err
	}
	factors.Destroy()
	return nil
}

// DecryptTally authenticates and pools the supplied shares, recounts the
// election from its ballots, reconstructs the key from the pool and decrypts
// the tallies. The pool is cleared on success. At least one freshly
// authenticated share is required.
func (ts *TallyService) DecryptTally(configID, electionID string, shares []AuthenticatedShare) (results *VotingResults, err error) {
	if len(shares) == 0 {
		return nil, errNoAuthenticatedShare
	}
	cfg, err := ts.store.GetConfig(configID)
	if err != nil {
		return nil, err
	}
	if cfg.ElectionID != electionID {
		return nil, fmt.Errorf("%w: config %s belongs to another election", ErrInvalidRequest, configID)
	}
	if !cfg.Active() {
		return nil, ErrConfigRetired
	}

	unlock, err := ts.lockConfig(configID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	for _, sh := range shares {
		if _, err := ts.SubmitShare(configID, sh); err != nil {
			return nil, err
		}
	}

	el := ts.electionLock(electionID)
	el.Lock()
	defer el.Unlock()

	if _, err := ts.tally(cfg, electionID); err != nil {
		return nil, err
	}
	tallies, err := ts.store.ListTallies(electionID)
	if err != nil {
		return nil, err
	}

	factors, err := ts.reconstructFromPool(configID)
	if err != nil {
		return nil, err
	}
	defer factors.Destroy()

	done := ts.metrics.Start(PhaseDecryption)
	results, err = ts.decryption.DecryptTally(cfg, factors, tallies)
	done(err)
	if err != nil {
		return nil, err
	}

	ts.mu.Lock()
	delete(ts.pools, configID)
	ts.mu.Unlock()
	return results, nil
}

// GetResults returns the stored decrypted counts of the election.
func (ts *TallyService) GetResults(electionID string) (*VotingResults, error) {
	tallies, err := ts.store.ListTallies(electionID)
	if err != nil {
		return nil, err
	}
	if len(tallies) == 0 {
		return nil, fmt.Errorf("%w: no tallies for %s", storage.ErrNotFound, electionID)
	}
	return ResultsFromTallies(electionID, tallies), nil
}

// PooledAuthorities lists the authorities whose shares wait for decryption.
func (ts *TallyService) PooledAuthorities(configID string) []string {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	out := make([]string, 0, len(ts.pools[configID]))
	for id := range ts.pools[configID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (ts *TallyService) RegisterAuthority(authorityID string, publicKey []byte) (*registry.AuthorityDetails, error) {
	return ts.registry.RegisterAuthority(authorityID, publicKey)
}

func (ts *TallyService) ListAuthorities() []*registry.AuthorityDetails {
	return ts.registry.ListAuthorities()
}

func (ts *TallyService) GetMetrics() MetricsResponse {
	return ts.metrics.GetMetrics()
}

func (ts *TallyService) authenticate(share AuthenticatedShare) error {
	return ts.authenticator.ValidateResponse(share.AuthorityID, share.Nonce, share.Response, share.KeyFingerprint)
}

func (ts *TallyService) checkShareOwner(cfg *models.CryptosystemConfig, share AuthenticatedShare) error {
	stored, err := ts.store.GetShares(cfg.ID)
	if err != nil {
		return err
	}
	for _, sh := range stored {
		if sh.AuthorityID != share.AuthorityID {
			continue
		}
		if sh.Share.X != share.Share.X {
			return fmt.Errorf("%w: index does not belong to %s", sharing.ErrMalformedShare, share.AuthorityID)
		}
		if share.Share.Y == nil || share.Share.Y.Sign() < 0 || share.Share.Y.Cmp(cfg.FieldPrime) >= 0 {
			return fmt.Errorf("%w: value outside the field", sharing.ErrMalformedShare)
		}
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnknownAuthority, share.AuthorityID)
}

func (ts *TallyService) reconstructFromPool(configID string) (factors *models.PrivateKeyFactors, err error) {
	done := ts.metrics.Start(PhaseReconstruction)
	defer func() { done(err) }()

	ts.mu.Lock()
	shares := make([]SubmittedShare, 0, len(ts.pools[configID]))
	for _, sh := range ts.pools[configID] {
		shares = append(shares, SubmittedShare{AuthorityID: sh.AuthorityID, Share: copyShare(sh.Share)})
	}
	ts.mu.Unlock()

	sort.Slice(shares, func(i, j int) bool { return shares[i].Share.X < shares[j].Share.X })
	return ts.reconstruction.ReconstructPrivateKey(configID, shares)
}

// checkOpen fails once any of the election's tallies is decrypted.
func (ts *TallyService) checkOpen(electionID string) error {
	rows, err := ts.store.ListTallies(electionID)
	if err != nil {
		return err
	}
	if finalized(rows) {
		return fmt.Errorf("%w: %s", ErrTallyFinalized, electionID)
	}
	return nil
}

func (ts *TallyService) electionLock(electionID string) *sync.RWMutex {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	l, ok := ts.elections[electionID]
	if !ok {
		l = &sync.RWMutex{}
		ts.elections[electionID] = l
	}
	return l
}

// lockConfig admits one reconstruction per config at a time; a second caller
// gets ErrReconstructionBusy instead of waiting.
func (ts *TallyService) lockConfig(configID string) (func(), error) {
	ts.mu.Lock()
	l, ok := ts.locks[configID]
	if !ok {
		l = &sync.Mutex{}
		ts.locks[configID] = l
	}
	ts.mu.Unlock()

	if !l.TryLock() {
		return nil, ErrReconstructionBusy
	}
	return l.Unlock, nil
}

func copyShare(s sharing.Share) sharing.Share {
	if s.Y != nil {
		s.Y = new(big.Int).Set(s.Y)
	}
	return s
}

var errNoAuthenticatedShare = fmt.Errorf("%w: no authenticated share supplied", auth.ErrAuthenticationFailed)

// IsAuthError reports whether err is an authenticator rejection.
func IsAuthError(err error) bool {
	return errors.Is(err, auth.ErrChallengeExpired) ||
		errors.Is(err, auth.ErrChallengeMismatch) ||
		errors.Is(err, auth.ErrAuthenticationFailed)
}
