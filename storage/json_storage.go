package storage

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"threshold-tally/models"
	"threshold-tally/sharing"
)

const (
	// maxIntBits bounds every integer read back from disk.
	maxIntBits = 2 * 16384

	configsFile = "configs.json"
	sharesFile  = "shares.json"
	ballotsFile = "ballots.json"
	talliesFile = "tallies.json"
)

type configRecord struct {
	ID           string              `json:"id"`
	ElectionID   string              `json:"election_id"`
	KeyType      string              `json:"key_type"`
	KeyBits      int                 `json:"key_bits"`
	Modulus      string              `json:"modulus"`
	Generator    string              `json:"generator"`
	FieldPrime   string              `json:"field_prime"`
	Threshold    int                 `json:"threshold"`
	NAuthorities int                 `json:"n_authorities"`
	Status       models.ConfigStatus `json:"status"`
	CreatedAt    time.Time           `json:"created_at"`
}

type shareRecord struct {
	ConfigID    string `json:"config_id"`
	AuthorityID string `json:"authority_id"`
	Share       string `json:"share"`
}

type ballotRecord struct {
	ID          string    `json:"id"`
	ElectionID  string    `json:"election_id"`
	ConfigID    string    `json:"config_id"`
	VoterID     string    `json:"voter_id"`
	CandidateID string    `json:"candidate_id"`
	Ciphertext  string    `json:"ciphertext"`
	CastAt      time.Time `json:"cast_at"`
}

type tallyRecord struct {
	ElectionID  string    `json:"election_id"`
	CandidateID string    `json:"candidate_id"`
	ConfigID    string    `json:"config_id"`
	Ciphertext  string    `json:"ciphertext"`
	BallotCount int       `json:"ballot_count"`
	Decrypted   bool      `json:"decrypted"`
	Count       int64     `json:"count"`
	Verified    bool      `json:"verified"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// JSONStore keeps all rows in memory and mirrors each collection to a JSON
// file in basePath. Writes are serialized, which also serializes every
// read-modify-write on a tally row.
type JSONStore struct {
	basePath string
	mu       sync.RWMutex

	configs map[string]*models.CryptosystemConfig
	shares  map[string][]models.AuthorityShare
	ballots map[string][]*models.EncryptedBallot
	tallies map[string]map[string]*models.CandidateTally
}

var _ Store = (*JSONStore)(nil)

func NewJSONStore(basePath string) (*JSONStore, error) {
	// Create storage directory if it doesn't exist
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	store := &JSONStore{
		basePath: basePath,
		configs:  make(map[string]*models.CryptosystemConfig),
		shares:   make(map[string][]models.AuthorityShare),
		ballots:  make(map[string][]*models.EncryptedBallot),
		tallies:  make(map[string]map[string]*models.CandidateTally),
	}

	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *JSONStore) SaveConfig(cfg *models.CryptosystemConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.configs[cfg.ID]; exists {
		return fmt.Errorf("%w: config %s", ErrAlreadyExists, cfg.ID)
	}
	s.configs[cfg.ID] = cloneConfig(cfg)
	if err := s.saveConfigs(); err != nil {
		delete(s.configs, cfg.ID)
		return err
	}
	return nil
}

func (s *JSONStore) GetConfig(id string) (*models.CryptosystemConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.configs[id]
	if !ok {
		return nil, fmt.Errorf("%w: config %s", ErrNotFound, id)
	}
	return cloneConfig(cfg), nil
}

// ListConfigs returns the election's configs, oldest first.
func (s *JSONStore) ListConfigs(electionID string) ([]*models.CryptosystemConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.CryptosystemConfig
	for _, cfg := range s.configs {
		if cfg.ElectionID == electionID {
			out = append(out, cloneConfig(cfg))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *JSONStore) UpdateConfigStatus(id string, status models.ConfigStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, ok := s.configs[id]
	if !ok {
		return fmt.Errorf("%w: config %s", ErrNotFound, id)
	}
	previous := cfg.Status
	cfg.Status = status
	if err := s.saveConfigs(); err != nil {
		cfg.Status = previous
		return err
	}
	return nil
}

func (s *JSONStore) SaveShares(shares []models.AuthorityShare) error {
	if len(shares) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	configID := shares[0].ConfigID
	if _, exists := s.shares[configID]; exists {
		return fmt.Errorf("%w: shares for config %s", ErrAlreadyExists, configID)
	}
	copied := make([]models.AuthorityShare, len(shares))
	for i, sh := range shares {
		if sh.ConfigID != configID {
			return fmt.Errorf("storage: shares span multiple configs")
		}
		copied[i] = cloneShare(sh)
	}

	s.shares[configID] = copied
	if err := s.saveShares(); err != nil {
		delete(s.shares, configID)
		return err
	}
	return nil
}

func (s *JSONStore) GetShares(configID string) ([]models.AuthorityShare, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	shares, ok := s.shares[configID]
	if !ok {
		return nil, fmt.Errorf("%w: shares for config %s", ErrNotFound, configID)
	}
	out := make([]models.AuthorityShare, len(shares))
	for i, sh := range shares {
		out[i] = cloneShare(sh)
	}
	return out, nil
}

func (s *JSONStore) SaveBallot(ballot *models.EncryptedBallot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.ballots[ballot.ElectionID]
	for _, b := range existing {
		if b.VoterID == ballot.VoterID {
			return ErrDuplicateBallot
		}
	}

	s.ballots[ballot.ElectionID] = append(existing, cloneBallot(ballot))
	if err := s.saveBallots(); err != nil {
		s.ballots[ballot.ElectionID] = existing
		return err
	}
	return nil
}

func (s *JSONStore) ListBallots(electionID string) ([]*models.EncryptedBallot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ballots := s.ballots[electionID]
	out := make([]*models.EncryptedBallot, len(ballots))
	for i, b := range ballots {
		out[i] = cloneBallot(b)
	}
	return out, nil
}

func (s *JSONStore) CountBallots(electionID, configID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if configID == "" {
		return len(s.ballots[electionID]), nil
	}
	count := 0
	for _, b := range s.ballots[electionID] {
		if b.ConfigID == configID {
			count++
		}
	}
	return count, nil
}

func (s *JSONStore) UpsertTally(electionID, candidateID string, mutate TallyMutator) (*models.CandidateTally, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.tallies[electionID]
	var current *models.CandidateTally
	if row, ok := rows[candidateID]; ok {
		current = cloneTally(row)
	}

	next, err := mutate(current)
	if err != nil {
		return nil, err
	}
	next = cloneTally(next)
	next.ElectionID = electionID
	next.CandidateID = candidateID

	if rows == nil {
		rows = make(map[string]*models.CandidateTally)
		s.tallies[electionID] = rows
	}
	previous, had := rows[candidateID]
	rows[candidateID] = next
	if err := s.saveTallies(); err != nil {
		if had {
			rows[candidateID] = previous
		} else {
			delete(rows, candidateID)
		}
		return nil, err
	}
	return cloneTally(next), nil
}

// ReplaceTallies swaps the election's whole row set.
func (s *JSONStore) ReplaceTallies(electionID string, tallies []*models.CandidateTally) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := make(map[string]*models.CandidateTally, len(tallies))
	for _, t := range tallies {
		if t.ElectionID != electionID {
			return fmt.Errorf("storage: tally for %s in replacement of %s", t.ElectionID, electionID)
		}
		if _, dup := rows[t.CandidateID]; dup {
			return fmt.Errorf("storage: duplicate tally row for candidate %s", t.CandidateID)
		}
		rows[t.CandidateID] = cloneTally(t)
	}

	previous := s.tallies[electionID]
	s.tallies[electionID] = rows
	if err := s.saveTallies(); err != nil {
		s.tallies[electionID] = previous
		return err
	}
	return nil
}

// ListTallies returns the election's rows ordered by candidate.
func (s *JSONStore) ListTallies(electionID string) ([]*models.CandidateTally, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.tallies[electionID]
	out := make([]*models.CandidateTally, 0, len(rows))
	for _, t := range rows {
		out = append(out, cloneTally(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CandidateID < out[j].CandidateID })
	return out, nil
}

func (s *JSONStore) saveConfigs() error {
	records := make([]configRecord, 0, len(s.configs))
	for _, c := range s.configs {
		records = append(records, configRecord{
			ID:           c.ID,
			ElectionID:   c.ElectionID,
			KeyType:      c.KeyType,
			KeyBits:      c.KeyBits,
			Modulus:      models.EncodeInt(c.N),
			Generator:    models.EncodeInt(c.G),
			FieldPrime:   models.EncodeInt(c.FieldPrime),
			Threshold:    c.Threshold,
			NAuthorities: c.NAuthorities,
			Status:       c.Status,
			CreatedAt:    c.CreatedAt,
		})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return s.writeFile(configsFile, records)
}

func (s *JSONStore) saveShares() error {
	var records []shareRecord
	for _, shares := range s.shares {
		for _, sh := range shares {
			records = append(records, shareRecord{
				ConfigID:    sh.ConfigID,
				AuthorityID: sh.AuthorityID,
				Share:       sh.Share.String(),
			})
		}
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].ConfigID == records[j].ConfigID {
			return records[i].AuthorityID < records[j].AuthorityID
		}
		return records[i].ConfigID < records[j].ConfigID
	})
	return s.writeFile(sharesFile, records)
}

func (s *JSONStore) saveBallots() error {
	var records []ballotRecord
	for _, ballots := range s.ballots {
		for _, b := range ballots {
			records = append(records, ballotRecord{
				ID:          b.ID,
				ElectionID:  b.ElectionID,
				ConfigID:    b.ConfigID,
				VoterID:     b.VoterID,
				CandidateID: b.CandidateID,
				Ciphertext:  models.EncodeInt(b.Ciphertext),
				CastAt:      b.CastAt,
			})
		}
	}
	sort.SliceStable(records, func(i, j int) bool { return records[i].ElectionID < records[j].ElectionID })
	return s.writeFile(ballotsFile, records)
}

func (s *JSONStore) saveTallies() error {
	var records []tallyRecord
	for _, rows := range s.tallies {
		for _, t := range rows {
			records = append(records, tallyRecord{
				ElectionID:  t.ElectionID,
				CandidateID: t.CandidateID,
				ConfigID:    t.ConfigID,
				Ciphertext:  models.EncodeInt(t.Ciphertext),
				BallotCount: t.BallotCount,
				Decrypted:   t.Decrypted,
				Count:       t.Count,
				Verified:    t.Verified,
				UpdatedAt:   t.UpdatedAt,
			})
		}
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].ElectionID == records[j].ElectionID {
			return records[i].CandidateID < records[j].CandidateID
		}
		return records[i].ElectionID < records[j].ElectionID
	})
	return s.writeFile(talliesFile, records)
}

func (s *JSONStore) writeFile(name string, v interface{}) error {
	path := filepath.Join(s.basePath, name)

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}

	// Write to temporary file first
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}

	// Atomic rename to ensure consistency
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath) // Clean up temp file if rename fails
		return fmt.Errorf("failed to save %s: %w", name, err)
	}

	return nil
}

func (s *JSONStore) readFile(name string, v interface{}) error {
	data, err := os.ReadFile(filepath.Join(s.basePath, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", name, err)
	}
	return nil
}

func (s *JSONStore) load() error {
	var configs []configRecord
	if err := s.readFile(configsFile, &configs); err != nil {
		return err
	}
	for _, r := range configs {
		n, err := models.DecodeInt(r.Modulus, maxIntBits)
		if err != nil {
			return fmt.Errorf("config %s modulus: %w", r.ID, err)
		}
		g, err := models.DecodeInt(r.Generator, maxIntBits)
		if err != nil {
			return fmt.Errorf("config %s generator: %w", r.ID, err)
		}
		prime, err := models.DecodeInt(r.FieldPrime, maxIntBits)
		if err != nil {
			return fmt.Errorf("config %s field prime: %w", r.ID, err)
		}
		s.configs[r.ID] = &models.CryptosystemConfig{
			ID:           r.ID,
			ElectionID:   r.ElectionID,
			KeyType:      r.KeyType,
			KeyBits:      r.KeyBits,
			N:            n,
			G:            g,
			FieldPrime:   prime,
			Threshold:    r.Threshold,
			NAuthorities: r.NAuthorities,
			Status:       r.Status,
			CreatedAt:    r.CreatedAt,
		}
	}

	var shares []shareRecord
	if err := s.readFile(sharesFile, &shares); err != nil {
		return err
	}
	for _, r := range shares {
		var prime *big.Int
		if cfg, ok := s.configs[r.ConfigID]; ok {
			prime = cfg.FieldPrime
		}
		sh, err := sharing.ParseShare(r.Share, prime)
		if err != nil {
			return fmt.Errorf("share of %s for config %s: %w", r.AuthorityID, r.ConfigID, err)
		}
		s.shares[r.ConfigID] = append(s.shares[r.ConfigID], models.AuthorityShare{
			ConfigID:    r.ConfigID,
			AuthorityID: r.AuthorityID,
			Share:       sh,
		})
	}
	for _, list := range s.shares {
		sort.Slice(list, func(i, j int) bool { return list[i].Share.X < list[j].Share.X })
	}

	var ballots []ballotRecord
	if err := s.readFile(ballotsFile, &ballots); err != nil {
		return err
	}
	for _, r := range ballots {
		c, err := models.DecodeInt(r.Ciphertext, maxIntBits)
		if err != nil {
			return fmt.Errorf("ballot %s: %w", r.ID, err)
		}
		s.ballots[r.ElectionID] = append(s.ballots[r.ElectionID], &models.EncryptedBallot{
			ID:          r.ID,
			ElectionID:  r.ElectionID,
			ConfigID:    r.ConfigID,
			VoterID:     r.VoterID,
			CandidateID: r.CandidateID,
			Ciphertext:  c,
			CastAt:      r.CastAt,
		})
	}

	var tallies []tallyRecord
	if err := s.readFile(talliesFile, &tallies); err != nil {
		return err
	}
	for _, r := range tallies {
		c, err := models.DecodeInt(r.Ciphertext, maxIntBits)
		if err != nil {
			return fmt.Errorf("tally %s/%s: %w", r.ElectionID, r.CandidateID, err)
		}
		rows, ok := s.tallies[r.ElectionID]
		if !ok {
			rows = make(map[string]*models.CandidateTally)
			s.tallies[r.ElectionID] = rows
		}
		rows[r.CandidateID] = &models.CandidateTally{
			ElectionID:  r.ElectionID,
			CandidateID: r.CandidateID,
			ConfigID:    r.ConfigID,
			Ciphertext:  c,
			BallotCount: r.BallotCount,
			Decrypted:   r.Decrypted,
			Count:       r.Count,
			Verified:    r.Verified,
			UpdatedAt:   r.UpdatedAt,
		}
	}

	return nil
}

func copyInt(x *big.Int) *big.Int {
	if x == nil {
		return nil
	}
	return new(big.Int).Set(x)
}

func cloneConfig(c *models.CryptosystemConfig) *models.CryptosystemConfig {
	out := *c
	out.N = copyInt(c.N)
	out.G = copyInt(c.G)
	out.FieldPrime = copyInt(c.FieldPrime)
	return &out
}

func cloneShare(sh models.AuthorityShare) models.AuthorityShare {
	sh.Share.Y = copyInt(sh.Share.Y)
	return sh
}

func cloneBallot(b *models.EncryptedBallot) *models.EncryptedBallot {
	out := *b
	out.Ciphertext = copyInt(b.Ciphertext)
	return &out
}

func cloneTally(t *models.CandidateTally) *models.CandidateTally {
	out := *t
	out.Ciphertext = copyInt(t.Ciphertext)
	return &out
}
