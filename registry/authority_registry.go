package registry

import (
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"threshold-tally/encryption"
)

var (
	ErrUnknownAuthority = errors.New("registry: unknown authority")
	ErrInvalidPublicKey = errors.New("registry: invalid public key")
)

// AuthorityRegistry resolves authority IDs to their signing public keys.
type AuthorityRegistry interface {
	PublicKey(authorityID string) (*ecdsa.PublicKey, error)
	Fingerprint(authorityID string) (string, error)
	RegisterAuthority(authorityID string, publicKey []byte) (*AuthorityDetails, error)
	ListAuthorities() []*AuthorityDetails
}

// AuthorityDetails is the registry record for one authority.
type AuthorityDetails struct {
	AuthorityID  string    `json:"authority_id"`
	PublicKey    string    `json:"public_key"` // 0x-prefixed uncompressed secp256k1 point
	Fingerprint  string    `json:"fingerprint"`
	RegisteredAt time.Time `json:"registered_at"`
}

type RegistryConfig struct {
	AuthoritiesFilePath string `json:"authorities_file_path"`
	AutoSave            bool   `json:"auto_save"`
}

// FileRegistry implements AuthorityRegistry on top of a JSON file.
type FileRegistry struct {
	authorities map[string]*AuthorityDetails
	keys        map[string]*ecdsa.PublicKey
	mu          sync.RWMutex
	config      RegistryConfig
	crypto      *encryption.CryptoService
}

var _ AuthorityRegistry = (*FileRegistry)(nil)

func NewFileRegistry(config RegistryConfig) (*FileRegistry, error) {
	registry := &FileRegistry{
		authorities: make(map[string]*AuthorityDetails),
		keys:        make(map[string]*ecdsa.PublicKey),
		config:      config,
		crypto:      encryption.NewCryptoService(),
	}

	if config.AuthoritiesFilePath == "" {
		return registry, nil
	}

	// Create directory if it doesn't exist
	dir := filepath.Dir(config.AuthoritiesFilePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	if err := registry.LoadAuthoritiesFromFile(); err != nil {
		return nil, err
	}
	return registry, nil
}

// LoadAuthoritiesFromFile replaces the in-memory records with the file contents.
// A missing file leaves the registry empty.
func (r *FileRegistry) LoadAuthoritiesFromFile() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(r.config.AuthoritiesFilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read authorities file: %w", err)
	}

	var authoritiesData struct {
		Authorities []*AuthorityDetails `json:"authorities"`
	}
	if err := json.Unmarshal(data, &authoritiesData); err != nil {
		return fmt.Errorf("failed to unmarshal authority data: %w", err)
	}

	authorities := make(map[string]*AuthorityDetails, len(authoritiesData.Authorities))
	keys := make(map[string]*ecdsa.PublicKey, len(authoritiesData.Authorities))
	for _, a := range authoritiesData.Authorities {
		pub, err := r.parseKey(a.PublicKey)
		if err != nil {
			return fmt.Errorf("invalid authority data for %s: %w", a.AuthorityID, err)
		}
		if a.AuthorityID == "" {
			return fmt.Errorf("invalid authority data: authority id is required")
		}
		// recompute rather than trust the file
		a.Fingerprint = r.crypto.Fingerprint(pub)
		authorities[a.AuthorityID] = a
		keys[a.AuthorityID] = pub
	}

	r.authorities = authorities
	r.keys = keys
	return nil
}

// RegisterAuthority adds or rotates the key of an authority.
func (r *FileRegistry) RegisterAuthority(authorityID string, publicKey []byte) (*AuthorityDetails, error) {
	if authorityID == "" {
		return nil, errors.New("registry: authority id is required")
	}
	pub, err := r.crypto.ToECDSAPub(publicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}

	details := &AuthorityDetails{
		AuthorityID:  authorityID,
		PublicKey:    hexutil.Encode(r.crypto.FromECDSAPub(pub)),
		Fingerprint:  r.crypto.Fingerprint(pub),
		RegisteredAt: time.Now().UTC(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	previous, hadPrevious := r.authorities[authorityID]
	previousKey := r.keys[authorityID]
	r.authorities[authorityID] = details
	r.keys[authorityID] = pub

	if r.config.AutoSave && r.config.AuthoritiesFilePath != "" {
		if err := r.saveLocked(); err != nil {
			if hadPrevious {
				r.authorities[authorityID] = previous
				r.keys[authorityID] = previousKey
			} else {
				delete(r.authorities, authorityID)
				delete(r.keys, authorityID)
			}
			return nil, err
		}
	}

	detailsCopy := *details
	return &detailsCopy, nil
}

func (r *FileRegistry) PublicKey(authorityID string) (*ecdsa.PublicKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pub, ok := r.keys[authorityID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAuthority, authorityID)
	}
	return pub, nil
}

func (r *FileRegistry) Fingerprint(authorityID string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.authorities[authorityID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownAuthority, authorityID)
	}
	return a.Fingerprint, nil
}

// ListAuthorities returns copies ordered by authority ID.
func (r *FileRegistry) ListAuthorities() []*AuthorityDetails {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*AuthorityDetails, 0, len(r.authorities))
	for _, a := range r.authorities {
		aCopy := *a
		out = append(out, &aCopy)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AuthorityID < out[j].AuthorityID })
	return out
}

// Save writes the registry to its file.
func (r *FileRegistry) Save() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.saveLocked()
}

func (r *FileRegistry) saveLocked() error {
	authoritiesData := struct {
		Authorities []*AuthorityDetails `json:"authorities"`
	}{}
	for _, a := range r.authorities {
		authoritiesData.Authorities = append(authoritiesData.Authorities, a)
	}
	sort.Slice(authoritiesData.Authorities, func(i, j int) bool {
		return authoritiesData.Authorities[i].AuthorityID < authoritiesData.Authorities[j].AuthorityID
	})

	data, err := json.MarshalIndent(authoritiesData, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal authority data: %w", err)
	}

	tempPath := r.config.AuthoritiesFilePath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to save authorities file: %w", err)
	}
	if err := os.Rename(tempPath, r.config.AuthoritiesFilePath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to save authorities file: %w", err)
	}
	return nil
}

func (r *FileRegistry) parseKey(encoded string) (*ecdsa.PublicKey, error) {
	raw, err := hexutil.Decode(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	pub, err := r.crypto.ToECDSAPub(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return pub, nil
}
