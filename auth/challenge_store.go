package auth

import (
	"sync"
	"time"
)

// Challenge is an issued nonce and the instant after which it is void.
type Challenge struct {
	Nonce     []byte
	ExpiresAt time.Time
}

// ChallengeStore holds at most one live challenge per authority. Contents are
// process-resident and lost on restart.
type ChallengeStore struct {
	mu         sync.Mutex
	challenges map[string]Challenge
}

func NewChallengeStore() *ChallengeStore {
	return &ChallengeStore{challenges: make(map[string]Challenge)}
}

// Put stores c for the authority, replacing any previous challenge.
func (s *ChallengeStore) Put(authorityID string, c Challenge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.challenges[authorityID] = c
}

// Len returns the number of stored challenges, expired ones included.
func (s *ChallengeStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.challenges)
}

// Sweep drops every challenge that expired before now.
func (s *ChallengeStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, c := range s.challenges {
		if now.After(c.ExpiresAt) {
			delete(s.challenges, id)
			removed++
		}
	}
	return removed
}

// inspect runs fn with the store locked. When fn returns drop the challenge
// is deleted, whatever the error.
func (s *ChallengeStore) inspect(authorityID string, fn func(c Challenge, ok bool) (drop bool, err error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.challenges[authorityID]
	drop, err := fn(c, ok)
	if drop && ok {
		delete(s.challenges, authorityID)
	}
	return err
}
