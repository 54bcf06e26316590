package service

import (
	"crypto/ecdsa"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threshold-tally/auth"
	"threshold-tally/encryption"
	"threshold-tally/models"
	"threshold-tally/registry"
	"threshold-tally/sharing"
	"threshold-tally/storage"
)

const testKeyBits = 512

type harness struct {
	svc          *TallyService
	store        *storage.JSONStore
	keys         map[string]*ecdsa.PrivateKey
	fingerprints map[string]string
}

func newHarness(t *testing.T, authorities ...string) *harness {
	t.Helper()
	store, err := storage.NewJSONStore(t.TempDir())
	require.NoError(t, err)
	reg, err := registry.NewFileRegistry(registry.RegistryConfig{})
	require.NoError(t, err)

	h := &harness{
		svc:          NewTallyService(store, reg, Options{DefaultKeyBits: testKeyBits}, zerolog.Nop()),
		store:        store,
		keys:         make(map[string]*ecdsa.PrivateKey),
		fingerprints: make(map[string]string),
	}
	for _, id := range authorities {
		key, err := crypto.GenerateKey()
		require.NoError(t, err)
		details, err := h.svc.RegisterAuthority(id, crypto.FromECDSAPub(&key.PublicKey))
		require.NoError(t, err)
		h.keys[id] = key
		h.fingerprints[id] = details.Fingerprint
	}
	return h
}

// authenticate runs the challenge exchange for the share's authority.
func (h *harness) authenticate(t *testing.T, share models.AuthorityShare) AuthenticatedShare {
	t.Helper()
	nonce, expiresIn, err := h.svc.RequestChallenge(share.AuthorityID)
	require.NoError(t, err)
	require.Greater(t, expiresIn, time.Duration(0))

	resp, err := auth.SignResponse(h.keys[share.AuthorityID], share.AuthorityID, nonce, time.Now())
	require.NoError(t, err)
	return AuthenticatedShare{
		AuthorityID:    share.AuthorityID,
		Share:          share.Share,
		Nonce:          nonce,
		Response:       resp,
		KeyFingerprint: h.fingerprints[share.AuthorityID],
	}
}

func (h *harness) cast(t *testing.T, scheme *encryption.PaillierScheme, electionID, candidate string, votes int) {
	t.Helper()
	for i := 0; i < votes; i++ {
		c, err := scheme.Encrypt(big.NewInt(1))
		require.NoError(t, err)
		_, err = h.svc.SubmitBallot(electionID, "", candidate, c)
		require.NoError(t, err)
	}
}

func shareOf(t *testing.T, result *KeyGenResult, authorityID string) models.AuthorityShare {
	t.Helper()
	for _, sh := range result.Shares {
		if sh.AuthorityID == authorityID {
			return sh
		}
	}
	t.Fatalf("no share for %s", authorityID)
	return models.AuthorityShare{}
}

func TestThreeAuthoritiesThresholdTwo(t *testing.T) {
	h := newHarness(t, "authority-1", "authority-2", "authority-3")

	result, err := h.svc.GenerateKeys(KeyGenRequest{
		ElectionID:   "election-1",
		NAuthorities: 3,
		Threshold:    2,
		KeyBits:      1024,
	})
	require.NoError(t, err)
	require.Len(t, result.Shares, 3)
	assert.Equal(t, 1024, result.Config.KeyBits)

	h.cast(t, result.Scheme, "election-1", "A", 3)
	h.cast(t, result.Scheme, "election-1", "B", 2)

	tallies, err := h.svc.TallyElection("election-1")
	require.NoError(t, err)
	assert.Len(t, tallies, 2)

	pooled, err := h.svc.SubmitShare(result.Config.ID, h.authenticate(t, shareOf(t, result, "authority-1")))
	require.NoError(t, err)
	assert.Equal(t, 1, pooled)
	assert.Equal(t, []string{"authority-1"}, h.svc.PooledAuthorities(result.Config.ID))

	results, err := h.svc.DecryptTally(result.Config.ID, "election-1",
		[]AuthenticatedShare{h.authenticate(t, shareOf(t, result, "authority-3"))})
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"A": 3, "B": 2}, results.Results)
	assert.True(t, results.Verified)
	assert.Equal(t, 5, results.BallotCount)
	assert.Empty(t, h.svc.PooledAuthorities(result.Config.ID))

	stored, err := h.svc.GetResults("election-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"A": 3, "B": 2}, stored.Results)
	assert.True(t, stored.Verified)
	assert.Equal(t, result.Config.ID, stored.ConfigID)
}

func TestGeneratedFactorDividesModulus(t *testing.T) {
	h := newHarness(t)
	result, err := h.svc.GenerateKeys(KeyGenRequest{
		ElectionID:  "election-1",
		Authorities: []string{"alice", "bob", "carol", "dave"},
		Threshold:   3,
	})
	require.NoError(t, err)
	cfg := result.Config
	assert.Equal(t, testKeyBits, cfg.KeyBits)
	assert.True(t, sharing.IsFieldPrime(cfg.FieldPrime, testKeyBits/2))

	rs := NewReconstructionService(h.store, zerolog.Nop())
	subsets := [][]string{{"alice", "bob", "carol"}, {"bob", "carol", "dave"}, {"alice", "carol", "dave"}}
	for _, subset := range subsets {
		var shares []SubmittedShare
		for _, id := range subset {
			sh := shareOf(t, result, id)
			shares = append(shares, SubmittedShare{AuthorityID: id, Share: sh.Share})
		}
		factors, err := rs.ReconstructPrivateKey(cfg.ID, shares)
		require.NoError(t, err)

		assert.Equal(t, -1, factors.P.Cmp(factors.Q))
		assert.Equal(t, 0, new(big.Int).Mod(cfg.N, factors.P).Sign())
		assert.Equal(t, 0, new(big.Int).Mul(factors.P, factors.Q).Cmp(cfg.N))
		assert.Less(t, factors.P.Cmp(cfg.FieldPrime), 0)

		factors.Destroy()
		assert.Nil(t, factors.P)
	}
}

func TestReconstructionRejectsBadShares(t *testing.T) {
	h := newHarness(t)
	result, err := h.svc.GenerateKeys(KeyGenRequest{ElectionID: "election-1", NAuthorities: 3, Threshold: 2})
	require.NoError(t, err)
	cfg := result.Config
	rs := NewReconstructionService(h.store, zerolog.Nop())

	good := []SubmittedShare{
		{AuthorityID: "authority-1", Share: shareOf(t, result, "authority-1").Share},
		{AuthorityID: "authority-2", Share: shareOf(t, result, "authority-2").Share},
	}
	factors, err := rs.ReconstructPrivateKey(cfg.ID, good)
	require.NoError(t, err)

	// shares of the true factor under a smaller field prime
	otherPrime := sharing.NextPrime(cfg.FieldPrime.BitLen() - 2)
	require.Equal(t, -1, otherPrime.Cmp(cfg.FieldPrime))
	foreign, err := sharing.Split(factors.P, 3, 2, otherPrime)
	require.NoError(t, err)
	factors.Destroy()

	_, err = rs.ReconstructPrivateKey(cfg.ID, []SubmittedShare{
		{AuthorityID: "authority-1", Share: foreign[0]},
		{AuthorityID: "authority-2", Share: foreign[1]},
	})
	assert.ErrorIs(t, err, ErrReconstructionMismatch)

	tampered := []SubmittedShare{good[0], {AuthorityID: "authority-2", Share: sharing.Share{X: 2, Y: new(big.Int).Add(good[1].Share.Y, big.NewInt(1))}}}
	_, err = rs.ReconstructPrivateKey(cfg.ID, tampered)
	assert.ErrorIs(t, err, ErrReconstructionMismatch)

	_, err = rs.ReconstructPrivateKey(cfg.ID, good[:1])
	assert.ErrorIs(t, err, sharing.ErrInsufficientShares)

	wrongIndex := []SubmittedShare{good[0], {AuthorityID: "authority-2", Share: sharing.Share{X: 3, Y: good[1].Share.Y}}}
	_, err = rs.ReconstructPrivateKey(cfg.ID, wrongIndex)
	assert.ErrorIs(t, err, sharing.ErrMalformedShare)

	_, err = rs.ReconstructPrivateKey(cfg.ID, []SubmittedShare{good[0], good[0]})
	assert.ErrorIs(t, err, sharing.ErrMalformedShare)

	_, err = rs.ReconstructPrivateKey(cfg.ID, []SubmittedShare{good[0], {AuthorityID: "mallory", Share: good[1].Share}})
	assert.ErrorIs(t, err, ErrUnknownAuthority)
}

func TestTallyElectionIsIdempotent(t *testing.T) {
	h := newHarness(t)
	result, err := h.svc.GenerateKeys(KeyGenRequest{ElectionID: "election-1", NAuthorities: 2, Threshold: 2})
	require.NoError(t, err)

	h.cast(t, result.Scheme, "election-1", "A", 4)
	h.cast(t, result.Scheme, "election-1", "B", 1)

	incremental, err := h.store.ListTallies("election-1")
	require.NoError(t, err)

	first, err := h.svc.TallyElection("election-1")
	require.NoError(t, err)
	rowsFirst, err := h.store.ListTallies("election-1")
	require.NoError(t, err)

	second, err := h.svc.TallyElection("election-1")
	require.NoError(t, err)
	rowsSecond, err := h.store.ListTallies("election-1")
	require.NoError(t, err)

	require.Len(t, rowsFirst, 2)
	require.Len(t, rowsSecond, 2)
	for i := range rowsFirst {
		assert.Equal(t, rowsFirst[i].CandidateID, rowsSecond[i].CandidateID)
		assert.Equal(t, rowsFirst[i].Ciphertext.Bytes(), rowsSecond[i].Ciphertext.Bytes())
		assert.Equal(t, rowsFirst[i].BallotCount, rowsSecond[i].BallotCount)
		// running accumulation agrees with the full recount
		assert.Equal(t, incremental[i].Ciphertext.Bytes(), rowsFirst[i].Ciphertext.Bytes())
	}
	assert.Equal(t, first["A"].Bytes(), second["A"].Bytes())
	assert.Equal(t, 4, rowsFirst[0].BallotCount)
}

func TestSubmitBallotValidation(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.SubmitBallot("election-1", "voter-1", "A", big.NewInt(5))
	assert.ErrorIs(t, err, ErrNoActiveConfig)

	result, err := h.svc.GenerateKeys(KeyGenRequest{ElectionID: "election-1", NAuthorities: 2, Threshold: 2})
	require.NoError(t, err)

	nsq := result.Config.NSquared()
	for _, c := range []*big.Int{big.NewInt(0), nsq, new(big.Int).Add(nsq, big.NewInt(5))} {
		_, err := h.svc.SubmitBallot("election-1", "voter-1", "A", c)
		assert.ErrorIs(t, err, encryption.ErrMalformedCiphertext)
	}

	c, err := result.Scheme.Encrypt(big.NewInt(1))
	require.NoError(t, err)
	ballot, err := h.svc.SubmitBallot("election-1", "voter-1", "A", c)
	require.NoError(t, err)
	assert.Equal(t, result.Config.ID, ballot.ConfigID)

	_, err = h.svc.SubmitBallot("election-1", "voter-1", "B", c)
	assert.ErrorIs(t, err, storage.ErrDuplicateBallot)

	_, err = h.svc.SubmitBallot("election-1", "voter-2", "", c)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestNewKeyRetiresPreviousConfig(t *testing.T) {
	h := newHarness(t, "authority-1", "authority-2")
	first, err := h.svc.GenerateKeys(KeyGenRequest{ElectionID: "election-1", NAuthorities: 2, Threshold: 2})
	require.NoError(t, err)
	second, err := h.svc.GenerateKeys(KeyGenRequest{ElectionID: "election-1", NAuthorities: 2, Threshold: 2})
	require.NoError(t, err)

	old, err := h.svc.GetConfig(first.Config.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRetired, old.Status)

	active, err := h.svc.ActiveConfig("election-1")
	require.NoError(t, err)
	assert.Equal(t, second.Config.ID, active.ID)

	_, err = h.svc.SubmitShare(first.Config.ID, h.authenticate(t, shareOf(t, first, "authority-1")))
	assert.ErrorIs(t, err, ErrConfigRetired)

	// new ballots go to the active config
	c, err := second.Scheme.Encrypt(big.NewInt(1))
	require.NoError(t, err)
	ballot, err := h.svc.SubmitBallot("election-1", "voter-1", "A", c)
	require.NoError(t, err)
	assert.Equal(t, second.Config.ID, ballot.ConfigID)
}

func TestSubmitShareRequiresAuthentication(t *testing.T) {
	h := newHarness(t, "authority-1", "authority-2")
	result, err := h.svc.GenerateKeys(KeyGenRequest{ElectionID: "election-1", NAuthorities: 2, Threshold: 2})
	require.NoError(t, err)
	share := shareOf(t, result, "authority-1")

	authed := h.authenticate(t, share)
	forged := authed
	forged.Response.Signature = append([]byte(nil), authed.Response.Signature...)
	forged.Response.Signature[5] ^= 0x01
	_, err = h.svc.SubmitShare(result.Config.ID, forged)
	assert.True(t, IsAuthError(err))

	_, err = h.svc.SubmitShare(result.Config.ID, authed)
	require.NoError(t, err)

	// replaying the consumed challenge
	_, err = h.svc.SubmitShare(result.Config.ID, authed)
	assert.ErrorIs(t, err, auth.ErrChallengeMismatch)

	// authority-2 presenting authority-1's index
	wrong := h.authenticate(t, models.AuthorityShare{AuthorityID: "authority-2", Share: share.Share})
	_, err = h.svc.SubmitShare(result.Config.ID, wrong)
	assert.ErrorIs(t, err, sharing.ErrMalformedShare)
}

func TestReconstructKeyAndBelowThreshold(t *testing.T) {
	h := newHarness(t, "authority-1", "authority-2", "authority-3")
	result, err := h.svc.GenerateKeys(KeyGenRequest{ElectionID: "election-1", NAuthorities: 3, Threshold: 2})
	require.NoError(t, err)
	h.cast(t, result.Scheme, "election-1", "A", 2)

	err = h.svc.ReconstructKey(result.Config.ID, []AuthenticatedShare{h.authenticate(t, shareOf(t, result, "authority-2"))})
	assert.ErrorIs(t, err, sharing.ErrInsufficientShares)

	_, err = h.svc.DecryptTally(result.Config.ID, "election-1",
		[]AuthenticatedShare{h.authenticate(t, shareOf(t, result, "authority-2"))})
	assert.ErrorIs(t, err, sharing.ErrInsufficientShares)

	err = h.svc.ReconstructKey(result.Config.ID, []AuthenticatedShare{h.authenticate(t, shareOf(t, result, "authority-3"))})
	require.NoError(t, err)

	// no explicit TallyElection; authority-3 stays pooled
	results, err := h.svc.DecryptTally(result.Config.ID, "election-1",
		[]AuthenticatedShare{h.authenticate(t, shareOf(t, result, "authority-2"))})
	require.NoError(t, err)
	assert.Equal(t, int64(2), results.Results["A"])
	assert.True(t, results.Verified)

	_, err = h.svc.DecryptTally(result.Config.ID, "election-2",
		[]AuthenticatedShare{h.authenticate(t, shareOf(t, result, "authority-1"))})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestDecryptRejectsConcurrentReconstruction(t *testing.T) {
	h := newHarness(t, "authority-1", "authority-2")
	result, err := h.svc.GenerateKeys(KeyGenRequest{ElectionID: "election-1", NAuthorities: 2, Threshold: 2})
	require.NoError(t, err)

	unlock, err := h.svc.lockConfig(result.Config.ID)
	require.NoError(t, err)

	shares := []AuthenticatedShare{
		h.authenticate(t, shareOf(t, result, "authority-1")),
		h.authenticate(t, shareOf(t, result, "authority-2")),
	}
	_, err = h.svc.DecryptTally(result.Config.ID, "election-1", shares)
	assert.ErrorIs(t, err, ErrReconstructionBusy)
	assert.ErrorIs(t, h.svc.ReconstructKey(result.Config.ID, shares), ErrReconstructionBusy)
	assert.Empty(t, h.svc.PooledAuthorities(result.Config.ID))

	unlock()
	_, err = h.svc.lockConfig(result.Config.ID)
	assert.NoError(t, err)
}

func TestInconsistentTallyIsUnverified(t *testing.T) {
	h := newHarness(t, "authority-1", "authority-2")
	result, err := h.svc.GenerateKeys(KeyGenRequest{ElectionID: "election-1", NAuthorities: 2, Threshold: 2})
	require.NoError(t, err)
	h.cast(t, result.Scheme, "election-1", "A", 2)

	// a single ballot carrying two votes
	two, err := result.Scheme.Encrypt(big.NewInt(2))
	require.NoError(t, err)
	_, err = h.svc.SubmitBallot("election-1", "stuffer", "A", two)
	require.NoError(t, err)

	_, err = h.svc.SubmitShare(result.Config.ID, h.authenticate(t, shareOf(t, result, "authority-1")))
	require.NoError(t, err)
	results, err := h.svc.DecryptTally(result.Config.ID, "election-1",
		[]AuthenticatedShare{h.authenticate(t, shareOf(t, result, "authority-2"))})
	require.NoError(t, err)
	assert.Equal(t, int64(4), results.Results["A"])
	assert.Equal(t, 3, results.BallotCount)
	assert.False(t, results.Verified)

	stored, err := h.svc.GetResults("election-1")
	require.NoError(t, err)
	assert.False(t, stored.Verified)

	rows, err := h.store.ListTallies("election-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Decrypted)
	assert.False(t, rows[0].Verified)
	assert.Equal(t, int64(4), rows[0].Count)
}

func TestDecryptAfterRekeyCountsActiveKeyOnly(t *testing.T) {
	h := newHarness(t, "authority-1", "authority-2")
	first, err := h.svc.GenerateKeys(KeyGenRequest{ElectionID: "election-1", NAuthorities: 2, Threshold: 2})
	require.NoError(t, err)
	h.cast(t, first.Scheme, "election-1", "Y", 1)

	second, err := h.svc.GenerateKeys(KeyGenRequest{ElectionID: "election-1", NAuthorities: 2, Threshold: 2})
	require.NoError(t, err)
	h.cast(t, second.Scheme, "election-1", "X", 1)

	// the Y row still carries the retired key
	rows, err := h.store.ListTallies("election-1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, second.Config.ID, rows[0].ConfigID)
	assert.Equal(t, first.Config.ID, rows[1].ConfigID)

	results, err := h.svc.DecryptTally(second.Config.ID, "election-1", []AuthenticatedShare{
		h.authenticate(t, shareOf(t, second, "authority-1")),
		h.authenticate(t, shareOf(t, second, "authority-2")),
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"X": 1}, results.Results)
	assert.Equal(t, 1, results.BallotCount)
	assert.True(t, results.Verified)

	_, err = h.svc.DecryptTally(first.Config.ID, "election-1",
		[]AuthenticatedShare{h.authenticate(t, shareOf(t, first, "authority-1"))})
	assert.ErrorIs(t, err, ErrConfigRetired)
}

func TestDecryptedTallyIsFinal(t *testing.T) {
	h := newHarness(t, "authority-1", "authority-2")
	result, err := h.svc.GenerateKeys(KeyGenRequest{ElectionID: "election-1", NAuthorities: 2, Threshold: 2})
	require.NoError(t, err)
	h.cast(t, result.Scheme, "election-1", "A", 3)

	decrypt := func() (*VotingResults, error) {
		return h.svc.DecryptTally(result.Config.ID, "election-1", []AuthenticatedShare{
			h.authenticate(t, shareOf(t, result, "authority-1")),
			h.authenticate(t, shareOf(t, result, "authority-2")),
		})
	}
	results, err := decrypt()
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"A": 3}, results.Results)

	// an identical recount keeps the decrypted rows
	_, err = h.svc.TallyElection("election-1")
	require.NoError(t, err)
	stored, err := h.svc.GetResults("election-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"A": 3}, stored.Results)
	assert.True(t, stored.Verified)

	c, err := result.Scheme.Encrypt(big.NewInt(1))
	require.NoError(t, err)
	_, err = h.svc.SubmitBallot("election-1", "late-voter", "A", c)
	assert.ErrorIs(t, err, ErrTallyFinalized)
	_, err = h.svc.SubmitBallot("election-1", "late-voter", "B", c)
	assert.ErrorIs(t, err, ErrTallyFinalized)

	_, err = h.svc.engine.Accumulate(result.Config, &models.EncryptedBallot{
		ElectionID:  "election-1",
		ConfigID:    result.Config.ID,
		CandidateID: "A",
		Ciphertext:  c,
	})
	assert.ErrorIs(t, err, ErrTallyFinalized)

	rows, err := h.store.ListTallies("election-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Decrypted)
	assert.Equal(t, int64(3), rows[0].Count)
	assert.Equal(t, 3, rows[0].BallotCount)

	again, err := decrypt()
	require.NoError(t, err)
	assert.Equal(t, results.Results, again.Results)
	assert.True(t, again.Verified)
}

func TestReconstructionRequiresFreshShare(t *testing.T) {
	h := newHarness(t, "authority-1", "authority-2")
	result, err := h.svc.GenerateKeys(KeyGenRequest{ElectionID: "election-1", NAuthorities: 2, Threshold: 2})
	require.NoError(t, err)
	h.cast(t, result.Scheme, "election-1", "A", 1)

	for _, id := range []string{"authority-1", "authority-2"} {
		_, err := h.svc.SubmitShare(result.Config.ID, h.authenticate(t, shareOf(t, result, id)))
		require.NoError(t, err)
	}

	// a full pool does not stand in for a fresh authentication
	for _, shares := range [][]AuthenticatedShare{nil, {}} {
		err = h.svc.ReconstructKey(result.Config.ID, shares)
		assert.True(t, IsAuthError(err), "%v", err)
		assert.ErrorIs(t, err, auth.ErrAuthenticationFailed)

		_, err = h.svc.DecryptTally(result.Config.ID, "election-1", shares)
		assert.True(t, IsAuthError(err), "%v", err)
	}
	assert.Equal(t, []string{"authority-1", "authority-2"}, h.svc.PooledAuthorities(result.Config.ID))

	_, err = h.svc.GetResults("election-1")
	require.NoError(t, err)
	rows, err := h.store.ListTallies("election-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.False(t, rows[0].Decrypted)

	err = h.svc.ReconstructKey(result.Config.ID,
		[]AuthenticatedShare{h.authenticate(t, shareOf(t, result, "authority-1"))})
	assert.NoError(t, err)
}

func TestRekeyReleasesRetiredConfigState(t *testing.T) {
	h := newHarness(t, "authority-1", "authority-2")
	first, err := h.svc.GenerateKeys(KeyGenRequest{ElectionID: "election-1", NAuthorities: 2, Threshold: 2})
	require.NoError(t, err)

	_, err = h.svc.SubmitShare(first.Config.ID, h.authenticate(t, shareOf(t, first, "authority-1")))
	require.NoError(t, err)
	unlock, err := h.svc.lockConfig(first.Config.ID)
	require.NoError(t, err)
	unlock()

	second, err := h.svc.GenerateKeys(KeyGenRequest{ElectionID: "election-1", NAuthorities: 2, Threshold: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{first.Config.ID}, second.Retired)

	h.svc.mu.Lock()
	_, pooled := h.svc.pools[first.Config.ID]
	_, locked := h.svc.locks[first.Config.ID]
	h.svc.mu.Unlock()
	assert.False(t, pooled)
	assert.False(t, locked)

	err = h.svc.ReconstructKey(first.Config.ID,
		[]AuthenticatedShare{h.authenticate(t, shareOf(t, first, "authority-2"))})
	assert.ErrorIs(t, err, ErrConfigRetired)

	h.svc.mu.Lock()
	_, locked = h.svc.locks[first.Config.ID]
	h.svc.mu.Unlock()
	assert.False(t, locked)
}

// failingStore fails selected writes of the wrapped store.
type failingStore struct {
	storage.Store
	failShares bool
	failRetire string
}

var errDiskFull = errors.New("disk full")

func (f *failingStore) SaveShares(shares []models.AuthorityShare) error {
	if f.failShares {
		return errDiskFull
	}
	return f.Store.SaveShares(shares)
}

func (f *failingStore) UpdateConfigStatus(id string, status models.ConfigStatus) error {
	if id == f.failRetire && status == models.StatusRetired {
		return errDiskFull
	}
	return f.Store.UpdateConfigStatus(id, status)
}

func TestKeyGenerationFailureKeepsPreviousConfig(t *testing.T) {
	inner, err := storage.NewJSONStore(t.TempDir())
	require.NoError(t, err)
	store := &failingStore{Store: inner}
	reg, err := registry.NewFileRegistry(registry.RegistryConfig{})
	require.NoError(t, err)
	svc := NewTallyService(store, reg, Options{DefaultKeyBits: testKeyBits}, zerolog.Nop())

	first, err := svc.GenerateKeys(KeyGenRequest{ElectionID: "election-1", NAuthorities: 2, Threshold: 2})
	require.NoError(t, err)

	t.Run("shares not saved", func(t *testing.T) {
		store.failShares = true
		defer func() { store.failShares = false }()

		_, err := svc.GenerateKeys(KeyGenRequest{ElectionID: "election-1", NAuthorities: 2, Threshold: 2})
		assert.ErrorIs(t, err, errDiskFull)

		configs, err := inner.ListConfigs("election-1")
		require.NoError(t, err)
		assert.Len(t, configs, 1)
		active, err := svc.ActiveConfig("election-1")
		require.NoError(t, err)
		assert.Equal(t, first.Config.ID, active.ID)
	})

	t.Run("previous config not retired", func(t *testing.T) {
		store.failRetire = first.Config.ID
		defer func() { store.failRetire = "" }()

		_, err := svc.GenerateKeys(KeyGenRequest{ElectionID: "election-1", NAuthorities: 2, Threshold: 2})
		assert.ErrorIs(t, err, errDiskFull)

		configs, err := inner.ListConfigs("election-1")
		require.NoError(t, err)
		require.Len(t, configs, 2)
		active := 0
		for _, cfg := range configs {
			if cfg.Active() {
				active++
				assert.Equal(t, first.Config.ID, cfg.ID)
			}
		}
		assert.Equal(t, 1, active)

		c, err := first.Scheme.Encrypt(big.NewInt(1))
		require.NoError(t, err)
		ballot, err := svc.SubmitBallot("election-1", "voter-1", "A", c)
		require.NoError(t, err)
		assert.Equal(t, first.Config.ID, ballot.ConfigID)
	})

	assert.Equal(t, 2, svc.GetMetrics().KeyGeneration.Failures)
}

func TestGenerateKeysValidation(t *testing.T) {
	h := newHarness(t)
	bad := []KeyGenRequest{
		{ElectionID: "", NAuthorities: 3, Threshold: 2},
		{ElectionID: "e", NAuthorities: 3, Threshold: 1},
		{ElectionID: "e", NAuthorities: 2, Threshold: 3},
		{ElectionID: "e", NAuthorities: 1, Threshold: 2},
		{ElectionID: "e", NAuthorities: 3, Threshold: 2, KeyBits: 256},
		{ElectionID: "e", Authorities: []string{"a", "a"}, Threshold: 2},
		{ElectionID: "e", Authorities: []string{"a", ""}, Threshold: 2},
		{ElectionID: "e", Authorities: []string{"a", "b"}, NAuthorities: 3, Threshold: 2},
	}
	for _, req := range bad {
		_, err := h.svc.GenerateKeys(req)
		assert.ErrorIs(t, err, ErrInvalidRequest, "%+v", req)
	}

	_, err := h.svc.GetResults("e")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, 8, h.svc.GetMetrics().KeyGeneration.Failures)
}
