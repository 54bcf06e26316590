// Package auth gates authority requests behind a one-shot, time-boxed
// challenge-response exchange signed with the authority's secp256k1 key.
package auth

import (
	"crypto/ecdsa"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"

	"threshold-tally/encryption"
)

const (
	DefaultChallengeTTL = 300 * time.Second
	DefaultReplayWindow = 5 * time.Minute
)

var (
	ErrChallengeExpired     = errors.New("auth: challenge expired")
	ErrChallengeMismatch    = errors.New("auth: no matching challenge")
	ErrAuthenticationFailed = errors.New("auth: authentication failed")
)

// KeySource resolves an authority to its registered signing key.
type KeySource interface {
	PublicKey(authorityID string) (*ecdsa.PublicKey, error)
}

// Response is what an authority returns for a nonce: a signature over the
// canonical payload and the unix time (seconds) it signed at.
type Response struct {
	Signature []byte
	Timestamp int64
}

// payload is the signed message. Field keys are integers so the canonical
// CBOR encoding is stable across implementations.
type payload struct {
	AuthorityID string `cbor:"1,keyasint"`
	Nonce       []byte `cbor:"2,keyasint"`
	Timestamp   int64  `cbor:"3,keyasint"`
}

var payloadMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// Payload returns the canonical bytes an authority signs.
func Payload(authorityID string, nonce []byte, timestamp int64) ([]byte, error) {
	return payloadMode.Marshal(payload{AuthorityID: authorityID, Nonce: nonce, Timestamp: timestamp})
}

type Config struct {
	ChallengeTTL time.Duration
	ReplayWindow time.Duration
	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

type Authenticator struct {
	store  *ChallengeStore
	keys   KeySource
	crypto *encryption.CryptoService
	ttl    time.Duration
	window time.Duration
	now    func() time.Time
	logger zerolog.Logger
}

func NewAuthenticator(store *ChallengeStore, keys KeySource, config Config, logger zerolog.Logger) *Authenticator {
	if config.ChallengeTTL <= 0 {
		config.ChallengeTTL = DefaultChallengeTTL
	}
	if config.ReplayWindow <= 0 {
		config.ReplayWindow = DefaultReplayWindow
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Authenticator{
		store:  store,
		keys:   keys,
		crypto: encryption.NewCryptoService(),
		ttl:    config.ChallengeTTL,
		window: config.ReplayWindow,
		now:    config.Now,
		logger: logger.With().Str("component", "authenticator").Logger(),
	}
}

// GenerateChallenge issues a fresh nonce for the authority, replacing any
// outstanding one.
func (a *Authenticator) GenerateChallenge(authorityID string) ([]byte, time.Time, error) {
	if authorityID == "" {
		return nil, time.Time{}, fmt.Errorf("%w: empty authority id", ErrAuthenticationFailed)
	}

	nonce, err := a.crypto.GenerateNonce()
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to generate nonce: %w", err)
	}
	expiresAt := a.now().Add(a.ttl)
	a.store.Put(authorityID, Challenge{Nonce: nonce, ExpiresAt: expiresAt})

	a.logger.Debug().Str("authority_id", authorityID).Time("expires_at", expiresAt).Msg("challenge issued")

	out := make([]byte, len(nonce))
	copy(out, nonce)
	return out, expiresAt, nil
}

// ValidateResponse checks resp against the stored challenge and consumes the
// challenge on success. keyFingerprint must name the authority's registered key.
func (a *Authenticator) ValidateResponse(authorityID string, nonce []byte, resp Response, keyFingerprint string) error {
	now := a.now()
	defer a.CleanupExpired()

	err := a.store.inspect(authorityID, func(c Challenge, ok bool) (bool, error) {
		if !ok {
			return false, ErrChallengeMismatch
		}
		if now.After(c.ExpiresAt) {
			return true, ErrChallengeExpired
		}
		if subtle.ConstantTimeCompare(c.Nonce, nonce) != 1 {
			return false, ErrChallengeMismatch
		}
		if err := a.verify(authorityID, nonce, resp, keyFingerprint, now); err != nil {
			return false, err
		}
		return true, nil
	})

	if err != nil {
		a.logger.Warn().Str("authority_id", authorityID).Err(err).Msg("challenge response rejected")
		return err
	}
	a.logger.Info().Str("authority_id", authorityID).Msg("authority authenticated")
	return nil
}

func (a *Authenticator) verify(authorityID string, nonce []byte, resp Response, keyFingerprint string, now time.Time) error {
	if len(resp.Signature) == 0 {
		return fmt.Errorf("%w: missing signature", ErrAuthenticationFailed)
	}
	signedAt := time.Unix(resp.Timestamp, 0)
	if skew := now.Sub(signedAt); skew > a.window || skew < -a.window {
		return fmt.Errorf("%w: timestamp outside replay window", ErrAuthenticationFailed)
	}

	pub, err := a.keys.PublicKey(authorityID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	if !strings.EqualFold(a.crypto.Fingerprint(pub), keyFingerprint) {
		return fmt.Errorf("%w: key fingerprint mismatch", ErrAuthenticationFailed)
	}

	msg, err := Payload(authorityID, nonce, resp.Timestamp)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	if !a.crypto.VerifySignature(msg, resp.Signature, pub) {
		return fmt.Errorf("%w: bad signature", ErrAuthenticationFailed)
	}
	return nil
}

// CleanupExpired removes every expired challenge and returns how many went.
func (a *Authenticator) CleanupExpired() int {
	removed := a.store.Sweep(a.now())
	if removed > 0 {
		a.logger.Debug().Int("removed", removed).Msg("expired challenges swept")
	}
	return removed
}

// SignResponse produces the response an authority holding key sends for nonce.
func SignResponse(key *ecdsa.PrivateKey, authorityID string, nonce []byte, at time.Time) (Response, error) {
	msg, err := Payload(authorityID, nonce, at.Unix())
	if err != nil {
		return Response{}, err
	}
	sig, err := encryption.NewCryptoService().Sign(msg, key)
	if err != nil {
		return Response{}, err
	}
	return Response{Signature: sig, Timestamp: at.Unix()}, nil
}
