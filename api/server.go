package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog"

	"threshold-tally/auth"
	"threshold-tally/encryption"
	"threshold-tally/models"
	"threshold-tally/registry"
	"threshold-tally/service"
	"threshold-tally/sharing"
	"threshold-tally/storage"
)

// maxCiphertextBits bounds ciphertexts accepted before the key is known.
const maxCiphertextBits = 2 * 16384

// maxBodyBytes caps request bodies.
const maxBodyBytes = 4 << 20

type Server struct {
	service *service.TallyService
	queue   *service.BallotQueue
	logger  zerolog.Logger
}

type GenerateKeysRequest struct {
	ElectionID   string   `json:"election_id"`
	NAuthorities int      `json:"n_authorities"`
	Authorities  []string `json:"authorities,omitempty"`
	Threshold    int      `json:"threshold"`
	KeyBits      int      `json:"key_bits,omitempty"`
}

type PublicKeyResponse struct {
	N string `json:"n"`
	G string `json:"g"`
}

type GenerateKeysResponse struct {
	ConfigID   string            `json:"config_id"`
	ElectionID string            `json:"election_id"`
	PublicKey  PublicKeyResponse `json:"public_key"`
	Threshold  int               `json:"threshold"`
	Shares     map[string]string `json:"shares"` // authority -> "<index>:<hex>"
}

type ConfigResponse struct {
	ConfigID     string              `json:"config_id"`
	ElectionID   string              `json:"election_id"`
	KeyType      string              `json:"key_type"`
	KeyBits      int                 `json:"key_bits"`
	PublicKey    PublicKeyResponse   `json:"public_key"`
	Threshold    int                 `json:"threshold"`
	NAuthorities int                 `json:"n_authorities"`
	Status       models.ConfigStatus `json:"status"`
}

type SubmitBallotRequest struct {
	ElectionID  string `json:"election_id"`
	VoterID     string `json:"voter_id,omitempty"`
	CandidateID string `json:"candidate_id"`
	Ciphertext  string `json:"ciphertext"` // hex
}

type SubmitBallotResponse struct {
	BallotID string `json:"ballot_id,omitempty"`
	VoterID  string `json:"voter_id"`
	Error    string `json:"error,omitempty"`
}

type BatchBallotRequest struct {
	Ballots []SubmitBallotRequest `json:"ballots"`
}

type ElectionRequest struct {
	ElectionID string `json:"election_id"`
}

type TallyResponse struct {
	ElectionID string            `json:"election_id"`
	Tallies    map[string]string `json:"tallies"` // candidate -> hex ciphertext
}

type ChallengeRequest struct {
	AuthorityID string `json:"authority_id"`
}

type ChallengeResponse struct {
	AuthorityID string `json:"authority_id"`
	Nonce       string `json:"nonce"` // 0x-prefixed hex
	ExpiresIn   int64  `json:"expires_in"`
}

type ShareSubmission struct {
	AuthorityID    string `json:"authority_id"`
	Share          string `json:"share"`
	Nonce          string `json:"nonce"`
	Signature      string `json:"signature"`
	Timestamp      int64  `json:"timestamp"`
	KeyFingerprint string `json:"key_fingerprint"`
}

type SubmitShareRequest struct {
	ConfigID string `json:"config_id"`
	ShareSubmission
}

type ReconstructRequest struct {
	ConfigID string            `json:"config_id"`
	Shares   []ShareSubmission `json:"shares"`
}

type DecryptRequest struct {
	ConfigID   string            `json:"config_id"`
	ElectionID string            `json:"election_id"`
	Shares     []ShareSubmission `json:"shares"`
}

type RegisterAuthorityRequest struct {
	AuthorityID string `json:"authority_id"`
	PublicKey   string `json:"public_key"` // 0x-prefixed uncompressed secp256k1 point
}

func NewServer(svc *service.TallyService, queue *service.BallotQueue, logger zerolog.Logger) *Server {
	return &Server{
		service: svc,
		queue:   queue,
		logger:  logger.With().Str("component", "api").Logger(),
	}
}

// Routes returns the API handler.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	// Key management
	mux.HandleFunc("/api/keys", s.handleGenerateKeys)
	mux.HandleFunc("/api/config", s.handleGetConfig)

	// Ballots and tallying
	mux.HandleFunc("/api/ballots", s.handleSubmitBallot)
	mux.HandleFunc("/api/ballots/batch", s.handleSubmitBallotBatch)
	mux.HandleFunc("/api/tally", s.handleTallyElection)

	// Authorities
	mux.HandleFunc("/api/authorities", s.handleAuthorities)
	mux.HandleFunc("/api/challenge", s.handleRequestChallenge)
	mux.HandleFunc("/api/shares", s.handleSubmitShare)
	mux.HandleFunc("/api/reconstruct", s.handleReconstructKey)

	// Results
	mux.HandleFunc("/api/decrypt", s.handleDecryptTally)
	mux.HandleFunc("/api/results", s.handleGetResults)
	mux.HandleFunc("/api/metrics", s.handleGetMetrics)

	return mux
}

func (s *Server) handleGenerateKeys(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req GenerateKeysRequest
	if !s.decode(w, r, &req) {
		return
	}

	result, err := s.service.GenerateKeys(service.KeyGenRequest{
		ElectionID:   req.ElectionID,
		Authorities:  req.Authorities,
		NAuthorities: req.NAuthorities,
		Threshold:    req.Threshold,
		KeyBits:      req.KeyBits,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	shares := make(map[string]string, len(result.Shares))
	for _, sh := range result.Shares {
		shares[sh.AuthorityID] = sh.Share.String()
	}
	writeJSON(w, http.StatusCreated, GenerateKeysResponse{
		ConfigID:   result.Config.ID,
		ElectionID: result.Config.ElectionID,
		PublicKey:  publicKey(result.Config),
		Threshold:  result.Config.Threshold,
		Shares:     shares,
	})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var (
		cfg *models.CryptosystemConfig
		err error
	)
	if id := r.URL.Query().Get("id"); id != "" {
		cfg, err = s.service.GetConfig(id)
	} else if election := r.URL.Query().Get("election_id"); election != "" {
		cfg, err = s.service.ActiveConfig(election)
	} else {
		http.Error(w, "id or election_id is required", http.StatusBadRequest)
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ConfigResponse{
		ConfigID:     cfg.ID,
		ElectionID:   cfg.ElectionID,
		KeyType:      cfg.KeyType,
		KeyBits:      cfg.KeyBits,
		PublicKey:    publicKey(cfg),
		Threshold:    cfg.Threshold,
		NAuthorities: cfg.NAuthorities,
		Status:       cfg.Status,
	})
}

func (s *Server) handleSubmitBallot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req SubmitBallotRequest
	if !s.decode(w, r, &req) {
		return
	}
	ciphertext, err := models.DecodeInt(req.Ciphertext, maxCiphertextBits)
	if err != nil {
		s.writeError(w, err)
		return
	}

	ballot, err := s.service.SubmitBallot(req.ElectionID, req.VoterID, req.CandidateID, ciphertext)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, SubmitBallotResponse{BallotID: ballot.ID, VoterID: ballot.VoterID})
}

func (s *Server) handleSubmitBallotBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req BatchBallotRequest
	if !s.decode(w, r, &req) {
		return
	}

	// reject the whole batch on any undecodable ciphertext
	requests := make([]service.BallotRequest, len(req.Ballots))
	for i, b := range req.Ballots {
		ciphertext, err := models.DecodeInt(b.Ciphertext, maxCiphertextBits)
		if err != nil {
			s.writeError(w, err)
			return
		}
		requests[i] = service.BallotRequest{
			ElectionID:  b.ElectionID,
			VoterID:     b.VoterID,
			CandidateID: b.CandidateID,
			Ciphertext:  ciphertext,
		}
	}

	results := s.queue.SubmitBatch(requests)
	out := make([]SubmitBallotResponse, len(results))
	for i, res := range results {
		out[i] = SubmitBallotResponse{BallotID: res.BallotID, VoterID: res.VoterID}
		if res.Err != nil {
			out[i].Error = publicMessage(res.Err)
		}
	}
	writeJSON(w, http.StatusOK, struct {
		Results []SubmitBallotResponse `json:"results"`
	}{Results: out})
}

func (s *Server) handleTallyElection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ElectionRequest
	if !s.decode(w, r, &req) {
		return
	}

	tallies, err := s.service.TallyElection(req.ElectionID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := TallyResponse{ElectionID: req.ElectionID, Tallies: make(map[string]string, len(tallies))}
	for candidate, c := range tallies {
		resp.Tallies[candidate] = models.EncodeInt(c)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRequestChallenge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ChallengeRequest
	if !s.decode(w, r, &req) {
		return
	}

	nonce, expiresIn, err := s.service.RequestChallenge(req.AuthorityID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ChallengeResponse{
		AuthorityID: req.AuthorityID,
		Nonce:       hexutil.Encode(nonce),
		ExpiresIn:   int64(expiresIn.Seconds()),
	})
}

func (s *Server) handleSubmitShare(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req SubmitShareRequest
	if !s.decode(w, r, &req) {
		return
	}
	cfg, err := s.service.GetConfig(req.ConfigID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	share, err := parseSubmission(req.ShareSubmission, cfg)
	if err != nil {
		s.writeError(w, err)
		return
	}

	pooled, err := s.service.SubmitShare(cfg.ID, share)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"pooled": pooled, "threshold": cfg.Threshold})
}

func (s *Server) handleReconstructKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ReconstructRequest
	if !s.decode(w, r, &req) {
		return
	}
	cfg, err := s.service.GetConfig(req.ConfigID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	shares, err := parseSubmissions(req.Shares, cfg)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if err := s.service.ReconstructKey(cfg.ID, shares); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleDecryptTally(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req DecryptRequest
	if !s.decode(w, r, &req) {
		return
	}
	cfg, err := s.service.GetConfig(req.ConfigID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	shares, err := parseSubmissions(req.Shares, cfg)
	if err != nil {
		s.writeError(w, err)
		return
	}

	results, err := s.service.DecryptTally(cfg.ID, req.ElectionID, shares)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleGetResults(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	results, err := s.service.GetResults(r.URL.Query().Get("election_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleGetMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.service.GetMetrics())
}

func (s *Server) handleAuthorities(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.service.ListAuthorities())
	case http.MethodPost:
		var req RegisterAuthorityRequest
		if !s.decode(w, r, &req) {
			return
		}
		raw, err := hexutil.Decode(req.PublicKey)
		if err != nil {
			http.Error(w, "public_key must be 0x-prefixed hex", http.StatusBadRequest)
			return
		}
		details, err := s.service.RegisterAuthority(req.AuthorityID, raw)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, details)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func parseSubmissions(subs []ShareSubmission, cfg *models.CryptosystemConfig) ([]service.AuthenticatedShare, error) {
	shares := make([]service.AuthenticatedShare, len(subs))
	for i, sub := range subs {
		share, err := parseSubmission(sub, cfg)
		if err != nil {
			return nil, err
		}
		shares[i] = share
	}
	return shares, nil
}

func parseSubmission(sub ShareSubmission, cfg *models.CryptosystemConfig) (service.AuthenticatedShare, error) {
	share, err := sharing.ParseShare(sub.Share, cfg.FieldPrime)
	if err != nil {
		return service.AuthenticatedShare{}, err
	}
	nonce, err := hexutil.Decode(sub.Nonce)
	if err != nil {
		return service.AuthenticatedShare{}, errBadEncoding
	}
	signature, err := hexutil.Decode(sub.Signature)
	if err != nil {
		return service.AuthenticatedShare{}, errBadEncoding
	}
	return service.AuthenticatedShare{
		AuthorityID:    sub.AuthorityID,
		Share:          share,
		Nonce:          nonce,
		Response:       auth.Response{Signature: signature, Timestamp: sub.Timestamp},
		KeyFingerprint: sub.KeyFingerprint,
	}, nil
}

func publicKey(cfg *models.CryptosystemConfig) PublicKeyResponse {
	return PublicKeyResponse{N: models.EncodeInt(cfg.N), G: models.EncodeInt(cfg.G)}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

var errBadEncoding = errors.New("api: nonce and signature must be 0x-prefixed hex")

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, sharing.ErrMalformedShare),
		errors.Is(err, encryption.ErrMalformedCiphertext),
		errors.Is(err, models.ErrMalformedInteger),
		errors.Is(err, service.ErrInvalidRequest),
		errors.Is(err, registry.ErrInvalidPublicKey),
		errors.Is(err, errBadEncoding):
		return http.StatusBadRequest
	case service.IsAuthError(err):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrUnknownAuthority):
		return http.StatusForbidden
	case errors.Is(err, sharing.ErrInsufficientShares),
		errors.Is(err, service.ErrReconstructionMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrReconstructionBusy),
		errors.Is(err, service.ErrConfigRetired),
		errors.Is(err, service.ErrTallyFinalized),
		errors.Is(err, storage.ErrDuplicateBallot):
		return http.StatusConflict
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, service.ErrNoActiveConfig),
		errors.Is(err, registry.ErrUnknownAuthority):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage hides internal failures from clients.
func publicMessage(err error) string {
	if statusFor(err) == http.StatusInternalServerError {
		return "internal server error"
	}
	return err.Error()
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("request failed")
	} else {
		s.logger.Debug().Err(err).Int("status", status).Msg("request rejected")
	}
	http.Error(w, publicMessage(err), status)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
