package service

import "errors"

var (
	ErrInvalidRequest         = errors.New("service: invalid request")
	ErrReconstructionMismatch = errors.New("service: reconstructed value does not divide the public modulus")
	ErrTallyInconsistency     = errors.New("service: decrypted total disagrees with ballot count")
	ErrConfigRetired          = errors.New("service: config is retired")
	ErrNoActiveConfig         = errors.New("service: election has no active config")
	ErrReconstructionBusy     = errors.New("service: reconstruction already in progress for config")
	ErrUnknownAuthority       = errors.New("service: authority holds no share of this config")
	ErrTallyFinalized         = errors.New("service: election tally is already decrypted")
)
