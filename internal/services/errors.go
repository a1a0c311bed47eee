package services

import "errors"

var (
	ErrNoInstance       = errors.New("no game server instance is running")
	ErrNotConnected     = errors.New("bridge is not connected")
	ErrCallTimeout      = errors.New("bridge call timed out")
	ErrBridgeClosed     = errors.New("bridge connection closed")
	ErrInvalidRound     = errors.New("invalid round")
	ErrNoOpenRound      = errors.New("no open round")
	ErrNotFound         = errors.New("not found")
	ErrSupervisorClosed = errors.New("supervisor is shut down")
)
