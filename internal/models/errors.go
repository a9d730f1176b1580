package models

import "errors"

// Sentinel errors shared by the sync core.
var (
	ErrTransport        = errors.New("transport error")
	ErrAuth             = errors.New("authentication failed")
	ErrSendTimeout      = errors.New("send acknowledgment timed out")
	ErrValidation       = errors.New("validation failed")
	ErrNotFound         = errors.New("resource not found")
	ErrNotConnected     = errors.New("not connected")
	ErrRetriesExhausted = errors.New("reconnection attempts exhausted")
)
