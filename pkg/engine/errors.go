package engine

import "errors"

var (
	ErrUnknownVoiceType = errors.New("unknown voice type")
	ErrAllocationFailed = errors.New("no voice available")
	ErrVoiceVetoed      = errors.New("voice trigger cancelled")
	ErrVoiceNotFound    = errors.New("voice not found")
	ErrNotStarted       = errors.New("engine not started")
)
