package sequencer

import "errors"

var (
	ErrSequenceNotFound = errors.New("sequence not found")
	ErrNoDirectory      = errors.New("sequence directory not set")
)
