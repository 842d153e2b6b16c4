package config

import "errors"

var (
	ErrInvalidSampleRate       = errors.New("audio sample rate must be positive (set AUDIO_SAMPLE_RATE env var or --sample-rate flag)")
	ErrInvalidBlockSize        = errors.New("audio block size must be positive (set AUDIO_BLOCK_SIZE env var or --block-size flag)")
	ErrInvalidChannels         = errors.New("audio channel counts must be positive")
	ErrInvalidThreadCount      = errors.New("thread counts must not be negative")
	ErrUnknownBackend          = errors.New("unknown audio backend")
	ErrUnknownTimeMaster       = errors.New("unknown sequencer time master")
	ErrUnknownAttenuationLaw   = errors.New("unknown attenuation law")
	ErrInvalidAttenuationRange = errors.New("attenuation far distance must exceed near distance")
)
