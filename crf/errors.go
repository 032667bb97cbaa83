package crf

import (
	"errors"
	"fmt"
)

// Sentinel errors. Typed errors below unwrap to these, so callers can use errors.Is.
var (
	// ErrConfig indicates invalid trainer configuration or training input.
	ErrConfig = errors.New("crf: invalid configuration")
	// ErrModelFormat indicates a corrupt or incompatible persisted model.
	ErrModelFormat = errors.New("crf: invalid model format")
	// ErrNotComputed indicates a marginal query before forward-backward ran
	// on the current sequence.
	ErrNotComputed = errors.New("crf: marginals not computed")
	// ErrOutOfRange indicates a position outside the current sequence.
	ErrOutOfRange = errors.New("crf: position out of range")
)

// ConfigError describes a rejected hyperparameter or training input.
type ConfigError struct {
	Field   string // option name, e.g. "Coefficient"
	Message string
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("crf: invalid %s: %s", e.Field, e.Message)
	}
	return "crf: invalid configuration: " + e.Message
}

func (e *ConfigError) Unwrap() error { return ErrConfig }

func configErrorf(field, format string, args ...any) error {
	return &ConfigError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ModelFormatError describes why a persisted model could not be decoded.
type ModelFormatError struct {
	Reason string
	Err    error // underlying I/O or decompression error, if any
}

func (e *ModelFormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("crf: invalid model format: %s: %v", e.Reason, e.Err)
	}
	return "crf: invalid model format: " + e.Reason
}

func (e *ModelFormatError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrModelFormat, e.Err}
	}
	return []error{ErrModelFormat}
}

func formatErrorf(format string, args ...any) error {
	return &ModelFormatError{Reason: fmt.Sprintf(format, args...)}
}
