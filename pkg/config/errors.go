package config

import (
	"errors"
	"fmt"
)

// Sentinel errors the loader and validator wrap. Callers branch with
// errors.Is; the wrapped text carries the specifics.
var (
	ErrConfigNotFound    = errors.New("configuration file not found")
	ErrInvalidYAML       = errors.New("invalid YAML syntax")
	ErrUnknownOption     = errors.New("unknown configuration option")
	ErrValidationFailed  = errors.New("configuration validation failed")
	ErrSecretUnavailable = errors.New("authentication secret unavailable")
)

// ValidationError names the section and field that failed validation
type ValidationError struct {
	Section string
	Field   string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Section == "" {
		return fmt.Sprintf("%s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("%s.%s: %v", e.Section, e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// NewValidationError builds a ValidationError; section is empty for
// top-level options
func NewValidationError(section, field string, err error) *ValidationError {
	return &ValidationError{Section: section, Field: field, Err: err}
}

// LoadError ties a loading failure to the file it came from
type LoadError struct {
	File string
	Err  error
}

func (e *LoadError) Error() string { return fmt.Sprintf("failed to load %s: %v", e.File, e.Err) }

func (e *LoadError) Unwrap() error { return e.Err }

// NewLoadError builds a LoadError for the given file
func NewLoadError(file string, err error) *LoadError {
	return &LoadError{File: file, Err: err}
}
