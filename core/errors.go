package core

import (
	"errors"
	"fmt"
)

var (
	// ErrNoProviderCredential is wrapped by ConfigurationError when no usable
	// provider credential is present.
	ErrNoProviderCredential = errors.New("no usable provider credential")

	// ErrEngineAbsent is returned when an operation needs a ready engine but
	// none has been initialised.
	ErrEngineAbsent = errors.New("engine not initialised")
)

// Error codes carried by StreamError and error chunks.
const (
	CodeConfiguration  = "configuration"
	CodeInitialization = "initialization"
	CodeStream         = "stream"
	CodeEngine         = "engine"
	CodeDependency     = "dependency"
)

// ConfigurationError signals that no usable credential/provider was supplied.
// It is user-correctable; the engine stays absent.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Reason, e.Err)
	}
	return "configuration error: " + e.Reason
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// InitializationError signals that engine construction failed for a reason
// other than configuration (storage open, catalog load, ...).
type InitializationError struct {
	Stage string
	Err   error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("initialization failed at %s: %v", e.Stage, e.Err)
}

func (e *InitializationError) Unwrap() error { return e.Err }

// StreamError is the single normalised error value delivered to stream error
// handlers, whatever the origin of the failure.
type StreamError struct {
	StreamID string
	Code     string
	Err      error
}

func (e *StreamError) Error() string {
	if e.StreamID == "" {
		return fmt.Sprintf("stream error [%s]: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("stream %s error [%s]: %v", e.StreamID, e.Code, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// NormalizeError converts any error into a *StreamError for streamID. An
// existing StreamError is returned unchanged. Configuration and
// initialisation errors keep their code so callers can tell them apart.
func NormalizeError(streamID string, err error) *StreamError {
	if err == nil {
		return nil
	}
	var se *StreamError
	if errors.As(err, &se) {
		return se
	}
	code := CodeStream
	var cfgErr *ConfigurationError
	var initErr *InitializationError
	switch {
	case errors.As(err, &cfgErr):
		code = CodeConfiguration
	case errors.As(err, &initErr):
		code = CodeInitialization
	}
	return &StreamError{StreamID: streamID, Code: code, Err: err}
}

// ErrorFromChunk builds an error from an error chunk payload.
func ErrorFromChunk(c Chunk) error {
	if c.Error == nil {
		return fmt.Errorf("engine reported an error on stream %s", c.StreamID)
	}
	return fmt.Errorf("%s: %s", c.Error.Code, c.Error.Message)
}
