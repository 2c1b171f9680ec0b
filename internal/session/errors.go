package session

import (
	"errors"
	"fmt"
)

var (
	// ErrNotReady is returned when a generation is requested while the session is not ready, including
	// while another generation is in flight.
	ErrNotReady = errors.New("model not ready")
	// ErrCanceled is returned when a generation is stopped through its context. The partial text is
	// returned alongside it.
	ErrCanceled = errors.New("generation canceled")
)

// InitError reports a failed model load. The session is left in the error state until Initialize is
// called again.
type InitError struct {
	ModelID string
	Err     error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("failed to load model %s: %v", e.ModelID, e.Err)
}

func (e *InitError) Unwrap() error {
	return e.Err
}

// GenerationError reports a failure while streaming a response. It does not affect the session, which
// is ready again when it is returned.
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("failed to generate response: %v", e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}
