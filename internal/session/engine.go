// Package session owns the lifecycle of the single local model engine and drives streamed generations
// against it.
package session

import (
	"context"
	"iter"
)

// Turn is one role-tagged message submitted to the engine as part of a completion request.
type Turn struct {
	Role    string
	Content string
}

// Params holds the decoding parameters of a completion request. They are configured once per Manager.
type Params struct {
	Temperature float64
	MaxTokens   int
}

// DefaultParams matches the decoding setup used for chat responses.
var DefaultParams = Params{
	Temperature: 0.7,
	MaxTokens:   1024,
}

// Progress is reported by a Loader while a model is being loaded. Fraction is in [0,1].
type Progress struct {
	Fraction float64
	Text     string
}

// Loader loads a model and returns a ready engine handle. Implementations must not return a handle
// that is only partially initialized.
type Loader interface {
	Load(ctx context.Context, modelID string, onProgress func(Progress)) (Engine, error)
}

// Engine is the opaque handle of a loaded model.
//
// StreamCompletion returns a finite, non-restartable sequence of text deltas. Stopping the iteration
// early must release the underlying request.
type Engine interface {
	StreamCompletion(ctx context.Context, turns []Turn, params Params) iter.Seq2[string, error]
	ResetContext(ctx context.Context) error
	Dispose(ctx context.Context) error
}
