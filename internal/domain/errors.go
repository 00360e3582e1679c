package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrUnroutableModel signals that no provider could be resolved for a model id.
	ErrUnroutableModel = errors.New("unroutable model")
	// ErrUnknownProvider signals an embedding provider configured for neither backend.
	ErrUnknownProvider = errors.New("unknown embedding provider")
	// ErrProvider signals a provider transport failure (network, quota, auth,
	// malformed provider response). Timeouts map here too.
	ErrProvider = errors.New("provider error")
	// ErrEmptyResponse signals an empty or all-whitespace model response.
	ErrEmptyResponse = errors.New("empty response from model")
	// ErrUnparseable signals model output no recovery step could parse as JSON.
	ErrUnparseable = errors.New("unparseable model response")
)

// unparseableSnippetLimit bounds the diagnostic prefix carried by UnparseableError.
const unparseableSnippetLimit = 200

// UnparseableError wraps ErrUnparseable with a bounded prefix of the
// offending text for diagnostics.
type UnparseableError struct {
	Snippet string
}

func (e *UnparseableError) Error() string {
	return fmt.Sprintf("%s: %s", ErrUnparseable.Error(), e.Snippet)
}

func (e *UnparseableError) Unwrap() error { return ErrUnparseable }

// NewUnparseable creates an unparseable-response error carrying at most the
// first 200 characters of raw.
func NewUnparseable(raw string) error {
	if len(raw) > unparseableSnippetLimit {
		raw = raw[:unparseableSnippetLimit]
	}
	return &UnparseableError{Snippet: raw}
}
