// Package provider defines the uniform contract every capability backend
// (OCR, NER, VLM, SQL execution, text/vector search, LLM) is invoked through.
// The core interprets only the Result envelope and never embeds
// provider-specific logic; real adapters live in the sub-packages and test
// doubles live here.
package provider

import (
	"context"
	"fmt"
)

// Input is the request handed to a provider. Fields are optional; each
// provider documents which ones it reads.
type Input struct {
	// Text is the primary textual input: a prompt, a query, a SQL
	// statement or extracted document text.
	Text string
	// Image carries raw image bytes for vision providers.
	Image []byte
	// Params carries provider-specific knobs (top-k, language, table hints).
	Params map[string]any
}

// Result is the uniform provider response envelope.
type Result struct {
	// Text is the primary textual output (an answer, a label, a transcript).
	Text string
	// Payload carries structured output (entities, rows, hits).
	Payload map[string]any
	// Confidence in [0,1]; providers that have no confidence notion report 1.
	Confidence float64
}

// Provider is the capability contract. Implementations must respect ctx
// cancellation and return an error rather than panic on backend failure.
type Provider interface {
	Invoke(ctx context.Context, in Input) (*Result, error)
}

// Error marks a capability provider failure. Pipeline steps record it into
// state and continue to the terminal step; it is never raised to the caller.
type Error struct {
	Provider string
	Err      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Func adapts a plain function to the Provider interface.
type Func func(ctx context.Context, in Input) (*Result, error)

// Invoke implements Provider.
func (f Func) Invoke(ctx context.Context, in Input) (*Result, error) { return f(ctx, in) }
