package provider

import (
	"context"
	"sync"
)

// Static always returns the same result. The zero value returns an empty
// result at confidence 0.
type Static struct {
	Result Result
	// Err, when set, is returned instead of the result.
	Err error
}

// Invoke implements Provider.
func (s *Static) Invoke(ctx context.Context, in Input) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Err != nil {
		return nil, s.Err
	}
	r := s.Result
	return &r, nil
}

// Recorder wraps another provider and records every input it sees. It is
// safe for concurrent use.
type Recorder struct {
	Next Provider

	mu     sync.Mutex
	inputs []Input
}

// Invoke implements Provider.
func (r *Recorder) Invoke(ctx context.Context, in Input) (*Result, error) {
	r.mu.Lock()
	r.inputs = append(r.inputs, in)
	r.mu.Unlock()
	return r.Next.Invoke(ctx, in)
}

// Inputs returns a copy of every recorded input.
func (r *Recorder) Inputs() []Input {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Input, len(r.inputs))
	copy(out, r.inputs)
	return out
}

// Calls returns how many invocations the recorder has seen.
func (r *Recorder) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inputs)
}

// Sequence returns each configured result in order, repeating the last one
// once the sequence is exhausted. Useful for scripted multi-step tests.
type Sequence struct {
	Results []Result

	mu sync.Mutex
	i  int
}

// Invoke implements Provider.
func (s *Sequence) Invoke(ctx context.Context, in Input) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Results) == 0 {
		return &Result{}, nil
	}
	idx := s.i
	if idx >= len(s.Results) {
		idx = len(s.Results) - 1
	}
	s.i++
	r := s.Results[idx]
	return &r, nil
}
