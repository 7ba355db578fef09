// Package mock provides an in-memory [audio.Sink] implementation for use in
// unit tests.
//
// The mock never pulls on its own; tests drive consumption explicitly via
// [Sink.Drain] so that playback progress is deterministic.
//
// Typical usage:
//
//	sink := &mock.Sink{}
//	if err := sink.Start(buffer.Pull); err != nil { ... }
//	sink.Drain(320) // simulate one 20 ms render frame
package mock

import (
	"sync"

	"github.com/MrWong99/cadenza/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Sink = (*Sink)(nil)

// Sink is a mock implementation of [audio.Sink].
// Set the exported error fields before use; inspect the Call* fields after.
type Sink struct {
	mu sync.Mutex

	// StartError is returned by [Sink.Start].
	StartError error

	// StopError is returned by [Sink.Stop].
	StopError error

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	// Pulled accumulates every real sample drained via [Sink.Drain].
	Pulled []float32

	pull audio.PullFunc
}

// Start implements [audio.Sink]. Records the call and retains pull for
// [Sink.Drain].
func (s *Sink) Start(pull audio.PullFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStart++
	if s.StartError != nil {
		return s.StartError
	}
	s.pull = pull
	return nil
}

// Stop implements [audio.Sink]. Records the call and drops the pull source.
func (s *Sink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStop++
	s.pull = nil
	return s.StopError
}

// Drain pulls n samples through the registered pull func, appends the real
// ones to Pulled, and returns how many were real. It returns 0 if Start has
// not been called.
func (s *Sink) Drain(n int) int {
	s.mu.Lock()
	pull := s.pull
	s.mu.Unlock()
	if pull == nil {
		return 0
	}
	dst := make([]float32, n)
	got := pull(dst)
	s.mu.Lock()
	s.Pulled = append(s.Pulled, dst[:got]...)
	s.mu.Unlock()
	return got
}

// Started reports whether the sink currently holds a pull source.
func (s *Sink) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pull != nil
}
