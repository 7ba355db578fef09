package audio

import (
	"errors"
	"sync"
	"time"
)

// PullFunc fills dst with the next samples to play and returns how many of
// them are real; the producer zero-fills the remainder of dst.
// Implementations must be safe to call from a real-time render context.
type PullFunc func(dst []float32) int

// Sink renders a stream of normalized float32 samples on some output: a
// local playback device, a Discord voice channel, or nothing at all.
//
// Start begins pulling from pull at the sink's own cadence and returns once
// rendering is underway. Stop halts rendering and releases the output; it is
// safe to call more than once.
//
// Implementations must be safe for concurrent use.
type Sink interface {
	Start(pull PullFunc) error
	Stop() error
}

// Compile-time interface assertion.
var _ Sink = (*NullSink)(nil)

// NullSink drains samples in real time without playing them. It keeps flow
// control moving when no audio output is configured.
type NullSink struct {
	// Format sets the drain rate. The zero value means [DefaultFormat].
	Format Format

	// Interval is the pull cadence. The zero value means 20ms.
	Interval time.Duration

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// Start begins draining pull on a background goroutine.
func (s *NullSink) Start(pull PullFunc) error {
	if pull == nil {
		return errors.New("audio: nil pull func")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return errors.New("audio: sink already started")
	}

	format := s.Format
	if format.SampleRate <= 0 {
		format = DefaultFormat()
	}
	interval := s.Interval
	if interval <= 0 {
		interval = 20 * time.Millisecond
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	s.stop, s.done = stop, done
	go drainLoop(pull, format.SamplesFor(interval), interval, stop, done)
	return nil
}

// Stop halts the drain goroutine and waits for it to exit.
func (s *NullSink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop == nil {
		return nil
	}
	close(s.stop)
	<-s.done
	s.stop, s.done = nil, nil
	return nil
}

func drainLoop(pull PullFunc, frameSamples int, interval time.Duration, stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	buf := make([]float32, frameSamples)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			pull(buf)
		}
	}
}
