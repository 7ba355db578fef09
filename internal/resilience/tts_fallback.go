package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/cadenza/pkg/provider/tts"
)

// SynthesizerChain implements [tts.Synthesizer] with automatic failover across
// multiple TTS backends. Each backend has its own circuit breaker; open
// circuits are skipped.
//
// Failover only happens while no audio has been delivered. Once a backend has
// pushed PCM through the chunk callback, retrying the clause on another
// backend would replay it from the start, so the chain returns the failure
// instead.
type SynthesizerChain struct {
	group *FallbackGroup[tts.Synthesizer]
}

// Compile-time interface assertion.
var _ tts.Synthesizer = (*SynthesizerChain)(nil)

// NewSynthesizerChain creates a [SynthesizerChain] with primary as the
// preferred backend.
func NewSynthesizerChain(primary tts.Synthesizer, primaryName string, cfg FallbackConfig) *SynthesizerChain {
	return &SynthesizerChain{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional synthesizer as a fallback. Fallbacks are
// tried in the order they are added, after the primary.
func (c *SynthesizerChain) AddFallback(name string, s tts.Synthesizer) {
	c.group.AddFallback(name, s)
}

// Health reports the circuit state of every backend, primary first.
func (c *SynthesizerChain) Health() []EntryHealth {
	return c.group.health()
}

// Synthesize implements [tts.Synthesizer]. It renders text through the first
// healthy backend, skipping entries whose breaker is open. A backend that
// fails before delivering any PCM is bypassed in favour of the next entry; a
// backend that fails mid-clause has its error returned directly. Returns
// [ErrAllFailed] wrapped with the last error when every backend fails cleanly.
func (c *SynthesizerChain) Synthesize(ctx context.Context, text string, onChunk func(pcm []byte) error) error {
	delivered := false
	guarded := func(pcm []byte) error {
		delivered = true
		return onChunk(pcm)
	}

	var lastErr error
	for i := range c.group.entries {
		entry := &c.group.entries[i]

		// A cancelled turn is not a backend failure; stop without trying
		// further entries.
		if err := ctx.Err(); err != nil {
			return err
		}

		err := entry.breaker.Execute(func() error {
			return entry.value.Synthesize(ctx, text, guarded)
		})
		if err == nil {
			return nil
		}
		lastErr = err

		switch {
		case errors.Is(err, ErrCircuitOpen):
			slog.Debug("skipping synthesizer (circuit open)", "synthesizer", entry.name)
		case errors.Is(err, context.Canceled):
			// Revoked mid-call; there is nothing left for another backend to
			// render.
			return err
		case delivered:
			// Audio already reached the caller; a retry would duplicate it.
			slog.Warn("synthesizer failed mid-clause, not failing over",
				"synthesizer", entry.name, "error", err)
			return err
		default:
			slog.Warn("synthesizer failed, trying next",
				"synthesizer", entry.name, "error", err)
		}
	}
	return fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}
