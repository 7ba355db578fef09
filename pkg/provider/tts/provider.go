// Package tts defines the Synthesizer interface for text-to-speech backends.
//
// A synthesizer wraps a speech service (e.g., ElevenLabs, the OpenAI speech
// API, or a local Coqui server) and presents a uniform clause-level
// streaming interface: one call per clause, raw PCM pushed through a chunk
// callback as it becomes available. Playback can begin while the tail of
// the clause is still rendering.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Synthesizer is the abstraction over any TTS backend.
type Synthesizer interface {
	// Synthesize renders text as speech, invoking onChunk zero or more
	// times with raw PCM bytes (little-endian signed 16-bit mono at the
	// pipeline sample rate) as they arrive, and returns once the clause is
	// fully delivered. Chunk boundaries are arbitrary; a chunk may even
	// split a sample between calls.
	//
	// A non-nil error from onChunk aborts the stream and is returned.
	// Cancellation of ctx aborts the stream with ctx.Err().
	Synthesize(ctx context.Context, text string, onChunk func(pcm []byte) error) error
}

// Voice describes one voice offered by a backend's catalogue. Providers
// with a listable catalogue expose a ListVoices method returning these;
// selection still happens at construction time via the voice ID.
type Voice struct {
	// ID is the backend's identifier for the voice, suitable for provider
	// configuration.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider names the backend the voice belongs to ("elevenlabs",
	// "coqui", "openai").
	Provider string

	// Labels carries backend-specific descriptive metadata (gender,
	// accent, category).
	Labels map[string]string
}
