// Package mock provides an in-memory [tts.Synthesizer] implementation for
// use in unit tests.
//
// By default every call succeeds and emits one PCM chunk whose size is
// proportional to the clause length. Individual clauses can be scripted to
// fail or to hang until cancellation via the FailOn and BlockOn fields.
package mock

import (
	"context"
	"sync"
	"unicode/utf8"

	"github.com/MrWong99/cadenza/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ tts.Synthesizer = (*Synthesizer)(nil)

// SynthesizeCall records the arguments of a single Synthesize invocation.
type SynthesizeCall struct {
	// Text is the clause passed to Synthesize.
	Text string
}

// Synthesizer is a mock implementation of [tts.Synthesizer].
// Set the exported fields before use; inspect Calls after.
type Synthesizer struct {
	mu sync.Mutex

	// SamplesPerRune controls how many synthetic samples are emitted per
	// rune of input. Defaults to 32.
	SamplesPerRune int

	// SplitChunks, when true, delivers each clause's PCM as two chunks with
	// an odd-byte split, exercising resumable decoding in the consumer.
	SplitChunks bool

	// FailOn maps clause text to the error Synthesize returns for it
	// (emitting no audio).
	FailOn map[string]error

	// BlockOn holds clause texts for which Synthesize blocks until ctx is
	// cancelled and then returns ctx.Err().
	BlockOn map[string]bool

	// Calls records every Synthesize invocation in order.
	Calls []SynthesizeCall
}

// Synthesize implements [tts.Synthesizer]. Each successful call fills its
// samples with the call's 1-based sequence number so tests can assert
// ordering in the sample buffer.
func (m *Synthesizer) Synthesize(ctx context.Context, text string, onChunk func(pcm []byte) error) error {
	m.mu.Lock()
	m.Calls = append(m.Calls, SynthesizeCall{Text: text})
	seq := len(m.Calls)
	perRune := m.SamplesPerRune
	if perRune <= 0 {
		perRune = 32
	}
	split := m.SplitChunks
	failErr := m.FailOn[text]
	block := m.BlockOn[text]
	m.mu.Unlock()

	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if failErr != nil {
		return failErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	n := utf8.RuneCountInString(text) * perRune
	pcm := make([]byte, n*2)
	for i := 0; i < n; i++ {
		pcm[i*2] = byte(seq)
		pcm[i*2+1] = byte(seq >> 8)
	}

	if split && len(pcm) > 2 {
		cut := len(pcm)/2 | 1
		if err := onChunk(pcm[:cut]); err != nil {
			return err
		}
		return onChunk(pcm[cut:])
	}
	return onChunk(pcm)
}

// CallTexts returns the clause text of every recorded call in order.
func (m *Synthesizer) CallTexts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	texts := make([]string, len(m.Calls))
	for i, c := range m.Calls {
		texts[i] = c.Text
	}
	return texts
}

// Reset clears the recorded calls. Thread-safe.
func (m *Synthesizer) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
}
