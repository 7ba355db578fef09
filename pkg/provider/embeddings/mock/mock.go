// Package mock provides an in-memory [embeddings.Provider] implementation for
// use in unit tests.
//
// By default every call succeeds: Embed returns EmbedResult and EmbedBatch
// returns one vector per input text. Individual texts can be scripted to fail
// via FailOn.
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/cadenza/pkg/provider/embeddings"
)

// Compile-time interface assertion.
var _ embeddings.Provider = (*Provider)(nil)

// EmbedCall records the arguments of a single Embed invocation.
type EmbedCall struct {
	// Text is the string passed to Embed.
	Text string
}

// EmbedBatchCall records the arguments of a single EmbedBatch invocation.
type EmbedBatchCall struct {
	// Texts is a copy of the slice passed to EmbedBatch.
	Texts []string
}

// Provider is a mock implementation of [embeddings.Provider].
// Set the exported fields before use; inspect the call records after.
type Provider struct {
	mu sync.Mutex

	// EmbedResult is returned by Embed. If nil, a zero-length vector is
	// returned.
	EmbedResult []float32

	// EmbedErr, if non-nil, is returned as the error from Embed.
	EmbedErr error

	// FailOn maps text to the error Embed returns for it, taking precedence
	// over EmbedErr.
	FailOn map[string]error

	// EmbedBatchResult is returned by EmbedBatch. If nil, EmbedBatch returns
	// one nil vector per input text.
	EmbedBatchResult [][]float32

	// EmbedBatchErr, if non-nil, is returned as the error from EmbedBatch.
	EmbedBatchErr error

	// DimensionsValue is returned by Dimensions.
	DimensionsValue int

	// ModelIDValue is returned by ModelID.
	ModelIDValue string

	// EmbedCalls records every Embed invocation in order.
	EmbedCalls []EmbedCall

	// EmbedBatchCalls records every EmbedBatch invocation in order.
	EmbedBatchCalls []EmbedBatchCall
}

// Embed records the call and returns the scripted result.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedCalls = append(p.EmbedCalls, EmbedCall{Text: text})
	if err := p.FailOn[text]; err != nil {
		return nil, err
	}
	if p.EmbedErr != nil {
		return nil, p.EmbedErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.EmbedResult, nil
}

// EmbedBatch records the call and returns the scripted result.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedBatchCalls = append(p.EmbedBatchCalls, EmbedBatchCall{Texts: slices.Clone(texts)})
	if p.EmbedBatchErr != nil {
		return nil, p.EmbedBatchErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.EmbedBatchResult != nil {
		return p.EmbedBatchResult, nil
	}
	return make([][]float32, len(texts)), nil
}

// Dimensions implements [embeddings.Provider].
func (p *Provider) Dimensions() int {
	return p.DimensionsValue
}

// ModelID implements [embeddings.Provider].
func (p *Provider) ModelID() string {
	return p.ModelIDValue
}

// EmbedTexts returns the text of every recorded Embed call in order.
func (p *Provider) EmbedTexts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	texts := make([]string, len(p.EmbedCalls))
	for i, c := range p.EmbedCalls {
		texts[i] = c.Text
	}
	return texts
}

// Reset clears the recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedCalls = nil
	p.EmbedBatchCalls = nil
}
