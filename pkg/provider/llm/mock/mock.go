// Package mock provides an in-memory [llm.Provider] implementation for use in
// unit tests.
//
// StreamCompletion plays back StreamChunks on a channel, so a turn runner can
// be driven through a whole scripted dialogue without a live backend. Errors
// are injected through the Err fields.
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/cadenza/pkg/provider/llm"
)

// Compile-time interface assertion.
var _ llm.Provider = (*Provider)(nil)

// StreamCall records the arguments of a single StreamCompletion invocation.
type StreamCall struct {
	// Req is the request passed to StreamCompletion.
	Req llm.CompletionRequest
}

// CompleteCall records the arguments of a single Complete invocation.
type CompleteCall struct {
	// Req is the request passed to Complete.
	Req llm.CompletionRequest
}

// CountTokensCall records the arguments of a single CountTokens invocation.
type CountTokensCall struct {
	// Messages is a copy of the slice passed to CountTokens.
	Messages []llm.Message
}

// Provider is a mock implementation of [llm.Provider].
// Set the exported fields before use; inspect the call records after.
type Provider struct {
	mu sync.Mutex

	// StreamChunks is the sequence emitted on the channel returned by
	// StreamCompletion. Every chunk is sent, then the channel is closed.
	StreamChunks []llm.Chunk

	// StreamErr, if non-nil, is returned by StreamCompletion instead of a
	// channel.
	StreamErr error

	// CompleteResponse is returned by Complete. May be nil.
	CompleteResponse *llm.CompletionResponse

	// CompleteErr, if non-nil, is returned as the error from Complete.
	CompleteErr error

	// TokenCount is returned by CountTokens.
	TokenCount int

	// CountTokensErr, if non-nil, is returned as the error from CountTokens.
	CountTokensErr error

	// ModelCapabilities is returned by Capabilities.
	ModelCapabilities llm.ModelCapabilities

	// StreamCalls records every StreamCompletion invocation in order.
	StreamCalls []StreamCall

	// CompleteCalls records every Complete invocation in order.
	CompleteCalls []CompleteCall

	// CountTokensCalls records every CountTokens invocation in order.
	CountTokensCalls []CountTokensCall
}

// StreamCompletion records the call and plays back StreamChunks. The channel
// is buffered for the whole script, so the sender goroutine never outlives an
// abandoned consumer; a context cancelled mid-playback truncates the stream.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.StreamCalls = append(p.StreamCalls, StreamCall{Req: req})
	err := p.StreamErr
	chunks := slices.Clone(p.StreamChunks)
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ch := make(chan llm.Chunk, len(chunks))
	go func() {
		defer close(ch)
		for _, c := range chunks {
			select {
			case <-ctx.Done():
				return
			case ch <- c:
			}
		}
	}()
	return ch, nil
}

// Complete records the call and returns the scripted result.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Req: req})
	if p.CompleteErr != nil {
		return nil, p.CompleteErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.CompleteResponse, nil
}

// CountTokens records the call and returns the scripted result.
func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CountTokensCalls = append(p.CountTokensCalls, CountTokensCall{Messages: slices.Clone(messages)})
	return p.TokenCount, p.CountTokensErr
}

// Capabilities implements [llm.Provider].
func (p *Provider) Capabilities() llm.ModelCapabilities {
	return p.ModelCapabilities
}

// StreamRequests returns the request of every recorded StreamCompletion call
// in order.
func (p *Provider) StreamRequests() []llm.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	reqs := make([]llm.CompletionRequest, len(p.StreamCalls))
	for i, c := range p.StreamCalls {
		reqs[i] = c.Req
	}
	return reqs
}

// Reset clears the recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StreamCalls = nil
	p.CompleteCalls = nil
	p.CountTokensCalls = nil
}
