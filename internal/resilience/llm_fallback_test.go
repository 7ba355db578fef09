package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/cadenza/pkg/provider/llm"
	llmmock "github.com/MrWong99/cadenza/pkg/provider/llm/mock"
)

// newLLMChain builds a two-entry chain with a tight failure budget so breaker
// transitions can be forced with a handful of calls. A nil secondary leaves
// the chain with the primary only.
func newLLMChain(primary, secondary llm.Provider, maxFailures int) *LLMFallback {
	fb := NewLLMFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: maxFailures},
	})
	if secondary != nil {
		fb.AddFallback("secondary", secondary)
	}
	return fb
}

func TestLLMFallback_Complete_PrimarySuccess(t *testing.T) {
	primary := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "from primary"},
	}
	secondary := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "from secondary"},
	}
	fb := newLLMChain(primary, secondary, 3)

	resp, err := fb.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "from primary" {
		t.Errorf("content = %q, want %q", resp.Content, "from primary")
	}
	if got := len(primary.CompleteCalls); got != 1 {
		t.Errorf("primary called %d times, want 1", got)
	}
	if got := len(secondary.CompleteCalls); got != 0 {
		t.Errorf("secondary called %d times, want 0", got)
	}
}

func TestLLMFallback_Complete_Failover(t *testing.T) {
	primary := &llmmock.Provider{CompleteErr: errors.New("primary down")}
	secondary := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "from secondary"},
	}
	fb := newLLMChain(primary, secondary, 3)

	resp, err := fb.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "from secondary" {
		t.Errorf("content = %q, want %q", resp.Content, "from secondary")
	}
	if got, want := len(primary.CompleteCalls), 1; got != want {
		t.Errorf("primary called %d times, want %d", got, want)
	}
	if got, want := len(secondary.CompleteCalls), 1; got != want {
		t.Errorf("secondary called %d times, want %d", got, want)
	}
}

func TestLLMFallback_Complete_AllFail(t *testing.T) {
	primary := &llmmock.Provider{CompleteErr: errors.New("primary down")}
	secondary := &llmmock.Provider{CompleteErr: errors.New("secondary down")}
	fb := newLLMChain(primary, secondary, 3)

	_, err := fb.Complete(context.Background(), llm.CompletionRequest{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if len(primary.CompleteCalls) != 1 || len(secondary.CompleteCalls) != 1 {
		t.Errorf("calls = %d/%d, want each entry tried exactly once",
			len(primary.CompleteCalls), len(secondary.CompleteCalls))
	}
}

func TestLLMFallback_Complete_CancelledNoFailover(t *testing.T) {
	primary := &llmmock.Provider{CompleteErr: context.Canceled}
	secondary := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "from secondary"},
	}
	fb := newLLMChain(primary, secondary, 3)

	// A revoked request is not a provider failure; the fallback must stay
	// untouched.
	_, err := fb.Complete(context.Background(), llm.CompletionRequest{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if got := len(secondary.CompleteCalls); got != 0 {
		t.Errorf("secondary called %d times, want 0", got)
	}
}

func TestLLMFallback_Complete_OpenBreakerSkipsPrimary(t *testing.T) {
	primary := &llmmock.Provider{CompleteErr: errors.New("primary down")}
	secondary := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "from secondary"},
	}
	fb := newLLMChain(primary, secondary, 2)

	for i := 0; i < 3; i++ {
		resp, err := fb.Complete(context.Background(), llm.CompletionRequest{})
		if err != nil {
			t.Fatalf("call %d: %v", i+1, err)
		}
		if resp.Content != "from secondary" {
			t.Fatalf("call %d: content = %q, want %q", i+1, resp.Content, "from secondary")
		}
	}

	// Two failures tripped the breaker; the third call must not touch the
	// primary again.
	if got := len(primary.CompleteCalls); got != 2 {
		t.Errorf("primary called %d times, want 2", got)
	}
	if got := len(secondary.CompleteCalls); got != 3 {
		t.Errorf("secondary called %d times, want 3", got)
	}
}

func TestLLMFallback_StreamCompletion_Failover(t *testing.T) {
	primary := &llmmock.Provider{StreamErr: errors.New("stream failed")}
	secondary := &llmmock.Provider{
		StreamChunks: []llm.Chunk{
			{Text: "chunk1"},
			{Text: "chunk2", FinishReason: "stop"},
		},
	}
	fb := newLLMChain(primary, secondary, 3)

	ch, err := fb.StreamCompletion(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}

	var texts []string
	for c := range ch {
		texts = append(texts, c.Text)
	}
	if len(texts) != 2 || texts[0] != "chunk1" || texts[1] != "chunk2" {
		t.Errorf("streamed %v, want [chunk1 chunk2]", texts)
	}
	if got := len(primary.StreamRequests()); got != 1 {
		t.Errorf("primary stream attempts = %d, want 1", got)
	}
}

func TestLLMFallback_CountTokens(t *testing.T) {
	primary := &llmmock.Provider{CountTokensErr: errors.New("count failed")}
	secondary := &llmmock.Provider{TokenCount: 42}
	fb := newLLMChain(primary, secondary, 3)

	count, err := fb.CountTokens([]llm.Message{{Role: "user", Content: "test"}})
	if err != nil {
		t.Fatalf("CountTokens: %v", err)
	}
	if count != 42 {
		t.Errorf("count = %d, want 42", count)
	}
}

func TestLLMFallback_Capabilities(t *testing.T) {
	primary := &llmmock.Provider{
		ModelCapabilities: llm.ModelCapabilities{
			ContextWindow:     128000,
			SupportsStreaming: true,
		},
	}
	fb := newLLMChain(primary, nil, 3)

	caps := fb.Capabilities()
	if caps.ContextWindow != 128000 {
		t.Errorf("ContextWindow = %d, want 128000", caps.ContextWindow)
	}
	if !caps.SupportsStreaming {
		t.Error("SupportsStreaming should be true")
	}
}
