// Package mock provides in-memory test doubles for the history layer interfaces.
//
// Each mock records every method call for assertion in tests and exposes
// exported fields that control what the mock returns. All mocks are safe for
// concurrent use via an internal [sync.Mutex].
//
// Typical usage:
//
//	store := &mock.TurnStore{}
//	store.RecentResult = []history.Turn{{Dialogue: "hello"}}
//
//	// inject store into the system under test …
//
//	if got := store.CallCount("Recent"); got != 1 {
//	    t.Errorf("expected 1 Recent call, got %d", got)
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/cadenza/pkg/history"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// ─────────────────────────────────────────────────────────────────────────────
// TurnStore mock
// ─────────────────────────────────────────────────────────────────────────────

// TurnStore is a configurable test double for [history.TurnStore].
// All exported *Err fields default to nil (success); all exported *Result
// fields default to nil (empty slice returned).
type TurnStore struct {
	mu sync.Mutex

	// calls records every method invocation in order.
	calls []Call

	// WriteTurnErr is returned by [TurnStore.WriteTurn] when non-nil.
	WriteTurnErr error

	// RecentResult is returned by [TurnStore.Recent].
	// When nil, Recent returns an empty non-nil slice.
	RecentResult []history.Turn

	// RecentErr is returned by [TurnStore.Recent] when non-nil.
	RecentErr error

	// SearchResult is returned by [TurnStore.Search].
	// When nil, Search returns an empty non-nil slice.
	SearchResult []history.Turn

	// SearchErr is returned by [TurnStore.Search] when non-nil.
	SearchErr error
}

// Calls returns a copy of all recorded method invocations.
func (m *TurnStore) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *TurnStore) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls without altering response configuration.
func (m *TurnStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// WriteTurn implements [history.TurnStore].
func (m *TurnStore) WriteTurn(_ context.Context, turn history.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "WriteTurn", Args: []any{turn}})
	return m.WriteTurnErr
}

// Recent implements [history.TurnStore].
func (m *TurnStore) Recent(_ context.Context, conversationID string, limit int) ([]history.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Recent", Args: []any{conversationID, limit}})
	if m.RecentResult == nil {
		return []history.Turn{}, m.RecentErr
	}
	out := make([]history.Turn, len(m.RecentResult))
	copy(out, m.RecentResult)
	return out, m.RecentErr
}

// Search implements [history.TurnStore].
func (m *TurnStore) Search(_ context.Context, query string, opts history.SearchOpts) ([]history.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Search", Args: []any{query, opts}})
	if m.SearchResult == nil {
		return []history.Turn{}, m.SearchErr
	}
	out := make([]history.Turn, len(m.SearchResult))
	copy(out, m.SearchResult)
	return out, m.SearchErr
}

// Ensure TurnStore satisfies the interface at compile time.
var _ history.TurnStore = (*TurnStore)(nil)

// ─────────────────────────────────────────────────────────────────────────────
// SemanticIndex mock
// ─────────────────────────────────────────────────────────────────────────────

// SemanticIndex is a configurable test double for [history.SemanticIndex].
type SemanticIndex struct {
	mu sync.Mutex

	calls []Call

	// IndexTurnErr is returned by [SemanticIndex.IndexTurn] when non-nil.
	IndexTurnErr error

	// SearchResult is returned by [SemanticIndex.Search].
	// When nil, Search returns an empty non-nil slice.
	SearchResult []history.SearchResult

	// SearchErr is returned by [SemanticIndex.Search] when non-nil.
	SearchErr error
}

// Calls returns a copy of all recorded method invocations.
func (m *SemanticIndex) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *SemanticIndex) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls without altering response configuration.
func (m *SemanticIndex) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// IndexTurn implements [history.SemanticIndex].
func (m *SemanticIndex) IndexTurn(_ context.Context, turn history.IndexedTurn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "IndexTurn", Args: []any{turn}})
	return m.IndexTurnErr
}

// Search implements [history.SemanticIndex].
func (m *SemanticIndex) Search(_ context.Context, embedding []float32, topK int, filter history.Filter) ([]history.SearchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Search", Args: []any{embedding, topK, filter}})
	if m.SearchResult == nil {
		return []history.SearchResult{}, m.SearchErr
	}
	out := make([]history.SearchResult, len(m.SearchResult))
	copy(out, m.SearchResult)
	return out, m.SearchErr
}

// Ensure SemanticIndex satisfies the interface at compile time.
var _ history.SemanticIndex = (*SemanticIndex)(nil)
