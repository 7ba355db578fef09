// Package speech turns decoded dialogue text into continuously playing
// audio. A Session drives one conversational turn at a time: it feeds raw
// model output through the dialogue extractor, cuts the revealed text into
// clauses with the segmenter, and enqueues each clause as a synthesis
// Request. A Coordinator consumes the queue one request at a time, streams
// the synthesizer's PCM into the shared sample buffer, and paces itself
// against playback so cancellation never has much committed audio to throw
// away.
package speech

import (
	"context"
	"sync"
)

// Request is one clause awaiting synthesis.
type Request struct {
	// Text is the clause to speak, already trimmed by the segmenter.
	Text string

	// Done, when non-nil, is invoked by the coordinator once the clause has
	// audibly started playing, or immediately when synthesis failed. It is
	// never invoked for requests discarded by cancellation.
	Done func()

	ctx context.Context
}

// Context returns the turn scope the request was enqueued under.
func (r Request) Context() context.Context {
	if r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}

// Queue is a FIFO of synthesis requests. Producers may enqueue concurrently;
// the coordinator is the single consumer.
type Queue struct {
	mu   sync.Mutex
	reqs []Request
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Enqueue appends a request. ctx is the enqueuing turn's cancellation scope;
// a request whose scope is revoked before dequeue is dropped unplayed.
func (q *Queue) Enqueue(ctx context.Context, text string, done func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reqs = append(q.reqs, Request{Text: text, Done: done, ctx: ctx})
}

// TryDequeue removes and returns the oldest pending request.
func (q *Queue) TryDequeue() (Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.reqs) == 0 {
		return Request{}, false
	}
	req := q.reqs[0]
	q.reqs[0] = Request{}
	q.reqs = q.reqs[1:]
	if len(q.reqs) == 0 {
		q.reqs = nil
	}
	return req, true
}

// Clear removes and returns all pending requests.
func (q *Queue) Clear() []Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.reqs
	q.reqs = nil
	return out
}

// Len reports the number of pending requests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.reqs)
}
