package speech

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/cadenza/pkg/audio"
	"github.com/MrWong99/cadenza/pkg/dialogue"
	"github.com/MrWong99/cadenza/pkg/segment"
)

// SessionConfig tunes per-turn behavior.
type SessionConfig struct {
	// DisplayInterval rate-limits OnDisplay deliveries. Turn completion
	// always delivers regardless of the interval.
	DisplayInterval time.Duration
}

// DefaultSessionConfig returns the tuning used when fields are zero.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{DisplayInterval: 50 * time.Millisecond}
}

// Session drives one conversational turn at a time from raw model output to
// queued synthesis requests. StartTurn, SubmitDelta and CompleteTurn must be
// called from a single goroutine; CancelTurn and the callback registrations
// are safe from any goroutine.
type Session struct {
	queue  *Queue
	buffer *audio.SampleBuffer
	seg    *segment.Segmenter
	cfg    SessionConfig

	mu        sync.Mutex
	turnCtx   context.Context
	cancel    context.CancelFunc
	displayCb func(string)
	moodCb    func(string)

	// Turn accumulation state, touched only by the delta goroutine.
	raw          strings.Builder
	ex           *dialogue.Extractor
	pending      string
	final        bool
	moodFired    bool
	feedErrShown bool
	lastDisplay  time.Time
}

// NewSession creates a session dispatching to queue and silencing buffer on
// cancellation. A nil seg gets the default segmenter; zero-value config
// fields fall back to [DefaultSessionConfig] values.
func NewSession(queue *Queue, buffer *audio.SampleBuffer, seg *segment.Segmenter, cfg SessionConfig) *Session {
	if seg == nil {
		seg = segment.New(segment.DefaultConfig())
	}
	if cfg.DisplayInterval <= 0 {
		cfg.DisplayInterval = DefaultSessionConfig().DisplayInterval
	}
	return &Session{queue: queue, buffer: buffer, seg: seg, cfg: cfg}
}

// OnDisplay registers cb to receive the turn's best-known dialogue text as
// it grows. Deliveries happen on the delta goroutine; cb must return
// quickly.
func (s *Session) OnDisplay(cb func(text string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.displayCb = cb
}

// OnMood registers cb to receive the envelope's mood value once per turn,
// as soon as it has streamed completely.
func (s *Session) OnMood(cb func(mood string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.moodCb = cb
}

// StartTurn begins a new turn under ctx, preempting any turn still in
// flight: the previous scope is revoked, its queued requests dropped and
// buffered audio cut, so the new turn starts from silence.
func (s *Session) StartTurn(ctx context.Context) {
	if s.revoke() {
		slog.Debug("previous turn preempted")
	}

	s.mu.Lock()
	s.turnCtx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.raw.Reset()
	s.ex = new(dialogue.Extractor)
	s.pending = ""
	s.final = false
	s.moodFired = false
	s.feedErrShown = false
	s.lastDisplay = time.Time{}
}

// SubmitDelta feeds one streamed chunk of raw model output into the turn:
// the chunk is accumulated, newly revealed dialogue text is appended to the
// pending span, and every complete clause in the span is dispatched. No-op
// once the turn is final or cancelled.
func (s *Session) SubmitDelta(text string) {
	if s.ex == nil || s.final || text == "" {
		return
	}
	turn := s.turn()
	if turn == nil || turn.Err() != nil {
		return
	}

	s.raw.WriteString(text)
	newText, err := s.ex.Feed(text)
	if err != nil && !s.feedErrShown {
		// The extractor latches; completion still tries a strict parse.
		s.feedErrShown = true
		slog.Warn("incremental dialogue extraction failed", "error", err)
	}
	if newText != "" {
		s.pending += newText
	}

	s.dispatchReady(turn)
	s.deliverDisplay(s.ex.Text(), false)
	s.fireMood("")
}

// CompleteTurn marks the turn final. The accumulated raw output is
// reconciled against a strict envelope parse so dialogue the incremental
// scan could not reach (a truncated escape, a latched decode error) is
// recovered, remaining pending text is flushed as the last clause, and the
// final text is delivered to the display callback unconditionally.
func (s *Session) CompleteTurn() {
	if s.ex == nil || s.final {
		return
	}
	s.final = true
	turn := s.turn()
	if turn == nil || turn.Err() != nil {
		return
	}

	finalText := s.ex.Text()
	env, err := dialogue.ParseEnvelope([]byte(s.raw.String()))
	switch {
	case err == nil:
		if rest, ok := strings.CutPrefix(env.Dialogue, finalText); ok && rest != "" {
			s.pending += rest
		}
		finalText = env.Dialogue
		s.fireMood(env.Mood)
	case errors.Is(err, dialogue.ErrNoDialogue):
		slog.Debug("turn ended with no dialogue")
	default:
		slog.Warn("final envelope parse failed, keeping incremental text", "error", err)
	}

	s.dispatchReady(turn)
	if tail := strings.TrimSpace(s.pending); tail != "" {
		s.queue.Enqueue(turn, tail, nil)
		slog.Debug("final clause flushed", "clause_len", len(tail))
	}
	s.pending = ""

	s.deliverDisplay(finalText, true)
	s.fireMood("")
	slog.Debug("turn completed", "dialogue_len", len(finalText), "queued", s.queue.Len())
}

// CancelTurn revokes the turn scope and silences playback immediately. Safe
// to call from any goroutine, repeatedly, and after completion.
func (s *Session) CancelTurn() {
	if s.revoke() {
		slog.Debug("turn cancelled")
	}
}

// revoke cancels the active scope, if any, and eagerly drops everything the
// turn had committed: queued requests (unplayed, no notifiers) and buffered
// samples. The coordinator re-clears the buffer if a request was mid-flight.
func (s *Session) revoke() bool {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	s.queue.Clear()
	s.buffer.Clear()
	return true
}

// turn returns the active scope.
func (s *Session) turn() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turnCtx
}

// dispatchReady cuts every complete clause out of the pending span and
// enqueues it.
func (s *Session) dispatchReady(turn context.Context) {
	for {
		clause, rest, ok := s.seg.Split(s.pending)
		if !ok {
			return
		}
		s.pending = rest
		if clause == "" {
			continue
		}
		s.queue.Enqueue(turn, clause, nil)
		slog.Debug("clause dispatched", "clause_len", len(clause), "queued", s.queue.Len())
	}
}

// deliverDisplay invokes the display callback with text, applying the rate
// limit unless this is the unconditional final delivery.
func (s *Session) deliverDisplay(text string, final bool) {
	if text == "" {
		return
	}
	s.mu.Lock()
	cb := s.displayCb
	s.mu.Unlock()
	if cb == nil {
		return
	}
	if !final && time.Since(s.lastDisplay) < s.cfg.DisplayInterval {
		return
	}
	s.lastDisplay = time.Now()
	cb(text)
}

// fireMood invokes the mood callback exactly once per turn, the first time
// a complete mood value is available. A non-empty override (the reconciled
// envelope's mood) wins over the extractor's incremental value.
func (s *Session) fireMood(override string) {
	if s.moodFired {
		return
	}
	mood := override
	if mood == "" {
		m, complete := s.ex.Mood()
		if !complete {
			return
		}
		mood = m
	}
	s.moodFired = true
	if mood == "" {
		return
	}
	s.mu.Lock()
	cb := s.moodCb
	s.mu.Unlock()
	if cb != nil {
		cb(mood)
	}
}
