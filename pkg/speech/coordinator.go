package speech

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MrWong99/cadenza/pkg/audio"
	"github.com/MrWong99/cadenza/pkg/provider/tts"
)

// State is the coordinator's current phase, observable for health endpoints
// and tests.
type State int32

const (
	// StateIdle means no request is in flight.
	StateIdle State = iota

	// StateDispatching means a clause is being synthesized and its samples
	// appended to the buffer.
	StateDispatching

	// StateDraining means synthesis finished and the coordinator is waiting
	// for the clause to audibly start before pulling the next request.
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDispatching:
		return "dispatching"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// CoordinatorConfig tunes the coordinator's flow-control waits.
type CoordinatorConfig struct {
	// LowWaterMark is the backlog, in samples, below which the next clause
	// may start synthesis. The default of 4000 is 250ms at 16kHz.
	LowWaterMark int

	// PollInterval is the cadence of the queue poll and of both wait loops.
	PollInterval time.Duration

	// SettleFraction is the share of a clause's appended samples that must
	// have been consumed before the coordinator returns to idle. Negative
	// disables the settle wait entirely.
	SettleFraction float64
}

// DefaultCoordinatorConfig returns the tuning used when fields are zero.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		LowWaterMark:   4000,
		PollInterval:   10 * time.Millisecond,
		SettleFraction: 0.5,
	}
}

// Coordinator feeds queued clauses through a synthesizer into the sample
// buffer, one request at a time. Keeping at most one clause in flight and
// starting it only when the backlog is nearly drained bounds how much
// unplayed audio a cancellation discards.
type Coordinator struct {
	queue  *Queue
	buffer *audio.SampleBuffer
	synth  tts.Synthesizer
	cfg    CoordinatorConfig

	state atomic.Int32
}

// NewCoordinator creates a coordinator reading from queue and writing to
// buffer. Zero-value config fields fall back to [DefaultCoordinatorConfig]
// values.
func NewCoordinator(queue *Queue, buffer *audio.SampleBuffer, synth tts.Synthesizer, cfg CoordinatorConfig) *Coordinator {
	def := DefaultCoordinatorConfig()
	if cfg.LowWaterMark <= 0 {
		cfg.LowWaterMark = def.LowWaterMark
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.SettleFraction == 0 {
		cfg.SettleFraction = def.SettleFraction
	}
	if cfg.SettleFraction < 0 {
		cfg.SettleFraction = 0
	}
	if cfg.SettleFraction > 1 {
		cfg.SettleFraction = 1
	}
	return &Coordinator{queue: queue, buffer: buffer, synth: synth, cfg: cfg}
}

// State reports the coordinator's current phase.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// Run drives the dispatch loop until ctx is cancelled. It is the queue's
// single consumer and must not be started twice.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		req, ok := c.nextLive()
		if !ok {
			continue
		}
		c.dispatch(ctx, req)
		c.state.Store(int32(StateIdle))
	}
}

// nextLive dequeues until it finds a request whose turn scope is still
// valid. Requests of a cancelled turn are dropped without their notifier;
// enqueues are chronological, so the drops can only ever hit the stale
// prefix of the queue.
func (c *Coordinator) nextLive() (Request, bool) {
	for {
		req, ok := c.queue.TryDequeue()
		if !ok {
			return Request{}, false
		}
		if req.Context().Err() != nil {
			slog.Debug("dropping synthesis request from cancelled turn", "text_len", len(req.Text))
			continue
		}
		return req, true
	}
}

// dispatch runs one request through synthesis and the two flow-control
// waits. runCtx stops the coordinator itself; the request's own context
// cancels just the turn.
func (c *Coordinator) dispatch(runCtx context.Context, req Request) {
	turn := req.Context()

	c.state.Store(int32(StateDispatching))
	if !c.waitBacklogBelow(runCtx, turn) {
		c.clearIfCancelled(turn)
		return
	}

	start := time.Now()
	appended := 0
	err := c.synth.Synthesize(turn, req.Text, func(pcm []byte) error {
		if err := turn.Err(); err != nil {
			return err
		}
		appended += c.buffer.PushChunk(pcm)
		return nil
	})
	switch {
	case turn.Err() != nil:
		c.clearIfCancelled(turn)
		return
	case err != nil:
		// Completed-with-no-audio keeps the turn flowing past one bad clause.
		slog.Error("synthesis failed",
			"error", err,
			"text_len", len(req.Text),
			"elapsed", time.Since(start))
		if req.Done != nil {
			req.Done()
		}
		return
	}
	slog.Debug("clause synthesized",
		"samples", appended,
		"backlog", c.buffer.Backlog(),
		"elapsed", time.Since(start))

	c.state.Store(int32(StateDraining))
	if !c.waitSettled(runCtx, turn, appended) {
		c.clearIfCancelled(turn)
		return
	}
	if req.Done != nil {
		req.Done()
	}
}

// clearIfCancelled drops buffered audio after a mid-request turn
// cancellation. The session clears the buffer when it revokes the scope, but
// chunks pushed by the in-flight call after that clear must go too.
func (c *Coordinator) clearIfCancelled(turn context.Context) {
	if turn.Err() == nil {
		return
	}
	c.buffer.Clear()
	slog.Debug("turn cancelled mid-request, buffer cleared")
}

// waitBacklogBelow polls until the backlog drops under the low-water mark,
// returning false if either context is cancelled first.
func (c *Coordinator) waitBacklogBelow(runCtx, turn context.Context) bool {
	if c.buffer.Backlog() < c.cfg.LowWaterMark {
		return true
	}
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-runCtx.Done():
			return false
		case <-turn.Done():
			return false
		case <-ticker.C:
			if c.buffer.Backlog() < c.cfg.LowWaterMark {
				return true
			}
		}
	}
}

// waitSettled polls until enough of the clause's samples have been consumed
// that playback is audibly underway, returning false if either context is
// cancelled first. The backlog ceiling appended-target is reachable only
// after all pre-existing samples plus target samples of this clause have
// been pulled, so a large prior backlog can delay but never skip the wait.
func (c *Coordinator) waitSettled(runCtx, turn context.Context, appended int) bool {
	target := int(c.cfg.SettleFraction * float64(appended))
	if target <= 0 {
		return true
	}
	ceiling := appended - target
	if c.buffer.Backlog() <= ceiling {
		return true
	}
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-runCtx.Done():
			return false
		case <-turn.Done():
			return false
		case <-ticker.C:
			if c.buffer.Backlog() <= ceiling {
				return true
			}
		}
	}
}
