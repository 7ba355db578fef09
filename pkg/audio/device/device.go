// Package device provides an [audio.Sink] backed by the default local
// playback device via the gen2brain/malgo miniaudio bindings. The device
// data callback is the pipeline's fixed-rate render pull.
package device

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/cadenza/pkg/audio"
	"github.com/gen2brain/malgo"
)

// Compile-time interface assertion.
var _ audio.Sink = (*Sink)(nil)

// Sink implements [audio.Sink] on the default system playback device.
//
// Sink is safe for concurrent use.
type Sink struct {
	format audio.Format

	mu  sync.Mutex
	ctx *malgo.AllocatedContext
	dev *malgo.Device
}

// New creates a Sink that opens the default playback device on Start,
// configured for the given format. A zero format means
// [audio.DefaultFormat].
func New(format audio.Format) *Sink {
	if format.SampleRate <= 0 || format.Channels <= 0 {
		format = audio.DefaultFormat()
	}
	return &Sink{format: format}
}

// Start opens the playback device and begins rendering pulled samples. The
// device callback requests samples at the hardware's own cadence; pull
// zero-fills shortfalls, so underruns come out as silence.
func (s *Sink) Start(pull audio.PullFunc) error {
	if pull == nil {
		return errors.New("device: nil pull func")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dev != nil {
		return errors.New("device: sink already started")
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("device: init audio context: %w", err)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = uint32(s.format.Channels)
	cfg.SampleRate = uint32(s.format.SampleRate)
	// Better compatibility on some ALSA systems.
	cfg.Alsa.NoMMap = 1

	channels := s.format.Channels
	var scratch []float32
	onSamples := func(pOutput, _ []byte, frameCount uint32) {
		need := int(frameCount) * channels
		if cap(scratch) < need {
			scratch = make([]float32, need)
		}
		buf := scratch[:need]
		pull(buf)
		audio.EncodeInt16LE(pOutput, buf)
	}

	dev, err := malgo.InitDevice(mctx.Context, cfg, malgo.DeviceCallbacks{Data: onSamples})
	if err != nil {
		teardownContext(mctx)
		return fmt.Errorf("device: init playback device: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		teardownContext(mctx)
		return fmt.Errorf("device: start playback: %w", err)
	}

	s.ctx, s.dev = mctx, dev
	slog.Info("device: playback sink started", "format", s.format.String())
	return nil
}

// Stop halts playback and releases the device. It is safe to call more than
// once.
func (s *Sink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dev == nil {
		return nil
	}
	s.dev.Uninit()
	teardownContext(s.ctx)
	s.dev, s.ctx = nil, nil
	return nil
}

func teardownContext(ctx *malgo.AllocatedContext) {
	if err := ctx.Uninit(); err != nil {
		slog.Warn("device: audio context uninit error", "error", err)
	}
	ctx.Free()
}
