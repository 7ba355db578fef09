// Package audio provides the PCM sample path between speech synthesis and
// playback: the canonical stream format, the [SampleBuffer] that decouples
// synthesis producers from the render side, sample conversion helpers, and
// the [Sink] abstraction implemented by the platform output packages
// (audio/device, audio/discord).
//
// Synthesized speech enters the pipeline as little-endian signed 16-bit mono
// PCM and is held as normalized float32 samples. Sinks pull samples at their
// own cadence and perform any resampling or channel conversion on the way
// out.
//
// This package lives under pkg/ because external code (third-party output
// adapters) is expected to implement [Sink].
package audio

import (
	"fmt"
	"time"
)

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// DefaultFormat returns the canonical pipeline format: 16 kHz mono.
// Synthesis providers emit it and the [SampleBuffer] stores it; sinks
// convert outward to whatever their platform needs.
func DefaultFormat() Format {
	return Format{SampleRate: 16000, Channels: 1}
}

// SamplesFor returns the number of per-channel samples that cover d at the
// format's sample rate.
func (f Format) SamplesFor(d time.Duration) int {
	return int(int64(f.SampleRate) * int64(d) / int64(time.Second))
}

// String returns a human-readable description, e.g. "16000Hz mono".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}
