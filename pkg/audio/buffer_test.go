package audio_test

import (
	"sync"
	"testing"

	"github.com/MrWong99/cadenza/pkg/audio"
)

func TestSampleBuffer_PushDecodesAndNormalizes(t *testing.T) {
	b := audio.NewSampleBuffer()
	n := b.PushChunk(samplesToBytes([]int16{16384, -16384, 32767}))
	if n != 3 {
		t.Fatalf("PushChunk: got %d samples, want 3", n)
	}
	dst := make([]float32, 3)
	got := b.Pull(dst)
	if got != 3 {
		t.Fatalf("Pull: got %d real samples, want 3", got)
	}
	if dst[0] != 0.5 {
		t.Errorf("sample 0: got %v, want 0.5", dst[0])
	}
	if dst[1] != -0.5 {
		t.Errorf("sample 1: got %v, want -0.5", dst[1])
	}
	if dst[2] != float32(32767)/32768 {
		t.Errorf("sample 2: got %v, want %v", dst[2], float32(32767)/32768)
	}
}

func TestSampleBuffer_OddByteCarry(t *testing.T) {
	b := audio.NewSampleBuffer()
	pcm := samplesToBytes([]int16{1000, 2000})

	// Split the 4-byte chunk at an odd offset; the dangling byte must be
	// held and joined with the next chunk.
	if n := b.PushChunk(pcm[:3]); n != 1 {
		t.Fatalf("first push: got %d samples, want 1", n)
	}
	if n := b.PushChunk(pcm[3:]); n != 1 {
		t.Fatalf("second push: got %d samples, want 1", n)
	}

	dst := make([]float32, 2)
	b.Pull(dst)
	if dst[0] != float32(1000)/32768 {
		t.Errorf("sample 0: got %v, want %v", dst[0], float32(1000)/32768)
	}
	if dst[1] != float32(2000)/32768 {
		t.Errorf("sample 1: got %v, want %v", dst[1], float32(2000)/32768)
	}
}

func TestSampleBuffer_SingleBytePushes(t *testing.T) {
	b := audio.NewSampleBuffer()
	pcm := samplesToBytes([]int16{-123, 456})
	total := 0
	for i := range pcm {
		total += b.PushChunk(pcm[i : i+1])
	}
	if total != 2 {
		t.Fatalf("total samples: got %d, want 2", total)
	}
	dst := make([]float32, 2)
	b.Pull(dst)
	if dst[0] != float32(-123)/32768 || dst[1] != float32(456)/32768 {
		t.Errorf("got %v, want [%v %v]", dst, float32(-123)/32768, float32(456)/32768)
	}
}

func TestSampleBuffer_PullZeroFillsShortfall(t *testing.T) {
	b := audio.NewSampleBuffer()
	b.PushChunk(samplesToBytes([]int16{1000}))

	dst := []float32{9, 9, 9, 9}
	got := b.Pull(dst)
	if got != 1 {
		t.Fatalf("Pull: got %d real samples, want 1", got)
	}
	for i := 1; i < len(dst); i++ {
		if dst[i] != 0 {
			t.Errorf("sample %d: got %v, want zero fill", i, dst[i])
		}
	}
}

func TestSampleBuffer_PullEmpty(t *testing.T) {
	b := audio.NewSampleBuffer()
	dst := []float32{9, 9}
	if got := b.Pull(dst); got != 0 {
		t.Fatalf("Pull on empty buffer: got %d, want 0", got)
	}
	if dst[0] != 0 || dst[1] != 0 {
		t.Errorf("expected zero fill, got %v", dst)
	}
}

func TestSampleBuffer_Backlog(t *testing.T) {
	b := audio.NewSampleBuffer()
	if got := b.Backlog(); got != 0 {
		t.Fatalf("empty backlog: got %d, want 0", got)
	}
	b.PushChunk(make([]byte, 200))
	if got := b.Backlog(); got != 100 {
		t.Fatalf("backlog after push: got %d, want 100", got)
	}
	b.Pull(make([]float32, 60))
	if got := b.Backlog(); got != 40 {
		t.Fatalf("backlog after pull: got %d, want 40", got)
	}
}

func TestSampleBuffer_Clear(t *testing.T) {
	b := audio.NewSampleBuffer()
	// Leave a dangling carry byte in addition to whole samples.
	b.PushChunk(samplesToBytes([]int16{1000, 2000}))
	b.PushChunk([]byte{0x7F})
	b.Clear()

	if got := b.Backlog(); got != 0 {
		t.Fatalf("backlog after clear: got %d, want 0", got)
	}
	// The dropped carry must not corrupt the next chunk.
	b.PushChunk(samplesToBytes([]int16{-3000}))
	dst := make([]float32, 1)
	b.Pull(dst)
	if dst[0] != float32(-3000)/32768 {
		t.Errorf("sample after clear: got %v, want %v", dst[0], float32(-3000)/32768)
	}
}

// TestSampleBuffer_FIFOAcrossManyPulls drains a long ramp through small pull
// frames, crossing the internal compaction threshold, and verifies that no
// sample is lost, duplicated, or reordered.
func TestSampleBuffer_FIFOAcrossManyPulls(t *testing.T) {
	b := audio.NewSampleBuffer()

	const total = 40000
	ramp := make([]int16, total)
	for i := range ramp {
		ramp[i] = int16(i % 2000)
	}
	// Push in uneven chunks, including odd byte splits.
	pcm := samplesToBytes(ramp)
	for len(pcm) > 0 {
		n := 1501
		if n > len(pcm) {
			n = len(pcm)
		}
		b.PushChunk(pcm[:n])
		pcm = pcm[n:]
	}

	dst := make([]float32, 333)
	idx := 0
	for idx < total {
		got := b.Pull(dst)
		if got == 0 {
			t.Fatalf("buffer drained early at sample %d", idx)
		}
		for i := 0; i < got; i++ {
			want := float32(int16(idx%2000)) / 32768
			if dst[i] != want {
				t.Fatalf("sample %d: got %v, want %v", idx, dst[i], want)
			}
			idx++
		}
	}
	if got := b.Backlog(); got != 0 {
		t.Fatalf("backlog after full drain: got %d, want 0", got)
	}
}

// TestSampleBuffer_ConcurrentPushPull exercises the buffer from producer and
// consumer goroutines (run with -race).
func TestSampleBuffer_ConcurrentPushPull(t *testing.T) {
	b := audio.NewSampleBuffer()
	chunk := samplesToBytes(make([]int16, 160))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for range 200 {
			b.PushChunk(chunk)
		}
	}()
	go func() {
		defer wg.Done()
		dst := make([]float32, 120)
		for range 200 {
			b.Pull(dst)
			b.Backlog()
		}
	}()
	wg.Wait()
}
