package audio

import "sync"

// compactAt is the read offset past which Pull copies the remaining samples
// down to the front of the backing array. 16384 samples is about one second
// at the default format.
const compactAt = 16384

// SampleBuffer is a thread-safe FIFO of normalized float32 samples sitting
// between the synthesis producer and the render side. The producer appends
// decoded PCM with [SampleBuffer.PushChunk]; the render callback drains it
// with [SampleBuffer.Pull] at a fixed rate. [SampleBuffer.Backlog] is the
// flow-control signal for the playback coordinator.
//
// Decoding happens outside the lock; critical sections only copy, so the
// render context is never blocked behind decoding or allocation.
type SampleBuffer struct {
	mu       sync.Mutex
	buf      []float32
	head     int
	carry    byte
	hasCarry bool
}

// NewSampleBuffer returns an empty SampleBuffer.
func NewSampleBuffer() *SampleBuffer {
	return &SampleBuffer{}
}

// PushChunk decodes little-endian signed 16-bit mono PCM into normalized
// float32 samples and appends them. A trailing odd byte is held and
// prepended to the next chunk. It returns the number of samples appended.
func (b *SampleBuffer) PushChunk(pcm []byte) int {
	b.mu.Lock()
	if b.hasCarry {
		joined := make([]byte, 0, len(pcm)+1)
		joined = append(joined, b.carry)
		joined = append(joined, pcm...)
		pcm = joined
		b.hasCarry = false
	}
	if len(pcm)%2 != 0 {
		b.carry = pcm[len(pcm)-1]
		b.hasCarry = true
		pcm = pcm[:len(pcm)-1]
	}
	b.mu.Unlock()

	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	samples := make([]float32, n)
	for i := range samples {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		samples[i] = float32(s) / 32768
	}

	b.mu.Lock()
	b.buf = append(b.buf, samples...)
	b.mu.Unlock()
	return n
}

// Pull fills dst with exactly len(dst) samples, zero-filling any shortfall,
// and returns the number of real samples copied.
func (b *SampleBuffer) Pull(dst []float32) int {
	b.mu.Lock()
	n := copy(dst, b.buf[b.head:])
	b.head += n
	if b.head == len(b.buf) {
		b.buf = b.buf[:0]
		b.head = 0
	} else if b.head >= compactAt && b.head >= len(b.buf)-b.head {
		b.buf = b.buf[:copy(b.buf, b.buf[b.head:])]
		b.head = 0
	}
	b.mu.Unlock()

	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
	return n
}

// Backlog returns the number of decoded samples not yet pulled.
func (b *SampleBuffer) Backlog() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf) - b.head
}

// Clear discards all buffered samples and any held odd byte. Capacity is
// retained for the next turn.
func (b *SampleBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = b.buf[:0]
	b.head = 0
	b.hasCarry = false
}
