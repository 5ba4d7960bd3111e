package gateway

import (
	"math"
	"sync"
)

const (
	sampleRate = 16000

	// maxBufferSec caps the rolling buffer; beyond it the oldest slideSec
	// seconds are dropped and the buffer offset advances.
	maxBufferSec = 45
	slideSec     = 30

	// stallTailSec triggers a forced window reset: when more than this much
	// unconsumed audio accumulates without any committed segment, the
	// timestamp offset jumps to stallKeepSec before the buffer end.
	stallTailSec = 25
	stallKeepSec = 5

	// vadWindowSamples is ~100 ms of audio per energy measurement.
	vadWindowSamples = sampleRate / 10

	// vadSilentWindows consecutive silent windows set the end-of-utterance flag.
	vadSilentWindows = 3

	// vadRMSThreshold is the RMS energy below which a window counts as silent,
	// on the float32 [-1, 1] scale (equivalent to ~300 on the 16-bit scale).
	vadRMSThreshold = 300.0 / 32768.0
)

// rollingBuffer owns the per-session PCM audio and its two offsets.
//
// bufferOffsetSec is the session clock at the first buffered sample;
// timestampOffsetSec is the session clock at which the next recognition pass
// begins. The invariant timestampOffsetSec >= bufferOffsetSec always holds,
// so timestampOffsetSec − bufferOffsetSec is the buffered-but-unconsumed span.
type rollingBuffer struct {
	mu sync.Mutex

	samples            []float32
	bufferOffsetSec    float64
	timestampOffsetSec float64

	useVAD         bool
	silentWindows  int
	pendingWindow  []float32
	endOfUtterance bool
}

func newRollingBuffer(useVAD bool) *rollingBuffer {
	return &rollingBuffer{useVAD: useVAD}
}

// Append adds PCM frames. When the buffer exceeds 45 s the oldest 30 s are
// dropped, the buffer offset advances by the dropped amount, and the
// timestamp offset is clamped up to it if it fell behind.
func (b *rollingBuffer) Append(frames []float32) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.samples = append(b.samples, frames...)
	if b.useVAD {
		b.feedVAD(frames)
	}

	if len(b.samples) > maxBufferSec*sampleRate {
		drop := slideSec * sampleRate
		b.samples = append([]float32(nil), b.samples[drop:]...)
		b.bufferOffsetSec += slideSec
		if b.timestampOffsetSec < b.bufferOffsetSec {
			b.timestampOffsetSec = b.bufferOffsetSec
		}
	}
}

// NextChunk returns a copy of the unconsumed audio starting at the timestamp
// offset, plus its duration in seconds.
func (b *rollingBuffer) NextChunk() ([]float32, float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	skip := int((b.timestampOffsetSec - b.bufferOffsetSec) * sampleRate)
	if skip < 0 {
		skip = 0
	}
	if skip >= len(b.samples) {
		return nil, 0
	}
	chunk := make([]float32, len(b.samples)-skip)
	copy(chunk, b.samples[skip:])
	return chunk, float64(len(chunk)) / sampleRate
}

// ClipIfStalled forces a fresh window when the unconsumed tail exceeds 25 s
// with no committed segments: the timestamp offset jumps to 5 s before the
// end of the buffer. Returns true if a clip happened.
func (b *rollingBuffer) ClipIfStalled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	skip := int((b.timestampOffsetSec - b.bufferOffsetSec) * sampleRate)
	if skip < 0 {
		skip = 0
	}
	tail := len(b.samples) - skip
	if tail <= stallTailSec*sampleRate {
		return false
	}
	bufEndSec := b.bufferOffsetSec + float64(len(b.samples))/sampleRate
	b.timestampOffsetSec = bufEndSec - stallKeepSec
	return true
}

// Advance moves the timestamp offset forward by sec (the duration of
// committed output from the last pass).
func (b *rollingBuffer) Advance(sec float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.timestampOffsetSec += sec
	if b.timestampOffsetSec < b.bufferOffsetSec {
		b.timestampOffsetSec = b.bufferOffsetSec
	}
}

// TimestampOffset returns the session clock of the next pass start.
func (b *rollingBuffer) TimestampOffset() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.timestampOffsetSec
}

// BufferOffset returns the session clock of the first buffered sample.
func (b *rollingBuffer) BufferOffset() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bufferOffsetSec
}

// EndOfUtterance reports and clears the VAD end-of-utterance flag. Always
// false when VAD is disabled.
func (b *rollingBuffer) EndOfUtterance() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	flag := b.endOfUtterance
	b.endOfUtterance = false
	return flag
}

// feedVAD runs the energy detector over complete ~100 ms windows. Three
// consecutive silent windows after audio set the end-of-utterance flag.
// Caller holds b.mu.
func (b *rollingBuffer) feedVAD(frames []float32) {
	b.pendingWindow = append(b.pendingWindow, frames...)
	for len(b.pendingWindow) >= vadWindowSamples {
		window := b.pendingWindow[:vadWindowSamples]
		b.pendingWindow = b.pendingWindow[vadWindowSamples:]
		if rms(window) < vadRMSThreshold {
			b.silentWindows++
			if b.silentWindows >= vadSilentWindows {
				b.endOfUtterance = true
			}
		} else {
			b.silentWindows = 0
		}
	}
}

// rms returns the root-mean-square energy of a float32 PCM window.
func rms(pcm []float32) float64 {
	if len(pcm) == 0 {
		return 0
	}
	var sum float64
	for _, v := range pcm {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum / float64(len(pcm)))
}
