package gateway

import (
	"math"
	"testing"
)

func seconds(n float64) []float32 {
	return make([]float32, int(n*sampleRate))
}

func TestRollingBufferSlide(t *testing.T) {
	b := newRollingBuffer(false)
	b.Append(seconds(46))

	if got := b.BufferOffset(); got != slideSec {
		t.Errorf("BufferOffset = %v, want %v", got, float64(slideSec))
	}
	if got := b.TimestampOffset(); got != slideSec {
		t.Errorf("TimestampOffset = %v, want %v (clamped to buffer offset)", got, float64(slideSec))
	}
	if _, dur := b.NextChunk(); math.Abs(dur-16) > 1e-9 {
		t.Errorf("chunk duration = %v, want 16", dur)
	}
}

func TestRollingBufferOffsetsInvariant(t *testing.T) {
	b := newRollingBuffer(false)
	for i := 0; i < 8; i++ {
		b.Append(seconds(10))
		b.Advance(3)
		if b.TimestampOffset() < b.BufferOffset() {
			t.Fatalf("after round %d: timestamp offset %v < buffer offset %v",
				i, b.TimestampOffset(), b.BufferOffset())
		}
	}
}

func TestRollingBufferNextChunk(t *testing.T) {
	b := newRollingBuffer(false)
	b.Append(seconds(4))
	b.Advance(1.5)

	chunk, dur := b.NextChunk()
	if math.Abs(dur-2.5) > 1e-9 {
		t.Errorf("duration = %v, want 2.5", dur)
	}
	if len(chunk) != int(2.5*sampleRate) {
		t.Errorf("len(chunk) = %d, want %d", len(chunk), int(2.5*sampleRate))
	}

	// Fully consumed buffer yields nothing.
	b.Advance(2.5)
	if chunk, dur := b.NextChunk(); chunk != nil || dur != 0 {
		t.Errorf("NextChunk after full consume = (%d samples, %v)", len(chunk), dur)
	}
}

func TestClipIfStalled(t *testing.T) {
	b := newRollingBuffer(false)
	b.Append(seconds(24))
	if b.ClipIfStalled() {
		t.Error("ClipIfStalled() = true with 24 s tail, want false")
	}

	b.Append(seconds(4)) // tail now 28 s
	if !b.ClipIfStalled() {
		t.Fatal("ClipIfStalled() = false with 28 s tail, want true")
	}
	// Offset jumps to buffer end − 5 s.
	if got := b.TimestampOffset(); math.Abs(got-23) > 1e-9 {
		t.Errorf("TimestampOffset = %v, want 23", got)
	}
	if _, dur := b.NextChunk(); math.Abs(dur-5) > 1e-9 {
		t.Errorf("remaining tail = %v, want 5", dur)
	}
}

func TestVADEndOfUtterance(t *testing.T) {
	loud := make([]float32, vadWindowSamples)
	for i := range loud {
		loud[i] = 0.1
	}
	quiet := make([]float32, vadWindowSamples)

	b := newRollingBuffer(true)
	b.Append(loud)
	b.Append(quiet)
	b.Append(quiet)
	if b.EndOfUtterance() {
		t.Error("flag set after 2 silent windows, want 3")
	}
	b.Append(quiet)
	if !b.EndOfUtterance() {
		t.Error("flag not set after 3 consecutive silent windows")
	}
	// Reading clears the flag.
	if b.EndOfUtterance() {
		t.Error("flag not cleared after read")
	}

	// Speech resets the silent-window count.
	b.Append(quiet)
	b.Append(quiet)
	b.Append(loud)
	b.Append(quiet)
	if b.EndOfUtterance() {
		t.Error("flag set across a speech window")
	}
}

func TestVADDisabled(t *testing.T) {
	b := newRollingBuffer(false)
	b.Append(seconds(2))
	if b.EndOfUtterance() {
		t.Error("EndOfUtterance() = true with VAD disabled")
	}
}
