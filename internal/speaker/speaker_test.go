package speaker

import (
	"testing"
	"time"

	"github.com/loqui-ai/loqui/pkg/types"
)

var t0 = time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)

// entryEndingAt builds an activity entry whose bits cover the span ending at
// ts, one bit per 100 ms, all active.
func entryEndingAt(id, name string, ts time.Time, activeBits int) types.SpeakerActivityEntry {
	bits := make([]byte, activeBits)
	for i := range bits {
		bits[i] = '1'
	}
	return types.SpeakerActivityEntry{SpeakerID: id, Name: name, Timestamp: ts, MetaBits: string(bits)}
}

func TestExpandIntervalsMergesContiguousSlots(t *testing.T) {
	// Two entries for the same speaker whose slots touch: one interval.
	entries := []types.SpeakerActivityEntry{
		entryEndingAt("a", "Ada", t0.Add(1*time.Second), 10),  // 0.0–1.0
		entryEndingAt("a", "Ada", t0.Add(2*time.Second), 10),  // 1.0–2.0
		entryEndingAt("b", "Bo", t0.Add(500*time.Millisecond), 2), // 0.3–0.5
	}
	got := ExpandIntervals(entries)
	if len(got) != 2 {
		t.Fatalf("intervals = %d, want 2: %+v", len(got), got)
	}
	var a, b types.SpeakerActivityInterval
	for _, iv := range got {
		switch iv.SpeakerID {
		case "a":
			a = iv
		case "b":
			b = iv
		}
	}
	if !a.Start.Equal(t0) || !a.End.Equal(t0.Add(2*time.Second)) {
		t.Errorf("speaker a interval = [%v, %v], want [0s, 2s]", a.Start.Sub(t0), a.End.Sub(t0))
	}
	if !b.Start.Equal(t0.Add(300*time.Millisecond)) || !b.End.Equal(t0.Add(500*time.Millisecond)) {
		t.Errorf("speaker b interval = [%v, %v], want [300ms, 500ms]", b.Start.Sub(t0), b.End.Sub(t0))
	}
}

func TestExpandIntervalsGapSplits(t *testing.T) {
	e := types.SpeakerActivityEntry{
		SpeakerID: "a", Name: "Ada",
		Timestamp: t0.Add(time.Second),
		MetaBits:  "1101100110", // gaps at slots 2, 5, 6
	}
	got := ExpandIntervals([]types.SpeakerActivityEntry{e})
	if len(got) != 3 {
		t.Fatalf("intervals = %d, want 3: %+v", len(got), got)
	}
}

func TestAttributeByBestOverlap(t *testing.T) {
	// Segment 1.0–3.0 s. A active 0.5–1.8 (overlap 0.8, ratio 0.4),
	// B active 1.8–3.2 (overlap 1.2, ratio 0.6). B wins.
	a := NewAttributor()
	a.Add(
		entryEndingAt("A", "Alice", t0.Add(1800*time.Millisecond), 13), // 0.5–1.8
		entryEndingAt("B", "Bob", t0.Add(3200*time.Millisecond), 14),   // 1.8–3.2
	)
	segs := []types.Segment{{Start: 1.0, End: 3.0, Text: "who said this"}}
	a.Attribute(segs, t0)
	if segs[0].SpeakerID != "B" || segs[0].SpeakerName != "Bob" {
		t.Errorf("speaker = %q/%q, want B/Bob", segs[0].SpeakerID, segs[0].SpeakerName)
	}
}

func TestAttributeBoundaries(t *testing.T) {
	tests := []struct {
		name    string
		entries []types.SpeakerActivityEntry
		seg     types.Segment
		wantID  string
	}{
		{
			name: "exactly half overlap is not assigned",
			// Segment 0–2 s, speaker active 0–1 s: ratio exactly 0.5.
			entries: []types.SpeakerActivityEntry{entryEndingAt("A", "Alice", t0.Add(time.Second), 10)},
			seg:     types.Segment{Start: 0, End: 2},
			wantID:  "",
		},
		{
			name:    "non-positive duration skipped",
			entries: []types.SpeakerActivityEntry{entryEndingAt("A", "Alice", t0.Add(time.Second), 10)},
			seg:     types.Segment{Start: 1, End: 1},
			wantID:  "",
		},
		{
			name:    "no activity",
			entries: nil,
			seg:     types.Segment{Start: 0, End: 1},
			wantID:  "",
		},
		{
			name:    "full overlap assigned",
			entries: []types.SpeakerActivityEntry{entryEndingAt("A", "Alice", t0.Add(2*time.Second), 20)},
			seg:     types.Segment{Start: 0.2, End: 1.4},
			wantID:  "A",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAttributor()
			a.Add(tt.entries...)
			segs := []types.Segment{tt.seg}
			a.Attribute(segs, t0)
			if segs[0].SpeakerID != tt.wantID {
				t.Errorf("SpeakerID = %q, want %q", segs[0].SpeakerID, tt.wantID)
			}
		})
	}
}

func TestAttributeSnapshotIsolation(t *testing.T) {
	a := NewAttributor()
	a.Add(entryEndingAt("A", "Alice", t0.Add(2*time.Second), 20))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			a.Add(entryEndingAt("B", "Bob", t0.Add(time.Duration(i)*time.Second), 5))
		}
	}()

	segs := []types.Segment{{Start: 0, End: 2}}
	a.Attribute(segs, t0)
	<-done
	if a.Len() != 101 {
		t.Errorf("Len() = %d, want 101", a.Len())
	}
}
