package collector

import (
	"testing"
	"time"

	"github.com/loqui-ai/loqui/pkg/types"
)

func final(start, end float64, text string) types.Segment {
	return types.Segment{Start: start, End: end, Text: text, Completed: types.SegmentFinal, SessionUID: "s1"}
}

func partial(start, end float64, text string) types.Segment {
	return types.Segment{Start: start, End: end, Text: text, Completed: types.SegmentPartial, SessionUID: "s1"}
}

func TestStartKey(t *testing.T) {
	tests := []struct {
		start float64
		want  string
	}{
		{0, "0.000"},
		{1.5, "1.500"},
		{2.0004, "2.000"},
		{2.0006, "2.001"},
		{12.345, "12.345"},
	}
	for _, tc := range tests {
		if got := startKey(tc.start); got != tc.want {
			t.Errorf("startKey(%v) = %q, want %q", tc.start, got, tc.want)
		}
	}
}

func TestMerge_FinalOverridesPartial(t *testing.T) {
	s := newSessionState("s1", "42", time.Now())
	now := time.Now()

	changed := s.merge([]types.Segment{partial(0, 2.5, "I think we sh")}, now)
	if len(changed) != 1 {
		t.Fatalf("changed = %d, want 1", len(changed))
	}

	changed = s.merge([]types.Segment{final(0, 2.9, "I think we should ship it.")}, now)
	if len(changed) != 1 {
		t.Fatalf("changed = %d, want 1", len(changed))
	}

	got := s.segments[startKey(0)]
	if got.seg.Text != "I think we should ship it." || got.seg.Completed != types.SegmentFinal {
		t.Errorf("slot = %+v, want final text", got.seg)
	}
}

func TestMerge_PartialNeverOverwritesFinal(t *testing.T) {
	s := newSessionState("s1", "42", time.Now())
	now := time.Now()

	s.merge([]types.Segment{final(0, 2.9, "done deal")}, now)
	changed := s.merge([]types.Segment{partial(0, 2.5, "done d")}, now)
	if len(changed) != 0 {
		t.Fatalf("changed = %d, want 0", len(changed))
	}
	if got := s.segments[startKey(0)].seg.Text; got != "done deal" {
		t.Errorf("slot text = %q, want final preserved", got)
	}
}

func TestMerge_Idempotent(t *testing.T) {
	s := newSessionState("s1", "42", time.Now())
	now := time.Now()
	batch := []types.Segment{final(0, 1, "a"), final(1, 2, "b")}

	if changed := s.merge(batch, now); len(changed) != 2 {
		t.Fatalf("first merge changed = %d, want 2", len(changed))
	}
	if changed := s.merge(batch, now.Add(time.Second)); len(changed) != 0 {
		t.Errorf("repeat merge changed = %d, want 0", len(changed))
	}
	if len(s.segments) != 2 {
		t.Errorf("segments = %d, want 2", len(s.segments))
	}
}

func TestMerge_SkipsNonPositiveSpans(t *testing.T) {
	s := newSessionState("s1", "42", time.Now())
	changed := s.merge([]types.Segment{final(2, 2, "zero"), final(3, 2, "negative")}, time.Now())
	if len(changed) != 0 {
		t.Errorf("changed = %d, want 0", len(changed))
	}
}

func TestMerge_RoundedKeysCollide(t *testing.T) {
	s := newSessionState("s1", "42", time.Now())
	now := time.Now()
	s.merge([]types.Segment{partial(1.0004, 2, "first pass")}, now)
	s.merge([]types.Segment{final(1.0001, 2, "second pass")}, now)
	if len(s.segments) != 1 {
		t.Fatalf("segments = %d, want 1 (same 3 dp slot)", len(s.segments))
	}
}

func TestPromotable_AgeThreshold(t *testing.T) {
	s := newSessionState("s1", "42", time.Now())
	base := time.Now()

	s.merge([]types.Segment{final(0, 1, "old")}, base.Add(-40*time.Second))
	s.merge([]types.Segment{final(1, 2, "young")}, base.Add(-5*time.Second))
	s.merge([]types.Segment{partial(2, 3, "young partial")}, base.Add(-5*time.Second))

	got := s.promotable(base, 30*time.Second, false)
	if len(got) != 1 {
		t.Fatalf("promotable = %d, want 1", len(got))
	}
	if got[0].Text != "old" {
		t.Errorf("promoted = %q, want old", got[0].Text)
	}
}

func TestPromotable_StablePartialPromotedAsFinal(t *testing.T) {
	s := newSessionState("s1", "42", time.Now())
	base := time.Now()

	s.merge([]types.Segment{partial(0, 1, "never finalised")}, base.Add(-time.Hour))

	got := s.promotable(base, 30*time.Second, false)
	if len(got) != 1 {
		t.Fatalf("promotable = %d, want 1 (stable partial)", len(got))
	}
	if got[0].Completed != types.SegmentFinal {
		t.Errorf("promoted completed = %v, want final", got[0].Completed)
	}
	if got[0].Text != "never finalised" {
		t.Errorf("promoted = %q, want the partial's text", got[0].Text)
	}
}

func TestPromotable_FlushAllIncludesPartials(t *testing.T) {
	s := newSessionState("s1", "42", time.Now())
	now := time.Now()
	s.merge([]types.Segment{final(1, 2, "b"), final(0, 1, "a"), partial(2, 3, "p")}, now)

	got := s.promotable(now, 30*time.Second, true)
	if len(got) != 3 {
		t.Fatalf("promotable = %d, want 3 (teardown flushes partials too)", len(got))
	}
	if got[0].Text != "a" || got[1].Text != "b" || got[2].Text != "p" {
		t.Errorf("order = %q, %q, %q, want sorted by start", got[0].Text, got[1].Text, got[2].Text)
	}
	for _, seg := range got {
		if seg.Completed != types.SegmentFinal {
			t.Errorf("flushed %q completed = %v, want final", seg.Text, seg.Completed)
		}
	}
}

func TestForget_RemovesPromotedPartialSlot(t *testing.T) {
	s := newSessionState("s1", "42", time.Now())
	now := time.Now()

	s.merge([]types.Segment{partial(0, 1, "stable")}, now.Add(-time.Minute))
	promoted := s.promotable(now, 30*time.Second, false)
	if len(promoted) != 1 {
		t.Fatalf("promotable = %d, want 1", len(promoted))
	}

	s.forget(promoted)
	if !s.empty() {
		t.Error("promoted partial slot still in the map")
	}
}

func TestIdle(t *testing.T) {
	s := newSessionState("s1", "42", time.Now())
	now := time.Now()

	if s.idle(now, time.Hour) {
		t.Error("fresh session reported idle")
	}
	if !s.idle(now.Add(2*time.Hour), time.Hour) {
		t.Error("stale session not reported idle")
	}

	s.merge([]types.Segment{final(0, 1, "alive")}, now.Add(2*time.Hour))
	if s.idle(now.Add(2*time.Hour), time.Hour) {
		t.Error("merge did not refresh the activity stamp")
	}
}

func TestForget_KeepsRewrittenSlot(t *testing.T) {
	s := newSessionState("s1", "42", time.Now())
	now := time.Now()

	s.merge([]types.Segment{final(0, 1, "v1")}, now)
	promoted := s.promotable(now.Add(time.Minute), 30*time.Second, false)

	// A newer write lands between promotion and forget.
	s.merge([]types.Segment{final(0, 1.2, "v2")}, now.Add(time.Minute))
	s.forget(promoted)

	if got, ok := s.segments[startKey(0)]; !ok || got.seg.Text != "v2" {
		t.Errorf("slot after forget = %+v, want v2 kept", got)
	}
}
