package gateway

import (
	"strings"
	"time"

	"github.com/loqui-ai/loqui/pkg/asr"
	"github.com/loqui-ai/loqui/pkg/types"
)

// Drop thresholds for hallucinated or silent segments; all configurable.
const (
	defaultNoSpeechThreshold         = 0.6
	defaultLogprobThreshold          = -1.0
	defaultCompressionRatioThreshold = 2.4

	// defaultSameOutputThreshold is the number of consecutive identical
	// trailing partials after which the partial is promoted to final.
	defaultSameOutputThreshold = 10

	// showPrevOutThresh: when a pass yields nothing, the previous output is
	// re-sent to the client for up to this long so the display doesn't flicker.
	showPrevOutThresh = 5 * time.Second

	// addPauseThresh: after this much continuous no-output, a blank pause
	// marker is appended to the internal transcript log. Never emitted.
	addPauseThresh = 3 * time.Second

	// sendLastNSegments bounds how many committed segments accompany each
	// client update.
	sendLastNSegments = 10
)

// stabiliserConfig tunes the hypothesis stabiliser. Zero values select the
// defaults above.
type stabiliserConfig struct {
	NoSpeechThreshold         float64
	LogprobThreshold          float64
	CompressionRatioThreshold float64
	SameOutputThreshold       int
}

func (c stabiliserConfig) withDefaults() stabiliserConfig {
	if c.NoSpeechThreshold == 0 {
		c.NoSpeechThreshold = defaultNoSpeechThreshold
	}
	if c.LogprobThreshold == 0 {
		c.LogprobThreshold = defaultLogprobThreshold
	}
	if c.CompressionRatioThreshold == 0 {
		c.CompressionRatioThreshold = defaultCompressionRatioThreshold
	}
	if c.SameOutputThreshold == 0 {
		c.SameOutputThreshold = defaultSameOutputThreshold
	}
	return c
}

// stabiliser turns overlapping recognition passes into a stable sequence of
// final segments plus one trailing partial. It is owned by the session's ASR
// worker goroutine and needs no locking.
type stabiliser struct {
	cfg stabiliserConfig

	transcript []types.Segment // committed finals, session-clock timing

	currentOut           string
	prevOut              string
	sameOutputCount      int
	endTimeForSameOutput float64 // chunk-relative end captured at the first repeat

	lastPartial  *types.Segment
	lastOutputAt time.Time
	pauseStart   time.Time

	now func() time.Time // test hook
}

func newStabiliser(cfg stabiliserConfig) *stabiliser {
	return &stabiliser{cfg: cfg.withDefaults(), now: time.Now}
}

// process consumes one recognition pass over the chunk that started at
// session clock tsOffset and lasted chunkDur seconds. It returns the newly
// committed final segments, the trailing partial (nil when none), and the
// seconds to advance the timestamp offset by.
func (s *stabiliser) process(outs []asr.Output, tsOffset, chunkDur float64) (finals []types.Segment, partial *types.Segment, advance float64) {
	if len(outs) == 0 {
		s.notePause()
		return nil, nil, 0
	}
	s.pauseStart = time.Time{}
	s.lastOutputAt = s.now()

	// Every segment except the last is committed provisionally; the last is
	// always partial because its trailing word may be cut.
	for _, out := range outs[:len(outs)-1] {
		if s.drop(out) {
			continue
		}
		seg, ok := s.toSegment(out, tsOffset, chunkDur, true)
		if !ok {
			continue
		}
		finals = append(finals, seg)
		s.transcript = append(s.transcript, seg)
		advance = min(chunkDur, out.End)
	}

	last := outs[len(outs)-1]
	s.currentOut = strings.TrimSpace(last.Text)

	if s.currentOut != "" && s.currentOut == s.prevOut {
		s.sameOutputCount++
		if s.sameOutputCount == 1 {
			// Capture the end now: audio spoken during the repeat run must not
			// be swallowed into the promoted segment.
			s.endTimeForSameOutput = min(chunkDur, last.End)
		}
	} else {
		s.sameOutputCount = 0
		s.endTimeForSameOutput = 0
	}

	if s.sameOutputCount > s.cfg.SameOutputThreshold {
		if n := len(s.transcript); n == 0 || !strings.EqualFold(strings.TrimSpace(s.transcript[n-1].Text), s.currentOut) {
			seg := types.Segment{
				Start:     tsOffset + last.Start,
				End:       tsOffset + s.endTimeForSameOutput,
				Text:      s.currentOut,
				Completed: types.SegmentFinal,
			}
			if seg.End < seg.Start {
				seg.End = seg.Start
			}
			finals = append(finals, seg)
			s.transcript = append(s.transcript, seg)
		}
		advance = s.endTimeForSameOutput
		s.currentOut = ""
		s.prevOut = ""
		s.sameOutputCount = 0
		s.endTimeForSameOutput = 0
		s.lastPartial = nil
		return finals, nil, advance
	}

	s.prevOut = s.currentOut
	if s.currentOut != "" {
		if seg, ok := s.toSegment(last, tsOffset, chunkDur, false); ok {
			partial = &seg
			s.lastPartial = &seg
		}
	}
	return finals, partial, advance
}

// previousOutput returns the last partial for re-sending when a pass yielded
// nothing, for up to showPrevOutThresh after the last real output.
func (s *stabiliser) previousOutput() *types.Segment {
	if s.lastPartial == nil {
		return nil
	}
	if s.now().Sub(s.lastOutputAt) > showPrevOutThresh {
		return nil
	}
	return s.lastPartial
}

// recent returns up to n most recent committed segments, skipping internal
// pause markers.
func (s *stabiliser) recent(n int) []types.Segment {
	out := make([]types.Segment, 0, n)
	for i := len(s.transcript) - 1; i >= 0 && len(out) < n; i-- {
		if s.transcript[i].Text == "" {
			continue
		}
		out = append(out, s.transcript[i])
	}
	// reverse into chronological order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// drop reports whether a segment fails the decoder-statistics thresholds.
func (s *stabiliser) drop(out asr.Output) bool {
	return out.NoSpeechProb > s.cfg.NoSpeechThreshold ||
		out.AvgLogprob < s.cfg.LogprobThreshold ||
		out.CompressionRatio > s.cfg.CompressionRatioThreshold
}

// toSegment converts a chunk-relative output to a session-clock segment.
// Returns false for empty text or non-positive spans.
func (s *stabiliser) toSegment(out asr.Output, tsOffset, chunkDur float64, final bool) (types.Segment, bool) {
	text := strings.TrimSpace(out.Text)
	if text == "" {
		return types.Segment{}, false
	}
	start := tsOffset + out.Start
	end := tsOffset + min(chunkDur, out.End)
	if start >= end {
		return types.Segment{}, false
	}
	return types.Segment{Start: start, End: end, Text: text, Completed: final}, true
}

// notePause appends a blank marker to the internal transcript after
// addPauseThresh of continuous no-output. The marker never leaves the process.
func (s *stabiliser) notePause() {
	now := s.now()
	if s.pauseStart.IsZero() {
		s.pauseStart = now
		return
	}
	if now.Sub(s.pauseStart) < addPauseThresh {
		return
	}
	if n := len(s.transcript); n > 0 && s.transcript[n-1].Text == "" {
		return
	}
	s.transcript = append(s.transcript, types.Segment{Completed: types.SegmentFinal})
	s.pauseStart = now
}
