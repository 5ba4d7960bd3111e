// Package speaker attributes transcript segments to speakers by correlating
// segment timing with per-speaker mic-activity bitmaps reported by the bot.
//
// Each activity entry carries a string of '0'/'1' bits where every bit covers
// one 100 ms slot trailing backwards from the entry's timestamp. Bits are
// expanded into wall-clock intervals, contiguous intervals are merged per
// speaker, and each segment is assigned the speaker whose activity overlaps
// more than half of the segment's duration.
package speaker

import (
	"sort"
	"sync"
	"time"

	"github.com/loqui-ai/loqui/pkg/types"
)

// slotDuration is the wall-clock span covered by one activity bit.
const slotDuration = 100 * time.Millisecond

// minOverlapRatio is the exclusive lower bound for assignment: a segment gets
// a speaker only when overlap/duration is strictly greater than this.
const minOverlapRatio = 0.5

// Attributor accumulates speaker activity for one session and attributes
// segments against it. Safe for concurrent use: the WebSocket read loop adds
// entries while the session loop attributes batches.
type Attributor struct {
	mu      sync.Mutex
	entries []types.SpeakerActivityEntry
}

// NewAttributor returns an empty Attributor.
func NewAttributor() *Attributor {
	return &Attributor{}
}

// Add appends activity entries. Entries with empty MetaBits are kept but
// contribute no intervals.
func (a *Attributor) Add(entries ...types.SpeakerActivityEntry) {
	a.mu.Lock()
	a.entries = append(a.entries, entries...)
	a.mu.Unlock()
}

// Len returns the number of accumulated entries.
func (a *Attributor) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

// Attribute assigns SpeakerID and SpeakerName on each segment whose best
// activity overlap ratio exceeds 0.5. sessionStart maps segment-relative
// seconds to wall clock. Attribution runs on a snapshot of the activity list,
// so concurrent Add calls never affect an in-flight batch. Segments are
// modified in place.
func (a *Attributor) Attribute(segments []types.Segment, sessionStart time.Time) {
	a.mu.Lock()
	snapshot := make([]types.SpeakerActivityEntry, len(a.entries))
	copy(snapshot, a.entries)
	a.mu.Unlock()

	intervals := ExpandIntervals(snapshot)
	for i := range segments {
		id, name, ok := bestSpeaker(segments[i], intervals, sessionStart)
		if ok {
			segments[i].SpeakerID = id
			segments[i].SpeakerName = name
		}
	}
}

// ExpandIntervals converts raw activity entries into merged per-speaker
// intervals, sorted by start time.
func ExpandIntervals(entries []types.SpeakerActivityEntry) []types.SpeakerActivityInterval {
	var raw []types.SpeakerActivityInterval
	for _, e := range entries {
		n := len(e.MetaBits)
		level := e.MicLevel()
		for i := 0; i < n; i++ {
			if e.MetaBits[i] != '1' {
				continue
			}
			// Bit i covers the slot ending (n-i-1) slots before the timestamp.
			end := e.Timestamp.Add(-time.Duration(n-i-1) * slotDuration)
			raw = append(raw, types.SpeakerActivityInterval{
				SpeakerID: e.SpeakerID,
				Name:      e.Name,
				Start:     end.Add(-slotDuration),
				End:       end,
				Level:     level,
			})
		}
	}
	return mergeIntervals(raw)
}

// mergeIntervals coalesces contiguous or overlapping intervals per speaker.
func mergeIntervals(raw []types.SpeakerActivityInterval) []types.SpeakerActivityInterval {
	if len(raw) == 0 {
		return nil
	}
	sort.Slice(raw, func(i, j int) bool {
		if !raw[i].Start.Equal(raw[j].Start) {
			return raw[i].Start.Before(raw[j].Start)
		}
		return raw[i].SpeakerID < raw[j].SpeakerID
	})

	merged := make([]types.SpeakerActivityInterval, 0, len(raw))
	bySpeaker := make(map[string]int) // speaker → index of their open interval in merged
	for _, iv := range raw {
		if idx, ok := bySpeaker[iv.SpeakerID]; ok {
			open := &merged[idx]
			if !iv.Start.After(open.End) {
				if iv.End.After(open.End) {
					open.End = iv.End
				}
				continue
			}
		}
		merged = append(merged, iv)
		bySpeaker[iv.SpeakerID] = len(merged) - 1
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Start.Before(merged[j].Start) })
	return merged
}

// bestSpeaker finds the interval with the highest overlap ratio for the
// segment. Segments of non-positive duration are skipped.
func bestSpeaker(seg types.Segment, intervals []types.SpeakerActivityInterval, sessionStart time.Time) (id, name string, ok bool) {
	dur := seg.Duration()
	if dur <= 0 {
		return "", "", false
	}
	segStart := sessionStart.Add(time.Duration(seg.Start * float64(time.Second)))
	segEnd := sessionStart.Add(time.Duration(seg.End * float64(time.Second)))

	var bestRatio float64
	for _, iv := range intervals {
		overlap := overlapSeconds(segStart, segEnd, iv.Start, iv.End)
		if overlap <= 0 {
			continue
		}
		ratio := overlap / dur
		if ratio > bestRatio {
			bestRatio = ratio
			id, name = iv.SpeakerID, iv.Name
		}
	}
	if bestRatio > minOverlapRatio {
		return id, name, true
	}
	return "", "", false
}

// overlapSeconds returns the overlap of [aStart,aEnd) and [bStart,bEnd) in seconds.
func overlapSeconds(aStart, aEnd, bStart, bEnd time.Time) float64 {
	start := aStart
	if bStart.After(start) {
		start = bStart
	}
	end := aEnd
	if bEnd.Before(end) {
		end = bEnd
	}
	if !end.After(start) {
		return 0
	}
	return end.Sub(start).Seconds()
}
