// Package types defines the shared data structures used across all Loqui packages.
//
// These types form the lingua franca between the gateway, the collector, and the
// decision listener. They are intentionally minimal — each package defines its own
// domain types, but cross-cutting data structures live here to avoid circular imports.
package types

import "time"

// Completed states for a transcript segment.
const (
	// SegmentPartial marks a tentative segment whose text may still change on the
	// next recognition pass.
	SegmentPartial = false

	// SegmentFinal marks a committed segment. Final segments for a session have
	// disjoint half-open [Start, End) intervals and are never rewritten.
	SegmentFinal = true
)

// Segment is the canonical transcript segment record flowing through the whole
// pipeline: gateway → stream → collector → decision listener.
type Segment struct {
	// Start and End are seconds relative to the session start, Start <= End.
	Start float64 `json:"start"`
	End   float64 `json:"end"`

	// Text is the transcribed speech, whitespace-stripped.
	Text string `json:"text"`

	// SpeakerID and SpeakerName are filled by speaker attribution when the best
	// activity overlap ratio exceeds 0.5. Empty when no speaker could be assigned.
	SpeakerID   string `json:"speaker_id,omitempty"`
	SpeakerName string `json:"speaker_name,omitempty"`

	// Language is the ISO-639-1 code reported by the recognizer, if any.
	Language string `json:"language,omitempty"`

	// Confidence is the recognizer confidence (0.0–1.0). Zero when the backend
	// does not report one.
	Confidence float64 `json:"confidence,omitempty"`

	// Completed is true once the segment is final (see SegmentFinal).
	Completed bool `json:"completed"`

	// SessionUID identifies the producing session.
	SessionUID string `json:"session_uid,omitempty"`

	// AbsoluteStartTime is the wall-clock start (session start + Start), set by
	// the collector once the session start time is known. RFC 3339.
	AbsoluteStartTime string `json:"absolute_start_time,omitempty"`
}

// Duration returns the segment length in seconds. Non-positive durations mean
// the segment carries no usable timing and is skipped by attribution.
func (s Segment) Duration() float64 {
	return s.End - s.Start
}

// SpeakerActivityEntry is one raw speaker-activity report from the bot. MetaBits
// is a string of '0'/'1' characters, each covering one 100 ms slot trailing
// backwards from Timestamp (the last character is the slot ending at Timestamp).
type SpeakerActivityEntry struct {
	SpeakerID string
	Name      string
	Timestamp time.Time
	MetaBits  string
}

// MicLevel returns the fraction of active slots in MetaBits, for diagnostics.
func (e SpeakerActivityEntry) MicLevel() float64 {
	if len(e.MetaBits) == 0 {
		return 0
	}
	active := 0
	for _, b := range e.MetaBits {
		if b == '1' {
			active++
		}
	}
	return float64(active) / float64(len(e.MetaBits))
}

// SpeakerActivityInterval is a merged span of continuous activity for one
// speaker, derived from contiguous '1' slots across one or more entries.
type SpeakerActivityInterval struct {
	SpeakerID string
	Name      string
	Start     time.Time
	End       time.Time

	// Level is the mean mic level of the contributing entries, for logging only.
	Level float64
}

// DecisionItem is one LLM-derived artifact appended to a meeting's decision log.
type DecisionItem struct {
	// Type is one of the tracker's enabled category keys (decision, action_item,
	// key_insight, commitment by default). Items typed "no_match" are never stored.
	Type string `json:"type"`

	// Summary is a single-sentence description of the item.
	Summary string `json:"summary"`

	// Speaker is the attributed speaker name, if the LLM could identify one.
	Speaker string `json:"speaker,omitempty"`

	// Confidence is the LLM's self-reported confidence (0.0–1.0).
	Confidence float64 `json:"confidence"`

	// Entities are the structured references mentioned by the item.
	Entities []Entity `json:"entities"`

	// MeetingID scopes the item to its meeting.
	MeetingID string `json:"meeting_id"`

	// CreatedAt is the append time; items are totally ordered by it per meeting.
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// EntityType enumerates the recognised entity kinds.
const (
	EntityPerson   = "person"
	EntityCompany  = "company"
	EntityProduct  = "product"
	EntityDate     = "date"
	EntityAmount   = "amount"
	EntityDocument = "document"
	EntityTopic    = "topic"
)

// Entity is a structured reference extracted from a decision item.
type Entity struct {
	// Type is one of the Entity* constants.
	Type string `json:"type"`

	// Label is the surface form as spoken ("Dana", "Q3 budget doc").
	Label string `json:"label"`

	// ID is a slug unique within the meeting's decision log. Near-identical
	// labels reconcile to the same slug so entity identity is stable across items.
	ID string `json:"id"`
}
