package types

import (
	"encoding/json"
	"fmt"
)

// Stream event types carried in the "type" field of every stream payload.
const (
	EventSessionStart  = "session_start"
	EventTranscription = "transcription"
	EventSessionEnd    = "session_end"
)

// SessionStart announces a new gateway session on the segment stream.
type SessionStart struct {
	Type           string `json:"type"`
	UID            string `json:"uid"`
	Token          string `json:"token"`
	Platform       string `json:"platform"`
	MeetingID      string `json:"meeting_id"`
	StartTimestamp string `json:"start_timestamp"`
}

// Transcription carries a batch of segments for one session on the segment stream.
type Transcription struct {
	Type      string    `json:"type"`
	UID       string    `json:"uid"`
	Token     string    `json:"token"`
	Platform  string    `json:"platform"`
	MeetingID string    `json:"meeting_id"`
	Segments  []Segment `json:"segments"`
	Language  string    `json:"language,omitempty"`
}

// SessionEnd announces the orderly end of a gateway session.
type SessionEnd struct {
	Type      string `json:"type"`
	UID       string `json:"uid"`
	MeetingID string `json:"meeting_id"`
}

// StreamEvent is the decoded form of one stream entry payload. Exactly one of
// the pointer fields is non-nil, matching Type.
type StreamEvent struct {
	Type          string
	SessionStart  *SessionStart
	Transcription *Transcription
	SessionEnd    *SessionEnd
}

// DecodeStreamEvent parses a stream entry payload into its tagged variant.
// Unknown fields are ignored; an unknown "type" value yields an error so the
// consumer can ack-and-drop it.
func DecodeStreamEvent(payload []byte) (StreamEvent, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return StreamEvent{}, fmt.Errorf("types: decode stream event header: %w", err)
	}
	ev := StreamEvent{Type: head.Type}
	switch head.Type {
	case EventSessionStart:
		ev.SessionStart = new(SessionStart)
		if err := json.Unmarshal(payload, ev.SessionStart); err != nil {
			return StreamEvent{}, fmt.Errorf("types: decode session_start: %w", err)
		}
	case EventTranscription:
		ev.Transcription = new(Transcription)
		if err := json.Unmarshal(payload, ev.Transcription); err != nil {
			return StreamEvent{}, fmt.Errorf("types: decode transcription: %w", err)
		}
	case EventSessionEnd:
		ev.SessionEnd = new(SessionEnd)
		if err := json.Unmarshal(payload, ev.SessionEnd); err != nil {
			return StreamEvent{}, fmt.Errorf("types: decode session_end: %w", err)
		}
	default:
		return StreamEvent{}, fmt.Errorf("types: unknown stream event type %q", head.Type)
	}
	return ev, nil
}

// SegmentsUpdated is the pub/sub message published per meeting on every
// meaningful mutation of the mutable segment map.
type SegmentsUpdated struct {
	Event     string                 `json:"event"`
	MeetingID string                 `json:"meeting_id"`
	Payload   SegmentsUpdatedPayload `json:"payload"`
}

// SegmentsUpdatedPayload wraps the segment snapshot inside a SegmentsUpdated message.
type SegmentsUpdatedPayload struct {
	Segments []Segment `json:"segments"`
}

// EventSegmentsUpdated is the "event" value of every SegmentsUpdated message.
const EventSegmentsUpdated = "segments_updated"

// MutableChannel returns the pub/sub channel carrying SegmentsUpdated messages
// for the given meeting.
func MutableChannel(meetingID string) string {
	return "tc:meeting:" + meetingID + ":mutable"
}
