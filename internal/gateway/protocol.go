package gateway

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/loqui-ai/loqui/pkg/types"
)

// endOfAudioSentinel is the binary frame marking the end of the audio stream.
var endOfAudioSentinel = []byte("END_OF_AUDIO")

// flexID decodes a JSON value that may arrive as a string or a number.
// Meeting IDs are numeric in some producers and opaque strings in others.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("gateway: id is neither string nor number: %s", data)
	}
	*f = flexID(n.String())
	return nil
}

// clientConfig is the mandatory first text frame of every connection.
type clientConfig struct {
	UID               string  `json:"uid"`
	Platform          string  `json:"platform"`
	MeetingURL        string  `json:"meeting_url"`
	Token             string  `json:"token"`
	MeetingID         flexID  `json:"meeting_id"`
	Language          string  `json:"language"`
	Task              string  `json:"task"`
	MaxClients        int     `json:"max_clients"`
	MaxConnectionTime float64 `json:"max_connection_time"`
	UseVAD            *bool   `json:"use_vad"`
	InitialPrompt     string  `json:"initial_prompt"`
}

// validate reports the missing required fields, if any.
func (c *clientConfig) validate() error {
	var missing []string
	if c.UID == "" {
		missing = append(missing, "uid")
	}
	if c.Platform == "" {
		missing = append(missing, "platform")
	}
	if c.Token == "" {
		missing = append(missing, "token")
	}
	if c.MeetingID == "" {
		missing = append(missing, "meeting_id")
	}
	if len(missing) > 0 {
		return fmt.Errorf("gateway: config frame missing required fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

// runtimeMessage is any text frame after the config frame.
type runtimeMessage struct {
	Type      string          `json:"type"`
	MeetingID flexID          `json:"meeting_id"`
	Timestamp string          `json:"timestamp"`
	Speakers  []speakerUpdate `json:"speakers"`
	Payload   struct {
		Event string `json:"event"`
	} `json:"payload"`
}

// speakerUpdate is one speaker's report within a speaker_activity_update.
type speakerUpdate struct {
	ID              flexID `json:"id"`
	Name            string `json:"name"`
	MicActivityBits string `json:"mic_activity_bits"`
}

// Runtime message types and control events.
const (
	msgSpeakerActivity = "speaker_activity_update"
	msgSessionControl  = "session_control"

	eventLeavingMeeting = "LEAVING_MEETING"
)

// toEntries converts a speaker_activity_update into activity entries, skipping
// speakers with unparseable data. Timestamps are RFC 3339.
func (m *runtimeMessage) toEntries() ([]types.SpeakerActivityEntry, error) {
	ts, err := time.Parse(time.RFC3339, m.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("gateway: speaker activity timestamp %q: %w", m.Timestamp, err)
	}
	entries := make([]types.SpeakerActivityEntry, 0, len(m.Speakers))
	for _, sp := range m.Speakers {
		if sp.ID == "" || !validBits(sp.MicActivityBits) {
			continue
		}
		entries = append(entries, types.SpeakerActivityEntry{
			SpeakerID: string(sp.ID),
			Name:      sp.Name,
			Timestamp: ts,
			MetaBits:  sp.MicActivityBits,
		})
	}
	return entries, nil
}

func validBits(bits string) bool {
	for _, b := range bits {
		if b != '0' && b != '1' {
			return false
		}
	}
	return true
}

// Server → client status messages.

type serverStatus struct {
	Status  string `json:"status"`
	UID     string `json:"uid"`
	Backend string `json:"backend,omitempty"`
	Message any    `json:"message,omitempty"`
}

func serverReady(uid, backend string) serverStatus {
	return serverStatus{Status: "SERVER_READY", UID: uid, Backend: backend}
}

func serverWait(uid string, minutes float64) serverStatus {
	return serverStatus{Status: "WAIT", UID: uid, Message: minutes}
}

func serverError(uid, message string) serverStatus {
	return serverStatus{Status: "ERROR", UID: uid, Message: message}
}

// segmentsMessage carries a transcript update to the client.
type segmentsMessage struct {
	UID      string          `json:"uid"`
	Segments []types.Segment `json:"segments"`
}

// disconnectMessage tells the client the server is done with the session.
type disconnectMessage struct {
	UID     string `json:"uid"`
	Message string `json:"message"`
}

// decodePCM converts a binary frame of little-endian float32 samples. Frames
// with trailing partial samples are truncated to whole samples.
func decodePCM(frame []byte) []float32 {
	n := len(frame) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(frame[i*4:]))
	}
	return out
}
