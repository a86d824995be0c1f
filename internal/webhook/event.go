// Package webhook receives lifecycle control events from the conferencing
// platform and dispatches them to registered handlers.
//
// The platform delivers JSON envelopes `{event, data, timestamp?}` over HTTP
// POST. The event field is a closed enum; unrecognized kinds are rejected
// with 400 so a platform misconfiguration surfaces immediately.
package webhook

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind identifies a control event from the conferencing platform.
type EventKind string

const (
	EventBotJoining              EventKind = "bot.joining"
	EventBotInWaitingRoom        EventKind = "bot.in_waiting_room"
	EventBotJoined               EventKind = "bot.joined"
	EventBotLeft                 EventKind = "bot.left"
	EventBotRecordingPermAllowed EventKind = "bot.recording_permission_allowed"
	EventBotRecordingPermDenied  EventKind = "bot.recording_permission_denied"
	EventRecordingStarted        EventKind = "recording.started"
	EventRecordingReady          EventKind = "recording.ready"
	EventRecordingFailed         EventKind = "recording.failed"
	EventTranscriptionReady      EventKind = "transcription.ready"
	EventTranscriptionFailed     EventKind = "transcription.failed"
	EventMeetingEnded            EventKind = "meeting.ended"
	EventBotStatusChange         EventKind = "bot.status_change"
)

// StatusInCallNotRecording is the status code on a bot.status_change event
// that authorizes audio forwarding. It is the only status code with a
// state-machine effect.
const StatusInCallNotRecording = "in_call_not_recording"

var knownKinds = map[EventKind]bool{
	EventBotJoining:              true,
	EventBotInWaitingRoom:        true,
	EventBotJoined:               true,
	EventBotLeft:                 true,
	EventBotRecordingPermAllowed: true,
	EventBotRecordingPermDenied:  true,
	EventRecordingStarted:        true,
	EventRecordingReady:          true,
	EventRecordingFailed:         true,
	EventTranscriptionReady:      true,
	EventTranscriptionFailed:     true,
	EventMeetingEnded:            true,
	EventBotStatusChange:         true,
}

// IsValid reports whether k is a recognized event kind.
func (k EventKind) IsValid() bool { return knownKinds[k] }

// envelope is the wire shape of a webhook request body.
type envelope struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// ControlEvent is a decoded lifecycle signal ready for dispatch.
type ControlEvent struct {
	Kind          EventKind
	Platform      string
	BotID         string
	StatusCode    string
	StatusMessage string
	Error         string
	ReceivedAt    time.Time
	Raw           json.RawMessage
}

// eventData covers the payload fields the core consults. Remaining fields
// stay available through ControlEvent.Raw.
type eventData struct {
	BotID  string          `json:"bot_id"`
	Status json.RawMessage `json:"status"`
	Error  string          `json:"error"`
}

// statusObject is the structured form of a status field.
type statusObject struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// parseControlEvent validates an envelope and decodes it into a ControlEvent.
func parseControlEvent(platform string, env envelope, receivedAt time.Time) (ControlEvent, error) {
	if env.Event == "" {
		return ControlEvent{}, fmt.Errorf("missing event field")
	}
	kind := EventKind(env.Event)
	if !kind.IsValid() {
		return ControlEvent{}, fmt.Errorf("unrecognized event kind %q", env.Event)
	}

	ev := ControlEvent{
		Kind:       kind,
		Platform:   platform,
		ReceivedAt: receivedAt,
		Raw:        env.Data,
	}
	if len(env.Data) == 0 {
		return ev, nil
	}

	var data eventData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return ControlEvent{}, fmt.Errorf("decode data: %w", err)
	}
	ev.BotID = data.BotID
	ev.Error = data.Error

	// The status field may be a bare string or {code, message}.
	if len(data.Status) > 0 {
		var code string
		if err := json.Unmarshal(data.Status, &code); err == nil {
			ev.StatusCode = code
		} else {
			var obj statusObject
			if err := json.Unmarshal(data.Status, &obj); err != nil {
				return ControlEvent{}, fmt.Errorf("decode status: %w", err)
			}
			ev.StatusCode = obj.Code
			ev.StatusMessage = obj.Message
		}
	}
	return ev, nil
}

// OpensGate reports whether this event authorizes audio forwarding.
func (e ControlEvent) OpensGate() bool {
	return e.Kind == EventBotStatusChange && e.StatusCode == StatusInCallNotRecording
}
