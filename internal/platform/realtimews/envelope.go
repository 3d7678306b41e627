package realtimews

import (
	"encoding/json"
	"fmt"
)

// Topics multiplexed over the single realtime socket.
const (
	TopicPresence = "presence"
	TopicTyping   = "typing"
)

// TopicMessages is the live insert stream topic for one room.
func TopicMessages(roomID string) string {
	return "messages:" + roomID
}

// Envelope events. Join/leave are client-initiated topic membership; the
// rest carry payloads in either direction.
const (
	EventJoin      = "join"
	EventLeave     = "leave"
	EventInsert    = "insert"
	EventTrack     = "track"
	EventSync      = "sync"
	EventBroadcast = "broadcast"
)

// Envelope is the frame format of the realtime gateway: every frame names a
// topic and an event, with an optional JSON payload decoded lazily by the
// topic handler.
type Envelope struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// decodeEnvelope parses a raw frame and rejects envelopes missing the topic
// or event discriminator.
func decodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("realtimews: unmarshal envelope: %w", err)
	}
	if env.Topic == "" {
		return Envelope{}, fmt.Errorf("realtimews: envelope missing topic")
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("realtimews: envelope missing event")
	}
	return env, nil
}

// newEnvelope builds an envelope with the payload marshalled to JSON.
// A nil payload produces an envelope with no payload field.
func newEnvelope(topic, event string, payload interface{}) (Envelope, error) {
	env := Envelope{Topic: topic, Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("realtimews: marshal payload: %w", err)
		}
		env.Payload = data
	}
	return env, nil
}
