// Package types defines the shared data model of the crosswire gateway:
// events, extension registrations, call contexts, and health results.
package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/crosswire/crosswire/errors"
)

// GatewayEvent is one event flowing through the gateway. Events are
// immutable once constructed: they are never mutated after emission and are
// delivered fire-and-forget to currently-connected subscribers. The core
// does not persist them.
type GatewayEvent struct {
	// Type is the dot-delimited hierarchical event name (e.g. "agent.message").
	Type string `json:"type"`
	// Payload is an opaque structured value owned by the producer.
	Payload json.RawMessage `json:"payload,omitempty"`
	// Timestamp is wall-clock milliseconds at construction.
	Timestamp int64 `json:"timestamp"`
	// Origin identifies the producing extension or subsystem, when known.
	Origin string `json:"origin,omitempty"`
	// Source is an external channel address ("<prefix>/<channel-id>") when
	// the event belongs to a source-routed channel.
	Source string `json:"source,omitempty"`
	// SessionID scopes the event to one logical session, when set.
	SessionID string `json:"sessionId,omitempty"`
	// ConnectionID restricts delivery to a single connection. Targeted
	// delivery overrides pattern-based broadcast.
	ConnectionID string `json:"connectionId,omitempty"`
	// Tags carry free-form routing metadata.
	Tags []string `json:"tags,omitempty"`
}

// NewEvent constructs a timestamped event, marshaling payload to JSON.
// A nil payload produces an event with no payload.
func NewEvent(eventType string, payload any) (GatewayEvent, error) {
	ev := GatewayEvent{
		Type:      eventType,
		Timestamp: time.Now().UnixMilli(),
	}
	if eventType == "" {
		return ev, errors.WrapInvalid(fmt.Errorf("event type is empty"), "types", "NewEvent", "event type validation")
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return ev, errors.WrapInvalid(err, "types", "NewEvent", "payload marshaling")
		}
		ev.Payload = data
	}
	return ev, nil
}

// DecodePayload unmarshals the event payload into target.
func (e GatewayEvent) DecodePayload(target any) error {
	if len(e.Payload) == 0 {
		return errors.WrapInvalid(fmt.Errorf("event has no payload"), "types", "DecodePayload", "empty payload check")
	}
	if err := json.Unmarshal(e.Payload, target); err != nil {
		return errors.WrapInvalid(err, "types", "DecodePayload", "payload unmarshaling")
	}
	return nil
}
