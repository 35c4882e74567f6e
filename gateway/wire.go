package gateway

import (
	"encoding/json"

	"github.com/crosswire/crosswire/types"
)

// clientMessage is an inbound wire message. Only "req" is meaningful from
// clients; anything else is dropped.
type clientMessage struct {
	Type   string         `json:"type"`
	ID     string         `json:"id"`
	Method string         `json:"method"`
	Params map[string]any `json:"params,omitempty"`
}

// serverMessage is an outbound wire message: exactly one "res" per "req",
// and unsolicited "event" pushes.
type serverMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`

	// Event push fields.
	Event     string   `json:"event,omitempty"`
	Origin    string   `json:"origin,omitempty"`
	Source    string   `json:"source,omitempty"`
	SessionID string   `json:"sessionId,omitempty"`
	Tags      []string `json:"tags,omitempty"`
	Timestamp int64    `json:"timestamp,omitempty"`
}

func eventMessage(ev types.GatewayEvent) serverMessage {
	return serverMessage{
		Type:      "event",
		Event:     ev.Type,
		Payload:   ev.Payload,
		Origin:    ev.Origin,
		Source:    ev.Source,
		SessionID: ev.SessionID,
		Tags:      ev.Tags,
		Timestamp: ev.Timestamp,
	}
}

// subscribeParams is the payload of the built-in subscribe method. The
// given patterns replace the connection's entire subscription set.
type subscribeParams struct {
	Events []string `json:"events"`
}
