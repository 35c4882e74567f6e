// Package hostproto defines the IPC frames exchanged between the gateway's
// host adapter and a child extension process, plus a newline-delimited JSON
// codec for them. Both sides of the pipe share this package.
package hostproto

import (
	"encoding/json"

	"github.com/crosswire/crosswire/types"
)

// Kind discriminates frame types on the wire.
type Kind string

const (
	// KindHello is the first frame a child sends: its registration manifest.
	KindHello Kind = "hello"
	// KindReady acknowledges the hello and carries the extension's config.
	KindReady Kind = "ready"
	// KindReq is a method call. Adapter→child dispatches a declared method;
	// child→adapter is a nested call into the gateway.
	KindReq Kind = "req"
	// KindRes answers a req, route, or health frame with the same ID.
	KindRes Kind = "res"
	// KindEvent is fire-and-forget. Adapter→child delivers a broadcast;
	// child→adapter emits an event into the gateway.
	KindEvent Kind = "event"
	// KindRoute delivers a source-routed event to the channel owner. The
	// child answers with a res frame reporting acceptance.
	KindRoute Kind = "route"
	// KindHealth probes the child, answered with a res frame carrying Health.
	KindHealth Kind = "health"
)

// Frame is one IPC message. Only the fields relevant to its Kind are set.
type Frame struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id,omitempty"`

	// Call fields (req).
	Method       string             `json:"method,omitempty"`
	Params       map[string]any     `json:"params,omitempty"`
	ConnectionID string             `json:"connectionId,omitempty"`
	CallContext  *types.CallContext `json:"callContext,omitempty"`

	// Result fields (res).
	OK      bool                `json:"ok,omitempty"`
	Payload json.RawMessage     `json:"payload,omitempty"`
	Error   string              `json:"error,omitempty"`
	Health  *types.HealthStatus `json:"health,omitempty"`

	// Event and routing fields (event, route).
	Event  *types.GatewayEvent `json:"event,omitempty"`
	Source string              `json:"source,omitempty"`

	// Handshake fields (hello, ready).
	Registration *types.Registration `json:"registration,omitempty"`
	Config       map[string]any      `json:"config,omitempty"`
}
