// Package extension defines the capability contract every extension
// satisfies, independent of whether it runs in-process or in a child
// process behind a host adapter.
package extension

import (
	"context"

	"github.com/crosswire/crosswire/types"
)

// Extension is the contract a capability provider fulfills. The manager
// calls Start exactly once at registration, Stop exactly once at
// unregistration, and HandleMethod for every dispatched call whose method
// the extension declared.
type Extension interface {
	// Registration returns the capability manifest. It must be stable for
	// the lifetime of the extension.
	Registration() types.Registration

	// Start wires the extension into the gateway. The Context remains valid
	// until Stop returns; subscriptions made through it are torn down
	// automatically at unregistration.
	Start(ctx context.Context, ec *Context) error

	// Stop releases resources. Called once; subsequent calls are undefined.
	Stop() error

	// HandleMethod executes one declared method. Undeclared methods fail
	// with errors.ErrUnknownMethod.
	HandleMethod(ctx context.Context, method string, params map[string]any) (any, error)

	// Health reports liveness and optional diagnostic details.
	Health() types.HealthStatus
}

// SourceResponder is implemented by extensions that own source routes.
// HandleSourceResponse receives events routed to one of the extension's
// channel addresses ("<prefix>/<rest>").
type SourceResponder interface {
	HandleSourceResponse(source string, event types.GatewayEvent) error
}

// EventHandler consumes one matched event. Handlers run on the broadcast
// fan-out path and should return quickly.
type EventHandler func(event types.GatewayEvent)
