package types

import (
	"context"
	"encoding/json"
)

// DispatchFunc routes a fully-qualified method call ("ext.method") back into
// the gateway core. Child-process adapters hold one so that extensions can
// call methods on their peers; the manager installs it at registration time.
type DispatchFunc func(ctx context.Context, method string, params map[string]any, connectionID string, cc *CallContext) (json.RawMessage, error)

// HealthStatus is the result of probing one extension.
type HealthStatus struct {
	Healthy bool           `json:"healthy"`
	Details map[string]any `json:"details,omitempty"`
}
