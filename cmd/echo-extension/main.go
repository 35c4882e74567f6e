// Package main is a minimal child-process extension used for manual testing
// and as a template: it echoes method params, greets with a configurable
// prefix, and relays session events back to their source.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/crosswire/crosswire/extension"
	"github.com/crosswire/crosswire/runtime"
	"github.com/crosswire/crosswire/types"
)

type echo struct {
	ec       *extension.Context
	greeting string
	unsub    func()
}

func (e *echo) Registration() types.Registration {
	return types.Registration{
		ID:   "echo",
		Name: "Echo",
		Methods: []types.MethodDef{
			{Name: "say", Description: "Echo params back with the configured greeting"},
			{
				Name:        "shout",
				Description: "Uppercase a message",
				InputSchema: json.RawMessage(`{
					"type": "object",
					"required": ["message"],
					"properties": {"message": {"type": "string"}}
				}`),
			},
		},
		Events: []string{"echo.heard"},
	}
}

func (e *echo) Start(_ context.Context, ec *extension.Context) error {
	e.ec = ec
	e.greeting = "hello"
	if g, ok := ec.Config()["greeting"].(string); ok {
		e.greeting = g
	}

	e.unsub = ec.On("session.*", func(ev types.GatewayEvent) {
		ec.Logger().Info("session event observed", "eventType", ev.Type)
		if err := ec.Emit("echo.heard", map[string]any{"heard": ev.Type}); err != nil {
			ec.Logger().Warn("emit failed", "error", err)
		}
	})
	return nil
}

func (e *echo) Stop() error {
	if e.unsub != nil {
		e.unsub()
	}
	return nil
}

func (e *echo) HandleMethod(_ context.Context, method string, params map[string]any) (any, error) {
	switch method {
	case "say":
		return map[string]any{"greeting": e.greeting, "params": params}, nil
	case "shout":
		msg, _ := params["message"].(string)
		return map[string]any{"message": strings.ToUpper(msg)}, nil
	default:
		return nil, fmt.Errorf("unknown method %q", method)
	}
}

func (e *echo) Health() types.HealthStatus {
	return types.HealthStatus{Healthy: true, Details: map[string]any{"greeting": e.greeting}}
}

func main() {
	if err := runtime.Serve(&echo{}); err != nil {
		fmt.Fprintf(os.Stderr, "echo-extension: %v\n", err)
		os.Exit(1)
	}
}
