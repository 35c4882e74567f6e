package types

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/crosswire/crosswire/errors"
)

// MethodDef describes one RPC method an extension exposes. InputSchema is
// an optional JSON Schema document validated against call params before
// dispatch; a nil schema means params pass through unvalidated.
type MethodDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Registration is the capability manifest an extension presents when it
// registers with the manager. IDs are unique within a running gateway;
// re-registering an ID replaces the previous extension atomically.
type Registration struct {
	// ID is the stable unique identifier, also the routing prefix for
	// method calls ("<id>.<method>").
	ID string `json:"id"`
	// Name is the human-readable display name.
	Name string `json:"name,omitempty"`
	// Methods lists the callable RPC methods, without the ID prefix.
	Methods []MethodDef `json:"methods,omitempty"`
	// Events lists event patterns this extension subscribes to.
	Events []string `json:"events,omitempty"`
	// SourceRoutes lists source prefixes this extension serves as a
	// responder for (e.g. "telegram"). A source address "telegram/chat42"
	// routes to the extension owning the "telegram" prefix.
	SourceRoutes []string `json:"sourceRoutes,omitempty"`
}

var idPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Validate checks structural invariants: a well-formed ID, non-empty unique
// method names, and non-empty source prefixes. It reports every violation,
// not just the first.
func (r Registration) Validate() error {
	var fields []errors.FieldError
	if r.ID == "" {
		fields = append(fields, errors.FieldError{Field: "id", Reason: "must not be empty"})
	} else if !idPattern.MatchString(r.ID) {
		fields = append(fields, errors.FieldError{Field: "id", Reason: "must match ^[a-z0-9][a-z0-9_-]*$"})
	}
	seen := make(map[string]bool, len(r.Methods))
	for i, m := range r.Methods {
		if m.Name == "" {
			fields = append(fields, errors.FieldError{Field: fmt.Sprintf("methods[%d].name", i), Reason: "must not be empty"})
			continue
		}
		if seen[m.Name] {
			fields = append(fields, errors.FieldError{Field: fmt.Sprintf("methods[%d].name", i), Reason: "duplicate method name " + m.Name})
		}
		seen[m.Name] = true
	}
	for i, p := range r.SourceRoutes {
		if p == "" {
			fields = append(fields, errors.FieldError{Field: fmt.Sprintf("sourceRoutes[%d]", i), Reason: "must not be empty"})
		}
	}
	for i, p := range r.Events {
		if p == "" {
			fields = append(fields, errors.FieldError{Field: fmt.Sprintf("events[%d]", i), Reason: "must not be empty"})
		}
	}
	if len(fields) > 0 {
		return &errors.ValidationError{Method: "registration", Fields: fields}
	}
	return nil
}

// QualifiedMethod returns the full routable method name "<id>.<method>".
func (r Registration) QualifiedMethod(method string) string {
	return r.ID + "." + method
}
