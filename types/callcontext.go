package types

import (
	"time"

	"github.com/google/uuid"

	"github.com/crosswire/crosswire/errors"
)

// MaxCallDepth caps extension-to-extension call chains. A chain of calls
// deeper than this fails with ErrCallDepthExceeded rather than recursing
// unbounded through the host boundary.
const MaxCallDepth = 10

// DefaultCallTimeout bounds a single method call when the caller supplies
// no deadline of its own.
const DefaultCallTimeout = 30 * time.Second

// CallContext travels with every method call across the host boundary so
// that chained calls share one trace and one deadline budget.
type CallContext struct {
	// TraceID correlates all calls in one chain.
	TraceID string `json:"traceId"`
	// Depth counts hops from the originating caller. The origin is depth 0.
	Depth int `json:"depth"`
	// Deadline is the absolute wall-clock cutoff in milliseconds.
	Deadline int64 `json:"deadline"`
}

// NewCallContext creates a root call context with a fresh trace ID and a
// deadline of now+timeout. A non-positive timeout uses DefaultCallTimeout.
func NewCallContext(timeout time.Duration) *CallContext {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &CallContext{
		TraceID:  uuid.NewString(),
		Depth:    0,
		Deadline: time.Now().Add(timeout).UnixMilli(),
	}
}

// Child derives the context for a nested call: same trace, same deadline,
// depth incremented. It fails once the chain would exceed MaxCallDepth.
func (c *CallContext) Child() (*CallContext, error) {
	if c.Depth+1 >= MaxCallDepth {
		return nil, errors.WrapFatal(errors.ErrCallDepthExceeded, "types", "Child", "call depth check")
	}
	return &CallContext{
		TraceID:  c.TraceID,
		Depth:    c.Depth + 1,
		Deadline: c.Deadline,
	}, nil
}

// Remaining reports the time budget left before the deadline. It returns
// zero or a negative duration when the deadline has passed.
func (c *CallContext) Remaining() time.Duration {
	return time.Until(time.UnixMilli(c.Deadline))
}

// Expired reports whether the deadline has passed.
func (c *CallContext) Expired() bool {
	return c.Remaining() <= 0
}
