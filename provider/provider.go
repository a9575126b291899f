// Package provider defines the tool provider capability: given a function
// name and arguments, invoke it and return a structured result or a typed
// failure. Two implementations ship here, in-process function dispatch
// (Local) and remote dispatch over a line-delimited JSON transport (Remote).
package provider

import (
	"context"
	"encoding/json"

	"github.com/voocel/relay/schema"
)

// Provider invokes tools and advertises the operations it exposes. Typed
// invocation failures are *schema.CallError values; anything else is a
// provider-internal fault the caller wraps as a backend error.
type Provider interface {
	Invoke(ctx context.Context, call schema.ToolCall) (json.RawMessage, error)
	Tools(ctx context.Context) ([]schema.ToolDef, error)
}

// Starter is implemented by providers that need startup work before they can
// serve calls. A compositor mount stays Initializing until Start returns.
type Starter interface {
	Start(ctx context.Context) error
}

// Notifier is implemented by providers that emit change notifications.
// Watch registers a subscriber and returns a cancel function; events for one
// source are delivered in order.
type Notifier interface {
	Watch(fn func(schema.Event)) (cancel func())
}

// Func is an in-process tool implementation.
type Func func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)
