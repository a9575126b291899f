// Package gateway interposes policy between a caller and a tool provider.
// Every invocation is evaluated before it reaches the backend; a verdict may
// allow it, reject it with or without aborting the run, or park it until a
// human approves.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Action is a policy verdict.
type Action int

const (
	// Allow forwards the call unchanged.
	Allow Action = iota
	// DenyAbort rejects the call and signals the run must stop.
	DenyAbort
	// DenyContinue rejects the call but lets the run proceed; the model sees
	// the rejection as a tool result it can react to.
	DenyContinue
	// Ask parks the call until a human resolves it.
	Ask
)

func (a Action) String() string {
	switch a {
	case Allow:
		return "allow"
	case DenyAbort:
		return "deny_abort"
	case DenyContinue:
		return "deny_continue"
	case Ask:
		return "ask"
	default:
		return "unknown"
	}
}

// Decision is the outcome of one policy evaluation.
type Decision struct {
	Action Action
	Reason string
}

// Engine evaluates a pending tool call. Implementations must be safe for
// concurrent use. A returned error means the engine itself broke; the gateway
// treats that as a deny, never as an allow.
type Engine interface {
	Decide(ctx context.Context, callID, name string, args json.RawMessage) (Decision, error)
}

// EngineFunc adapts a function to Engine.
type EngineFunc func(ctx context.Context, callID, name string, args json.RawMessage) (Decision, error)

func (f EngineFunc) Decide(ctx context.Context, callID, name string, args json.RawMessage) (Decision, error) {
	return f(ctx, callID, name, args)
}

// StaticEngine maps exact tool names to verdicts, with a default for
// everything unlisted.
type StaticEngine struct {
	mu       sync.RWMutex
	rules    map[string]Decision
	fallback Decision
}

// NewStaticEngine creates an engine whose unlisted tools get defaultDecision.
func NewStaticEngine(defaultDecision Decision) *StaticEngine {
	return &StaticEngine{
		rules:    make(map[string]Decision),
		fallback: defaultDecision,
	}
}

// Rule sets the verdict for one tool name, replacing any existing rule.
func (e *StaticEngine) Rule(name string, d Decision) *StaticEngine {
	e.mu.Lock()
	e.rules[name] = d
	e.mu.Unlock()
	return e
}

// Decide implements Engine.
func (e *StaticEngine) Decide(ctx context.Context, callID, name string, args json.RawMessage) (Decision, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if d, ok := e.rules[name]; ok {
		return d, nil
	}
	return e.fallback, nil
}

// ParseAction converts a config string to an Action.
func ParseAction(s string) (Action, error) {
	switch s {
	case "allow":
		return Allow, nil
	case "deny_abort", "deny-abort":
		return DenyAbort, nil
	case "deny_continue", "deny-continue":
		return DenyContinue, nil
	case "ask":
		return Ask, nil
	default:
		return Allow, fmt.Errorf("unknown policy action %q", s)
	}
}
