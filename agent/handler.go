// Package agent runs the sampling and dispatch loop that turns a model, a
// tool provider and a set of handlers into a bounded conversation run.
package agent

import (
	"context"

	"github.com/voocel/relay/llm"
	"github.com/voocel/relay/schema"
)

// DecisionKind classifies a handler's verdict for the upcoming phase.
type DecisionKind int

const (
	// KindNoOpinion passes control to the next handler.
	KindNoOpinion DecisionKind = iota
	// KindContinue proceeds into the phase, possibly with adjustments.
	KindContinue
	// KindAbort ends the run before sampling.
	KindAbort
)

// Decision steers one phase. The loop consults handlers in registration
// order and the first decision that is not NoOpinion wins; later handlers
// are not asked.
type Decision struct {
	Kind   DecisionKind
	Reason string

	// Policy and Named adjust which tools the model sees this phase.
	Policy llm.ToolPolicy
	Named  []string

	// Inserts are appended to the transcript before sampling. With
	// SkipSampling set, the final insert stands in for the model's output
	// and sampling is skipped entirely this phase.
	Inserts      []schema.Message
	SkipSampling bool
}

// NoOpinion defers to the next handler.
func NoOpinion() Decision { return Decision{Kind: KindNoOpinion} }

// Continue proceeds with default behavior.
func Continue() Decision { return Decision{Kind: KindContinue} }

// Abort ends the run.
func Abort(reason string) Decision { return Decision{Kind: KindAbort, Reason: reason} }

// Handler is consulted at the top of every phase.
type Handler interface {
	BeforeSample(ctx context.Context, state *RunState) Decision
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, state *RunState) Decision

func (f HandlerFunc) BeforeSample(ctx context.Context, state *RunState) Decision {
	return f(ctx, state)
}

// Handlers may additionally implement any of the observer interfaces below.
// The loop checks with type assertions and calls every handler that opts in,
// regardless of whose decision won the phase.

// ToolObserver sees each issued call and its output.
type ToolObserver interface {
	OnToolCall(call schema.ToolCall)
	OnToolOutput(out schema.ToolCallOutput)
}

// TextObserver sees assistant text turns.
type TextObserver interface {
	OnAssistantText(msg schema.Message)
}

// UsageObserver sees per-phase token usage.
type UsageObserver interface {
	OnUsage(usage llm.Usage)
}
