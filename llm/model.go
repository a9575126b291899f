// Package llm abstracts chat completion backends behind a single Model
// interface. The controller talks to a Model; the litellm adapter maps that
// onto concrete providers.
package llm

import (
	"context"

	"github.com/voocel/relay/schema"
)

// ToolPolicy constrains how the model may use tools on one sampling turn.
type ToolPolicy int

const (
	// ToolAuto lets the model decide freely.
	ToolAuto ToolPolicy = iota
	// ToolRequireAny asks the model to call at least one tool.
	ToolRequireAny
	// ToolForbid hides every tool from the model; the turn must produce text.
	ToolForbid
	// ToolRequireNamed restricts the model to an explicit set of tools.
	ToolRequireNamed
)

// Request is one sampling turn.
type Request struct {
	Messages    []schema.Message
	Tools       []schema.ToolDef
	Policy      ToolPolicy
	Named       []string
	MaxTokens   int
	Temperature float64
}

// Usage is token accounting for one response.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Add accumulates another response's usage.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// Response is the assistant turn produced by one sampling call. Parallel is
// true when the model proposed more than one tool call in this turn.
type Response struct {
	Message  schema.Message
	Parallel bool
	Usage    Usage
}

// Model is a chat completion backend.
type Model interface {
	Respond(ctx context.Context, req *Request) (*Response, error)
	Name() string
}
