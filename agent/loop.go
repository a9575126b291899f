package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/voocel/relay/llm"
	"github.com/voocel/relay/provider"
	"github.com/voocel/relay/schema"
)

// DefaultMaxPhases bounds a run that never settles into a text answer.
const DefaultMaxPhases = 16

// Status is the terminal state of a run.
type Status int

const (
	// StatusFinished means the model produced a text answer.
	StatusFinished Status = iota
	// StatusAborted means a handler or policy stopped the run.
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusFinished:
		return "finished"
	case StatusAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Config wires a loop together.
type Config struct {
	Model    llm.Model
	Provider provider.Provider
	Handlers []Handler

	MaxPhases   int
	MaxTokens   int
	Temperature float64
	Logger      *zap.Logger
}

// RunState is what handlers see at the top of each phase. Transcript and
// Usage reflect everything up to but not including the current phase.
type RunState struct {
	Phase      int
	Transcript []schema.Message
	Tools      []schema.ToolDef
	Usage      llm.Usage
}

// RunResult is the outcome of a completed run.
type RunResult struct {
	Status     Status
	Reason     string
	Transcript []schema.Message
	Usage      llm.Usage
}

// FinalText returns the content of the last assistant message, if any.
func (r *RunResult) FinalText() string {
	for i := len(r.Transcript) - 1; i >= 0; i-- {
		if r.Transcript[i].Role == schema.RoleAssistant && r.Transcript[i].Content != "" {
			return r.Transcript[i].Content
		}
	}
	return ""
}

// Loop drives phases of deciding, sampling, dispatching and awaiting results
// until the model answers with text, a handler aborts, or the phase bound is
// reached.
type Loop struct {
	config Config
	logger *zap.Logger
}

// New validates config and creates a loop.
func New(config Config) (*Loop, error) {
	if config.Model == nil {
		return nil, errors.New("agent: model is required")
	}
	if config.Provider == nil {
		return nil, errors.New("agent: provider is required")
	}
	if config.MaxPhases <= 0 {
		config.MaxPhases = DefaultMaxPhases
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	return &Loop{config: config, logger: config.Logger}, nil
}

// Run executes the loop starting from the given messages.
func (l *Loop) Run(ctx context.Context, messages []schema.Message) (*RunResult, error) {
	state := &RunState{Transcript: append([]schema.Message(nil), messages...)}
	seenIDs := make(map[string]bool)

	for phase := 1; ; phase++ {
		if phase > l.config.MaxPhases {
			return l.finish(state, StatusAborted, fmt.Sprintf("exceeded max phases (%d)", l.config.MaxPhases)), nil
		}
		state.Phase = phase

		tools, err := l.config.Provider.Tools(ctx)
		if err != nil {
			return nil, fmt.Errorf("agent: listing tools: %w", err)
		}
		state.Tools = tools

		decision := l.decide(ctx, state)
		if decision.Kind == KindAbort {
			return l.finish(state, StatusAborted, decision.Reason), nil
		}

		state.Transcript = append(state.Transcript, decision.Inserts...)

		var assistant schema.Message
		var parallel bool
		if decision.SkipSampling {
			if len(decision.Inserts) == 0 {
				return nil, errors.New("agent: skip-sampling decision carried no inserts")
			}
			assistant = decision.Inserts[len(decision.Inserts)-1]
			parallel = len(assistant.ToolCalls) > 1
		} else {
			resp, err := l.config.Model.Respond(ctx, &llm.Request{
				Messages:    state.Transcript,
				Tools:       tools,
				Policy:      decision.Policy,
				Named:       decision.Named,
				MaxTokens:   l.config.MaxTokens,
				Temperature: l.config.Temperature,
			})
			if err != nil {
				return nil, fmt.Errorf("agent: sampling failed: %w", err)
			}
			assistant = resp.Message
			parallel = resp.Parallel
			state.Usage.Add(resp.Usage)
			state.Transcript = append(state.Transcript, assistant)
			l.observeUsage(resp.Usage)
		}

		if !assistant.HasToolCalls() {
			l.observeText(assistant)
			return l.finish(state, StatusFinished, ""), nil
		}

		calls := l.assignCallIDs(assistant.ToolCalls, seenIDs)
		outputs, abortReason := l.dispatch(ctx, calls, parallel)

		// Outputs land in issue order no matter how execution interleaved.
		for _, out := range outputs {
			state.Transcript = append(state.Transcript, schema.ToolOutputMessage(out))
			l.observeOutput(out)
		}
		if abortReason != "" {
			return l.finish(state, StatusAborted, abortReason), nil
		}
	}
}

func (l *Loop) decide(ctx context.Context, state *RunState) Decision {
	for _, h := range l.config.Handlers {
		if d := h.BeforeSample(ctx, state); d.Kind != KindNoOpinion {
			return d
		}
	}
	return Continue()
}

// assignCallIDs keeps the model's correlation ids when they are present and
// unique within the run, and replaces them otherwise. Order is issue order.
func (l *Loop) assignCallIDs(calls []schema.ToolCall, seen map[string]bool) []schema.ToolCall {
	out := make([]schema.ToolCall, len(calls))
	for i, call := range calls {
		if call.ID == "" || seen[call.ID] {
			call.ID = uuid.New().String()
		}
		seen[call.ID] = true
		if len(call.Args) == 0 {
			call.Args = json.RawMessage("{}")
		}
		out[i] = call
		l.observeCall(call)
	}
	return out
}

// errPolicyAbort cancels sibling dispatch when one call hits an aborting
// policy denial.
var errPolicyAbort = errors.New("policy abort")

// dispatch executes the phase's calls and returns their outputs in issue
// order. A non-empty abortReason means a policy abort ended the run; every
// issued call still has an output recorded.
func (l *Loop) dispatch(ctx context.Context, calls []schema.ToolCall, parallel bool) ([]schema.ToolCallOutput, string) {
	outputs := make([]schema.ToolCallOutput, len(calls))

	if parallel {
		g, gctx := errgroup.WithContext(ctx)
		for i, call := range calls {
			g.Go(func() error {
				outputs[i] = l.invoke(gctx, call)
				if outputs[i].Err != nil && outputs[i].Err.Code == schema.CodePolicyAbort {
					return errPolicyAbort
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return outputs, abortReason(outputs)
		}
		return outputs, ""
	}

	for i, call := range calls {
		outputs[i] = l.invoke(ctx, call)
		if outputs[i].Err != nil && outputs[i].Err.Code == schema.CodePolicyAbort {
			for j := i + 1; j < len(calls); j++ {
				outputs[j] = schema.ToolCallOutput{
					CallID: calls[j].ID,
					Err:    schema.NewCallError(schema.CodeCancelled, "not dispatched, run aborted"),
				}
			}
			return outputs, abortReason(outputs)
		}
	}
	return outputs, ""
}

func (l *Loop) invoke(ctx context.Context, call schema.ToolCall) schema.ToolCallOutput {
	l.logger.Debug("dispatching tool call", zap.String("call_id", call.ID), zap.String("tool", call.Name))
	result, err := l.config.Provider.Invoke(ctx, call)
	if err != nil {
		ce, ok := schema.AsCallError(err)
		if !ok {
			ce = schema.CallErrorFrom(err)
		}
		l.logger.Debug("tool call failed",
			zap.String("call_id", call.ID),
			zap.String("tool", call.Name),
			zap.Int("code", ce.Code))
		return schema.ToolCallOutput{CallID: call.ID, Err: ce}
	}
	return schema.ToolCallOutput{CallID: call.ID, Result: result}
}

func abortReason(outputs []schema.ToolCallOutput) string {
	for _, out := range outputs {
		if out.Err != nil && out.Err.Code == schema.CodePolicyAbort {
			return out.Err.Message
		}
	}
	return "aborted by policy"
}

func (l *Loop) finish(state *RunState, status Status, reason string) *RunResult {
	l.logger.Info("run complete",
		zap.String("status", status.String()),
		zap.Int("phases", state.Phase),
		zap.Int("total_tokens", state.Usage.TotalTokens))
	return &RunResult{
		Status:     status,
		Reason:     reason,
		Transcript: state.Transcript,
		Usage:      state.Usage,
	}
}

func (l *Loop) observeCall(call schema.ToolCall) {
	for _, h := range l.config.Handlers {
		if o, ok := h.(ToolObserver); ok {
			o.OnToolCall(call)
		}
	}
}

func (l *Loop) observeOutput(out schema.ToolCallOutput) {
	for _, h := range l.config.Handlers {
		if o, ok := h.(ToolObserver); ok {
			o.OnToolOutput(out)
		}
	}
}

func (l *Loop) observeText(msg schema.Message) {
	for _, h := range l.config.Handlers {
		if o, ok := h.(TextObserver); ok {
			o.OnAssistantText(msg)
		}
	}
}

func (l *Loop) observeUsage(usage llm.Usage) {
	for _, h := range l.config.Handlers {
		if o, ok := h.(UsageObserver); ok {
			o.OnUsage(usage)
		}
	}
}
