package agent

import (
	"context"

	"go.uber.org/zap"

	"github.com/voocel/relay/llm"
	"github.com/voocel/relay/schema"
)

// TokenBudget aborts runaway runs softly: once total usage crosses the
// budget, tools are withheld and the model is asked to wrap up, which ends
// the run on its next text answer.
type TokenBudget struct {
	MaxTokens int

	warned bool
}

// BeforeSample implements Handler.
func (b *TokenBudget) BeforeSample(ctx context.Context, state *RunState) Decision {
	if b.MaxTokens <= 0 || state.Usage.TotalTokens < b.MaxTokens {
		return NoOpinion()
	}
	d := Continue()
	d.Policy = llm.ToolForbid
	if !b.warned {
		b.warned = true
		d.Inserts = []schema.Message{
			schema.NewMessage(schema.RoleSystem, "Token budget exhausted. Summarize your progress and answer now without calling tools."),
		}
	}
	return d
}

// Bootstrap injects a scripted assistant turn on the first phase instead of
// sampling, so a run can start from known tool calls. Useful for warmup
// reads and for replaying recorded sessions.
type Bootstrap struct {
	Calls []schema.ToolCall
}

// BeforeSample implements Handler.
func (b *Bootstrap) BeforeSample(ctx context.Context, state *RunState) Decision {
	if state.Phase != 1 || len(b.Calls) == 0 {
		return NoOpinion()
	}
	turn := schema.NewMessage(schema.RoleAssistant, "")
	turn.ToolCalls = b.Calls
	d := Continue()
	d.Inserts = []schema.Message{turn}
	d.SkipSampling = true
	return d
}

// Recorder logs the run without steering it. A nil Logger records nothing.
type Recorder struct {
	Logger *zap.Logger
}

func (r *Recorder) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

// BeforeSample implements Handler.
func (r *Recorder) BeforeSample(ctx context.Context, state *RunState) Decision {
	r.logger().Debug("phase start",
		zap.Int("phase", state.Phase),
		zap.Int("transcript_len", len(state.Transcript)),
		zap.Int("tools", len(state.Tools)))
	return NoOpinion()
}

// OnToolCall implements ToolObserver.
func (r *Recorder) OnToolCall(call schema.ToolCall) {
	r.logger().Info("tool call issued", zap.String("call_id", call.ID), zap.String("tool", call.Name))
}

// OnToolOutput implements ToolObserver.
func (r *Recorder) OnToolOutput(out schema.ToolCallOutput) {
	if out.Err != nil {
		r.logger().Warn("tool call errored", zap.String("call_id", out.CallID), zap.Int("code", out.Err.Code), zap.String("message", out.Err.Message))
		return
	}
	r.logger().Info("tool call completed", zap.String("call_id", out.CallID))
}

// OnAssistantText implements TextObserver.
func (r *Recorder) OnAssistantText(msg schema.Message) {
	r.logger().Info("assistant answered", zap.Int("length", len(msg.Content)))
}

// OnUsage implements UsageObserver.
func (r *Recorder) OnUsage(usage llm.Usage) {
	r.logger().Debug("usage", zap.Int("prompt", usage.PromptTokens), zap.Int("completion", usage.CompletionTokens))
}
