package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/voocel/litellm"

	"github.com/voocel/relay/schema"
)

// Config selects and tunes the completion backend.
type Config struct {
	Model       string
	APIKey      string
	BaseURL     string
	MaxTokens   int
	Temperature float64
}

// LiteLLM adapts the litellm client to the Model interface.
type LiteLLM struct {
	client *litellm.Client
	config Config
}

// NewLiteLLM creates a model backed by litellm. The provider is picked from
// the model name prefix; unknown names fall back to OpenAI-compatible.
func NewLiteLLM(config Config) (*LiteLLM, error) {
	if config.Model == "" {
		return nil, fmt.Errorf("llm: model name is required")
	}

	var client *litellm.Client
	switch {
	case isAnthropicModel(config.Model):
		if config.BaseURL != "" {
			client = litellm.New(
				litellm.WithAnthropic(config.APIKey, config.BaseURL),
				litellm.WithDefaults(config.MaxTokens, config.Temperature),
			)
		} else {
			client = litellm.New(
				litellm.WithAnthropic(config.APIKey),
				litellm.WithDefaults(config.MaxTokens, config.Temperature),
			)
		}
	case isGeminiModel(config.Model):
		if config.BaseURL != "" {
			client = litellm.New(
				litellm.WithGemini(config.APIKey, config.BaseURL),
				litellm.WithDefaults(config.MaxTokens, config.Temperature),
			)
		} else {
			client = litellm.New(
				litellm.WithGemini(config.APIKey),
				litellm.WithDefaults(config.MaxTokens, config.Temperature),
			)
		}
	default:
		if config.BaseURL != "" {
			client = litellm.New(
				litellm.WithOpenAI(config.APIKey, config.BaseURL),
				litellm.WithDefaults(config.MaxTokens, config.Temperature),
			)
		} else {
			client = litellm.New(
				litellm.WithOpenAI(config.APIKey),
				litellm.WithDefaults(config.MaxTokens, config.Temperature),
			)
		}
	}

	return &LiteLLM{client: client, config: config}, nil
}

// Name implements Model.
func (m *LiteLLM) Name() string {
	return m.config.Model
}

// Respond implements Model.
func (m *LiteLLM) Respond(ctx context.Context, req *Request) (*Response, error) {
	messages := toLiteLLMMessages(req.Messages)
	tools := toLiteLLMTools(shapeTools(req))
	if req.Policy == ToolRequireAny && len(tools) > 0 {
		// Advisory only: the request surface has no tool_choice field, so
		// a model may still answer with bare text.
		messages = append(messages, litellm.Message{
			Role:    string(schema.RoleSystem),
			Content: "You must respond by calling one of the available tools.",
		})
	}

	litellmReq := &litellm.Request{
		Model:    m.config.Model,
		Messages: messages,
		Tools:    tools,
	}
	if req.Temperature != 0 {
		litellmReq.Temperature = litellm.Float64Ptr(req.Temperature)
	}
	if req.MaxTokens != 0 {
		litellmReq.MaxTokens = litellm.IntPtr(req.MaxTokens)
	}

	resp, err := m.client.Complete(ctx, litellmReq)
	if err != nil {
		return nil, fmt.Errorf("llm: completion failed: %w", err)
	}

	msg := schema.NewMessage(schema.RoleAssistant, resp.Content)
	msg.ToolCalls = fromLiteLLMToolCalls(resp.ToolCalls)

	return &Response{
		Message:  msg,
		Parallel: len(msg.ToolCalls) > 1,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.PromptTokens + resp.Usage.CompletionTokens,
		},
	}, nil
}

// shapeTools applies the request's tool policy to the advertised tool list.
func shapeTools(req *Request) []schema.ToolDef {
	switch req.Policy {
	case ToolForbid:
		return nil
	case ToolRequireNamed:
		allowed := make(map[string]bool, len(req.Named))
		for _, name := range req.Named {
			allowed[name] = true
		}
		var kept []schema.ToolDef
		for _, def := range req.Tools {
			if allowed[def.Name] {
				kept = append(kept, def)
			}
		}
		return kept
	default:
		return req.Tools
	}
}

func toLiteLLMMessages(messages []schema.Message) []litellm.Message {
	result := make([]litellm.Message, len(messages))
	for i, msg := range messages {
		result[i] = litellm.Message{
			Role:    string(msg.Role),
			Content: renderContent(msg),
		}
	}
	return result
}

// renderContent flattens an assistant tool-call turn into text for providers
// whose wire format carries content only. Tool result messages already carry
// their payload in Content.
func renderContent(msg schema.Message) string {
	if msg.Content != "" || len(msg.ToolCalls) == 0 {
		return msg.Content
	}
	var b strings.Builder
	for i, tc := range msg.ToolCalls {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "[tool call %s: %s(%s)]", tc.ID, tc.Name, tc.Args)
	}
	return b.String()
}

func toLiteLLMTools(defs []schema.ToolDef) []litellm.Tool {
	if len(defs) == 0 {
		return nil
	}
	result := make([]litellm.Tool, 0, len(defs))
	for _, def := range defs {
		var params map[string]any
		if len(def.InputSchema) > 0 {
			if err := json.Unmarshal(def.InputSchema, &params); err != nil {
				params = nil
			}
		}
		if params == nil {
			params = map[string]any{"type": "object"}
		}
		result = append(result, litellm.Tool{
			Type: "function",
			Function: litellm.FunctionSchema{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  params,
			},
		})
	}
	return result
}

func fromLiteLLMToolCalls(calls []litellm.ToolCall) []schema.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	result := make([]schema.ToolCall, len(calls))
	for i, tc := range calls {
		args := tc.Function.Arguments
		if args == "" {
			args = "{}"
		}
		result[i] = schema.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: json.RawMessage(args),
		}
	}
	return result
}

func isAnthropicModel(model string) bool {
	return strings.HasPrefix(model, "claude")
}

func isGeminiModel(model string) bool {
	return strings.HasPrefix(model, "gemini")
}
