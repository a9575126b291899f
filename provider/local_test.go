package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/voocel/relay/schema"
)

func echoDef() schema.ToolDef {
	return schema.ToolDef{
		Name:        "echo",
		Description: "echoes text back",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"text": {"type": "string"}},
			"required": ["text"]
		}`),
	}
}

func echoFunc(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{"echo": in.Text})
}

func TestLocalInvoke(t *testing.T) {
	local := NewLocal(nil)
	if err := local.Register(echoDef(), echoFunc); err != nil {
		t.Fatalf("register: %v", err)
	}

	result, err := local.Invoke(context.Background(), schema.ToolCall{
		ID:   "c1",
		Name: "echo",
		Args: json.RawMessage(`{"text":"hi"}`),
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	var out map[string]string
	if err := json.Unmarshal(result, &out); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if out["echo"] != "hi" {
		t.Fatalf("result = %v, want echo=hi", out)
	}
}

func TestLocalInvalidArgumentsDistinctFromBackendError(t *testing.T) {
	local := NewLocal(nil)
	if err := local.Register(echoDef(), echoFunc); err != nil {
		t.Fatalf("register: %v", err)
	}
	failing := schema.ToolDef{Name: "boom"}
	if err := local.Register(failing, func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		return nil, fmt.Errorf("disk on fire")
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	// Schema rejection: recoverable, retryable with corrected arguments.
	_, err := local.Invoke(context.Background(), schema.ToolCall{
		ID: "c1", Name: "echo", Args: json.RawMessage(`{"text":42}`),
	})
	ce, ok := schema.AsCallError(err)
	if !ok || ce.Code != schema.CodeInvalidArguments {
		t.Fatalf("err = %v, want InvalidArguments call error", err)
	}

	// Function-body failure: a backend fault, not an argument problem.
	_, err = local.Invoke(context.Background(), schema.ToolCall{ID: "c2", Name: "boom"})
	ce, ok = schema.AsCallError(err)
	if !ok || ce.Code != schema.CodeBackendError {
		t.Fatalf("err = %v, want BackendError call error", err)
	}
}

func TestLocalUnknownTool(t *testing.T) {
	local := NewLocal(nil)
	_, err := local.Invoke(context.Background(), schema.ToolCall{ID: "c1", Name: "ghost"})
	ce, ok := schema.AsCallError(err)
	if !ok || ce.Code != schema.CodeNotFound {
		t.Fatalf("err = %v, want NotFound call error", err)
	}
}

func TestLocalDuplicateRegister(t *testing.T) {
	local := NewLocal(nil)
	if err := local.Register(echoDef(), echoFunc); err != nil {
		t.Fatalf("register: %v", err)
	}
	err := local.Register(echoDef(), echoFunc)
	if !errors.Is(err, schema.ErrToolAlreadyExists) {
		t.Fatalf("err = %v, want ErrToolAlreadyExists", err)
	}
}

func TestLocalCancelledContext(t *testing.T) {
	local := NewLocal(nil)
	if err := local.Register(echoDef(), echoFunc); err != nil {
		t.Fatalf("register: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := local.Invoke(ctx, schema.ToolCall{ID: "c1", Name: "echo", Args: json.RawMessage(`{"text":"hi"}`)})
	ce, ok := schema.AsCallError(err)
	if !ok || ce.Code != schema.CodeCancelled {
		t.Fatalf("err = %v, want Cancelled call error", err)
	}
}

func TestLocalTools(t *testing.T) {
	local := NewLocal(nil)
	if err := local.Register(echoDef(), echoFunc); err != nil {
		t.Fatalf("register: %v", err)
	}
	defs, err := local.Tools(context.Background())
	if err != nil {
		t.Fatalf("tools: %v", err)
	}
	if len(defs) != 1 || defs[0].Name != "echo" {
		t.Fatalf("tools = %+v, want one echo def", defs)
	}
}

func TestLocalWatch(t *testing.T) {
	local := NewLocal(nil)
	var events []schema.Event
	cancel := local.Watch(func(ev schema.Event) { events = append(events, ev) })
	defer cancel()

	if err := local.Register(echoDef(), echoFunc); err != nil {
		t.Fatalf("register: %v", err)
	}
	local.NotifyResourceUpdated("res://memo/1")

	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].Kind != schema.EventResourceListChanged {
		t.Fatalf("first event = %+v, want resource_list_changed", events[0])
	}
	if events[1].Kind != schema.EventResourceUpdated || events[1].URI != "res://memo/1" {
		t.Fatalf("second event = %+v, want resource_updated res://memo/1", events[1])
	}
}
