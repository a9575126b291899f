package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"

	"github.com/voocel/relay/schema"
)

// Local dispatches tool calls to registered in-process functions. Arguments
// are validated against each tool's JSON schema before the function runs, so
// a schema rejection (InvalidArguments) is always distinguishable from a
// failure raised by the function body (BackendError).
type Local struct {
	mu       sync.RWMutex
	tools    map[string]*localTool
	watchers map[int]func(schema.Event)
	nextID   int
	logger   *zap.Logger
}

type localTool struct {
	def      schema.ToolDef
	fn       Func
	compiled *jsonschema.Schema
}

// NewLocal creates an empty in-process provider.
func NewLocal(logger *zap.Logger) *Local {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Local{
		tools:    make(map[string]*localTool),
		watchers: make(map[int]func(schema.Event)),
		logger:   logger,
	}
}

// Register adds a tool. The input schema is compiled once here; a malformed
// schema is a registration error, not a per-call one.
func (l *Local) Register(def schema.ToolDef, fn Func) error {
	if def.Name == "" {
		return schema.NewValidationError("tool.name", def.Name, "tool name cannot be empty")
	}
	if fn == nil {
		return schema.NewValidationError("tool.fn", nil, "tool function cannot be nil")
	}

	tool := &localTool{def: def, fn: fn}
	if len(def.InputSchema) > 0 {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(def.InputSchema))
		if err != nil {
			return schema.NewToolError(def.Name, "register", err)
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(def.Name+".json", doc); err != nil {
			return schema.NewToolError(def.Name, "register", err)
		}
		compiled, err := c.Compile(def.Name + ".json")
		if err != nil {
			return schema.NewToolError(def.Name, "register", err)
		}
		tool.compiled = compiled
	}

	l.mu.Lock()
	if _, exists := l.tools[def.Name]; exists {
		l.mu.Unlock()
		return schema.NewToolError(def.Name, "register", schema.ErrToolAlreadyExists)
	}
	l.tools[def.Name] = tool
	l.mu.Unlock()

	l.notify(schema.Event{Kind: schema.EventResourceListChanged})
	return nil
}

// Invoke implements Provider.
func (l *Local) Invoke(ctx context.Context, call schema.ToolCall) (json.RawMessage, error) {
	l.mu.RLock()
	tool, exists := l.tools[call.Name]
	l.mu.RUnlock()
	if !exists {
		return nil, schema.NewCallError(schema.CodeNotFound, "unknown tool %q", call.Name)
	}

	rawArgs := normalizeArgs(call.Args)
	if tool.compiled != nil {
		var args interface{}
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return nil, schema.NewCallError(schema.CodeInvalidArguments, "arguments are not valid JSON: %v", err)
		}
		if err := tool.compiled.Validate(args); err != nil {
			return nil, schema.NewCallError(schema.CodeInvalidArguments, "schema validation failed: %v", err)
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, schema.NewCallError(schema.CodeCancelled, "call cancelled: %v", err)
	}

	result, err := tool.fn(ctx, rawArgs)
	if err != nil {
		l.logger.Debug("tool execution failed",
			zap.String("tool", call.Name),
			zap.String("call_id", call.ID),
			zap.Error(err))
		return nil, schema.CallErrorFrom(err)
	}
	return result, nil
}

// Tools implements Provider.
func (l *Local) Tools(ctx context.Context) ([]schema.ToolDef, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	defs := make([]schema.ToolDef, 0, len(l.tools))
	for _, tool := range l.tools {
		defs = append(defs, tool.def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs, nil
}

// Watch implements Notifier.
func (l *Local) Watch(fn func(schema.Event)) (cancel func()) {
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.watchers[id] = fn
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		delete(l.watchers, id)
		l.mu.Unlock()
	}
}

// NotifyResourceUpdated emits a resource-updated event to all watchers.
func (l *Local) NotifyResourceUpdated(uri string) {
	l.notify(schema.Event{Kind: schema.EventResourceUpdated, URI: uri})
}

// notify delivers outside the lock so a watcher may call back into the
// provider without deadlocking.
func (l *Local) notify(ev schema.Event) {
	l.mu.RLock()
	fns := make([]func(schema.Event), 0, len(l.watchers))
	for _, fn := range l.watchers {
		fns = append(fns, fn)
	}
	l.mu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// normalizeArgs treats missing arguments as an empty object so tools with
// no required parameters accept a bare call.
func normalizeArgs(args json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(args)) == 0 {
		return json.RawMessage(`{}`)
	}
	return args
}
