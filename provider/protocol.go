package provider

import (
	"encoding/json"

	"github.com/voocel/relay/schema"
)

// Wire protocol between a Remote provider and a tool host: one JSON object
// per line in each direction, correlated by request id. A host may answer
// requests out of order.

// Request operations.
const (
	OpInvoke = "invoke"
	OpList   = "list"
)

// Request is a single frame sent to a tool host.
type Request struct {
	ID   string          `json:"id"`
	Op   string          `json:"op"`
	Tool string          `json:"tool,omitempty"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Response is a single frame received from a tool host. Exactly one of
// Result, Tools and Error is set.
type Response struct {
	ID     string            `json:"id"`
	Result json.RawMessage   `json:"result,omitempty"`
	Tools  []schema.ToolDef  `json:"tools,omitempty"`
	Error  *schema.CallError `json:"error,omitempty"`
}
