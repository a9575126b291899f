// Package toolkit ships the builtin tools served by the in-process provider:
// echo, send_message and fetch_page.
package toolkit

import (
	"context"
	"encoding/json"

	"github.com/voocel/relay/provider"
	"github.com/voocel/relay/schema"
)

// Register installs every builtin tool on the given provider.
func Register(local *provider.Local) error {
	if err := local.Register(EchoDef(), Echo); err != nil {
		return err
	}
	if err := local.Register(SendMessageDef(), SendMessage); err != nil {
		return err
	}
	fetcher := NewFetcher(0)
	if err := local.Register(fetcher.Def(), fetcher.Run); err != nil {
		return err
	}
	return nil
}

// EchoDef describes the echo tool.
func EchoDef() schema.ToolDef {
	return schema.ToolDef{
		Name:        "echo",
		Description: "Echo the given text back unchanged",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"text": {"type": "string", "description": "Text to echo"}
			},
			"required": ["text"]
		}`),
	}
}

// Echo returns its input text.
func Echo(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{"echo": in.Text})
}
