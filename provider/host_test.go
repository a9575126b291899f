package provider

import (
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/voocel/relay/schema"
)

type pipeTransport struct {
	io.Reader
	io.Writer
	closers []io.Closer
}

func (t pipeTransport) Close() error {
	var first error
	for _, c := range t.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// startHost runs ServeHost over in-memory pipes and returns the client side.
func startHost(t *testing.T, prov Provider) Transport {
	t.Helper()
	toHostR, toHostW := io.Pipe()
	fromHostR, fromHostW := io.Pipe()
	go func() {
		_ = ServeHost(context.Background(), prov, toHostR, fromHostW, nil)
		fromHostW.Close()
	}()
	return pipeTransport{
		Reader:  fromHostR,
		Writer:  toHostW,
		closers: []io.Closer{toHostW, fromHostR},
	}
}

func TestHostServesRemoteEndToEnd(t *testing.T) {
	local := NewLocal(nil)
	if err := local.Register(echoDef(), echoFunc); err != nil {
		t.Fatalf("register: %v", err)
	}
	remote := NewRemote(startHost(t, local))
	defer remote.Close()

	defs, err := remote.Tools(context.Background())
	if err != nil {
		t.Fatalf("tools: %v", err)
	}
	if len(defs) != 1 || defs[0].Name != "echo" {
		t.Fatalf("tools = %+v", defs)
	}

	result, err := remote.Invoke(context.Background(), schema.ToolCall{
		ID: "c1", Name: "echo", Args: json.RawMessage(`{"text":"through the pipe"}`),
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	var out map[string]string
	if err := json.Unmarshal(result, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["echo"] != "through the pipe" {
		t.Fatalf("result = %v", out)
	}
}

func TestHostPropagatesCallErrors(t *testing.T) {
	local := NewLocal(nil)
	if err := local.Register(echoDef(), echoFunc); err != nil {
		t.Fatalf("register: %v", err)
	}
	remote := NewRemote(startHost(t, local))
	defer remote.Close()

	// Schema violation on the host side surfaces with its original code.
	_, err := remote.Invoke(context.Background(), schema.ToolCall{
		ID: "c1", Name: "echo", Args: json.RawMessage(`{"text":7}`),
	})
	ce, ok := schema.AsCallError(err)
	if !ok || ce.Code != schema.CodeInvalidArguments {
		t.Fatalf("err = %v, want InvalidArguments", err)
	}

	_, err = remote.Invoke(context.Background(), schema.ToolCall{ID: "c2", Name: "ghost"})
	ce, ok = schema.AsCallError(err)
	if !ok || ce.Code != schema.CodeNotFound {
		t.Fatalf("err = %v, want NotFound", err)
	}
}
