package provider

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/voocel/relay/schema"
)

// ServeHost answers protocol frames from r with responses on w until r is
// exhausted, dispatching through prov. Requests run concurrently, each on
// its own goroutine, so one slow tool never blocks the host; writes are
// serialized. This is the server side of the Remote provider.
func ServeHost(ctx context.Context, prov Provider, r io.Reader, w io.Writer, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	var writeMu sync.Mutex
	write := func(resp Response) {
		data, err := json.Marshal(resp)
		if err != nil {
			logger.Error("host: marshaling response", zap.Error(err))
			return
		}
		data = append(data, '\n')
		writeMu.Lock()
		defer writeMu.Unlock()
		if _, err := w.Write(data); err != nil {
			logger.Warn("host: writing response", zap.Error(err))
		}
	}

	var wg sync.WaitGroup
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			logger.Warn("host: malformed request frame", zap.Error(err))
			continue
		}
		wg.Add(1)
		go func(req Request) {
			defer wg.Done()
			write(handleRequest(ctx, prov, req))
		}(req)
	}
	wg.Wait()

	if err := scanner.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		return err
	}
	return nil
}

func handleRequest(ctx context.Context, prov Provider, req Request) Response {
	switch req.Op {
	case OpList:
		tools, err := prov.Tools(ctx)
		if err != nil {
			return Response{ID: req.ID, Error: callError(err)}
		}
		return Response{ID: req.ID, Tools: tools}
	case OpInvoke:
		result, err := prov.Invoke(ctx, schema.ToolCall{ID: req.ID, Name: req.Tool, Args: req.Args})
		if err != nil {
			return Response{ID: req.ID, Error: callError(err)}
		}
		return Response{ID: req.ID, Result: result}
	default:
		return Response{ID: req.ID, Error: schema.NewCallError(schema.CodeInvalidArguments, "unknown op %q", req.Op)}
	}
}

func callError(err error) *schema.CallError {
	if ce, ok := schema.AsCallError(err); ok {
		return ce
	}
	return schema.CallErrorFrom(err)
}
