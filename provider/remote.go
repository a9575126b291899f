package provider

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voocel/relay/schema"
)

const (
	// DefaultCallTimeout bounds a single remote call. Each call has its own
	// deadline, independent of siblings on the same transport.
	DefaultCallTimeout = 60 * time.Second

	maxFrameBytes = 1 << 20
)

// Transport is the byte stream a Remote speaks over. Writes and reads are
// framed as newline-delimited JSON by the Remote itself.
type Transport interface {
	io.Reader
	io.Writer
	Close() error
}

// Remote forwards tool calls to another process over a line-delimited JSON
// transport. Responses are demultiplexed by request id, so any number of
// calls may be in flight concurrently; cancelling one abandons only that
// request and leaves siblings untouched.
type Remote struct {
	transport Transport
	timeout   time.Duration
	logger    *zap.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan Response
	closed  bool
	done    chan struct{}

	cmd *exec.Cmd
}

// RemoteOption customizes a Remote.
type RemoteOption func(*Remote)

// WithCallTimeout sets the per-call timeout.
func WithCallTimeout(d time.Duration) RemoteOption {
	return func(r *Remote) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithRemoteLogger sets the logger.
func WithRemoteLogger(logger *zap.Logger) RemoteOption {
	return func(r *Remote) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRemote creates a Remote over an already-connected transport and starts
// the response reader.
func NewRemote(transport Transport, opts ...RemoteOption) *Remote {
	r := &Remote{
		transport: transport,
		timeout:   DefaultCallTimeout,
		logger:    zap.NewNop(),
		pending:   make(map[string]chan Response),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.readLoop()
	return r
}

// StartRemote launches a tool host subprocess and connects a Remote to its
// stdin/stdout.
func StartRemote(ctx context.Context, path string, args []string, opts ...RemoteOption) (*Remote, error) {
	cmd := exec.CommandContext(ctx, path, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("remote: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("remote: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("remote: start %s: %w", path, err)
	}
	r := NewRemote(procTransport{Reader: stdout, WriteCloser: stdin}, opts...)
	r.cmd = cmd
	return r, nil
}

type procTransport struct {
	io.Reader
	io.WriteCloser
}

func (t procTransport) Close() error { return t.WriteCloser.Close() }

// Invoke implements Provider.
func (r *Remote) Invoke(ctx context.Context, call schema.ToolCall) (json.RawMessage, error) {
	resp, err := r.roundTrip(ctx, Request{ID: requestID(call.ID), Op: OpInvoke, Tool: call.Name, Args: call.Args})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

// Tools implements Provider.
func (r *Remote) Tools(ctx context.Context) ([]schema.ToolDef, error) {
	resp, err := r.roundTrip(ctx, Request{ID: requestID(""), Op: OpList})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Tools, nil
}

// Close shuts the transport down and fails every in-flight call.
func (r *Remote) Close() error {
	err := r.transport.Close()
	if r.cmd != nil {
		_ = r.cmd.Wait()
	}
	return err
}

func (r *Remote) roundTrip(ctx context.Context, req Request) (Response, error) {
	ch := make(chan Response, 1)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return Response{}, schema.NewCallError(schema.CodeBackendError, "remote transport closed")
	}
	r.pending[req.ID] = ch
	r.mu.Unlock()

	if err := r.write(req); err != nil {
		r.drop(req.ID)
		return Response{}, schema.NewCallError(schema.CodeBackendError, "remote write failed: %v", err)
	}

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		r.drop(req.ID)
		return Response{}, schema.NewCallError(schema.CodeBackendError, "remote call timed out after %s", r.timeout)
	case <-ctx.Done():
		r.drop(req.ID)
		return Response{}, schema.NewCallError(schema.CodeCancelled, "call cancelled: %v", ctx.Err())
	case <-r.done:
		return Response{}, schema.NewCallError(schema.CodeBackendError, "remote connection closed")
	}
}

func (r *Remote) write(req Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	_, err = r.transport.Write(data)
	return err
}

func (r *Remote) drop(id string) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

func (r *Remote) readLoop() {
	scanner := bufio.NewScanner(r.transport)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil {
			r.logger.Warn("remote: malformed response frame", zap.Error(err))
			continue
		}
		r.mu.Lock()
		ch, ok := r.pending[resp.ID]
		if ok {
			delete(r.pending, resp.ID)
		}
		r.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
	// Transport gone: fail everything still parked.
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	close(r.done)
}

// requestID reuses the caller's correlation id when present; list requests
// and id-less calls get a fresh one so demultiplexing stays unambiguous.
func requestID(callID string) string {
	if callID != "" {
		return callID
	}
	return uuid.New().String()
}
