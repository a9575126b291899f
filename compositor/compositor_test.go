package compositor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/voocel/relay/provider"
	"github.com/voocel/relay/schema"
)

// namedProvider answers every invocation with its own tag and the operation
// name it received, so tests can see where a call landed after routing.
type namedProvider struct {
	tag   string
	tools []string
}

func (p *namedProvider) Invoke(ctx context.Context, call schema.ToolCall) (json.RawMessage, error) {
	return json.Marshal(map[string]string{"provider": p.tag, "op": call.Name})
}

func (p *namedProvider) Tools(ctx context.Context) ([]schema.ToolDef, error) {
	defs := make([]schema.ToolDef, 0, len(p.tools))
	for _, name := range p.tools {
		defs = append(defs, schema.ToolDef{Name: name})
	}
	return defs, nil
}

// startableProvider blocks in Start until released, or fails with startErr.
type startableProvider struct {
	namedProvider
	release  chan struct{}
	startErr error
}

func (p *startableProvider) Start(ctx context.Context) error {
	if p.release != nil {
		select {
		case <-p.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return p.startErr
}

func invokeTarget(t *testing.T, c *Compositor, name string) (string, string) {
	t.Helper()
	raw, err := c.Invoke(context.Background(), schema.ToolCall{ID: "c1", Name: name})
	if err != nil {
		t.Fatalf("invoke %s: %v", name, err)
	}
	var out map[string]string
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return out["provider"], out["op"]
}

func TestRoutingStripsPrefix(t *testing.T) {
	c := New(nil)
	if err := c.Mount(context.Background(), "files", &namedProvider{tag: "files"}); err != nil {
		t.Fatalf("mount: %v", err)
	}

	prov, op := invokeTarget(t, c, "files_read")
	if prov != "files" || op != "read" {
		t.Fatalf("routed to %s/%s, want files/read", prov, op)
	}
}

func TestRoutingLongestPrefixWins(t *testing.T) {
	// Both "docker" and "docker_compose" are mounted; the flat name
	// "docker_compose_up" must reach the longer mount with op "up".
	c := New(nil)
	if err := c.Mount(context.Background(), "docker", &namedProvider{tag: "short"}); err != nil {
		t.Fatalf("mount: %v", err)
	}
	if err := c.Mount(context.Background(), "docker_compose", &namedProvider{tag: "long"}); err != nil {
		t.Fatalf("mount: %v", err)
	}

	prov, op := invokeTarget(t, c, "docker_compose_up")
	if prov != "long" || op != "up" {
		t.Fatalf("routed to %s/%s, want long/up", prov, op)
	}
	prov, op = invokeTarget(t, c, "docker_ps")
	if prov != "short" || op != "ps" {
		t.Fatalf("routed to %s/%s, want short/ps", prov, op)
	}
}

func TestRoutingUnknownName(t *testing.T) {
	c := New(nil)
	_, err := c.Invoke(context.Background(), schema.ToolCall{ID: "c1", Name: "ghost_run"})
	ce, ok := schema.AsCallError(err)
	if !ok || ce.Code != schema.CodeNotFound {
		t.Fatalf("err = %v, want NotFound", err)
	}
}

func TestToolsReflectLiveMounts(t *testing.T) {
	c := New(nil)
	if err := c.Mount(context.Background(), "a", &namedProvider{tag: "a", tools: []string{"one"}}); err != nil {
		t.Fatalf("mount: %v", err)
	}

	defs, err := c.Tools(context.Background())
	if err != nil {
		t.Fatalf("tools: %v", err)
	}
	if len(defs) != 1 || defs[0].Name != "a_one" {
		t.Fatalf("tools = %+v, want [a_one]", defs)
	}

	// Mounting mid-session changes the very next listing.
	if err := c.Mount(context.Background(), "b", &namedProvider{tag: "b", tools: []string{"two"}}); err != nil {
		t.Fatalf("mount: %v", err)
	}
	defs, err = c.Tools(context.Background())
	if err != nil {
		t.Fatalf("tools: %v", err)
	}
	if len(defs) != 2 || defs[0].Name != "a_one" || defs[1].Name != "b_two" {
		t.Fatalf("tools = %+v, want [a_one b_two]", defs)
	}

	if err := c.Unmount("a"); err != nil {
		t.Fatalf("unmount: %v", err)
	}
	defs, err = c.Tools(context.Background())
	if err != nil {
		t.Fatalf("tools: %v", err)
	}
	if len(defs) != 1 || defs[0].Name != "b_two" {
		t.Fatalf("tools = %+v, want [b_two]", defs)
	}
}

func TestDuplicatePrefix(t *testing.T) {
	c := New(nil)
	if err := c.Mount(context.Background(), "x", &namedProvider{tag: "x"}); err != nil {
		t.Fatalf("mount: %v", err)
	}
	err := c.Mount(context.Background(), "x", &namedProvider{tag: "y"})
	if !errors.Is(err, ErrDuplicatePrefix) {
		t.Fatalf("err = %v, want ErrDuplicatePrefix", err)
	}
}

func TestPinnedMountRejectsUnmount(t *testing.T) {
	c := New(nil)
	if err := c.Mount(context.Background(), "core", &namedProvider{tag: "core", tools: []string{"ping"}}, Pinned()); err != nil {
		t.Fatalf("mount: %v", err)
	}

	err := c.Unmount("core")
	if !errors.Is(err, ErrPinned) {
		t.Fatalf("err = %v, want ErrPinned", err)
	}

	// The mount must remain fully functional after the rejected unmount.
	prov, op := invokeTarget(t, c, "core_ping")
	if prov != "core" || op != "ping" {
		t.Fatalf("routed to %s/%s after rejected unmount", prov, op)
	}
	if err := c.Unmount("ghost"); !errors.Is(err, ErrNotMounted) {
		t.Fatalf("err = %v, want ErrNotMounted", err)
	}
}

func TestInvokeFailsFastWhileInitializing(t *testing.T) {
	release := make(chan struct{})
	prov := &startableProvider{namedProvider: namedProvider{tag: "slow"}, release: release}
	c := New(nil)
	if err := c.Mount(context.Background(), "slow", prov); err != nil {
		t.Fatalf("mount: %v", err)
	}

	start := time.Now()
	_, err := c.Invoke(context.Background(), schema.ToolCall{ID: "c1", Name: "slow_op"})
	var nre *NotReadyError
	if !errors.As(err, &nre) || nre.State != StateInitializing {
		t.Fatalf("err = %v, want NotReadyError(initializing)", err)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Fatalf("fail-fast took %s, call blocked on startup", elapsed)
	}

	close(release)
	waitForState(t, c, "slow", StateRunning)
	if tag, _ := invokeTarget(t, c, "slow_op"); tag != "slow" {
		t.Fatalf("routed to %s after startup", tag)
	}
}

func TestFailedStartupExcludedFromListing(t *testing.T) {
	prov := &startableProvider{
		namedProvider: namedProvider{tag: "broken", tools: []string{"op"}},
		startErr:      fmt.Errorf("binary not found"),
	}
	c := New(nil)
	if err := c.Mount(context.Background(), "broken", prov); err != nil {
		t.Fatalf("mount: %v", err)
	}
	if err := c.Mount(context.Background(), "ok", &namedProvider{tag: "ok", tools: []string{"op"}}); err != nil {
		t.Fatalf("mount: %v", err)
	}
	waitForState(t, c, "broken", StateFailed)

	defs, err := c.Tools(context.Background())
	if err != nil {
		t.Fatalf("tools: %v", err)
	}
	if len(defs) != 1 || defs[0].Name != "ok_op" {
		t.Fatalf("tools = %+v, failed mount must be excluded", defs)
	}

	_, err = c.Invoke(context.Background(), schema.ToolCall{ID: "c1", Name: "broken_op"})
	var nre *NotReadyError
	if !errors.As(err, &nre) || nre.State != StateFailed {
		t.Fatalf("err = %v, want NotReadyError(failed)", err)
	}
}

func TestMountChangeEvents(t *testing.T) {
	c := New(nil)
	var mu sync.Mutex
	var events []schema.Event
	cancel := c.Watch(func(ev schema.Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	defer cancel()

	if err := c.Mount(context.Background(), "m", &namedProvider{tag: "m"}); err != nil {
		t.Fatalf("mount: %v", err)
	}
	if err := c.Unmount("m"); err != nil {
		t.Fatalf("unmount: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].Kind != schema.EventMountChanged || events[0].Action != schema.MountActionMounted || events[0].Prefix != "m" {
		t.Fatalf("first event = %+v", events[0])
	}
	if events[1].Action != schema.MountActionUnmounted {
		t.Fatalf("second event = %+v", events[1])
	}
}

func TestNestedOriginAttribution(t *testing.T) {
	// leaf provider -> inner compositor at "leaf" -> outer compositor at
	// "inner". Events surfacing at the outer level must still name "leaf".
	leaf := provider.NewLocal(nil)
	inner := New(nil)
	if err := inner.Mount(context.Background(), "leaf", leaf); err != nil {
		t.Fatalf("mount leaf: %v", err)
	}
	outer := New(nil)
	if err := outer.Mount(context.Background(), "inner", inner); err != nil {
		t.Fatalf("mount inner: %v", err)
	}

	var mu sync.Mutex
	var events []schema.Event
	cancel := outer.Watch(func(ev schema.Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	defer cancel()

	leaf.NotifyResourceUpdated("res://memo/7")

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if events[0].Origin != "leaf" {
		t.Fatalf("origin = %q, want leaf (stamped once at the innermost level)", events[0].Origin)
	}
	if events[0].URI != "res://memo/7" {
		t.Fatalf("uri = %q", events[0].URI)
	}
}

func TestUnmountDetachesChildWatch(t *testing.T) {
	leaf := provider.NewLocal(nil)
	c := New(nil)
	if err := c.Mount(context.Background(), "leaf", leaf); err != nil {
		t.Fatalf("mount: %v", err)
	}

	var mu sync.Mutex
	count := 0
	cancel := c.Watch(func(ev schema.Event) {
		mu.Lock()
		if ev.Kind == schema.EventResourceUpdated {
			count++
		}
		mu.Unlock()
	})
	defer cancel()

	leaf.NotifyResourceUpdated("res://a")
	if err := c.Unmount("leaf"); err != nil {
		t.Fatalf("unmount: %v", err)
	}
	leaf.NotifyResourceUpdated("res://b")

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Fatalf("resource events = %d, want 1 (post-unmount event must not surface)", count)
	}
}

func TestCompositorIsMountableAsProvider(t *testing.T) {
	inner := New(nil)
	if err := inner.Mount(context.Background(), "fs", &namedProvider{tag: "fs", tools: []string{"read"}}); err != nil {
		t.Fatalf("mount fs: %v", err)
	}
	outer := New(nil)
	if err := outer.Mount(context.Background(), "sub", inner); err != nil {
		t.Fatalf("mount sub: %v", err)
	}

	defs, err := outer.Tools(context.Background())
	if err != nil {
		t.Fatalf("tools: %v", err)
	}
	if len(defs) != 1 || defs[0].Name != "sub_fs_read" {
		t.Fatalf("tools = %+v, want [sub_fs_read]", defs)
	}

	prov, op := invokeTarget(t, outer, "sub_fs_read")
	if prov != "fs" || op != "read" {
		t.Fatalf("routed to %s/%s, want fs/read", prov, op)
	}
}

func waitForState(t *testing.T, c *Compositor, prefix string, want MountState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, m := range c.Mounts() {
			if m.Prefix == prefix && m.State == want {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("mount %s never reached %s", prefix, want)
}
