// Package compositor aggregates multiple tool providers under one flat,
// addressable namespace. Providers are mounted at a prefix at runtime;
// invocations route by longest-prefix match against the live mount table and
// child notifications rebroadcast upward with origin-server attribution.
package compositor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/voocel/relay/naming"
	"github.com/voocel/relay/provider"
	"github.com/voocel/relay/schema"
)

// Mount table errors.
var (
	ErrDuplicatePrefix = errors.New("prefix already mounted")
	ErrNotMounted      = errors.New("prefix not mounted")
	ErrPinned          = errors.New("mount is pinned")
)

// NotReadyError is returned when a call routes to a mount that is still
// initializing or has failed. Callers fail fast instead of hanging.
type NotReadyError struct {
	Prefix string
	State  MountState
	Err    error
}

func (e *NotReadyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("mount %s not ready (%s): %v", e.Prefix, e.State, e.Err)
	}
	return fmt.Sprintf("mount %s not ready (%s)", e.Prefix, e.State)
}

func (e *NotReadyError) Unwrap() error { return e.Err }

// MountState is the lifecycle state of a mount. Transitions only move
// forward: Initializing to Running or Failed; both are terminal until
// unmount.
type MountState int

const (
	StateInitializing MountState = iota
	StateRunning
	StateFailed
)

func (s MountState) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MountInfo is a read-only snapshot of one mount table entry.
type MountInfo struct {
	Prefix string
	Pinned bool
	State  MountState
	Err    error
}

type mountEntry struct {
	prefix   string
	prov     provider.Provider
	pinned   bool
	state    MountState
	startErr error
	unwatch  func()
}

// Compositor owns a dynamic mount table. The table supports concurrent
// routing lookups; mount and unmount are serialized.
type Compositor struct {
	mu       sync.RWMutex
	mounts   map[string]*mountEntry
	watchers map[int]func(schema.Event)
	nextID   int
	logger   *zap.Logger
}

// New creates an empty compositor.
func New(logger *zap.Logger) *Compositor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Compositor{
		mounts:   make(map[string]*mountEntry),
		watchers: make(map[int]func(schema.Event)),
		logger:   logger,
	}
}

// MountOption customizes a mount.
type MountOption func(*mountEntry)

// Pinned marks the mount as rejecting unmount.
func Pinned() MountOption {
	return func(e *mountEntry) { e.pinned = true }
}

// Mount registers prov under prefix. The entry starts Initializing when the
// provider implements Starter (startup runs asynchronously), otherwise it is
// Running immediately. A mount-changed notification is emitted either way.
func (c *Compositor) Mount(ctx context.Context, prefix string, prov provider.Provider, opts ...MountOption) error {
	if prefix == "" {
		return schema.NewValidationError("prefix", prefix, "mount prefix cannot be empty")
	}
	if prov == nil {
		return schema.NewValidationError("provider", nil, "provider cannot be nil")
	}

	entry := &mountEntry{prefix: prefix, prov: prov, state: StateRunning}
	for _, opt := range opts {
		opt(entry)
	}
	starter, needsStart := prov.(provider.Starter)
	if needsStart {
		entry.state = StateInitializing
	}

	c.mu.Lock()
	if _, exists := c.mounts[prefix]; exists {
		c.mu.Unlock()
		return fmt.Errorf("mount %s: %w", prefix, ErrDuplicatePrefix)
	}
	c.mounts[prefix] = entry
	if notifier, ok := prov.(provider.Notifier); ok {
		entry.unwatch = notifier.Watch(func(ev schema.Event) {
			c.rebroadcast(prefix, ev)
		})
	}
	c.mu.Unlock()

	c.logger.Info("mounted provider", zap.String("prefix", prefix), zap.Bool("pinned", entry.pinned))
	c.notify(schema.Event{
		Kind:   schema.EventMountChanged,
		Prefix: prefix,
		Action: schema.MountActionMounted,
		Origin: prefix,
	})

	if needsStart {
		go c.start(ctx, entry, starter)
	}
	return nil
}

func (c *Compositor) start(ctx context.Context, entry *mountEntry, starter provider.Starter) {
	err := starter.Start(ctx)

	c.mu.Lock()
	// The mount may have been removed while starting; state still only
	// moves forward on the entry we hold.
	if entry.state == StateInitializing {
		if err != nil {
			entry.state = StateFailed
			entry.startErr = err
		} else {
			entry.state = StateRunning
		}
	}
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("mount startup failed", zap.String("prefix", entry.prefix), zap.Error(err))
	}
}

// Unmount removes the mount at prefix. Pinned mounts reject unmount and the
// table is left unchanged.
func (c *Compositor) Unmount(prefix string) error {
	c.mu.Lock()
	entry, exists := c.mounts[prefix]
	if !exists {
		c.mu.Unlock()
		return fmt.Errorf("unmount %s: %w", prefix, ErrNotMounted)
	}
	if entry.pinned {
		c.mu.Unlock()
		return fmt.Errorf("unmount %s: %w", prefix, ErrPinned)
	}
	delete(c.mounts, prefix)
	c.mu.Unlock()

	if entry.unwatch != nil {
		entry.unwatch()
	}
	c.logger.Info("unmounted provider", zap.String("prefix", prefix))
	c.notify(schema.Event{
		Kind:   schema.EventMountChanged,
		Prefix: prefix,
		Action: schema.MountActionUnmounted,
		Origin: prefix,
	})
	return nil
}

// Invoke implements provider.Provider. The flat name resolves against the
// current mount table; the matched prefix is stripped before forwarding.
func (c *Compositor) Invoke(ctx context.Context, call schema.ToolCall) (json.RawMessage, error) {
	c.mu.RLock()
	prefixes := make([]string, 0, len(c.mounts))
	for p := range c.mounts {
		prefixes = append(prefixes, p)
	}
	prefix, op, ok := naming.Split(call.Name, prefixes)
	if !ok {
		c.mu.RUnlock()
		return nil, schema.NewCallError(schema.CodeNotFound, "no mount serves function %q", call.Name)
	}
	entry := c.mounts[prefix]
	state, startErr, prov := entry.state, entry.startErr, entry.prov
	c.mu.RUnlock()

	if state != StateRunning {
		return nil, &NotReadyError{Prefix: prefix, State: state, Err: startErr}
	}

	forwarded := call
	forwarded.Name = op
	return prov.Invoke(ctx, forwarded)
}

// Tools implements provider.Provider by merging each running mount's
// operations under its prefix. A failed or still-initializing mount is
// skipped, not fatal; the gap is logged with the mount's state.
func (c *Compositor) Tools(ctx context.Context) ([]schema.ToolDef, error) {
	c.mu.RLock()
	entries := make([]*mountEntry, 0, len(c.mounts))
	for _, e := range c.mounts {
		entries = append(entries, e)
	}
	c.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].prefix < entries[j].prefix })

	var defs []schema.ToolDef
	for _, e := range entries {
		if e.state != StateRunning {
			c.logger.Warn("excluding mount from capability listing",
				zap.String("prefix", e.prefix),
				zap.String("state", e.state.String()),
				zap.Error(e.startErr))
			continue
		}
		tools, err := e.prov.Tools(ctx)
		if err != nil {
			c.logger.Warn("mount failed to list tools", zap.String("prefix", e.prefix), zap.Error(err))
			continue
		}
		for _, def := range tools {
			def.Name = naming.Join(e.prefix, def.Name)
			defs = append(defs, def)
		}
	}
	return defs, nil
}

// Mounts returns a snapshot of the mount table for admin surfaces.
func (c *Compositor) Mounts() []MountInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	infos := make([]MountInfo, 0, len(c.mounts))
	for _, e := range c.mounts {
		infos = append(infos, MountInfo{Prefix: e.prefix, Pinned: e.pinned, State: e.state, Err: e.startErr})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Prefix < infos[j].Prefix })
	return infos
}

// Prefixes returns the currently mounted prefixes.
func (c *Compositor) Prefixes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	prefixes := make([]string, 0, len(c.mounts))
	for p := range c.mounts {
		prefixes = append(prefixes, p)
	}
	sort.Strings(prefixes)
	return prefixes
}

// Watch implements provider.Notifier: the compositor is itself mountable
// inside another compositor.
func (c *Compositor) Watch(fn func(schema.Event)) (cancel func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.watchers[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.watchers, id)
		c.mu.Unlock()
	}
}

// rebroadcast forwards a child event to this compositor's subscribers. The
// first forwarder stamps the leaf's prefix as origin; outer levels preserve
// it, so multi-level hierarchies still attribute events to the leaf.
func (c *Compositor) rebroadcast(childPrefix string, ev schema.Event) {
	if ev.Origin == "" {
		ev.Origin = childPrefix
	}
	c.notify(ev)
}

func (c *Compositor) notify(ev schema.Event) {
	c.mu.RLock()
	fns := make([]func(schema.Event), 0, len(c.watchers))
	for _, fn := range c.watchers {
		fns = append(fns, fn)
	}
	c.mu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}
