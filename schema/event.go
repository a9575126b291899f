package schema

// EventKind identifies a change notification flowing from a mounted provider
// toward subscribers.
type EventKind string

const (
	EventResourceUpdated     EventKind = "resource_updated"
	EventResourceListChanged EventKind = "resource_list_changed"
	EventMountChanged        EventKind = "mount_changed"
)

// MountAction describes what happened to a mount.
type MountAction string

const (
	MountActionMounted   MountAction = "mounted"
	MountActionUnmounted MountAction = "unmounted"
)

// Event is a change notification. Origin names the leaf server the event
// came from: the first compositor that rebroadcasts a child event stamps it
// with the child's prefix, and every outer level preserves it unchanged, so
// attribution survives compositor-in-compositor topologies.
type Event struct {
	Kind   EventKind   `json:"kind"`
	Origin string      `json:"origin,omitempty"`
	URI    string      `json:"uri,omitempty"`
	Prefix string      `json:"prefix,omitempty"`
	Action MountAction `json:"action,omitempty"`
}
