// Package snapshot manages internal libvirt domain snapshots.
package snapshot

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/digitalocean/go-libvirt"
	"libvirt.org/go/libvirtxml"
)

// Error wraps a create/restore/delete failure or a missing backend handle.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("snapshot: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Snapshot is a named point-in-time capture of a VM, bounded by the
// lifetime of its owning VM.
type Snapshot struct {
	Name        string
	Description string
	CreatedAt   time.Time
	handle      libvirt.DomainSnapshot
	hasHandle   bool
}

// Client is the subset of the libvirt RPC surface Manager depends on.
type Client interface {
	DomainSnapshotCreateXML(dom libvirt.Domain, xml string, flags uint32) (libvirt.DomainSnapshot, error)
	DomainSnapshotListNames(dom libvirt.Domain, nameslen int32, flags uint32) (names []string, ret int32, err error)
	DomainSnapshotLookupByName(dom libvirt.Domain, name string, flags uint32) (libvirt.DomainSnapshot, error)
	DomainRevertToSnapshot(snap libvirt.DomainSnapshot, flags libvirt.DomainSnapshotRevertFlags) error
	DomainSnapshotDelete(snap libvirt.DomainSnapshot, flags uint32) error
}

// Manager is stateless: every operation takes an explicit VM or Snapshot.
type Manager struct {
	client Client
	logger *slog.Logger
	clock  func() time.Time
}

// New creates a Manager. clock defaults to time.Now when nil, letting
// tests inject a fixed time per the design notes.
func New(client Client, logger *slog.Logger, clock func() time.Time) *Manager {
	if clock == nil {
		clock = time.Now
	}
	return &Manager{client: client, logger: logger, clock: clock}
}

// Create constructs an internal snapshot of dom named name, with an
// optional description, and returns a Snapshot carrying CreatedAt = now.
func (m *Manager) Create(dom libvirt.Domain, name, description string) (*Snapshot, error) {
	def := &libvirtxml.DomainSnapshot{
		Name:        name,
		Description: description,
	}
	xml, err := def.Marshal()
	if err != nil {
		return nil, &Error{Op: "create", Err: fmt.Errorf("marshal snapshot xml: %w", err)}
	}

	handle, err := m.client.DomainSnapshotCreateXML(dom, xml, 0)
	if err != nil {
		return nil, &Error{Op: "create", Err: err}
	}

	return &Snapshot{
		Name:        name,
		Description: description,
		CreatedAt:   m.clock().UTC(),
		handle:      handle,
		hasHandle:   true,
	}, nil
}

// List returns all snapshots of dom. Backend errors are logged and
// degrade to an empty list: listing is non-critical.
func (m *Manager) List(dom libvirt.Domain) []*Snapshot {
	names, _, err := m.client.DomainSnapshotListNames(dom, -1, 0)
	if err != nil {
		m.logger.Warn("snapshot list failed, degrading to empty", "error", err)
		return nil
	}

	out := make([]*Snapshot, 0, len(names))
	for _, name := range names {
		handle, err := m.client.DomainSnapshotLookupByName(dom, name, 0)
		if err != nil {
			m.logger.Warn("snapshot lookup failed, skipping", "name", name, "error", err)
			continue
		}
		out = append(out, &Snapshot{Name: name, handle: handle, hasHandle: true})
	}
	return out
}

// Restore reverts dom to snap, atomically from the caller's perspective.
// Requires snap to carry a backend handle.
func (m *Manager) Restore(snap *Snapshot) error {
	if !snap.hasHandle {
		return &Error{Op: "restore", Err: fmt.Errorf("snapshot %q has no backend handle", snap.Name)}
	}
	if err := m.client.DomainRevertToSnapshot(snap.handle, 0); err != nil {
		return &Error{Op: "restore", Err: err}
	}
	return nil
}

// Delete irreversibly removes snap. Requires snap to carry a backend
// handle.
func (m *Manager) Delete(snap *Snapshot) error {
	if !snap.hasHandle {
		return &Error{Op: "delete", Err: fmt.Errorf("snapshot %q has no backend handle", snap.Name)}
	}
	if err := m.client.DomainSnapshotDelete(snap.handle, 0); err != nil {
		return &Error{Op: "delete", Err: err}
	}
	return nil
}
