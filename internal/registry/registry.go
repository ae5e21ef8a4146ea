// Package registry implements the optional virtual filesystem (component
// I): a root directory per session and one file per registered object.
// Directory entries list names only; file reads yield each object's
// textual state snapshot; file writes dispatch to the object's own
// handler, if it has one. Never on the fast path — besides diagnostics,
// only session setup and cluster creation in internal/runtime call into
// this package.
package registry

import (
	"sort"
	"sync"

	jsoniter "github.com/json-iterator/go"

	copperrors "github.com/coppercore/copperplate/internal/errors"
	"github.com/coppercore/copperplate/internal/logging"
)

// Entry is one registered object: a name, a textual snapshot producer,
// and an optional write handler for objects that accept control input
// through their registry file.
type Entry struct {
	Name     string
	Snapshot func() string
	Write    func([]byte) error
}

// Registry is a session's virtual filesystem of registered objects.
type Registry struct {
	mu      sync.Mutex
	mountpt string
	enabled bool
	entries map[string]*Entry
	log     *logging.Logger
}

// New creates a registry bound to mountpt. If enabled is false, Register
// is a no-op and Read/Write always report NotPermitted, matching
// --no-registry.
func New(mountpt string, enabled bool, log *logging.Logger) *Registry {
	if log == nil {
		log = logging.Default()
	}
	return &Registry{
		mountpt: mountpt,
		enabled: enabled,
		entries: make(map[string]*Entry),
		log:     log.WithObject("registry"),
	}
}

// Mountpoint returns the directory this registry is mounted under.
func (r *Registry) Mountpoint() string { return r.mountpt }

// Enabled reports whether the registry subsystem is active.
func (r *Registry) Enabled() bool { return r.enabled }

// Register adds an object's directory entry. A nil write disables writes
// to that entry's file (NotPermitted on Write).
func (r *Registry) Register(name string, snapshot func() string, write func([]byte) error) error {
	if !r.enabled {
		return nil
	}
	if snapshot == nil {
		return copperrors.Named("registry.register", name, copperrors.InvalidHandle, "snapshot function required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return copperrors.Named("registry.register", name, copperrors.Exists, "entry already registered")
	}
	r.entries[name] = &Entry{Name: name, Snapshot: snapshot, Write: write}
	r.log.Debug("registered object", "name", name)
	return nil
}

// Unregister removes an object's directory entry.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, name)
}

// List returns the registered object names, sorted.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Read returns the current textual state snapshot for name.
func (r *Registry) Read(name string) (string, error) {
	if !r.enabled {
		return "", copperrors.Named("registry.read", name, copperrors.NotPermitted, "registry disabled")
	}
	r.mu.Lock()
	e, ok := r.entries[name]
	r.mu.Unlock()
	if !ok {
		return "", copperrors.Named("registry.read", name, copperrors.NotFound, "no such entry")
	}
	return e.Snapshot(), nil
}

// Write dispatches data to name's write handler.
func (r *Registry) Write(name string, data []byte) error {
	if !r.enabled {
		return copperrors.Named("registry.write", name, copperrors.NotPermitted, "registry disabled")
	}
	r.mu.Lock()
	e, ok := r.entries[name]
	r.mu.Unlock()
	if !ok {
		return copperrors.Named("registry.write", name, copperrors.NotFound, "no such entry")
	}
	if e.Write == nil {
		return copperrors.Named("registry.write", name, copperrors.NotPermitted, "entry is read-only")
	}
	return e.Write(data)
}

// Dump renders every registered object's snapshot as a single JSON
// object keyed by name, for diagnostic consumption (e.g. an HTTP
// endpoint) rather than the one-file-per-object FS view.
func (r *Registry) Dump() (string, error) {
	r.mu.Lock()
	snapshots := make(map[string]string, len(r.entries))
	for name, e := range r.entries {
		snapshots[name] = e.Snapshot()
	}
	r.mu.Unlock()

	out, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalToString(snapshots)
	if err != nil {
		return "", copperrors.Wrap("registry.dump", err)
	}
	return out, nil
}
