// Package storage defines the blob storage contract shared by every backend
// and the registry that maps a record's backend tag to its implementation.
//
// Swap or add implementations by registering them at startup; callers only
// see the Backend interface.
package storage

import (
	"context"
	"fmt"
	"io"
	"sort"

	"ezdrop/internal/fault"
)

// Backend persists, retrieves and deletes blobs behind opaque identifiers.
type Backend interface {
	// Name is the tag stored on file records created through this backend.
	Name() string

	// Create starts a new blob. Nothing is reachable until Commit returns
	// the identifier. Implementations must reject the write with
	// fault.ErrDiskFull when it would leave less than their reserved margin.
	Create(ctx context.Context, sizeHint int64) (Writer, error)

	// Open returns a reader for a committed blob, or fault.ErrNotFound.
	Open(ctx context.Context, id string) (Blob, error)

	// Delete removes a blob. Unknown identifiers are not an error.
	Delete(ctx context.Context, id string) error
}

// Writer receives the bytes of a blob being created.
type Writer interface {
	io.Writer
	// Commit publishes the blob and returns its identifier.
	Commit() (string, error)
	// Abort discards everything written so far. It is safe to call after
	// a failed Commit and more than once.
	Abort() error
}

// Blob is a readable committed blob.
type Blob interface {
	io.ReadCloser
	// Size is the blob length in bytes, or -1 if the backend does not know it.
	Size() int64
}

// Store is the plain store contract: it copies src into a new blob on b and
// returns the committed identifier. Any failure aborts the blob.
func Store(ctx context.Context, b Backend, src io.Reader, sizeHint int64) (string, error) {
	w, err := b.Create(ctx, sizeHint)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(w, src); err != nil {
		_ = w.Abort()
		return "", fault.Wrap(fault.ErrStorage, err)
	}
	id, err := w.Commit()
	if err != nil {
		_ = w.Abort()
		return "", err
	}
	return id, nil
}

// Registry is the set of configured backends, built once at startup and
// passed to the components that need it.
type Registry struct {
	backends map[string]Backend
	def      string
}

// NewRegistry returns a registry whose default backend is def. def must be
// one of backends.
func NewRegistry(def string, backends ...Backend) (*Registry, error) {
	r := &Registry{backends: make(map[string]Backend, len(backends)), def: def}
	for _, b := range backends {
		if _, dup := r.backends[b.Name()]; dup {
			return nil, fmt.Errorf("storage backend %q registered twice", b.Name())
		}
		r.backends[b.Name()] = b
	}
	if _, ok := r.backends[def]; !ok {
		return nil, fmt.Errorf("default storage backend %q is not configured", def)
	}
	return r, nil
}

// Default is the backend new uploads are written to.
func (r *Registry) Default() Backend {
	return r.backends[r.def]
}

// Get looks up the backend for a record's backend tag.
func (r *Registry) Get(tag string) (Backend, error) {
	b, ok := r.backends[tag]
	if !ok {
		return nil, fmt.Errorf("%w: unknown storage backend %q", fault.ErrStorage, tag)
	}
	return b, nil
}

// Names lists the registered backend tags in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
