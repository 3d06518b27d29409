// Package local is the directory-rooted storage backend. Each blob is a file
// named by a UUID under the configured directory.
package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"ezdrop/internal/fault"
	"ezdrop/internal/storage"
)

// Name is the backend tag written on records stored here.
const Name = "local"

const tmpPrefix = ".tmp-"

// DiskFreeFunc reports the bytes available on the filesystem holding dir.
type DiskFreeFunc func(dir string) (int64, error)

// Backend stores blobs as files under dir.
type Backend struct {
	dir      string
	reserved int64
	free     DiskFreeFunc
}

// Option customises a Backend.
type Option func(*Backend)

// WithDiskFree replaces the statfs lookup used for the free-space check.
func WithDiskFree(fn DiskFreeFunc) Option {
	return func(b *Backend) { b.free = fn }
}

// New creates dir if needed and returns a backend that refuses writes which
// would leave less than reserved bytes free.
func New(dir string, reserved int64, opts ...Option) (*Backend, error) {
	if dir == "" {
		return nil, errors.New("local storage directory is empty")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	b := &Backend{dir: dir, reserved: reserved, free: statfsAvailable}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

func (b *Backend) Name() string { return Name }

// Dir is the root directory of the backend.
func (b *Backend) Dir() string { return b.dir }

// Free returns the bytes available on the backing filesystem.
func (b *Backend) Free() (int64, error) {
	return b.free(b.dir)
}

// Reserved is the margin writes must leave free.
func (b *Backend) Reserved() int64 { return b.reserved }

func (b *Backend) Create(ctx context.Context, sizeHint int64) (storage.Writer, error) {
	if err := ctx.Err(); err != nil {
		return nil, fault.Wrap(fault.ErrInterrupted, err)
	}
	if sizeHint < 0 {
		sizeHint = 0
	}
	if err := b.checkSpace(sizeHint); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	tmp := filepath.Join(b.dir, tmpPrefix+id)
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fault.Wrap(fault.ErrStorage, err)
	}
	return &writer{b: b, f: f, id: id, tmp: tmp, hint: sizeHint}, nil
}

func (b *Backend) Open(ctx context.Context, id string) (storage.Blob, error) {
	path, err := b.path(id)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fault.ErrNotFound
		}
		return nil, fault.Wrap(fault.ErrStorage, err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fault.Wrap(fault.ErrStorage, err)
	}
	return &blob{File: f, size: st.Size()}, nil
}

func (b *Backend) Delete(ctx context.Context, id string) error {
	path, err := b.path(id)
	if err != nil {
		// Nothing with that name can exist here.
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fault.Wrap(fault.ErrStorage, err)
	}
	return nil
}

// path maps an identifier to its file, refusing anything that is not one of
// our generated UUIDs so ids can never escape dir.
func (b *Backend) path(id string) (string, error) {
	u, err := uuid.Parse(id)
	if err != nil || u.String() != id {
		return "", fault.ErrNotFound
	}
	return filepath.Join(b.dir, id), nil
}

func (b *Backend) checkSpace(need int64) error {
	avail, err := b.free(b.dir)
	if err != nil {
		return fault.Wrap(fault.ErrStorage, err)
	}
	if avail-need < b.reserved {
		return fault.ErrDiskFull
	}
	return nil
}

type writer struct {
	b    *Backend
	f    *os.File
	id   string
	tmp  string
	hint int64

	written int64
	checked int64

	mu   sync.Mutex
	done bool
}

func (w *writer) Write(p []byte) (int, error) {
	// Once past the announced size, re-check the margin every time another
	// hint-sized stretch (at least 1 MiB) has been written.
	w.written += int64(len(p))
	if w.written > w.hint {
		step := w.hint
		if step < 1<<20 {
			step = 1 << 20
		}
		if w.written-w.checked >= step || w.checked == 0 {
			w.checked = w.written
			if err := w.b.checkSpace(int64(len(p))); err != nil {
				w.written -= int64(len(p))
				return 0, err
			}
		}
	}
	n, err := w.f.Write(p)
	if err != nil {
		return n, fault.Wrap(fault.ErrStorage, err)
	}
	return n, nil
}

func (w *writer) Commit() (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return "", fmt.Errorf("%w: blob already finished", fault.ErrStorage)
	}
	if err := w.f.Sync(); err != nil {
		return "", fault.Wrap(fault.ErrStorage, err)
	}
	if err := w.f.Close(); err != nil {
		return "", fault.Wrap(fault.ErrStorage, err)
	}
	if err := os.Rename(w.tmp, filepath.Join(w.b.dir, w.id)); err != nil {
		_ = os.Remove(w.tmp)
		w.done = true
		return "", fault.Wrap(fault.ErrStorage, err)
	}
	w.done = true
	return w.id, nil
}

func (w *writer) Abort() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return nil
	}
	w.done = true
	_ = w.f.Close()
	if err := os.Remove(w.tmp); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fault.Wrap(fault.ErrStorage, err)
	}
	return nil
}

type blob struct {
	*os.File
	size int64
}

func (b *blob) Size() int64 { return b.size }
