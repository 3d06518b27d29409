// Package record holds the file and URL metadata records and the Store that
// fronts their durable repository with a read-through cache.
package record

import (
	"context"
	"time"
)

// Table names shared by every Repository implementation.
const (
	TableFiles = "t_files"
	TableURLs  = "t_urls"
)

// FileRecord describes one uploaded blob. Records are immutable once created.
type FileRecord struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	// StorageID is opaque and only meaningful to the backend named by BackendTag.
	StorageID  string `json:"storage_id"`
	SizeBytes  int64  `json:"size_bytes"`
	FileName   string `json:"file_name"`
	MimeType   string `json:"mime_type"`
	SourceAddr string `json:"source_addr"`
	BackendTag string `json:"backend_tag"`
}

// Cursor is a position in the expiry order (created_at, then id). The zero
// Cursor is before every record.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// IsZero reports whether c is the starting position.
func (c Cursor) IsZero() bool { return c.CreatedAt.IsZero() && c.ID == "" }

// Cursor returns the position just at r; listing after it resumes with the
// next record.
func (r FileRecord) Cursor() Cursor { return Cursor{CreatedAt: r.CreatedAt, ID: r.ID} }

// URLRecord describes one shortened URL.
type URLRecord struct {
	ID          string    `json:"id"`
	CreatedAt   time.Time `json:"created_at"`
	Destination string    `json:"destination"`
	SourceAddr  string    `json:"source_addr"`
}

// Repository is the durable side of the Store.
//
// Inserting an ID that already exists returns fault.ErrDuplicate, reading or
// deleting a missing ID returns fault.ErrNotFound, and any other failure is
// wrapped in fault.ErrPersistence.
type Repository interface {
	InsertFile(ctx context.Context, rec FileRecord) error
	InsertURL(ctx context.Context, rec URLRecord) error
	GetFile(ctx context.Context, id string) (FileRecord, error)
	GetURL(ctx context.Context, id string) (URLRecord, error)
	DeleteFile(ctx context.Context, id string) error
	DeleteURL(ctx context.Context, id string) error
	// ExpiredFiles returns at most limit file records created before cutoff
	// and positioned strictly after the cursor, ordered by (created_at, id).
	ExpiredFiles(ctx context.Context, cutoff time.Time, after Cursor, limit int) ([]FileRecord, error)
	// Ping reports whether the repository is reachable.
	Ping(ctx context.Context) error
	Close() error
}
