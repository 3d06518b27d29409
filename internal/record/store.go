package record

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"ezdrop/internal/fault"
	"ezdrop/internal/metrics"
)

const (
	DefaultCacheSize = 4096
	lockStripes      = 64
)

// Store is the record store used by request handlers and the sweeper.
//
// Reads go through a bounded LRU cache per namespace. Entries are only added
// after the repository has confirmed the row, and negative results are never
// cached. Operations on the same ID are serialised through striped locks so a
// delete cannot race a read-through that would resurrect the cache entry.
type Store struct {
	repo  Repository
	files *lru.Cache[string, FileRecord]
	urls  *lru.Cache[string, URLRecord]
	locks [lockStripes]sync.RWMutex
}

// NewStore wraps repo with caches holding up to cacheSize entries per namespace.
func NewStore(repo Repository, cacheSize int) (*Store, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	files, err := lru.New[string, FileRecord](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create file cache: %w", err)
	}
	urls, err := lru.New[string, URLRecord](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create url cache: %w", err)
	}
	return &Store{repo: repo, files: files, urls: urls}, nil
}

func (s *Store) lockFor(namespace, id string) *sync.RWMutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(namespace))
	_, _ = h.Write([]byte(id))
	return &s.locks[h.Sum32()%lockStripes]
}

// PutFile persists rec and caches it once the repository accepts the write.
func (s *Store) PutFile(ctx context.Context, rec FileRecord) error {
	mu := s.lockFor(TableFiles, rec.ID)
	mu.Lock()
	defer mu.Unlock()

	if err := s.repo.InsertFile(ctx, rec); err != nil {
		return err
	}
	s.files.Add(rec.ID, rec)
	return nil
}

// PutURL persists rec and caches it once the repository accepts the write.
func (s *Store) PutURL(ctx context.Context, rec URLRecord) error {
	mu := s.lockFor(TableURLs, rec.ID)
	mu.Lock()
	defer mu.Unlock()

	if err := s.repo.InsertURL(ctx, rec); err != nil {
		return err
	}
	s.urls.Add(rec.ID, rec)
	return nil
}

// File returns the file record for id or fault.ErrNotFound.
func (s *Store) File(ctx context.Context, id string) (FileRecord, error) {
	if rec, ok := s.files.Get(id); ok {
		metrics.RecordCacheLookup(TableFiles, true)
		return rec, nil
	}
	metrics.RecordCacheLookup(TableFiles, false)

	mu := s.lockFor(TableFiles, id)
	mu.RLock()
	defer mu.RUnlock()

	rec, err := s.repo.GetFile(ctx, id)
	if err != nil {
		return FileRecord{}, err
	}
	s.files.Add(id, rec)
	return rec, nil
}

// URL returns the URL record for id or fault.ErrNotFound.
func (s *Store) URL(ctx context.Context, id string) (URLRecord, error) {
	if rec, ok := s.urls.Get(id); ok {
		metrics.RecordCacheLookup(TableURLs, true)
		return rec, nil
	}
	metrics.RecordCacheLookup(TableURLs, false)

	mu := s.lockFor(TableURLs, id)
	mu.RLock()
	defer mu.RUnlock()

	rec, err := s.repo.GetURL(ctx, id)
	if err != nil {
		return URLRecord{}, err
	}
	s.urls.Add(id, rec)
	return rec, nil
}

// FileExists is the collision check used when drawing a new file ID.
func (s *Store) FileExists(ctx context.Context, id string) (bool, error) {
	_, err := s.File(ctx, id)
	return exists(err)
}

// URLExists is the collision check used when drawing a new URL ID.
func (s *Store) URLExists(ctx context.Context, id string) (bool, error) {
	_, err := s.URL(ctx, id)
	return exists(err)
}

func exists(err error) (bool, error) {
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fault.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// DeleteFile removes the durable row and the cache entry. Deleting a record
// that is already gone is not an error.
func (s *Store) DeleteFile(ctx context.Context, rec FileRecord) error {
	mu := s.lockFor(TableFiles, rec.ID)
	mu.Lock()
	defer mu.Unlock()

	if err := s.repo.DeleteFile(ctx, rec.ID); err != nil && !errors.Is(err, fault.ErrNotFound) {
		return err
	}
	s.files.Remove(rec.ID)
	return nil
}

// DeleteURL removes the durable row and the cache entry. Deleting a record
// that is already gone is not an error.
func (s *Store) DeleteURL(ctx context.Context, rec URLRecord) error {
	mu := s.lockFor(TableURLs, rec.ID)
	mu.Lock()
	defer mu.Unlock()

	if err := s.repo.DeleteURL(ctx, rec.ID); err != nil && !errors.Is(err, fault.ErrNotFound) {
		return err
	}
	s.urls.Remove(rec.ID)
	return nil
}

// ExpiredFiles lists file records created before cutoff that sort after the
// cursor. It bypasses the cache.
func (s *Store) ExpiredFiles(ctx context.Context, cutoff time.Time, after Cursor, limit int) ([]FileRecord, error) {
	return s.repo.ExpiredFiles(ctx, cutoff, after, limit)
}

// Ping checks the underlying repository without touching the cache.
func (s *Store) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

// Close releases the underlying repository.
func (s *Store) Close() error {
	return s.repo.Close()
}
