// Package badgerrepo is an embedded record.Repository backed by BadgerDB.
// It needs no external infrastructure and is the default durable store.
package badgerrepo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"ezdrop/internal/fault"
	"ezdrop/internal/record"
)

const (
	filePrefix   = "file:"
	urlPrefix    = "url:"
	createdIndex = "file-created:"
)

// Repo stores each record as JSON under a namespaced key. File records also
// get an index key ordered by creation time for the expiry sweep.
type Repo struct {
	db *badger.DB
}

// Open opens (or creates) a BadgerDB in dir.
func Open(dir string) (*Repo, error) {
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", dir, err)
	}
	return &Repo{db: db}, nil
}

// OpenInMemory opens a BadgerDB that lives only as long as the process.
func OpenInMemory() (*Repo, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open in-memory badger: %w", err)
	}
	return &Repo{db: db}, nil
}

func (r *Repo) Close() error {
	return r.db.Close()
}

// Ping fails once the database has been closed.
func (r *Repo) Ping(_ context.Context) error {
	if r.db.IsClosed() {
		return fault.Wrap(fault.ErrPersistence, badger.ErrDBClosed)
	}
	return nil
}

func fileKey(id string) []byte { return []byte(filePrefix + id) }
func urlKey(id string) []byte  { return []byte(urlPrefix + id) }

func createdKey(createdAt time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", createdIndex, createdAt.UTC().UnixNano(), id))
}

func (r *Repo) InsertFile(_ context.Context, rec record.FileRecord) error {
	val, err := json.Marshal(rec)
	if err != nil {
		return fault.Wrap(fault.ErrPersistence, err)
	}
	err = r.db.Update(func(txn *badger.Txn) error {
		if err := ensureAbsent(txn, fileKey(rec.ID)); err != nil {
			return err
		}
		if err := txn.Set(fileKey(rec.ID), val); err != nil {
			return err
		}
		return txn.Set(createdKey(rec.CreatedAt, rec.ID), nil)
	})
	return classify(err)
}

func (r *Repo) InsertURL(_ context.Context, rec record.URLRecord) error {
	val, err := json.Marshal(rec)
	if err != nil {
		return fault.Wrap(fault.ErrPersistence, err)
	}
	err = r.db.Update(func(txn *badger.Txn) error {
		if err := ensureAbsent(txn, urlKey(rec.ID)); err != nil {
			return err
		}
		return txn.Set(urlKey(rec.ID), val)
	})
	return classify(err)
}

func (r *Repo) GetFile(_ context.Context, id string) (record.FileRecord, error) {
	var rec record.FileRecord
	err := r.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, fileKey(id), &rec)
	})
	if err != nil {
		return record.FileRecord{}, classify(err)
	}
	return rec, nil
}

func (r *Repo) GetURL(_ context.Context, id string) (record.URLRecord, error) {
	var rec record.URLRecord
	err := r.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, urlKey(id), &rec)
	})
	if err != nil {
		return record.URLRecord{}, classify(err)
	}
	return rec, nil
}

func (r *Repo) DeleteFile(_ context.Context, id string) error {
	err := r.db.Update(func(txn *badger.Txn) error {
		var rec record.FileRecord
		if err := getJSON(txn, fileKey(id), &rec); err != nil {
			return err
		}
		if err := txn.Delete(createdKey(rec.CreatedAt, id)); err != nil {
			return err
		}
		return txn.Delete(fileKey(id))
	})
	return classify(err)
}

func (r *Repo) DeleteURL(_ context.Context, id string) error {
	err := r.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(urlKey(id)); err != nil {
			return err
		}
		return txn.Delete(urlKey(id))
	})
	return classify(err)
}

// ExpiredFiles walks the creation-time index in ascending order from just
// past the cursor and stops at the first entry that is not older than cutoff.
func (r *Repo) ExpiredFiles(_ context.Context, cutoff time.Time, after record.Cursor, limit int) ([]record.FileRecord, error) {
	var out []record.FileRecord
	bound := createdKey(cutoff, "")
	var start []byte
	if !after.IsZero() {
		start = createdKey(after.CreatedAt, after.ID)
	}

	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(createdIndex)
		it := txn.NewIterator(opts)
		defer it.Close()

		if start == nil {
			it.Rewind()
		} else {
			it.Seek(start)
		}
		for ; it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			if string(key) >= string(bound) {
				break
			}
			if start != nil && string(key) <= string(start) {
				continue
			}
			id := string(key[len(createdIndex)+21:])

			var rec record.FileRecord
			if err := getJSON(txn, fileKey(id), &rec); err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					continue
				}
				return err
			}
			out = append(out, rec)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}
	return out, nil
}

var errExists = errors.New("key exists")

func ensureAbsent(txn *badger.Txn, key []byte) error {
	_, err := txn.Get(key)
	switch {
	case err == nil:
		return errExists
	case errors.Is(err, badger.ErrKeyNotFound):
		return nil
	default:
		return err
	}
}

func getJSON(txn *badger.Txn, key []byte, dst any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, dst)
	})
}

// classify maps badger errors onto the record taxonomy. A transaction
// conflict on insert means another writer claimed the same key first.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return fault.ErrNotFound
	case errors.Is(err, errExists), errors.Is(err, badger.ErrConflict):
		return fault.ErrDuplicate
	default:
		return fault.Wrap(fault.ErrPersistence, err)
	}
}
