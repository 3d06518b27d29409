// Package pgrepo is the PostgreSQL record.Repository. It talks to the pool
// through database/sql with the pgx stdlib driver.
package pgrepo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"ezdrop/internal/fault"
	"ezdrop/internal/record"
)

const uniqueViolation = "23505"

const (
	sqlInsertFile = `INSERT INTO ` + record.TableFiles + `
		(id, created_at, storage_id, size_bytes, file_name, mime_type, source_addr, backend_tag)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	sqlInsertURL = `INSERT INTO ` + record.TableURLs + `
		(id, created_at, destination, source_addr)
		VALUES ($1, $2, $3, $4)`
	sqlSelectFile = `SELECT id, created_at, storage_id, size_bytes, file_name, mime_type, source_addr, backend_tag
		FROM ` + record.TableFiles + ` WHERE id = $1`
	sqlSelectURL = `SELECT id, created_at, destination, source_addr
		FROM ` + record.TableURLs + ` WHERE id = $1`
	sqlDeleteFile  = `DELETE FROM ` + record.TableFiles + ` WHERE id = $1`
	sqlDeleteURL   = `DELETE FROM ` + record.TableURLs + ` WHERE id = $1`
	sqlExpiredFile = `SELECT id, created_at, storage_id, size_bytes, file_name, mime_type, source_addr, backend_tag
		FROM ` + record.TableFiles + `
		WHERE created_at < $1 AND (created_at, id) > ($2::timestamptz, $3::varchar)
		ORDER BY created_at ASC, id ASC
		LIMIT $4`
)

// Repo implements record.Repository on top of *sql.DB.
type Repo struct {
	db *sql.DB
}

// New returns a Repo using db. The schema must already be migrated.
func New(db *sql.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) Close() error {
	return r.db.Close()
}

func (r *Repo) Ping(ctx context.Context) error {
	return classify(r.db.PingContext(ctx))
}

func (r *Repo) InsertFile(ctx context.Context, rec record.FileRecord) error {
	_, err := r.db.ExecContext(ctx, sqlInsertFile,
		rec.ID, rec.CreatedAt, rec.StorageID, rec.SizeBytes,
		rec.FileName, rec.MimeType, rec.SourceAddr, rec.BackendTag,
	)
	return classify(err)
}

func (r *Repo) InsertURL(ctx context.Context, rec record.URLRecord) error {
	_, err := r.db.ExecContext(ctx, sqlInsertURL, rec.ID, rec.CreatedAt, rec.Destination, rec.SourceAddr)
	return classify(err)
}

func (r *Repo) GetFile(ctx context.Context, id string) (record.FileRecord, error) {
	rec, err := scanFile(r.db.QueryRowContext(ctx, sqlSelectFile, id))
	if err != nil {
		return record.FileRecord{}, classify(err)
	}
	return rec, nil
}

func (r *Repo) GetURL(ctx context.Context, id string) (record.URLRecord, error) {
	var rec record.URLRecord
	err := r.db.QueryRowContext(ctx, sqlSelectURL, id).
		Scan(&rec.ID, &rec.CreatedAt, &rec.Destination, &rec.SourceAddr)
	if err != nil {
		return record.URLRecord{}, classify(err)
	}
	return rec, nil
}

func (r *Repo) DeleteFile(ctx context.Context, id string) error {
	return r.delete(ctx, sqlDeleteFile, id)
}

func (r *Repo) DeleteURL(ctx context.Context, id string) error {
	return r.delete(ctx, sqlDeleteURL, id)
}

func (r *Repo) delete(ctx context.Context, query, id string) error {
	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify(err)
	}
	if n == 0 {
		return fault.ErrNotFound
	}
	return nil
}

func (r *Repo) ExpiredFiles(ctx context.Context, cutoff time.Time, after record.Cursor, limit int) ([]record.FileRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, sqlExpiredFile, cutoff, after.CreatedAt, after.ID, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []record.FileRecord
	for rows.Next() {
		rec, err := scanFile(rows)
		if err != nil {
			return nil, classify(err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFile(row scanner) (record.FileRecord, error) {
	var rec record.FileRecord
	err := row.Scan(&rec.ID, &rec.CreatedAt, &rec.StorageID, &rec.SizeBytes,
		&rec.FileName, &rec.MimeType, &rec.SourceAddr, &rec.BackendTag)
	rec.CreatedAt = rec.CreatedAt.UTC()
	return rec, err
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fault.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fault.ErrDuplicate
	}
	return fault.Wrap(fault.ErrPersistence, err)
}
