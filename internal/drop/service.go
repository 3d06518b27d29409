// Package drop is the transfer core: it turns uploads into stored blobs plus
// file records, serves them back, and shortens URLs.
package drop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"ezdrop/internal/fault"
	"ezdrop/internal/metrics"
	"ezdrop/internal/pump"
	"ezdrop/internal/record"
	"ezdrop/internal/shortid"
	"ezdrop/internal/storage"
)

// maxPutAttempts bounds how often a record insert is retried with a fresh
// ID after losing a race for the same ID.
const maxPutAttempts = 5

// Config holds the request limits and link prefix.
type Config struct {
	// BaseURL prefixes every returned link. A trailing slash is ignored.
	BaseURL        string
	MaxUploadBytes int64
	BannedTypes    []string
	MaxURLLength   int
}

// Service wires the record store, storage backends, pump and ID generator.
type Service struct {
	records  *record.Store
	backends *storage.Registry
	pump     *pump.Pump
	ids      *shortid.Generator
	cfg      Config
	banned   map[string]struct{}
	log      logrus.FieldLogger
	now      func() time.Time
}

// New returns a Service. MaxURLLength defaults to 256.
func New(records *record.Store, backends *storage.Registry, p *pump.Pump, ids *shortid.Generator, cfg Config, log logrus.FieldLogger) *Service {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.MaxURLLength <= 0 {
		cfg.MaxURLLength = 256
	}
	banned := make(map[string]struct{}, len(cfg.BannedTypes))
	for _, t := range cfg.BannedTypes {
		banned[normalizeMime(t)] = struct{}{}
	}
	return &Service{
		records:  records,
		backends: backends,
		pump:     p,
		ids:      ids,
		cfg:      cfg,
		banned:   banned,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// UploadRequest is what the HTTP layer hands over for one file.
type UploadRequest struct {
	Body       io.Reader
	SizeHint   int64
	FileName   string
	MimeType   string
	SourceAddr string
}

// Upload stores req.Body on the default backend and records it. The record
// is durable before Upload returns. On any failure after the blob was
// committed, the blob is deleted before the error is returned.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (rec record.FileRecord, err error) {
	began := time.Now()
	defer func() {
		if err != nil {
			metrics.RecordUploadError(fault.Label(err))
		}
	}()

	mime := normalizeMime(req.MimeType)
	if _, ok := s.banned[mime]; ok {
		return record.FileRecord{}, fault.Validation("Banned MIME type.")
	}
	if s.cfg.MaxUploadBytes > 0 && req.SizeHint > s.cfg.MaxUploadBytes {
		return record.FileRecord{}, fmt.Errorf("%w: %d bytes announced, limit is %d", ErrTooLarge, req.SizeHint, s.cfg.MaxUploadBytes)
	}
	if req.Body == nil {
		return record.FileRecord{}, fault.Validation("missing file body")
	}

	id, err := s.nextID(ctx, s.records.FileExists)
	if err != nil {
		return record.FileRecord{}, err
	}

	backend := s.backends.Default()
	res, err := s.pump.Store(ctx, backend, newLimitReader(req.Body, s.cfg.MaxUploadBytes), req.SizeHint)
	if err != nil {
		return record.FileRecord{}, err
	}

	rec = record.FileRecord{
		ID:         id,
		CreatedAt:  s.now(),
		StorageID:  res.StorageID,
		SizeBytes:  res.Bytes,
		FileName:   SanitizeFilename(req.FileName),
		MimeType:   mime,
		SourceAddr: req.SourceAddr,
		BackendTag: backend.Name(),
	}
	for attempt := 1; ; attempt++ {
		err = s.records.PutFile(ctx, rec)
		if !errors.Is(err, fault.ErrDuplicate) || attempt == maxPutAttempts {
			break
		}
		if rec.ID, err = s.nextID(ctx, s.records.FileExists); err != nil {
			break
		}
	}
	if err != nil {
		if derr := backend.Delete(context.WithoutCancel(ctx), res.StorageID); derr != nil {
			s.log.WithError(derr).WithField("storage_id", res.StorageID).Warn("orphan_cleanup_failed")
		}
		return record.FileRecord{}, fault.Classify(fault.ErrPersistence, err)
	}

	elapsed := time.Since(began)
	metrics.RecordUpload(rec.SizeBytes, elapsed)
	s.log.WithFields(logrus.Fields{
		"id":          rec.ID,
		"storage_id":  rec.StorageID,
		"backend":     rec.BackendTag,
		"mime":        rec.MimeType,
		"size":        rec.SizeBytes,
		"duration_ms": elapsed.Milliseconds(),
	}).Info("upload_stored")
	return rec, nil
}

// File resolves a file ID. IDs that cannot have been generated are
// NotFound without a lookup.
func (s *Service) File(ctx context.Context, id string) (record.FileRecord, error) {
	if !s.ids.Valid(id) {
		return record.FileRecord{}, fault.ErrNotFound
	}
	return s.records.File(ctx, id)
}

// Download is an opened blob together with the metadata needed for headers.
type Download struct {
	Record record.FileRecord
	Blob   storage.Blob
}

// ContentType is the MIME type recorded at upload.
func (d Download) ContentType() string { return d.Record.MimeType }

// Size is the recorded size in bytes.
func (d Download) Size() int64 { return d.Record.SizeBytes }

// Close releases the blob without delivering it.
func (d Download) Close() error { return d.Blob.Close() }

// Open opens the blob behind rec on the backend that stored it.
func (s *Service) Open(ctx context.Context, rec record.FileRecord) (Download, error) {
	backend, err := s.backends.Get(rec.BackendTag)
	if err != nil {
		s.log.WithError(err).WithField("id", rec.ID).Error("backend_missing")
		metrics.RecordDownloadError(fault.Label(err))
		return Download{}, err
	}
	blob, err := backend.Open(ctx, rec.StorageID)
	if err != nil {
		metrics.RecordDownloadError(fault.Label(err))
		return Download{}, err
	}
	return Download{Record: rec, Blob: blob}, nil
}

// Deliver pumps d toward dst and closes the blob.
func (s *Service) Deliver(ctx context.Context, dst io.Writer, d Download) (int64, error) {
	n, err := s.pump.Deliver(ctx, dst, d.Blob)
	if err != nil {
		metrics.RecordDownloadError(fault.Label(err))
		return n, err
	}
	metrics.RecordDownload(n)
	return n, nil
}

// DeleteFile removes the blob and then the record. The record is kept if
// the blob could not be deleted.
func (s *Service) DeleteFile(ctx context.Context, rec record.FileRecord) error {
	backend, err := s.backends.Get(rec.BackendTag)
	if err != nil {
		return err
	}
	if err := backend.Delete(ctx, rec.StorageID); err != nil {
		return err
	}
	if err := s.records.DeleteFile(ctx, rec); err != nil && !errors.Is(err, fault.ErrNotFound) {
		return err
	}
	return nil
}

// Shorten validates destination and records it under a fresh ID.
func (s *Service) Shorten(ctx context.Context, destination, sourceAddr string) (record.URLRecord, error) {
	destination = strings.TrimSpace(destination)
	switch {
	case destination == "":
		return record.URLRecord{}, fault.Validation("URL is empty.")
	case len(destination) > s.cfg.MaxURLLength:
		return record.URLRecord{}, fault.Validation("URL is too long (> %d)", s.cfg.MaxURLLength)
	case !validDestination(destination):
		return record.URLRecord{}, fault.Validation("URL is not valid.")
	}

	rec := record.URLRecord{CreatedAt: s.now(), Destination: destination, SourceAddr: sourceAddr}
	var err error
	for attempt := 1; ; attempt++ {
		if rec.ID, err = s.nextID(ctx, s.records.URLExists); err != nil {
			return record.URLRecord{}, err
		}
		err = s.records.PutURL(ctx, rec)
		if !errors.Is(err, fault.ErrDuplicate) || attempt == maxPutAttempts {
			break
		}
	}
	if err != nil {
		s.log.WithError(err).WithField("destination", destination).Warn("shorten_failed")
		return record.URLRecord{}, fault.Classify(fault.ErrPersistence, err)
	}

	metrics.RecordShorten()
	s.log.WithFields(logrus.Fields{"id": rec.ID, "destination": destination}).Info("url_shortened")
	return rec, nil
}

// Resolve returns the destination for a short URL ID.
func (s *Service) Resolve(ctx context.Context, id string) (string, error) {
	if !s.ids.Valid(id) {
		metrics.RecordRedirect(false)
		return "", fault.ErrNotFound
	}
	rec, err := s.records.URL(ctx, id)
	metrics.RecordRedirect(err == nil)
	if err != nil {
		return "", err
	}
	return rec.Destination, nil
}

// FileURL is the download link for a file ID.
func (s *Service) FileURL(id string) string { return s.cfg.BaseURL + "/files/" + id }

// ShortURL is the redirect link for a URL ID.
func (s *Service) ShortURL(id string) string { return s.cfg.BaseURL + "/" + id }

// nextID draws an unused ID. Exhaustion is a configuration problem, so it
// is logged loudly and reported as a persistence failure.
func (s *Service) nextID(ctx context.Context, exists shortid.ExistsFunc) (string, error) {
	id, err := s.ids.Next(ctx, exists)
	switch {
	case err == nil:
		return id, nil
	case errors.Is(err, shortid.ErrExhausted):
		s.log.WithError(err).Error("id_namespace_exhausted")
		return "", fault.Wrap(fault.ErrPersistence, err)
	case ctx.Err() != nil:
		return "", fault.Wrap(fault.ErrInterrupted, err)
	default:
		return "", fault.Classify(fault.ErrPersistence, err)
	}
}
