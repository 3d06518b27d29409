// Package sweeper periodically removes file records older than the
// retention window together with their blobs.
package sweeper

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"ezdrop/internal/fault"
	"ezdrop/internal/metrics"
	"ezdrop/internal/record"
	"ezdrop/internal/storage"
)

// Records is the slice of the record store the sweeper needs.
type Records interface {
	ExpiredFiles(ctx context.Context, cutoff time.Time, after record.Cursor, limit int) ([]record.FileRecord, error)
	DeleteFile(ctx context.Context, rec record.FileRecord) error
}

// Config holds the sweep schedule.
type Config struct {
	Interval  time.Duration
	Retention time.Duration
	// Batch is the page size used to walk expired records.
	Batch int
	// Budget bounds how long one run keeps fetching further pages. At least
	// one page is always handled.
	Budget time.Duration
}

// Result summarises one run.
type Result struct {
	Expired  int
	Deleted  int
	Retained int
	Errors   int
	Duration time.Duration
}

// Sweeper deletes expired blobs first and then their records. A record whose
// blob could not be deleted is kept and retried on the next run.
type Sweeper struct {
	records  Records
	backends *storage.Registry
	cfg      Config
	log      logrus.FieldLogger
	now      func() time.Time

	mu sync.Mutex
}

// New returns a Sweeper. Interval and Batch default to one minute and 100;
// Budget defaults to half the interval.
func New(records Records, backends *storage.Registry, cfg Config, log logrus.FieldLogger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	if cfg.Budget <= 0 {
		cfg.Budget = cfg.Interval / 2
	}
	return &Sweeper{records: records, backends: backends, cfg: cfg, log: log, now: time.Now}
}

// Start runs a sweep immediately and then on every tick until ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	s.log.WithFields(logrus.Fields{
		"interval":  s.cfg.Interval.String(),
		"retention": s.cfg.Retention.String(),
	}).Info("starting")

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("shutting_down")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep. It pages through expired records by
// cursor, past any retained ones, until a page comes back short or the budget
// runs out. Concurrent calls are serialised. It never
// returns an error: failures are logged and counted in the Result.
func (s *Sweeper) RunOnce(ctx context.Context) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	began := time.Now()
	now := s.now()
	cutoff := now.Add(-s.cfg.Retention)

	var res Result
	var after record.Cursor
	for {
		expired, err := s.records.ExpiredFiles(ctx, cutoff, after, s.cfg.Batch)
		if err != nil {
			s.log.WithError(err).Warn("query_failed")
			res.Errors++
			break
		}
		res.Expired += len(expired)
		s.sweepPage(ctx, now, expired, &res)

		if len(expired) < s.cfg.Batch || ctx.Err() != nil {
			break
		}
		if time.Since(began) >= s.cfg.Budget {
			s.log.WithField("cursor_id", expired[len(expired)-1].ID).Info("budget_exhausted")
			break
		}
		after = expired[len(expired)-1].Cursor()
	}

	res.Duration = time.Since(began)
	metrics.RecordSweep(res.Deleted, res.Retained, res.Duration)
	if res.Expired > 0 || res.Errors > 0 {
		s.log.WithFields(logrus.Fields{
			"expired":     res.Expired,
			"deleted":     res.Deleted,
			"retained":    res.Retained,
			"duration_ms": res.Duration.Milliseconds(),
		}).Info("cleanup_complete")
	}
	return res
}

func (s *Sweeper) sweepPage(ctx context.Context, now time.Time, expired []record.FileRecord, res *Result) {
	for _, rec := range expired {
		if ctx.Err() != nil {
			return
		}
		log := s.log.WithFields(logrus.Fields{
			"id":         rec.ID,
			"storage_id": rec.StorageID,
			"backend":    rec.BackendTag,
			"age":        now.Sub(rec.CreatedAt).Round(time.Second).String(),
		})

		if err := s.deleteBlob(ctx, rec); err != nil {
			log.WithError(err).Warn("blob_delete_failed")
			res.Retained++
			res.Errors++
			continue
		}
		if err := s.records.DeleteFile(ctx, rec); err != nil && !errors.Is(err, fault.ErrNotFound) {
			log.WithError(err).Warn("record_delete_failed")
			res.Errors++
			continue
		}
		log.Debug("deleted_expired_file")
		res.Deleted++
	}
}

func (s *Sweeper) deleteBlob(ctx context.Context, rec record.FileRecord) error {
	b, err := s.backends.Get(rec.BackendTag)
	if err != nil {
		return err
	}
	return b.Delete(ctx, rec.StorageID)
}
