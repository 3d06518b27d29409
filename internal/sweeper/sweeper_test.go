package sweeper

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"ezdrop/internal/fault"
	"ezdrop/internal/record"
	"ezdrop/internal/record/badgerrepo"
	"ezdrop/internal/storage"
	"ezdrop/internal/storage/local"
)

// flakyBackend wraps a real backend but refuses to delete.
type flakyBackend struct {
	storage.Backend
}

func (flakyBackend) Name() string { return "flaky" }

func (flakyBackend) Delete(context.Context, string) error {
	return fault.Wrap(fault.ErrStorage, errors.New("permission denied"))
}

type fixture struct {
	store *record.Store
	disk  *local.Backend
	reg   *storage.Registry
	sw    *Sweeper
	now   time.Time
}

func newFixture(t *testing.T, opts ...func(*Config)) *fixture {
	t.Helper()
	repo, err := badgerrepo.OpenInMemory()
	if err != nil {
		t.Fatal(err)
	}
	store, err := record.NewStore(repo, 16)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	disk, err := local.New(t.TempDir(), 0, local.WithDiskFree(func(string) (int64, error) { return 1 << 40, nil }))
	if err != nil {
		t.Fatal(err)
	}
	reg, err := storage.NewRegistry(local.Name, disk, flakyBackend{Backend: disk})
	if err != nil {
		t.Fatal(err)
	}

	log := logrus.New()
	log.SetOutput(io.Discard)

	f := &fixture{store: store, disk: disk, reg: reg, now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	cfg := Config{Interval: time.Minute, Retention: 24 * time.Hour, Batch: 10}
	for _, opt := range opts {
		opt(&cfg)
	}
	f.sw = New(store, reg, cfg, log)
	f.sw.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) addFile(t *testing.T, id, backend string, age time.Duration) record.FileRecord {
	t.Helper()
	sid, err := storage.Store(context.Background(), f.disk, strings.NewReader("hello-test"), 10)
	if err != nil {
		t.Fatal(err)
	}
	rec := record.FileRecord{
		ID:         id,
		CreatedAt:  f.now.Add(-age),
		StorageID:  sid,
		SizeBytes:  10,
		FileName:   "hello.txt",
		MimeType:   "text/plain",
		SourceAddr: "127.0.0.1",
		BackendTag: backend,
	}
	if err := f.store.PutFile(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	return rec
}

func TestRunOnceRemovesExpiredOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	old := f.addFile(t, "old001", local.Name, 25*time.Hour)
	young := f.addFile(t, "new001", local.Name, time.Hour)

	res := f.sw.RunOnce(ctx)
	if res.Expired != 1 || res.Deleted != 1 || res.Errors != 0 {
		t.Fatalf("unexpected result %+v", res)
	}

	if _, err := f.store.File(ctx, old.ID); !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("expired record should be gone, got %v", err)
	}
	if _, err := f.disk.Open(ctx, old.StorageID); !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("expired blob should be gone, got %v", err)
	}

	if _, err := f.store.File(ctx, young.ID); err != nil {
		t.Fatalf("young record should survive: %v", err)
	}
	blob, err := f.disk.Open(ctx, young.StorageID)
	if err != nil {
		t.Fatalf("young blob should survive: %v", err)
	}
	_ = blob.Close()
}

func TestRunOnceNoExpiredRecords(t *testing.T) {
	f := newFixture(t)
	res := f.sw.RunOnce(context.Background())
	if res != (Result{Duration: res.Duration}) {
		t.Fatalf("expected empty result, got %+v", res)
	}
}

func TestBlobDeleteFailureRetainsRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.addFile(t, "stuck1", "flaky", 48*time.Hour)

	res := f.sw.RunOnce(ctx)
	if res.Retained != 1 || res.Deleted != 0 || res.Errors != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if _, err := f.store.File(ctx, rec.ID); err != nil {
		t.Fatalf("record should be retained for retry: %v", err)
	}

	// Retried on the next run.
	res = f.sw.RunOnce(ctx)
	if res.Expired != 1 || res.Retained != 1 {
		t.Fatalf("expected retry, got %+v", res)
	}
}

func TestUnknownBackendRetainsRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.addFile(t, "gone01", "tape", 48*time.Hour)

	res := f.sw.RunOnce(ctx)
	if res.Retained != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if _, err := f.store.File(ctx, rec.ID); err != nil {
		t.Fatalf("record should be retained: %v", err)
	}
}

func TestRecordBecomesEligibleAsTimePasses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.addFile(t, "later1", local.Name, 23*time.Hour)

	if res := f.sw.RunOnce(ctx); res.Expired != 0 {
		t.Fatalf("record is not yet expired, got %+v", res)
	}
	f.now = f.now.Add(2 * time.Hour)
	if res := f.sw.RunOnce(ctx); res.Deleted != 1 {
		t.Fatalf("record should be swept, got %+v", res)
	}
	if _, err := f.store.File(ctx, rec.ID); !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRunOncePagesThroughBacklog(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 15; i++ {
		f.addFile(t, "bat"+string(rune('a'+i))+"xx", local.Name, time.Duration(25+i)*time.Hour)
	}
	if res := f.sw.RunOnce(ctx); res.Expired != 15 || res.Deleted != 15 {
		t.Fatalf("backlog not drained in one run: %+v", res)
	}
}

func TestBudgetStopsPaging(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Budget = time.Nanosecond })
	ctx := context.Background()
	for i := 0; i < 15; i++ {
		f.addFile(t, "bud"+string(rune('a'+i))+"xx", local.Name, time.Duration(25+i)*time.Hour)
	}
	if res := f.sw.RunOnce(ctx); res.Deleted != 10 {
		t.Fatalf("first run deleted %d, want one page of 10", res.Deleted)
	}
	if res := f.sw.RunOnce(ctx); res.Deleted != 5 {
		t.Fatalf("second run deleted %d, want 5", res.Deleted)
	}
}

func TestRetainedRecordsDoNotHideNewerOnes(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Batch = 2 })
	ctx := context.Background()
	stuck1 := f.addFile(t, "AAAAA1", "flaky", 70*time.Hour)
	stuck2 := f.addFile(t, "AAAAA2", "tape", 70*time.Hour)
	healthy := f.addFile(t, "AAAAA4", local.Name, 48*time.Hour)

	res := f.sw.RunOnce(ctx)
	if res.Expired != 3 || res.Deleted != 1 || res.Retained != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	if _, err := f.store.File(ctx, healthy.ID); !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("expired record %s on a healthy backend should be swept, got %v", healthy.ID, err)
	}
	for _, rec := range []record.FileRecord{stuck1, stuck2} {
		if _, err := f.store.File(ctx, rec.ID); err != nil {
			t.Fatalf("record %s should be retained: %v", rec.ID, err)
		}
	}

	// The retained ones are still retried on the next run.
	if res := f.sw.RunOnce(ctx); res.Expired != 2 || res.Retained != 2 {
		t.Fatalf("expected retry of retained records, got %+v", res)
	}
}

func TestStartStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	f.addFile(t, "old002", local.Name, 30*time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.sw.Start(ctx)
		close(done)
	}()

	// The first sweep runs immediately.
	deadline := time.After(2 * time.Second)
	for {
		if _, err := f.store.File(context.Background(), "old002"); errors.Is(err, fault.ErrNotFound) {
			break
		}
		select {
		case <-deadline:
			t.Fatal("initial sweep did not run")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
