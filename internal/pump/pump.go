// Package pump moves bytes between a source and a sink one bounded chunk at
// a time. Each chunk is a separate step on a shared Scheduler, so a slow
// transfer never holds a worker for longer than one chunk, and transfers
// whose chunk throughput drops below a floor are aborted.
package pump

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"ezdrop/internal/fault"
	"ezdrop/internal/metrics"
	"ezdrop/internal/storage"
)

const (
	DefaultUploadChunk   = 512 << 10
	DefaultDownloadChunk = 2 << 20
	DefaultMinThroughput = 32 << 10 // bytes per second
)

// Config sizes the chunks and sets the stall floor.
type Config struct {
	UploadChunk   int
	DownloadChunk int
	// MinThroughput is the slowest acceptable rate for a single chunk, in
	// bytes per second. Zero disables stall detection.
	MinThroughput int64
}

func (c Config) withDefaults() Config {
	if c.UploadChunk <= 0 {
		c.UploadChunk = DefaultUploadChunk
	}
	if c.DownloadChunk <= 0 {
		c.DownloadChunk = DefaultDownloadChunk
	}
	if c.MinThroughput < 0 {
		c.MinThroughput = 0
	}
	return c
}

// Pump schedules chunked copies on a Scheduler.
type Pump struct {
	sched *Scheduler
	cfg   Config
	log   logrus.FieldLogger
	pools map[int]*sync.Pool
}

// New returns a Pump running its steps on sched.
func New(sched *Scheduler, cfg Config, log logrus.FieldLogger) *Pump {
	cfg = cfg.withDefaults()
	p := &Pump{sched: sched, cfg: cfg, log: log, pools: make(map[int]*sync.Pool, 2)}
	for _, size := range []int{cfg.UploadChunk, cfg.DownloadChunk} {
		size := size
		if _, ok := p.pools[size]; !ok {
			p.pools[size] = &sync.Pool{New: func() any {
				b := make([]byte, size)
				return &b
			}}
		}
	}
	return p
}

// Config returns the effective configuration.
func (p *Pump) Config() Config { return p.cfg }

// StartStore begins copying src into a new blob on b. The pump owns src
// from here on and closes it if it is an io.Closer. The blob is committed
// only when src is exhausted; every failure aborts it.
func (p *Pump) StartStore(ctx context.Context, b storage.Backend, src io.Reader, sizeHint int64) (*Transfer, error) {
	w, err := b.Create(ctx, sizeHint)
	if err != nil {
		closeQuietly(src)
		return nil, err
	}
	j := p.newJob(ctx, src, w, p.cfg.UploadChunk)
	j.srcKind, j.dstKind = fault.ErrInterrupted, fault.ErrStorage
	j.commit = w.Commit
	j.abort = func() {
		if err := w.Abort(); err != nil {
			p.log.WithError(err).WithField("backend", b.Name()).Warn("abort_failed")
		}
	}
	return j.t, p.start(j)
}

// Store runs StartStore to completion. It returns only once the pump has
// let go of src, so src may be an HTTP request body.
func (p *Pump) Store(ctx context.Context, b storage.Backend, src io.Reader, sizeHint int64) (Result, error) {
	t, err := p.StartStore(ctx, b, src, sizeHint)
	if err != nil {
		return Result{}, err
	}
	<-t.Done()
	return t.res, t.err
}

// StartDeliver begins copying a stored blob src toward a client dst. The
// pump owns src and closes it on completion.
func (p *Pump) StartDeliver(ctx context.Context, dst io.Writer, src io.Reader) (*Transfer, error) {
	j := p.newJob(ctx, src, dst, p.cfg.DownloadChunk)
	j.srcKind, j.dstKind = fault.ErrStorage, fault.ErrInterrupted
	return j.t, p.start(j)
}

// Deliver runs StartDeliver to completion. Like Store it returns only once
// the pump is done with dst, so dst may be an http.ResponseWriter.
func (p *Pump) Deliver(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	t, err := p.StartDeliver(ctx, dst, src)
	if err != nil {
		return 0, err
	}
	<-t.Done()
	return t.res.Bytes, t.err
}

func (p *Pump) newJob(ctx context.Context, src io.Reader, dst io.Writer, chunk int) *job {
	return &job{
		p:      p,
		ctx:    ctx,
		src:    src,
		dst:    dst,
		chunk:  chunk,
		budget: p.budget(chunk),
		t:      newTransfer(),
		start:  time.Now(),
	}
}

func (p *Pump) start(j *job) error {
	metrics.TransferStarted()
	if err := p.sched.Submit(j.step); err != nil {
		j.fail(fault.Wrap(fault.ErrInterrupted, err))
		return j.t.err
	}
	return nil
}

// budget is the longest a full chunk may take at the throughput floor.
func (p *Pump) budget(chunk int) time.Duration {
	if p.cfg.MinThroughput == 0 {
		return 0
	}
	return time.Duration(float64(chunk) / float64(p.cfg.MinThroughput) * float64(time.Second))
}

type phase int

const (
	phaseReading phase = iota
	phaseStallCheck
	phaseWriting
	phaseDone
	phaseAborted
)

func (ph phase) String() string {
	switch ph {
	case phaseReading:
		return "reading"
	case phaseStallCheck:
		return "stall_check"
	case phaseWriting:
		return "writing"
	case phaseDone:
		return "done"
	case phaseAborted:
		return "aborted"
	}
	return fmt.Sprintf("phase(%d)", int(ph))
}

type job struct {
	p      *Pump
	ctx    context.Context
	src    io.Reader
	dst    io.Writer
	chunk  int
	budget time.Duration
	t      *Transfer
	start  time.Time

	// Error kinds for failures on each side.
	srcKind, dstKind error

	commit func() (string, error)
	abort  func()

	phase   phase
	buf     *[]byte
	n       int
	eof     bool
	elapsed time.Duration
	written int64
}

// step runs one chunk through reading, stall check and writing, then
// requeues itself.
func (j *job) step() {
	defer func() {
		if r := recover(); r != nil {
			j.fail(fmt.Errorf("%w: pump step panicked: %v", j.dstKind, r))
		}
	}()

	if err := j.ctx.Err(); err != nil {
		j.fail(fault.Wrap(fault.ErrInterrupted, err))
		return
	}
	if j.buf == nil {
		j.buf = j.p.pools[j.chunk].Get().(*[]byte)
	}

	j.phase = phaseReading
	for {
		switch j.phase {
		case phaseReading:
			j.read()
			if j.phase == phaseAborted {
				return
			}
			j.phase = phaseStallCheck

		case phaseStallCheck:
			if j.stalled(j.elapsed) {
				j.fail(fmt.Errorf("%w: chunk read of %d bytes took %s", fault.ErrInterrupted, j.n, j.elapsed))
				return
			}
			if j.n == 0 && j.eof {
				j.finish()
				return
			}
			j.phase = phaseWriting

		case phaseWriting:
			if !j.write() {
				return
			}
			if j.eof {
				j.finish()
				return
			}
			j.p.sched.resubmit(j.step)
			return

		default:
			return
		}
	}
}

func (j *job) read() {
	buf := *j.buf
	setDeadline(j.src, j.budget, true)
	began := time.Now()
	n, err := j.fill(buf, began)
	j.elapsed = time.Since(began)
	j.n = n

	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		j.eof = true
	case errors.Is(err, os.ErrDeadlineExceeded):
		j.fail(fmt.Errorf("%w: read stalled after %s", fault.ErrInterrupted, j.elapsed))
	default:
		j.fail(fault.Classify(j.srcKind, err))
	}
}

// fill reads until buf is full, the source ends, or the chunk budget is
// spent. A trickling source therefore holds a worker for at most about one
// budget before the stall check sees it.
func (j *job) fill(buf []byte, began time.Time) (int, error) {
	n, empty := 0, 0
	for n < len(buf) {
		m, err := j.src.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
		if m == 0 {
			if empty++; empty > 100 {
				return n, io.ErrNoProgress
			}
		}
		if j.stalled(time.Since(began)) {
			break
		}
	}
	return n, nil
}

func (j *job) write() bool {
	setDeadline(j.dst, j.budget, false)
	began := time.Now()
	n, err := j.dst.Write((*j.buf)[:j.n])
	elapsed := time.Since(began)
	j.written += int64(n)

	switch {
	case err != nil && errors.Is(err, os.ErrDeadlineExceeded):
		j.fail(fmt.Errorf("%w: write stalled after %s", fault.ErrInterrupted, elapsed))
		return false
	case err != nil:
		j.fail(fault.Classify(j.dstKind, err))
		return false
	case n < j.n:
		j.fail(fault.Wrap(j.dstKind, io.ErrShortWrite))
		return false
	case j.stalled(elapsed):
		j.fail(fmt.Errorf("%w: chunk write of %d bytes took %s", fault.ErrInterrupted, n, elapsed))
		return false
	}
	return true
}

func (j *job) stalled(elapsed time.Duration) bool {
	return j.budget > 0 && elapsed > j.budget
}

func (j *job) finish() {
	var res Result
	res.Bytes = j.written
	if j.commit != nil {
		id, err := j.commit()
		if err != nil {
			j.fail(fault.Classify(fault.ErrStorage, err))
			return
		}
		res.StorageID = id
	}
	j.phase = phaseDone
	j.release()
	if j.t.resolve(res, nil) {
		metrics.TransferFinished(false)
	}
}

func (j *job) fail(err error) {
	at := j.phase
	j.phase = phaseAborted
	if j.abort != nil {
		j.abort()
	}
	j.release()
	if !j.t.resolve(Result{Bytes: j.written}, err) {
		return
	}
	interrupted := errors.Is(err, fault.ErrInterrupted)
	metrics.TransferFinished(interrupted)
	if interrupted {
		j.p.log.WithFields(logrus.Fields{
			"phase":       at.String(),
			"bytes":       j.written,
			"duration_ms": time.Since(j.start).Milliseconds(),
		}).WithError(err).Info("transfer_interrupted")
	}
}

// release closes both ends and returns the chunk buffer to its pool.
func (j *job) release() {
	closeQuietly(j.src)
	if j.buf != nil {
		j.p.pools[j.chunk].Put(j.buf)
		j.buf = nil
	}
}

func closeQuietly(r io.Reader) {
	if c, ok := r.(io.Closer); ok {
		_ = c.Close()
	}
}

type readDeadliner interface {
	SetReadDeadline(time.Time) error
}

type writeDeadliner interface {
	SetWriteDeadline(time.Time) error
}

// setDeadline applies the chunk budget to an end that supports deadlines.
func setDeadline(v any, budget time.Duration, read bool) {
	if budget <= 0 {
		return
	}
	at := time.Now().Add(budget)
	if read {
		if d, ok := v.(readDeadliner); ok {
			_ = d.SetReadDeadline(at)
		}
		return
	}
	if d, ok := v.(writeDeadliner); ok {
		_ = d.SetWriteDeadline(at)
	}
}
