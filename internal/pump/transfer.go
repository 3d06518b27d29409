package pump

import (
	"context"
	"sync"

	"ezdrop/internal/fault"
)

// Result is the outcome of a successful transfer.
type Result struct {
	// StorageID is the committed blob identifier. Empty for deliveries.
	StorageID string
	// Bytes is the number of bytes written to the sink.
	Bytes int64
}

// Transfer is the single-resolution handle for one pumped copy.
type Transfer struct {
	done chan struct{}
	once sync.Once
	res  Result
	err  error
}

func newTransfer() *Transfer {
	return &Transfer{done: make(chan struct{})}
}

// resolve records the outcome. Only the first call has any effect; it
// reports whether this call was the one that resolved the transfer.
func (t *Transfer) resolve(res Result, err error) bool {
	resolved := false
	t.once.Do(func() {
		t.res, t.err = res, err
		close(t.done)
		resolved = true
	})
	return resolved
}

// Done is closed once the transfer has completed or failed.
func (t *Transfer) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the transfer resolves or ctx ends. A ctx that ends first
// yields fault.ErrInterrupted; the transfer itself notices the same context
// at its next step and cleans up.
func (t *Transfer) Wait(ctx context.Context) (Result, error) {
	select {
	case <-t.done:
		return t.res, t.err
	case <-ctx.Done():
		select {
		case <-t.done:
			return t.res, t.err
		default:
		}
		return Result{}, fault.Wrap(fault.ErrInterrupted, ctx.Err())
	}
}
