// Package fault defines the error taxonomy shared by the transfer and
// storage core. Every layer wraps its underlying cause with one of the
// sentinels below so that callers can classify failures with errors.Is.
package fault

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for unknown record IDs and storage identifiers.
	ErrNotFound = errors.New("not found")

	// ErrPersistence is returned when the durable record store rejects a read or write.
	ErrPersistence = errors.New("persistence failure")

	// ErrStorage is returned for storage backend I/O failures.
	ErrStorage = errors.New("storage failure")

	// ErrDuplicate is returned when a record ID is already taken in its
	// namespace. It is a constraint violation, so it also matches ErrPersistence.
	ErrDuplicate = &kindError{kind: ErrPersistence, msg: "duplicate id"}

	// ErrDiskFull is returned when a write would eat into the reserved space margin.
	// It also matches ErrStorage.
	ErrDiskFull = &kindError{kind: ErrStorage, msg: "disk full"}

	// ErrInterrupted is returned when a transfer is aborted by stall detection
	// or by the peer going away.
	ErrInterrupted = errors.New("interrupted")

	// ErrValidation is returned when input is rejected before any storage operation.
	ErrValidation = errors.New("validation failed")
)

// kindError is a sentinel that is also classified under a broader kind.
type kindError struct {
	kind error
	msg  string
}

func (e *kindError) Error() string { return e.msg }

func (e *kindError) Unwrap() error { return e.kind }

// Wrap annotates cause with the given kind. A nil cause yields nil.
func Wrap(kind, cause error) error {
	if cause == nil {
		return nil
	}
	if errors.Is(cause, kind) {
		return cause
	}
	return fmt.Errorf("%w: %w", kind, cause)
}

// Validation builds an ErrValidation with a human readable reason.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Reason strips the kind prefix from a Validation error so the reason can be shown to clients.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	prefix := ErrValidation.Error() + ": "
	if len(msg) > len(prefix) && msg[:len(prefix)] == prefix {
		return msg[len(prefix):]
	}
	return msg
}

var kinds = []struct {
	err   error
	label string
}{
	{ErrValidation, "validation"},
	{ErrNotFound, "not_found"},
	{ErrDuplicate, "duplicate"},
	{ErrInterrupted, "interrupted"},
	{ErrDiskFull, "disk_full"},
	{ErrStorage, "storage"},
	{ErrPersistence, "persistence"},
}

// KindOf returns the most specific sentinel err is classified under, or nil
// if err carries no kind yet.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.err
		}
	}
	return nil
}

// Label is a short metric/log label for err's kind ("unknown" if unclassified).
func Label(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.label
		}
	}
	return "unknown"
}

// Classify wraps err with kind unless it already carries a kind.
func Classify(kind, err error) error {
	if err == nil || KindOf(err) != nil {
		return err
	}
	return Wrap(kind, err)
}
