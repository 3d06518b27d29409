package fault

import (
	"errors"
	"fmt"
	"io"
	"testing"
)

func TestWrap(t *testing.T) {
	tests := []struct {
		name  string
		kind  error
		cause error
		isNil bool
	}{
		{name: "nil cause", kind: ErrStorage, cause: nil, isNil: true},
		{name: "plain cause", kind: ErrStorage, cause: io.ErrUnexpectedEOF},
		{name: "already classified", kind: ErrPersistence, cause: Wrap(ErrPersistence, io.EOF)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Wrap(tt.kind, tt.cause)
			if tt.isNil {
				if err != nil {
					t.Fatalf("expected nil, got %v", err)
				}
				return
			}
			if !errors.Is(err, tt.kind) {
				t.Fatalf("expected %v to match kind %v", err, tt.kind)
			}
			if !errors.Is(err, tt.cause) && !errors.Is(tt.cause, tt.kind) {
				t.Fatalf("expected %v to keep cause %v", err, tt.cause)
			}
		})
	}
}

func TestDiskFullIsStorage(t *testing.T) {
	err := Wrap(ErrStorage, ErrDiskFull)
	if !errors.Is(err, ErrDiskFull) {
		t.Fatal("expected disk full to survive wrapping")
	}
	if !errors.Is(ErrDiskFull, ErrStorage) {
		t.Fatal("disk full should classify as a storage failure")
	}
}

func TestValidationReason(t *testing.T) {
	err := Validation("URL is too long (> %d)", 256)
	if !errors.Is(err, ErrValidation) {
		t.Fatal("expected validation kind")
	}
	if got := Reason(err); got != "URL is too long (> 256)" {
		t.Fatalf("Reason() = %q", got)
	}
}

func TestLabelAndKind(t *testing.T) {
	tests := []struct {
		err   error
		kind  error
		label string
	}{
		{Validation("too big"), ErrValidation, "validation"},
		{Wrap(ErrStorage, io.ErrShortWrite), ErrStorage, "storage"},
		{fmt.Errorf("put: %w", ErrDiskFull), ErrDiskFull, "disk_full"},
		{fmt.Errorf("insert: %w", ErrDuplicate), ErrDuplicate, "duplicate"},
		{Wrap(ErrInterrupted, io.ErrUnexpectedEOF), ErrInterrupted, "interrupted"},
		{ErrNotFound, ErrNotFound, "not_found"},
		{io.EOF, nil, "unknown"},
	}
	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.kind {
			t.Errorf("KindOf(%v) = %v, want %v", tt.err, got, tt.kind)
		}
		if got := Label(tt.err); got != tt.label {
			t.Errorf("Label(%v) = %q, want %q", tt.err, got, tt.label)
		}
	}
	if Label(nil) != "" || KindOf(nil) != nil {
		t.Fatal("nil error should have no kind")
	}
}

func TestClassifyKeepsExistingKind(t *testing.T) {
	v := Validation("payload exceeds 10 bytes")
	if got := Classify(ErrInterrupted, v); !errors.Is(got, ErrValidation) || errors.Is(got, ErrInterrupted) {
		t.Fatalf("Classify should keep validation kind, got %v", got)
	}
	if got := Classify(ErrInterrupted, io.ErrUnexpectedEOF); !errors.Is(got, ErrInterrupted) {
		t.Fatalf("Classify should add kind, got %v", got)
	}
	if Classify(ErrStorage, nil) != nil {
		t.Fatal("nil stays nil")
	}
	dup := Classify(ErrPersistence, fmt.Errorf("insert: %w", ErrDuplicate))
	if !errors.Is(dup, ErrDuplicate) || !errors.Is(dup, ErrPersistence) {
		t.Fatalf("duplicate should stay a persistence failure, got %v", dup)
	}
}

func TestDuplicateIsPersistence(t *testing.T) {
	if !errors.Is(ErrDuplicate, ErrPersistence) {
		t.Fatal("a duplicate id is a constraint violation and should classify as persistence")
	}
	if got := Wrap(ErrPersistence, ErrDuplicate); got != ErrDuplicate {
		t.Fatalf("Wrap should keep the duplicate sentinel, got %v", got)
	}
}
