package drop

import (
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

func TestSanitizeFilename(t *testing.T) {
	long := strings.Repeat("a", 300) + ".txt"
	tests := []struct {
		in, want string
	}{
		{"report.pdf", "report.pdf"},
		{"../../etc/passwd", "_.._etc_passwd"},
		{`C:\Windows\evil.exe`, "C:_Windows_evil.exe"},
		{"  .hidden. ", "hidden"},
		{"a\x00b\r\nc.txt", "abc.txt"},
		{"", "unnamed"},
		{"...", "unnamed"},
	}
	for _, tt := range tests {
		if got := SanitizeFilename(tt.in); got != tt.want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	got := SanitizeFilename(long)
	if len(got) != 255 || !strings.HasSuffix(got, ".txt") {
		t.Fatalf("long name trimmed to %d bytes: %q", len(got), got[len(got)-8:])
	}
}

func TestNormalizeMime(t *testing.T) {
	tests := map[string]string{
		"":                         "application/octet-stream",
		"   ":                      "application/octet-stream",
		"text/plain":               "text/plain",
		"Text/HTML; charset=UTF-8": "text/html",
		" application/json ; q=1 ": "application/json",
	}
	for in, want := range tests {
		if got := normalizeMime(in); got != want {
			t.Errorf("normalizeMime(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestValidDestination(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"https://example.com/a", true},
		{"http://localhost:8080/x?y=z#frag", true},
		{"ftp://files.example.org/pub", true},
		{"mailto:someone@example.com", true},
		{"not a url", false},
		{"example.com", false},
		{"/just/a/path", false},
		{"https://", false},
		{"https://exa mple.com", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := validDestination(tt.in); got != tt.want {
			t.Errorf("validDestination(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLimitReader(t *testing.T) {
	got, err := io.ReadAll(newLimitReader(strings.NewReader("12345"), 5))
	if err != nil || string(got) != "12345" {
		t.Fatalf("exact size: %q, %v", got, err)
	}

	got, err = io.ReadAll(newLimitReader(strings.NewReader("123456"), 5))
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
	if len(got) > 5 {
		t.Fatalf("read %d bytes past the limit", len(got))
	}

	r := strings.NewReader("unbounded")
	if newLimitReader(r, 0) != io.Reader(r) {
		t.Fatal("zero limit should not wrap")
	}
}

type deadlineSpy struct {
	io.Reader
	set int
}

func (d *deadlineSpy) SetReadDeadline(time.Time) error {
	d.set++
	return nil
}

func TestLimitReaderForwardsDeadline(t *testing.T) {
	spy := &deadlineSpy{Reader: strings.NewReader("x")}
	lr := newLimitReader(spy, 10).(*limitReader)
	if err := lr.SetReadDeadline(time.Now()); err != nil {
		t.Fatal(err)
	}
	if spy.set != 1 {
		t.Fatalf("deadline forwarded %d times, want 1", spy.set)
	}
	if err := lr.Close(); err != nil {
		t.Fatalf("Close on a non-closer: %v", err)
	}
}
