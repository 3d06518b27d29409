// validation.go - input checks applied before anything touches storage.
package drop

import (
	"fmt"
	"io"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"ezdrop/internal/fault"
)

const defaultMimeType = "application/octet-stream"

// ErrTooLarge is the validation error for payloads over the upload limit.
var ErrTooLarge = fmt.Errorf("%w: payload too large", fault.ErrValidation)

// normalizeMime lowercases a Content-Type and drops its parameters. An
// empty type becomes application/octet-stream.
func normalizeMime(contentType string) string {
	mt := strings.TrimSpace(strings.ToLower(contentType))
	if idx := strings.Index(mt, ";"); idx >= 0 {
		mt = strings.TrimSpace(mt[:idx])
	}
	if mt == "" {
		return defaultMimeType
	}
	return mt
}

// SanitizeFilename removes potentially dangerous characters from filenames
func SanitizeFilename(filename string) string {
	// Remove path separators
	filename = strings.ReplaceAll(filename, "/", "_")
	filename = strings.ReplaceAll(filename, "\\", "_")

	// Remove null bytes and line breaks
	filename = strings.NewReplacer("\x00", "", "\r", "", "\n", "").Replace(filename)

	// Trim spaces and dots from start/end
	filename = strings.Trim(filename, " .")

	// Limit length
	if len(filename) > 255 {
		ext := filepath.Ext(filename)
		if len(ext) > 32 {
			ext = ""
		}
		base := filename[:len(filename)-len(ext)]
		filename = strings.ToValidUTF8(base[:255-len(ext)], "") + ext
	}

	if filename == "" {
		filename = "unnamed"
	}

	return filename
}

// validDestination reports whether raw is a syntactically valid absolute URL.
func validDestination(raw string) bool {
	if raw == "" || strings.ContainsAny(raw, " \t\r\n") {
		return false
	}
	u, err := url.ParseRequestURI(raw)
	if err != nil {
		return false
	}
	if !u.IsAbs() {
		return false
	}
	return u.Host != "" || u.Opaque != ""
}

// limitReader fails with ErrTooLarge once more than max bytes are read.
type limitReader struct {
	r    io.Reader
	left int64
	max  int64
}

func newLimitReader(r io.Reader, max int64) io.Reader {
	if max <= 0 {
		return r
	}
	return &limitReader{r: r, left: max, max: max}
}

func (l *limitReader) Read(p []byte) (int, error) {
	if l.left < 0 {
		return 0, fmt.Errorf("%w: limit is %d bytes", ErrTooLarge, l.max)
	}
	// Read one byte past the limit so an exact-size payload still succeeds.
	if int64(len(p)) > l.left+1 {
		p = p[:l.left+1]
	}
	n, err := l.r.Read(p)
	l.left -= int64(n)
	if l.left < 0 {
		return n + int(l.left), fmt.Errorf("%w: limit is %d bytes", ErrTooLarge, l.max)
	}
	return n, err
}

// SetReadDeadline forwards to the wrapped reader when it supports deadlines.
func (l *limitReader) SetReadDeadline(t time.Time) error {
	if d, ok := l.r.(interface{ SetReadDeadline(time.Time) error }); ok {
		return d.SetReadDeadline(t)
	}
	return nil
}

// Close passes through to the wrapped reader so the pump can release it.
func (l *limitReader) Close() error {
	if c, ok := l.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
