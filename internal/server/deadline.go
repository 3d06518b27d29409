package server

import (
	"io"
	"net/http"
	"time"
)

// bodyReader exposes a request body to the pump with a read deadline on the
// underlying connection. It has no Close, so the pump never drains a
// multipart part from a worker.
type bodyReader struct {
	r  io.Reader
	rc *http.ResponseController
}

func (b bodyReader) Read(p []byte) (int, error) { return b.r.Read(p) }

func (b bodyReader) SetReadDeadline(t time.Time) error { return b.rc.SetReadDeadline(t) }

// responseWriter exposes a response to the pump with a write deadline on the
// underlying connection.
type responseWriter struct {
	w  io.Writer
	rc *http.ResponseController
}

func (b responseWriter) Write(p []byte) (int, error) { return b.w.Write(p) }

func (b responseWriter) SetWriteDeadline(t time.Time) error { return b.rc.SetWriteDeadline(t) }

// clearDeadlines resets connection deadlines left behind by a transfer so a
// kept-alive connection can serve the next request. Writers without
// deadline support report http.ErrNotSupported, which is fine to ignore.
func clearDeadlines(rc *http.ResponseController) {
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})
}
