package server

import (
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"ezdrop/internal/fault"
)

// downloadHandler serves GET and HEAD /files/{id}. Once the status line is
// out, a failed transfer can only be logged; the client sees a short body.
func (s *Server) downloadHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	rec, err := s.drop.File(ctx, id)
	if errors.Is(err, fault.ErrNotFound) {
		http.Error(w, fmt.Sprintf("Can't find the requested file with ID %s, Is it expired or a typo?", id), http.StatusNotFound)
		return
	}
	if err != nil {
		s.writeError(w, r, "download", err)
		return
	}

	d, err := s.drop.Open(ctx, rec)
	if err != nil {
		s.writeError(w, r, "download", err)
		return
	}

	h := w.Header()
	h.Set("Content-Type", d.ContentType())
	h.Set("Content-Length", strconv.FormatInt(d.Size(), 10))
	h.Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": rec.FileName}))
	h.Set("Cache-Control", "private, no-transform")
	sandboxDownload(w)

	if r.Method == http.MethodHead {
		_ = d.Close()
		w.WriteHeader(http.StatusOK)
		return
	}

	rc := http.NewResponseController(w)
	defer clearDeadlines(rc)

	w.WriteHeader(http.StatusOK)
	n, err := s.drop.Deliver(ctx, responseWriter{w: w, rc: rc}, d)
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"request_id": RequestIDFromContext(ctx),
			"id":         rec.ID,
			"bytes":      n,
			"size":       rec.SizeBytes,
			"kind":       fault.Label(err),
		}).WithError(err).Warn("download_aborted")
	}
}
