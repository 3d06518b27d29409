package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"ezdrop/internal/drop"
	"ezdrop/internal/fault"
	"ezdrop/internal/record"
)

// multipartOverhead is the allowance for boundaries, part headers and form
// fields on top of the file size limit.
const multipartOverhead = 1 << 20

// postHandler serves POST /. A multipart body is a file upload, anything
// else is a URL to shorten, and an empty body gets the motd.
func (s *Server) postHandler(w http.ResponseWriter, r *http.Request) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		s.handleUpload(w, r)
		return
	}
	s.handleShorten(w, r)
}

// handleUpload streams the single file part of a multipart request through
// the pump. The file is stored as it arrives; a second file part afterwards
// deletes it again and fails the request.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.cfg.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes+multipartOverhead)
	}
	mr, err := r.MultipartReader()
	if err != nil {
		http.Error(w, "Bad multipart body.", http.StatusBadRequest)
		return
	}

	rc := http.NewResponseController(w)
	defer clearDeadlines(rc)

	var (
		rec    record.FileRecord
		stored bool
	)
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if stored {
				s.discard(ctx, rec)
			}
			s.writeError(w, r, "upload", bodyError(err))
			return
		}
		if part.FileName() == "" && part.FormName() != "file" {
			continue
		}
		if stored {
			s.discard(ctx, rec)
			http.Error(w, "You can only upload a file at a time", http.StatusBadRequest)
			return
		}

		rec, err = s.drop.Upload(ctx, drop.UploadRequest{
			Body:       bodyReader{r: part, rc: rc},
			SizeHint:   s.sizeHint(r),
			FileName:   part.FileName(),
			MimeType:   part.Header.Get("Content-Type"),
			SourceAddr: clientIP(r),
		})
		if err != nil {
			s.writeError(w, r, "upload", err)
			return
		}
		stored = true
	}
	if !stored {
		http.Error(w, "No file in the request.", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = fmt.Fprintf(w, "Download: %s\n", s.drop.FileURL(rec.ID))
}

// sizeHint estimates the file size from the request length. It only feeds
// the early size and free space checks; the real limit is enforced on the
// bytes read.
func (s *Server) sizeHint(r *http.Request) int64 {
	if r.ContentLength <= 0 {
		return 0
	}
	hint := r.ContentLength - multipartOverhead
	if hint < 0 {
		hint = 0
	}
	return hint
}

// discard removes a file that was stored before the request turned out to
// be invalid.
func (s *Server) discard(ctx context.Context, rec record.FileRecord) {
	if err := s.drop.DeleteFile(context.WithoutCancel(ctx), rec); err != nil {
		s.log.WithError(err).WithField("id", rec.ID).Warn("upload_discard_failed")
	}
}

// bodyError classifies a failure to read the multipart framing.
func bodyError(err error) error {
	var tooBig *http.MaxBytesError
	if errors.As(err, &tooBig) {
		return err
	}
	return fault.Validation("Bad multipart body.")
}

func (s *Server) handleShorten(w http.ResponseWriter, r *http.Request) {
	// Anything longer than the limit is rejected anyway, so reading a little
	// past it is enough to report the right reason.
	body, err := io.ReadAll(io.LimitReader(r.Body, int64(s.cfg.MaxURLLength)+4096))
	if err != nil {
		s.writeError(w, r, "shorten", fault.Wrap(fault.ErrInterrupted, err))
		return
	}
	dest := strings.TrimSpace(string(body))
	if dest == "" {
		s.motdHandler(w, r)
		return
	}

	rec, err := s.drop.Shorten(r.Context(), dest, clientIP(r))
	if err != nil {
		s.writeError(w, r, "shorten", err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusCreated)
	_, _ = io.WriteString(w, s.drop.ShortURL(rec.ID))
}
