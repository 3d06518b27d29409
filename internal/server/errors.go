package server

import (
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"ezdrop/internal/drop"
	"ezdrop/internal/fault"
)

// statusFor maps a core error to the HTTP status and the text shown to the
// client. Validation reasons are passed through; everything else gets a
// fixed message so internals never leak.
func statusFor(err error) (int, string) {
	var tooBig *http.MaxBytesError
	switch {
	case errors.Is(err, drop.ErrTooLarge), errors.As(err, &tooBig):
		return http.StatusRequestEntityTooLarge, "File is too large."
	case errors.Is(err, fault.ErrValidation):
		return http.StatusBadRequest, fault.Reason(err)
	case errors.Is(err, fault.ErrNotFound):
		return http.StatusNotFound, "Not found."
	case errors.Is(err, fault.ErrInterrupted):
		return http.StatusRequestTimeout, "Interrupted"
	case errors.Is(err, fault.ErrDiskFull):
		return http.StatusInsufficientStorage, "Not enough storage space. Upload failed."
	case errors.Is(err, fault.ErrStorage):
		return http.StatusBadGateway, "Storage failure."
	default:
		return http.StatusInternalServerError, "Internal server error."
	}
}

// writeError logs err with the request id and writes the mapped response.
// Client-side problems are logged at info, the rest at error.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, msg := statusFor(err)
	entry := s.log.WithFields(logrus.Fields{
		"request_id": RequestIDFromContext(r.Context()),
		"op":         op,
		"kind":       fault.Label(err),
		"status":     status,
	}).WithError(err)
	if status >= http.StatusInternalServerError {
		entry.Error("request_failed")
	} else {
		entry.Info("request_rejected")
	}
	http.Error(w, msg, status)
}
