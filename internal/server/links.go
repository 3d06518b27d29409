package server

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"ezdrop/internal/fault"
)

// redirectHandler serves GET /{id}. Unknown or unreadable short links send
// the client back to the front page.
func (s *Server) redirectHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	dest, err := s.drop.Resolve(r.Context(), id)
	if err != nil {
		if !errors.Is(err, fault.ErrNotFound) {
			s.log.WithError(err).WithField("id", id).Warn("redirect_lookup_failed")
		}
		http.Redirect(w, r, "/", http.StatusTemporaryRedirect)
		return
	}
	http.Redirect(w, r, dest, http.StatusMovedPermanently)
}
