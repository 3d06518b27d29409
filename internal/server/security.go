// security.go - Response headers for a service that serves untrusted content
package server

import "net/http"

// securityHeadersMiddleware adds security headers to all responses
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()

		// Prevent clickjacking
		h.Set("X-Frame-Options", "DENY")

		// Uploads are served with the type the uploader claimed.
		h.Set("X-Content-Type-Options", "nosniff")

		// Referrer Policy - don't leak file and short links
		h.Set("Referrer-Policy", "no-referrer")

		h.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=()")

		next.ServeHTTP(w, r)
	})
}

// sandboxDownload locks down a served upload: no scripts, no plugins, no
// same-origin access, whatever its content type.
func sandboxDownload(w http.ResponseWriter) {
	w.Header().Set("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline'; img-src data:; media-src data:; sandbox")
}
