package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"ezdrop/internal/drop"
	"ezdrop/internal/record"
)

// Drop is the transfer core the handlers call into.
type Drop interface {
	Upload(ctx context.Context, req drop.UploadRequest) (record.FileRecord, error)
	File(ctx context.Context, id string) (record.FileRecord, error)
	Open(ctx context.Context, rec record.FileRecord) (drop.Download, error)
	Deliver(ctx context.Context, dst io.Writer, d drop.Download) (int64, error)
	DeleteFile(ctx context.Context, rec record.FileRecord) error
	Shorten(ctx context.Context, destination, sourceAddr string) (record.URLRecord, error)
	Resolve(ctx context.Context, id string) (string, error)
	FileURL(id string) string
	ShortURL(id string) string
}

type Config struct {
	Addr string // e.g. ":8080"
	Motd string
	// MaxUploadBytes is the file size limit. The request body may exceed it
	// by the multipart framing allowance.
	MaxUploadBytes int64
	MaxURLLength   int
	// RateLimit is the number of POST / requests a client may make per
	// RateWindow. Zero disables the limiter.
	RateLimit  int
	RateWindow time.Duration
	// TrustProxy takes the client address from forwarding headers. Without
	// it the connection's remote address is used.
	TrustProxy bool
	Version    string
}

type Server struct {
	httpServer *http.Server
	cfg        Config
	drop       Drop
	checks     []HealthCheck
	limiter    *rateLimiter
	log        logrus.FieldLogger
}

func New(cfg Config, d Drop, log logrus.FieldLogger, checks ...HealthCheck) *Server {
	if cfg.MaxURLLength <= 0 {
		cfg.MaxURLLength = 256
	}
	s := &Server{cfg: cfg, drop: d, checks: checks, log: log}
	if cfg.RateLimit > 0 {
		s.limiter = newRateLimiter(cfg.RateLimit, cfg.RateWindow)
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	// realIP (trusted proxy only) -> requestID -> logging -> recoverer -> headers -> cors
	if s.cfg.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(securityHeadersMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodHead, http.MethodPost},
		AllowedHeaders: []string{"Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"Content-Disposition", "Content-Length", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", s.HandleHealth)
	r.Get("/health/live", s.HandleLive)
	r.Get("/health/ready", s.HandleReady)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/", s.motdHandler)
	r.Group(func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.limiter.middleware)
		}
		r.Post("/", s.postHandler)
	})
	r.Get("/files/{id}", s.downloadHandler)
	r.Head("/files/{id}", s.downloadHandler)
	r.Get("/{id}", s.redirectHandler)

	return r
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	s.log.WithField("addr", ln.Addr().String()).Info("listening")
	return s.httpServer.Serve(ln)
}

// Shutdown stops accepting requests, waits for in-flight ones and stops the
// rate limiter's cleanup loop.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.limiter != nil {
		s.limiter.stop()
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) motdHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, s.cfg.Motd)
}
