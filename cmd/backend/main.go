package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"ezdrop/internal/config"
	"ezdrop/internal/db"
	"ezdrop/internal/drop"
	"ezdrop/internal/logging"
	"ezdrop/internal/pump"
	"ezdrop/internal/record"
	"ezdrop/internal/record/badgerrepo"
	"ezdrop/internal/record/pgrepo"
	"ezdrop/internal/server"
	"ezdrop/internal/shortid"
	"ezdrop/internal/storage"
	"ezdrop/internal/storage/local"
	"ezdrop/internal/storage/s3"
	"ezdrop/internal/sweeper"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg, err := config.Load(getenvDefault("EZDROP_CONFIG", ""))
	if err != nil {
		logging.New("info", "text").WithField("service", "backend").WithError(err).Error("config_invalid")
		os.Exit(1)
	}
	log := logging.New(cfg.Log.Level, cfg.Log.Format)
	blog := logging.For(log, "backend")

	// Set up signal handling for graceful shutdown on SIGINT (Ctrl+C) or SIGTERM (container stop).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		blog.WithError(err).Error("startup_failed")
		os.Exit(1)
	}
	if err := a.run(ctx); err != nil {
		blog.WithError(err).Error("server_error")
		os.Exit(1)
	}
}

// app holds the wired components so they can be shut down in order.
type app struct {
	cfg     *config.Config
	log     logrus.FieldLogger
	store   *record.Store
	sched   *pump.Scheduler
	sweeper *sweeper.Sweeper
	server  *server.Server
}

func newApp(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (*app, error) {
	repo, err := openRepository(cfg.Database, logging.For(log, "records"))
	if err != nil {
		return nil, fmt.Errorf("open record repository: %w", err)
	}
	store, err := record.NewStore(repo, cfg.Cache.Size)
	if err != nil {
		_ = repo.Close()
		return nil, err
	}

	backends, checks, err := openBackends(ctx, cfg.Storage)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}
	checks = append([]server.HealthCheck{server.PingCheck("records", store.Ping)}, checks...)

	sched := pump.NewScheduler(cfg.Pump.Workers)
	p := pump.New(sched, pump.Config{
		UploadChunk:   cfg.Pump.UploadChunk,
		DownloadChunk: cfg.Pump.DownloadChunk,
		MinThroughput: cfg.Pump.MinThroughput,
	}, logging.For(log, "pump"))

	svc := drop.New(store, backends, p, shortid.New(cfg.ID.Length, cfg.ID.MaxAttempts), drop.Config{
		BaseURL:        cfg.BaseURL,
		MaxUploadBytes: cfg.Upload.MaxBytes,
		BannedTypes:    cfg.Upload.BannedTypes,
		MaxURLLength:   cfg.Shorten.MaxLength,
	}, logging.For(log, "drop"))

	sw := sweeper.New(store, backends, sweeper.Config{
		Interval:  cfg.Sweep.Interval,
		Retention: cfg.Retention,
		Batch:     cfg.Sweep.Batch,
		Budget:    cfg.Sweep.Budget,
	}, logging.For(log, "sweeper"))

	srv := server.New(server.Config{
		Addr:           cfg.ListenAddr,
		Motd:           cfg.Motd,
		MaxUploadBytes: cfg.Upload.MaxBytes,
		MaxURLLength:   cfg.Shorten.MaxLength,
		RateLimit:      cfg.RateLimit.Requests,
		RateWindow:     cfg.RateLimit.Window,
		TrustProxy:     cfg.RateLimit.TrustProxy,
		Version:        version,
	}, svc, logging.For(log, "http"), checks...)

	return &app{
		cfg:     cfg,
		log:     logging.For(log, "backend"),
		store:   store,
		sched:   sched,
		sweeper: sw,
		server:  srv,
	}, nil
}

func openRepository(cfg config.DatabaseConfig, log logrus.FieldLogger) (record.Repository, error) {
	switch cfg.Driver {
	case "postgres":
		conn, err := db.OpenDB(cfg.URL)
		if err != nil {
			return nil, err
		}
		log.Info("running_migrations")
		if err := db.RunMigrations(conn); err != nil {
			_ = conn.Close()
			return nil, err
		}
		log.Info("migrations_complete")
		return pgrepo.New(conn), nil
	default:
		return badgerrepo.Open(cfg.BadgerDir)
	}
}

// openBackends builds the storage registry and one health check per backend.
func openBackends(ctx context.Context, cfg config.StorageConfig) (*storage.Registry, []server.HealthCheck, error) {
	disk, err := local.New(cfg.Local.Dir, cfg.ReservedBytes)
	if err != nil {
		return nil, nil, err
	}
	backends := []storage.Backend{disk}
	checks := []server.HealthCheck{server.DiskCheck("storage.local", disk.Free, disk.Reserved())}

	if cfg.S3.Enabled() {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		bucket, err := s3.New(ctx, s3.Config{
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Bucket:    cfg.S3.Bucket,
		})
		if err != nil {
			return nil, nil, err
		}
		backends = append(backends, bucket)
		checks = append(checks, server.PingCheck("storage.s3", bucket.Ping))
	}

	reg, err := storage.NewRegistry(cfg.Default, backends...)
	if err != nil {
		return nil, nil, err
	}
	return reg, checks, nil
}

// run serves until ctx is cancelled or the listener fails, then shuts
// everything down: HTTP first, then the sweeper, the pump workers and
// finally the record store.
func (a *app) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.sweeper.Start(ctx)
	}()

	errCh := make(chan error, 1)
	go func() {
		a.log.WithFields(logrus.Fields{
			"addr":    a.cfg.ListenAddr,
			"version": version,
			"db":      a.cfg.Database.Driver,
			"storage": a.cfg.Storage.Default,
		}).Info("starting")
		errCh <- a.server.Start()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		a.log.Info("shutting_down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	}

	// Give the server time to finish in-flight transfers.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.log.WithError(err).Warn("shutdown_error")
	}

	cancel()
	wg.Wait()
	a.sched.Close()
	if err := a.store.Close(); err != nil {
		a.log.WithError(err).Warn("record_store_close_failed")
	}
	a.log.Info("shutdown_complete")
	return serveErr
}

// getenvDefault reads an environment variable and returns a default value if not set.
func getenvDefault(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}
