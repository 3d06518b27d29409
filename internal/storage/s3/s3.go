// Package s3 is the object-storage backend. It works against MinIO or any
// S3-compatible service and stores each blob under uploads/<uuid>.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"ezdrop/internal/fault"
	"ezdrop/internal/storage"
)

// Name is the backend tag written on records stored here.
const Name = "s3"

const keyPrefix = "uploads/"

// Config holds the connection settings for the bucket.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
}

// Backend stores blobs as objects in a single bucket.
type Backend struct {
	client *minio.Client
	bucket string
}

func normaliseEndpoint(raw string) (endpoint string, secure bool, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false, fmt.Errorf("empty endpoint")
	}

	// Accept either "minio:9000" or "http://minio:9000" / "https://minio:9000".
	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return "", false, err
		}
		if u.Host == "" {
			return "", false, fmt.Errorf("invalid endpoint")
		}
		if u.Path != "" && u.Path != "/" {
			return "", false, fmt.Errorf("endpoint must not contain a path")
		}
		return u.Host, u.Scheme == "https", nil
	}

	// No scheme: host:port, insecure by default for local MinIO.
	return raw, false, nil
}

// New connects to the endpoint and checks that the bucket exists.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.Endpoint == "" || cfg.AccessKey == "" || cfg.SecretKey == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 configuration incomplete")
	}

	endpoint, secure, err := normaliseEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, err
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("s3 bucket does not exist: %s", cfg.Bucket)
	}

	return &Backend{client: client, bucket: cfg.Bucket}, nil
}

func (b *Backend) Name() string { return Name }

// Ping checks that the bucket is still reachable.
func (b *Backend) Ping(ctx context.Context) error {
	exists, err := b.client.BucketExists(ctx, b.bucket)
	if err != nil {
		return fault.Wrap(fault.ErrStorage, err)
	}
	if !exists {
		return fmt.Errorf("%w: bucket %s does not exist", fault.ErrStorage, b.bucket)
	}
	return nil
}

func (b *Backend) Create(ctx context.Context, sizeHint int64) (storage.Writer, error) {
	if err := ctx.Err(); err != nil {
		return nil, fault.Wrap(fault.ErrInterrupted, err)
	}
	id := uuid.NewString()
	pr, pw := io.Pipe()
	w := &writer{pw: pw, id: id, result: make(chan error, 1)}

	// The upload runs until the pipe is closed. Closing it with an error
	// makes PutObject fail, so nothing is stored.
	go func() {
		_, err := b.client.PutObject(context.WithoutCancel(ctx), b.bucket, keyPrefix+id, pr, -1,
			minio.PutObjectOptions{ContentType: "application/octet-stream"})
		_ = pr.CloseWithError(err)
		w.result <- err
	}()
	return w, nil
}

func (b *Backend) Open(ctx context.Context, id string) (storage.Blob, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fault.ErrNotFound
	}
	obj, err := b.client.GetObject(ctx, b.bucket, keyPrefix+id, minio.GetObjectOptions{})
	if err != nil {
		return nil, classify(err)
	}
	st, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		return nil, classify(err)
	}
	return &blob{Object: obj, size: st.Size}, nil
}

func (b *Backend) Delete(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return nil
	}
	err := b.client.RemoveObject(ctx, b.bucket, keyPrefix+id, minio.RemoveObjectOptions{})
	if err != nil && !isNoSuchKey(err) {
		return fault.Wrap(fault.ErrStorage, err)
	}
	return nil
}

func isNoSuchKey(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}

func classify(err error) error {
	if isNoSuchKey(err) {
		return fault.ErrNotFound
	}
	return fault.Wrap(fault.ErrStorage, err)
}

type writer struct {
	pw     *io.PipeWriter
	id     string
	result chan error

	mu   sync.Mutex
	done bool
}

func (w *writer) Write(p []byte) (int, error) {
	n, err := w.pw.Write(p)
	if err != nil {
		return n, fault.Wrap(fault.ErrStorage, err)
	}
	return n, nil
}

func (w *writer) Commit() (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return "", fmt.Errorf("%w: blob already finished", fault.ErrStorage)
	}
	w.done = true
	_ = w.pw.Close()
	if err := <-w.result; err != nil {
		return "", fault.Wrap(fault.ErrStorage, err)
	}
	return w.id, nil
}

func (w *writer) Abort() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return nil
	}
	w.done = true
	_ = w.pw.CloseWithError(errAborted)
	<-w.result
	return nil
}

var errAborted = errors.New("upload aborted")

type blob struct {
	*minio.Object
	size int64
}

func (b *blob) Size() int64 { return b.size }
