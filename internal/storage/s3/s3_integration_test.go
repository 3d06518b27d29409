//go:build integration
// +build integration

package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"

	"ezdrop/internal/fault"
	"ezdrop/internal/storage"
)

const testBucket = "ezdrop-test"

// startMinio runs a throwaway MinIO container with an empty bucket and
// returns its host:port. Tag can be overridden by EZDROP_MINIO_TEST_TAG.
func startMinio(t *testing.T) string {
	t.Helper()
	pool, err := dockertest.NewPool("")
	if err != nil {
		t.Fatalf("could not connect to docker: %v", err)
	}

	tag := os.Getenv("EZDROP_MINIO_TEST_TAG")
	if tag == "" {
		tag = "RELEASE.2024-01-31T20-20-33Z"
	}
	res, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "minio/minio",
		Tag:        tag,
		Cmd:        []string{"server", "/data"},
		Env: []string{
			"MINIO_ROOT_USER=minio",
			"MINIO_ROOT_PASSWORD=minio123",
		},
	}, func(config *docker.HostConfig) {
		config.AutoRemove = true
	})
	if err != nil {
		t.Fatalf("could not start minio: %v", err)
	}
	t.Cleanup(func() { _ = pool.Purge(res) })

	endpoint := "localhost:" + res.GetPort("9000/tcp")
	if err := pool.Retry(func() error {
		resp, err := http.Get("http://" + endpoint + "/minio/health/live")
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("minio not ready: %d", resp.StatusCode)
		}
		return nil
	}); err != nil {
		t.Fatalf("minio not ready: %v", err)
	}

	mc, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4("minio", "minio123", ""),
		Secure: false,
	})
	if err != nil {
		t.Fatalf("failed to create minio client: %v", err)
	}
	if err := mc.MakeBucket(context.Background(), testBucket, minio.MakeBucketOptions{}); err != nil {
		t.Fatalf("failed to create bucket: %v", err)
	}
	return endpoint
}

func TestBackendAgainstMinio(t *testing.T) {
	endpoint := startMinio(t)
	ctx := context.Background()

	b, err := New(ctx, Config{Endpoint: endpoint, AccessKey: "minio", SecretKey: "minio123", Bucket: testBucket})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := b.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	payload := bytes.Repeat([]byte("ezdrop"), 100000)
	id, err := storage.Store(ctx, b, bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	blob, err := b.Open(ctx, id)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	got, err := io.ReadAll(blob)
	_ = blob.Close()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) || blob.Size() != int64(len(payload)) {
		t.Fatalf("round trip mismatch: got %d bytes (size %d), want %d", len(got), blob.Size(), len(payload))
	}

	if err := b.Delete(ctx, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := b.Delete(ctx, id); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	if _, err := b.Open(ctx, id); !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("Open after delete: expected ErrNotFound, got %v", err)
	}
}

func TestAbortPublishesNothing(t *testing.T) {
	endpoint := startMinio(t)
	ctx := context.Background()

	b, err := New(ctx, Config{Endpoint: endpoint, AccessKey: "minio", SecretKey: "minio123", Bucket: testBucket})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	w, err := b.Create(ctx, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := w.Write([]byte("partial")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	for obj := range b.client.ListObjects(ctx, testBucket, minio.ListObjectsOptions{Prefix: keyPrefix, Recursive: true}) {
		if obj.Err != nil {
			t.Fatalf("list: %v", obj.Err)
		}
		t.Fatalf("aborted upload left object %s", obj.Key)
	}
}
