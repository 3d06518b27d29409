package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"ezdrop/internal/drop"
)

func TestDownload_RoundTrip(t *testing.T) {
	env := newTestEnv(t, Config{}, drop.Config{})
	id := env.uploadID(t, "hello.txt", "text/plain", "hello-test")

	rr := env.do(httptest.NewRequest(http.MethodGet, "/files/"+id, nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %q", rr.Code, rr.Body.String())
	}
	if rr.Body.String() != "hello-test" {
		t.Fatalf("body = %q", rr.Body.String())
	}
	h := rr.Header()
	if h.Get("Content-Type") != "text/plain" {
		t.Errorf("Content-Type = %q", h.Get("Content-Type"))
	}
	if h.Get("Content-Length") != "10" {
		t.Errorf("Content-Length = %q", h.Get("Content-Length"))
	}
	if h.Get("Content-Disposition") != `inline; filename=hello.txt` {
		t.Errorf("Content-Disposition = %q", h.Get("Content-Disposition"))
	}
	if !strings.Contains(h.Get("Content-Security-Policy"), "sandbox") {
		t.Errorf("download is not sandboxed: %q", h.Get("Content-Security-Policy"))
	}
}

func TestDownload_Head(t *testing.T) {
	env := newTestEnv(t, Config{}, drop.Config{})
	id := env.uploadID(t, "report.pdf", "application/pdf", "%PDF-1.4 fake")

	rr := env.do(httptest.NewRequest(http.MethodHead, "/files/"+id, nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if rr.Body.Len() != 0 {
		t.Fatalf("HEAD returned a body of %d bytes", rr.Body.Len())
	}
	if rr.Header().Get("Content-Length") != "13" || rr.Header().Get("Content-Type") != "application/pdf" {
		t.Fatalf("headers = %v", rr.Header())
	}
}

func TestDownload_NotFound(t *testing.T) {
	env := newTestEnv(t, Config{}, drop.Config{})

	for _, id := range []string{"abcdef", "not-even-an-id"} {
		rr := env.do(httptest.NewRequest(http.MethodGet, "/files/"+id, nil))
		if rr.Code != http.StatusNotFound {
			t.Fatalf("%s: status = %d", id, rr.Code)
		}
		want := "Can't find the requested file with ID " + id + ", Is it expired or a typo?"
		if strings.TrimSpace(rr.Body.String()) != want {
			t.Fatalf("%s: body = %q", id, rr.Body.String())
		}
	}
}

func TestDownload_BlobMissing(t *testing.T) {
	env := newTestEnv(t, Config{}, drop.Config{})
	id := env.uploadID(t, "gone.txt", "text/plain", "soon gone")

	rec, err := env.store.File(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.disk.Delete(context.Background(), rec.StorageID); err != nil {
		t.Fatal(err)
	}

	rr := env.do(httptest.NewRequest(http.MethodGet, "/files/"+id, nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rr.Code)
	}
}

// TestDownload_OverHTTP goes through a real connection so deadlines are set
// on an actual socket.
func TestDownload_OverHTTP(t *testing.T) {
	env := newTestEnv(t, Config{}, drop.Config{})
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	payload := strings.Repeat("0123456789abcdef", 256<<10) // 4 MiB, several pump chunks
	body, contentType := multipartBody(t, formPart{field: "file", filename: "big.bin", content: payload})
	resp, err := ts.Client().Post(ts.URL+"/", contentType, body)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	reply, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload status = %d, body %q", resp.StatusCode, reply)
	}
	link := strings.TrimSpace(strings.TrimPrefix(string(reply), "Download: "))
	id := link[strings.LastIndex(link, "/")+1:]

	// Same client, so the second request may reuse the connection.
	for i := 0; i < 2; i++ {
		resp, err = ts.Client().Get(ts.URL + "/files/" + id)
		if err != nil {
			t.Fatalf("download %d: %v", i, err)
		}
		got, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if resp.StatusCode != http.StatusOK || len(got) != len(payload) || string(got) != payload {
			t.Fatalf("download %d: status %d, %d bytes", i, resp.StatusCode, len(got))
		}
	}
}
