package r2s3

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
	auth    []string
	failPut int
}

func (b *fakeBucket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.auth = append(b.auth, r.Header.Get("Authorization"))
	switch r.Method {
	case http.MethodPut:
		if b.failPut > 0 {
			b.failPut--
			http.Error(w, "slow down", http.StatusServiceUnavailable)
			return
		}
		body, _ := io.ReadAll(r.Body)
		b.objects[r.URL.Path] = body
	case http.MethodGet:
		body, ok := b.objects[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(body)
	default:
		http.Error(w, "method", http.StatusMethodNotAllowed)
	}
}

func newTestClient(t *testing.T, b *fakeBucket) *Client {
	t.Helper()
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL, "models", "AKID", "secret")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	return c
}

func TestClient_PutGetRoundTrip(t *testing.T) {
	b := &fakeBucket{objects: map[string][]byte{}}
	c := newTestClient(t, b)

	dir := t.TempDir()
	src := filepath.Join(dir, "model_meta.json")
	if err := os.WriteFile(src, []byte(`{"model_type":"lstm"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := c.PutFile(ctx, "runs/r1/model_meta.json", src); err != nil {
		t.Fatalf("PutFile: %v", err)
	}
	b.mu.Lock()
	_, stored := b.objects["/models/runs/r1/model_meta.json"]
	firstAuth := b.auth[0]
	b.mu.Unlock()
	if !stored {
		t.Fatalf("object not stored")
	}
	if !strings.HasPrefix(firstAuth, "AWS4-HMAC-SHA256 Credential=AKID/20240501/auto/s3/aws4_request") {
		t.Fatalf("auth=%q", firstAuth)
	}

	dst := filepath.Join(dir, "pulled", "meta.json")
	if err := c.GetFile(ctx, "runs/r1/model_meta.json", dst); err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	got, _ := os.ReadFile(dst)
	if string(got) != `{"model_type":"lstm"}` {
		t.Fatalf("downloaded %q", got)
	}

	if err := c.GetFile(ctx, "runs/missing", dst); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing object err=%v", err)
	}
	if err := c.PutFile(ctx, "/", src); err == nil {
		t.Fatalf("expected error for empty key")
	}
}

func TestMirror_UploadsWithRetry(t *testing.T) {
	b := &fakeBucket{objects: map[string][]byte{}, failPut: 1}
	c := newTestClient(t, b)

	base := t.TempDir()
	runDir := filepath.Join(base, "run-1")
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		t.Fatal(err)
	}
	bundle := filepath.Join(runDir, "policy_model.bin")
	if err := os.WriteFile(bundle, []byte("weights"), 0o644); err != nil {
		t.Fatal(err)
	}

	m := NewMirror(c, MirrorOptions{BaseDir: base, Prefix: "/artifacts/", Workers: 1})
	m.retryBase = time.Millisecond
	m.Enqueue(bundle, filepath.Join(base, "gone.bin"))
	m.Close()
	m.Close()

	b.mu.Lock()
	_, stored := b.objects["/models/artifacts/run-1/policy_model.bin"]
	b.mu.Unlock()
	if !stored {
		t.Fatalf("bundle not mirrored")
	}
	st := m.Stats()
	if st.EnqueuedTotal != 2 || st.UploadSuccessTotal != 1 || st.UploadFailTotal != 1 {
		t.Fatalf("stats=%+v", st)
	}
	if _, err := m.ObjectKey(filepath.Dir(base)); err == nil {
		t.Fatalf("expected outside-base error")
	}
}

func TestMirrorFromEnv(t *testing.T) {
	t.Setenv(EnvMirror, "")
	m, err := MirrorFromEnv(t.TempDir(), nil)
	if err != nil || m != nil {
		t.Fatalf("disabled: m=%v err=%v", m, err)
	}
	m.Enqueue("anything")
	m.Close()

	t.Setenv(EnvMirror, "true")
	t.Setenv(EnvEndpoint, "r2.example.com")
	if _, err := MirrorFromEnv(t.TempDir(), nil); err == nil {
		t.Fatalf("expected error for partial credentials")
	}
}
