package capture

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func modelServer(t *testing.T, payload []byte, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.Write(payload)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func partialFiles(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "*.partial"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	return matches
}

func TestModelManager_Path(t *testing.T) {
	mm := NewModelManager("/var/lib/vittle/models")
	want := filepath.Join("/var/lib/vittle/models", "ggml-base.en.bin")
	if got := mm.Path("base.en"); got != want {
		t.Errorf("Path = %q, want %q", got, want)
	}
}

func TestModelManager_DownloadAndCache(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 300*1024)
	var hits atomic.Int32
	srv := modelServer(t, payload, &hits)

	dir := t.TempDir()
	mm := NewModelManager(dir, WithModelBaseURL(srv.URL))

	var progress []float64
	path, err := mm.Ensure(context.Background(), "base.en", func(p float64) {
		progress = append(progress, p)
	})
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if want := mm.Path("base.en"); path != want {
		t.Errorf("path = %q, want %q", path, want)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read model: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("model content mismatch: %d bytes, want %d", len(got), len(payload))
	}
	if len(partialFiles(t, dir)) != 0 {
		t.Errorf("partial files left behind: %v", partialFiles(t, dir))
	}

	if len(progress) == 0 {
		t.Fatal("no progress reported")
	}
	for i := 1; i < len(progress); i++ {
		if progress[i] < progress[i-1] {
			t.Fatalf("progress not monotonic: %v", progress)
		}
	}
	if last := progress[len(progress)-1]; last != 1.0 {
		t.Errorf("final progress = %v, want 1.0", last)
	}

	// A cached model short-circuits: no request, immediate completion.
	progress = nil
	if _, err := mm.Ensure(context.Background(), "base.en", func(p float64) {
		progress = append(progress, p)
	}); err != nil {
		t.Fatalf("second Ensure: %v", err)
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("requests = %d, want 1", n)
	}
	if len(progress) != 1 || progress[0] != 1.0 {
		t.Errorf("cached progress = %v, want [1]", progress)
	}
}

func TestModelManager_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	mm := NewModelManager(dir, WithModelBaseURL(srv.URL))

	_, err := mm.Ensure(context.Background(), "nope", nil)
	if err == nil {
		t.Fatal("Ensure succeeded for missing model")
	}
	if _, statErr := os.Stat(mm.Path("nope")); !os.IsNotExist(statErr) {
		t.Errorf("model file exists after failed download")
	}
	if len(partialFiles(t, dir)) != 0 {
		t.Errorf("partial files left behind: %v", partialFiles(t, dir))
	}
}

func TestModelManager_EmptyName(t *testing.T) {
	mm := NewModelManager(t.TempDir())
	_, err := mm.Ensure(context.Background(), "", nil)
	if !errors.Is(err, ErrModelDownloadFailed) {
		t.Fatalf("Ensure(\"\") = %v, want ErrModelDownloadFailed", err)
	}
}

func TestModelManager_CancelRemovesPartial(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1048576")
		w.Write(bytes.Repeat([]byte{0x01}, 8*1024))
		w.(http.Flusher).Flush()
		<-release
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	dir := t.TempDir()
	mm := NewModelManager(dir, WithModelBaseURL(srv.URL))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := mm.Ensure(ctx, "big", nil)
		errCh <- err
	}()

	// Let the transfer start before cancelling.
	deadline := time.Now().Add(3 * time.Second)
	for len(partialFiles(t, dir)) == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	cancel()

	err := <-errCh
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Ensure after cancel = %v, want context.Canceled", err)
	}
	if len(partialFiles(t, dir)) != 0 {
		t.Errorf("partial files left behind: %v", partialFiles(t, dir))
	}
	if _, statErr := os.Stat(mm.Path("big")); !os.IsNotExist(statErr) {
		t.Errorf("model file exists after cancelled download")
	}
}

func TestModelManager_ConcurrentEnsureSharesDownload(t *testing.T) {
	payload := bytes.Repeat([]byte{0x7F}, 64*1024)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		time.Sleep(50 * time.Millisecond)
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.Write(payload)
	}))
	t.Cleanup(srv.Close)

	mm := NewModelManager(t.TempDir(), WithModelBaseURL(srv.URL))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = mm.Ensure(context.Background(), "tiny", nil)
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Ensure %d: %v", i, err)
		}
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("requests = %d, want 1 shared download", n)
	}
}
