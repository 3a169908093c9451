package capture

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/singleflight"
)

// defaultModelBaseURL is the upstream whisper.cpp model mirror.
const defaultModelBaseURL = "https://huggingface.co/ggerganov/whisper.cpp/resolve/main"

// ModelManager downloads and caches on-device transcription models under a
// local directory. Model files follow the whisper.cpp naming convention
// ggml-<name>.bin.
//
// ModelManager is safe for concurrent use; concurrent Ensure calls for the
// same model share a single download.
type ModelManager struct {
	dir     string
	baseURL string
	client  *http.Client
	group   singleflight.Group
}

// ModelOption is a functional option for configuring a [ModelManager].
type ModelOption func(*ModelManager)

// WithModelBaseURL overrides the download mirror. The manager fetches
// <baseURL>/ggml-<name>.bin.
func WithModelBaseURL(url string) ModelOption {
	return func(m *ModelManager) {
		m.baseURL = url
	}
}

// WithModelHTTPClient overrides the HTTP client used for downloads. The
// default client has no total timeout because model transfers are long and
// cancellation is handled via context.
func WithModelHTTPClient(client *http.Client) ModelOption {
	return func(m *ModelManager) {
		m.client = client
	}
}

// NewModelManager creates a manager storing models under dir.
func NewModelManager(dir string, opts ...ModelOption) *ModelManager {
	m := &ModelManager{
		dir:     dir,
		baseURL: defaultModelBaseURL,
		client:  &http.Client{},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Path returns the local file path for a model name, whether or not the file
// exists yet.
func (m *ModelManager) Path(name string) string {
	return filepath.Join(m.dir, "ggml-"+name+".bin")
}

// Ensure makes the named model available locally and returns its path.
//
// A model already on disk returns immediately with a single onProgress(1.0).
// Otherwise the file is downloaded to a temp file in the same directory and
// atomically renamed into place, so a crash mid-transfer never leaves a
// half-written model behind. onProgress (optional) receives monotonically
// non-decreasing values in [0, 1] at coarse intervals.
//
// Concurrent Ensure calls for the same model share one download; the
// transfer is never restarted while in progress. Cancelling ctx aborts the
// transfer and removes the partial file.
func (m *ModelManager) Ensure(ctx context.Context, name string, onProgress func(float64)) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty model name", ErrModelDownloadFailed)
	}
	path := m.Path(name)
	if _, err := os.Stat(path); err == nil {
		if onProgress != nil {
			onProgress(1.0)
		}
		return path, nil
	}

	_, err, _ := m.group.Do(name, func() (any, error) {
		return nil, m.download(ctx, name, path, onProgress)
	})
	if err != nil {
		return "", err
	}
	return path, nil
}

func (m *ModelManager) download(ctx context.Context, name, path string, onProgress func(float64)) error {
	url := m.baseURL + "/ggml-" + name + ".bin"
	slog.Info("downloading transcription model", "model", name, "url", url)
	start := time.Now()

	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("create model dir: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("download model %q: %w", name, err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("download model %q: %w", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download model %q: unexpected status %s", name, resp.Status)
	}

	tmp, err := os.CreateTemp(m.dir, "ggml-"+name+".*.partial")
	if err != nil {
		return fmt.Errorf("download model %q: %w", name, err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	pw := &progressWriter{
		w:          tmp,
		total:      resp.ContentLength,
		onProgress: onProgress,
	}
	if _, err := io.Copy(pw, resp.Body); err != nil {
		return fmt.Errorf("download model %q: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("download model %q: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("download model %q: %w", name, err)
	}
	if onProgress != nil {
		onProgress(1.0)
	}

	slog.Info("transcription model ready",
		"model", name,
		"bytes", pw.written,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}

// progressWriter reports coarse, monotonically non-decreasing progress while
// forwarding writes to the underlying file. Without a known total (missing
// Content-Length) no intermediate progress is reported; the caller still
// receives the final 1.0 after the rename.
type progressWriter struct {
	w          io.Writer
	total      int64
	written    int64
	onProgress func(float64)

	lastPercent int
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.written += int64(n)
	if p.onProgress == nil || p.total <= 0 {
		return n, err
	}

	percent := int(p.written * 100 / p.total)
	if percent > p.lastPercent {
		p.lastPercent = percent
		if percent >= 100 {
			// The final 1.0 is emitted after the rename.
			percent = 99
		}
		p.onProgress(float64(percent) / 100)
	}
	return n, err
}
