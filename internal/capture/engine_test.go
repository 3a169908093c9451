package capture

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vittlelabs/vittle/pkg/audio"
	"github.com/vittlelabs/vittle/pkg/provider/stt"
	sttmock "github.com/vittlelabs/vittle/pkg/provider/stt/mock"
	"github.com/vittlelabs/vittle/pkg/types"
)

// stubSource is an in-memory AudioSource for engine tests.
type stubSource struct {
	mu         sync.Mutex
	granted    bool
	permErr    error
	startErr   error
	frames     chan audio.AudioFrame
	startCount int
	stopCount  int
}

func newStubSource() *stubSource {
	return &stubSource{granted: true}
}

func (s *stubSource) RequestPermission(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.permErr != nil {
		return false, s.permErr
	}
	if !s.granted {
		return false, ErrPermissionDenied
	}
	return true, nil
}

func (s *stubSource) Start(_ context.Context) (<-chan audio.AudioFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return nil, s.startErr
	}
	s.startCount++
	s.frames = make(chan audio.AudioFrame, 32)
	return s.frames, nil
}

func (s *stubSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopCount++
	if s.frames != nil {
		close(s.frames)
		s.frames = nil
	}
	return nil
}

func (s *stubSource) push(frame audio.AudioFrame) {
	s.mu.Lock()
	ch := s.frames
	s.mu.Unlock()
	if ch != nil {
		ch <- frame
	}
}

func (s *stubSource) starts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startCount
}

func (s *stubSource) stops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCount
}

// eventLog drains an engine's event stream into memory.
type eventLog struct {
	mu     sync.Mutex
	events []Event
	done   chan struct{}
}

func collectEvents(e *Engine) *eventLog {
	l := &eventLog{done: make(chan struct{})}
	go func() {
		defer close(l.done)
		for ev := range e.Events() {
			l.mu.Lock()
			l.events = append(l.events, ev)
			l.mu.Unlock()
		}
	}()
	return l
}

func (l *eventLog) phases() []Phase {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Phase
	for _, ev := range l.events {
		if ev.Type == EventStateChanged {
			out = append(out, ev.State.Phase)
		}
	}
	return out
}

func (l *eventLog) downloadProgress() []float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []float64
	for _, ev := range l.events {
		if ev.Type == EventStateChanged && ev.State.Phase == PhaseDownloadingModel {
			out = append(out, ev.State.DownloadProgress)
		}
	}
	return out
}

func (l *eventLog) hasError(target error) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range l.events {
		if ev.Type == EventError && errors.Is(ev.Err, target) {
			return true
		}
	}
	return false
}

func (l *eventLog) partialTexts() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, ev := range l.events {
		if ev.Type == EventPartialTranscript {
			out = append(out, ev.Partial)
		}
	}
	return out
}

func (l *eventLog) waveformCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Type == EventWaveformLevel {
			n++
		}
	}
	return n
}

func waitUntil(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

// containsSubsequence reports whether want appears in got, in order, possibly
// with other phases interleaved.
func containsSubsequence(got, want []Phase) bool {
	i := 0
	for _, p := range got {
		if i < len(want) && p == want[i] {
			i++
		}
	}
	return i == len(want)
}

func passthroughFactory(p stt.Provider) ProviderFactory {
	return func(string) (stt.Provider, error) { return p, nil }
}

func TestEngine_InitializeWithoutModel(t *testing.T) {
	src := newStubSource()
	var gotPath atomic.Value
	factory := func(modelPath string) (stt.Provider, error) {
		gotPath.Store(modelPath)
		return &sttmock.Provider{}, nil
	}
	eng := New(src, factory)
	log := collectEvents(eng)

	if err := eng.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if got := eng.CurrentState().Phase; got != PhaseReady {
		t.Fatalf("phase = %s, want %s", got, PhaseReady)
	}
	if p := gotPath.Load(); p != "" {
		t.Errorf("factory model path = %q, want empty", p)
	}

	eng.Close()
	<-log.done
	want := []Phase{PhasePreparingModel, PhaseReady}
	if got := log.phases(); !containsSubsequence(got, want) {
		t.Errorf("phases = %v, want subsequence %v", got, want)
	}
	for _, p := range log.phases() {
		if p == PhaseDownloadingModel {
			t.Errorf("unexpected downloading phase without a configured model")
		}
	}
}

func TestEngine_InitializeDownloadsModel(t *testing.T) {
	payload := bytes.Repeat([]byte{0x42}, 256*1024)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ggml-tiny.en.bin" {
			http.NotFound(w, r)
			return
		}
		hits.Add(1)
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.Write(payload)
	}))
	defer srv.Close()

	dir := t.TempDir()
	mm := NewModelManager(dir, WithModelBaseURL(srv.URL))

	var gotPath atomic.Value
	factory := func(modelPath string) (stt.Provider, error) {
		gotPath.Store(modelPath)
		return &sttmock.Provider{}, nil
	}
	eng := New(newStubSource(), factory, WithModel("tiny.en", mm))
	log := collectEvents(eng)

	if err := eng.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if got, want := gotPath.Load(), mm.Path("tiny.en"); got != want {
		t.Errorf("factory model path = %q, want %q", got, want)
	}
	info, err := os.Stat(mm.Path("tiny.en"))
	if err != nil {
		t.Fatalf("model file missing: %v", err)
	}
	if info.Size() != int64(len(payload)) {
		t.Errorf("model file size = %d, want %d", info.Size(), len(payload))
	}

	// Already ready: no second download.
	if err := eng.Initialize(context.Background()); err != nil {
		t.Fatalf("second Initialize: %v", err)
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("download requests = %d, want 1", n)
	}

	eng.Close()
	<-log.done

	want := []Phase{PhaseDownloadingModel, PhasePreparingModel, PhaseReady}
	if got := log.phases(); !containsSubsequence(got, want) {
		t.Errorf("phases = %v, want subsequence %v", got, want)
	}
	progress := log.downloadProgress()
	if len(progress) == 0 {
		t.Fatal("no download progress reported")
	}
	for i := 1; i < len(progress); i++ {
		if progress[i] < progress[i-1] {
			t.Fatalf("progress not monotonic: %v", progress)
		}
	}
	if last := progress[len(progress)-1]; last != 1.0 {
		t.Errorf("final progress = %v, want 1.0", last)
	}
}

func TestEngine_InitializeDownloadFailureAndRetry(t *testing.T) {
	payload := bytes.Repeat([]byte{0x01}, 4*1024)
	var fail atomic.Bool
	fail.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.Write(payload)
	}))
	defer srv.Close()

	mm := NewModelManager(t.TempDir(), WithModelBaseURL(srv.URL))
	eng := New(newStubSource(), passthroughFactory(&sttmock.Provider{}), WithModel("tiny.en", mm))
	defer eng.Close()
	log := collectEvents(eng)

	err := eng.Initialize(context.Background())
	if !errors.Is(err, ErrModelDownloadFailed) {
		t.Fatalf("Initialize error = %v, want ErrModelDownloadFailed", err)
	}
	st := eng.CurrentState()
	if st.Phase != PhaseError {
		t.Fatalf("phase = %s, want %s", st.Phase, PhaseError)
	}
	if !errors.Is(st.Cause, ErrModelDownloadFailed) {
		t.Errorf("state cause = %v, want ErrModelDownloadFailed", st.Cause)
	}
	waitUntil(t, "error event", func() bool { return log.hasError(ErrModelDownloadFailed) })

	// Recording is not possible from the error phase.
	if err := eng.StartRecording(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("StartRecording from error = %v, want ErrInvalidState", err)
	}

	// Dismiss, then retry once the server recovers.
	if err := eng.DismissError(); err != nil {
		t.Fatalf("DismissError: %v", err)
	}
	if got := eng.CurrentState().Phase; got != PhaseIdle {
		t.Fatalf("phase after dismiss = %s, want %s", got, PhaseIdle)
	}
	fail.Store(false)
	if err := eng.Initialize(context.Background()); err != nil {
		t.Fatalf("retry Initialize: %v", err)
	}
	if got := eng.CurrentState().Phase; got != PhaseReady {
		t.Fatalf("phase after retry = %s, want %s", got, PhaseReady)
	}
}

func TestEngine_InitializeCancelReturnsToIdle(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1048576")
		w.Write(bytes.Repeat([]byte{0x01}, 16*1024))
		w.(http.Flusher).Flush()
		<-release
	}))
	defer srv.Close()
	defer close(release)

	mm := NewModelManager(t.TempDir(), WithModelBaseURL(srv.URL))
	src := newStubSource()
	eng := New(src, passthroughFactory(&sttmock.Provider{}), WithModel("tiny.en", mm))
	defer eng.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- eng.Initialize(ctx) }()
	waitUntil(t, "downloading phase", func() bool {
		return eng.CurrentState().Phase == PhaseDownloadingModel
	})

	// Recording cannot begin while the model is still downloading.
	if err := eng.StartRecording(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("StartRecording while downloading = %v, want ErrInvalidState", err)
	}
	cancel()

	err := <-errCh
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Initialize after cancel = %v, want context.Canceled", err)
	}
	// A cancelled download is not a failure: the engine returns to idle.
	waitUntil(t, "idle phase", func() bool {
		return eng.CurrentState().Phase == PhaseIdle
	})
	if got := src.starts(); got != 0 {
		t.Fatalf("source starts = %d, want 0", got)
	}
}

func TestEngine_ProviderFactoryFailure(t *testing.T) {
	boom := errors.New("model file corrupt")
	factory := func(string) (stt.Provider, error) { return nil, boom }
	eng := New(newStubSource(), factory)
	defer eng.Close()

	err := eng.Initialize(context.Background())
	if !errors.Is(err, ErrModelDownloadFailed) {
		t.Fatalf("Initialize error = %v, want ErrModelDownloadFailed", err)
	}
	if got := eng.CurrentState().Phase; got != PhaseError {
		t.Fatalf("phase = %s, want %s", got, PhaseError)
	}
}

func TestEngine_RequestPermissionDenied(t *testing.T) {
	src := newStubSource()
	src.granted = false
	eng := New(src, passthroughFactory(&sttmock.Provider{}))
	defer eng.Close()
	log := collectEvents(eng)

	granted, err := eng.RequestPermission(context.Background())
	if granted {
		t.Fatal("permission reported granted")
	}
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("error = %v, want ErrPermissionDenied", err)
	}
	waitUntil(t, "error phase", func() bool {
		st := eng.CurrentState()
		return st.Phase == PhaseError && errors.Is(st.Cause, ErrPermissionDenied)
	})
	waitUntil(t, "error event", func() bool { return log.hasError(ErrPermissionDenied) })
}

func TestEngine_RecordAndStop(t *testing.T) {
	sess := &sttmock.Session{
		PartialsCh:    make(chan types.Transcript, 8),
		FinalsCh:      make(chan types.Transcript, 8),
		CloseChannels: true,
	}
	prov := &sttmock.Provider{Session: sess}
	src := newStubSource()
	eng := New(src, passthroughFactory(prov))
	log := collectEvents(eng)

	ctx := context.Background()
	if err := eng.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := eng.StartRecording(ctx); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if got := eng.CurrentState().Phase; got != PhaseRecording {
		t.Fatalf("phase = %s, want %s", got, PhaseRecording)
	}

	for range 3 {
		src.push(audio.AudioFrame{Data: make([]byte, 640), SampleRate: 16000, Channels: 1})
	}
	waitUntil(t, "frames forwarded to session", func() bool {
		return sess.SendAudioCallCount() == 3
	})

	sess.PartialsCh <- types.Transcript{Text: "two eggs"}
	waitUntil(t, "partial event", func() bool {
		for _, p := range log.partialTexts() {
			if p == "two eggs" {
				return true
			}
		}
		return false
	})

	sess.FinalsCh <- types.Transcript{Text: "two eggs", IsFinal: true, Confidence: 0.9}
	sess.FinalsCh <- types.Transcript{Text: "and toast", IsFinal: true, Confidence: 0.7}

	result, err := eng.StopRecording(ctx)
	if err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	if result == nil {
		t.Fatal("StopRecording returned nil result")
	}
	if result.Text != "two eggs and toast" {
		t.Errorf("transcript = %q, want %q", result.Text, "two eggs and toast")
	}
	if math.Abs(result.Confidence-0.8) > 1e-6 {
		t.Errorf("confidence = %v, want 0.8", result.Confidence)
	}
	if got := eng.CurrentState().Phase; got != PhaseReady {
		t.Fatalf("phase after stop = %s, want %s", got, PhaseReady)
	}
	// The microphone is released as part of stopping, before Close.
	if got := src.stops(); got != 1 {
		t.Errorf("source stops = %d, want 1", got)
	}
	if sess.CloseCallCount != 1 {
		t.Errorf("session close count = %d, want 1", sess.CloseCallCount)
	}

	eng.Close()
	<-log.done
	want := []Phase{PhaseRecording, PhaseTranscribing, PhaseReady}
	if got := log.phases(); !containsSubsequence(got, want) {
		t.Errorf("phases = %v, want subsequence %v", got, want)
	}
}

func TestEngine_WaveformLevels(t *testing.T) {
	src := newStubSource()
	eng := New(src, passthroughFactory(&sttmock.Provider{}), WithWaveformInterval(5*time.Millisecond))
	defer eng.Close()
	log := collectEvents(eng)

	ctx := context.Background()
	if err := eng.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := eng.StartRecording(ctx); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}

	// A loud constant-amplitude frame keeps the reported level well above 0.
	pcm := make([]byte, 320)
	for i := 0; i < len(pcm); i += 2 {
		binary.LittleEndian.PutUint16(pcm[i:], uint16(16000))
	}
	src.push(audio.AudioFrame{Data: pcm, SampleRate: 16000, Channels: 1})

	waitUntil(t, "waveform events", func() bool { return log.waveformCount() >= 2 })
}

func TestEngine_StartRecordingBeforeReady(t *testing.T) {
	eng := New(newStubSource(), passthroughFactory(&sttmock.Provider{}))
	defer eng.Close()

	err := eng.StartRecording(context.Background())
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("StartRecording from idle = %v, want ErrInvalidState", err)
	}
}

func TestEngine_StartRecordingSessionFailure(t *testing.T) {
	prov := &sttmock.Provider{StartStreamErr: errors.New("backend unavailable")}
	src := newStubSource()
	eng := New(src, passthroughFactory(prov))
	defer eng.Close()
	log := collectEvents(eng)

	ctx := context.Background()
	if err := eng.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	err := eng.StartRecording(ctx)
	if !errors.Is(err, ErrRecordingFailed) {
		t.Fatalf("StartRecording = %v, want ErrRecordingFailed", err)
	}
	// The failed attempt must not leave the microphone open, and the engine
	// stays ready for another try.
	if got := src.stops(); got != 1 {
		t.Errorf("source stops = %d, want 1", got)
	}
	if got := eng.CurrentState().Phase; got != PhaseReady {
		t.Fatalf("phase = %s, want %s", got, PhaseReady)
	}
	waitUntil(t, "error event", func() bool { return log.hasError(ErrRecordingFailed) })

	prov.StartStreamErr = nil
	if err := eng.StartRecording(ctx); err != nil {
		t.Fatalf("StartRecording after recovery: %v", err)
	}
}

func TestEngine_StopRecordingNoOpWhenReady(t *testing.T) {
	eng := New(newStubSource(), passthroughFactory(&sttmock.Provider{}))
	defer eng.Close()

	if err := eng.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	result, err := eng.StopRecording(context.Background())
	if err != nil {
		t.Fatalf("StopRecording when ready = %v, want nil", err)
	}
	if result != nil {
		t.Fatalf("result = %+v, want nil", result)
	}
}

func TestEngine_StopRecordingInvalidWhenIdle(t *testing.T) {
	eng := New(newStubSource(), passthroughFactory(&sttmock.Provider{}))
	defer eng.Close()

	_, err := eng.StopRecording(context.Background())
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("StopRecording from idle = %v, want ErrInvalidState", err)
	}
}

func TestEngine_DismissErrorNoOp(t *testing.T) {
	eng := New(newStubSource(), passthroughFactory(&sttmock.Provider{}))
	defer eng.Close()

	if err := eng.DismissError(); err != nil {
		t.Fatalf("DismissError on idle = %v, want nil", err)
	}
	if got := eng.CurrentState().Phase; got != PhaseIdle {
		t.Fatalf("phase = %s, want %s", got, PhaseIdle)
	}
}

type closableProvider struct {
	sttmock.Provider
	closeMu sync.Mutex
	closed  bool
}

func (p *closableProvider) Close() error {
	p.closeMu.Lock()
	defer p.closeMu.Unlock()
	p.closed = true
	return nil
}

func (p *closableProvider) isClosed() bool {
	p.closeMu.Lock()
	defer p.closeMu.Unlock()
	return p.closed
}

func TestEngine_CloseReleasesEverything(t *testing.T) {
	sess := &sttmock.Session{
		PartialsCh:    make(chan types.Transcript, 8),
		FinalsCh:      make(chan types.Transcript, 8),
		CloseChannels: true,
	}
	prov := &closableProvider{Provider: sttmock.Provider{Session: sess}}
	src := newStubSource()
	eng := New(src, passthroughFactory(prov))
	log := collectEvents(eng)

	ctx := context.Background()
	if err := eng.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := eng.StartRecording(ctx); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}

	// Closing mid-recording must release the source, the session and the
	// provider, and end the event stream.
	if err := eng.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	<-log.done

	if src.stops() == 0 {
		t.Error("audio source never stopped")
	}
	if sess.CloseCallCount == 0 {
		t.Error("transcription session never closed")
	}
	if !prov.isClosed() {
		t.Error("provider never closed")
	}

	// All operations on a closed engine fail fast or no-op.
	if err := eng.Initialize(ctx); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Initialize after close = %v, want ErrInvalidState", err)
	}
	if err := eng.Close(); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}
}

func TestEngine_InitializeWhileRecording(t *testing.T) {
	eng := New(newStubSource(), passthroughFactory(&sttmock.Provider{}))
	defer eng.Close()

	ctx := context.Background()
	if err := eng.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := eng.StartRecording(ctx); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if err := eng.Initialize(ctx); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Initialize while recording = %v, want ErrInvalidState", err)
	}
}

func TestEngine_EmptyRecordingYieldsEmptyTranscript(t *testing.T) {
	sess := &sttmock.Session{
		PartialsCh:    make(chan types.Transcript, 1),
		FinalsCh:      make(chan types.Transcript, 1),
		CloseChannels: true,
	}
	eng := New(newStubSource(), passthroughFactory(&sttmock.Provider{Session: sess}))
	defer eng.Close()

	ctx := context.Background()
	if err := eng.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := eng.StartRecording(ctx); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	result, err := eng.StopRecording(ctx)
	if err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	if result == nil {
		t.Fatal("StopRecording returned nil result for a silent recording")
	}
	if result.Text != "" {
		t.Errorf("transcript = %q, want empty", result.Text)
	}
	if result.Confidence != 0 {
		t.Errorf("confidence = %v, want 0", result.Confidence)
	}
}
