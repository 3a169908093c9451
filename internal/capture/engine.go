// Package capture implements the voice capture engine: the lifecycle that
// takes a client from "no model on disk" through recording to a raw meal
// transcript.
//
// The engine is a state machine (idle → downloading_model → preparing_model
// → ready → recording → transcribing → ready, with a dismissable error
// phase) driven by a single goroutine that owns all state mutation and event
// emission. Audio frames, STT transcripts, model download progress, and
// public operations all funnel into that goroutine via channels, so
// observers never see interleaved or reentrant callbacks. Operations block
// until the loop has acted on them.
//
// Collaborators are injected: an [AudioSource] supplies frames, a
// [ProviderFactory] builds the transcription backend, and an optional
// [ModelManager] fetches on-device models.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/vittlelabs/vittle/pkg/audio"
	"github.com/vittlelabs/vittle/pkg/provider/stt"
	"github.com/vittlelabs/vittle/pkg/types"
)

const (
	defaultWaveformInterval = 100 * time.Millisecond
	defaultEventBuffer      = 256
)

// ProviderFactory constructs the STT provider during Initialize, after the
// on-device model (if any) is on disk. modelPath is empty when the engine is
// configured without a model, e.g. for cloud transcription backends.
type ProviderFactory func(modelPath string) (stt.Provider, error)

// Option is a functional option for configuring an [Engine].
type Option func(*Engine)

// WithModel configures the on-device model the engine must download before
// it can become ready. Without this option Initialize skips the download
// phase and calls the provider factory with an empty path.
func WithModel(name string, manager *ModelManager) Option {
	return func(e *Engine) {
		e.modelName = name
		e.models = manager
	}
}

// WithStreamConfig sets the audio format and recognition hints handed to the
// provider when a recording starts. Default: 16 kHz mono, language "en".
func WithStreamConfig(cfg stt.StreamConfig) Option {
	return func(e *Engine) {
		e.streamCfg = cfg
	}
}

// WithWaveformInterval sets the cadence of waveform level events while
// recording. Default: 100ms.
func WithWaveformInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.waveformInterval = d
		}
	}
}

// Engine is the voice capture engine. One Engine instance serves one capture
// client; all methods are safe for concurrent use.
//
// Consumers must drain [Engine.Events] from a dedicated goroutine: state and
// error events are delivered reliably and the loop waits for the consumer
// when the buffer fills.
type Engine struct {
	source  AudioSource
	factory ProviderFactory

	modelName        string
	models           *ModelManager
	streamCfg        stt.StreamConfig
	waveformInterval time.Duration

	cmds   chan func()
	events chan Event

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}

	// st is owned by the run goroutine. No other goroutine touches it.
	st loopState
}

type loopState struct {
	state State

	provider stt.Provider
	session  stt.SessionHandle

	frames   <-chan audio.AudioFrame
	partials <-chan types.Transcript
	finals   <-chan types.Transcript

	ticker    *time.Ticker
	tick      <-chan time.Time
	lastLevel float64

	parts       []string
	confidences []float64

	cancelInit context.CancelFunc
}

type stopReply struct {
	result *TranscriptionResult
	err    error
}

// New creates an Engine and starts its event loop. The caller must call
// [Engine.Close] to release the loop, the audio source, and the provider.
func New(source AudioSource, factory ProviderFactory, opts ...Option) *Engine {
	e := &Engine{
		source:  source,
		factory: factory,
		streamCfg: stt.StreamConfig{
			SampleRate: 16000,
			Channels:   1,
			Language:   "en",
		},
		waveformInterval: defaultWaveformInterval,
		cmds:             make(chan func(), 16),
		events:           make(chan Event, defaultEventBuffer),
		closed:           make(chan struct{}),
		done:             make(chan struct{}),
	}
	e.st.state = State{Phase: PhaseIdle}
	for _, o := range opts {
		o(e)
	}
	go e.run()
	return e
}

// Events returns the engine's event stream. The channel closes when the
// engine closes. State-change and error events are never dropped; waveform
// and partial-transcript events are dropped when the consumer lags.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// CurrentState returns a snapshot of the engine state. After Close it
// returns the zero State.
func (e *Engine) CurrentState() State {
	reply := make(chan State, 1)
	if !e.tryDo(func() { reply <- e.st.state }) {
		return State{}
	}
	select {
	case s := <-reply:
		return s
	case <-e.done:
		return State{}
	}
}

// RequestPermission asks the audio source whether capture is allowed. A
// denial moves the engine to the error phase with ErrPermissionDenied; the
// caller must not start a recording afterwards.
func (e *Engine) RequestPermission(ctx context.Context) (bool, error) {
	granted, err := e.source.RequestPermission(ctx)
	if err == nil && granted {
		return true, nil
	}
	if err == nil {
		err = ErrPermissionDenied
	}
	if errors.Is(err, ErrPermissionDenied) {
		e.tryDo(func() { e.setError(err) })
	}
	return false, err
}

// Initialize brings the engine from idle (or a dismissed-retry error) to
// ready: it downloads the configured model if absent, then constructs the
// transcription provider. Safe to call when already ready. Cancelling ctx
// during the download aborts it and returns the engine to idle.
func (e *Engine) Initialize(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := e.do(ctx, func() { e.beginInitialize(ctx, reply) }); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return fmt.Errorf("%w: engine closed", ErrInvalidState)
	}
}

// StartRecording opens the audio source and a transcription session. Valid
// only from ready. On failure the engine stays ready, emits an error event,
// and returns an error wrapping ErrRecordingFailed.
func (e *Engine) StartRecording(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := e.do(ctx, func() { e.beginRecording(ctx, reply) }); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return fmt.Errorf("%w: engine closed", ErrInvalidState)
	}
}

// StopRecording releases the audio source, flushes the transcription
// session, and returns the assembled transcript. An empty Text is a valid
// result. Calling StopRecording when no recording is active (ready, or a
// stop already in flight) is a safe no-op returning (nil, nil); calling it
// from idle or during model setup returns ErrInvalidState.
func (e *Engine) StopRecording(ctx context.Context) (*TranscriptionResult, error) {
	reply := make(chan stopReply, 1)
	if err := e.do(ctx, func() { e.beginStop(reply) }); err != nil {
		return nil, err
	}
	select {
	case r := <-reply:
		return r.result, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.done:
		return nil, fmt.Errorf("%w: engine closed", ErrInvalidState)
	}
}

// DismissError acknowledges the error phase and returns the engine to idle.
// Safe no-op when no error is active.
func (e *Engine) DismissError() error {
	reply := make(chan struct{})
	if !e.tryDo(func() {
		if e.st.state.Phase == PhaseError {
			e.setState(State{Phase: PhaseIdle})
		}
		close(reply)
	}) {
		return nil
	}
	select {
	case <-reply:
	case <-e.done:
	}
	return nil
}

// Close shuts down the engine: it cancels any in-flight model download,
// releases the audio source and any open transcription session, closes the
// provider, and closes the event stream. Idempotent.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		close(e.closed)
	})
	<-e.done
	return nil
}

// do enqueues fn for the loop goroutine, honouring ctx and engine shutdown.
func (e *Engine) do(ctx context.Context, fn func()) error {
	select {
	case e.cmds <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.closed:
		return fmt.Errorf("%w: engine closed", ErrInvalidState)
	}
}

// tryDo enqueues fn unless the engine is shutting down. Reports whether the
// command was accepted.
func (e *Engine) tryDo(fn func()) bool {
	select {
	case e.cmds <- fn:
		return true
	case <-e.closed:
		return false
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Event loop
// ─────────────────────────────────────────────────────────────────────────────

func (e *Engine) run() {
	defer close(e.done)

	for {
		select {
		case <-e.closed:
			e.cleanup()
			return

		case fn := <-e.cmds:
			fn()

		case frame, ok := <-e.st.frames:
			if !ok {
				e.st.frames = nil
				continue
			}
			e.st.lastLevel = audio.Level(frame.Data)
			if e.st.session != nil {
				if err := e.st.session.SendAudio(frame.Data); err != nil {
					slog.Warn("send audio to transcription session", "error", err)
				}
			}

		case t, ok := <-e.st.partials:
			if !ok {
				e.st.partials = nil
				continue
			}
			if t.Text != "" {
				e.emitBestEffort(Event{Type: EventPartialTranscript, Partial: t.Text})
			}

		case t, ok := <-e.st.finals:
			if !ok {
				e.st.finals = nil
				continue
			}
			e.collectFinal(t)

		case <-e.st.tick:
			e.emitBestEffort(Event{Type: EventWaveformLevel, Level: e.st.lastLevel})
		}
	}
}

func (e *Engine) cleanup() {
	if e.st.cancelInit != nil {
		e.st.cancelInit()
		e.st.cancelInit = nil
	}
	e.stopTicker()
	if e.st.session != nil {
		if err := e.st.session.Close(); err != nil {
			slog.Warn("close transcription session", "error", err)
		}
		e.st.session = nil
	}
	if err := e.source.Stop(); err != nil {
		slog.Warn("stop audio source", "error", err)
	}
	if c, ok := e.st.provider.(io.Closer); ok {
		if err := c.Close(); err != nil {
			slog.Warn("close transcription provider", "error", err)
		}
	}
	e.st.provider = nil
	close(e.events)
}

// setState records a new state and emits the state-changed event.
func (e *Engine) setState(s State) {
	e.st.state = s
	e.emit(Event{Type: EventStateChanged, State: s})
}

// setError enters the error phase with the given cause and emits both the
// state-changed and the error event.
func (e *Engine) setError(cause error) {
	e.setState(State{Phase: PhaseError, Cause: cause})
	e.emit(Event{Type: EventError, Err: cause})
}

// emit delivers a reliable event, waiting for the consumer if the buffer is
// full. Shutdown unblocks the wait.
func (e *Engine) emit(ev Event) {
	select {
	case e.events <- ev:
	case <-e.closed:
	}
}

// emitBestEffort delivers a droppable event without ever blocking the loop.
func (e *Engine) emitBestEffort(ev Event) {
	select {
	case e.events <- ev:
	default:
	}
}

func (e *Engine) stopTicker() {
	if e.st.ticker != nil {
		e.st.ticker.Stop()
		e.st.ticker = nil
		e.st.tick = nil
	}
}

func (e *Engine) collectFinal(t types.Transcript) {
	if t.Text == "" {
		return
	}
	e.st.parts = append(e.st.parts, t.Text)
	if t.Confidence > 0 {
		e.st.confidences = append(e.st.confidences, t.Confidence)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Initialize
// ─────────────────────────────────────────────────────────────────────────────

func (e *Engine) beginInitialize(ctx context.Context, reply chan<- error) {
	switch e.st.state.Phase {
	case PhaseReady:
		reply <- nil
		return
	case PhaseIdle, PhaseError:
		// Proceed. Initialize from the error phase is the retry path.
	default:
		reply <- fmt.Errorf("%w: initialize during %s", ErrInvalidState, e.st.state.Phase)
		return
	}

	if e.st.provider != nil {
		// Provider survived a dismissed error; no download needed.
		e.setState(State{Phase: PhaseReady})
		reply <- nil
		return
	}

	initCtx, cancel := context.WithCancel(ctx)
	e.st.cancelInit = cancel

	if e.modelName == "" || e.models == nil {
		e.setState(State{Phase: PhasePreparingModel})
		go e.prepareProvider(initCtx, "", reply)
		return
	}

	model := e.modelName
	e.setState(State{Phase: PhaseDownloadingModel, ModelName: model})
	go func() {
		path, err := e.models.Ensure(initCtx, model, func(p float64) {
			e.tryDo(func() {
				if e.st.state.Phase == PhaseDownloadingModel {
					e.setState(State{
						Phase:            PhaseDownloadingModel,
						DownloadProgress: p,
						ModelName:        model,
					})
				}
			})
		})
		e.tryDo(func() { e.finishDownload(initCtx, path, err, reply) })
	}()
}

func (e *Engine) finishDownload(ctx context.Context, path string, err error, reply chan<- error) {
	if err != nil {
		e.clearInitCancel()
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			e.setState(State{Phase: PhaseIdle})
			reply <- err
			return
		}
		wrapped := fmt.Errorf("%w: %v", ErrModelDownloadFailed, err)
		e.setError(wrapped)
		reply <- wrapped
		return
	}
	e.setState(State{Phase: PhasePreparingModel})
	go e.prepareProvider(ctx, path, reply)
}

// prepareProvider runs the factory off the loop goroutine; model loading can
// take seconds and the loop must keep delivering events meanwhile.
func (e *Engine) prepareProvider(ctx context.Context, modelPath string, reply chan<- error) {
	provider, err := e.factory(modelPath)
	if !e.tryDo(func() { e.finishPrepare(ctx, provider, err, reply) }) {
		// Engine closed while preparing; don't leak the provider.
		if c, ok := provider.(io.Closer); ok && err == nil {
			_ = c.Close()
		}
	}
}

func (e *Engine) finishPrepare(ctx context.Context, provider stt.Provider, err error, reply chan<- error) {
	e.clearInitCancel()

	if err == nil && ctx.Err() != nil {
		if c, ok := provider.(io.Closer); ok {
			_ = c.Close()
		}
		e.setState(State{Phase: PhaseIdle})
		reply <- ctx.Err()
		return
	}
	if err != nil {
		wrapped := fmt.Errorf("%w: %v", ErrModelDownloadFailed, err)
		e.setError(wrapped)
		reply <- wrapped
		return
	}

	e.st.provider = provider
	e.setState(State{Phase: PhaseReady})
	reply <- nil
}

func (e *Engine) clearInitCancel() {
	if e.st.cancelInit != nil {
		e.st.cancelInit()
		e.st.cancelInit = nil
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Recording
// ─────────────────────────────────────────────────────────────────────────────

func (e *Engine) beginRecording(ctx context.Context, reply chan<- error) {
	if e.st.state.Phase != PhaseReady {
		reply <- fmt.Errorf("%w: start recording during %s", ErrInvalidState, e.st.state.Phase)
		return
	}

	frames, err := e.source.Start(ctx)
	if err != nil {
		wrapped := fmt.Errorf("%w: %v", ErrRecordingFailed, err)
		e.emit(Event{Type: EventError, Err: wrapped})
		reply <- wrapped
		return
	}

	session, err := e.st.provider.StartStream(ctx, e.streamCfg)
	if err != nil {
		// The source must not stay open without a session consuming it.
		if stopErr := e.source.Stop(); stopErr != nil {
			slog.Warn("stop audio source after session failure", "error", stopErr)
		}
		wrapped := fmt.Errorf("%w: %v", ErrRecordingFailed, err)
		e.emit(Event{Type: EventError, Err: wrapped})
		reply <- wrapped
		return
	}

	e.st.session = session
	e.st.frames = frames
	e.st.partials = session.Partials()
	e.st.finals = session.Finals()
	e.st.parts = nil
	e.st.confidences = nil
	e.st.lastLevel = 0
	e.st.ticker = time.NewTicker(e.waveformInterval)
	e.st.tick = e.st.ticker.C
	e.setState(State{Phase: PhaseRecording})
	reply <- nil
}

func (e *Engine) beginStop(reply chan<- stopReply) {
	switch e.st.state.Phase {
	case PhaseRecording:
		// Proceed.
	case PhaseReady, PhaseTranscribing:
		// Nothing to stop (or a stop is already in flight): safe no-op.
		reply <- stopReply{}
		return
	default:
		reply <- stopReply{err: fmt.Errorf("%w: stop recording during %s", ErrInvalidState, e.st.state.Phase)}
		return
	}

	e.stopTicker()
	// Release the audio device before the (possibly slow) final inference.
	if err := e.source.Stop(); err != nil {
		slog.Warn("stop audio source", "error", err)
	}

	session := e.st.session
	partials := e.st.partials
	finals := e.st.finals
	e.st.session = nil
	e.st.frames = nil
	e.st.partials = nil
	e.st.finals = nil

	e.setState(State{Phase: PhaseTranscribing})

	// Closing the session flushes buffered audio through the provider, which
	// can take seconds; run it off the loop and feed the result back in.
	go func() {
		closeErr := session.Close()
		var drained []types.Transcript
		for t := range finals {
			drained = append(drained, t)
		}
		for range partials {
		}
		e.tryDo(func() { e.finishStop(drained, closeErr, reply) })
	}()
}

func (e *Engine) finishStop(drained []types.Transcript, closeErr error, reply chan<- stopReply) {
	for _, t := range drained {
		e.collectFinal(t)
	}
	parts := e.st.parts
	confidences := e.st.confidences
	e.st.parts = nil
	e.st.confidences = nil

	e.setState(State{Phase: PhaseReady})

	if closeErr != nil {
		wrapped := fmt.Errorf("%w: %v", ErrTranscriptionFailed, closeErr)
		e.emit(Event{Type: EventError, Err: wrapped})
		reply <- stopReply{err: wrapped}
		return
	}

	var confidence float64
	if len(confidences) > 0 {
		var sum float64
		for _, c := range confidences {
			sum += c
		}
		confidence = sum / float64(len(confidences))
	}
	reply <- stopReply{result: &TranscriptionResult{
		Text:       strings.Join(parts, " "),
		Confidence: confidence,
	}}
}
