package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/vittlelabs/vittle/internal/capture"
	"github.com/vittlelabs/vittle/internal/foodlog"
	"github.com/vittlelabs/vittle/internal/foodparse"
	"github.com/vittlelabs/vittle/internal/nutrition"
	"github.com/vittlelabs/vittle/internal/observe"
	"github.com/vittlelabs/vittle/pkg/audio"
)

const (
	// eventQueueSize buffers outbound events between the pump and the
	// socket writer. Matches the engine's own event buffer.
	eventQueueSize = 256

	// wsWriteTimeout bounds a single event write. A client that cannot
	// drain events within it loses the session.
	wsWriteTimeout = 10 * time.Second
)

// Binary frame encodings accepted on the capture socket.
const (
	codecPCM16 = "pcm16"
	codecOpus  = "opus"
)

// Client → server control message types.
const (
	ctrlInitialize   = "initialize"
	ctrlStart        = "start"
	ctrlStop         = "stop"
	ctrlDismissError = "dismiss_error"
	ctrlSetMealType  = "set_meal_type"
	ctrlPermission   = "permission"
	ctrlAddItem      = "add_item"
	ctrlConfirm      = "confirm"
	ctrlDiscard      = "discard"
)

// Server → client event types beyond the engine's own state, partial,
// waveform, and error stream.
const (
	eventError  = "error"
	eventItems  = "items"
	eventNoFood = "no_food"
	eventLogged = "logged"
)

// controlMessage is one client → server text frame on the capture socket.
type controlMessage struct {
	// Type selects the operation.
	Type string `json:"type"`

	// Codec declares the binary frame encoding in the initialize hello:
	// "pcm16" (default) or "opus".
	Codec string `json:"codec,omitempty"`

	// SampleRate and Channels describe the PCM frames the client will
	// send. Opus ingest ignores SampleRate; the decoder always produces
	// 48 kHz output.
	SampleRate int `json:"sample_rate,omitempty"`
	Channels   int `json:"channels,omitempty"`

	// Granted carries the device permission answer for "permission". An
	// absent field reads as denied.
	Granted bool `json:"granted,omitempty"`

	// MealType carries the meal selection for "set_meal_type".
	MealType string `json:"meal_type,omitempty"`

	// Item carries the catalog-selected item for "add_item".
	Item *nutrition.ParsedFoodItem `json:"item,omitempty"`
}

// captureEvent is one server → client text frame on the capture socket.
// Type selects which payload field is meaningful.
type captureEvent struct {
	Type string `json:"type"`

	State   *wireState                 `json:"state,omitempty"`
	Partial string                     `json:"partial,omitempty"`
	Level   float64                    `json:"level,omitempty"`
	Error   *apiError                  `json:"error,omitempty"`
	Items   []nutrition.ParsedFoodItem `json:"items,omitempty"`
	Meal    nutrition.MealType         `json:"meal_type,omitempty"`
}

// wireState mirrors [capture.State] for the wire.
type wireState struct {
	Phase            string  `json:"phase"`
	DownloadProgress float64 `json:"download_progress,omitempty"`
	ModelName        string  `json:"model_name,omitempty"`
	Cause            string  `json:"cause,omitempty"`
	CauseKind        string  `json:"cause_kind,omitempty"`
}

// handleCapture serves GET /api/v1/capture: one WebSocket connection drives
// one capture engine and one orchestrator. The client sends control
// messages as text frames and audio as binary frames; the server mirrors
// engine events and parse outcomes back as text frames. The engine is
// closed on every exit path.
func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.engines == nil {
		writeError(ctx, w, http.StatusServiceUnavailable, kindUnavailable,
			"voice capture is not configured")
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		observe.Logger(ctx).Debug("capture socket accept failed", "error", err)
		return
	}

	src := capture.NewPushSource(0)
	engine, err := s.engines(src)
	if err != nil {
		observe.Logger(ctx).Error("capture engine construction failed", "error", err)
		conn.Close(websocket.StatusInternalError, "capture engine unavailable")
		return
	}

	sess := &captureSession{
		conn:       conn,
		src:        src,
		engine:     engine,
		orch:       s.newOrchestrator(foodlog.WithEngine(engine)),
		metrics:    s.metrics,
		log:        observe.Logger(ctx),
		out:        make(chan captureEvent, eventQueueSize),
		conv:       audio.FormatConverter{Target: audio.Format{SampleRate: s.captureRate, Channels: 1}},
		targetRate: s.captureRate,
		sampleRate: s.captureRate,
		channels:   1,
	}

	s.metrics.ActiveSessions.Add(ctx, 1)
	defer s.metrics.ActiveSessions.Add(ctx, -1)

	runErr := sess.run(ctx)

	if sess.recording.CompareAndSwap(true, false) {
		s.metrics.ActiveRecordings.Add(ctx, -1)
	}
	if err := engine.Close(); err != nil {
		sess.log.Warn("capture engine close", "error", err)
	}

	if runErr != nil {
		sess.log.Warn("capture session ended", "error", runErr)
		conn.Close(websocket.StatusInternalError, "session failed")
		return
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

// captureSession relays one WebSocket client through a dedicated capture
// engine and orchestrator.
type captureSession struct {
	conn    *websocket.Conn
	src     *capture.PushSource
	engine  *capture.Engine
	orch    *foodlog.Orchestrator
	metrics *observe.Metrics
	log     *slog.Logger

	// out carries events to the write loop, the sole socket writer.
	out chan captureEvent

	// Ingest settings, owned by the read loop.
	decoder    *audio.OpusDecoder
	conv       audio.FormatConverter
	targetRate int
	sampleRate int
	channels   int
	elapsed    time.Duration

	recording atomic.Bool

	// Phase timing, owned by the event pump.
	downloadStart   time.Time
	downloadModel   string
	transcribeStart time.Time
}

// run drives the session's three loops until the client disconnects, a
// loop fails, or ctx ends. The first loop to exit takes the others down.
func (sess *captureSession) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return sess.readLoop(gctx)
	})
	g.Go(func() error { return sess.writeLoop(gctx) })
	g.Go(func() error { return sess.pumpEvents(gctx) })
	return g.Wait()
}

// readLoop consumes client frames: binary frames feed the audio source,
// text frames carry control messages. Returns nil on a clean client close.
func (sess *captureSession) readLoop(ctx context.Context) error {
	for {
		typ, data, err := sess.conn.Read(ctx)
		if err != nil {
			// Any close frame from the client ends the session cleanly;
			// only transport failures count as errors.
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read client frame: %w", err)
		}
		switch typ {
		case websocket.MessageBinary:
			sess.ingest(data)
		case websocket.MessageText:
			sess.dispatch(ctx, data)
		}
	}
}

// writeLoop serializes outbound events onto the socket in queue order.
func (sess *captureSession) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-sess.out:
			data, err := json.Marshal(ev)
			if err != nil {
				sess.log.Warn("marshal capture event", "type", ev.Type, "error", err)
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err = sess.conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("write capture event: %w", err)
			}
		}
	}
}

// pumpEvents translates engine events into wire events. Phase-duration
// metrics (model download, transcription flush) are derived here from
// state transitions, which keeps the engine itself free of telemetry.
func (sess *captureSession) pumpEvents(ctx context.Context) error {
	events := sess.engine.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			sess.send(ctx, sess.translate(ctx, ev))
		}
	}
}

// translate converts one engine event to its wire form. The wire type names
// are the engine's own event type names.
func (sess *captureSession) translate(ctx context.Context, ev capture.Event) captureEvent {
	out := captureEvent{Type: ev.Type.String()}
	switch ev.Type {
	case capture.EventStateChanged:
		sess.trackPhase(ctx, ev.State)
		st := &wireState{
			Phase:            ev.State.Phase.String(),
			DownloadProgress: ev.State.DownloadProgress,
			ModelName:        ev.State.ModelName,
		}
		if ev.State.Cause != nil {
			kind, _ := classify(ev.State.Cause)
			st.Cause = ev.State.Cause.Error()
			st.CauseKind = kind
		}
		out.State = st
	case capture.EventPartialTranscript:
		out.Partial = ev.Partial
	case capture.EventWaveformLevel:
		out.Level = ev.Level
	case capture.EventError:
		kind, _ := classify(ev.Err)
		out.Error = &apiError{Kind: kind, Message: ev.Err.Error()}
	}
	return out
}

// trackPhase records durations observable as phase transitions: leaving
// downloading_model for preparing_model completes a download, and leaving
// transcribing completes an STT flush.
func (sess *captureSession) trackPhase(ctx context.Context, st capture.State) {
	now := time.Now()

	if !sess.downloadStart.IsZero() && st.Phase != capture.PhaseDownloadingModel {
		if st.Phase == capture.PhasePreparingModel {
			sess.metrics.ModelDownloadDuration.Record(ctx, now.Sub(sess.downloadStart).Seconds(),
				metric.WithAttributes(observe.Attr("model", sess.downloadModel)))
		}
		sess.downloadStart = time.Time{}
	}
	if sess.downloadStart.IsZero() && st.Phase == capture.PhaseDownloadingModel {
		sess.downloadStart = now
		sess.downloadModel = st.ModelName
	}

	if !sess.transcribeStart.IsZero() && st.Phase != capture.PhaseTranscribing {
		sess.metrics.STTDuration.Record(ctx, now.Sub(sess.transcribeStart).Seconds())
		sess.transcribeStart = time.Time{}
	}
	if st.Phase == capture.PhaseTranscribing {
		sess.transcribeStart = now
	}
}

// ingest normalizes one binary audio frame to the engine's mono PCM format
// and hands it to the source. Malformed frames are dropped; audio must
// never stall the socket.
func (sess *captureSession) ingest(data []byte) {
	pcm := data
	rate := sess.sampleRate
	channels := sess.channels

	if sess.decoder != nil {
		decoded, err := sess.decoder.Decode(data)
		if err != nil {
			sess.log.Debug("opus packet dropped", "error", err)
			return
		}
		pcm = decoded
		rate = audio.OpusSampleRate
		channels = sess.decoder.Channels()
	}
	if len(pcm) < 2 {
		return
	}

	frame := sess.conv.Convert(audio.AudioFrame{
		Data:       pcm,
		SampleRate: rate,
		Channels:   channels,
		Timestamp:  sess.elapsed,
	})
	if len(frame.Data) == 0 {
		return
	}

	sess.src.Push(frame)
	sess.elapsed += time.Duration(len(frame.Data)/2) * time.Second / time.Duration(sess.targetRate)
}

// dispatch routes one control message. Lifecycle operations that block
// (initialize, start, stop, confirm) run on their own goroutines so the
// read loop keeps servicing frames; the orchestrator and engine serialize
// overlapping operations themselves.
func (sess *captureSession) dispatch(ctx context.Context, data []byte) {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		sess.sendError(ctx, kindBadRequest, "malformed control message")
		return
	}

	switch msg.Type {
	case ctrlInitialize:
		if err := sess.configureIngest(msg); err != nil {
			sess.sendError(ctx, kindBadRequest, err.Error())
			return
		}
		go sess.initialize(ctx)

	case ctrlPermission:
		sess.src.ReportPermission(msg.Granted)
		if !msg.Granted {
			// A denial must reach the engine state machine, not just the
			// source, so the client sees the error phase.
			go func() { _, _ = sess.engine.RequestPermission(ctx) }()
		}

	case ctrlStart:
		go sess.startRecording(ctx)

	case ctrlStop:
		go sess.stopAndParse(ctx)

	case ctrlDismissError:
		sess.orch.DismissError()

	case ctrlSetMealType:
		meal, ok := nutrition.ParseMealType(msg.MealType)
		if !ok {
			sess.sendError(ctx, kindBadRequest, fmt.Sprintf("unknown meal type %q", msg.MealType))
			return
		}
		_ = sess.orch.SetMealType(meal)

	case ctrlAddItem:
		if msg.Item == nil {
			sess.sendError(ctx, kindBadRequest, "add_item requires an item")
			return
		}
		sess.orch.AddDatabaseItem(*msg.Item)
		sess.metrics.RecordItemsParsed(ctx, "database", 1)
		sess.sendItems(ctx)

	case ctrlConfirm:
		go sess.confirm(ctx)

	case ctrlDiscard:
		sess.orch.DiscardPending()

	default:
		sess.sendError(ctx, kindBadRequest, fmt.Sprintf("unknown control message type %q", msg.Type))
	}
}

// configureIngest applies the codec declaration from the initialize hello.
func (sess *captureSession) configureIngest(msg controlMessage) error {
	switch msg.Codec {
	case "", codecPCM16:
		sess.decoder = nil
	case codecOpus:
		channels := msg.Channels
		if channels <= 0 {
			channels = 1
		}
		dec, err := audio.NewOpusDecoder(channels)
		if err != nil {
			return fmt.Errorf("opus decoder: %w", err)
		}
		sess.decoder = dec
	default:
		return fmt.Errorf("unsupported codec %q", msg.Codec)
	}
	if msg.SampleRate > 0 {
		sess.sampleRate = msg.SampleRate
	}
	if msg.Channels > 0 {
		sess.channels = msg.Channels
	}
	return nil
}

// initialize drives the engine to ready. Lifecycle failures (download,
// provider) surface through the event pump on their own; only synchronous
// rejections need an explicit reply.
func (sess *captureSession) initialize(ctx context.Context) {
	err := sess.engine.Initialize(ctx)
	if err != nil && errors.Is(err, capture.ErrInvalidState) {
		sess.sendClassified(ctx, err)
	}
}

func (sess *captureSession) startRecording(ctx context.Context) {
	err := sess.orch.StartRecording(ctx)
	if err == nil {
		if sess.recording.CompareAndSwap(false, true) {
			sess.metrics.ActiveRecordings.Add(ctx, 1)
		}
		return
	}
	if errors.Is(err, foodlog.ErrBusy) || errors.Is(err, foodlog.ErrNoEngine) ||
		errors.Is(err, capture.ErrInvalidState) {
		sess.sendClassified(ctx, err)
	}
	// Engine start failures already came through the event pump.
}

// stopAndParse ends the capture and reports the parse outcome. An empty
// transcript produces no outcome event; the state stream walking the
// client back to ready is the whole story.
func (sess *captureSession) stopAndParse(ctx context.Context) {
	err := sess.orch.StopRecording(ctx)
	if sess.recording.CompareAndSwap(true, false) {
		sess.metrics.ActiveRecordings.Add(ctx, -1)
	}

	switch {
	case err == nil:
		snap := sess.orch.Snapshot()
		if len(snap.Pending) > 0 {
			sess.metrics.RecordItemsParsed(ctx, "parsed", len(snap.Pending))
			sess.send(ctx, captureEvent{Type: eventItems, Items: snap.Pending, Meal: snap.Meal})
		}
	case errors.Is(err, foodparse.ErrNoFoodDetected):
		sess.send(ctx, captureEvent{Type: eventNoFood, Meal: sess.orch.MealType()})
	case errors.Is(err, capture.ErrRecordingFailed),
		errors.Is(err, capture.ErrTranscriptionFailed),
		errors.Is(err, capture.ErrPermissionDenied),
		errors.Is(err, capture.ErrModelDownloadFailed):
		// Already surfaced as engine error events.
	case errors.Is(err, context.Canceled):
		// Session shutting down.
	default:
		sess.sendClassified(ctx, err)
	}
}

// confirm persists the pending list and reports the logged meal.
func (sess *captureSession) confirm(ctx context.Context) {
	snap := sess.orch.Snapshot()
	if err := sess.orch.ConfirmPending(ctx); err != nil {
		sess.sendClassified(ctx, err)
		return
	}
	if len(snap.Pending) == 0 {
		return
	}
	sess.metrics.RecordMealLogged(ctx, string(snap.Meal))
	sess.send(ctx, captureEvent{Type: eventLogged, Items: snap.Pending, Meal: snap.Meal})
}

func (sess *captureSession) sendItems(ctx context.Context) {
	snap := sess.orch.Snapshot()
	sess.send(ctx, captureEvent{Type: eventItems, Items: snap.Pending, Meal: snap.Meal})
}

func (sess *captureSession) sendError(ctx context.Context, kind, message string) {
	sess.send(ctx, captureEvent{Type: eventError, Error: &apiError{Kind: kind, Message: message}})
}

func (sess *captureSession) sendClassified(ctx context.Context, err error) {
	kind, _ := classify(err)
	sess.sendError(ctx, kind, err.Error())
}

// send queues one event for the write loop. Events are dropped when the
// session is shutting down.
func (sess *captureSession) send(ctx context.Context, ev captureEvent) {
	select {
	case sess.out <- ev:
	case <-ctx.Done():
	}
}
