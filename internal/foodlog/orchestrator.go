// Package foodlog coordinates one meal-logging session from utterance to
// confirmed items.
//
// The [Orchestrator] drives the full flow: capture engine stop produces a
// raw transcript, the transcript pipeline cleans it, the food parser turns
// it into [nutrition.ParsedFoodItem]s, and the result lands in an in-memory
// pending list awaiting user confirmation. A typed-entry path ([LogText])
// runs the same flow without an engine.
//
// Session state is a small snapshot guarded by a mutex: the recording and
// processing flags, the pending list, the current error, and the selected
// meal type. The pending list and the error slot are mutually exclusive
// outcomes of a parse attempt; each new attempt resets both before running.
// Operations are expected to be serialized per session by the caller; an
// overlapping call that would interleave two parse attempts is rejected
// with [ErrBusy].
package foodlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/vittlelabs/vittle/internal/capture"
	"github.com/vittlelabs/vittle/internal/foodparse"
	"github.com/vittlelabs/vittle/internal/notify"
	"github.com/vittlelabs/vittle/internal/nutrition"
	"github.com/vittlelabs/vittle/internal/transcript"
	"github.com/vittlelabs/vittle/pkg/types"
)

var (
	// ErrBusy is returned when an operation would overlap an in-flight
	// parse attempt or an active recording.
	ErrBusy = errors.New("foodlog: operation in progress")

	// ErrNoEngine is returned by the voice-path operations when no capture
	// engine was configured for the session.
	ErrNoEngine = errors.New("foodlog: no capture engine configured")
)

// CaptureEngine is the slice of the capture engine the orchestrator drives.
// [capture.Engine] satisfies it.
type CaptureEngine interface {
	StartRecording(ctx context.Context) error
	StopRecording(ctx context.Context) (*capture.TranscriptionResult, error)
	DismissError() error
}

var _ CaptureEngine = (*capture.Engine)(nil)

// PersistenceWriter accepts a confirmed item list for durable storage. It is
// an optional collaborator: sessions without one still clear their pending
// list on confirm.
type PersistenceWriter interface {
	WriteMeal(ctx context.Context, user foodparse.UserRef, meal nutrition.MealType, date time.Time, items []nutrition.ParsedFoodItem) error
}

// FailurePolicy selects how a session handles a hard parse failure (network,
// provider, timeout). It does not apply to [foodparse.ErrNoFoodDetected],
// which is always surfaced as a validation outcome.
type FailurePolicy int

const (
	// SurfaceError reports the failure through the error slot and leaves
	// the pending list empty. Default for the voice and typed-entry paths.
	SurfaceError FailurePolicy = iota

	// SynthesizeFallback replaces the failed parse with a single
	// low-confidence synthesized item so the flow still yields something
	// to confirm. Used by the assistant entry point.
	SynthesizeFallback
)

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithEngine attaches a capture engine, enabling the voice path.
func WithEngine(engine CaptureEngine) Option {
	return func(o *Orchestrator) { o.engine = engine }
}

// WithPipeline replaces the default transcript correction pipeline.
func WithPipeline(p transcript.Pipeline) Option {
	return func(o *Orchestrator) { o.pipeline = p }
}

// WithWriter attaches a persistence writer consulted on confirm.
func WithWriter(w PersistenceWriter) Option {
	return func(o *Orchestrator) { o.writer = w }
}

// WithNotifier replaces the default no-op meal notifier.
func WithNotifier(n notify.Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithFailurePolicy sets the hard-failure handling for this session.
func WithFailurePolicy(p FailurePolicy) Option {
	return func(o *Orchestrator) { o.policy = p }
}

// WithMealType sets the initial meal type. Invalid values are ignored.
func WithMealType(meal nutrition.MealType) Option {
	return func(o *Orchestrator) {
		if meal.IsValid() {
			o.meal = meal
		}
	}
}

// WithStrictValidation enables plausibility screening of parser output.
// When every parsed item is dropped by the screen, a fallback item is
// synthesized so the attempt never yields an empty success.
func WithStrictValidation() Option {
	return func(o *Orchestrator) { o.strict = true }
}

// WithClock overrides the time source used for the confirm date.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator owns the state of one logging session. Construct with [New];
// the zero value is not usable.
type Orchestrator struct {
	parser   foodparse.Parser
	user     foodparse.UserRef
	engine   CaptureEngine
	pipeline transcript.Pipeline
	writer   PersistenceWriter
	notifier notify.Notifier
	policy   FailurePolicy
	strict   bool
	now      func() time.Time

	mu         sync.Mutex
	recording  bool
	processing bool
	pending    []nutrition.ParsedFoodItem
	err        error
	meal       nutrition.MealType
}

// New creates an orchestrator for user backed by parser. Without options the
// session has no engine (text entry only), a default correction pipeline, a
// no-op notifier, the [SurfaceError] policy, and the snack meal type.
func New(parser foodparse.Parser, user foodparse.UserRef, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		parser:   parser,
		user:     user,
		pipeline: transcript.NewPipeline(),
		notifier: notify.Nop{},
		policy:   SurfaceError,
		meal:     nutrition.MealSnack,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Snapshot is a point-in-time view of the session state.
type Snapshot struct {
	// Recording reports an active capture between StartRecording and
	// StopRecording.
	Recording bool

	// ProcessingAI reports an in-flight parse attempt. Transitions strictly
	// bracket a single attempt and the flag is cleared on every exit path.
	ProcessingAI bool

	// Pending is a copy of the items awaiting confirmation.
	Pending []nutrition.ParsedFoodItem

	// Err is the current session error. Cleared by a new parse attempt,
	// [Orchestrator.DismissError], or any operation that produces items.
	Err error

	// Meal is the currently selected meal type.
	Meal nutrition.MealType
}

// Snapshot returns a copy of the current session state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Snapshot{
		Recording:    o.recording,
		ProcessingAI: o.processing,
		Pending:      slices.Clone(o.pending),
		Err:          o.err,
		Meal:         o.meal,
	}
}

// IsRecording reports whether a capture is active.
func (o *Orchestrator) IsRecording() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.recording
}

// IsProcessingAI reports whether a parse attempt is in flight.
func (o *Orchestrator) IsProcessingAI() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.processing
}

// StartRecording begins a voice capture. It fails with [ErrBusy] while a
// parse is in flight or a recording is already active, with [ErrNoEngine]
// when the session has no engine, and with the engine's error when the
// capture cannot start; an engine failure is also placed in the error slot.
func (o *Orchestrator) StartRecording(ctx context.Context) error {
	o.mu.Lock()
	if o.processing {
		o.mu.Unlock()
		return fmt.Errorf("%w: food analysis running", ErrBusy)
	}
	if o.recording {
		o.mu.Unlock()
		return fmt.Errorf("%w: already recording", ErrBusy)
	}
	o.mu.Unlock()

	if o.engine == nil {
		return ErrNoEngine
	}
	if err := o.engine.StartRecording(ctx); err != nil {
		o.mu.Lock()
		o.err = err
		o.pending = nil
		o.mu.Unlock()
		return err
	}

	o.mu.Lock()
	o.recording = true
	o.mu.Unlock()
	return nil
}

// StopRecording ends the capture and runs the parse flow on the transcript.
//
// A stop with no active recording is a safe no-op. When the engine fails or
// produces no result the session returns to rest with no pending items and
// no session error; the engine surfaces its own failure state. An empty
// transcript after correction is a valid outcome, not an error: flags clear,
// nothing pends.
func (o *Orchestrator) StopRecording(ctx context.Context) error {
	o.mu.Lock()
	if o.processing {
		o.mu.Unlock()
		return fmt.Errorf("%w: food analysis running", ErrBusy)
	}
	if !o.recording {
		o.mu.Unlock()
		return nil
	}
	o.mu.Unlock()

	if o.engine == nil {
		return ErrNoEngine
	}
	result, err := o.engine.StopRecording(ctx)

	o.mu.Lock()
	o.recording = false
	o.mu.Unlock()

	if err != nil {
		o.clearOutcome()
		return err
	}
	if result == nil {
		o.clearOutcome()
		return nil
	}
	return o.runParse(ctx, result.Text)
}

// LogText runs the typed-entry path: the same correction, parse, and
// validation flow as the voice path, without engine involvement. Fails with
// [ErrBusy] while a parse or recording is active.
func (o *Orchestrator) LogText(ctx context.Context, text string) error {
	o.mu.Lock()
	if o.processing {
		o.mu.Unlock()
		return fmt.Errorf("%w: food analysis running", ErrBusy)
	}
	if o.recording {
		o.mu.Unlock()
		return fmt.Errorf("%w: recording in progress", ErrBusy)
	}
	o.mu.Unlock()

	return o.runParse(ctx, text)
}

// runParse executes correction, parse, and outcome dispatch for one piece of
// raw text. The caller must not hold o.mu.
func (o *Orchestrator) runParse(ctx context.Context, raw string) error {
	corrected := o.pipeline.Correct(types.Transcript{Text: raw, IsFinal: true})
	text := corrected.Corrected

	o.mu.Lock()
	o.pending = nil
	o.err = nil
	if text == "" {
		o.processing = false
		o.mu.Unlock()
		return nil
	}
	o.processing = true
	meal := o.meal
	o.mu.Unlock()

	items, err := o.parser.Parse(ctx, text, meal, o.user)
	switch {
	case err == nil:
		if o.strict {
			items = o.screen(items, text, meal)
		}
		// A parser that yields nothing for a non-empty utterance is the
		// no-food outcome even if it did not say so itself.
		if len(items) == 0 {
			o.finish(nil, foodparse.ErrNoFoodDetected)
			return foodparse.ErrNoFoodDetected
		}
		o.finish(items, nil)
		return nil
	case errors.Is(err, foodparse.ErrNoFoodDetected):
		o.finish(nil, err)
		return err
	default:
		if o.policy == SynthesizeFallback {
			slog.Warn("foodlog: parse failed, synthesizing fallback item",
				"meal", string(meal), "err", err)
			o.finish([]nutrition.ParsedFoodItem{nutrition.Synthesize(text, meal)}, nil)
			return nil
		}
		o.finish(nil, err)
		return err
	}
}

// screen applies plausibility validation to parser output. An all-dropped
// result synthesizes a fallback item so a strict session never turns a
// parsed utterance into an empty success.
func (o *Orchestrator) screen(items []nutrition.ParsedFoodItem, text string, meal nutrition.MealType) []nutrition.ParsedFoodItem {
	kept := nutrition.Validate(items)
	if len(kept) == 0 && len(items) > 0 {
		slog.Warn("foodlog: validation dropped every parsed item, synthesizing fallback",
			"dropped", len(items), "meal", string(meal))
		return []nutrition.ParsedFoodItem{nutrition.Synthesize(text, meal)}
	}
	return kept
}

// finish records the outcome of one parse attempt and clears the busy flag.
func (o *Orchestrator) finish(items []nutrition.ParsedFoodItem, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.processing = false
	if err != nil {
		o.err = err
		o.pending = nil
		return
	}
	o.pending = items
	o.err = nil
}

// clearOutcome resets the pending list and error slot and clears the busy
// flag.
func (o *Orchestrator) clearOutcome() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.processing = false
	o.pending = nil
	o.err = nil
}

// AddDatabaseItem appends a catalog-selected item to the pending list.
// Catalog provenance fixes the confidence at 1.0 regardless of the value on
// item. Adding an item clears the error slot.
func (o *Orchestrator) AddDatabaseItem(item nutrition.ParsedFoodItem) {
	item.Confidence = 1
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending = append(o.pending, item)
	o.err = nil
}

// ConfirmPending hands the pending list to the persistence writer, notifies
// the meal notifier, and clears the list. Without a writer the confirm still
// clears pending. A confirm with nothing pending is a no-op.
//
// A writer failure keeps the pending list so the user can retry, and places
// the failure in the error slot. Notifier failures are logged and never
// block the confirm.
func (o *Orchestrator) ConfirmPending(ctx context.Context) error {
	o.mu.Lock()
	if o.processing {
		o.mu.Unlock()
		return fmt.Errorf("%w: food analysis running", ErrBusy)
	}
	if len(o.pending) == 0 {
		o.mu.Unlock()
		return nil
	}
	items := slices.Clone(o.pending)
	meal := o.meal
	o.mu.Unlock()

	if o.writer != nil {
		if err := o.writer.WriteMeal(ctx, o.user, meal, o.now(), items); err != nil {
			err = fmt.Errorf("foodlog: write meal: %w", err)
			o.mu.Lock()
			o.err = err
			o.mu.Unlock()
			return err
		}
	}

	if err := o.notifier.MealLogged(ctx, o.user, meal, items); err != nil {
		slog.Warn("foodlog: meal notification failed", "items", len(items), "err", err)
	}

	o.mu.Lock()
	o.pending = nil
	o.err = nil
	o.mu.Unlock()
	return nil
}

// DiscardPending drops the pending list without persisting anything.
func (o *Orchestrator) DiscardPending() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending = nil
}

// DismissError clears the session error slot and acknowledges any engine
// error state.
func (o *Orchestrator) DismissError() {
	o.mu.Lock()
	o.err = nil
	o.mu.Unlock()

	if o.engine != nil {
		_ = o.engine.DismissError()
	}
}

// SetMealType selects the meal context for subsequent parse attempts.
func (o *Orchestrator) SetMealType(meal nutrition.MealType) error {
	if !meal.IsValid() {
		return fmt.Errorf("foodlog: unknown meal type %q", meal)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.meal = meal
	return nil
}

// MealType returns the currently selected meal type.
func (o *Orchestrator) MealType() nutrition.MealType {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.meal
}
