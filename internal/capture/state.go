package capture

import "errors"

// Engine-level failure conditions. Operations wrap these sentinels with
// call-site detail; callers classify with errors.Is.
var (
	// ErrPermissionDenied indicates the platform or client refused audio
	// capture access. Fatal to the session; there is no retry without the
	// user granting access out of band.
	ErrPermissionDenied = errors.New("capture: audio permission denied")

	// ErrModelDownloadFailed indicates the on-device transcription model
	// could not be downloaded or loaded. Recoverable; the caller may retry
	// Initialize.
	ErrModelDownloadFailed = errors.New("capture: model download failed")

	// ErrRecordingFailed indicates the audio session could not start.
	// Recoverable; the engine stays ready and the caller may retry.
	ErrRecordingFailed = errors.New("capture: recording failed")

	// ErrTranscriptionFailed indicates the STT session failed to produce a
	// result. Recoverable; the engine returns to ready.
	ErrTranscriptionFailed = errors.New("capture: transcription failed")

	// ErrInvalidState is returned when an operation is attempted from a
	// lifecycle phase that does not permit it, e.g. StartRecording while the
	// model is still downloading.
	ErrInvalidState = errors.New("capture: invalid state for operation")
)

// Phase is one of the mutually exclusive lifecycle phases of the capture
// engine. Exactly one phase is active at a time.
type Phase int

const (
	// PhaseIdle is the initial phase. Initialize has not completed.
	PhaseIdle Phase = iota

	// PhaseDownloadingModel is active while the on-device model transfers.
	// State.DownloadProgress and State.ModelName are meaningful.
	PhaseDownloadingModel

	// PhasePreparingModel is active while the downloaded model loads into
	// the transcription provider.
	PhasePreparingModel

	// PhaseReady means the engine can start a recording.
	PhaseReady

	// PhaseRecording is active while audio frames are being captured.
	PhaseRecording

	// PhaseTranscribing is active between StopRecording and the final
	// transcription result.
	PhaseTranscribing

	// PhaseError holds until DismissError (back to idle) or a retried
	// Initialize. State.Cause is meaningful.
	PhaseError
)

// String returns the lowercase phase name used in logs and wire events.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseDownloadingModel:
		return "downloading_model"
	case PhasePreparingModel:
		return "preparing_model"
	case PhaseReady:
		return "ready"
	case PhaseRecording:
		return "recording"
	case PhaseTranscribing:
		return "transcribing"
	case PhaseError:
		return "error"
	default:
		return "unknown"
	}
}

// State is a snapshot of the engine lifecycle, carried by every
// [EventStateChanged] event.
type State struct {
	// Phase is the active lifecycle phase.
	Phase Phase

	// DownloadProgress is the model transfer progress in [0, 1]. Meaningful
	// only in PhaseDownloadingModel; monotonically non-decreasing within one
	// download.
	DownloadProgress float64

	// ModelName names the model being downloaded. Meaningful only in
	// PhaseDownloadingModel.
	ModelName string

	// Cause is the failure that entered PhaseError. Meaningful only in
	// PhaseError.
	Cause error
}

// TranscriptionResult is the outcome of one completed recording. An empty
// Text is a valid, meaningful result: the engine heard nothing useful, and
// downstream consumers must short-circuit instead of parsing.
type TranscriptionResult struct {
	// Text is the raw transcript for the whole recording.
	Text string

	// Confidence is the engine-reported recognition confidence in [0, 1].
	// Zero when the provider does not report confidence.
	Confidence float64
}

// EventType classifies events emitted on the engine's event stream.
type EventType int

const (
	// EventStateChanged carries a new State snapshot. Never dropped.
	EventStateChanged EventType = iota

	// EventPartialTranscript carries best-effort interim text during
	// recording and transcribing. May be dropped when the consumer lags.
	EventPartialTranscript

	// EventWaveformLevel carries an audio level in [0, 1] at a fixed cadence
	// while recording. Visual feedback only; may be dropped.
	EventWaveformLevel

	// EventError carries an engine failure. Never dropped.
	EventError
)

// String returns the lowercase event type name used in logs and wire events.
func (e EventType) String() string {
	switch e {
	case EventStateChanged:
		return "state"
	case EventPartialTranscript:
		return "partial"
	case EventWaveformLevel:
		return "waveform"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is a single notification from the engine. The Type field selects
// which payload field is meaningful.
type Event struct {
	// Type selects the payload.
	Type EventType

	// State is set for EventStateChanged.
	State State

	// Partial is set for EventPartialTranscript.
	Partial string

	// Level is set for EventWaveformLevel.
	Level float64

	// Err is set for EventError.
	Err error
}
