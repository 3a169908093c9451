package capture

import (
	"context"
	"log/slog"
	"sync"

	"github.com/vittlelabs/vittle/pkg/audio"
)

// AudioSource abstracts where recorded audio comes from. The engine asks it
// for permission once, then opens and closes one frame stream per recording.
//
// Implementations must be safe for concurrent use.
type AudioSource interface {
	// RequestPermission reports whether audio capture is allowed. It blocks
	// until the answer is known or ctx ends. A false answer carries
	// ErrPermissionDenied.
	RequestPermission(ctx context.Context) (bool, error)

	// Start begins capture. Frames arrive on the returned channel until Stop
	// closes it. Returns an error when the capture device or feed cannot
	// start.
	Start(ctx context.Context) (<-chan audio.AudioFrame, error)

	// Stop ends capture and closes the frame channel. Safe to call when no
	// capture is active.
	Stop() error
}

const defaultSourceBuffer = 256

// PushSource is an [AudioSource] fed by an external producer, typically the
// WebSocket capture transport relaying client audio. The producer calls
// [PushSource.Push] for each frame and [PushSource.ReportPermission] when the
// client's device permission state is known.
//
// PushSource is safe for concurrent use.
type PushSource struct {
	mu       sync.Mutex
	frames   chan audio.AudioFrame
	buffer   int
	granted  *bool
	permOnce chan struct{}

	warnedDrop sync.Once
}

var _ AudioSource = (*PushSource)(nil)

// NewPushSource returns a PushSource with the given frame buffer capacity.
// A capacity <= 0 falls back to 256 frames.
func NewPushSource(buffer int) *PushSource {
	if buffer <= 0 {
		buffer = defaultSourceBuffer
	}
	return &PushSource{
		buffer:   buffer,
		permOnce: make(chan struct{}),
	}
}

// ReportPermission records the client's capture permission answer and wakes
// any RequestPermission caller. Later reports overwrite the stored answer.
func (s *PushSource) ReportPermission(granted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	first := s.granted == nil
	g := granted
	s.granted = &g
	if first {
		close(s.permOnce)
	}
}

// RequestPermission blocks until the producer has reported a permission
// answer or ctx ends. A denied report returns (false, ErrPermissionDenied).
func (s *PushSource) RequestPermission(ctx context.Context) (bool, error) {
	s.mu.Lock()
	answered := s.permOnce
	s.mu.Unlock()

	select {
	case <-answered:
	case <-ctx.Done():
		return false, ctx.Err()
	}

	s.mu.Lock()
	granted := s.granted != nil && *s.granted
	s.mu.Unlock()
	if !granted {
		return false, ErrPermissionDenied
	}
	return true, nil
}

// Start opens a fresh frame stream. Frames pushed before Start are discarded.
func (s *PushSource) Start(_ context.Context) (<-chan audio.AudioFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frames != nil {
		return nil, ErrInvalidState
	}
	s.frames = make(chan audio.AudioFrame, s.buffer)
	return s.frames, nil
}

// Stop closes the active frame stream. Frames pushed after Stop are dropped
// without error, mirroring how a microphone keeps producing while the device
// tears down.
func (s *PushSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frames != nil {
		close(s.frames)
		s.frames = nil
	}
	return nil
}

// Push delivers one frame to the active stream. Frames are dropped when no
// recording is active or when the consumer cannot keep up; audio capture
// must never block the producer.
func (s *PushSource) Push(frame audio.AudioFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frames == nil {
		return
	}
	select {
	case s.frames <- frame:
	default:
		s.warnedDrop.Do(func() {
			slog.Warn("audio source buffer full, dropping frames",
				"buffer", s.buffer)
		})
	}
}
