// Package audio provides the PCM frame type and stream utilities shared by
// the capture pipeline: format conversion to what STT providers expect,
// Opus decoding for browser and mobile clients, and RMS level metering for
// waveform feedback.
package audio

import "time"

// AudioFrame represents a single frame of audio data flowing through the
// capture pipeline. Frames are the atomic unit of audio transport — received
// from a client stream, decoded from Opus where needed, level-metered for
// waveform feedback, and forwarded to STT sessions.
type AudioFrame struct {
	// PCM audio data, 16-bit signed little-endian samples.
	Data []byte

	// SampleRate in Hz (e.g., 16000 for STT input, 48000 for Opus decode output).
	SampleRate int

	// Channels: 1 for mono (STT input), 2 for stereo client sources.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}
