package audio

import (
	"fmt"

	"layeh.com/gopus"
)

// Browser and mobile clients encode microphone audio as 48 kHz Opus at 20 ms
// frame size.
const (
	OpusSampleRate  = 48000
	opusFrameSizeMs = 20
	// opusFrameSize is the number of samples per channel per 20 ms frame.
	opusFrameSize = OpusSampleRate * opusFrameSizeMs / 1000 // 960
)

// OpusDecoder wraps a gopus Opus decoder for a single client audio stream.
// Each stream gets its own decoder to maintain decoder state correctly across
// consecutive frames. Not safe for concurrent use.
type OpusDecoder struct {
	dec      *gopus.Decoder
	channels int
}

// NewOpusDecoder creates an Opus decoder for a client stream. channels is 1
// or 2 and must match what the client negotiated in its session hello.
func NewOpusDecoder(channels int) (*OpusDecoder, error) {
	if channels != 1 && channels != 2 {
		return nil, fmt.Errorf("audio: opus decoder supports 1 or 2 channels, got %d", channels)
	}
	dec, err := gopus.NewDecoder(OpusSampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &OpusDecoder{dec: dec, channels: channels}, nil
}

// Decode decodes an Opus packet into interleaved PCM int16 samples and
// returns the result as little-endian bytes at 48 kHz.
func (d *OpusDecoder) Decode(packet []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(packet, opusFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decode: %w", err)
	}
	return int16sToBytes(pcm), nil
}

// Channels returns the channel count this decoder produces.
func (d *OpusDecoder) Channels() int { return d.channels }

// int16sToBytes converts a slice of int16 PCM samples to little-endian bytes.
func int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}
