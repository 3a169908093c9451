package audio

import "math"

// maxInt16 is the largest magnitude of a 16-bit signed PCM sample, used to
// normalise RMS energy into [0, 1].
const maxInt16 = 32768.0

// RMS computes the root-mean-square energy of 16-bit signed little-endian PCM
// audio, in raw sample units (0–32767). Returns 0 for empty or misaligned
// input.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		sample := float64(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
		sum += sample * sample
	}
	return math.Sqrt(sum / float64(n))
}

// Level computes a normalised loudness level in [0, 1] for a PCM chunk,
// suitable for driving waveform meters. It is RMS scaled by the int16 range.
func Level(pcm []byte) float64 {
	return RMS(pcm) / maxInt16
}

// DurationMs returns the playback duration in milliseconds of a PCM chunk at
// the given sample rate and channel count. Returns 0 when the parameters
// cannot describe valid 16-bit PCM.
func DurationMs(pcm []byte, sampleRate, channels int) int {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	bytesPerMs := sampleRate * channels * 2 / 1000
	if bytesPerMs == 0 {
		return 0
	}
	return len(pcm) / bytesPerMs
}
