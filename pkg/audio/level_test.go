package audio_test

import (
	"math"
	"testing"

	"github.com/vittlelabs/vittle/pkg/audio"
)

func TestRMS_Silence(t *testing.T) {
	pcm := samplesToBytes(make([]int16, 160))
	if got := audio.RMS(pcm); got != 0 {
		t.Errorf("RMS of silence: got %v, want 0", got)
	}
}

func TestRMS_Empty(t *testing.T) {
	if got := audio.RMS(nil); got != 0 {
		t.Errorf("RMS of nil: got %v, want 0", got)
	}
	if got := audio.RMS([]byte{0x01}); got != 0 {
		t.Errorf("RMS of single byte: got %v, want 0", got)
	}
}

func TestRMS_ConstantAmplitude(t *testing.T) {
	// A constant-amplitude signal has RMS equal to that amplitude.
	samples := make([]int16, 320)
	for i := range samples {
		samples[i] = 1000
	}
	got := audio.RMS(samplesToBytes(samples))
	if math.Abs(got-1000) > 0.5 {
		t.Errorf("RMS of constant 1000: got %v, want 1000", got)
	}
}

func TestLevel_Range(t *testing.T) {
	// Full-scale square wave normalises to very nearly 1.0.
	samples := make([]int16, 320)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = 32767
		} else {
			samples[i] = -32767
		}
	}
	got := audio.Level(samplesToBytes(samples))
	if got < 0.99 || got > 1.0 {
		t.Errorf("Level of full-scale signal: got %v, want ~1.0", got)
	}
}

func TestDurationMs(t *testing.T) {
	tests := []struct {
		name       string
		bytes      int
		sampleRate int
		channels   int
		want       int
	}{
		{"one second mono 16k", 32000, 16000, 1, 1000},
		{"20ms mono 16k", 640, 16000, 1, 20},
		{"20ms stereo 48k", 3840, 48000, 2, 20},
		{"zero rate", 640, 0, 1, 0},
		{"zero channels", 640, 16000, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := audio.DurationMs(make([]byte, tt.bytes), tt.sampleRate, tt.channels)
			if got != tt.want {
				t.Errorf("DurationMs: got %d, want %d", got, tt.want)
			}
		})
	}
}
