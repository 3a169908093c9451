package whisper

import (
	"encoding/binary"
	"math"
	"testing"
)

func pcmFromInt16(values []int16) []byte {
	pcm := make([]byte, len(values)*2)
	for i, v := range values {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
	}
	return pcm
}

func TestPcmToFloat32_Empty(t *testing.T) {
	if out := pcmToFloat32(nil); len(out) != 0 {
		t.Fatalf("expected 0 samples, got %d", len(out))
	}
}

func TestPcmToFloat32_FullScale(t *testing.T) {
	tests := []struct {
		name  string
		value int16
		want  float32
	}{
		{"max positive", 32767, 32767.0 / 32768.0},
		{"max negative", -32768, -1.0},
		{"zero", 0, 0.0},
		{"mid positive", 16384, 0.5},
		{"mid negative", -16384, -0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := pcmToFloat32(pcmFromInt16([]int16{tt.value}))
			if math.Abs(float64(out[0]-tt.want)) > 1e-6 {
				t.Errorf("pcmToFloat32(%d) = %f; want %f", tt.value, out[0], tt.want)
			}
		})
	}
}

func TestPcmToFloat32_OddByteCount(t *testing.T) {
	// 3 bytes → only 1 complete sample (trailing byte ignored)
	out := pcmToFloat32([]byte{0x00, 0x40, 0xFF})
	if len(out) != 1 {
		t.Fatalf("expected 1 sample from 3-byte input, got %d", len(out))
	}
}

func TestPcmToFloat32Mono_Stereo(t *testing.T) {
	// Two stereo frames: (1000, 3000) and (-2000, -4000).
	mono := pcmToFloat32Mono(pcmFromInt16([]int16{1000, 3000, -2000, -4000}), 2)
	if len(mono) != 2 {
		t.Fatalf("expected 2 mono samples from 4-sample stereo, got %d", len(mono))
	}
	want0 := float32(2000) / 32768.0
	if math.Abs(float64(mono[0]-want0)) > 1e-6 {
		t.Errorf("mono[0] = %f; want %f", mono[0], want0)
	}
	want1 := float32(-3000) / 32768.0
	if math.Abs(float64(mono[1]-want1)) > 1e-6 {
		t.Errorf("mono[1] = %f; want %f", mono[1], want1)
	}
}

func TestPcmToFloat32Mono_ThreeChannels(t *testing.T) {
	mono := pcmToFloat32Mono(pcmFromInt16([]int16{3000, 6000, 9000}), 3)
	if len(mono) != 1 {
		t.Fatalf("expected 1 mono sample from one 3-channel frame, got %d", len(mono))
	}
	want := float32(6000) / 32768.0
	if math.Abs(float64(mono[0]-want)) > 1e-6 {
		t.Errorf("mono[0] = %f; want %f", mono[0], want)
	}
}
