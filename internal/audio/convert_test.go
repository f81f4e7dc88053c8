package audio

import (
	"math"
	"testing"
)

func TestPCMSampleRoundTrip(t *testing.T) {
	samples := []int16{0, 1, -1, 32767, -32768, 12345, -12345}
	pcm := SamplesToPCM(samples)
	if len(pcm) != len(samples)*2 {
		t.Fatalf("Expected %d bytes, got %d", len(samples)*2, len(pcm))
	}

	back, err := PCMToSamples(pcm)
	if err != nil {
		t.Fatalf("PCMToSamples failed: %v", err)
	}
	for i := range samples {
		if back[i] != samples[i] {
			t.Errorf("Sample %d: expected %d, got %d", i, samples[i], back[i])
		}
	}
}

func TestPCMToSamples_OddLength(t *testing.T) {
	if _, err := PCMToSamples([]byte{0x01, 0x02, 0x03}); err == nil {
		t.Error("Expected error for odd-length PCM")
	}
}

func TestResample_Downsamples(t *testing.T) {
	in := make([]int16, 24000) // 1 second at 24kHz
	out := Resample(in, 24000, 16000)
	if len(out) != 16000 {
		t.Errorf("Expected 16000 output samples, got %d", len(out))
	}
}

func TestResample_SameRateIsIdentity(t *testing.T) {
	in := []int16{1, 2, 3}
	out := Resample(in, 16000, 16000)
	if len(out) != 3 || out[0] != 1 || out[2] != 3 {
		t.Errorf("Same-rate resample changed data: %v", out)
	}
}

func TestResample_PreservesTone(t *testing.T) {
	// a 440Hz tone resampled 24kHz -> 16kHz should keep its RMS roughly
	in := make([]int16, 24000)
	for i := range in {
		in[i] = int16(8000 * math.Sin(2*math.Pi*440*float64(i)/24000))
	}
	out := Resample(in, 24000, 16000)

	inRMS := CalculateRMS(in)
	outRMS := CalculateRMS(out)
	if math.Abs(inRMS-outRMS)/inRMS > 0.05 {
		t.Errorf("RMS drifted too far: in=%.1f out=%.1f", inRMS, outRMS)
	}
}

func TestNormalizeAudio(t *testing.T) {
	samples := []int16{100, -200, 30000}
	out := NormalizeAudio(samples, 10000)
	for _, s := range out {
		if s > 10000 || s < -10000 {
			t.Errorf("Sample %d exceeds ceiling", s)
		}
	}

	// already under the ceiling: unchanged
	quiet := []int16{100, -200, 300}
	out = NormalizeAudio(quiet, 10000)
	if out[2] != 300 {
		t.Errorf("Quiet audio was rescaled: %v", out)
	}
}

func TestCalculateRMS(t *testing.T) {
	if rms := CalculateRMS(nil); rms != 0 {
		t.Errorf("Expected 0 RMS for empty input, got %f", rms)
	}
	if rms := CalculateRMS([]int16{1000, -1000, 1000, -1000}); rms != 1000 {
		t.Errorf("Expected RMS 1000, got %f", rms)
	}
}
