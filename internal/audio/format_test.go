package audio

import (
	"math"
	"testing"
	"time"
)

func TestWAVRoundTrip(t *testing.T) {
	samples := make([]int16, DefaultSampleRate/10) // 100ms
	for i := range samples {
		samples[i] = int16(5000 * math.Sin(2*math.Pi*440*float64(i)/DefaultSampleRate))
	}

	wav := EncodeWAV(samples, DefaultSampleRate)
	if SniffContainer(wav) != ContainerWAV {
		t.Fatal("Encoded WAV not recognized by sniffer")
	}

	decoded, rate, err := DecodeWAV(wav)
	if err != nil {
		t.Fatalf("DecodeWAV failed: %v", err)
	}
	if rate != DefaultSampleRate {
		t.Errorf("Expected rate %d, got %d", DefaultSampleRate, rate)
	}
	if len(decoded) != len(samples) {
		t.Fatalf("Expected %d samples, got %d", len(samples), len(decoded))
	}
	for i := range samples {
		if decoded[i] != samples[i] {
			t.Fatalf("Sample %d mismatch: %d != %d", i, decoded[i], samples[i])
		}
	}
}

func TestSniffContainer(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		want Container
	}{
		{"wav", EncodeWAV([]int16{0, 0}, 16000), ContainerWAV},
		{"mp3 id3", []byte("ID3\x04\x00\x00\x00\x00\x00\x00"), ContainerMP3},
		{"mp3 frame sync", []byte{0xFF, 0xFB, 0x90, 0x00}, ContainerMP3},
		{"html error page", []byte("<html><body>error</body></html>"), ContainerUnknown},
		{"empty", nil, ContainerUnknown},
		{"truncated riff", []byte("RIFF"), ContainerUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SniffContainer(tc.data); got != tc.want {
				t.Errorf("SniffContainer() = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestDecodeWAV_RejectsBadPayloads(t *testing.T) {
	cases := []struct {
		name string
		data []byte
	}{
		{"not wav", []byte("definitely not audio")},
		{"riff without data chunk", EncodeWAV(nil, 16000)[:20]},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, err := DecodeWAV(tc.data); err == nil {
				t.Error("Expected decode error")
			}
		})
	}
}

func TestSegment(t *testing.T) {
	var seg Segment
	if !seg.Empty() {
		t.Error("New segment should be empty")
	}

	frame := NewFrame(make([]int16, FrameSize), time.Now())
	seg.Append(frame)
	seg.Append(frame)

	if seg.Empty() {
		t.Error("Segment with frames reported empty")
	}
	if seg.Duration() != 2*FrameDuration {
		t.Errorf("Expected duration %v, got %v", 2*FrameDuration, seg.Duration())
	}
	if len(seg.Samples()) != 2*FrameSize {
		t.Errorf("Expected %d samples, got %d", 2*FrameSize, len(seg.Samples()))
	}
	if len(seg.PCM()) != 4*FrameSize {
		t.Errorf("Expected %d PCM bytes, got %d", 4*FrameSize, len(seg.PCM()))
	}
}
