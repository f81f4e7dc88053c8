package audio

import (
	"math"
	"time"
)

// DefaultSampleRate is the engine-wide capture sample rate in Hz.
const DefaultSampleRate = 16000

// FrameDuration is the length of one capture frame.
const FrameDuration = 20 * time.Millisecond

// FrameSize is the number of samples per frame (20ms at 16kHz).
const FrameSize = DefaultSampleRate / 1000 * 20

// Frame is one fixed-size PCM sample window tagged with a monotonic
// capture timestamp. A frame is immutable once captured; ownership moves
// with the frame through the pipeline.
type Frame struct {
	Samples   []int16
	Timestamp time.Time
}

// NewFrame copies samples into a new frame stamped with now.
func NewFrame(samples []int16, ts time.Time) Frame {
	buf := make([]int16, len(samples))
	copy(buf, samples)
	return Frame{Samples: buf, Timestamp: ts}
}

// RMS returns the root mean square energy of the frame.
func (f Frame) RMS() float64 {
	return CalculateRMS(f.Samples)
}

// ZeroCrossingRate returns the fraction of adjacent sample pairs whose
// signs differ, in [0, 1]. Voiced speech typically sits well above the
// rate of steady background hum.
func ZeroCrossingRate(samples []int16) float64 {
	if len(samples) < 2 {
		return 0
	}
	crossings := 0
	for i := 1; i < len(samples); i++ {
		if (samples[i-1] >= 0) != (samples[i] >= 0) {
			crossings++
		}
	}
	return float64(crossings) / float64(len(samples)-1)
}

// SpectralCentroidIndex returns a magnitude-weighted mean sample index,
// normalized to [0, 1]. It approximates where the energy of the frame is
// concentrated without running a full FFT; flat noise scores near 0.5,
// speech with energy bursts scores away from it.
func SpectralCentroidIndex(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var weighted, total float64
	for i, s := range samples {
		mag := math.Abs(float64(s))
		weighted += mag * float64(i)
		total += mag
	}
	if total == 0 {
		return 0
	}
	return weighted / total / float64(len(samples)-1)
}

// Segment is an ordered run of frames accumulated between two silence
// boundaries. The capture pipeline owns a segment exclusively until it is
// handed to the transcriber.
type Segment struct {
	Frames []Frame
}

// Append adds a frame to the segment.
func (s *Segment) Append(f Frame) {
	s.Frames = append(s.Frames, f)
}

// Duration returns the audio length covered by the segment.
func (s *Segment) Duration() time.Duration {
	var n int
	for _, f := range s.Frames {
		n += len(f.Samples)
	}
	return time.Duration(n) * time.Second / DefaultSampleRate
}

// Samples returns the segment's samples as one contiguous slice.
func (s *Segment) Samples() []int16 {
	var n int
	for _, f := range s.Frames {
		n += len(f.Samples)
	}
	out := make([]int16, 0, n)
	for _, f := range s.Frames {
		out = append(out, f.Samples...)
	}
	return out
}

// PCM returns the segment as 16-bit little-endian PCM bytes.
func (s *Segment) PCM() []byte {
	return SamplesToPCM(s.Samples())
}

// Empty reports whether the segment holds no audio.
func (s *Segment) Empty() bool {
	return len(s.Frames) == 0
}
