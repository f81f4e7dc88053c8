package capture

import (
	"sync"
	"time"

	"github.com/lj-mcn/lingjing-voice-engine/internal/audio"
)

// Recorder accumulates captured frames into a segment while recording
// is active. Frames arriving while inactive are dropped.
type Recorder struct {
	mu        sync.Mutex
	active    bool
	segment   audio.Segment
	startedAt time.Time
}

// NewRecorder creates an idle recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Begin clears any previous segment and starts accumulating frames.
func (r *Recorder) Begin() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.segment = audio.Segment{}
	r.active = true
	r.startedAt = time.Now()
}

// OnFrame appends a frame to the current segment if recording is active.
func (r *Recorder) OnFrame(f audio.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		return
	}
	r.segment.Append(f)
}

// End stops accumulation and returns the recorded segment.
func (r *Recorder) End() audio.Segment {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = false
	seg := r.segment
	r.segment = audio.Segment{}
	return seg
}

// Active reports whether the recorder is accumulating frames.
func (r *Recorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Elapsed returns how long the current recording has been running.
func (r *Recorder) Elapsed() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		return 0
	}
	return time.Since(r.startedAt)
}

// Snapshot returns a copy of the frames recorded so far without
// stopping the recording. Used by the streaming transcriber.
func (r *Recorder) Snapshot() audio.Segment {
	r.mu.Lock()
	defer r.mu.Unlock()
	frames := make([]audio.Frame, len(r.segment.Frames))
	copy(frames, r.segment.Frames)
	return audio.Segment{Frames: frames}
}
