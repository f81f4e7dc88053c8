package playback

import (
	"sync"
	"time"

	"github.com/lj-mcn/lingjing-voice-engine/internal/audio"
)

// SimulatedSink plays audio against the wall clock instead of a device.
// Each enqueued chunk completes after its real-time duration, preserving
// the ordering and completion semantics of a real sink.
type SimulatedSink struct {
	mu      sync.Mutex
	started bool
	gen     int // bumped on Stop to invalidate in-flight chunks
	tail    time.Time
}

// NewSimulatedSink creates a stopped simulated sink.
func NewSimulatedSink() *SimulatedSink {
	return &SimulatedSink{}
}

// Start makes the sink accept audio.
func (s *SimulatedSink) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	s.tail = time.Now()
	return nil
}

// Enqueue schedules onDone after the chunk's playback duration, queued
// behind previously enqueued audio.
func (s *SimulatedSink) Enqueue(pcm []byte, onDone func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return ErrNotStarted
	}

	d := time.Duration(len(pcm)/2) * time.Second / audio.DefaultSampleRate

	now := time.Now()
	if s.tail.Before(now) {
		s.tail = now
	}
	s.tail = s.tail.Add(d)
	doneAt := s.tail
	gen := s.gen

	if onDone != nil {
		go func() {
			time.Sleep(time.Until(doneAt))
			s.mu.Lock()
			live := s.gen == gen
			s.mu.Unlock()
			if live {
				onDone()
			}
		}()
	}
	return nil
}

// Stop discards queued audio. In-flight completion callbacks are dropped.
func (s *SimulatedSink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	s.tail = time.Now()
	return nil
}

// Close stops the sink.
func (s *SimulatedSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	s.started = false
	return nil
}
