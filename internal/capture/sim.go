package capture

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lj-mcn/lingjing-voice-engine/internal/audio"
)

// SimulatedSource emits silent PCM frames at real-time pace. It stands in
// for the microphone when no capture device can be opened, so sessions
// keep running in a degraded text-driven mode.
type SimulatedSource struct {
	sampleRate int
	interval   time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool

	// injected frames are delivered ahead of silence, for tests and
	// for replaying recorded audio through the pipeline
	injectCh chan []byte
}

// NewSimulatedSource creates a silent source at the engine sample rate.
func NewSimulatedSource() *SimulatedSource {
	return &SimulatedSource{
		sampleRate: audio.DefaultSampleRate,
		interval:   audio.FrameDuration,
		injectCh:   make(chan []byte, 64),
	}
}

// Inject queues a PCM chunk to be delivered instead of silence.
func (s *SimulatedSource) Inject(pcm []byte) {
	select {
	case s.injectCh <- pcm:
	default:
	}
}

// Start begins emitting frames to onAudio until Stop or context cancel.
func (s *SimulatedSource) Start(ctx context.Context, onAudio func(pcm []byte)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	silence := make([]byte, audio.FrameSize*2)

	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				select {
				case pcm := <-s.injectCh:
					onAudio(pcm)
				default:
					onAudio(silence)
				}
			}
		}
	}()

	log.Warn().Msg("Using simulated capture source, no audio device available")
	return nil
}

// Stop halts frame emission.
func (s *SimulatedSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.running = false
	return nil
}

// Close stops the source.
func (s *SimulatedSource) Close() error {
	return s.Stop()
}

// SampleRate returns the simulated sample rate in Hz.
func (s *SimulatedSource) SampleRate() int {
	return s.sampleRate
}
