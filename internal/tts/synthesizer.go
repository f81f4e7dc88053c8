package tts

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/lj-mcn/lingjing-voice-engine/internal/audio"
	"github.com/lj-mcn/lingjing-voice-engine/internal/config"
	"github.com/lj-mcn/lingjing-voice-engine/internal/observability"
	"github.com/lj-mcn/lingjing-voice-engine/internal/playback"
)

// prefetchDepth is how many units ahead of the playing one have
// synthesis running.
const prefetchDepth = 2

// maxPlaybackAmplitude leaves headroom so resampled peaks cannot clip.
const maxPlaybackAmplitude = 32000

// UnitStateHandler observes unit lifecycle transitions.
type UnitStateHandler func(unit *PlaybackUnit)

// Synthesizer streams LLM text to the speaker sentence by sentence.
// Response text is segmented as it arrives, each unit is synthesized
// ahead of its turn, and playback completion is the sink's completion
// signal rather than synthesis completion. Cancel stops the playing
// unit and discards everything queued behind it.
type Synthesizer struct {
	config   *config.Config
	provider Provider
	sink     playback.Sink
	metrics  *observability.Metrics

	onUnitState UnitStateHandler

	mu        sync.Mutex
	segmenter *Segmenter
	queue     []*PlaybackUnit
	playing   *PlaybackUnit
	notify    chan struct{}
	running   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewSynthesizer creates a stopped synthesizer.
func NewSynthesizer(cfg *config.Config, provider Provider, sink playback.Sink, metrics *observability.Metrics) *Synthesizer {
	return &Synthesizer{
		config:    cfg,
		provider:  provider,
		sink:      sink,
		metrics:   metrics,
		segmenter: NewSegmenter(cfg.SentenceBoundary, cfg.MinSentenceLength),
		notify:    make(chan struct{}, 1),
	}
}

// OnUnitState registers a lifecycle observer. Must be set before Start.
func (s *Synthesizer) OnUnitState(handler UnitStateHandler) {
	s.onUnitState = handler
}

// Start launches the playback loop.
func (s *Synthesizer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	if err := s.sink.Start(); err != nil {
		return fmt.Errorf("failed to start playback sink: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	s.wg.Add(1)
	go s.playLoop(runCtx)
	return nil
}

// FeedText adds streamed response text; completed sentences are queued.
func (s *Synthesizer) FeedText(text string) {
	s.mu.Lock()
	units := s.segmenter.Feed(text)
	for _, u := range units {
		s.enqueueLocked(u)
	}
	s.mu.Unlock()
	s.kick()
}

// Flush queues whatever text remains held in the segmenter, bypassing
// the minimum length.
func (s *Synthesizer) Flush() {
	s.mu.Lock()
	for _, u := range s.segmenter.Flush() {
		s.enqueueLocked(u)
	}
	s.mu.Unlock()
	s.kick()
}

// Speak queues a complete text: segmented, queued, and flushed.
func (s *Synthesizer) Speak(text string) {
	s.mu.Lock()
	for _, u := range s.segmenter.Feed(text) {
		s.enqueueLocked(u)
	}
	for _, u := range s.segmenter.Flush() {
		s.enqueueLocked(u)
	}
	s.mu.Unlock()
	s.kick()
}

func (s *Synthesizer) enqueueLocked(text string) {
	clean := StripDecorations(text)
	if !speakable(clean) {
		return
	}
	unit := &PlaybackUnit{
		ID:       uuid.New().String(),
		Text:     clean,
		State:    UnitQueued,
		ready:    make(chan struct{}),
		cancelCh: make(chan struct{}),
	}
	s.queue = append(s.queue, unit)
	s.prefetchLocked()
}

// prefetchLocked keeps synthesis running for the next units in line.
func (s *Synthesizer) prefetchLocked() {
	live := 0
	if s.playing != nil {
		live = 1
	}
	for _, u := range s.queue {
		if live >= 1+prefetchDepth {
			break
		}
		switch u.State {
		case UnitQueued:
			u.State = UnitSynthesizing
			synthCtx, cancel := context.WithTimeout(context.Background(), s.config.RequestTimeoutDuration())
			u.synthCancel = cancel
			s.notifyState(u)
			s.wg.Add(1)
			go s.synthesize(synthCtx, u)
			live++
		case UnitSynthesizing, UnitReady, UnitPlaying:
			live++
		}
	}
}

func (s *Synthesizer) synthesize(ctx context.Context, u *PlaybackUnit) {
	defer s.wg.Done()
	defer close(u.ready)
	defer u.synthCancel()

	if s.metrics != nil {
		s.metrics.RecordTTSStart()
	}

	data, container, err := s.provider.Synthesize(ctx, u.Text)
	if err == nil && container != audio.ContainerWAV {
		err = fmt.Errorf("%w: cannot play %s on pcm sink", ErrBadAudio, container)
	}

	var pcm []byte
	if err == nil {
		var samples []int16
		var rate int
		samples, rate, err = audio.DecodeWAV(data)
		if err == nil {
			if rate != audio.DefaultSampleRate {
				samples = audio.Resample(samples, rate, audio.DefaultSampleRate)
			}
			samples = audio.NormalizeAudio(samples, maxPlaybackAmplitude)
			pcm = audio.SamplesToPCM(samples)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordTTSEnd(err == nil)
	}

	if u.State == UnitCancelled {
		return
	}
	if err != nil {
		u.err = err
		u.State = UnitCancelled
		s.notifyState(u)
		log.Warn().Err(err).Str("text", u.Text).Msg("Synthesis failed, unit dropped")
		return
	}

	u.pcm = pcm
	u.State = UnitReady
	s.notifyState(u)
}

func (s *Synthesizer) playLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.notify:
		}

		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			u := s.queue[0]
			if u.State == UnitCancelled || u.State == UnitPlayed {
				s.queue = s.queue[1:]
				s.mu.Unlock()
				continue
			}
			s.prefetchLocked()
			s.mu.Unlock()

			select {
			case <-ctx.Done():
				return
			case <-u.cancelCh:
				continue
			case <-u.ready:
			}

			s.mu.Lock()
			if u.State != UnitReady {
				s.mu.Unlock()
				continue
			}
			u.State = UnitPlaying
			s.playing = u
			s.queue = s.queue[1:]
			s.prefetchLocked()
			s.notifyState(u)
			s.mu.Unlock()

			s.playUnit(ctx, u)

			s.mu.Lock()
			if s.playing == u {
				s.playing = nil
			}
			s.mu.Unlock()
		}
	}
}

// playUnit enqueues the unit's audio and waits for true playback
// completion or cancellation.
func (s *Synthesizer) playUnit(ctx context.Context, u *PlaybackUnit) {
	done := make(chan struct{}, 1)
	if err := s.sink.Enqueue(u.pcm, func() { done <- struct{}{} }); err != nil {
		s.mu.Lock()
		u.err = err
		u.State = UnitCancelled
		s.notifyState(u)
		s.mu.Unlock()
		log.Warn().Err(err).Msg("Failed to enqueue playback unit")
		return
	}

	if s.metrics != nil {
		s.metrics.RecordAudioBytes("out", int64(len(u.pcm)))
	}

	select {
	case <-ctx.Done():
	case <-u.cancelCh:
	case <-done:
		s.mu.Lock()
		u.State = UnitPlayed
		s.notifyState(u)
		s.mu.Unlock()
	}
}

// Cancel interrupts playback: the playing unit stops immediately and
// every queued unit is discarded. Does not block on the sink.
func (s *Synthesizer) Cancel() {
	s.mu.Lock()
	s.segmenter.Reset()
	if s.playing != nil && s.playing.State == UnitPlaying {
		s.playing.State = UnitCancelled
		s.notifyState(s.playing)
		close(s.playing.cancelCh)
		s.playing = nil
	}
	for _, u := range s.queue {
		if u.State != UnitCancelled && u.State != UnitPlayed {
			u.State = UnitCancelled
			s.notifyState(u)
			if u.synthCancel != nil {
				u.synthCancel()
			}
			select {
			case <-u.cancelCh:
			default:
				close(u.cancelCh)
			}
		}
	}
	s.queue = nil
	s.mu.Unlock()

	if err := s.sink.Stop(); err != nil {
		log.Warn().Err(err).Msg("Failed to stop playback sink on cancel")
	}
	s.kick()
}

// Speaking reports whether audio is playing or queued.
func (s *Synthesizer) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing != nil || len(s.queue) > 0
}

// WaitIdle blocks until nothing is playing or queued, or ctx ends.
func (s *Synthesizer) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		if !s.Speaking() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Stop cancels playback and shuts the loop down.
func (s *Synthesizer) Stop() error {
	s.Cancel()

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	return nil
}

// speakable reports whether the text has anything a voice can say.
func speakable(text string) bool {
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

func (s *Synthesizer) kick() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// notifyState reports a transition to the observer and metrics.
// Caller holds s.mu.
func (s *Synthesizer) notifyState(u *PlaybackUnit) {
	if s.metrics != nil {
		switch u.State {
		case UnitPlayed, UnitCancelled:
			s.metrics.RecordPlaybackUnit(u.State.String())
		}
	}
	if s.onUnitState != nil {
		handler := s.onUnitState
		unit := u
		go handler(unit)
	}
}
