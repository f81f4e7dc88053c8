package tts

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lj-mcn/lingjing-voice-engine/internal/audio"
	"github.com/lj-mcn/lingjing-voice-engine/internal/config"
	"github.com/lj-mcn/lingjing-voice-engine/internal/playback"
)

// fakeTTSProvider returns a valid WAV for every request and records the
// texts it synthesized. The audio duration is 10ms per rune, so each
// unit's pcm length identifies its text at the sink.
type fakeTTSProvider struct {
	mu    sync.Mutex
	texts []string
	delay time.Duration
}

func (f *fakeTTSProvider) Name() string    { return "fake" }
func (f *fakeTTSProvider) Available() bool { return true }

func (f *fakeTTSProvider) Synthesize(_ context.Context, text string) ([]byte, audio.Container, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	f.texts = append(f.texts, text)
	f.mu.Unlock()

	samples := make([]int16, audio.DefaultSampleRate*len([]rune(text))*10/1000)
	return audio.EncodeWAV(samples, audio.DefaultSampleRate), audio.ContainerWAV, nil
}

// pcmBytesFor is the pcm length the fake provider produces for a text.
func pcmBytesFor(text string) int {
	return 2 * (audio.DefaultSampleRate * len([]rune(text)) * 10 / 1000)
}

// recordingSink records each enqueued chunk before handing it to a
// simulated sink.
type recordingSink struct {
	*playback.SimulatedSink
	mu     sync.Mutex
	chunks [][]byte
}

func newRecordingSink() *recordingSink {
	return &recordingSink{SimulatedSink: playback.NewSimulatedSink()}
}

func (r *recordingSink) Enqueue(pcm []byte, onDone func()) error {
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	r.mu.Lock()
	r.chunks = append(r.chunks, cp)
	r.mu.Unlock()
	return r.SimulatedSink.Enqueue(pcm, onDone)
}

func (r *recordingSink) enqueued() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, len(r.chunks))
	for i, c := range r.chunks {
		out[i] = len(c)
	}
	return out
}

// peak returns the loudest sample magnitude across all enqueued chunks.
func (r *recordingSink) peak() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	max := 0
	for _, c := range r.chunks {
		samples, err := audio.PCMToSamples(c)
		if err != nil {
			continue
		}
		for _, s := range samples {
			v := int(s)
			if v < 0 {
				v = -v
			}
			if v > max {
				max = v
			}
		}
	}
	return max
}

func (f *fakeTTSProvider) synthesized() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.texts))
	copy(out, f.texts)
	return out
}

func synthConfig() *config.Config {
	return &config.Config{
		SentenceBoundary:  "。！？.!?\n",
		MinSentenceLength: 2,
		RequestTimeout:    2000,
	}
}

// collectStates gathers terminal unit states keyed by text.
type stateCollector struct {
	mu     sync.Mutex
	states map[string][]UnitState
}

func newStateCollector() *stateCollector {
	return &stateCollector{states: make(map[string][]UnitState)}
}

func (c *stateCollector) handler(u *PlaybackUnit) {
	c.mu.Lock()
	c.states[u.Text] = append(c.states[u.Text], u.State)
	c.mu.Unlock()
}

func (c *stateCollector) last(text string) UnitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.states[text]
	if len(s) == 0 {
		return UnitQueued
	}
	return s[len(s)-1]
}

func TestSynthesizer_PlaysUnitsInOrder(t *testing.T) {
	provider := &fakeTTSProvider{}
	sink := playback.NewSimulatedSink()
	collector := newStateCollector()

	s := NewSynthesizer(synthConfig(), provider, sink, nil)
	s.OnUnitState(collector.handler)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	s.Speak("第一句话。第二句话。第三句话。")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.WaitIdle(ctx); err != nil {
		t.Fatalf("WaitIdle failed: %v", err)
	}

	// every unit must reach played
	for _, text := range []string{"第一句话。", "第二句话。", "第三句话。"} {
		if got := collector.last(text); got != UnitPlayed {
			t.Errorf("Expected unit %q played, got %v", text, got)
		}
	}
}

func TestSynthesizer_StreamedTextSegmented(t *testing.T) {
	provider := &fakeTTSProvider{}
	sink := newRecordingSink()

	s := NewSynthesizer(synthConfig(), provider, sink, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	// text arrives in LLM-sized fragments
	s.FeedText("今天天气")
	s.FeedText("真不错。我们")
	s.FeedText("出去玩吧")
	s.Flush()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.WaitIdle(ctx); err != nil {
		t.Fatalf("WaitIdle failed: %v", err)
	}

	texts := provider.synthesized()
	if len(texts) != 2 {
		t.Fatalf("Expected 2 synthesized units, got %v", texts)
	}
	// prefetch may interleave synthesis, so check membership only
	seen := map[string]bool{texts[0]: true, texts[1]: true}
	if !seen["今天天气真不错。"] || !seen["我们出去玩吧"] {
		t.Errorf("Unexpected units: %v", texts)
	}

	// playback order at the sink follows text order regardless of
	// which unit finished synthesis first
	want := []int{pcmBytesFor("今天天气真不错。"), pcmBytesFor("我们出去玩吧")}
	got := sink.enqueued()
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("Expected enqueue lengths %v, got %v", want, got)
	}
}

func TestSynthesizer_EmojiOnlyUnitSkipped(t *testing.T) {
	provider := &fakeTTSProvider{}
	sink := playback.NewSimulatedSink()

	s := NewSynthesizer(synthConfig(), provider, sink, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	s.Speak("😀🌟。你好朋友。")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.WaitIdle(ctx); err != nil {
		t.Fatalf("WaitIdle failed: %v", err)
	}

	texts := provider.synthesized()
	if len(texts) != 1 || texts[0] != "你好朋友。" {
		t.Errorf("Expected only the speakable unit, got %v", texts)
	}
}

func TestSynthesizer_CancelStopsPlaybackAndQueue(t *testing.T) {
	provider := &fakeTTSProvider{}
	sink := playback.NewSimulatedSink()
	collector := newStateCollector()

	s := NewSynthesizer(synthConfig(), provider, sink, nil)
	s.OnUnitState(collector.handler)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	s.Speak("第一句话。第二句话。第三句话。第四句话。")

	// let playback begin, then barge in
	deadline := time.After(2 * time.Second)
	for !s.Speaking() {
		select {
		case <-deadline:
			t.Fatal("Playback never began")
		case <-time.After(5 * time.Millisecond):
		}
	}
	time.Sleep(10 * time.Millisecond)

	s.Cancel()

	if s.Speaking() {
		t.Error("Expected nothing playing or queued after cancel")
	}

	// cancellation must not wait for playback to finish
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := s.WaitIdle(ctx); err != nil {
		t.Errorf("Expected idle immediately after cancel: %v", err)
	}

	// no unit may reach played after the cancel point
	time.Sleep(100 * time.Millisecond)
	if got := collector.last("第四句话。"); got == UnitPlayed {
		t.Error("Expected queued units cancelled, last unit played")
	}
}

func TestSynthesizer_SpeakAfterCancel(t *testing.T) {
	// the delay keeps the first unit in synthesis until Cancel lands
	provider := &fakeTTSProvider{delay: 20 * time.Millisecond}
	sink := newRecordingSink()

	s := NewSynthesizer(synthConfig(), provider, sink, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	s.Speak("被打断的话。")
	s.Cancel()
	s.Speak("新的回应。")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.WaitIdle(ctx); err != nil {
		t.Fatalf("WaitIdle after restart failed: %v", err)
	}

	// the cancelled unit may or may not have reached the provider,
	// but only the new response may reach the speaker
	got := sink.enqueued()
	if len(got) != 1 || got[0] != pcmBytesFor("新的回应。") {
		t.Errorf("Expected only the new response enqueued, got lengths %v", got)
	}

	found := false
	for _, text := range provider.synthesized() {
		if text == "新的回应。" {
			found = true
		}
	}
	if !found {
		t.Error("Expected new response to be synthesized after cancel")
	}
}

// loudTTSProvider returns full-scale audio for every request.
type loudTTSProvider struct{}

func (loudTTSProvider) Name() string    { return "loud" }
func (loudTTSProvider) Available() bool { return true }

func (loudTTSProvider) Synthesize(_ context.Context, _ string) ([]byte, audio.Container, error) {
	samples := make([]int16, audio.DefaultSampleRate*30/1000)
	for i := range samples {
		samples[i] = 32767
	}
	return audio.EncodeWAV(samples, audio.DefaultSampleRate), audio.ContainerWAV, nil
}

func TestSynthesizer_LimitsPlaybackAmplitude(t *testing.T) {
	sink := newRecordingSink()

	s := NewSynthesizer(synthConfig(), loudTTSProvider{}, sink, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	s.Speak("音量很大的一句话。")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.WaitIdle(ctx); err != nil {
		t.Fatalf("WaitIdle failed: %v", err)
	}

	peak := sink.peak()
	if peak == 0 {
		t.Fatal("No audio reached the sink")
	}
	if peak > maxPlaybackAmplitude {
		t.Errorf("Expected peak limited to %d, got %d", maxPlaybackAmplitude, peak)
	}
}

// blockingTTSProvider holds every request open until its context ends.
type blockingTTSProvider struct {
	started   chan struct{}
	mu        sync.Mutex
	cancelled bool
}

func (f *blockingTTSProvider) Name() string    { return "blocking" }
func (f *blockingTTSProvider) Available() bool { return true }

func (f *blockingTTSProvider) Synthesize(ctx context.Context, _ string) ([]byte, audio.Container, error) {
	select {
	case f.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	f.mu.Lock()
	f.cancelled = true
	f.mu.Unlock()
	return nil, audio.ContainerUnknown, ctx.Err()
}

func (f *blockingTTSProvider) wasCancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

func TestSynthesizer_CancelEndsInFlightSynthesis(t *testing.T) {
	provider := &blockingTTSProvider{started: make(chan struct{}, 1)}
	sink := playback.NewSimulatedSink()

	s := NewSynthesizer(synthConfig(), provider, sink, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	s.Speak("被打断的话。")

	select {
	case <-provider.started:
	case <-time.After(2 * time.Second):
		t.Fatal("Synthesis never started")
	}

	s.Cancel()

	deadline := time.After(time.Second)
	for !provider.wasCancelled() {
		select {
		case <-deadline:
			t.Fatal("Expected cancel to end the in-flight synthesis request")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
