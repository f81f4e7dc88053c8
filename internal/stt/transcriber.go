package stt

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lj-mcn/lingjing-voice-engine/internal/audio"
	"github.com/lj-mcn/lingjing-voice-engine/internal/config"
	"github.com/lj-mcn/lingjing-voice-engine/internal/observability"
)

// TranscriptHandler receives merged transcript updates. final is true
// only for the flush emitted when the stream stops.
type TranscriptHandler func(text string, final bool)

// StreamingTranscriber turns a growing audio buffer into a monotonic
// transcript. Windows are submitted on a fixed cadence with a trailing
// overlap so words spanning a window boundary are not lost; each window
// result is merged into the committed transcript, never shrinking it.
type StreamingTranscriber struct {
	config    *config.Config
	providers []Provider
	metrics   *observability.Metrics

	onTranscript TranscriptHandler

	mu        sync.Mutex
	samples   []int16
	consumed  int
	committed string
	running   bool
	inflight  bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewStreamingTranscriber creates a transcriber over the ranked providers.
func NewStreamingTranscriber(cfg *config.Config, providers []Provider, metrics *observability.Metrics, handler TranscriptHandler) *StreamingTranscriber {
	return &StreamingTranscriber{
		config:       cfg,
		providers:    providers,
		metrics:      metrics,
		onTranscript: handler,
	}
}

// Start begins the submission loop. The buffer starts empty.
func (t *StreamingTranscriber) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.running = true
	t.samples = nil
	t.consumed = 0
	t.committed = ""

	t.wg.Add(1)
	go t.loop(runCtx)
	return nil
}

// AddAudio appends captured PCM to the buffer.
func (t *StreamingTranscriber) AddAudio(pcm []byte) {
	samples, err := audio.PCMToSamples(pcm)
	if err != nil {
		return
	}
	t.mu.Lock()
	if t.running {
		t.samples = append(t.samples, samples...)
	}
	t.mu.Unlock()
}

// Stop halts the loop, transcribes the full buffer once more, and emits
// the final transcript. Safe to call when not running.
func (t *StreamingTranscriber) Stop(ctx context.Context) string {
	t.mu.Lock()
	if !t.running {
		committed := t.committed
		t.mu.Unlock()
		return committed
	}
	t.running = false
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()

	cancel()
	t.wg.Wait()

	t.mu.Lock()
	samples := t.samples
	t.samples = nil
	t.mu.Unlock()

	if len(samples) > 0 {
		if result, err := t.transcribeWindow(ctx, samples); err == nil {
			t.merge(result.Text)
		} else if !errors.Is(err, ErrNoSpeech) {
			log.Warn().Err(err).Msg("Final transcription flush failed")
		}
	}

	t.mu.Lock()
	final := t.committed
	t.mu.Unlock()

	if t.onTranscript != nil {
		t.onTranscript(final, true)
	}
	if t.metrics != nil {
		t.metrics.RecordTranscriptEvent("final")
	}
	return final
}

// Transcript returns the committed transcript so far.
func (t *StreamingTranscriber) Transcript() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.committed
}

func (t *StreamingTranscriber) loop(ctx context.Context) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.config.TranscribeIntervalDuration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.submitWindow(ctx)
		}
	}
}

// submitWindow transcribes the unconsumed tail plus the trailing overlap.
// Skipped while a previous window is still in flight.
func (t *StreamingTranscriber) submitWindow(ctx context.Context) {
	overlapSamples := int(t.config.TranscribeOverlapDuration() * audio.DefaultSampleRate / time.Second)

	t.mu.Lock()
	if t.inflight || len(t.samples) == t.consumed {
		t.mu.Unlock()
		return
	}
	start := t.consumed - overlapSamples
	if start < 0 {
		start = 0
	}
	window := make([]int16, len(t.samples)-start)
	copy(window, t.samples[start:])
	end := len(t.samples)
	t.inflight = true
	t.mu.Unlock()

	// too little audio to be worth a round trip
	if len(window) < audio.FrameSize*5 {
		t.mu.Lock()
		t.inflight = false
		t.mu.Unlock()
		return
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer func() {
			t.mu.Lock()
			t.inflight = false
			t.consumed = end
			t.mu.Unlock()
		}()

		result, err := t.transcribeWindow(ctx, window)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, ErrNoSpeech) {
				log.Debug().Err(err).Msg("Window transcription failed")
			}
			return
		}

		if changed := t.merge(result.Text); changed {
			t.mu.Lock()
			committed := t.committed
			t.mu.Unlock()
			if t.onTranscript != nil {
				t.onTranscript(committed, false)
			}
			if t.metrics != nil {
				t.metrics.RecordTranscriptEvent("partial")
			}
		} else if t.metrics != nil {
			t.metrics.RecordTranscriptEvent("suppressed")
		}
	}()
}

// transcribeWindow sends one window to the best-ranked provider.
// Windows repeat on the next tick, so a failed window is dropped rather
// than cascaded down the provider list.
func (t *StreamingTranscriber) transcribeWindow(ctx context.Context, samples []int16) (*Result, error) {
	provider, err := SelectProvider(t.providers)
	if err != nil {
		return nil, err
	}
	if t.metrics != nil {
		t.metrics.RecordSTTStart()
	}
	result, err := provider.Transcribe(ctx, audio.SamplesToPCM(samples), audio.DefaultSampleRate)
	if t.metrics != nil {
		t.metrics.RecordSTTEnd(provider.Name(), err == nil)
	}
	return result, err
}

// merge folds a window result into the committed transcript and reports
// whether the transcript changed.
func (t *StreamingTranscriber) merge(incoming string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	merged, changed := MergeTranscript(t.committed, incoming, t.config.SimilarityThreshold)
	t.committed = merged
	return changed
}

// minSignificantDelta is the rune-length difference below which a
// dissimilar window result is treated as recognition jitter.
const minSignificantDelta = 3

// MergeTranscript merges a new window transcription into the committed
// transcript. The result never loses committed text: growth by prefix is
// accepted, near-duplicates are suppressed by similarity, and genuinely
// new content is appended.
func MergeTranscript(committed, incoming string, similarityThreshold float64) (string, bool) {
	incoming = strings.TrimSpace(incoming)
	if incoming == "" {
		return committed, false
	}
	if committed == "" {
		return incoming, true
	}
	if incoming == committed {
		return committed, false
	}

	// window grew on the same utterance; growth below the jitter
	// threshold is trailing punctuation drift, not new speech
	if strings.HasPrefix(incoming, committed) {
		if len([]rune(incoming))-len([]rune(committed)) < minSignificantDelta {
			return committed, false
		}
		return incoming, true
	}

	// re-recognition of overlapping audio with minor drift
	if Similarity(committed, incoming) >= similarityThreshold {
		return committed, false
	}

	// small dissimilar results are jitter, not new speech
	if absInt(len([]rune(incoming))-len([]rune(committed))) < minSignificantDelta &&
		Similarity(committed, incoming) >= similarityThreshold/2 {
		return committed, false
	}

	// overlap stitch: longest committed suffix that prefixes the incoming
	if merged, ok := stitchOverlap(committed, incoming); ok {
		return merged, true
	}

	return committed + incoming, true
}

// stitchOverlap joins two transcripts on their longest suffix/prefix
// overlap, requiring at least two runes of overlap.
func stitchOverlap(committed, incoming string) (string, bool) {
	cr := []rune(committed)
	ir := []rune(incoming)

	max := len(cr)
	if len(ir) < max {
		max = len(ir)
	}
	for n := max; n >= 2; n-- {
		if string(cr[len(cr)-n:]) == string(ir[:n]) {
			return committed + string(ir[n:]), true
		}
	}
	return "", false
}

// Similarity is a normalized edit-distance similarity over runes in [0,1].
func Similarity(a, b string) float64 {
	ar := []rune(a)
	br := []rune(b)

	if len(ar) == 0 && len(br) == 0 {
		return 1.0
	}

	maxLen := len(ar)
	if len(br) > maxLen {
		maxLen = len(br)
	}

	return 1.0 - float64(levenshtein(ar, br))/float64(maxLen)
}

func levenshtein(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := 0; j <= len(b); j++ {
		prev[j] = j
	}

	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = minInt(prev[j]+1, minInt(curr[j-1]+1, prev[j-1]+cost))
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func absInt(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
