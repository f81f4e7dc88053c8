package stt

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrNoSpeech is returned when the audio contained no recognizable speech.
var ErrNoSpeech = errors.New("no speech detected")

// Result is the transcription of one audio segment.
type Result struct {
	// Text is the transcribed text
	Text string

	// Confidence is the confidence score (0.0 to 1.0) if available
	Confidence float64

	// Provider is the name of the provider that produced the result
	Provider string

	// Latency is how long the provider took
	Latency time.Duration
}

// Provider transcribes complete PCM segments.
type Provider interface {
	// Name identifies the provider in logs and metrics
	Name() string

	// Priority ranks the provider; lower values are preferred
	Priority() int

	// Available reports whether the provider is configured and usable
	Available() bool

	// Transcribe converts a PCM segment (16-bit LE mono) to text.
	// Returns ErrNoSpeech when the segment contains no speech.
	Transcribe(ctx context.Context, pcm []byte, sampleRate int) (*Result, error)
}

// StreamResult is an incremental transcription event from a live stream.
type StreamResult struct {
	Text       string
	IsFinal    bool
	Confidence float64
	StartTime  float64
	Duration   float64
}

// SelectProvider returns the available provider with the best priority.
// Selection depends only on the ranked list, not on past outcomes.
func SelectProvider(providers []Provider) (Provider, error) {
	var best Provider
	for _, p := range providers {
		if !p.Available() {
			continue
		}
		if best == nil || p.Priority() < best.Priority() {
			best = p
		}
	}
	if best == nil {
		return nil, errors.New("no transcription provider available")
	}
	return best, nil
}

// Transcribe runs the segment through the ranked providers, falling back
// down the list when a provider fails. ErrNoSpeech is a result, not a
// failure, and does not trigger fallback.
func Transcribe(ctx context.Context, providers []Provider, pcm []byte, sampleRate int) (*Result, error) {
	ranked := make([]Provider, 0, len(providers))
	for _, p := range providers {
		if p.Available() {
			ranked = append(ranked, p)
		}
	}
	if len(ranked) == 0 {
		return nil, errors.New("no transcription provider available")
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Priority() < ranked[j].Priority()
	})

	var lastErr error
	for _, p := range ranked {
		result, err := p.Transcribe(ctx, pcm, sampleRate)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, ErrNoSpeech) {
			return nil, err
		}
		lastErr = fmt.Errorf("provider %s: %w", p.Name(), err)
	}
	return nil, lastErr
}
