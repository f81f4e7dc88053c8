package tts

import (
	"context"
	"errors"

	"github.com/lj-mcn/lingjing-voice-engine/internal/audio"
)

// ErrBadAudio is returned when a provider response is not the audio
// container it claims to be.
var ErrBadAudio = errors.New("synthesis response is not valid audio")

// Provider converts text into audio.
type Provider interface {
	// Name identifies the provider in logs and metrics
	Name() string

	// Available reports whether the provider is configured and usable
	Available() bool

	// Synthesize returns encoded audio for the text along with the
	// detected container.
	Synthesize(ctx context.Context, text string) ([]byte, audio.Container, error)
}

// UnitState is the lifecycle state of a playback unit.
type UnitState int

const (
	UnitQueued UnitState = iota
	UnitSynthesizing
	UnitReady
	UnitPlaying
	UnitPlayed
	UnitCancelled
)

func (s UnitState) String() string {
	switch s {
	case UnitQueued:
		return "queued"
	case UnitSynthesizing:
		return "synthesizing"
	case UnitReady:
		return "ready"
	case UnitPlaying:
		return "playing"
	case UnitPlayed:
		return "played"
	case UnitCancelled:
		return "cancelled"
	}
	return "unknown"
}

// PlaybackUnit is one sentence moving through the synthesis pipeline.
type PlaybackUnit struct {
	ID    string
	Text  string
	State UnitState

	pcm         []byte
	err         error
	ready       chan struct{}      // closed when synthesis settles
	cancelCh    chan struct{}      // closed on cancellation
	synthCancel context.CancelFunc // ends the in-flight provider request
}

// Err returns the synthesis error for a unit that failed.
func (u *PlaybackUnit) Err() error {
	return u.err
}
