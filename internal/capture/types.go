package capture

import (
	"context"
	"errors"
)

// ErrDeviceUnavailable is returned when no capture device can be opened.
var ErrDeviceUnavailable = errors.New("capture device unavailable")

// Source provides a stream of raw PCM audio (16-bit little-endian mono).
// Implementations deliver audio to the callback from their own goroutine;
// the callback must not block.
type Source interface {
	// Start begins capture and delivers PCM chunks to onAudio.
	Start(ctx context.Context, onAudio func(pcm []byte)) error

	// Stop halts capture. The source can be started again afterwards.
	Stop() error

	// Close releases the underlying device. The source cannot be reused.
	Close() error

	// SampleRate returns the capture sample rate in Hz.
	SampleRate() int
}
