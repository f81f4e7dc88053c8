package playback

import "errors"

// ErrDeviceUnavailable is returned when no playback device can be opened.
var ErrDeviceUnavailable = errors.New("playback device unavailable")

// ErrNotStarted is returned when audio is enqueued before the sink starts.
var ErrNotStarted = errors.New("playback sink not started")

// ErrBufferFull is returned when a chunk does not fit behind the audio
// already pending in the sink.
var ErrBufferFull = errors.New("playback buffer full")

// Sink plays raw PCM audio (16-bit little-endian mono). Enqueued audio is
// appended to an internal buffer and drained by the device; the completion
// callback fires only after the last byte of the enqueued chunk has been
// handed to the device, not when it was buffered.
type Sink interface {
	// Start makes the sink ready to drain enqueued audio.
	Start() error

	// Enqueue appends PCM to the playback buffer. onDone, if non-nil,
	// fires once every byte of this chunk has been played out.
	Enqueue(pcm []byte, onDone func()) error

	// Stop discards all buffered audio immediately. Completion callbacks
	// for discarded audio never fire. Stop must not block on playback.
	Stop() error

	// Close releases the underlying device.
	Close() error
}
