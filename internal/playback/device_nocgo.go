//go:build !cgo

package playback

// DeviceSink requires cgo for miniaudio; this stub keeps the package
// building with CGO_ENABLED=0. Construction always fails, so callers
// fall back to the simulated sink.
type DeviceSink struct{}

// NewDeviceSink always fails without cgo.
func NewDeviceSink(_ int) (*DeviceSink, error) {
	return nil, ErrDeviceUnavailable
}

// Start reports the device as unavailable.
func (s *DeviceSink) Start() error { return ErrDeviceUnavailable }

// Enqueue reports the device as unavailable.
func (s *DeviceSink) Enqueue(_ []byte, _ func()) error { return ErrDeviceUnavailable }

// Stop reports the device as unavailable.
func (s *DeviceSink) Stop() error { return ErrDeviceUnavailable }

// Close is a no-op without cgo.
func (s *DeviceSink) Close() error { return nil }
