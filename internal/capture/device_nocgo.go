//go:build !cgo

package capture

import "context"

// DeviceSource requires cgo for miniaudio; this stub keeps the package
// building with CGO_ENABLED=0. Construction always fails, so callers
// fall back to the simulated source.
type DeviceSource struct{}

// NewDeviceSource always fails without cgo.
func NewDeviceSource() (*DeviceSource, error) {
	return nil, ErrDeviceUnavailable
}

// Start reports the device as unavailable.
func (s *DeviceSource) Start(_ context.Context, _ func(pcm []byte)) error {
	return ErrDeviceUnavailable
}

// Stop reports the device as unavailable.
func (s *DeviceSource) Stop() error { return ErrDeviceUnavailable }

// Close is a no-op without cgo.
func (s *DeviceSource) Close() error { return nil }

// SampleRate returns 0 without cgo.
func (s *DeviceSource) SampleRate() int { return 0 }
