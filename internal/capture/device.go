//go:build cgo

package capture

import (
	"context"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog/log"

	"github.com/lj-mcn/lingjing-voice-engine/internal/audio"
)

// DeviceSource captures microphone audio through miniaudio.
type DeviceSource struct {
	audioContext *malgo.AllocatedContext
	device       *malgo.Device
	config       malgo.DeviceConfig
	sampleRate   int

	mu      sync.Mutex
	onAudio func(pcm []byte)
}

// NewDeviceSource opens the default capture device at the engine sample rate.
func NewDeviceSource() (*DeviceSource, error) {
	audioCtx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	s := &DeviceSource{
		audioContext: audioCtx,
		sampleRate:   audio.DefaultSampleRate,
	}

	channels := 1
	format := malgo.FormatS16
	bytesPerFrame := malgo.SampleSizeInBytes(format) * channels

	s.config = malgo.DefaultDeviceConfig(malgo.Capture)
	s.config.SampleRate = uint32(s.sampleRate)
	s.config.Capture.Format = format
	s.config.Capture.Channels = uint32(channels)
	s.config.Alsa.NoMMap = 1
	s.config.PerformanceProfile = malgo.LowLatency
	s.config.PeriodSizeInFrames = uint32(audio.FrameSize)
	s.config.Periods = 3

	s.device, err = malgo.InitDevice(audioCtx.Context, s.config, malgo.DeviceCallbacks{
		Data: func(_, pInput []byte, frameCount uint32) {
			n := int(frameCount) * bytesPerFrame
			if len(pInput) < n || n == 0 {
				return
			}
			s.mu.Lock()
			cb := s.onAudio
			s.mu.Unlock()
			if cb != nil {
				cb(pInput[:n])
			}
		},
	})
	if err != nil {
		_ = audioCtx.Uninit()
		audioCtx.Free()
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	return s, nil
}

// Start begins delivering captured PCM to onAudio.
func (s *DeviceSource) Start(_ context.Context, onAudio func(pcm []byte)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.device == nil {
		return ErrDeviceUnavailable
	}
	if s.device.IsStarted() {
		s.onAudio = onAudio
		return nil
	}

	s.onAudio = onAudio
	if err := s.device.Start(); err != nil {
		s.onAudio = nil
		return fmt.Errorf("failed to start capture device: %w", err)
	}

	log.Debug().Int("sample_rate", s.sampleRate).Msg("Capture device started")
	return nil
}

// Stop halts capture without releasing the device.
func (s *DeviceSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.device == nil {
		return ErrDeviceUnavailable
	}
	if !s.device.IsStarted() {
		return nil
	}

	if err := s.device.Stop(); err != nil {
		return fmt.Errorf("failed to stop capture device: %w", err)
	}

	s.onAudio = nil
	return nil
}

// Close releases the device and the miniaudio context.
func (s *DeviceSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.device != nil {
		s.device.Uninit()
		s.device = nil
	}
	if s.audioContext != nil {
		_ = s.audioContext.Uninit()
		s.audioContext.Free()
		s.audioContext = nil
	}
	s.onAudio = nil
	return nil
}

// SampleRate returns the capture sample rate in Hz.
func (s *DeviceSource) SampleRate() int {
	return s.sampleRate
}
