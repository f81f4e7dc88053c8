//go:build cgo

package playback

import (
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog/log"

	"github.com/lj-mcn/lingjing-voice-engine/internal/audio"
)

type mark struct {
	position int
	callback func()
}

// DeviceSink plays audio through miniaudio. Pending audio sits in a
// bounded ring buffer; completion callbacks ride on byte-position marks
// that fire when the device callback consumes past them.
type DeviceSink struct {
	audioContext *malgo.AllocatedContext
	device       *malgo.Device
	config       malgo.DeviceConfig

	mu      sync.Mutex
	pending *audio.RingBuffer
	marks   []mark
}

// NewDeviceSink opens the default playback device at the engine sample
// rate. bufferSize bounds the pending-audio queue in bytes.
func NewDeviceSink(bufferSize int) (*DeviceSink, error) {
	audioCtx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	s := &DeviceSink{
		audioContext: audioCtx,
		pending:      audio.NewRingBuffer(bufferSize),
	}

	sampleRate := uint32(audio.DefaultSampleRate)
	channels := 1
	format := malgo.FormatS16
	bytesPerFrame := malgo.SampleSizeInBytes(format) * channels

	s.config = malgo.DefaultDeviceConfig(malgo.Playback)
	s.config.SampleRate = sampleRate
	s.config.Playback.Format = format
	s.config.Playback.Channels = uint32(channels)
	s.config.Alsa.NoMMap = 1
	s.config.PeriodSizeInFrames = sampleRate / 10 // ~100ms of audio
	s.config.Periods = 4

	s.device, err = malgo.InitDevice(audioCtx.Context, s.config, malgo.DeviceCallbacks{
		Data: s.drain(bytesPerFrame),
	})
	if err != nil {
		_ = audioCtx.Uninit()
		audioCtx.Free()
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	return s, nil
}

// Start makes the device drain the buffer.
func (s *DeviceSink) Start() error {
	if s.device == nil {
		return ErrDeviceUnavailable
	}
	if s.device.IsStarted() {
		return nil
	}
	if err := s.device.Start(); err != nil {
		return fmt.Errorf("failed to start playback device: %w", err)
	}
	log.Debug().Msg("Playback device started")
	return nil
}

// Enqueue appends PCM and registers a completion mark at its end.
// Returns ErrBufferFull when the chunk does not fit behind the audio
// already pending.
func (s *DeviceSink) Enqueue(pcm []byte, onDone func()) error {
	if s.device == nil {
		return ErrDeviceUnavailable
	}
	if !s.device.IsStarted() {
		return ErrNotStarted
	}
	return s.push(pcm, onDone)
}

func (s *DeviceSink) push(pcm []byte, onDone func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending.Space() < len(pcm) {
		return ErrBufferFull
	}
	s.pending.Write(pcm)
	if onDone != nil {
		s.marks = append(s.marks, mark{position: s.pending.Available(), callback: onDone})
	}
	return nil
}

// Stop discards buffered audio and pending marks without waiting.
func (s *DeviceSink) Stop() error {
	s.mu.Lock()
	s.pending.Clear()
	s.marks = nil
	s.mu.Unlock()
	return nil
}

// Close releases the device and the miniaudio context.
func (s *DeviceSink) Close() error {
	_ = s.Stop()
	if s.device != nil {
		s.device.Uninit()
		s.device = nil
	}
	if s.audioContext != nil {
		_ = s.audioContext.Uninit()
		s.audioContext.Free()
		s.audioContext = nil
	}
	return nil
}

// drain is the device data callback. It copies pending audio to the
// output and fires any marks the consumed range passed over.
func (s *DeviceSink) drain(bytesPerFrame int) malgo.DataProc {
	return func(pOutput, _ []byte, frameCount uint32) {
		need := int(frameCount) * bytesPerFrame
		if need > len(pOutput) {
			need = len(pOutput)
		}

		s.mu.Lock()
		consumed := s.pending.Read(pOutput[:need])

		var fired []func()
		kept := s.marks[:0]
		for _, m := range s.marks {
			if m.position <= consumed {
				fired = append(fired, m.callback)
			} else {
				m.position -= consumed
				kept = append(kept, m)
			}
		}
		s.marks = kept
		s.mu.Unlock()

		if len(fired) > 0 {
			go func() {
				for _, cb := range fired {
					cb()
				}
			}()
		}
	}
}
