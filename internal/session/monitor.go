package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// InterruptTrigger identifies what fired a barge-in.
const (
	TriggerVoice  = "voice"
	TriggerManual = "manual"
)

// InterruptHandler reacts to a barge-in. detectedAt is the poll instant
// the speech was observed, for latency accounting downstream.
type InterruptHandler func(trigger string, detectedAt time.Time)

// InterruptionMonitor watches for the user talking over the assistant.
// It is armed exactly while the session is speaking, polls on a short
// interval with zero debounce, fires at most once per speaking phase,
// and re-arms when speaking stops and starts again.
type InterruptionMonitor struct {
	interval time.Duration

	speaking     func() bool // arming condition
	speechActive func() bool // user speech observed right now
	onInterrupt  InterruptHandler

	mu      sync.Mutex
	running bool
	fired   bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewInterruptionMonitor wires the monitor to its probes and handler.
func NewInterruptionMonitor(interval time.Duration, speaking, speechActive func() bool, handler InterruptHandler) *InterruptionMonitor {
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	return &InterruptionMonitor{
		interval:     interval,
		speaking:     speaking,
		speechActive: speechActive,
		onInterrupt:  handler,
	}
}

// Start launches the poll loop.
func (m *InterruptionMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true

	m.wg.Add(1)
	go m.loop(runCtx)
}

func (m *InterruptionMonitor) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !m.speaking() {
			// speaking phase over, re-arm for the next one
			m.mu.Lock()
			m.fired = false
			m.mu.Unlock()
			continue
		}

		if !m.speechActive() {
			continue
		}

		m.fire(TriggerVoice, time.Now())
	}
}

// Trigger fires a manual barge-in. No-op unless the session is speaking.
func (m *InterruptionMonitor) Trigger() bool {
	if !m.speaking() {
		return false
	}
	return m.fire(TriggerManual, time.Now())
}

// fire invokes the handler once per speaking phase.
func (m *InterruptionMonitor) fire(trigger string, detectedAt time.Time) bool {
	m.mu.Lock()
	if m.fired {
		m.mu.Unlock()
		return false
	}
	m.fired = true
	m.mu.Unlock()

	log.Debug().Str("trigger", trigger).Msg("Interruption detected")
	m.onInterrupt(trigger, detectedAt)
	return true
}

// Stop halts the poll loop.
func (m *InterruptionMonitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
}
