package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type monitorHarness struct {
	speaking atomic.Bool
	speech   atomic.Bool

	mu    sync.Mutex
	fires []string
}

func (h *monitorHarness) onInterrupt(trigger string, _ time.Time) {
	h.mu.Lock()
	h.fires = append(h.fires, trigger)
	h.mu.Unlock()
}

func (h *monitorHarness) fireCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.fires)
}

func newMonitorHarness() (*monitorHarness, *InterruptionMonitor) {
	h := &monitorHarness{}
	m := NewInterruptionMonitor(
		2*time.Millisecond,
		h.speaking.Load,
		h.speech.Load,
		h.onInterrupt,
	)
	return h, m
}

func TestMonitor_FiresOnVoiceDuringPlayback(t *testing.T) {
	h, m := newMonitorHarness()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	h.speaking.Store(true)
	h.speech.Store(true)

	deadline := time.Now().Add(200 * time.Millisecond)
	for h.fireCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}

	if h.fireCount() != 1 {
		t.Fatalf("Expected exactly one interruption, got %d", h.fireCount())
	}
	h.mu.Lock()
	trigger := h.fires[0]
	h.mu.Unlock()
	if trigger != TriggerVoice {
		t.Errorf("Expected voice trigger, got %q", trigger)
	}
}

func TestMonitor_SilentWhenNotSpeaking(t *testing.T) {
	h, m := newMonitorHarness()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	h.speech.Store(true)

	time.Sleep(50 * time.Millisecond)
	if h.fireCount() != 0 {
		t.Errorf("Interrupted without active playback, fires=%d", h.fireCount())
	}
}

func TestMonitor_RearmsOnNextPlaybackPhase(t *testing.T) {
	h, m := newMonitorHarness()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	h.speaking.Store(true)
	h.speech.Store(true)
	waitFires(t, h, 1)

	// playback stops, speech stops; monitor should re-arm
	h.speaking.Store(false)
	h.speech.Store(false)
	time.Sleep(20 * time.Millisecond)

	h.speaking.Store(true)
	h.speech.Store(true)
	waitFires(t, h, 2)
}

func TestMonitor_ManualTrigger(t *testing.T) {
	h, m := newMonitorHarness()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	if m.Trigger() {
		t.Error("Manual trigger succeeded without active playback")
	}

	h.speaking.Store(true)
	time.Sleep(10 * time.Millisecond)
	if !m.Trigger() {
		t.Fatal("Manual trigger failed during playback")
	}

	waitFires(t, h, 1)
	h.mu.Lock()
	trigger := h.fires[0]
	h.mu.Unlock()
	if trigger != TriggerManual {
		t.Errorf("Expected manual trigger, got %q", trigger)
	}
}

func waitFires(t *testing.T, h *monitorHarness, want int) {
	t.Helper()
	deadline := time.Now().Add(300 * time.Millisecond)
	for h.fireCount() < want && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if h.fireCount() != want {
		t.Fatalf("Expected %d interruptions, got %d", want, h.fireCount())
	}
}
