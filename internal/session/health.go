package session

import (
	"context"
	"time"

	"github.com/lj-mcn/lingjing-voice-engine/internal/capture"
	"github.com/lj-mcn/lingjing-voice-engine/internal/observability"
)

// healthLoop sweeps for stuck or inconsistent state and repairs it in
// place so one bad transition cannot strand the session.
func (o *Orchestrator) healthLoop(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.checkHealth(ctx)
		}
	}
}

func (o *Orchestrator) checkHealth(ctx context.Context) {
	state := o.State()

	// speaking state with nothing queued or playing
	if state == StateSpeaking && !o.synth.Speaking() {
		o.logger.Warn().Msg("Repairing stale speaking state")
		observability.RecordHealthRepair()
		o.finishFromRepair()
	}

	// recording state without an open recording
	if state == StateRecording && !o.recorder.Active() {
		o.logger.Warn().Msg("Repairing stale recording state")
		observability.RecordHealthRepair()
		o.discardTranscriber()
		o.finishFromRepair()
	}

	// response channel dropped and its own reconnect gave up
	if !o.channel.Connected() {
		o.logger.Warn().Msg("Response channel disconnected, reconnecting")
		observability.RecordHealthRepair()
		if err := o.channel.Connect(ctx); err != nil {
			o.logger.Error().Err(err).Msg("Channel reconnect failed")
		}
	}

	// capture callback has gone quiet; the device likely stalled
	o.mu.RLock()
	stalled := time.Since(o.lastAudio) > 3*healthCheckInterval
	o.mu.RUnlock()
	if stalled {
		o.repairCapture(ctx)
	}
}

// repairCapture restarts the capture source, degrading to a simulated
// source when the device will not come back.
func (o *Orchestrator) repairCapture(ctx context.Context) {
	o.logger.Warn().Msg("Capture stalled, reinitializing source")
	observability.RecordHealthRepair()

	o.mu.Lock()
	source := o.source
	o.lastAudio = time.Now()
	o.mu.Unlock()

	_ = source.Stop()
	if err := source.Start(ctx, o.handleAudio); err == nil {
		return
	}

	sim := capture.NewSimulatedSource()
	if err := sim.Start(ctx, o.handleAudio); err != nil {
		o.logger.Error().Err(err).Msg("Capture repair failed")
		o.metrics.RecordError("capture_unavailable", "session")
		return
	}
	_ = source.Close()

	o.mu.Lock()
	o.source = sim
	o.mu.Unlock()
}

func (o *Orchestrator) finishFromRepair() {
	if o.Mode() == ModeSmart || o.Mode() == ModeContinuous {
		o.setState(StateListening)
	} else {
		o.setState(StateIdle)
	}
}
