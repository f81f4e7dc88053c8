package session

import (
	"context"
	"time"
)

// continuousLoop records back-to-back utterances. Each utterance ends
// when speech has been heard and then goes quiet for the silence
// timeout, or when the per-utterance cap expires. A cap that passes
// with nothing said at all times the conversation out.
func (o *Orchestrator) continuousLoop(ctx context.Context) {
	defer o.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if !o.Conversing() {
			return
		}

		o.setState(StateListening)
		if err := o.StartRecording(); err != nil {
			o.logger.Warn().Err(err).Msg("Continuous recording could not start")
			if !o.sleepLoop(ctx, o.config.RestartDelayDuration()) {
				return
			}
			continue
		}

		outcome := o.waitForUtterance(ctx, o.config.MaxWaitDuration())
		switch outcome {
		case utteranceSpeech:
			o.processRecording(ctx)
		case utteranceSilent:
			o.recorder.End()
			o.discardTranscriber()
			o.endConversation(ReasonTimeout)
			return
		case utteranceStopped:
			o.recorder.End()
			o.discardTranscriber()
			return
		}

		if !o.sleepLoop(ctx, o.config.RestartDelayDuration()) {
			return
		}
	}
}

// smartLoop is continuous conversation with exit commands and an
// inactivity cutoff: with no voice activity for the idle limit the
// conversation ends on its own.
func (o *Orchestrator) smartLoop(ctx context.Context) {
	defer o.wg.Done()

	lastActivity := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if !o.Conversing() {
			return
		}

		o.setState(StateListening)
		if err := o.StartRecording(); err != nil {
			o.logger.Warn().Err(err).Msg("Smart recording could not start")
			if !o.sleepLoop(ctx, o.config.RestartDelayDuration()) {
				return
			}
			continue
		}

		idleBudget := o.config.MaxIdleDuration() - time.Since(lastActivity)
		if idleBudget <= 0 {
			o.recorder.End()
			o.discardTranscriber()
			o.endConversation(ReasonNoActivity)
			return
		}

		outcome := o.waitForUtterance(ctx, idleBudget)
		switch outcome {
		case utteranceSpeech:
			lastActivity = time.Now()
			o.processRecording(ctx)
			if !o.Conversing() {
				// exit command or stop inside the turn
				return
			}
			lastActivity = time.Now()
		case utteranceSilent:
			o.recorder.End()
			o.discardTranscriber()
			o.endConversation(ReasonNoActivity)
			return
		case utteranceStopped:
			o.recorder.End()
			o.discardTranscriber()
			return
		}

		if !o.sleepLoop(ctx, o.config.RestartDelayDuration()) {
			return
		}
	}
}

type utteranceOutcome int

const (
	utteranceSpeech utteranceOutcome = iota
	utteranceSilent
	utteranceStopped
)

// waitForUtterance polls voice activity while a recording is open. It
// returns utteranceSpeech once speech was heard and then fell silent
// for the silence timeout, utteranceSilent when maxWait passes without
// any speech, and utteranceStopped when the loop is cancelled or the
// conversation is switched off mid-wait.
func (o *Orchestrator) waitForUtterance(ctx context.Context, maxWait time.Duration) utteranceOutcome {
	ticker := time.NewTicker(o.config.MonitorIntervalDuration())
	defer ticker.Stop()

	deadline := time.Now().Add(maxWait)
	speechDetected := false

	for {
		select {
		case <-ctx.Done():
			return utteranceStopped
		case <-ticker.C:
		}

		if !o.Conversing() {
			return utteranceStopped
		}

		o.mu.RLock()
		active := o.vadActive
		lastSpeech := o.lastSpeech
		o.mu.RUnlock()

		if active {
			speechDetected = true
		}

		if speechDetected && !active && time.Since(lastSpeech) > o.config.SilenceTimeoutDuration() {
			return utteranceSpeech
		}

		if time.Now().After(deadline) {
			if speechDetected {
				return utteranceSpeech
			}
			return utteranceSilent
		}
	}
}

// Conversing reports whether a continuous or smart loop owns the turn
// cycle.
func (o *Orchestrator) Conversing() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.conversing
}

func (o *Orchestrator) discardTranscriber() {
	o.mu.Lock()
	transcriber := o.transcriber
	o.transcriber = nil
	o.mu.Unlock()
	if transcriber != nil {
		transcriber.Stop(context.Background())
	}
	o.setState(StateIdle)
}

// sleepLoop waits between loop iterations, returning false when the
// context ends first.
func (o *Orchestrator) sleepLoop(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
