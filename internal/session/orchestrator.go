package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lj-mcn/lingjing-voice-engine/internal/audio"
	"github.com/lj-mcn/lingjing-voice-engine/internal/capture"
	"github.com/lj-mcn/lingjing-voice-engine/internal/config"
	"github.com/lj-mcn/lingjing-voice-engine/internal/llm"
	"github.com/lj-mcn/lingjing-voice-engine/internal/observability"
	"github.com/lj-mcn/lingjing-voice-engine/internal/stt"
	"github.com/lj-mcn/lingjing-voice-engine/internal/tts"
)

// retryPrompt is spoken when a recording yields no recognizable speech.
const retryPrompt = "抱歉，我没有听清，请再说一遍。"

// healthCheckInterval paces the state-consistency sweep.
const healthCheckInterval = 5 * time.Second

// segmentSilenceRMS is the energy floor below which a finished recording
// skips the transcription round trip. It sits well under the VAD speech
// threshold so quiet speech still reaches the providers.
const segmentSilenceRMS = 50.0

// ErrBadState rejects an operation invalid in the current state.
var ErrBadState = errors.New("operation not valid in current state")

// Deps are the orchestrator's collaborators, injected so sessions can
// run against real devices or simulated ones.
type Deps struct {
	Source       capture.Source
	Synthesizer  *tts.Synthesizer
	Channel      *llm.Channel
	STTProviders []stt.Provider
}

// MessageHandler observes conversation text: role is "user" or
// "assistant".
type MessageHandler func(role, text string)

// Orchestrator conducts one voice session: capture feeds VAD and the
// recorder, utterances go through transcription to the response channel,
// and replies stream through the synthesizer while the interruption
// monitor watches for barge-in.
type Orchestrator struct {
	config  *config.Config
	id      string
	logger  zerolog.Logger
	metrics *observability.Metrics

	source   capture.Source
	recorder *capture.Recorder
	vad      *audio.Classifier
	channel  *llm.Channel
	synth    *tts.Synthesizer
	stt      []stt.Provider
	monitor  *InterruptionMonitor
	timers   *TimerSet
	history  *History

	onStatus  StatusHandler
	onMessage MessageHandler

	mu          sync.RWMutex
	state       State
	mode        Mode
	conversing  bool
	vadActive   bool
	lastSpeech  time.Time
	lastAudio   time.Time
	lastErr     string
	transcriber *stt.StreamingTranscriber
	loopCancel  context.CancelFunc
	pcmLeftover []byte
	turnStarted time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// vadConfig applies the session settings on top of the VAD defaults.
func vadConfig(cfg *config.Config) *audio.VADConfig {
	vc := audio.DefaultVADConfig()
	vc.Mode = cfg.VADMode
	vc.SpeechRatio = cfg.VADSpeechRatio
	return vc
}

// New creates an orchestrator in push-to-talk mode.
func New(cfg *config.Config, deps Deps) *Orchestrator {
	id := uuid.New().String()

	o := &Orchestrator{
		config:   cfg,
		id:       id,
		logger:   observability.WithSession(id),
		metrics:  observability.NewSessionMetrics(id),
		source:   deps.Source,
		recorder: capture.NewRecorder(),
		vad:      audio.NewClassifier(vadConfig(cfg)),
		channel:  deps.Channel,
		synth:    deps.Synthesizer,
		stt:      deps.STTProviders,
		timers:   NewTimerSet(),
		history:  NewHistory(cfg.HistoryMaxTurns),
		state:    StateIdle,
		mode:     ModePushToTalk,
	}

	o.monitor = NewInterruptionMonitor(
		cfg.MonitorIntervalDuration(),
		func() bool { return o.State() == StateSpeaking },
		o.VADActive,
		o.handleInterrupt,
	)

	return o
}

// ID returns the session id.
func (o *Orchestrator) ID() string { return o.id }

// OnStatus registers the status observer. Must be set before Start.
func (o *Orchestrator) OnStatus(handler StatusHandler) { o.onStatus = handler }

// OnMessage registers the conversation text observer. Must be set
// before Start.
func (o *Orchestrator) OnMessage(handler MessageHandler) { o.onMessage = handler }

// Start connects the channel, starts synthesis and capture, and arms
// the interruption monitor and health loop. A capture device failure
// degrades to simulated capture rather than failing the session.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.ctx = runCtx
	o.cancel = cancel
	o.started = true
	o.lastAudio = time.Now()
	o.mu.Unlock()

	o.metrics.RecordSessionStart()

	if err := o.channel.Connect(runCtx); err != nil {
		cancel()
		o.metrics.RecordSessionEnd()
		return fmt.Errorf("failed to connect response channel: %w", err)
	}

	if err := o.synth.Start(runCtx); err != nil {
		cancel()
		o.metrics.RecordSessionEnd()
		return fmt.Errorf("failed to start synthesizer: %w", err)
	}

	if err := o.source.Start(runCtx, o.handleAudio); err != nil {
		o.logger.Warn().Err(err).Msg("Capture start failed, degrading to simulated source")
		o.metrics.RecordError("capture_unavailable", "session")

		sim := capture.NewSimulatedSource()
		if err := sim.Start(runCtx, o.handleAudio); err != nil {
			cancel()
			o.metrics.RecordSessionEnd()
			return fmt.Errorf("failed to start simulated capture: %w", err)
		}
		o.mu.Lock()
		o.source = sim
		o.mu.Unlock()
	}

	o.monitor.Start(runCtx)

	o.wg.Add(1)
	go o.healthLoop(runCtx)

	o.logger.Info().Str("mode", o.Mode().String()).Msg("Session started")
	o.notifyStatus()
	return nil
}

// handleAudio is the capture callback. It chops incoming PCM into
// frames for VAD and forwards audio to the recorder and, in streaming
// mode, the transcriber.
func (o *Orchestrator) handleAudio(pcm []byte) {
	o.metrics.RecordAudioBytes("in", int64(len(pcm)))

	o.mu.Lock()
	o.lastAudio = time.Now()
	data := append(o.pcmLeftover, pcm...)
	frameBytes := audio.FrameSize * 2
	n := len(data) / frameBytes * frameBytes
	o.pcmLeftover = data[n:]
	transcriber := o.transcriber
	recording := o.state == StateRecording
	o.mu.Unlock()

	wasActive := o.VADActive()

	for off := 0; off < n; off += frameBytes {
		samples, err := audio.PCMToSamples(data[off : off+frameBytes])
		if err != nil {
			continue
		}
		frame := audio.NewFrame(samples, time.Now())

		o.mu.Lock()
		active := o.vad.ProcessFrame(samples)
		o.vadActive = active
		if active {
			o.lastSpeech = time.Now()
		}
		o.mu.Unlock()

		o.recorder.OnFrame(frame)
	}

	if recording && transcriber != nil && n > 0 {
		transcriber.AddAudio(data[:n])
	}

	if o.VADActive() != wasActive {
		o.notifyStatus()
	}
}

// State returns the current session state.
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// Mode returns the active conversation mode.
func (o *Orchestrator) Mode() Mode {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.mode
}

// VADActive reports the rolling-window speech decision.
func (o *Orchestrator) VADActive() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.vadActive
}

// History exposes the bounded conversation history.
func (o *Orchestrator) History() *History { return o.history }

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	if o.state == s {
		o.mu.Unlock()
		return
	}
	prev := o.state
	o.state = s
	o.mu.Unlock()

	o.logger.Debug().Str("from", prev.String()).Str("to", s.String()).Msg("State transition")
	o.notifyStatus()
}

func (o *Orchestrator) notifyStatus() {
	if o.onStatus == nil {
		return
	}
	o.mu.RLock()
	status := Status{
		State:     o.state,
		Mode:      o.mode,
		ModeName:  o.mode.String(),
		VADActive: o.vadActive,
		Error:     o.lastErr,
	}
	o.mu.RUnlock()
	o.onStatus(status)
}

func (o *Orchestrator) notifyMessage(role, text string) {
	if o.onMessage != nil && text != "" {
		o.onMessage(role, text)
	}
}

func (o *Orchestrator) setError(err error, component string) {
	o.mu.Lock()
	o.lastErr = err.Error()
	o.mu.Unlock()
	o.metrics.RecordError("failure", component)
	o.logger.Error().Err(err).Str("component", component).Msg("Session error")
	o.notifyStatus()
}

// SetMode switches the conversation mode. The previous mode's loop,
// timers, playback, and any open recording are all discarded first.
func (o *Orchestrator) SetMode(m Mode) error {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return errors.New("session not started")
	}
	prev := o.mode
	loopCancel := o.loopCancel
	o.loopCancel = nil
	o.mode = m
	o.conversing = m == ModeContinuous || m == ModeSmart
	o.mu.Unlock()

	if loopCancel != nil {
		loopCancel()
	}
	o.forceReset("mode switch")

	if m == ModeContinuous || m == ModeSmart {
		o.mu.Lock()
		loopCtx, cancel := context.WithCancel(o.ctx)
		o.loopCancel = cancel
		o.mu.Unlock()

		o.wg.Add(1)
		if m == ModeContinuous {
			go o.continuousLoop(loopCtx)
		} else {
			go o.smartLoop(loopCtx)
		}
	}

	o.logger.Info().Str("from", prev.String()).Str("to", m.String()).Msg("Mode changed")
	o.notifyStatus()
	return nil
}

// StartRecording opens an utterance. Valid from idle, listening, or
// interrupted; while speaking it barges in first.
func (o *Orchestrator) StartRecording() error {
	if o.State() == StateSpeaking {
		o.monitor.Trigger()
	}

	switch o.State() {
	case StateIdle, StateListening, StateInterrupted:
	default:
		return fmt.Errorf("%w: cannot record while %s", ErrBadState, o.State())
	}

	o.mu.Lock()
	o.vad.Reset()
	o.vadActive = false
	o.mu.Unlock()
	o.recorder.Begin()

	if o.Mode() == ModeStreaming {
		o.mu.RLock()
		ctx := o.ctx
		o.mu.RUnlock()

		transcriber := stt.NewStreamingTranscriber(o.config, o.stt, o.metrics, func(text string, final bool) {
			if !final {
				o.notifyMessage("user", text)
			}
		})
		if err := transcriber.Start(ctx); err != nil {
			return fmt.Errorf("failed to start streaming transcriber: %w", err)
		}
		o.mu.Lock()
		o.transcriber = transcriber
		o.mu.Unlock()
	}

	o.setState(StateRecording)
	return nil
}

// StopRecording closes the utterance and processes it asynchronously.
func (o *Orchestrator) StopRecording() error {
	if o.State() != StateRecording {
		return fmt.Errorf("%w: not recording", ErrBadState)
	}

	o.mu.RLock()
	ctx := o.ctx
	o.mu.RUnlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.processRecording(ctx)
	}()
	return nil
}

// processRecording transcribes the finished recording and runs the
// turn. Synchronous; the conversation loops call it directly.
func (o *Orchestrator) processRecording(ctx context.Context) {
	o.setState(StateProcessing)

	segment := o.recorder.End()

	o.mu.Lock()
	transcriber := o.transcriber
	o.transcriber = nil
	o.mu.Unlock()

	var userText string
	if transcriber != nil {
		userText = transcriber.Stop(ctx)
	} else if !segment.Empty() {
		if audio.DetectSilence(segment.Samples(), segmentSilenceRMS) {
			o.speakAndFinish(ctx, retryPrompt, "no_speech")
			return
		}
		o.metrics.RecordSTTStart()
		result, err := stt.Transcribe(ctx, o.stt, segment.PCM(), audio.DefaultSampleRate)
		if err != nil {
			provider := "none"
			if result != nil {
				provider = result.Provider
			}
			o.metrics.RecordSTTEnd(provider, false)
			if errors.Is(err, stt.ErrNoSpeech) {
				o.speakAndFinish(ctx, retryPrompt, "no_speech")
				return
			}
			o.setError(fmt.Errorf("transcription failed: %w", err), "stt")
			o.speakAndFinish(ctx, retryPrompt, "stt_failed")
			return
		}
		o.metrics.RecordSTTEnd(result.Provider, true)
		userText = result.Text
	}

	userText = strings.TrimSpace(userText)
	if userText == "" {
		o.speakAndFinish(ctx, retryPrompt, "no_speech")
		return
	}

	o.notifyMessage("user", userText)
	o.processTurn(ctx, userText)
}

// SendText runs a turn from typed text, bypassing capture and STT.
func (o *Orchestrator) SendText(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("empty text")
	}

	switch o.State() {
	case StateIdle, StateListening, StateInterrupted:
	default:
		return fmt.Errorf("%w: busy (%s)", ErrBadState, o.State())
	}

	o.mu.RLock()
	ctx := o.ctx
	o.mu.RUnlock()

	o.notifyMessage("user", text)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.processTurn(ctx, text)
	}()
	return nil
}

// processTurn sends the user text to the response channel and streams
// the reply to the speaker.
func (o *Orchestrator) processTurn(ctx context.Context, userText string) {
	if o.isExitCommand(userText) {
		o.logger.Info().Str("text", userText).Msg("Exit command received")
		o.endConversation(ReasonExitCmd)
		return
	}

	o.mu.Lock()
	o.turnStarted = time.Now()
	o.mu.Unlock()
	o.setState(StateProcessing)

	startedSpeaking := false
	var streamed strings.Builder

	reply, err := o.channel.Generate(ctx, userText, o.history.Wire(), func(chunk string) {
		if !startedSpeaking {
			startedSpeaking = true
			o.setState(StateSpeaking)
		}
		streamed.WriteString(chunk)
		o.synth.FeedText(chunk)
	})
	if err != nil {
		o.setError(fmt.Errorf("response generation failed: %w", err), "llm")
		o.synth.Cancel()
		o.metrics.RecordTurn("failed")
		o.finishTurn()
		return
	}

	if startedSpeaking {
		o.synth.Flush()
		if reply == "" {
			reply = streamed.String()
		}
	} else {
		o.setState(StateSpeaking)
		o.synth.Speak(reply)
	}

	o.notifyMessage("assistant", reply)

	waitCtx, cancelWait := context.WithTimeout(ctx, o.config.RequestTimeoutDuration())
	err = o.synth.WaitIdle(waitCtx)
	cancelWait()

	interrupted := o.State() == StateInterrupted
	o.history.Add(Turn{
		UserText:      userText,
		AssistantText: reply,
		StartedAt:     o.turnStarted,
		CompletedAt:   time.Now(),
		Interrupted:   interrupted,
	})

	switch {
	case interrupted:
		o.metrics.RecordTurn("interrupted")
	case err != nil:
		o.metrics.RecordTurn("playback_timeout")
	default:
		o.metrics.RecordTurn("completed")
	}

	o.finishTurn()
}

// speakAndFinish delivers a canned reply (retry prompts) as its own
// short turn.
func (o *Orchestrator) speakAndFinish(ctx context.Context, reply, outcome string) {
	o.setState(StateSpeaking)
	o.synth.Speak(reply)
	o.notifyMessage("assistant", reply)

	waitCtx, cancelWait := context.WithTimeout(ctx, o.config.RequestTimeoutDuration())
	_ = o.synth.WaitIdle(waitCtx)
	cancelWait()

	o.metrics.RecordTurn(outcome)
	o.finishTurn()
}

// finishTurn returns to the resting state for the current mode.
func (o *Orchestrator) finishTurn() {
	if o.State() == StateInterrupted {
		return
	}
	if o.Mode() == ModeSmart || o.Mode() == ModeContinuous {
		o.setState(StateListening)
	} else {
		o.setState(StateIdle)
	}
}

// Interrupt fires a manual barge-in. Returns false when nothing was
// playing.
func (o *Orchestrator) Interrupt() bool {
	return o.monitor.Trigger()
}

// handleInterrupt is the monitor callback: stop output now, everything
// else later.
func (o *Orchestrator) handleInterrupt(trigger string, detectedAt time.Time) {
	o.synth.Cancel()
	o.setState(StateInterrupted)
	o.timers.CancelAll()

	o.metrics.RecordInterruption(trigger, time.Since(detectedAt))
	o.logger.Info().Str("trigger", trigger).Msg("Playback interrupted")

	// yield the floor back to the user
	o.timers.After(50*time.Millisecond, func() {
		if o.State() != StateInterrupted {
			return
		}
		if o.Mode() == ModeSmart || o.Mode() == ModeContinuous {
			o.setState(StateListening)
		} else {
			o.setState(StateIdle)
		}
	})
}

func (o *Orchestrator) isExitCommand(text string) bool {
	if o.Mode() != ModeSmart {
		return false
	}
	for _, cmd := range o.config.ExitCommandList() {
		if strings.Contains(text, cmd) {
			return true
		}
	}
	return false
}

// endConversation closes the conversation loop with a reason.
func (o *Orchestrator) endConversation(reason string) {
	o.logger.Info().Str("reason", reason).Msg("Conversation ended")

	o.mu.Lock()
	o.conversing = false
	loopCancel := o.loopCancel
	o.loopCancel = nil
	o.mode = ModePushToTalk
	o.mu.Unlock()

	if loopCancel != nil {
		loopCancel()
	}
	o.forceReset(reason)
	o.metrics.RecordTurn(reason)
}

// forceReset drops all transient state and returns to idle.
func (o *Orchestrator) forceReset(cause string) {
	o.logger.Debug().Str("cause", cause).Msg("Force reset")

	o.timers.CancelAll()
	o.synth.Cancel()
	o.recorder.End()

	o.mu.Lock()
	o.vad.Reset()
	o.vadActive = false
	transcriber := o.transcriber
	o.transcriber = nil
	o.lastErr = ""
	o.mu.Unlock()

	if transcriber != nil {
		transcriber.Stop(context.Background())
	}

	o.setState(StateIdle)
}

// Stop ends the session and releases capture and playback.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return nil
	}
	o.started = false
	cancel := o.cancel
	loopCancel := o.loopCancel
	o.loopCancel = nil
	source := o.source
	conversing := o.conversing
	o.conversing = false
	o.mu.Unlock()

	if conversing {
		o.logger.Info().Str("reason", ReasonStopped).Msg("Conversation ended")
		o.metrics.RecordTurn(ReasonStopped)
	}
	if loopCancel != nil {
		loopCancel()
	}
	o.monitor.Stop()
	o.timers.CancelAll()
	_ = o.synth.Stop()
	_ = source.Stop()

	cancel()
	o.wg.Wait()

	o.metrics.RecordSessionEnd()
	o.logger.Info().Msg("Session stopped")
	return nil
}
