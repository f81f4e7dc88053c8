package stt

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog/log"

	"github.com/lj-mcn/lingjing-voice-engine/internal/audio"
	"github.com/lj-mcn/lingjing-voice-engine/internal/config"
	"github.com/lj-mcn/lingjing-voice-engine/internal/resilience"
)

// messageCallbackHandler implements the LiveMessageCallback interface.
// It embeds the default handler and overrides only what we customize.
type messageCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler
	handler      func(*msginterfaces.MessageResponse)
	errorHandler func(*msginterfaces.ErrorResponse) error
}

func (m *messageCallbackHandler) Message(message *msginterfaces.MessageResponse) error {
	m.handler(message)
	return nil
}

func (m *messageCallbackHandler) Error(errorResponse *msginterfaces.ErrorResponse) error {
	if m.errorHandler != nil {
		return m.errorHandler(errorResponse)
	}
	return m.DefaultCallbackHandler.Error(errorResponse)
}

// DeepgramStream is a live streaming transcription session against
// Deepgram's websocket API.
type DeepgramStream struct {
	config         *config.Config
	client         *listenClient.WSCallback
	results        chan *StreamResult
	mu             sync.RWMutex
	isActive       bool
	ctx            context.Context
	cancel         context.CancelFunc
	circuitBreaker *resilience.CircuitBreaker
}

// NewDeepgramStream creates a streaming client. Start opens the session.
func NewDeepgramStream(cfg *config.Config) *DeepgramStream {
	ctx, cancel := context.WithCancel(context.Background())

	circuitBreaker := resilience.NewCircuitBreaker(
		"deepgram",
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
	)

	return &DeepgramStream{
		config:         cfg,
		results:        make(chan *StreamResult, 100),
		ctx:            ctx,
		cancel:         cancel,
		circuitBreaker: circuitBreaker,
	}
}

// Start opens the streaming session.
func (d *DeepgramStream) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.isActive {
		return fmt.Errorf("deepgram stream is already active")
	}

	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          d.config.DeepgramModel,
		Language:       d.config.DeepgramLanguage,
		Punctuate:      true,
		InterimResults: true,
		UtteranceEndMs: "1000",
		VadEvents:      true,
		Encoding:       "linear16",
		Channels:       1,
		SampleRate:     audio.DefaultSampleRate,
	}

	callback := &messageCallbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		handler:                d.handleMessage,
		errorHandler: func(errorResponse *msginterfaces.ErrorResponse) error {
			log.Error().Interface("response", errorResponse).Msg("Deepgram error")

			d.circuitBreaker.RecordResult(false)

			select {
			case <-d.ctx.Done():
				return nil
			default:
				d.mu.Lock()
				d.isActive = false
				d.mu.Unlock()
				go d.attemptReconnect()
			}
			return nil
		},
	}

	client, err := listenClient.NewWSUsingCallback(
		d.ctx,
		d.config.DeepgramAPIKey,
		nil,
		tOptions,
		callback,
	)
	if err != nil {
		return fmt.Errorf("failed to create Deepgram client: %w", err)
	}

	d.client = client
	d.isActive = true
	d.circuitBreaker.RecordResult(true)

	log.Info().
		Str("model", d.config.DeepgramModel).
		Str("language", d.config.DeepgramLanguage).
		Msg("Deepgram streaming session started")
	return nil
}

func (d *DeepgramStream) handleMessage(msg *msginterfaces.MessageResponse) {
	if msg == nil {
		return
	}

	switch msg.Type {
	case "Metadata":
		log.Debug().Interface("metadata", msg.Metadata).Msg("Deepgram metadata")

	case "SpeechStarted":
		log.Debug().Msg("Deepgram speech started")

	case "UtteranceEnd":
		log.Debug().Msg("Deepgram utterance ended")

	case "Results", "Message":
		if len(msg.Channel.Alternatives) == 0 {
			return
		}

		alt := msg.Channel.Alternatives[0]
		if alt.Transcript == "" {
			return
		}

		startTime := msg.Start
		duration := msg.Duration
		if len(alt.Words) > 0 && duration == 0 {
			startTime = alt.Words[0].Start
			lastWord := alt.Words[len(alt.Words)-1]
			duration = lastWord.End - startTime
		}

		result := &StreamResult{
			Text:       alt.Transcript,
			IsFinal:    msg.IsFinal,
			Confidence: alt.Confidence,
			StartTime:  startTime,
			Duration:   duration,
		}

		select {
		case d.results <- result:
		default:
			log.Warn().Msg("Deepgram result channel full, dropping transcription")
		}

	default:
		log.Debug().Str("type", msg.Type).Msg("Deepgram unknown message type")
	}
}

// SendAudio forwards a PCM chunk to the stream.
func (d *DeepgramStream) SendAudio(pcm []byte) error {
	err := d.circuitBreaker.Call(func() error {
		d.mu.RLock()
		active := d.isActive
		client := d.client
		d.mu.RUnlock()

		if !active || client == nil {
			return fmt.Errorf("deepgram stream is not active")
		}

		if _, err := client.Write(pcm); err != nil {
			go d.attemptReconnect()
			return fmt.Errorf("failed to send audio to Deepgram: %w", err)
		}
		return nil
	})
	return err
}

func (d *DeepgramStream) attemptReconnect() {
	select {
	case <-d.ctx.Done():
		return
	default:
	}

	d.mu.RLock()
	alreadyActive := d.isActive
	d.mu.RUnlock()
	if alreadyActive {
		return
	}

	reconnectConfig := &resilience.ReconnectConfig{
		MaxAttempts: d.config.ReconnectMaxAttempts,
		Backoff:     d.config.ReconnectDelayDuration(),
		Multiplier:  2.0,
		MaxBackoff:  30 * time.Second,
	}

	err := resilience.Reconnect(d.ctx, func() error {
		return d.Start()
	}, reconnectConfig)

	if err != nil {
		log.Error().Err(err).Msg("Failed to reconnect Deepgram stream")
	} else {
		log.Info().Msg("Reconnected Deepgram stream")
	}
}

// Results returns the channel of incremental transcription events.
func (d *DeepgramStream) Results() <-chan *StreamResult {
	return d.results
}

// Stop finishes the session. Pending results still drain from Results.
func (d *DeepgramStream) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.isActive {
		return nil
	}

	d.client.Finish()
	d.isActive = false
	return nil
}

// Close stops the session and releases the result channel.
func (d *DeepgramStream) Close() error {
	d.cancel()

	if err := d.Stop(); err != nil {
		return err
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		close(d.results)
	}()

	return nil
}

// IsActive reports whether the stream is currently connected.
func (d *DeepgramStream) IsActive() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.isActive
}

// DeepgramProvider adapts the streaming session to segment transcription:
// one short-lived session per segment, joined finals as the result.
type DeepgramProvider struct {
	config   *config.Config
	priority int
}

// NewDeepgramProvider creates a segment provider backed by Deepgram.
func NewDeepgramProvider(cfg *config.Config, priority int) *DeepgramProvider {
	return &DeepgramProvider{config: cfg, priority: priority}
}

func (p *DeepgramProvider) Name() string { return "deepgram" }

func (p *DeepgramProvider) Priority() int { return p.priority }

func (p *DeepgramProvider) Available() bool { return p.config.DeepgramAPIKey != "" }

// Transcribe runs the segment through a one-shot streaming session.
func (p *DeepgramProvider) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (*Result, error) {
	started := time.Now()

	if sampleRate != audio.DefaultSampleRate {
		resampled, err := audio.ResamplePCM(pcm, sampleRate, audio.DefaultSampleRate)
		if err != nil {
			return nil, err
		}
		pcm = resampled
	}

	stream := NewDeepgramStream(p.config)
	if err := stream.Start(); err != nil {
		return nil, err
	}
	defer stream.Close()

	if err := stream.SendAudio(pcm); err != nil {
		return nil, err
	}
	_ = stream.Stop()

	var parts []string
	var confidence float64

	// finals arrive shortly after Finish; stop on a quiet gap
	idle := time.NewTimer(2 * time.Second)
	defer idle.Stop()

collect:
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-idle.C:
			break collect
		case r, ok := <-stream.Results():
			if !ok {
				break collect
			}
			if r.IsFinal {
				parts = append(parts, r.Text)
				if r.Confidence > confidence {
					confidence = r.Confidence
				}
			}
			idle.Reset(500 * time.Millisecond)
		}
	}

	text := strings.TrimSpace(strings.Join(parts, " "))
	if text == "" {
		return nil, ErrNoSpeech
	}

	return &Result{
		Text:       text,
		Confidence: confidence,
		Provider:   p.Name(),
		Latency:    time.Since(started),
	}, nil
}
