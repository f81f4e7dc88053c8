package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/lj-mcn/lingjing-voice-engine/internal/audio"
	"github.com/lj-mcn/lingjing-voice-engine/internal/config"
	"github.com/lj-mcn/lingjing-voice-engine/internal/resilience"
)

// HTTPProvider transcribes segments against a SenseVoice-style REST
// endpoint: multipart WAV upload, JSON text response.
type HTTPProvider struct {
	config   *config.Config
	client   *http.Client
	priority int
}

// NewHTTPProvider creates a REST transcription provider.
func NewHTTPProvider(cfg *config.Config, priority int) *HTTPProvider {
	return &HTTPProvider{
		config: cfg,
		client: &http.Client{
			Timeout: cfg.RequestTimeoutDuration(),
		},
		priority: priority,
	}
}

func (p *HTTPProvider) Name() string { return "http" }

func (p *HTTPProvider) Priority() int { return p.priority }

func (p *HTTPProvider) Available() bool { return p.config.STTEndpoint != "" }

type httpTranscriptionResponse struct {
	Text string `json:"text"`
}

// Transcribe uploads the segment as WAV and returns the recognized text.
func (p *HTTPProvider) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (*Result, error) {
	started := time.Now()

	samples, err := audio.PCMToSamples(pcm)
	if err != nil {
		return nil, fmt.Errorf("invalid pcm segment: %w", err)
	}
	wav := audio.EncodeWAV(samples, sampleRate)

	var result *Result
	retryCfg := &resilience.RetryConfig{
		MaxAttempts:       p.config.RetryMaxAttempts,
		InitialBackoff:    time.Duration(p.config.RetryInitialBackoff) * time.Millisecond,
		MaxBackoff:        time.Duration(p.config.RetryMaxBackoff) * time.Millisecond,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}

	err = resilience.Retry(func() error {
		r, err := p.transcribeOnce(ctx, wav)
		if err != nil {
			return err
		}
		result = r
		return nil
	}, retryCfg, func(err error) bool {
		return resilience.IsRetryableNetworkError(err)
	})
	if err != nil {
		return nil, err
	}

	if result.Text == "" {
		return nil, ErrNoSpeech
	}

	result.Provider = p.Name()
	result.Latency = time.Since(started)
	return result, nil
}

func (p *HTTPProvider) transcribeOnce(ctx context.Context, wav []byte) (*Result, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", "segment.wav")
	if err != nil {
		return nil, fmt.Errorf("failed to build multipart body: %w", err)
	}
	if _, err := part.Write(wav); err != nil {
		return nil, fmt.Errorf("failed to write audio part: %w", err)
	}
	if err := writer.WriteField("model", p.config.STTModel); err != nil {
		return nil, fmt.Errorf("failed to write model field: %w", err)
	}
	if err := writer.WriteField("language", p.config.STTLanguage); err != nil {
		return nil, fmt.Errorf("failed to write language field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.STTEndpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create transcription request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if p.config.STTAPIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.config.STTAPIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transcription request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("transcription endpoint returned %d: %s", resp.StatusCode, string(data))
	}

	var parsed httpTranscriptionResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode transcription response: %w", err)
	}

	return &Result{Text: strings.TrimSpace(parsed.Text)}, nil
}
