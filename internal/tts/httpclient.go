package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lj-mcn/lingjing-voice-engine/internal/audio"
	"github.com/lj-mcn/lingjing-voice-engine/internal/config"
	"github.com/lj-mcn/lingjing-voice-engine/internal/resilience"
)

// HTTPProvider synthesizes speech against a REST endpoint that returns
// raw audio bytes. The response is sniffed before it is trusted: some
// endpoints return JSON error bodies with a 200 status.
type HTTPProvider struct {
	config *config.Config
	client *http.Client
}

// NewHTTPProvider creates a REST synthesis provider.
func NewHTTPProvider(cfg *config.Config) *HTTPProvider {
	return &HTTPProvider{
		config: cfg,
		client: &http.Client{
			Timeout: cfg.RequestTimeoutDuration(),
		},
	}
}

func (p *HTTPProvider) Name() string { return "http" }

func (p *HTTPProvider) Available() bool { return p.config.TTSEndpoint != "" }

type synthesisRequest struct {
	Input          string `json:"input"`
	Voice          string `json:"voice"`
	ResponseFormat string `json:"response_format"`
}

// Synthesize requests audio for the text and validates the container.
func (p *HTTPProvider) Synthesize(ctx context.Context, text string) ([]byte, audio.Container, error) {
	var data []byte

	retryCfg := &resilience.RetryConfig{
		MaxAttempts:       p.config.RetryMaxAttempts,
		InitialBackoff:    time.Duration(p.config.RetryInitialBackoff) * time.Millisecond,
		MaxBackoff:        time.Duration(p.config.RetryMaxBackoff) * time.Millisecond,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}

	err := resilience.Retry(func() error {
		d, err := p.synthesizeOnce(ctx, text)
		if err != nil {
			return err
		}
		data = d
		return nil
	}, retryCfg, func(err error) bool {
		return resilience.IsRetryableNetworkError(err)
	})
	if err != nil {
		return nil, audio.ContainerUnknown, err
	}

	container := audio.SniffContainer(data)
	if container == audio.ContainerUnknown {
		return nil, audio.ContainerUnknown, fmt.Errorf("%w: unrecognized container", ErrBadAudio)
	}

	expected := audio.ContainerWAV
	if p.config.TTSFormat == "mp3" {
		expected = audio.ContainerMP3
	}
	if container != expected {
		return nil, container, fmt.Errorf("%w: requested %s, got %s", ErrBadAudio, p.config.TTSFormat, container)
	}

	return data, container, nil
}

func (p *HTTPProvider) synthesizeOnce(ctx context.Context, text string) ([]byte, error) {
	payload, err := json.Marshal(&synthesisRequest{
		Input:          text,
		Voice:          p.config.TTSVoiceID,
		ResponseFormat: p.config.TTSFormat,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode synthesis request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.TTSEndpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create synthesis request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.config.TTSAPIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.config.TTSAPIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("synthesis request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("synthesis endpoint returned %d: %s", resp.StatusCode, string(data))
	}

	return io.ReadAll(resp.Body)
}
