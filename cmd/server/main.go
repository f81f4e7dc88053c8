package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lj-mcn/lingjing-voice-engine/internal/capture"
	"github.com/lj-mcn/lingjing-voice-engine/internal/config"
	"github.com/lj-mcn/lingjing-voice-engine/internal/control"
	"github.com/lj-mcn/lingjing-voice-engine/internal/llm"
	"github.com/lj-mcn/lingjing-voice-engine/internal/observability"
	"github.com/lj-mcn/lingjing-voice-engine/internal/playback"
	"github.com/lj-mcn/lingjing-voice-engine/internal/session"
	"github.com/lj-mcn/lingjing-voice-engine/internal/stt"
	"github.com/lj-mcn/lingjing-voice-engine/internal/tts"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// logger is not initialized yet
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("llm_primary", cfg.LLMPrimaryURL).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Voice engine starting")

	mux := http.NewServeMux()

	mux.HandleFunc("/session", control.HandleControlWS(cfg, sessionFactory(cfg)))
	mux.HandleFunc("/health", observability.HealthCheckHandler())
	mux.HandleFunc("/ready", observability.ReadinessHandler(readinessChecks(cfg)))

	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s/session", cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exited gracefully")
}

// sessionFactory builds the per-connection session from real devices,
// falling back to simulated audio when none are present.
func sessionFactory(cfg *config.Config) control.SessionFactory {
	logger := observability.GetLogger()

	return func() (*session.Orchestrator, control.AudioInjector, error) {
		var injector control.AudioInjector

		var source capture.Source
		if dev, err := capture.NewDeviceSource(); err == nil {
			source = dev
		} else {
			logger.Warn().Err(err).Msg("No capture device, using simulated source")
			sim := capture.NewSimulatedSource()
			source = sim
			injector = sim
		}

		var sink playback.Sink
		if dev, err := playback.NewDeviceSink(cfg.AudioBufferSize); err == nil {
			sink = dev
		} else {
			logger.Warn().Err(err).Msg("No playback device, using simulated sink")
			sink = playback.NewSimulatedSink()
		}

		providers := sttProviders(cfg)
		if len(providers) == 0 {
			return nil, nil, fmt.Errorf("no transcription provider configured")
		}

		synth := tts.NewSynthesizer(cfg, tts.NewHTTPProvider(cfg), sink, nil)
		channel := llm.NewChannel(cfg, nil)

		orch := session.New(cfg, session.Deps{
			Source:       source,
			Synthesizer:  synth,
			Channel:      channel,
			STTProviders: providers,
		})
		return orch, injector, nil
	}
}

// sttProviders ranks Deepgram streaming first when configured, with the
// HTTP provider behind it.
func sttProviders(cfg *config.Config) []stt.Provider {
	var providers []stt.Provider
	if cfg.DeepgramAPIKey != "" {
		providers = append(providers, stt.NewDeepgramProvider(cfg, 1))
	}
	if cfg.STTEndpoint != "" {
		providers = append(providers, stt.NewHTTPProvider(cfg, 2))
	}
	return providers
}

func readinessChecks(cfg *config.Config) map[string]observability.HealthCheckFunc {
	return map[string]observability.HealthCheckFunc{
		"stt": func(ctx context.Context) (bool, error) {
			if len(sttProviders(cfg)) == 0 {
				return false, fmt.Errorf("no transcription provider configured")
			}
			return true, nil
		},
		"tts": func(ctx context.Context) (bool, error) {
			if !tts.NewHTTPProvider(cfg).Available() {
				return false, fmt.Errorf("synthesis endpoint not configured")
			}
			return true, nil
		},
		"llm": func(ctx context.Context) (bool, error) {
			if cfg.LLMPrimaryURL == "" {
				return false, fmt.Errorf("response endpoint not configured")
			}
			return true, nil
		},
	}
}
