package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lj-mcn/lingjing-voice-engine/internal/audio"
	"github.com/lj-mcn/lingjing-voice-engine/internal/capture"
	"github.com/lj-mcn/lingjing-voice-engine/internal/config"
	"github.com/lj-mcn/lingjing-voice-engine/internal/llm"
	"github.com/lj-mcn/lingjing-voice-engine/internal/playback"
	"github.com/lj-mcn/lingjing-voice-engine/internal/stt"
	"github.com/lj-mcn/lingjing-voice-engine/internal/tts"
)

var sessionUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// llmBackend answers every request with a fixed reply.
func llmBackend(t *testing.T, reply string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := sessionUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			var envelope llm.Envelope
			if err := conn.ReadJSON(&envelope); err != nil {
				return
			}
			if envelope.Type != llm.MessageTypeRequest {
				continue
			}
			out := llm.Envelope{
				Type:      llm.MessageTypeResponse,
				RequestID: envelope.RequestID,
				Success:   true,
				Message:   reply,
			}
			if err := conn.WriteJSON(&out); err != nil {
				return
			}
		}
	}))
}

func sessionConfig(llmURL string) *config.Config {
	return &config.Config{
		LLMPrimaryURL:       llmURL,
		LLMMaxTokens:        128,
		RequestTimeout:      2000,
		HandshakeTimeout:    500,
		ReconnectDelay:      50,
		SilenceTimeout:      100,
		MaxConversationIdle: 600,
		MaxWaitTime:         300,
		AutoRestartDelay:    20,
		MonitorInterval:     5,
		HistoryMaxTurns:     10,
		VADMode:             3,
		VADSpeechRatio:      0.5,
		TranscribeInterval:  100,
		TranscribeOverlap:   100,
		SimilarityThreshold: 0.95,
		MinSentenceLength:   2,
		SentenceBoundary:    "。！？.!?\n",
		ExitCommands:        "再见,拜拜",
	}
}

// fakeSTTProvider returns a fixed transcription for any segment.
type fakeSTTProvider struct {
	text string
	mu   sync.Mutex
	n    int
}

func (f *fakeSTTProvider) Name() string    { return "fake" }
func (f *fakeSTTProvider) Priority() int   { return 1 }
func (f *fakeSTTProvider) Available() bool { return true }

func (f *fakeSTTProvider) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}

func (f *fakeSTTProvider) Transcribe(_ context.Context, _ []byte, _ int) (*stt.Result, error) {
	f.mu.Lock()
	f.n++
	f.mu.Unlock()
	if f.text == "" {
		return nil, stt.ErrNoSpeech
	}
	return &stt.Result{Text: f.text, Confidence: 0.9, Provider: "fake"}, nil
}

// fakeSessionTTS returns silence of a fixed duration for every text.
type fakeSessionTTS struct {
	duration time.Duration
}

func (f *fakeSessionTTS) Name() string    { return "fake" }
func (f *fakeSessionTTS) Available() bool { return true }

func (f *fakeSessionTTS) Synthesize(_ context.Context, _ string) ([]byte, audio.Container, error) {
	d := f.duration
	if d == 0 {
		d = 20 * time.Millisecond
	}
	samples := make([]int16, int(d.Milliseconds())*audio.DefaultSampleRate/1000)
	return audio.EncodeWAV(samples, audio.DefaultSampleRate), audio.ContainerWAV, nil
}

type messageLog struct {
	mu       sync.Mutex
	messages []string
}

func (l *messageLog) record(role, text string) {
	l.mu.Lock()
	l.messages = append(l.messages, role+": "+text)
	l.mu.Unlock()
}

func (l *messageLog) has(prefix string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range l.messages {
		if strings.HasPrefix(m, prefix) {
			return true
		}
	}
	return false
}

type sessionHarness struct {
	orch   *Orchestrator
	source *capture.SimulatedSource
	stt    *fakeSTTProvider
	log    *messageLog
	server *httptest.Server
}

func newSessionHarness(t *testing.T, reply, sttText string, ttsDuration time.Duration) *sessionHarness {
	t.Helper()

	server := llmBackend(t, reply)
	cfg := sessionConfig("ws" + strings.TrimPrefix(server.URL, "http"))

	source := capture.NewSimulatedSource()
	sink := playback.NewSimulatedSink()
	synth := tts.NewSynthesizer(cfg, &fakeSessionTTS{duration: ttsDuration}, sink, nil)
	channel := llm.NewChannel(cfg, nil)
	sttProvider := &fakeSTTProvider{text: sttText}

	orch := New(cfg, Deps{
		Source:       source,
		Synthesizer:  synth,
		Channel:      channel,
		STTProviders: []stt.Provider{sttProvider},
	})

	msgLog := &messageLog{}
	orch.OnMessage(msgLog.record)

	if err := orch.Start(context.Background()); err != nil {
		server.Close()
		t.Fatalf("Start failed: %v", err)
	}

	t.Cleanup(func() {
		orch.Stop()
		channel.Close()
		server.Close()
	})

	return &sessionHarness{orch: orch, source: source, stt: sttProvider, log: msgLog, server: server}
}

// tonePCM returns ms milliseconds of a 1kHz tone as 16-bit PCM.
func tonePCM(ms int, amplitude float64) []byte {
	samples := make([]int16, audio.DefaultSampleRate*ms/1000)
	for i := range samples {
		samples[i] = int16(amplitude * math.Sin(2*math.Pi*1000*float64(i)/float64(audio.DefaultSampleRate)))
	}
	return audio.SamplesToPCM(samples)
}

func waitCondition(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func TestOrchestrator_TextTurn(t *testing.T) {
	h := newSessionHarness(t, "你好，有什么可以帮你？", "你好", 0)

	if err := h.orch.SendText("你好"); err != nil {
		t.Fatalf("SendText failed: %v", err)
	}

	waitCondition(t, 2*time.Second, "turn to finish", func() bool {
		return h.orch.History().Len() == 1 && h.orch.State() == StateIdle
	})

	if !h.log.has("user: 你好") {
		t.Error("User message not observed")
	}
	if !h.log.has("assistant: 你好，有什么可以帮你？") {
		t.Error("Assistant reply not observed")
	}

	turns := h.orch.History().Turns()
	if turns[0].AssistantText != "你好，有什么可以帮你？" {
		t.Errorf("Unexpected history: %+v", turns[0])
	}
	if turns[0].Interrupted {
		t.Error("Turn wrongly marked interrupted")
	}
}

func TestOrchestrator_RecordingTurn(t *testing.T) {
	h := newSessionHarness(t, "今天晴。", "今天天气怎么样", 0)

	if err := h.orch.StartRecording(); err != nil {
		t.Fatalf("StartRecording failed: %v", err)
	}
	if h.orch.State() != StateRecording {
		t.Fatalf("Expected recording state, got %s", h.orch.State())
	}

	// feed spoken audio through the simulated source into the recording
	h.source.Inject(tonePCM(100, 3000))
	time.Sleep(150 * time.Millisecond)

	if err := h.orch.StopRecording(); err != nil {
		t.Fatalf("StopRecording failed: %v", err)
	}

	waitCondition(t, 2*time.Second, "turn to finish", func() bool {
		return h.orch.History().Len() == 1 && h.orch.State() == StateIdle
	})

	if !h.log.has("user: 今天天气怎么样") {
		t.Error("Transcribed user text not observed")
	}
	if !h.log.has("assistant: 今天晴。") {
		t.Error("Assistant reply not observed")
	}
}

func TestOrchestrator_RetryPromptWhenNoSpeech(t *testing.T) {
	h := newSessionHarness(t, "unused", "", 0)

	if err := h.orch.StartRecording(); err != nil {
		t.Fatalf("StartRecording failed: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	if err := h.orch.StopRecording(); err != nil {
		t.Fatalf("StopRecording failed: %v", err)
	}

	waitCondition(t, 2*time.Second, "retry prompt", func() bool {
		return h.log.has("assistant: " + retryPrompt)
	})

	waitCondition(t, time.Second, "return to idle", func() bool {
		return h.orch.State() == StateIdle
	})
	if h.orch.History().Len() != 0 {
		t.Errorf("No-speech attempt should not enter history, got %d turns", h.orch.History().Len())
	}
	if h.stt.calls() != 0 {
		t.Errorf("Silent recording should not reach the providers, %d calls", h.stt.calls())
	}
}

func TestOrchestrator_InterruptStopsPlayback(t *testing.T) {
	h := newSessionHarness(t, "这是一段很长的回答。", "你好", 400*time.Millisecond)

	if err := h.orch.SendText("你好"); err != nil {
		t.Fatalf("SendText failed: %v", err)
	}

	waitCondition(t, 2*time.Second, "playback to start", func() bool {
		return h.orch.State() == StateSpeaking
	})

	if !h.orch.Interrupt() {
		t.Fatal("Interrupt failed during playback")
	}

	waitCondition(t, time.Second, "return to idle", func() bool {
		return h.orch.State() == StateIdle
	})
	waitCondition(t, time.Second, "turn recorded", func() bool {
		return h.orch.History().Len() == 1
	})
}

func TestOrchestrator_InterruptWhenIdle(t *testing.T) {
	h := newSessionHarness(t, "ok", "hi", 0)

	if h.orch.Interrupt() {
		t.Error("Interrupt succeeded with nothing playing")
	}
}

func TestOrchestrator_SmartModeEndsOnInactivity(t *testing.T) {
	h := newSessionHarness(t, "unused", "unused", 0)

	if err := h.orch.SetMode(ModeSmart); err != nil {
		t.Fatalf("SetMode failed: %v", err)
	}
	if h.orch.Mode() != ModeSmart {
		t.Fatalf("Expected smart mode, got %s", h.orch.Mode())
	}

	// no voice activity ever arrives, so the conversation should end
	// on its own and fall back to push-to-talk
	waitCondition(t, 3*time.Second, "inactivity cutoff", func() bool {
		return h.orch.Mode() == ModePushToTalk && !h.orch.Conversing()
	})

	waitCondition(t, time.Second, "return to idle", func() bool {
		return h.orch.State() == StateIdle
	})
}

func TestOrchestrator_ContinuousModeTimesOutOnSilence(t *testing.T) {
	h := newSessionHarness(t, "unused", "unused", 0)

	if err := h.orch.SetMode(ModeContinuous); err != nil {
		t.Fatalf("SetMode failed: %v", err)
	}

	// the per-utterance cap passes with nothing said, so the
	// conversation times out and falls back to push-to-talk
	waitCondition(t, 3*time.Second, "silence timeout", func() bool {
		return h.orch.Mode() == ModePushToTalk && !h.orch.Conversing()
	})

	waitCondition(t, time.Second, "return to idle", func() bool {
		return h.orch.State() == StateIdle
	})
}

func TestOrchestrator_StopDuringConversation(t *testing.T) {
	h := newSessionHarness(t, "unused", "unused", 0)

	if err := h.orch.SetMode(ModeSmart); err != nil {
		t.Fatalf("SetMode failed: %v", err)
	}
	if !h.orch.Conversing() {
		t.Fatal("Expected conversation to be running")
	}

	if err := h.orch.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if h.orch.Conversing() {
		t.Error("Expected conversation ended by stop")
	}
}

func TestVADConfigOverrides(t *testing.T) {
	cfg := sessionConfig("ws://unused")
	cfg.VADMode = 1
	cfg.VADSpeechRatio = 0.7

	vc := vadConfig(cfg)
	def := audio.DefaultVADConfig()

	if vc.Mode != 1 || vc.SpeechRatio != 0.7 {
		t.Errorf("Session settings not applied: mode=%d ratio=%f", vc.Mode, vc.SpeechRatio)
	}
	if vc.EnergyThreshold != def.EnergyThreshold ||
		vc.ZCRThreshold != def.ZCRThreshold ||
		vc.CentroidMin != def.CentroidMin ||
		vc.WindowFrames != def.WindowFrames {
		t.Errorf("Expected remaining thresholds from the defaults, got %+v", vc)
	}
}

func TestOrchestrator_ExitCommandDetection(t *testing.T) {
	h := newSessionHarness(t, "unused", "unused", 0)

	if h.orch.isExitCommand("再见") {
		t.Error("Exit command matched outside smart mode")
	}

	h.orch.mu.Lock()
	h.orch.mode = ModeSmart
	h.orch.mu.Unlock()

	cases := []struct {
		text string
		want bool
	}{
		{"再见", true},
		{"好的，拜拜", true},
		{"今天天气怎么样", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := h.orch.isExitCommand(tc.text); got != tc.want {
			t.Errorf("isExitCommand(%q) = %v, want %v", tc.text, got, tc.want)
		}
	}
}

func TestOrchestrator_SendTextWhileBusy(t *testing.T) {
	h := newSessionHarness(t, "这是一段很长的回答。", "你好", 300*time.Millisecond)

	if err := h.orch.SendText("你好"); err != nil {
		t.Fatalf("SendText failed: %v", err)
	}
	waitCondition(t, 2*time.Second, "playback to start", func() bool {
		return h.orch.State() == StateSpeaking
	})

	if err := h.orch.SendText("再来一个"); err == nil {
		t.Error("Expected busy error while speaking")
	}

	waitCondition(t, 2*time.Second, "turn to finish", func() bool {
		return h.orch.State() == StateIdle
	})
}

func TestOrchestrator_StopIsIdempotent(t *testing.T) {
	h := newSessionHarness(t, "ok", "hi", 0)

	if err := h.orch.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := h.orch.Stop(); err != nil {
		t.Fatalf("Second Stop failed: %v", err)
	}
}
