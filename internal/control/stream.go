package control

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lj-mcn/lingjing-voice-engine/internal/config"
	"github.com/lj-mcn/lingjing-voice-engine/internal/observability"
	"github.com/lj-mcn/lingjing-voice-engine/internal/session"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// local control surface, not exposed beyond the device
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

var (
	errMissingPayload = errors.New("media event missing payload")
	errNoInjection    = errors.New("audio injection requires a simulated capture source")
)

// Command is a client message on the control socket.
type Command struct {
	Event string `json:"event"`
	Text  string `json:"text,omitempty"`
	Mode  string `json:"mode,omitempty"`
	Media *Media `json:"media,omitempty"`
}

// Media carries base64 PCM16 audio pushed by the client. Only honored
// when the session runs on a simulated capture source.
type Media struct {
	Payload string `json:"payload"`
}

// ServerEvent is a server message on the control socket.
type ServerEvent struct {
	Event   string          `json:"event"`
	Session string          `json:"sessionId,omitempty"`
	Status  *session.Status `json:"status,omitempty"`
	Role    string          `json:"role,omitempty"`
	Text    string          `json:"text,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// AudioInjector accepts client-pushed capture audio.
type AudioInjector interface {
	Inject(pcm []byte)
}

// SessionFactory builds the orchestrator for one control connection.
// The injector may be nil when capture comes from a real device.
type SessionFactory func() (*session.Orchestrator, AudioInjector, error)

// clientSession owns one control connection and its voice session.
type clientSession struct {
	conn     *websocket.Conn
	orch     *session.Orchestrator
	injector AudioInjector
	logger   zerolog.Logger

	outbound chan ServerEvent
	done     chan struct{}
	once     sync.Once
}

// HandleControlWS runs the websocket control surface: one voice session
// per connection, commands in, status and conversation text out.
func HandleControlWS(cfg *config.Config, factory SessionFactory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := observability.GetLogger()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Error().Err(err).Msg("WebSocket upgrade failed")
			return
		}
		defer conn.Close()

		orch, injector, err := factory()
		if err != nil {
			logger.Error().Err(err).Msg("Failed to build session")
			conn.WriteJSON(ServerEvent{Event: "error", Error: err.Error()})
			return
		}

		cs := &clientSession{
			conn:     conn,
			orch:     orch,
			injector: injector,
			logger:   observability.WithSession(orch.ID()),
			outbound: make(chan ServerEvent, 64),
			done:     make(chan struct{}),
		}

		orch.OnStatus(func(s session.Status) {
			cs.send(ServerEvent{Event: "status", Session: orch.ID(), Status: &s})
		})
		orch.OnMessage(func(role, text string) {
			cs.send(ServerEvent{Event: "message", Session: orch.ID(), Role: role, Text: text})
		})

		if err := orch.Start(r.Context()); err != nil {
			logger.Error().Err(err).Msg("Failed to start session")
			conn.WriteJSON(ServerEvent{Event: "error", Error: err.Error()})
			return
		}
		defer orch.Stop()

		go cs.writeLoop()
		defer cs.close()

		cs.send(ServerEvent{Event: "connected", Session: orch.ID()})
		cs.logger.Info().Msg("Control connection established")
		cs.readLoop()
	}
}

func (cs *clientSession) send(event ServerEvent) {
	select {
	case cs.outbound <- event:
	default:
		// slow client, drop rather than stall the session
	}
}

func (cs *clientSession) close() {
	cs.once.Do(func() { close(cs.done) })
}

// writeLoop serializes all websocket writes.
func (cs *clientSession) writeLoop() {
	for {
		select {
		case event := <-cs.outbound:
			if err := cs.conn.WriteJSON(event); err != nil {
				return
			}
		case <-cs.done:
			return
		}
	}
}

func (cs *clientSession) readLoop() {
	for {
		var cmd Command
		if err := cs.conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				cs.logger.Warn().Err(err).Msg("Control socket read error")
			}
			return
		}

		if err := cs.dispatch(&cmd); err != nil {
			cs.send(ServerEvent{Event: "error", Session: cs.orch.ID(), Error: err.Error()})
		}
	}
}

func (cs *clientSession) dispatch(cmd *Command) error {
	switch cmd.Event {
	case "start_recording":
		return cs.orch.StartRecording()

	case "stop_recording":
		return cs.orch.StopRecording()

	case "send_text":
		return cs.orch.SendText(cmd.Text)

	case "set_mode":
		mode, err := session.ParseMode(cmd.Mode)
		if err != nil {
			return err
		}
		return cs.orch.SetMode(mode)

	case "interrupt":
		cs.orch.Interrupt()
		return nil

	case "media":
		return cs.handleMedia(cmd.Media)

	default:
		cs.logger.Warn().Str("event", cmd.Event).Msg("Unknown control event")
		return nil
	}
}

func (cs *clientSession) handleMedia(media *Media) error {
	if media == nil || strings.TrimSpace(media.Payload) == "" {
		return errMissingPayload
	}
	if cs.injector == nil {
		return errNoInjection
	}
	pcm, err := base64.StdEncoding.DecodeString(media.Payload)
	if err != nil {
		return err
	}
	cs.injector.Inject(pcm)
	return nil
}
