package session

import "fmt"

// State is the authoritative session state. Exactly one state holds at
// any moment; every transition happens under the orchestrator's lock.
type State int

const (
	StateIdle State = iota
	StateListening
	StateRecording
	StateProcessing
	StateSpeaking
	StateInterrupted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateRecording:
		return "recording"
	case StateProcessing:
		return "processing"
	case StateSpeaking:
		return "speaking"
	case StateInterrupted:
		return "interrupted"
	}
	return "unknown"
}

// Mode selects the conversation style. Modes are mutually exclusive.
type Mode int

const (
	ModePushToTalk Mode = iota
	ModeContinuous
	ModeSmart
	ModeStreaming
)

func (m Mode) String() string {
	switch m {
	case ModePushToTalk:
		return "push_to_talk"
	case ModeContinuous:
		return "continuous"
	case ModeSmart:
		return "smart"
	case ModeStreaming:
		return "streaming"
	}
	return "unknown"
}

// ParseMode converts a mode name to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "push_to_talk":
		return ModePushToTalk, nil
	case "continuous":
		return ModeContinuous, nil
	case "smart":
		return ModeSmart, nil
	case "streaming":
		return ModeStreaming, nil
	}
	return ModePushToTalk, fmt.Errorf("unknown mode %q", s)
}

// Session end reasons reported when a conversation loop terminates.
const (
	ReasonTimeout    = "timeout"
	ReasonExitCmd    = "exit_command"
	ReasonNoActivity = "no_activity"
	ReasonStopped    = "conversation_stopped"
)

// Status is one entry in the status stream delivered to observers.
type Status struct {
	State     State  `json:"state"`
	Mode      Mode   `json:"-"`
	ModeName  string `json:"mode"`
	VADActive bool   `json:"vadActive"`
	Error     string `json:"error,omitempty"`
}

// StatusHandler observes session status changes.
type StatusHandler func(Status)
