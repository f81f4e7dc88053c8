package session

import (
	"sync"
	"time"

	"github.com/lj-mcn/lingjing-voice-engine/internal/llm"
)

// Turn is one completed exchange. A turn is either completed or
// interrupted, never both.
type Turn struct {
	UserText      string
	AssistantText string
	StartedAt     time.Time
	CompletedAt   time.Time
	Interrupted   bool
}

// History is the bounded conversation memory. When the cap is reached
// the oldest turn is evicted.
type History struct {
	mu       sync.Mutex
	turns    []Turn
	maxTurns int
}

// NewHistory creates a history bounded to maxTurns.
func NewHistory(maxTurns int) *History {
	if maxTurns < 1 {
		maxTurns = 1
	}
	return &History{maxTurns: maxTurns}
}

// Add appends a turn, evicting the oldest if over the cap.
func (h *History) Add(turn Turn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.turns = append(h.turns, turn)
	if len(h.turns) > h.maxTurns {
		h.turns = h.turns[len(h.turns)-h.maxTurns:]
	}
}

// Len returns the number of stored turns.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.turns)
}

// Clear drops all turns.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = nil
}

// Wire returns the history in the channel's wire shape. Interrupted
// turns contribute what the assistant actually said before the cut.
func (h *History) Wire() []llm.HistoryTurn {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]llm.HistoryTurn, 0, len(h.turns)*2)
	for _, t := range h.turns {
		if t.UserText != "" {
			out = append(out, llm.HistoryTurn{Role: "user", Content: t.UserText})
		}
		if t.AssistantText != "" {
			out = append(out, llm.HistoryTurn{Role: "assistant", Content: t.AssistantText})
		}
	}
	return out
}

// Turns returns a copy of the stored turns.
func (h *History) Turns() []Turn {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Turn, len(h.turns))
	copy(out, h.turns)
	return out
}
