package llm

// Message types exchanged with the response backend.
const (
	MessageTypeRequest  = "llm_request"
	MessageTypeResponse = "llm_response"
	MessageTypePartial  = "llm_response_partial"
	MessageTypePing     = "ping"
	MessageTypePong     = "pong"
	MessageTypeError    = "error"
)

// HistoryTurn is one prior exchange sent along with a request.
type HistoryTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// RequestData is the payload of an llm_request message.
type RequestData struct {
	Prompt              string        `json:"prompt"`
	SystemPrompt        string        `json:"system_prompt,omitempty"`
	ConversationHistory []HistoryTurn `json:"conversation_history,omitempty"`
	MaxTokens           int           `json:"max_tokens,omitempty"`
}

// Envelope is the wire frame for every message in both directions.
// Responses carry success/message/error; partials carry message chunks.
type Envelope struct {
	Type      string       `json:"type"`
	RequestID string       `json:"requestId,omitempty"`
	Data      *RequestData `json:"data,omitempty"`
	Success   bool         `json:"success,omitempty"`
	Message   string       `json:"message,omitempty"`
	Error     string       `json:"error,omitempty"`
	Timestamp int64        `json:"timestamp,omitempty"`
}
