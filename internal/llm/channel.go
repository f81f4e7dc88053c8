package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/lj-mcn/lingjing-voice-engine/internal/config"
	"github.com/lj-mcn/lingjing-voice-engine/internal/observability"
)

// ErrNotConnected is returned when a request is made without a live connection.
var ErrNotConnected = errors.New("llm channel not connected")

// ErrConnectionLost fails pending requests when the connection drops.
var ErrConnectionLost = errors.New("llm connection lost")

// ErrRequestTimeout fails a request whose response never arrived.
var ErrRequestTimeout = errors.New("llm request timeout")

// PartialHandler receives incremental response chunks for one request.
type PartialHandler func(chunk string)

type pendingRequest struct {
	done      chan *Envelope
	onPartial PartialHandler
}

// Channel is a persistent websocket connection to the response backend
// with ordered fallback endpoints. Requests are correlated by id; a
// dropped connection fails everything pending and schedules one delayed
// reconnect.
type Channel struct {
	config    *config.Config
	endpoints *EndpointSet
	metrics   *observability.Metrics

	mu           sync.Mutex
	conn         *websocket.Conn
	connected    bool
	reconnecting bool
	pending      map[string]*pendingRequest
	closed       bool

	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

// NewChannel creates a disconnected channel over the configured endpoints.
func NewChannel(cfg *config.Config, metrics *observability.Metrics) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		config:    cfg,
		endpoints: NewEndpointSet(cfg.LLMPrimaryURL, cfg.FallbackURLs()),
		metrics:   metrics,
		pending:   make(map[string]*pendingRequest),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Connect dials the endpoints in preference order, each with a bounded
// handshake wait. The winning endpoint is promoted to session primary.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	if c.closed {
		c.mu.Unlock()
		return errors.New("llm channel is closed")
	}
	c.mu.Unlock()

	dialer := &websocket.Dialer{
		HandshakeTimeout: c.config.HandshakeDuration(),
	}

	var lastErr error
	for i, url := range c.endpoints.All() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		conn, _, err := dialer.DialContext(ctx, url, nil)
		if err != nil {
			lastErr = fmt.Errorf("endpoint %s: %w", url, err)
			log.Warn().Err(err).Str("url", url).Msg("LLM endpoint connection failed")
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.connected = true
		c.mu.Unlock()

		if i > 0 {
			c.endpoints.Promote(url)
			observability.RecordChannelFallback()
		}

		go c.readLoop(conn)

		log.Info().Str("url", url).Msg("LLM channel connected")
		return nil
	}

	if lastErr == nil {
		lastErr = errors.New("no llm endpoints configured")
	}
	return lastErr
}

// Generate sends a prompt with conversation history and waits for the
// complete response. Partial chunks, if the backend streams them, are
// delivered through onPartial before the final response resolves.
func (c *Channel) Generate(ctx context.Context, prompt string, history []HistoryTurn, onPartial PartialHandler) (string, error) {
	c.mu.Lock()
	if !c.connected || c.conn == nil {
		c.mu.Unlock()
		return "", ErrNotConnected
	}
	conn := c.conn

	requestID := uuid.New().String()
	req := &pendingRequest{
		done:      make(chan *Envelope, 1),
		onPartial: onPartial,
	}
	c.pending[requestID] = req
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
	}()

	envelope := &Envelope{
		Type:      MessageTypeRequest,
		RequestID: requestID,
		Data: &RequestData{
			Prompt:              prompt,
			SystemPrompt:        c.config.LLMSystemPrompt,
			ConversationHistory: history,
			MaxTokens:           c.config.LLMMaxTokens,
		},
	}

	if c.metrics != nil {
		c.metrics.RecordLLMStart()
	}

	if err := c.writeJSON(conn, envelope); err != nil {
		if c.metrics != nil {
			c.metrics.RecordLLMEnd(false)
		}
		c.handleDisconnect(conn, err)
		return "", fmt.Errorf("failed to send llm request: %w", err)
	}

	timer := time.NewTimer(c.config.RequestTimeoutDuration())
	defer timer.Stop()

	select {
	case <-ctx.Done():
		if c.metrics != nil {
			c.metrics.RecordLLMEnd(false)
		}
		return "", ctx.Err()

	case <-timer.C:
		if c.metrics != nil {
			c.metrics.RecordLLMEnd(false)
		}
		return "", ErrRequestTimeout

	case resp := <-req.done:
		if resp == nil {
			if c.metrics != nil {
				c.metrics.RecordLLMEnd(false)
			}
			return "", ErrConnectionLost
		}
		if !resp.Success && resp.Type != MessageTypePartial {
			if c.metrics != nil {
				c.metrics.RecordLLMEnd(false)
			}
			if resp.Error != "" {
				return "", fmt.Errorf("llm request failed: %s", resp.Error)
			}
			return "", errors.New("llm request failed")
		}
		if c.metrics != nil {
			c.metrics.RecordLLMEnd(true)
		}
		return resp.Message, nil
	}
}

func (c *Channel) writeJSON(conn *websocket.Conn, v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(v)
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		var envelope Envelope
		if err := conn.ReadJSON(&envelope); err != nil {
			c.handleDisconnect(conn, err)
			return
		}
		c.dispatch(conn, &envelope)
	}
}

func (c *Channel) dispatch(conn *websocket.Conn, envelope *Envelope) {
	switch envelope.Type {
	case MessageTypeResponse:
		c.mu.Lock()
		req := c.pending[envelope.RequestID]
		c.mu.Unlock()
		if req != nil {
			select {
			case req.done <- envelope:
			default:
			}
		}

	case MessageTypePartial:
		c.mu.Lock()
		req := c.pending[envelope.RequestID]
		c.mu.Unlock()
		if req != nil && req.onPartial != nil && envelope.Message != "" {
			req.onPartial(envelope.Message)
		}

	case MessageTypePing:
		_ = c.writeJSON(conn, &Envelope{Type: MessageTypePong, Timestamp: time.Now().UnixMilli()})

	case MessageTypePong:
		// keepalive acknowledged

	case MessageTypeError:
		if envelope.RequestID != "" {
			c.mu.Lock()
			req := c.pending[envelope.RequestID]
			c.mu.Unlock()
			if req != nil {
				envelope.Success = false
				select {
				case req.done <- envelope:
				default:
				}
				return
			}
		}
		log.Error().Str("error", envelope.Error).Msg("LLM backend error")

	default:
		log.Debug().Str("type", envelope.Type).Msg("LLM unknown message type")
	}
}

// handleDisconnect fails everything pending, marks the channel down, and
// schedules a single delayed reconnect.
func (c *Channel) handleDisconnect(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn || !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.conn = nil

	for id, req := range c.pending {
		delete(c.pending, id)
		select {
		case req.done <- nil:
		default:
		}
	}

	scheduled := !c.reconnecting && !c.closed
	if scheduled {
		c.reconnecting = true
	}
	c.mu.Unlock()

	_ = conn.Close()
	log.Warn().Err(cause).Msg("LLM channel disconnected")

	if !scheduled {
		return
	}

	go func() {
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(c.config.ReconnectDelayDuration()):
		}

		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()

		observability.RecordChannelReconnect()
		if err := c.Connect(c.ctx); err != nil {
			log.Error().Err(err).Msg("LLM channel reconnect failed")
		}
	}()
}

// Connected reports whether a live connection exists.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// PendingRequests returns the number of requests awaiting a response.
func (c *Channel) PendingRequests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Primary returns the current first-choice endpoint.
func (c *Channel) Primary() string {
	return c.endpoints.Primary()
}

// Close tears down the connection and stops reconnection.
func (c *Channel) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.connected = false
	for id, req := range c.pending {
		delete(c.pending, id)
		select {
		case req.done <- nil:
		default:
		}
	}
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		return conn.Close()
	}
	return nil
}
