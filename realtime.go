package socialhub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Event Payload Types
// ============================================================================

// Chat socket event names.
const (
	EventSendMessage     = "send_message"
	EventTyping          = "typing"
	EventMessageSent     = "message_sent"
	EventMessageReceived = "message_received"
	EventUserTyping      = "user_typing"
	EventMessageError    = "message_error"
	EventAuthError       = "auth_error"
)

// Envelope is the wire format for all chat socket events.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type outgoing struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// SendMessageRequest is the send_message payload.
type SendMessageRequest struct {
	ConversationID string       `json:"conversationId"`
	Message        string       `json:"message"`
	TempID         string       `json:"tempId"`
	Attachments    []Attachment `json:"attachments,omitempty"`
}

// TypingEvent is sent when a participant starts or stops typing.
type TypingEvent struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Username       string `json:"username,omitempty"`
	IsTyping       bool   `json:"isTyping"`
}

// MessageErrorEvent reports a send the server rejected.
type MessageErrorEvent struct {
	TempID         string `json:"tempId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	Error          string `json:"error"`
}

// ============================================================================
// ChatSocket
// ============================================================================

// ChatSocket is the chat WebSocket connection manager. It delivers server
// events to registered handlers synchronously on its read goroutine, in the
// order the server sent them, and reconnects with bounded exponential
// backoff. It knows nothing about message semantics.
//
// Handlers must not block for long and must not call Close.
type ChatSocket struct {
	socketCore
	url string

	conn    *websocket.Conn
	generic map[string]*handlerSet[json.RawMessage]

	onSent         handlerSet[Message]
	onReceived     handlerSet[Message]
	onTyping       handlerSet[TypingEvent]
	onMessageError handlerSet[MessageErrorEvent]
}

// NewChatSocket creates a chat socket for socketURL. The token is read from
// tokens on every dial.
func NewChatSocket(socketURL string, tokens TokenStore, cfg *SocketConfig) *ChatSocket {
	return &ChatSocket{
		socketCore: newSocketCore("chat", tokens, cfg),
		url:        socketURL,
		generic:    make(map[string]*handlerSet[json.RawMessage]),
	}
}

// ChatSocket creates a chat socket using the client's URL, token store,
// logger and metrics.
func (c *Client) ChatSocket(cfg *SocketConfig) *ChatSocket {
	return NewChatSocket(c.ChatURL(), c.tokens, c.socketConfig(cfg))
}

func (s *ChatSocket) OnMessageSent(h func(Message)) func() { return s.onSent.add(h) }

func (s *ChatSocket) OnMessageReceived(h func(Message)) func() { return s.onReceived.add(h) }

func (s *ChatSocket) OnTyping(h func(TypingEvent)) func() { return s.onTyping.add(h) }

func (s *ChatSocket) OnMessageError(h func(MessageErrorEvent)) func() {
	return s.onMessageError.add(h)
}

// On registers a raw handler for any event type, including ones this
// package does not decode.
func (s *ChatSocket) On(eventType string, h func(json.RawMessage)) func() {
	s.mu.Lock()
	hs, ok := s.generic[eventType]
	if !ok {
		hs = &handlerSet[json.RawMessage]{}
		s.generic[eventType] = hs
	}
	s.mu.Unlock()
	return hs.add(h)
}

// Connect dials the chat socket. ctx bounds both the dial and the lifetime
// of the connection, including reconnects.
func (s *ChatSocket) Connect(ctx context.Context) error {
	if !s.beginConnect() {
		return nil
	}

	lifeCtx, cancel := context.WithCancel(ctx)
	conn, err := s.dial(lifeCtx)
	if err != nil {
		cancel()
		s.fail(err)
		return err
	}
	if !s.attach(lifeCtx, conn, cancel) {
		cancel()
		return ErrNotConnected
	}
	return nil
}

// Close disconnects without reconnecting.
func (s *ChatSocket) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	wasConnected, cancel := s.markClosed()
	s.mu.Unlock()

	if conn != nil {
		if err := conn.Close(websocket.StatusNormalClosure, "client disconnect"); err != nil {
			s.log.Debug("close", zap.Error(err))
		}
	}
	if cancel != nil {
		cancel()
	}
	s.announceClosed(wasConnected, int(websocket.StatusNormalClosure))
	return nil
}

// Emit sends a raw event. It returns ErrNotConnected when the socket is down.
func (s *ChatSocket) Emit(ctx context.Context, eventType string, payload interface{}) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(outgoing{Type: eventType, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", eventType, err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write %s: %w", eventType, err)
	}
	return nil
}

// SendMessage emits send_message.
func (s *ChatSocket) SendMessage(ctx context.Context, req SendMessageRequest) error {
	return s.Emit(ctx, EventSendMessage, req)
}

// SendTyping emits a typing indicator for a conversation.
func (s *ChatSocket) SendTyping(ctx context.Context, conversationID string, typing bool) error {
	return s.Emit(ctx, EventTyping, map[string]interface{}{
		"conversationId": conversationID,
		"isTyping":       typing,
	})
}

func (s *ChatSocket) dial(ctx context.Context) (*websocket.Conn, error) {
	token := s.tokens.Token()
	if token == "" {
		return nil, ErrNoToken
	}
	u, err := url.Parse(s.url)
	if err != nil {
		return nil, fmt.Errorf("invalid socket url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	return dialWebsocket(ctx, u.String(), &s.cfg, nil)
}

// dialWebsocket dials and maps a 401/403 handshake response to an APIError.
func dialWebsocket(ctx context.Context, rawURL string, cfg *SocketConfig, header http.Header) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	conn, resp, err := websocket.Dial(dctx, rawURL, &websocket.DialOptions{
		HTTPClient: cfg.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &APIError{Status: resp.StatusCode, Message: "socket handshake rejected"}
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(1 << 20)
	return conn, nil
}

// attach installs a freshly dialed connection. It reports false if Close
// ran while the dial was in flight.
func (s *ChatSocket) attach(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return false
	}
	s.conn = conn
	s.markConnected(cancel)
	s.mu.Unlock()

	s.announceConnected()

	go s.readLoop(ctx, conn)
	if s.cfg.HeartbeatInterval > 0 {
		go s.heartbeatLoop(ctx, conn)
	}
	return true
}

func (s *ChatSocket) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			s.handleLoss(ctx, conn, err)
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.log.Warn("malformed event", zap.Error(err))
			continue
		}
		s.dispatch(conn, env)
	}
}

func (s *ChatSocket) dispatch(conn *websocket.Conn, env Envelope) {
	switch env.Type {
	case EventMessageSent, EventMessageReceived:
		var m Message
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			s.log.Warn("malformed message payload", zap.String("event", env.Type), zap.Error(err))
			break
		}
		if env.Type == EventMessageSent {
			s.onSent.emit(s.log, env.Type, m)
		} else {
			s.cfg.Metrics.messageReceived()
			s.onReceived.emit(s.log, env.Type, m)
		}
	case EventUserTyping:
		var ev TypingEvent
		if json.Unmarshal(env.Payload, &ev) == nil {
			s.onTyping.emit(s.log, env.Type, ev)
		}
	case EventMessageError:
		var ev MessageErrorEvent
		if json.Unmarshal(env.Payload, &ev) == nil {
			s.onMessageError.emit(s.log, env.Type, ev)
		}
	case EventAuthError:
		var ev AuthErrorEvent
		_ = json.Unmarshal(env.Payload, &ev)
		s.terminateAuth(conn, ev)
	}

	s.mu.Lock()
	hs := s.generic[env.Type]
	s.mu.Unlock()
	if hs != nil {
		hs.emit(s.log, env.Type, env.Payload)
	}
}

// terminateAuth drops the connection for good after an auth_error event.
func (s *ChatSocket) terminateAuth(conn *websocket.Conn, ev AuthErrorEvent) {
	if ev.Message == "" {
		ev.Message = "token rejected"
	}
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.state = StateDisconnected
	s.lastErr = "authentication failed: " + ev.Message
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	s.log.Warn("auth error from server", zap.String("reason", ev.Message))
	s.cfg.Metrics.setConnected(s.name, false)
	s.authFailed(ev, true)
	s.onDisconnected.emit(s.log, "disconnected", DisconnectEvent{Code: int(websocket.StatusPolicyViolation), Reason: ev.Message})

	conn.Close(websocket.StatusPolicyViolation, "auth error")
	if cancel != nil {
		cancel()
	}
}

// handleLoss runs when the read loop ends. Connections already detached by
// Close or terminateAuth are ignored.
func (s *ChatSocket) handleLoss(ctx context.Context, conn *websocket.Conn, err error) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.mu.Unlock()

	if !s.lost(ctx, int(websocket.CloseStatus(err)), err) {
		return
	}

	var next *websocket.Conn
	ok := s.reconnectWith(ctx, func(ctx context.Context) error {
		c, err := s.dial(ctx)
		if err != nil {
			return err
		}
		next = c
		return nil
	})
	if ok {
		s.attach(ctx, next, nil)
	}
}

func (s *ChatSocket) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			current := s.conn == conn
			s.mu.Unlock()
			if !current {
				return
			}

			pctx, cancel := context.WithTimeout(ctx, s.cfg.HeartbeatInterval)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				s.log.Warn("heartbeat failed", zap.Error(err))
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}
