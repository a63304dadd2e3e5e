package socialhub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// ============================================================================
// Configuration
// ============================================================================

// SocketConfig configures the chat and notification sockets.
type SocketConfig struct {
	DisableReconnect     bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	DialTimeout          time.Duration
	HeartbeatInterval    time.Duration
	HTTPClient           *http.Client
	Logger               *zap.Logger
	Metrics              *Metrics
}

func (c *SocketConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

func (c *Client) socketConfig(cfg *SocketConfig) *SocketConfig {
	var sc SocketConfig
	if cfg != nil {
		sc = *cfg
	}
	if sc.Logger == nil {
		sc.Logger = c.log
	}
	if sc.Metrics == nil {
		sc.Metrics = c.metrics
	}
	if sc.HTTPClient == nil {
		sc.HTTPClient = c.httpClient
	}
	return &sc
}

// SocketState represents the connection state.
type SocketState string

const (
	StateDisconnected SocketState = "disconnected"
	StateConnecting   SocketState = "connecting"
	StateConnected    SocketState = "connected"
	StateReconnecting SocketState = "reconnecting"
)

// AuthErrorEvent reports that the server no longer accepts the token.
type AuthErrorEvent struct {
	Message string `json:"message"`
}

type DisconnectEvent struct {
	Code   int
	Reason string
}

type ReconnectEvent struct {
	Attempt int
	Delay   time.Duration
}

// ============================================================================
// Handler sets
// ============================================================================

type handlerEntry[T any] struct {
	id int
	fn func(T)
}

// handlerSet holds callbacks for one event. Removal copies the slice, so a
// snapshot taken by emit is never mutated underneath it.
type handlerSet[T any] struct {
	mu      sync.Mutex
	next    int
	entries []handlerEntry[T]
}

func (s *handlerSet[T]) add(fn func(T)) func() {
	s.mu.Lock()
	s.next++
	id := s.next
	s.entries = append(s.entries, handlerEntry[T]{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, e := range s.entries {
				if e.id == id {
					s.entries = append(s.entries[:i:i], s.entries[i+1:]...)
					return
				}
			}
		})
	}
}

func (s *handlerSet[T]) emit(log *zap.Logger, event string, v T) {
	s.mu.Lock()
	entries := s.entries
	s.mu.Unlock()
	for _, e := range entries {
		callSafe(log, event, func() { e.fn(v) })
	}
}

func callSafe(log *zap.Logger, event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("event handler panicked", zap.String("event", event), zap.Any("panic", r))
		}
	}()
	fn()
}

// ============================================================================
// Reconnect
// ============================================================================

func newReconnectBackOff(ctx context.Context, cfg *SocketConfig) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = cfg.ReconnectBaseDelay
	exp.MaxInterval = cfg.ReconnectMaxDelay
	exp.MaxElapsedTime = 0
	exp.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(cfg.MaxReconnectAttempts)), ctx)
}

// reconnect waits out each backoff delay and then dials, until dial succeeds,
// the attempts run out, ctx ends, or dial fails with a terminal error.
func reconnect(ctx context.Context, cfg *SocketConfig, dial func(context.Context) error, notify func(ReconnectEvent)) error {
	b := newReconnectBackOff(ctx, cfg)
	var lastErr error
	for attempt := 1; ; attempt++ {
		delay := b.NextBackOff()
		if delay == backoff.Stop {
			if err := ctx.Err(); err != nil {
				return err
			}
			return fmt.Errorf("reconnect failed after %d attempts: %w", attempt-1, lastErr)
		}
		notify(ReconnectEvent{Attempt: attempt, Delay: delay})

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		err := dial(ctx)
		if err == nil {
			return nil
		}
		if terminal(err) {
			return err
		}
		lastErr = err
	}
}

// terminal reports errors that retrying cannot fix.
func terminal(err error) bool {
	return IsAuthError(err) || errors.Is(err, ErrNoToken)
}

func describe(err error) string {
	switch {
	case errors.Is(err, ErrNoToken):
		return "not logged in"
	case IsAuthError(err):
		return "authentication failed: " + err.Error()
	default:
		return err.Error()
	}
}

// ============================================================================
// socketCore
// ============================================================================

// socketCore is the connection status shared by ChatSocket and
// NotificationSocket. The embedding socket guards its own connection
// fields with mu.
type socketCore struct {
	name   string
	tokens TokenStore
	cfg    SocketConfig
	log    *zap.Logger

	mu      sync.Mutex
	state   SocketState
	lastErr string
	closed  bool
	cancel  context.CancelFunc

	onAuthError    handlerSet[AuthErrorEvent]
	onConnected    handlerSet[struct{}]
	onDisconnected handlerSet[DisconnectEvent]
	onReconnecting handlerSet[ReconnectEvent]
}

func newSocketCore(name string, tokens TokenStore, cfg *SocketConfig) socketCore {
	var c SocketConfig
	if cfg != nil {
		c = *cfg
	}
	c.defaults()
	return socketCore{
		name:   name,
		tokens: tokens,
		cfg:    c,
		log:    c.Logger.With(zap.String("socket", name)),
		state:  StateDisconnected,
	}
}

func (s *socketCore) State() SocketState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *socketCore) Connected() bool {
	return s.State() == StateConnected
}

// Err returns a human-readable description of the last terminal failure,
// or "" while the connection is healthy.
func (s *socketCore) Err() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// OnAuthError fires when the server rejects or forbids the connection. A
// rejected token (401, auth_error event) has been cleared by then; a 403
// leaves it in place.
func (s *socketCore) OnAuthError(h func(AuthErrorEvent)) func() { return s.onAuthError.add(h) }

func (s *socketCore) OnConnected(h func()) func() {
	return s.onConnected.add(func(struct{}) { h() })
}

func (s *socketCore) OnDisconnected(h func(DisconnectEvent)) func() {
	return s.onDisconnected.add(h)
}

func (s *socketCore) OnReconnecting(h func(ReconnectEvent)) func() {
	return s.onReconnecting.add(h)
}

// beginConnect moves to connecting. It reports false when a connection is
// already up or being established.
func (s *socketCore) beginConnect() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateConnected, StateConnecting, StateReconnecting:
		return false
	}
	s.state = StateConnecting
	s.closed = false
	s.lastErr = ""
	return true
}

// markConnected must be called with mu held.
func (s *socketCore) markConnected(cancel context.CancelFunc) {
	s.state = StateConnected
	s.lastErr = ""
	if cancel != nil {
		s.cancel = cancel
	}
}

func (s *socketCore) announceConnected() {
	s.cfg.Metrics.setConnected(s.name, true)
	s.log.Info("connected")
	s.onConnected.emit(s.log, "connected", struct{}{})
}

// markClosed flags an intentional close and returns the lifetime cancel
// func. It must be called with mu held.
func (s *socketCore) markClosed() (wasConnected bool, cancel context.CancelFunc) {
	s.closed = true
	cancel = s.cancel
	s.cancel = nil
	wasConnected = s.state == StateConnected
	s.state = StateDisconnected
	return wasConnected, cancel
}

func (s *socketCore) announceClosed(wasConnected bool, code int) {
	s.cfg.Metrics.setConnected(s.name, false)
	if wasConnected {
		s.onDisconnected.emit(s.log, "disconnected", DisconnectEvent{Code: code, Reason: "client disconnect"})
	}
}

// fail records a terminal connect failure.
func (s *socketCore) fail(err error) {
	msg := describe(err)
	s.mu.Lock()
	s.state = StateDisconnected
	s.lastErr = msg
	s.mu.Unlock()
	s.cfg.Metrics.setConnected(s.name, false)
	s.log.Warn("connection failed", zap.Error(err))

	if IsAuthError(err) {
		s.authFailed(AuthErrorEvent{Message: msg}, tokenRejected(err))
	}
}

func (s *socketCore) authFailed(ev AuthErrorEvent, clearToken bool) {
	if clearToken {
		if err := s.tokens.Clear(); err != nil {
			s.log.Warn("clear token", zap.Error(err))
		}
	}
	s.onAuthError.emit(s.log, EventAuthError, ev)
}

// lost records a dropped connection and reports whether to reconnect.
func (s *socketCore) lost(ctx context.Context, code int, err error) bool {
	s.mu.Lock()
	s.state = StateDisconnected
	closed := s.closed
	s.mu.Unlock()

	s.cfg.Metrics.setConnected(s.name, false)
	s.log.Info("connection lost", zap.Error(err))
	s.onDisconnected.emit(s.log, "disconnected", DisconnectEvent{Code: code, Reason: err.Error()})

	if closed || ctx.Err() != nil {
		return false
	}
	if s.cfg.DisableReconnect {
		s.mu.Lock()
		s.lastErr = "connection lost: " + err.Error()
		s.mu.Unlock()
		return false
	}
	return true
}

// reconnectWith runs the backoff loop with dial. It reports whether a new
// connection was established; on failure the status is updated.
func (s *socketCore) reconnectWith(ctx context.Context, dial func(context.Context) error) bool {
	s.mu.Lock()
	s.state = StateReconnecting
	s.mu.Unlock()

	err := reconnect(ctx, &s.cfg, func(ctx context.Context) error {
		if err := dial(ctx); err != nil {
			s.log.Debug("reconnect attempt failed", zap.Error(err))
			return err
		}
		return nil
	}, func(ev ReconnectEvent) {
		s.cfg.Metrics.reconnect(s.name)
		s.log.Info("reconnecting", zap.Int("attempt", ev.Attempt), zap.Duration("delay", ev.Delay))
		s.onReconnecting.emit(s.log, "reconnecting", ev)
	})
	if err == nil {
		return true
	}
	if ctx.Err() != nil {
		s.mu.Lock()
		s.state = StateDisconnected
		s.mu.Unlock()
		return false
	}
	s.fail(err)
	return false
}
