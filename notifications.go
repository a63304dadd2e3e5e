package socialhub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-stomp/stomp/v3"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// notificationQueue is the per-user STOMP destination the notification
// service publishes to.
const notificationQueue = "/user/%s/queue/notifications"

// NotificationSocket receives realtime notifications (likes, comments,
// follows, stories, messages) over STOMP on a WebSocket.
type NotificationSocket struct {
	socketCore
	url string

	sess *stompSession

	onNotification handlerSet[Notification]
}

type stompSession struct {
	ws   *websocket.Conn
	conn *stomp.Conn
	sub  *stomp.Subscription
}

func (ss *stompSession) close() {
	_ = ss.conn.MustDisconnect()
	ss.ws.Close(websocket.StatusNormalClosure, "client disconnect")
}

// NewNotificationSocket creates a notification socket for socketURL. The
// subscription destination is derived from the token's user ID.
func NewNotificationSocket(socketURL string, tokens TokenStore, cfg *SocketConfig) *NotificationSocket {
	return &NotificationSocket{
		socketCore: newSocketCore("notifications", tokens, cfg),
		url:        socketURL,
	}
}

// NotificationSocket creates a notification socket using the client's URL,
// token store, logger and metrics.
func (c *Client) NotificationSocket(cfg *SocketConfig) *NotificationSocket {
	return NewNotificationSocket(c.NotificationURL(), c.tokens, c.socketConfig(cfg))
}

// OnNotification registers a handler for delivered notifications.
func (s *NotificationSocket) OnNotification(h func(Notification)) func() {
	return s.onNotification.add(h)
}

// Connect dials, performs the STOMP handshake and subscribes to the user's
// queue. ctx bounds the lifetime of the connection.
func (s *NotificationSocket) Connect(ctx context.Context) error {
	if !s.beginConnect() {
		return nil
	}

	lifeCtx, cancel := context.WithCancel(ctx)
	sess, err := s.dial(lifeCtx)
	if err != nil {
		cancel()
		s.fail(err)
		return err
	}
	if !s.attach(lifeCtx, sess, cancel) {
		cancel()
		return ErrNotConnected
	}
	return nil
}

// Close disconnects without reconnecting.
func (s *NotificationSocket) Close() error {
	s.mu.Lock()
	sess := s.sess
	s.sess = nil
	wasConnected, cancel := s.markClosed()
	s.mu.Unlock()

	if sess != nil {
		sess.close()
	}
	if cancel != nil {
		cancel()
	}
	s.announceClosed(wasConnected, int(websocket.StatusNormalClosure))
	return nil
}

func (s *NotificationSocket) dial(ctx context.Context) (*stompSession, error) {
	token := s.tokens.Token()
	if token == "" {
		return nil, ErrNoToken
	}
	id, err := IdentityFromToken(token)
	if err != nil {
		return nil, err
	}

	ws, err := dialWebsocket(ctx, s.url, &s.cfg, http.Header{"Authorization": {"Bearer " + token}})
	if err != nil {
		return nil, err
	}

	netConn := websocket.NetConn(ctx, ws, websocket.MessageText)
	conn, err := stomp.Connect(netConn,
		stomp.ConnOpt.Host("/"),
		stomp.ConnOpt.Header("Authorization", "Bearer "+token),
		stomp.ConnOpt.HeartBeat(0, 0),
	)
	if err != nil {
		ws.Close(websocket.StatusPolicyViolation, "stomp connect failed")
		return nil, stompConnectError(err)
	}

	dest := fmt.Sprintf(notificationQueue, id.UserID)
	sub, err := conn.Subscribe(dest, stomp.AckAuto)
	if err != nil {
		conn.MustDisconnect()
		ws.Close(websocket.StatusInternalError, "subscribe failed")
		return nil, fmt.Errorf("subscribe %s: %w", dest, err)
	}
	s.log.Debug("subscribed", zap.String("destination", dest))
	return &stompSession{ws: ws, conn: conn, sub: sub}, nil
}

// stompConnectError maps an ERROR frame that rejects credentials to an
// auth error so it is not retried.
func stompConnectError(err error) error {
	msg := strings.ToLower(err.Error())
	for _, hint := range []string{"unauthorized", "forbidden", "access denied", "invalid token", "jwt"} {
		if strings.Contains(msg, hint) {
			return &APIError{Status: http.StatusUnauthorized, Message: err.Error()}
		}
	}
	return fmt.Errorf("stomp connect: %w", err)
}

func (s *NotificationSocket) attach(ctx context.Context, sess *stompSession, cancel context.CancelFunc) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sess.close()
		return false
	}
	s.sess = sess
	s.markConnected(cancel)
	s.mu.Unlock()

	s.announceConnected()
	go s.readLoop(ctx, sess)
	return true
}

func (s *NotificationSocket) readLoop(ctx context.Context, sess *stompSession) {
	for {
		select {
		case <-ctx.Done():
			s.handleLoss(ctx, sess, ctx.Err())
			return
		case msg, ok := <-sess.sub.C:
			if !ok {
				s.handleLoss(ctx, sess, errors.New("subscription closed"))
				return
			}
			if msg.Err != nil {
				s.handleLoss(ctx, sess, msg.Err)
				return
			}
			var n Notification
			if err := json.Unmarshal(msg.Body, &n); err != nil {
				s.log.Warn("malformed notification", zap.Error(err))
				continue
			}
			s.cfg.Metrics.notification(n.Type)
			s.onNotification.emit(s.log, "notification", n)
		}
	}
}

func (s *NotificationSocket) handleLoss(ctx context.Context, sess *stompSession, err error) {
	s.mu.Lock()
	if s.sess != sess {
		s.mu.Unlock()
		return
	}
	s.sess = nil
	s.mu.Unlock()

	sess.ws.Close(websocket.StatusGoingAway, "")
	if !s.lost(ctx, int(websocket.CloseStatus(err)), err) {
		return
	}

	var next *stompSession
	ok := s.reconnectWith(ctx, func(ctx context.Context) error {
		n, err := s.dial(ctx)
		if err != nil {
			return err
		}
		next = n
		return nil
	})
	if ok {
		s.attach(ctx, next, nil)
	}
}
