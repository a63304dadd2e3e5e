package socialhub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"nhooyr.io/websocket"
)

// ============================================================================
// Fake STOMP broker
// ============================================================================

type stompClient struct {
	ws  *websocket.Conn
	mu  sync.Mutex
	w   *frame.Writer
	sub string
	dst string
}

func (c *stompClient) write(f *frame.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.w.Write(f)
}

type fakeBroker struct {
	srv *httptest.Server

	mu        sync.Mutex
	reject    bool
	auth      []string
	stompAuth []string
	clients   []*stompClient
	seq       int
}

func newFakeBroker(t *testing.T) *fakeBroker {
	t.Helper()
	b := &fakeBroker{}
	b.srv = httptest.NewServer(http.HandlerFunc(b.handle))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeBroker) url() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http") + "/notification/ws"
}

func (b *fakeBroker) handle(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.auth = append(b.auth, r.Header.Get("Authorization"))
	b.mu.Unlock()

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	nc := websocket.NetConn(context.Background(), ws, websocket.MessageText)
	c := &stompClient{ws: ws, w: frame.NewWriter(nc)}
	reader := frame.NewReader(nc)

	for {
		f, err := reader.Read()
		if err != nil {
			return
		}
		if f == nil {
			continue
		}
		switch f.Command {
		case "CONNECT", "STOMP":
			b.mu.Lock()
			b.stompAuth = append(b.stompAuth, f.Header.Get("Authorization"))
			reject := b.reject
			b.mu.Unlock()
			if reject {
				_ = c.write(frame.New("ERROR", "message", "Unauthorized"))
				_ = ws.CloseNow()
				return
			}
			_ = c.write(frame.New("CONNECTED", "version", "1.2", "heart-beat", "0,0"))
		case "SUBSCRIBE":
			c.mu.Lock()
			c.sub = f.Header.Get("id")
			c.dst = f.Header.Get("destination")
			c.mu.Unlock()
			b.mu.Lock()
			b.clients = append(b.clients, c)
			b.mu.Unlock()
		case "DISCONNECT":
			if receipt := f.Header.Get("receipt"); receipt != "" {
				_ = c.write(frame.New("RECEIPT", "receipt-id", receipt))
			}
			return
		}
	}
}

func (b *fakeBroker) latest() *stompClient {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.clients) == 0 {
		return nil
	}
	return b.clients[len(b.clients)-1]
}

func (b *fakeBroker) subscriptions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// publish sends body to the latest subscriber.
func (b *fakeBroker) publish(t *testing.T, body []byte) {
	t.Helper()
	c := b.latest()
	if c == nil {
		t.Fatal("no subscriber")
	}
	b.mu.Lock()
	b.seq++
	id := strconv.Itoa(b.seq)
	b.mu.Unlock()

	c.mu.Lock()
	sub, dst := c.sub, c.dst
	c.mu.Unlock()

	f := frame.New("MESSAGE",
		"subscription", sub,
		"message-id", id,
		"destination", dst,
		"content-type", "application/json",
	)
	f.Body = body
	if err := c.write(f); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func (b *fakeBroker) publishJSON(t *testing.T, n Notification) {
	t.Helper()
	data, err := json.Marshal(n)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	b.publish(t, data)
}

func (b *fakeBroker) drop() {
	if c := b.latest(); c != nil {
		_ = c.ws.CloseNow()
	}
}

// ============================================================================
// Tests
// ============================================================================

func TestNotificationSocketDelivery(t *testing.T) {
	broker := newFakeBroker(t)
	token := testToken(t, "u1", "alice", time.Now().Add(time.Hour))
	reg := prometheus.NewRegistry()
	cfg := testSocketConfig()
	cfg.Metrics = NewMetrics(reg)
	sock := NewNotificationSocket(broker.url(), NewMemoryTokenStore(token), cfg)

	got := make(chan Notification, 4)
	sock.OnNotification(func(n Notification) { got <- n })

	if err := sock.Connect(context.Background()); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	defer sock.Close()

	waitFor(t, "subscription", func() bool { return broker.subscriptions() == 1 })
	c := broker.latest()
	if c == nil || c.dst != "/user/u1/queue/notifications" {
		t.Fatalf("unexpected subscription: %+v", c)
	}
	broker.mu.Lock()
	wsAuth, stompAuth := broker.auth[0], broker.stompAuth[0]
	broker.mu.Unlock()
	if wsAuth != "Bearer "+token || stompAuth != "Bearer "+token {
		t.Errorf("authorization headers: ws %q, stomp %q", wsAuth, stompAuth)
	}

	broker.publishJSON(t, Notification{ID: "n1", SenderID: "u2", Type: NotificationLike, PostID: "p1", Content: "liked your post"})
	broker.publish(t, []byte("{not json"))
	broker.publishJSON(t, Notification{ID: "n2", SenderID: "u3", Type: NotificationFollow})

	var ids []string
	for len(ids) < 2 {
		select {
		case n := <-got:
			ids = append(ids, n.ID)
		case <-time.After(3 * time.Second):
			t.Fatalf("received only %v", ids)
		}
	}
	if ids[0] != "n1" || ids[1] != "n2" {
		t.Errorf("delivery order = %v", ids)
	}
	if v := testutil.ToFloat64(cfg.Metrics.NotificationsReceived.WithLabelValues("LIKE")); v != 1 {
		t.Errorf("LIKE counter = %v", v)
	}
	if v := testutil.ToFloat64(cfg.Metrics.SocketConnected.WithLabelValues("notifications")); v != 1 {
		t.Errorf("connected gauge = %v", v)
	}
}

func TestNotificationSocketRejected(t *testing.T) {
	broker := newFakeBroker(t)
	broker.reject = true
	tokens := NewMemoryTokenStore(testToken(t, "u1", "alice", time.Now().Add(time.Hour)))
	sock := NewNotificationSocket(broker.url(), tokens, testSocketConfig())

	var authErrs recorder
	sock.OnAuthError(func(ev AuthErrorEvent) { authErrs.add(ev.Message) })

	err := sock.Connect(context.Background())
	if !IsAuthError(err) {
		t.Fatalf("expected auth error, got %v", err)
	}
	if authErrs.len() != 1 || tokens.Token() != "" {
		t.Errorf("auth errors = %d, token = %q", authErrs.len(), tokens.Token())
	}
	if sock.State() != StateDisconnected || !strings.Contains(sock.Err(), "authentication failed") {
		t.Errorf("state = %s, err = %q", sock.State(), sock.Err())
	}
}

func TestNotificationSocketBadToken(t *testing.T) {
	broker := newFakeBroker(t)
	sock := NewNotificationSocket(broker.url(), NewMemoryTokenStore("not-a-jwt"), testSocketConfig())

	if err := sock.Connect(context.Background()); err == nil {
		t.Fatal("expected an error for an undecodable token")
	}
	broker.mu.Lock()
	dials := len(broker.auth)
	broker.mu.Unlock()
	if dials != 0 {
		t.Errorf("dialed %d times with an undecodable token", dials)
	}
}

func TestNotificationSocketReconnect(t *testing.T) {
	broker := newFakeBroker(t)
	token := testToken(t, "u1", "alice", time.Now().Add(time.Hour))
	sock := NewNotificationSocket(broker.url(), NewMemoryTokenStore(token), testSocketConfig())

	got := make(chan Notification, 1)
	sock.OnNotification(func(n Notification) { got <- n })
	var disconnects recorder
	sock.OnDisconnected(func(ev DisconnectEvent) { disconnects.add(ev.Reason) })

	if err := sock.Connect(context.Background()); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	defer sock.Close()
	waitFor(t, "subscription", func() bool { return broker.subscriptions() == 1 })

	broker.drop()
	waitFor(t, "resubscribe", func() bool { return broker.subscriptions() == 2 && sock.Connected() })
	if disconnects.len() != 1 {
		t.Errorf("disconnect events = %d", disconnects.len())
	}

	broker.publishJSON(t, Notification{ID: "after", Type: NotificationComment})
	select {
	case n := <-got:
		if n.ID != "after" {
			t.Errorf("got %+v", n)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no notification after reconnect")
	}
}

func TestNotificationSocketClose(t *testing.T) {
	broker := newFakeBroker(t)
	token := testToken(t, "u1", "alice", time.Now().Add(time.Hour))
	sock := NewNotificationSocket(broker.url(), NewMemoryTokenStore(token), testSocketConfig())

	var disconnects recorder
	sock.OnDisconnected(func(ev DisconnectEvent) { disconnects.add(ev.Reason) })
	if err := sock.Connect(context.Background()); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	waitFor(t, "subscription", func() bool { return broker.subscriptions() == 1 })

	_ = sock.Close()
	if sock.State() != StateDisconnected || sock.Err() != "" {
		t.Errorf("state = %s, err = %q", sock.State(), sock.Err())
	}
	if got := disconnects.list(); len(got) != 1 || got[0] != "client disconnect" {
		t.Errorf("disconnect events = %v", got)
	}

	time.Sleep(100 * time.Millisecond)
	if n := broker.subscriptions(); n != 1 {
		t.Errorf("closed socket resubscribed: %d", n)
	}
}
