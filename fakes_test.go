package socialhub

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

var errBoom = errors.New("boom")

// fakeChatAPI serves conversations, unread counts and history from memory.
type fakeChatAPI struct {
	mu         sync.Mutex
	convs      []Conversation
	unread     map[string]int
	unreadErr  map[string]error
	history    map[string][]Message
	historyErr error
	createErr  error
	createResp *Conversation
	marked     []string
	created    [][]string
	deleted    []string
	countCalls map[string]int

	// block, when set, holds UnreadCount until closed.
	block    chan struct{}
	inFlight int
}

func newFakeChatAPI(convs ...Conversation) *fakeChatAPI {
	return &fakeChatAPI{
		convs:      convs,
		unread:     map[string]int{},
		unreadErr:  map[string]error{},
		history:    map[string][]Message{},
		countCalls: map[string]int{},
	}
}

func (f *fakeChatAPI) List(ctx context.Context) ([]Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Conversation, len(f.convs))
	copy(out, f.convs)
	return out, nil
}

func (f *fakeChatAPI) UnreadCount(ctx context.Context, id string) (int, error) {
	// The count is taken on arrival, like a server answering from a
	// snapshot that later writes do not affect.
	f.mu.Lock()
	f.countCalls[id]++
	f.inFlight++
	n, err := f.unread[id], f.unreadErr[id]
	block := f.block
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (f *fakeChatAPI) MarkAsRead(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, id)
	f.unread[id] = 0
	return nil
}

func (f *fakeChatAPI) Create(ctx context.Context, participantIDs []string) (*Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, participantIDs)
	if f.createErr != nil {
		return nil, f.createErr
	}
	c := *f.createResp
	f.convs = append(f.convs, c)
	return &c, nil
}

func (f *fakeChatAPI) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeChatAPI) History(ctx context.Context, id string) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	return append([]Message(nil), f.history[id]...), nil
}

func (f *fakeChatAPI) markedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.marked...)
}

func (f *fakeChatAPI) setUnread(id string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unread[id] = n
}

func (f *fakeChatAPI) calls(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.countCalls[id]
}

func (f *fakeChatAPI) waiting() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inFlight
}

// fakeSocket is an in-memory ChatTransport. Tests drive server events with
// the receive, ack and reject helpers.
type fakeSocket struct {
	mu        sync.Mutex
	connected bool
	sendErr   error
	sent      []SendMessageRequest

	onSent     handlerSet[Message]
	onReceived handlerSet[Message]
	onError    handlerSet[MessageErrorEvent]
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{connected: true}
}

func (s *fakeSocket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeSocket) SendMessage(ctx context.Context, req SendMessageRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, req)
	return nil
}

func (s *fakeSocket) OnMessageSent(h func(Message)) func() { return s.onSent.add(h) }

func (s *fakeSocket) OnMessageReceived(h func(Message)) func() { return s.onReceived.add(h) }

func (s *fakeSocket) OnMessageError(h func(MessageErrorEvent)) func() { return s.onError.add(h) }

func (s *fakeSocket) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}

func (s *fakeSocket) setSendErr(err error) {
	s.mu.Lock()
	s.sendErr = err
	s.mu.Unlock()
}

func (s *fakeSocket) sentRequests() []SendMessageRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SendMessageRequest(nil), s.sent...)
}

func (s *fakeSocket) receive(m Message) { s.onReceived.emit(zap.NewNop(), EventMessageReceived, m) }

func (s *fakeSocket) ack(m Message) { s.onSent.emit(zap.NewNop(), EventMessageSent, m) }

func (s *fakeSocket) reject(ev MessageErrorEvent) { s.onError.emit(zap.NewNop(), EventMessageError, ev) }
