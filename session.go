package socialhub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ConversationAPI is the conversation management surface a ChatSession
// needs. ConversationsClient satisfies it.
type ConversationAPI interface {
	UnreadAPI
	Create(ctx context.Context, participantIDs []string) (*Conversation, error)
	Delete(ctx context.Context, conversationID string) error
}

// MessageAPI loads message history. MessagesClient satisfies it.
type MessageAPI interface {
	History(ctx context.Context, conversationID string) ([]Message, error)
}

// ChatTransport is the chat socket surface a ChatSession needs.
// ChatSocket satisfies it.
type ChatTransport interface {
	Emitter
	MessageEvents
	OnMessageError(h func(MessageErrorEvent)) func()
}

// SessionConfig configures a ChatSession.
type SessionConfig struct {
	// RefreshInterval enables a periodic unread refresh when positive.
	RefreshInterval time.Duration
	Unread          *UnreadConfig
	Logger          *zap.Logger
	Metrics         *Metrics
}

// ChatSession is the state behind a messaging screen: the conversation
// list, the unread counter, the open conversation and its messages. It
// wires them to the chat socket so that every message event lands in
// exactly one place.
type ChatSession struct {
	convAPI ConversationAPI
	msgAPI  MessageAPI
	sock    ChatTransport
	self    Identity
	cfg     SessionConfig
	log     *zap.Logger

	convs  *ConversationList
	unread *UnreadCounter
	sender *Sender

	mu      sync.Mutex
	thread  *MessageList
	started bool
	closed  bool
	detach  []func()
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	onNotify   handlerSet[Message]
	onMessages handlerSet[[]Message]
}

func NewChatSession(convAPI ConversationAPI, msgAPI MessageAPI, sock ChatTransport, self Identity, cfg *SessionConfig) *ChatSession {
	var c SessionConfig
	if cfg != nil {
		c = *cfg
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	uc := UnreadConfig{}
	if c.Unread != nil {
		uc = *c.Unread
	}
	if uc.Logger == nil {
		uc.Logger = c.Logger
	}
	if uc.Metrics == nil {
		uc.Metrics = c.Metrics
	}

	log := c.Logger.With(zap.String("user_id", self.UserID))
	return &ChatSession{
		convAPI: convAPI,
		msgAPI:  msgAPI,
		sock:    sock,
		self:    self,
		cfg:     c,
		log:     log,
		convs:   NewConversationList(log),
		unread:  NewUnreadCounter(convAPI, &uc),
		sender:  NewSender(sock, self, log, c.Metrics),
	}
}

// NewChatSession creates a session for the signed-in user over sock.
func (c *Client) NewChatSession(sock *ChatSocket, cfg *SessionConfig) (*ChatSession, error) {
	self, err := c.Identity()
	if err != nil {
		return nil, err
	}
	var sc SessionConfig
	if cfg != nil {
		sc = *cfg
	}
	if sc.Logger == nil {
		sc.Logger = c.log
	}
	if sc.Metrics == nil {
		sc.Metrics = c.metrics
	}
	return NewChatSession(c.Conversations, c.Messages, sock, self, &sc), nil
}

// Start loads the conversation list and unread counts and subscribes to
// the socket. Calling it again is a no-op. A closed session cannot be
// restarted; create a new one.
func (s *ChatSession) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	convs, err := s.convAPI.List(ctx)
	if err != nil {
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
		return fmt.Errorf("load conversations: %w", err)
	}
	s.convs.Load(convs)

	if err := s.unread.Refresh(ctx); err != nil {
		s.log.Warn("initial unread refresh failed", zap.Error(err))
	}

	detach := []func(){
		s.convs.Attach(s.sock),
		s.sock.OnMessageReceived(s.handleReceived),
		s.sock.OnMessageSent(s.handleSent),
		s.sock.OnMessageError(s.handleMessageError),
	}

	s.mu.Lock()
	s.detach = detach
	if s.cfg.RefreshInterval > 0 {
		runCtx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.unread.Run(runCtx, s.cfg.RefreshInterval)
		}()
	}
	s.mu.Unlock()

	s.log.Info("chat session started", zap.Int("conversations", len(convs)), zap.Int("unread", s.unread.Total()))
	return nil
}

// Close detaches from the socket and stops background work for good. The
// socket itself is left open.
func (s *ChatSession) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	detach := s.detach
	s.detach = nil
	cancel := s.cancel
	s.cancel = nil
	s.started = false
	s.mu.Unlock()

	for _, d := range detach {
		d()
	}
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.unread.Close()
}

// Select opens a conversation: its unread count is cleared and its history
// is loaded into a fresh message list. If the history fetch fails the list
// stays empty and the error is returned.
func (s *ChatSession) Select(ctx context.Context, conversationID string) error {
	conv, ok := s.convs.Get(conversationID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConversation, conversationID)
	}

	thread := NewMessageList(conversationID, nil)
	s.mu.Lock()
	s.thread = thread
	s.mu.Unlock()

	s.unread.SetOpen(conversationID)
	cleared := s.unread.MarkRead(conversationID)
	s.log.Debug("conversation selected", zap.String("conversation_id", conversationID), zap.Int("cleared", cleared))
	s.messagesChanged(thread)

	if conv.Temporary {
		return nil
	}
	history, err := s.msgAPI.History(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	for i := range history {
		history[i].Me = history[i].Me || s.self.Is(history[i].SenderID())
	}
	thread.Merge(history)
	s.messagesChanged(thread)
	return nil
}

// Deselect closes the open conversation.
func (s *ChatSession) Deselect() {
	s.mu.Lock()
	s.thread = nil
	s.mu.Unlock()
	s.unread.SetOpen("")
	s.onMessages.emit(s.log, "messages", nil)
}

// Send sends a message to the open conversation.
func (s *ChatSession) Send(ctx context.Context, body string, attachments []Attachment) (Message, error) {
	thread := s.Thread()
	m, err := s.sender.Send(ctx, thread, body, attachments)
	if m.TempID != "" {
		s.messagesChanged(thread)
	}
	return m, err
}

// Retry resends a failed message in the open conversation.
func (s *ChatSession) Retry(ctx context.Context, tempID string) (Message, error) {
	thread := s.Thread()
	m, err := s.sender.Retry(ctx, thread, tempID)
	if m.TempID != "" {
		s.messagesChanged(thread)
	}
	return m, err
}

// StartConversation opens a direct conversation with userID. An existing
// one is reused. Otherwise a placeholder is shown at the head of the list
// until the server creates the conversation; it is removed if that fails.
func (s *ChatSession) StartConversation(ctx context.Context, userID, name string) (Conversation, error) {
	if existing, ok := s.convs.FindDirect(userID); ok {
		return existing, nil
	}

	tempID := NewTempID()
	s.convs.AddTemporary(Conversation{
		ID:   tempID,
		Type: "DIRECT",
		Name: name,
		Participants: []Participant{
			{UserID: s.self.UserID, Username: s.self.Username},
			{UserID: userID, Username: name},
		},
		CreatedAt: time.Now(),
	})

	conv, err := s.convAPI.Create(ctx, []string{userID})
	if err != nil {
		s.convs.Remove(tempID)
		return Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	s.convs.Confirm(tempID, *conv)

	if open := s.Thread(); open != nil && open.ConversationID() == tempID {
		if err := s.Select(ctx, conv.ID); err != nil {
			return *conv, err
		}
	}
	return *conv, nil
}

// DeleteConversation deletes a conversation on the server and drops it
// locally.
func (s *ChatSession) DeleteConversation(ctx context.Context, conversationID string) error {
	if err := s.convAPI.Delete(ctx, conversationID); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	s.convs.Remove(conversationID)
	s.unread.Remove(conversationID)
	if open := s.Thread(); open != nil && open.ConversationID() == conversationID {
		s.Deselect()
	}
	return nil
}

// Thread returns the open conversation's message list, or nil.
func (s *ChatSession) Thread() *MessageList {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.thread
}

// Messages returns the open conversation's messages, oldest first.
func (s *ChatSession) Messages() []Message {
	if t := s.Thread(); t != nil {
		return t.Snapshot()
	}
	return nil
}

// OpenConversation returns the open conversation.
func (s *ChatSession) OpenConversation() (Conversation, bool) {
	t := s.Thread()
	if t == nil {
		return Conversation{}, false
	}
	return s.convs.Get(t.ConversationID())
}

// Conversations returns the list for display: unread conversations first,
// each group by recent activity.
func (s *ChatSession) Conversations() []Conversation {
	return s.convs.Ordered(s.unread.Count)
}

func (s *ChatSession) ConversationList() *ConversationList { return s.convs }

func (s *ChatSession) Unread() *UnreadCounter { return s.unread }

func (s *ChatSession) Self() Identity { return s.self }

// OnNotify fires for messages from others that arrive in a conversation
// other than the open one.
func (s *ChatSession) OnNotify(h func(Message)) func() {
	return s.onNotify.add(h)
}

// OnMessagesChanged fires with the open conversation's messages whenever
// they change.
func (s *ChatSession) OnMessagesChanged(h func([]Message)) func() {
	return s.onMessages.add(h)
}

func (s *ChatSession) handleReceived(m Message) {
	if s.self.Is(m.SenderID()) {
		m.Me = true
	}
	s.unread.HandleReceived(m)

	thread := s.Thread()
	if thread != nil && thread.ConversationID() == m.ConversationID {
		if thread.Append(m) {
			s.messagesChanged(thread)
		}
		return
	}
	if !m.Me {
		s.onNotify.emit(s.log, "notify", m)
	}
}

func (s *ChatSession) handleSent(m Message) {
	s.cfg.Metrics.messageOutcome("confirmed")
	thread := s.Thread()
	if thread == nil || thread.ConversationID() != m.ConversationID {
		return
	}
	if thread.Reconcile(m) {
		s.messagesChanged(thread)
	}
}

func (s *ChatSession) handleMessageError(ev MessageErrorEvent) {
	s.cfg.Metrics.messageOutcome("rejected")
	s.log.Warn("server rejected message", zap.String("temp_id", ev.TempID), zap.String("error", ev.Error))
	thread := s.Thread()
	if thread == nil || ev.TempID == "" {
		return
	}
	if thread.MarkFailed(ev.TempID, ev.Error) {
		s.messagesChanged(thread)
	}
}

// messagesChanged notifies listeners if thread is still the open one.
func (s *ChatSession) messagesChanged(thread *MessageList) {
	if thread == nil || s.Thread() != thread {
		return
	}
	s.onMessages.emit(s.log, "messages", thread.Snapshot())
}
