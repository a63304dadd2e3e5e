package socialhub

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TempIDPrefix marks identifiers generated locally for unacknowledged messages.
const TempIDPrefix = "temp-"

// NewTempID returns a fresh temporary message identifier.
func NewTempID() string {
	return TempIDPrefix + uuid.NewString()
}

// ============================================================================
// MessageList
// ============================================================================

// MessageList is the ordered message history of one conversation, including
// optimistic messages that the server has not acknowledged yet. It is safe
// for concurrent use.
type MessageList struct {
	mu             sync.RWMutex
	conversationID string
	messages       []Message
}

// NewMessageList creates a list seeded with history, sorted oldest first.
func NewMessageList(conversationID string, history []Message) *MessageList {
	l := &MessageList{conversationID: conversationID}
	l.Merge(history)
	return l
}

func (l *MessageList) ConversationID() string {
	return l.conversationID
}

func (l *MessageList) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.messages)
}

// Snapshot returns a copy of the messages, oldest first.
func (l *MessageList) Snapshot() []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Message, len(l.messages))
	copy(out, l.messages)
	return out
}

// Get finds a message by server ID or temporary ID.
func (l *MessageList) Get(id string) (Message, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if i := l.indexOf(id); i >= 0 {
		return l.messages[i], true
	}
	return Message{}, false
}

// Pending returns the messages still waiting for an acknowledgement.
func (l *MessageList) Pending() []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Message
	for _, m := range l.messages {
		if m.State == DeliveryPending {
			out = append(out, m)
		}
	}
	return out
}

// Append adds a server message unless one with the same ID is present.
func (l *MessageList) Append(m Message) bool {
	if m.ConversationID != "" && m.ConversationID != l.conversationID {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if m.ID != "" && l.indexOf(m.ID) >= 0 {
		return false
	}
	l.messages = append(l.messages, m)
	return true
}

// Merge adds history messages that are not yet present and restores
// chronological order. Live messages that arrived before the history fetch
// completed are kept.
func (l *MessageList) Merge(history []Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	seen := make(map[string]bool, len(l.messages))
	for _, m := range l.messages {
		seen[m.ID] = true
	}
	for _, m := range history {
		if m.ID != "" && seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		l.messages = append(l.messages, m)
	}
	sort.SliceStable(l.messages, func(i, j int) bool {
		return l.messages[i].CreatedAt.Before(l.messages[j].CreatedAt)
	})
}

// Reconcile applies a message_sent acknowledgement. The pending record with
// the same temporary ID is replaced in place. Without a temporary ID the
// oldest pending message with the same body is replaced instead. If the
// server copy already arrived as message_received, the pending record is
// dropped and the server copy takes its temporary ID. An ack that matches
// nothing is appended unless its ID is already present. It reports whether
// the list changed.
func (l *MessageList) Reconcile(ack Message) bool {
	if ack.ConversationID != "" && ack.ConversationID != l.conversationID {
		return false
	}
	ack.State = DeliveryConfirmed
	ack.Err = ""

	l.mu.Lock()
	defer l.mu.Unlock()

	i := -1
	if ack.TempID != "" {
		i = l.indexOfTemp(ack.TempID)
	}
	if i < 0 {
		for j, m := range l.messages {
			if m.State == DeliveryPending && m.Body == ack.Body {
				i = j
				break
			}
		}
	}
	if i >= 0 {
		if ack.TempID == "" {
			ack.TempID = l.messages[i].TempID
		}
		ack.Me = true
		if j := l.indexOfServer(ack.ID, i); j >= 0 {
			l.messages[j] = ack
			l.messages = append(l.messages[:i], l.messages[i+1:]...)
			return true
		}
		l.messages[i] = ack
		return true
	}
	if ack.ID != "" && l.indexOf(ack.ID) >= 0 {
		return false
	}
	l.messages = append(l.messages, ack)
	return true
}

// MarkFailed flags a pending message as failed. The message stays in the
// list so the user can retry it.
func (l *MessageList) MarkFailed(tempID, reason string) bool {
	return l.setState(tempID, DeliveryFailed, reason)
}

func (l *MessageList) insertPending(m Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, m)
}

func (l *MessageList) setState(tempID string, state DeliveryState, reason string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := l.indexOfTemp(tempID)
	if i < 0 || l.messages[i].State == DeliveryConfirmed {
		return false
	}
	l.messages[i].State = state
	l.messages[i].Err = reason
	return true
}

// indexOf must be called with mu held.
func (l *MessageList) indexOf(id string) int {
	for i, m := range l.messages {
		if m.ID == id || (m.TempID != "" && m.TempID == id) {
			return i
		}
	}
	return -1
}

// indexOfServer finds id among entries other than skip.
func (l *MessageList) indexOfServer(id string, skip int) int {
	if id == "" {
		return -1
	}
	for i, m := range l.messages {
		if i != skip && m.ID == id {
			return i
		}
	}
	return -1
}

func (l *MessageList) indexOfTemp(tempID string) int {
	for i, m := range l.messages {
		if m.TempID == tempID {
			return i
		}
	}
	return -1
}

// ============================================================================
// Sender
// ============================================================================

// Emitter is the part of the chat socket the send path needs.
type Emitter interface {
	Connected() bool
	SendMessage(ctx context.Context, req SendMessageRequest) error
}

// Sender implements optimistic sends: the message is shown as pending at
// once and confirmed when the server acknowledges it. Failed sends are never
// retried automatically.
type Sender struct {
	sock    Emitter
	self    Identity
	log     *zap.Logger
	metrics *Metrics
	now     func() time.Time
}

func NewSender(sock Emitter, self Identity, log *zap.Logger, metrics *Metrics) *Sender {
	if log == nil {
		log = zap.NewNop()
	}
	return &Sender{sock: sock, self: self, log: log, metrics: metrics, now: time.Now}
}

// Send inserts a pending message into thread and emits it. Nothing is
// inserted when there is no thread, the message is empty, or the socket is
// down. If the emit itself fails the message is kept and marked failed, and
// the returned error wraps the cause.
func (s *Sender) Send(ctx context.Context, thread *MessageList, body string, attachments []Attachment) (Message, error) {
	if thread == nil {
		return Message{}, ErrNoActiveConversation
	}
	body = strings.TrimSpace(body)
	if body == "" && len(attachments) == 0 {
		return Message{}, ErrEmptyMessage
	}
	if !s.sock.Connected() {
		return Message{}, ErrNotConnected
	}

	tempID := NewTempID()
	m := Message{
		ID:             tempID,
		TempID:         tempID,
		ConversationID: thread.ConversationID(),
		Body:           body,
		Sender:         Participant{UserID: s.self.UserID, Username: s.self.Username},
		Me:             true,
		CreatedAt:      s.now(),
		Attachments:    attachments,
		State:          DeliveryPending,
	}
	thread.insertPending(m)

	if err := s.emit(ctx, m); err != nil {
		thread.MarkFailed(tempID, err.Error())
		m.State, m.Err = DeliveryFailed, err.Error()
		return m, fmt.Errorf("send message: %w", err)
	}
	return m, nil
}

// Retry resends a failed message under its original temporary ID.
func (s *Sender) Retry(ctx context.Context, thread *MessageList, tempID string) (Message, error) {
	if thread == nil {
		return Message{}, ErrNoActiveConversation
	}
	m, ok := thread.Get(tempID)
	if !ok || m.State != DeliveryFailed {
		return Message{}, ErrNotRetryable
	}
	if !s.sock.Connected() {
		return m, ErrNotConnected
	}

	thread.setState(tempID, DeliveryPending, "")
	m.State, m.Err = DeliveryPending, ""
	if err := s.emit(ctx, m); err != nil {
		thread.MarkFailed(tempID, err.Error())
		m.State, m.Err = DeliveryFailed, err.Error()
		return m, fmt.Errorf("retry message: %w", err)
	}
	return m, nil
}

func (s *Sender) emit(ctx context.Context, m Message) error {
	err := s.sock.SendMessage(ctx, SendMessageRequest{
		ConversationID: m.ConversationID,
		Message:        m.Body,
		TempID:         m.TempID,
		Attachments:    m.Attachments,
	})
	if err != nil {
		s.metrics.messageOutcome("failed")
		s.log.Warn("emit failed", zap.String("temp_id", m.TempID), zap.String("conversation_id", m.ConversationID), zap.Error(err))
		return err
	}
	s.metrics.messageOutcome("emitted")
	s.log.Debug("message emitted", zap.String("temp_id", m.TempID), zap.String("conversation_id", m.ConversationID))
	return nil
}
