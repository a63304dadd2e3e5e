package socialhub

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MessageEvents is a source of message_sent and message_received events.
// ChatSocket satisfies it.
type MessageEvents interface {
	OnMessageSent(h func(Message)) func()
	OnMessageReceived(h func(Message)) func()
}

// ConversationList keeps the user's conversations ordered by recent
// activity. Any message event moves its conversation to the front.
type ConversationList struct {
	mu    sync.RWMutex
	convs []Conversation
	log   *zap.Logger

	onChange handlerSet[[]Conversation]
}

func NewConversationList(log *zap.Logger) *ConversationList {
	if log == nil {
		log = zap.NewNop()
	}
	return &ConversationList{log: log}
}

// Load replaces the list with convs, most recent activity first.
func (l *ConversationList) Load(convs []Conversation) {
	sorted := make([]Conversation, len(convs))
	copy(sorted, convs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].LastActivity().After(sorted[j].LastActivity())
	})
	l.mu.Lock()
	l.convs = sorted
	l.mu.Unlock()
	l.changed()
}

// Snapshot returns a copy in display order.
func (l *ConversationList) Snapshot() []Conversation {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Conversation, len(l.convs))
	copy(out, l.convs)
	return out
}

// Ordered returns the list with conversations that have unread messages
// first. Relative order inside each group is preserved.
func (l *ConversationList) Ordered(unread func(conversationID string) int) []Conversation {
	out := l.Snapshot()
	if unread == nil {
		return out
	}
	sort.SliceStable(out, func(i, j int) bool {
		return unread(out[i].ID) > 0 && unread(out[j].ID) == 0
	})
	return out
}

func (l *ConversationList) Get(id string) (Conversation, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if i := l.indexOf(id); i >= 0 {
		return l.convs[i], true
	}
	return Conversation{}, false
}

func (l *ConversationList) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.convs)
}

// Touch applies a message event: the conversation's preview and timestamp
// are updated and it moves to the front. Unknown conversations are logged
// and ignored.
func (l *ConversationList) Touch(m Message) bool {
	l.mu.Lock()
	i := l.indexOf(m.ConversationID)
	if i < 0 {
		l.mu.Unlock()
		l.log.Warn("message for unknown conversation", zap.String("conversation_id", m.ConversationID))
		return false
	}
	c := l.convs[i]
	c.LastMessage = m.Preview()
	c.LastMessageAt = m.CreatedAt
	if c.LastMessageAt.IsZero() {
		c.LastMessageAt = time.Now()
	}
	copy(l.convs[1:i+1], l.convs[:i])
	l.convs[0] = c
	l.mu.Unlock()
	l.changed()
	return true
}

// AddTemporary puts a local placeholder at the head of the list, replacing
// any entry with the same ID.
func (l *ConversationList) AddTemporary(c Conversation) {
	c.Temporary = true
	l.mu.Lock()
	if i := l.indexOf(c.ID); i >= 0 {
		l.convs = append(l.convs[:i], l.convs[i+1:]...)
	}
	l.convs = append([]Conversation{c}, l.convs...)
	l.mu.Unlock()
	l.changed()
}

// Confirm replaces the placeholder tempID with the server's conversation,
// keeping its position. If the server returned a conversation already in the
// list, the placeholder is dropped and the existing entry moves to its slot.
func (l *ConversationList) Confirm(tempID string, c Conversation) {
	c.Temporary = false
	l.mu.Lock()
	if j := l.indexOf(c.ID); j >= 0 && c.ID != tempID {
		l.convs = append(l.convs[:j], l.convs[j+1:]...)
	}
	if i := l.indexOf(tempID); i >= 0 {
		l.convs[i] = c
	} else {
		l.convs = append([]Conversation{c}, l.convs...)
	}
	l.mu.Unlock()
	l.changed()
}

// Remove drops a conversation. It reports whether it was present.
func (l *ConversationList) Remove(id string) bool {
	l.mu.Lock()
	i := l.indexOf(id)
	if i >= 0 {
		l.convs = append(l.convs[:i], l.convs[i+1:]...)
	}
	l.mu.Unlock()
	if i < 0 {
		return false
	}
	l.changed()
	return true
}

// FindDirect returns the existing conversation whose participants include
// userID, if any.
func (l *ConversationList) FindDirect(userID string) (Conversation, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, c := range l.convs {
		if !c.Temporary && c.HasParticipant(userID) && len(c.Participants) <= 2 {
			return c, true
		}
	}
	return Conversation{}, false
}

// Attach keeps the list in sync with a socket. The returned func detaches.
func (l *ConversationList) Attach(events MessageEvents) func() {
	offSent := events.OnMessageSent(func(m Message) { l.Touch(m) })
	offRecv := events.OnMessageReceived(func(m Message) { l.Touch(m) })
	return func() {
		offSent()
		offRecv()
	}
}

// OnChange registers a callback receiving the list after every change.
func (l *ConversationList) OnChange(h func([]Conversation)) func() {
	return l.onChange.add(h)
}

func (l *ConversationList) changed() {
	l.onChange.emit(l.log, "conversations", l.Snapshot())
}

func (l *ConversationList) indexOf(id string) int {
	for i, c := range l.convs {
		if c.ID == id {
			return i
		}
	}
	return -1
}
