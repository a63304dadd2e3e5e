package socialhub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// UnreadAPI is the server side of unread tracking. ConversationsClient
// satisfies it.
type UnreadAPI interface {
	List(ctx context.Context) ([]Conversation, error)
	UnreadCount(ctx context.Context, conversationID string) (int, error)
	MarkAsRead(ctx context.Context, conversationID string) error
}

// UnreadConfig configures an UnreadCounter.
type UnreadConfig struct {
	// Concurrency bounds the per-conversation fetches during Refresh.
	Concurrency int
	// ReconcileInterval is the minimum spacing of follow-up fetches
	// triggered by inbound messages.
	ReconcileInterval time.Duration
	Logger            *zap.Logger
	Metrics           *Metrics
}

func (c *UnreadConfig) defaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// UnreadSnapshot is a consistent copy of the counter's state.
type UnreadSnapshot struct {
	Counts map[string]int
	Total  int
}

// UnreadCounter tracks unread messages per conversation and their total.
// The total always equals the sum of the per-conversation counts.
//
// Local updates win over fetches that started before them: every local
// change bumps the conversation's epoch, and a fetch result is applied only
// if the epoch it started under is still current.
type UnreadCounter struct {
	api     UnreadAPI
	cfg     UnreadConfig
	log     *zap.Logger
	limiter *rate.Limiter

	mu      sync.Mutex
	counts  map[string]int
	total   int
	epochs  map[string]uint64
	pending map[string]bool
	open    string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	onChange handlerSet[UnreadSnapshot]
}

func NewUnreadCounter(api UnreadAPI, cfg *UnreadConfig) *UnreadCounter {
	var c UnreadConfig
	if cfg != nil {
		c = *cfg
	}
	c.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &UnreadCounter{
		api:     api,
		cfg:     c,
		log:     c.Logger.With(zap.String("component", "unread")),
		limiter: rate.NewLimiter(rate.Every(c.ReconcileInterval), 1),
		counts:  make(map[string]int),
		epochs:  make(map[string]uint64),
		pending: make(map[string]bool),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Refresh fetches the conversation list and every conversation's unread
// count, then replaces the map. A failed per-conversation fetch keeps the
// previous count. The open conversation is always zero.
func (u *UnreadCounter) Refresh(ctx context.Context) error {
	convs, err := u.api.List(ctx)
	if err != nil {
		return fmt.Errorf("list conversations: %w", err)
	}

	u.mu.Lock()
	started := make([]uint64, len(convs))
	for i, c := range convs {
		started[i] = u.epochs[c.ID]
	}
	open := u.open
	u.mu.Unlock()

	counts := make([]int, len(convs))
	fetched := make([]bool, len(convs))
	var g errgroup.Group
	g.SetLimit(u.cfg.Concurrency)
	for i, c := range convs {
		if c.ID == open {
			continue
		}
		i, id := i, c.ID
		g.Go(func() error {
			n, err := u.api.UnreadCount(ctx, id)
			if err != nil {
				u.log.Warn("unread count failed", zap.String("conversation_id", id), zap.Error(err))
				return nil
			}
			counts[i], fetched[i] = n, true
			return nil
		})
	}
	_ = g.Wait()

	u.mu.Lock()
	next := make(map[string]int, len(convs))
	total := 0
	for i, c := range convs {
		n := u.counts[c.ID]
		switch {
		case c.ID == u.open:
			n = 0
		case fetched[i] && u.epochs[c.ID] == started[i]:
			n = counts[i]
		}
		if n > 0 {
			next[c.ID] = n
			total += n
		}
	}
	u.counts = next
	u.total = total
	u.mu.Unlock()

	u.changed()
	return nil
}

// Run refreshes every interval until ctx is done.
func (u *UnreadCounter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := u.Refresh(ctx); err != nil && ctx.Err() == nil {
				u.log.Warn("periodic refresh failed", zap.Error(err))
			}
		}
	}
}

// HandleReceived counts an inbound message. Messages for the open
// conversation are marked read on the server instead. Own messages are
// ignored.
func (u *UnreadCounter) HandleReceived(m Message) {
	if m.Me || m.ConversationID == "" {
		return
	}
	u.mu.Lock()
	if m.ConversationID == u.open {
		u.mu.Unlock()
		u.markReadRemote(m.ConversationID)
		return
	}
	u.counts[m.ConversationID]++
	u.total++
	u.epochs[m.ConversationID]++
	u.mu.Unlock()

	u.changed()
	u.followUp(m.ConversationID)
}

// MarkRead zeroes a conversation and lowers the total by the cleared
// amount. The server call runs in the background and failures are only
// logged. It returns the cleared count.
func (u *UnreadCounter) MarkRead(conversationID string) int {
	u.mu.Lock()
	n := u.counts[conversationID]
	delete(u.counts, conversationID)
	u.total -= n
	u.epochs[conversationID]++
	u.mu.Unlock()

	if n > 0 {
		u.changed()
	}
	u.markReadRemote(conversationID)
	return n
}

// SetOpen records the conversation the user is viewing ("" for none).
func (u *UnreadCounter) SetOpen(conversationID string) {
	u.mu.Lock()
	u.open = conversationID
	u.mu.Unlock()
}

func (u *UnreadCounter) Open() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.open
}

// Remove forgets a conversation, e.g. after it was deleted.
func (u *UnreadCounter) Remove(conversationID string) {
	u.mu.Lock()
	n := u.counts[conversationID]
	delete(u.counts, conversationID)
	delete(u.epochs, conversationID)
	u.total -= n
	u.mu.Unlock()
	if n > 0 {
		u.changed()
	}
}

func (u *UnreadCounter) Count(conversationID string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.counts[conversationID]
}

func (u *UnreadCounter) Total() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.total
}

func (u *UnreadCounter) Snapshot() UnreadSnapshot {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.snapshotLocked()
}

func (u *UnreadCounter) snapshotLocked() UnreadSnapshot {
	counts := make(map[string]int, len(u.counts))
	for k, v := range u.counts {
		counts[k] = v
	}
	return UnreadSnapshot{Counts: counts, Total: u.total}
}

// OnChange registers a callback receiving the state after every change.
func (u *UnreadCounter) OnChange(h func(UnreadSnapshot)) func() {
	return u.onChange.add(h)
}

// Attach counts message_received events from a socket. The returned func
// detaches.
func (u *UnreadCounter) Attach(events MessageEvents) func() {
	return events.OnMessageReceived(u.HandleReceived)
}

// Wait blocks until background fetches and mark-as-read calls finish.
func (u *UnreadCounter) Wait() {
	u.wg.Wait()
}

// Close cancels background work and waits for it.
func (u *UnreadCounter) Close() {
	u.cancel()
	u.wg.Wait()
}

func (u *UnreadCounter) changed() {
	snap := u.Snapshot()
	u.cfg.Metrics.setUnread(snap.Total)
	u.onChange.emit(u.log, "unread", snap)
}

// followUp schedules one rate-limited fetch per conversation. The epoch is
// read when the fetch starts, so increments that arrive while it waits are
// covered by it.
func (u *UnreadCounter) followUp(conversationID string) {
	if u.ctx.Err() != nil {
		return
	}
	u.mu.Lock()
	if u.pending[conversationID] {
		u.mu.Unlock()
		return
	}
	u.pending[conversationID] = true
	u.mu.Unlock()

	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		if err := u.limiter.Wait(u.ctx); err != nil {
			u.mu.Lock()
			delete(u.pending, conversationID)
			u.mu.Unlock()
			return
		}
		u.mu.Lock()
		delete(u.pending, conversationID)
		epoch := u.epochs[conversationID]
		u.mu.Unlock()

		n, err := u.api.UnreadCount(u.ctx, conversationID)
		if err != nil {
			u.log.Debug("follow-up unread fetch failed", zap.String("conversation_id", conversationID), zap.Error(err))
			return
		}

		u.mu.Lock()
		if u.epochs[conversationID] != epoch || conversationID == u.open {
			u.mu.Unlock()
			return
		}
		u.total += n - u.counts[conversationID]
		if n > 0 {
			u.counts[conversationID] = n
		} else {
			delete(u.counts, conversationID)
		}
		u.mu.Unlock()
		u.changed()
	}()
}

func (u *UnreadCounter) markReadRemote(conversationID string) {
	if u.ctx.Err() != nil {
		return
	}
	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		if err := u.api.MarkAsRead(u.ctx, conversationID); err != nil {
			u.log.Warn("mark as read failed", zap.String("conversation_id", conversationID), zap.Error(err))
		}
	}()
}
