package socialhub

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func unreadFixture(counts map[string]int) *fakeChatAPI {
	api := newFakeChatAPI(Conversation{ID: "A"}, Conversation{ID: "B"}, Conversation{ID: "C"})
	for id, n := range counts {
		api.unread[id] = n
	}
	return api
}

func newTestCounter(api UnreadAPI) *UnreadCounter {
	return NewUnreadCounter(api, &UnreadConfig{ReconcileInterval: 10 * time.Millisecond})
}

func TestUnreadRefresh(t *testing.T) {
	api := unreadFixture(map[string]int{"A": 3, "B": 2})
	u := newTestCounter(api)
	defer u.Close()

	if err := u.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh error: %v", err)
	}
	if u.Count("A") != 3 || u.Count("B") != 2 || u.Count("C") != 0 || u.Total() != 5 {
		t.Fatalf("unexpected counts: %+v", u.Snapshot())
	}

	t.Run("failed fetch keeps previous count", func(t *testing.T) {
		api.mu.Lock()
		api.unreadErr["A"] = errBoom
		api.unread["B"] = 7
		api.mu.Unlock()
		if err := u.Refresh(context.Background()); err != nil {
			t.Fatalf("Refresh error: %v", err)
		}
		if u.Count("A") != 3 || u.Count("B") != 7 || u.Total() != 10 {
			t.Errorf("unexpected counts: %+v", u.Snapshot())
		}
	})
}

func TestUnreadMarkRead(t *testing.T) {
	api := unreadFixture(map[string]int{"A": 3, "B": 2})
	u := newTestCounter(api)
	defer u.Close()
	_ = u.Refresh(context.Background())

	var snaps []UnreadSnapshot
	u.OnChange(func(s UnreadSnapshot) { snaps = append(snaps, s) })

	if cleared := u.MarkRead("A"); cleared != 3 {
		t.Errorf("cleared = %d, want 3", cleared)
	}
	if u.Count("A") != 0 || u.Total() != 2 {
		t.Errorf("after MarkRead: %+v", u.Snapshot())
	}
	if len(snaps) != 1 || snaps[0].Total != 2 {
		t.Errorf("change notifications: %+v", snaps)
	}

	u.Wait()
	if marked := api.markedIDs(); len(marked) != 1 || marked[0] != "A" {
		t.Errorf("server mark-as-read calls: %v", marked)
	}

	if cleared := u.MarkRead("C"); cleared != 0 || u.Total() != 2 {
		t.Errorf("clearing an empty conversation changed state: %+v", u.Snapshot())
	}
}

func TestUnreadHandleReceived(t *testing.T) {
	api := unreadFixture(nil)
	u := newTestCounter(api)
	defer u.Close()
	u.SetOpen("A")

	api.setUnread("B", 1)
	u.HandleReceived(Message{ID: "m1", ConversationID: "B"})
	if u.Count("B") != 1 || u.Total() != 1 {
		t.Errorf("after message in B: %+v", u.Snapshot())
	}

	u.HandleReceived(Message{ID: "m2", ConversationID: "A"})
	if u.Count("A") != 0 || u.Total() != 1 {
		t.Errorf("open conversation must not be counted: %+v", u.Snapshot())
	}

	u.HandleReceived(Message{ID: "m3", ConversationID: "C", Me: true})
	if u.Total() != 1 {
		t.Errorf("own messages must not be counted: %+v", u.Snapshot())
	}

	u.Wait()
	if marked := api.markedIDs(); len(marked) != 1 || marked[0] != "A" {
		t.Errorf("open conversation should be marked read on the server: %v", marked)
	}
	if u.Count("B") != 1 {
		t.Errorf("follow-up fetch changed a consistent count: %+v", u.Snapshot())
	}
}

func TestUnreadFollowUpReconciles(t *testing.T) {
	api := unreadFixture(nil)
	u := newTestCounter(api)
	defer u.Close()

	// The server knows of more messages than the socket delivered.
	api.setUnread("B", 4)
	u.HandleReceived(Message{ID: "m1", ConversationID: "B"})
	waitFor(t, "follow-up fetch", func() bool { return u.Count("B") == 4 })
	if u.Total() != 4 {
		t.Errorf("total = %d, want 4", u.Total())
	}
}

func TestUnreadFollowUpCoalesces(t *testing.T) {
	api := unreadFixture(nil)
	api.setUnread("B", 3)
	u := NewUnreadCounter(api, &UnreadConfig{ReconcileInterval: 200 * time.Millisecond})
	defer u.Close()

	// Use up the limiter's burst so the follow-ups below have to wait.
	u.HandleReceived(Message{ID: "m0", ConversationID: "C"})
	waitFor(t, "first fetch", func() bool { return api.calls("C") == 1 })

	for i := 0; i < 3; i++ {
		u.HandleReceived(Message{ConversationID: "B"})
	}
	u.Wait()
	if n := api.calls("B"); n != 1 {
		t.Errorf("expected one coalesced fetch for B, got %d", n)
	}
	if u.Count("B") != 3 {
		t.Errorf("count = %d", u.Count("B"))
	}
}

func TestUnreadStaleRefreshDiscarded(t *testing.T) {
	api := unreadFixture(map[string]int{"A": 3, "B": 2})
	u := newTestCounter(api)
	defer u.Close()
	_ = u.Refresh(context.Background())

	// Hold the next refresh while the user reads A.
	block := make(chan struct{})
	api.mu.Lock()
	api.block = block
	api.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- u.Refresh(context.Background()) }()
	waitFor(t, "refresh fetches in flight", func() bool { return api.waiting() == 3 })

	u.MarkRead("A")
	close(block)
	if err := <-done; err != nil {
		t.Fatalf("Refresh error: %v", err)
	}

	if u.Count("A") != 0 {
		t.Errorf("stale server count overwrote a local read: A = %d", u.Count("A"))
	}
	if u.Count("B") != 2 || u.Total() != 2 {
		t.Errorf("unexpected state: %+v", u.Snapshot())
	}
}

func TestUnreadTotalInvariant(t *testing.T) {
	api := unreadFixture(map[string]int{"A": 1, "B": 1, "C": 1})
	u := newTestCounter(api)
	defer u.Close()
	_ = u.Refresh(context.Background())

	ops := []func(){
		func() { u.HandleReceived(Message{ConversationID: "A"}) },
		func() { u.MarkRead("B") },
		func() { u.HandleReceived(Message{ConversationID: "C"}) },
		func() { u.Remove("A") },
		func() { u.HandleReceived(Message{ConversationID: "B"}) },
	}
	for i, op := range ops {
		op()
		snap := u.Snapshot()
		sum := 0
		for _, n := range snap.Counts {
			sum += n
		}
		if sum != snap.Total {
			t.Fatalf("after op %d: total %d != sum %d", i, snap.Total, sum)
		}
	}
}

func TestUnreadMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	api := unreadFixture(map[string]int{"A": 3, "B": 2})
	u := NewUnreadCounter(api, &UnreadConfig{Metrics: m})
	defer u.Close()

	_ = u.Refresh(context.Background())
	if got := testutil.ToFloat64(m.UnreadTotal); got != 5 {
		t.Errorf("gauge = %v, want 5", got)
	}
	u.MarkRead("A")
	if got := testutil.ToFloat64(m.UnreadTotal); got != 2 {
		t.Errorf("gauge = %v, want 2", got)
	}
}
