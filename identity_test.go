package socialhub

import (
	"errors"
	"testing"
	"time"
)

func TestIdentityFromToken(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	id, err := IdentityFromToken(testToken(t, "u1", "alice", exp))
	if err != nil {
		t.Fatalf("IdentityFromToken error: %v", err)
	}
	if id.UserID != "u1" || id.Username != "alice" {
		t.Errorf("unexpected identity: %+v", id)
	}
	if !id.ExpiresAt.Equal(exp) {
		t.Errorf("ExpiresAt = %v, want %v", id.ExpiresAt, exp)
	}
	if !id.HasScope("ROLE_USER") || id.HasScope("ROLE_ADMIN") {
		t.Errorf("unexpected scope handling for %q", id.Scope)
	}

	t.Run("expiry", func(t *testing.T) {
		if id.Expired(time.Now()) {
			t.Error("should not be expired yet")
		}
		if !id.Expired(exp.Add(time.Second)) {
			t.Error("should be expired after exp")
		}
		if (Identity{UserID: "x"}).Expired(time.Now()) {
			t.Error("identity without exp never expires")
		}
	})

	t.Run("is", func(t *testing.T) {
		for _, who := range []string{"u1", "alice", "ALICE"} {
			if !id.Is(who) {
				t.Errorf("expected Is(%q)", who)
			}
		}
		for _, who := range []string{"", "u2", "bob"} {
			if id.Is(who) {
				t.Errorf("unexpected Is(%q)", who)
			}
		}
	})

	t.Run("bad tokens", func(t *testing.T) {
		if _, err := IdentityFromToken(""); !errors.Is(err, ErrNoToken) {
			t.Errorf("expected ErrNoToken, got %v", err)
		}
		if _, err := IdentityFromToken("not-a-jwt"); err == nil {
			t.Error("expected parse error")
		}
	})
}

func TestPostIsLikedBy(t *testing.T) {
	self := Identity{UserID: "u1", Username: "alice"}
	liked := Post{ID: "p1", LikedBy: []string{"u9", "u1"}}
	byName := Post{ID: "p2", LikedBy: []string{"alice"}}
	notLiked := Post{ID: "p3", LikedBy: []string{"u9"}}

	if !liked.IsLikedBy(self) {
		t.Error("expected p1 liked by user id")
	}
	if !byName.IsLikedBy(self) {
		t.Error("expected p2 liked by username")
	}
	if notLiked.IsLikedBy(self) {
		t.Error("p3 should not be liked")
	}
}
