package store

import (
	"testing"
	"time"

	"github.com/chatsync/internal/model"
)

func newReconciler(t *testing.T) (*ReactionReconciler, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	l := newTestLog(t, clock)
	l.MergeConfirmed(serverMessage("srv-1", "alice", "hello", clock.Now()))
	return NewReactionReconciler(l), clock
}

func reactions(t *testing.T, r *ReactionReconciler, messageID string) []model.Reaction {
	t.Helper()
	m, ok := r.log.Get(messageID)
	if !ok {
		t.Fatalf("message %s not found", messageID)
	}
	return m.Reactions
}

func TestToggleAddsAndRemoves(t *testing.T) {
	r, _ := newReconciler(t)

	added, ok := r.Toggle("srv-1", "👍", "me")
	if !ok || !added {
		t.Fatalf("first toggle: added=%v ok=%v", added, ok)
	}
	got := reactions(t, r, "srv-1")
	if len(got) != 1 || got[0].Count != 1 || !got[0].Has("me") {
		t.Fatalf("unexpected reactions after add: %+v", got)
	}

	added, ok = r.Toggle("srv-1", "👍", "me")
	if !ok || added {
		t.Fatalf("second toggle: added=%v ok=%v", added, ok)
	}
	// Пустая группа не хранится.
	if got := reactions(t, r, "srv-1"); len(got) != 0 {
		t.Fatalf("empty group kept: %+v", got)
	}
}

func TestToggleUnknownMessage(t *testing.T) {
	r, _ := newReconciler(t)
	if _, ok := r.Toggle("srv-missing", "👍", "me"); ok {
		t.Fatal("toggle accepted for unknown message")
	}
}

func TestCountAlwaysMatchesUsers(t *testing.T) {
	r, clock := newReconciler(t)

	r.Toggle("srv-1", "👍", "me")
	r.ApplyAuthoritative("srv-1", "👍", []string{"alice", "bob", "me"}, clock.Now())
	r.Toggle("srv-1", "🔥", "me")

	for _, g := range reactions(t, r, "srv-1") {
		if g.Count != len(g.Users) {
			t.Fatalf("emoji %s: count=%d users=%d", g.Emoji, g.Count, len(g.Users))
		}
	}
}

func TestAuthoritativeReplacesFullSet(t *testing.T) {
	r, clock := newReconciler(t)

	// Оптимистичное состояние расходится с сервером — сервер побеждает.
	r.Toggle("srv-1", "👍", "me")
	changed := r.ApplyAuthoritative("srv-1", "👍", []string{"alice", "bob"}, clock.Now())
	if !changed {
		t.Fatal("authoritative update reported no change")
	}
	got := reactions(t, r, "srv-1")
	if len(got) != 1 || got[0].Count != 2 || got[0].Has("me") {
		t.Fatalf("local user survived full-set replace: %+v", got)
	}
}

func TestAuthoritativeIdempotent(t *testing.T) {
	r, clock := newReconciler(t)

	ts := clock.Now()
	if !r.ApplyAuthoritative("srv-1", "👍", []string{"alice"}, ts) {
		t.Fatal("first apply reported no change")
	}
	if r.ApplyAuthoritative("srv-1", "👍", []string{"alice"}, ts) {
		t.Fatal("identical re-apply reported a change")
	}
	got := reactions(t, r, "srv-1")
	if len(got) != 1 || got[0].Count != 1 {
		t.Fatalf("state drifted on re-apply: %+v", got)
	}
}

func TestAuthoritativeOutOfOrderLastWriteWins(t *testing.T) {
	r, clock := newReconciler(t)

	newer := clock.Now()
	older := newer.Add(-time.Minute)

	r.ApplyAuthoritative("srv-1", "👍", []string{"alice", "bob"}, newer)
	// Опоздавшее более старое событие не откатывает состояние.
	if r.ApplyAuthoritative("srv-1", "👍", []string{"alice"}, older) {
		t.Fatal("stale event applied over newer state")
	}
	got := reactions(t, r, "srv-1")
	if len(got) != 1 || got[0].Count != 2 {
		t.Fatalf("state rolled back by stale event: %+v", got)
	}
}

func TestAuthoritativeEmptySetRemovesGroup(t *testing.T) {
	r, clock := newReconciler(t)

	r.ApplyAuthoritative("srv-1", "👍", []string{"alice"}, clock.Now())
	if !r.ApplyAuthoritative("srv-1", "👍", nil, clock.Now().Add(time.Second)) {
		t.Fatal("clearing update reported no change")
	}
	if got := reactions(t, r, "srv-1"); len(got) != 0 {
		t.Fatalf("empty group kept after authoritative clear: %+v", got)
	}
}

func TestAuthoritativeDeduplicatesUsers(t *testing.T) {
	r, clock := newReconciler(t)

	r.ApplyAuthoritative("srv-1", "👍", []string{"bob", "alice", "bob"}, clock.Now())
	got := reactions(t, r, "srv-1")
	if len(got) != 1 || got[0].Count != 2 {
		t.Fatalf("duplicates not collapsed: %+v", got)
	}
	if got[0].Users[0] != "alice" || got[0].Users[1] != "bob" {
		t.Fatalf("users not sorted: %v", got[0].Users)
	}
}
