package store

import "testing"

func TestUnreadTotalIsSumOfRooms(t *testing.T) {
	a := NewUnreadAggregator()

	a.OnInbound("room-1")
	a.OnInbound("room-1")
	a.OnInbound("room-2")

	if got := a.Count("room-1"); got != 2 {
		t.Fatalf("room-1: expected 2, got %d", got)
	}
	if got := a.Total(); got != 3 {
		t.Fatalf("total: expected 3, got %d", got)
	}

	a.MarkRead("room-1")
	if got := a.Total(); got != 1 {
		t.Fatalf("total after mark read: expected 1, got %d", got)
	}
}

func TestActiveRoomDoesNotAccumulate(t *testing.T) {
	a := NewUnreadAggregator()
	a.SetActive("room-1")

	if a.OnInbound("room-1") {
		t.Fatal("inbound in active room counted as unread")
	}
	if !a.OnInbound("room-2") {
		t.Fatal("inbound in background room not counted")
	}
	if got := a.Count("room-1"); got != 0 {
		t.Fatalf("active room count: expected 0, got %d", got)
	}

	// Снятие фокуса возвращает накопление.
	a.SetActive("")
	a.OnInbound("room-1")
	if got := a.Count("room-1"); got != 1 {
		t.Fatalf("after unfocus: expected 1, got %d", got)
	}
}

func TestMarkReadIdempotent(t *testing.T) {
	a := NewUnreadAggregator()
	a.OnInbound("room-1")

	a.MarkRead("room-1")
	a.MarkRead("room-1")
	a.MarkRead("room-unknown")

	if got := a.Count("room-1"); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
	if got := a.Total(); got != 0 {
		t.Fatalf("total: expected 0, got %d", got)
	}
}

func TestUnreadSnapshotRestore(t *testing.T) {
	a := NewUnreadAggregator()
	a.OnInbound("room-1")
	a.OnInbound("room-1")
	a.OnInbound("room-2")

	snap := a.Snapshot()

	b := NewUnreadAggregator()
	for chatID, n := range snap {
		b.Restore(chatID, n)
	}
	b.Restore("room-3", 0)
	b.Restore("room-4", -5)

	if got := b.Total(); got != 3 {
		t.Fatalf("restored total: expected 3, got %d", got)
	}
	if got := b.Count("room-3"); got != 0 {
		t.Fatalf("zero restore leaked: %d", got)
	}
}
