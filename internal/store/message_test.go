package store

import (
	"testing"
	"time"

	"github.com/chatsync/internal/model"
)

// fakeClock — управляемое время для детерминированных тестов журнала.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLog(t *testing.T, clock *fakeClock) *RoomLog {
	t.Helper()
	l := NewRoomLog("room-1", 10*time.Second)
	l.now = clock.Now
	return l
}

func serverMessage(id, sender, content string, ts time.Time) model.Message {
	return model.Message{
		ID:        id,
		ChatID:    "room-1",
		SenderID:  sender,
		Content:   content,
		Timestamp: ts,
	}
}

func TestAppendPendingThenConfirmKeepsSingleEntry(t *testing.T) {
	clock := newFakeClock()
	l := newTestLog(t, clock)

	pending := l.AppendPending(Draft{Content: "привет", SenderID: "me"}, "corr-1")
	if pending.Delivery != model.DeliveryPending {
		t.Fatalf("expected pending delivery, got %s", pending.Delivery)
	}
	if l.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", l.Len())
	}

	server := serverMessage("srv-1", "me", "привет", clock.Now().Add(100*time.Millisecond))
	confirmed := l.Confirm("corr-1", server)

	if confirmed.Delivery != model.DeliveryConfirmed {
		t.Fatalf("expected confirmed delivery, got %s", confirmed.Delivery)
	}
	if confirmed.ID != "srv-1" {
		t.Fatalf("expected server id, got %q", confirmed.ID)
	}
	if confirmed.ClientCorrelationID != "corr-1" {
		t.Fatalf("correlation id lost on confirm: %q", confirmed.ClientCorrelationID)
	}
	// Подтверждение заменяет pending на месте, не добавляет вторую запись.
	if l.Len() != 1 {
		t.Fatalf("expected 1 entry after confirm, got %d", l.Len())
	}
}

func TestConfirmKeepsPositionInTimeline(t *testing.T) {
	clock := newFakeClock()
	l := newTestLog(t, clock)

	l.MergeConfirmed(serverMessage("srv-a", "alice", "a", clock.Now().Add(-time.Minute)))
	l.AppendPending(Draft{Content: "mine", SenderID: "me"}, "corr-1")
	clock.Advance(time.Second)
	l.MergeConfirmed(serverMessage("srv-b", "bob", "b", clock.Now()))

	// Серверный timestamp подтверждения позже соседей — позиция в ленте
	// всё равно определяется локальным временем отправки.
	clock.Advance(time.Minute)
	l.Confirm("corr-1", serverMessage("srv-mine", "me", "mine", clock.Now()))

	msgs := l.Messages()
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[1].ID != "srv-mine" {
		t.Fatalf("confirmed message moved: order %q %q %q", msgs[0].ID, msgs[1].ID, msgs[2].ID)
	}
}

func TestDuplicateConfirmIsDroppedByID(t *testing.T) {
	clock := newFakeClock()
	l := newTestLog(t, clock)

	l.AppendPending(Draft{Content: "x", SenderID: "me"}, "corr-1")
	server := serverMessage("srv-1", "me", "x", clock.Now())
	l.Confirm("corr-1", server)
	l.Confirm("corr-1", server)

	if l.Len() != 1 {
		t.Fatalf("duplicate confirm grew the log: %d entries", l.Len())
	}
}

func TestMergeHistorySkipsKnownAndPending(t *testing.T) {
	clock := newFakeClock()
	l := newTestLog(t, clock)

	l.AppendPending(Draft{Content: "draft", SenderID: "me"}, "corr-1")
	l.MergeConfirmed(serverMessage("srv-1", "alice", "old", clock.Now().Add(-time.Hour)))

	added := l.MergeHistory([]model.Message{
		serverMessage("srv-1", "alice", "old", clock.Now().Add(-time.Hour)),
		serverMessage("srv-2", "bob", "older", clock.Now().Add(-2*time.Hour)),
		{},
	})
	if added != 1 {
		t.Fatalf("expected 1 added, got %d", added)
	}
	if l.Len() != 3 {
		t.Fatalf("expected 3 entries, got %d", l.Len())
	}

	// Pending-запись страницей истории не тронута.
	msgs := l.Messages()
	var foundPending bool
	for _, m := range msgs {
		if m.ClientCorrelationID == "corr-1" && m.Delivery == model.DeliveryPending {
			foundPending = true
		}
	}
	if !foundPending {
		t.Fatal("pending entry lost after history merge")
	}
}

func TestMergeHistoryConfirmsOwnPendingByCorrelationID(t *testing.T) {
	clock := newFakeClock()
	l := newTestLog(t, clock)

	l.AppendPending(Draft{Content: "mine", SenderID: "me"}, "corr-1")

	// Страница истории принесла наше сообщение раньше message:confirmed.
	hist := serverMessage("srv-1", "me", "mine", clock.Now().Add(time.Second))
	hist.ClientCorrelationID = "corr-1"
	if changed := l.MergeHistory([]model.Message{hist}); changed != 1 {
		t.Fatalf("expected 1 changed, got %d", changed)
	}

	if l.Len() != 1 {
		t.Fatalf("history page duplicated own pending: %d entries", l.Len())
	}
	m, ok := l.Get("srv-1")
	if !ok || m.Delivery != model.DeliveryConfirmed || m.ClientCorrelationID != "corr-1" {
		t.Fatalf("pending not confirmed in place: %+v", m)
	}

	// Подтверждение, пришедшее следом по сокету, уже ничего не добавляет.
	l.Confirm("corr-1", serverMessage("srv-1", "me", "mine", clock.Now().Add(time.Second)))
	if l.Len() != 1 {
		t.Fatalf("late confirm grew the log: %d entries", l.Len())
	}

	// Схлопнутая запись больше не просрочивается.
	clock.Advance(time.Minute)
	if expired := l.MarkExpired(clock.Now()); len(expired) != 0 {
		t.Fatalf("confirmed entry reported expired: %v", expired)
	}
}

func TestConfirmCollapsesHistoryDuplicate(t *testing.T) {
	clock := newFakeClock()
	l := newTestLog(t, clock)

	l.AppendPending(Draft{Content: "mine", SenderID: "me"}, "corr-1")

	// История без correlation id — сообщение легло второй записью.
	l.MergeHistory([]model.Message{serverMessage("srv-1", "me", "mine", clock.Now().Add(time.Second))})
	if l.Len() != 2 {
		t.Fatalf("expected 2 entries before confirm, got %d", l.Len())
	}

	confirmed := l.Confirm("corr-1", serverMessage("srv-1", "me", "mine", clock.Now().Add(time.Second)))
	if confirmed.ID != "srv-1" || confirmed.ClientCorrelationID != "corr-1" {
		t.Fatalf("unexpected confirmed message: %+v", confirmed)
	}
	if l.Len() != 1 {
		t.Fatalf("confirm left a duplicate: %d entries", l.Len())
	}

	msgs := l.Messages()
	if len(msgs) != 1 || msgs[0].Delivery != model.DeliveryConfirmed {
		t.Fatalf("expected single confirmed message, got %+v", msgs)
	}
}

func TestMessagesOrderedByTimestampThenID(t *testing.T) {
	clock := newFakeClock()
	l := newTestLog(t, clock)
	ts := clock.Now()

	l.MergeConfirmed(serverMessage("srv-b", "bob", "2", ts))
	l.MergeConfirmed(serverMessage("srv-a", "alice", "1", ts))
	l.MergeConfirmed(serverMessage("srv-c", "carol", "3", ts.Add(-time.Minute)))

	msgs := l.Messages()
	want := []string{"srv-c", "srv-a", "srv-b"}
	for i, id := range want {
		if msgs[i].ID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, msgs[i].ID)
		}
	}
}

func TestExpiredPendingBecomesFailedAndRetriable(t *testing.T) {
	clock := newFakeClock()
	l := newTestLog(t, clock)

	l.AppendPending(Draft{Content: "x", SenderID: "me"}, "corr-1")

	if expired := l.MarkExpired(clock.Now()); len(expired) != 0 {
		t.Fatalf("expired too early: %v", expired)
	}

	clock.Advance(11 * time.Second)
	expired := l.MarkExpired(clock.Now())
	if len(expired) != 1 || expired[0] != "corr-1" {
		t.Fatalf("expected [corr-1], got %v", expired)
	}

	// Повторный sweep не возвращает ту же запись второй раз.
	if again := l.MarkExpired(clock.Now()); len(again) != 0 {
		t.Fatalf("failed entry reported expired twice: %v", again)
	}

	// Retry возвращает в pending с тем же correlation id.
	msg, ok := l.Retry("corr-1")
	if !ok {
		t.Fatal("retry refused for failed entry")
	}
	if msg.ClientCorrelationID != "corr-1" {
		t.Fatalf("retry changed correlation id: %q", msg.ClientCorrelationID)
	}
	if msg.Delivery != model.DeliveryPending {
		t.Fatalf("expected pending after retry, got %s", msg.Delivery)
	}

	// Позднее подтверждение после retry сопоставляется как обычно.
	confirmed := l.Confirm("corr-1", serverMessage("srv-1", "me", "x", clock.Now()))
	if confirmed.Delivery != model.DeliveryConfirmed || l.Len() != 1 {
		t.Fatalf("confirm after retry: delivery=%s len=%d", confirmed.Delivery, l.Len())
	}
}

func TestRetryRejectsNonFailed(t *testing.T) {
	clock := newFakeClock()
	l := newTestLog(t, clock)

	l.AppendPending(Draft{Content: "x", SenderID: "me"}, "corr-1")
	if _, ok := l.Retry("corr-1"); ok {
		t.Fatal("retry must refuse a still-pending entry")
	}
	if _, ok := l.Retry("corr-unknown"); ok {
		t.Fatal("retry must refuse unknown correlation id")
	}
}

func TestApplyEdit(t *testing.T) {
	clock := newFakeClock()
	l := newTestLog(t, clock)

	l.MergeConfirmed(serverMessage("srv-1", "alice", "original", clock.Now()))
	editedAt := clock.Now().Add(time.Minute)
	if !l.ApplyEdit("srv-1", "updated", editedAt) {
		t.Fatal("edit refused for known message")
	}
	if l.ApplyEdit("srv-missing", "x", editedAt) {
		t.Fatal("edit accepted for unknown message")
	}

	m, _ := l.Get("srv-1")
	if m.Content != "updated" || !m.IsEdited || m.EditedAt == nil {
		t.Fatalf("edit not applied: %+v", m)
	}
}
