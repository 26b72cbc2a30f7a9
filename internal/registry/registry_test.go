package registry

import (
	"reflect"
	"testing"

	"github.com/chatsync/internal/transport"
)

// recordingSender собирает отправленные кадры для проверок.
type recordingSender struct {
	sent []transport.Envelope
}

func (s *recordingSender) Send(env transport.Envelope) {
	s.sent = append(s.sent, env)
}

func (s *recordingSender) types() []transport.EventType {
	out := make([]transport.EventType, 0, len(s.sent))
	for _, env := range s.sent {
		out = append(out, env.Type)
	}
	return out
}

func noopHandler(transport.Event) {}

func TestJoinIsRefCounted(t *testing.T) {
	sender := &recordingSender{}
	r := New(sender)

	r.Join("room-1", noopHandler)
	r.Join("room-1", noopHandler)

	// Только первый Join уходит на сервер.
	if got := sender.types(); !reflect.DeepEqual(got, []transport.EventType{transport.EventChatJoin}) {
		t.Fatalf("expected single chat:join, got %v", got)
	}

	r.Leave("room-1")
	if len(sender.sent) != 1 {
		t.Fatalf("leave sent too early: %v", sender.types())
	}

	r.Leave("room-1")
	want := []transport.EventType{transport.EventChatJoin, transport.EventChatLeave}
	if got := sender.types(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}

	// Leave без подписки — no-op.
	r.Leave("room-1")
	r.Leave("room-unknown")
	if len(sender.sent) != 2 {
		t.Fatalf("extra frames after redundant leave: %v", sender.types())
	}
}

func TestDispatchRoutesToRoomHandler(t *testing.T) {
	sender := &recordingSender{}
	r := New(sender)

	var got []string
	r.Join("room-1", func(ev transport.Event) { got = append(got, "room-1:"+string(ev.Type)) })
	r.Join("room-2", func(ev transport.Event) { got = append(got, "room-2:"+string(ev.Type)) })

	r.Dispatch(transport.Event{Type: transport.EventMessageNew, ChatID: "room-1"})
	r.Dispatch(transport.Event{Type: transport.EventTypingUpdate, ChatID: "room-2"})
	// События комнат без подписки молча отбрасываются.
	r.Dispatch(transport.Event{Type: transport.EventMessageNew, ChatID: "room-3"})

	want := []string{"room-1:message:new", "room-2:typing:update"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestDispatchStopsAfterLeave(t *testing.T) {
	sender := &recordingSender{}
	r := New(sender)

	calls := 0
	r.Join("room-1", func(transport.Event) { calls++ })
	r.Dispatch(transport.Event{Type: transport.EventMessageNew, ChatID: "room-1"})
	r.Leave("room-1")
	r.Dispatch(transport.Event{Type: transport.EventMessageNew, ChatID: "room-1"})

	if calls != 1 {
		t.Fatalf("expected 1 delivery, got %d", calls)
	}
}

func TestReplayRejoinsAndRefetchesAllRooms(t *testing.T) {
	sender := &recordingSender{}
	r := New(sender)

	r.Join("room-b", noopHandler)
	r.Join("room-a", noopHandler)
	sender.sent = nil

	var refetched []string
	r.OnRefetch(func(chatID string) { refetched = append(refetched, chatID) })

	r.Replay()

	if got := sender.types(); !reflect.DeepEqual(got, []transport.EventType{transport.EventChatJoin, transport.EventChatJoin}) {
		t.Fatalf("expected two chat:join, got %v", got)
	}
	if !reflect.DeepEqual(refetched, []string{"room-a", "room-b"}) {
		t.Fatalf("expected refetch for both rooms, got %v", refetched)
	}
	if !reflect.DeepEqual(r.Joined(), []string{"room-a", "room-b"}) {
		t.Fatalf("joined set changed by replay: %v", r.Joined())
	}
}
