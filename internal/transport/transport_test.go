package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// wsServer — тестовый сервер push-канала: принимает соединение и отдаёт
// обе стороны канала тесту.
type wsServer struct {
	srv    *httptest.Server
	conns  chan *websocket.Conn
	auth   chan string
	frames chan Envelope
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{
		conns:  make(chan *websocket.Conn, 4),
		auth:   make(chan string, 4),
		frames: make(chan Envelope, 16),
	}
	upgrader := websocket.Upgrader{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.auth <- r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		s.conns <- conn
		for {
			var env Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			s.frames <- env
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *wsServer) waitConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-s.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for connection")
		return nil
	}
}

func (s *wsServer) waitFrame(t *testing.T) Envelope {
	t.Helper()
	select {
	case env := <-s.frames:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for frame")
		return Envelope{}
	}
}

func TestTransportDeliversDecodedEvents(t *testing.T) {
	s := newWSServer(t)
	tr := New(Options{URL: s.url()})

	events := make(chan Event, 4)
	tr.OnEvent(func(ev Event) { events <- ev })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr.Connect(ctx, "token-1")
	defer tr.Disconnect()

	conn := s.waitConn(t)

	select {
	case got := <-s.auth:
		if got != "Bearer token-1" {
			t.Fatalf("unexpected auth header %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for auth header")
	}

	raw := `{"type":"typing:update","payload":{"chat_id":"room-1","user_id":"alice"}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		t.Fatalf("server write: %v", err)
	}
	// Нечитаемый кадр не роняет канал, следующее событие доходит.
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"garbage"}`)); err != nil {
		t.Fatalf("server write: %v", err)
	}
	raw2 := `{"type":"typing:update","payload":{"chat_id":"room-1","user_id":"bob"}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(raw2)); err != nil {
		t.Fatalf("server write: %v", err)
	}

	for _, wantUser := range []string{"alice", "bob"} {
		select {
		case ev := <-events:
			p, ok := ev.Payload.(TypingUpdatePayload)
			if !ok || p.UserID != wantUser {
				t.Fatalf("expected typing from %s, got %+v", wantUser, ev)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for event from %s", wantUser)
		}
	}
}

func TestOutboxQueuedOfflineFlushedOnConnect(t *testing.T) {
	s := newWSServer(t)
	tr := New(Options{URL: s.url()})

	// Исходящие до подключения копятся в очереди.
	tr.Send(NewEnvelope(EventChatJoin, ChatRefPayload{ChatID: "room-1"}))
	tr.Send(NewEnvelope(EventTypingStart, ChatRefPayload{ChatID: "room-1"}))
	if got := tr.OutboxLen(); got != 2 {
		t.Fatalf("expected 2 queued, got %d", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr.Connect(ctx, "")
	defer tr.Disconnect()

	// Очередь сливается в порядке постановки.
	if env := s.waitFrame(t); env.Type != EventChatJoin {
		t.Fatalf("expected chat:join first, got %s", env.Type)
	}
	if env := s.waitFrame(t); env.Type != EventTypingStart {
		t.Fatalf("expected typing:start second, got %s", env.Type)
	}

	// Отправка на живом соединении уходит сразу.
	tr.Send(NewEnvelope(EventReadMark, ChatRefPayload{ChatID: "room-1"}))
	if env := s.waitFrame(t); env.Type != EventReadMark {
		t.Fatalf("expected read:mark, got %s", env.Type)
	}
}

func TestOutboxDropsOldestOnOverflow(t *testing.T) {
	tr := New(Options{URL: "ws://127.0.0.1:1/ws", MaxOutboxDepth: 2})

	tr.Send(NewEnvelope(EventChatJoin, ChatRefPayload{ChatID: "room-1"}))
	tr.Send(NewEnvelope(EventChatJoin, ChatRefPayload{ChatID: "room-2"}))
	tr.Send(NewEnvelope(EventChatJoin, ChatRefPayload{ChatID: "room-3"}))

	if got := tr.OutboxLen(); got != 2 {
		t.Fatalf("expected depth capped at 2, got %d", got)
	}
}

func TestRetryBudgetLeadsToErrorState(t *testing.T) {
	// Порт 1 закрыт — каждый dial падает сразу.
	tr := New(Options{
		URL:         "ws://127.0.0.1:1/ws",
		BackoffBase: 10 * time.Millisecond,
		BackoffMax:  20 * time.Millisecond,
		MaxRetries:  3,
		DialTimeout: 200 * time.Millisecond,
	})

	states := make(chan State, 16)
	tr.OnStateChange(func(s State) { states <- s })

	tr.Send(NewEnvelope(EventChatJoin, ChatRefPayload{ChatID: "room-1"}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr.Connect(ctx, "")

	deadline := time.After(5 * time.Second)
	for {
		select {
		case s := <-states:
			if s == StateError {
				// Очередь переживает исчерпание бюджета.
				if got := tr.OutboxLen(); got != 1 {
					t.Fatalf("outbox lost on error state: %d", got)
				}
				return
			}
		case <-deadline:
			t.Fatal("timeout waiting for error state")
		}
	}
}

func TestConnectAfterErrorStateResumes(t *testing.T) {
	// Сервер отвечает 503, пока его не "починят" — dial падает как при
	// недоступной платформе.
	var healthy atomic.Bool
	upgrader := websocket.Upgrader{}
	conns := make(chan *websocket.Conn, 2)
	frames := make(chan Envelope, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		conns <- conn
		for {
			var env Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			frames <- env
		}
	}))
	t.Cleanup(srv.Close)

	tr := New(Options{
		URL:         "ws" + strings.TrimPrefix(srv.URL, "http"),
		BackoffBase: 10 * time.Millisecond,
		BackoffMax:  20 * time.Millisecond,
		MaxRetries:  2,
		DialTimeout: 200 * time.Millisecond,
	})
	states := make(chan State, 16)
	tr.OnStateChange(func(s State) { states <- s })

	tr.Send(NewEnvelope(EventChatJoin, ChatRefPayload{ChatID: "room-1"}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr.Connect(ctx, "")

	waitState := func(want State) {
		t.Helper()
		deadline := time.After(5 * time.Second)
		for {
			select {
			case s := <-states:
				if s == want {
					return
				}
			case <-deadline:
				t.Fatalf("timeout waiting for state %s", want)
			}
		}
	}
	waitState(StateError)

	// StateError не терминален: новый Connect начинает с нулевым счётчиком.
	healthy.Store(true)
	tr.Connect(ctx, "")
	defer tr.Disconnect()
	waitState(StateConnected)

	select {
	case <-conns:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for connection")
	}
	// Очередь, накопленная до исчерпания бюджета, сливается после повтора.
	select {
	case env := <-frames:
		if env.Type != EventChatJoin {
			t.Fatalf("expected chat:join, got %s", env.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for queued frame")
	}
}

func TestReconnectFiresOnConnectedHook(t *testing.T) {
	s := newWSServer(t)
	tr := New(Options{
		URL:         s.url(),
		BackoffBase: 10 * time.Millisecond,
		BackoffMax:  50 * time.Millisecond,
	})

	connects := make(chan struct{}, 4)
	tr.OnConnected(func() { connects <- struct{}{} })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr.Connect(ctx, "")
	defer tr.Disconnect()

	conn := s.waitConn(t)
	select {
	case <-connects:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for first connect hook")
	}

	// Сервер рвёт соединение — клиент переподключается и хук срабатывает снова.
	conn.Close()
	s.waitConn(t)
	select {
	case <-connects:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for reconnect hook")
	}
}
