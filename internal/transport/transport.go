// Package transport реализует клиент push-канала: одно постоянное WebSocket
// соединение на все комнаты, с переподключением и очередью исходящих.
package transport

import (
	"context"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chatsync/internal/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	// StateError — бюджет переподключений исчерпан. Очередь исходящих
	// сохраняется; повторный Connect возобновляет попытки.
	StateError State = "error"
)

// Options — параметры переподключения и дайлера.
type Options struct {
	URL            string
	BackoffBase    time.Duration // базовая задержка, удваивается
	BackoffMax     time.Duration // потолок задержки
	MaxRetries     int           // подряд неудачных попыток до StateError; <=0 — без лимита
	DialTimeout    time.Duration
	MaxOutboxDepth int // защита от бесконечного роста очереди в офлайне
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.BackoffBase <= 0 {
		out.BackoffBase = time.Second
	}
	if out.BackoffMax <= 0 {
		out.BackoffMax = 30 * time.Second
	}
	if out.DialTimeout <= 0 {
		out.DialTimeout = 10 * time.Second
	}
	if out.MaxOutboxDepth <= 0 {
		out.MaxOutboxDepth = 4096
	}
	return out
}

// Transport владеет жизненным циклом соединения. Переподключение живёт
// только здесь — сторы не дублируют эту логику.
type Transport struct {
	opts Options

	mu       sync.Mutex
	state    State
	identity string
	conn     *websocket.Conn
	outbox   []Envelope
	explicit bool // Disconnect() вызван явно — не переподключаться
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	notify chan struct{} // будит writePump при новых исходящих

	onEvent   func(Event)
	onState   func(State)
	onConnect func() // каждый успешный (пере)коннект; реестр реиграет join
}

func New(opts Options) *Transport {
	return &Transport{
		opts:   opts.withDefaults(),
		state:  StateDisconnected,
		notify: make(chan struct{}, 1),
	}
}

// OnEvent задаёт обработчик входящих событий. Вызывать до Connect.
func (t *Transport) OnEvent(fn func(Event)) { t.onEvent = fn }

// OnStateChange задаёт обработчик смены состояния. Вызывать до Connect.
func (t *Transport) OnStateChange(fn func(State)) { t.onState = fn }

// OnConnected задаёт хук успешного подключения. Вызывать до Connect.
func (t *Transport) OnConnected(fn func()) { t.onConnect = fn }

// State возвращает текущее состояние соединения.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) setState(s State) {
	t.mu.Lock()
	if t.state == s {
		t.mu.Unlock()
		return
	}
	t.state = s
	t.mu.Unlock()
	logger.Debugf("transport state=%s", s)
	if t.onState != nil {
		t.onState(s)
	}
}

// Connect запускает цикл подключения с identity-токеном. Повторный вызов
// после StateError возобновляет попытки с нулевым счётчиком.
func (t *Transport) Connect(ctx context.Context, identity string) {
	t.mu.Lock()
	if t.cancel != nil {
		// Цикл ещё жив — обновляем только identity.
		t.identity = identity
		t.mu.Unlock()
		return
	}
	t.identity = identity
	t.explicit = false
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.mu.Unlock()

	t.wg.Add(1)
	go t.run(runCtx)
}

// Disconnect явно закрывает соединение и останавливает переподключение.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	t.explicit = true
	cancel := t.cancel
	t.cancel = nil
	conn := t.conn
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	t.wg.Wait()
	t.setState(StateDisconnected)
}

// Send ставит событие в очередь. Если соединение активно — уходит сразу;
// в офлайне копится до успешного подключения. Переполнение очереди роняет
// самое старое событие (журнал комнат всё равно догонит историей).
func (t *Transport) Send(env Envelope) {
	t.mu.Lock()
	if len(t.outbox) >= t.opts.MaxOutboxDepth {
		logger.Errorf("transport outbox full (%d), dropping oldest %s", len(t.outbox), t.outbox[0].Type)
		t.outbox = t.outbox[1:]
	}
	t.outbox = append(t.outbox, env)
	t.mu.Unlock()

	select {
	case t.notify <- struct{}{}:
	default:
	}
}

// run — цикл connect → pumps → backoff, пока контекст жив.
func (t *Transport) run(ctx context.Context) {
	defer t.wg.Done()
	attempts := 0
	reconnecting := false
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if reconnecting {
			t.setState(StateReconnecting)
		} else {
			t.setState(StateConnecting)
		}

		conn, err := t.dial(ctx)
		if err != nil {
			attempts++
			if t.opts.MaxRetries > 0 && attempts >= t.opts.MaxRetries {
				logger.Errorf("transport: retry budget exhausted after %d attempts: %v", attempts, err)
				// Цикл завершается, значит следующий Connect должен уметь
				// поднять его заново с нулевым счётчиком.
				t.mu.Lock()
				cancel := t.cancel
				t.cancel = nil
				t.mu.Unlock()
				if cancel != nil {
					cancel()
				}
				t.setState(StateError)
				return
			}
			delay := t.backoff(attempts)
			logger.Errorf("transport: dial failed (attempt %d), retry in %v: %v", attempts, delay, err)
			reconnecting = true
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		attempts = 0
		t.mu.Lock()
		t.conn = conn
		t.mu.Unlock()
		t.setState(StateConnected)
		if t.onConnect != nil {
			t.onConnect()
		}

		// Пампы работают до ошибки чтения/записи или отмены контекста.
		t.pump(ctx, conn)

		t.mu.Lock()
		t.conn = nil
		explicit := t.explicit
		t.mu.Unlock()
		if explicit || ctx.Err() != nil {
			return
		}
		// Обрыв на живом соединении — Reconnecting, не Disconnected.
		reconnecting = true
	}
}

func (t *Transport) dial(ctx context.Context) (*websocket.Conn, error) {
	t.mu.Lock()
	identity := t.identity
	t.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: t.opts.DialTimeout}
	header := http.Header{}
	if identity != "" {
		header.Set("Authorization", "Bearer "+identity)
	}
	dialCtx, cancel := context.WithTimeout(ctx, t.opts.DialTimeout)
	defer cancel()
	conn, resp, err := dialer.DialContext(dialCtx, t.opts.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, err
}

// backoff: base * 2^(n-1) с потолком и джиттером ±25%.
func (t *Transport) backoff(attempt int) time.Duration {
	d := t.opts.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= t.opts.BackoffMax {
			d = t.opts.BackoffMax
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(d)/2+1)) - d/4
	return d + jitter
}

// pump гоняет read/write насосы одного соединения и ждёт их завершения.
func (t *Transport) pump(ctx context.Context, conn *websocket.Conn) {
	connCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		t.readPump(connCtx, conn)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		t.writePump(connCtx, conn)
	}()
	wg.Wait()
	conn.Close()
}

func (t *Transport) readPump(ctx context.Context, conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logger.Errorf("transport set read deadline: %v", err)
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("transport read: %v", err)
			}
			return
		}

		ev, err := Decode(raw)
		if err != nil {
			// Нечитаемое событие не должно ронять канал.
			logger.Errorf("transport: %v", err)
			continue
		}
		if ev == nil {
			continue
		}
		if t.onEvent != nil {
			t.onEvent(*ev)
		}
	}
}

func (t *Transport) writePump(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	// Сразу сливаем накопленное в офлайне.
	if !t.flushOutbox(conn) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			if err := conn.WriteMessage(websocket.CloseMessage, nil); err != nil {
				logger.Debugf("transport close message: %v", err)
			}
			return
		case <-t.notify:
			if !t.flushOutbox(conn) {
				return
			}
		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logger.Errorf("transport set write deadline: %v", err)
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// flushOutbox пишет очередь по одному событию; неотправленные остаются
// в очереди до следующего соединения. Возвращает false при ошибке записи.
func (t *Transport) flushOutbox(conn *websocket.Conn) bool {
	for {
		t.mu.Lock()
		if len(t.outbox) == 0 {
			t.mu.Unlock()
			return true
		}
		env := t.outbox[0]
		t.mu.Unlock()

		if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			logger.Errorf("transport set write deadline: %v", err)
			return false
		}
		if err := conn.WriteJSON(env); err != nil {
			logger.Errorf("transport write %s: %v", env.Type, err)
			return false
		}

		t.mu.Lock()
		// Снимает из очереди только writePump, Send лишь дописывает в хвост.
		t.outbox = t.outbox[1:]
		t.mu.Unlock()
	}
}

// OutboxLen — глубина очереди исходящих (для диагностики и тестов).
func (t *Transport) OutboxLen() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.outbox)
}
