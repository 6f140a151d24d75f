package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/chesslink/client-go/internal/obslog"
	"github.com/chesslink/client-go/pkg/gamedto"
)

// HeaderProvider injects handshake headers (auth tokens and the like).
type HeaderProvider func() map[string]string

type eventEntry struct {
	id       int
	callback EventCallback
}

type stateEntry struct {
	id       int
	callback StateCallback
}

// WebSocket is the nhooyr-backed Caller. Every Call writes one Frame and
// blocks until the matching Ack, the context deadline, or the configured
// ack timeout, whichever comes first.
type WebSocket struct {
	wsURL string

	conn  *websocket.Conn
	connM sync.RWMutex

	state  State
	stateM sync.RWMutex

	eventCbs []eventEntry
	stateCbs []stateEntry
	cbM      sync.RWMutex

	pending  map[string]chan gamedto.Ack
	pendingM sync.Mutex

	maxReconnectAttempts int
	reconnectDelay       time.Duration
	ackTimeout           time.Duration
	pingInterval         time.Duration

	writeM sync.Mutex

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	rootCtx    context.Context
	rootCancel context.CancelFunc

	headerProvider HeaderProvider
}

func NewWebSocket(wsURL string, maxReconnectAttempts int, reconnectDelay, ackTimeout time.Duration) *WebSocket {
	return &WebSocket{
		wsURL:                wsURL,
		state:                StateDisconnected,
		maxReconnectAttempts: maxReconnectAttempts,
		reconnectDelay:       reconnectDelay,
		ackTimeout:           ackTimeout,
		pingInterval:         30 * time.Second,
		pending:              make(map[string]chan gamedto.Ack),
		stopCh:               make(chan struct{}),
	}
}

// SetHeaderProvider installs handshake headers for dial and redial.
func (ws *WebSocket) SetHeaderProvider(h HeaderProvider) { ws.headerProvider = h }

func (ws *WebSocket) Connect(ctx context.Context) error {
	ws.stateM.Lock()
	if ws.state == StateConnected || ws.state == StateConnecting {
		ws.stateM.Unlock()
		return nil
	}
	ws.stateM.Unlock()

	ws.rootCtx, ws.rootCancel = context.WithCancel(context.Background())
	ws.setState(StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, ws.wsURL, &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
		HTTPHeader:      ws.buildHeaders(),
	})
	if err != nil {
		ws.setState(StateFailed)
		ws.scheduleReconnect()
		return err
	}

	ws.setConn(conn)
	ws.setState(StateConnected)

	ws.wg.Add(2)
	go ws.listen()
	go ws.pingLoop()
	return nil
}

// Call sends op with payload and waits for the correlated ack.
func (ws *WebSocket) Call(ctx context.Context, op string, payload any) (json.RawMessage, error) {
	conn := ws.getConn()
	if ws.State() != StateConnected || conn == nil {
		return nil, ErrNotConnected
	}

	var body json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", op, err)
		}
		body = raw
	}
	frame := gamedto.Frame{ID: uuid.NewString(), Op: op, Payload: body}

	ackCh := make(chan gamedto.Ack, 1)
	ws.pendingM.Lock()
	ws.pending[frame.ID] = ackCh
	ws.pendingM.Unlock()
	defer func() {
		ws.pendingM.Lock()
		delete(ws.pending, frame.ID)
		ws.pendingM.Unlock()
	}()

	callCtx := ctx
	if _, ok := ctx.Deadline(); !ok && ws.ackTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, ws.ackTimeout)
		defer cancel()
	}

	ws.writeM.Lock()
	err := wsjson.Write(callCtx, conn, &frame)
	ws.writeM.Unlock()
	if err != nil {
		return nil, fmt.Errorf("send %s: %w", op, err)
	}

	select {
	case <-callCtx.Done():
		if callCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w: %s", ErrAckTimeout, op)
		}
		return nil, callCtx.Err()
	case <-ws.stopCh:
		return nil, ErrNotConnected
	case ack := <-ackCh:
		if !ack.OK {
			return nil, fmt.Errorf("%w: %s: %s", ErrRejected, op, ack.Error)
		}
		return ack.Payload, nil
	}
}

func (ws *WebSocket) listen() {
	defer ws.wg.Done()
	for {
		select {
		case <-ws.stopCh:
			return
		default:
		}

		conn := ws.getConn()
		if conn == nil {
			return
		}
		var ack gamedto.Ack
		if err := wsjson.Read(ws.rootCtx, conn, &ack); err != nil {
			if ws.isStopping() {
				return
			}
			obslog.L().Warn("ws_read_error", zap.Error(err))
			ws.setState(StateDisconnected)
			_ = ws.closeConn(websocket.StatusGoingAway, "reconnect")
			ws.failPending()
			ws.scheduleReconnect()
			return
		}

		if ack.ID != "" {
			ws.pendingM.Lock()
			ch, ok := ws.pending[ack.ID]
			ws.pendingM.Unlock()
			if ok {
				ch <- ack
			}
			continue
		}

		ws.cbM.RLock()
		callbacks := make([]eventEntry, len(ws.eventCbs))
		copy(callbacks, ws.eventCbs)
		ws.cbM.RUnlock()
		for _, entry := range callbacks {
			if entry.callback != nil {
				entry.callback(ack)
			}
		}
	}
}

// failPending releases callers blocked on acks that can no longer arrive.
func (ws *WebSocket) failPending() {
	ws.pendingM.Lock()
	defer ws.pendingM.Unlock()
	for id, ch := range ws.pending {
		select {
		case ch <- gamedto.Ack{ID: id, OK: false, Error: "connection lost"}:
		default:
		}
		delete(ws.pending, id)
	}
}

func (ws *WebSocket) pingLoop() {
	defer ws.wg.Done()
	t := time.NewTicker(ws.pingInterval)
	defer t.Stop()
	failures := 0
	for {
		select {
		case <-ws.stopCh:
			return
		case <-t.C:
			conn := ws.getConn()
			if conn == nil {
				continue
			}
			ctx, cancel := context.WithTimeout(ws.rootCtx, 3*time.Second)
			err := conn.Ping(ctx)
			cancel()
			if err != nil {
				failures++
				if failures >= 2 {
					if ws.isStopping() {
						return
					}
					ws.setState(StateDisconnected)
					_ = ws.closeConn(websocket.StatusGoingAway, "ping failure")
					ws.failPending()
					ws.scheduleReconnect()
					failures = 0
				}
				continue
			}
			failures = 0
		}
	}
}

func (ws *WebSocket) scheduleReconnect() {
	if ws.maxReconnectAttempts <= 0 {
		return
	}
	ws.setState(StateReconnecting)

	go func() {
		for attempt := 1; attempt <= ws.maxReconnectAttempts; attempt++ {
			select {
			case <-ws.stopCh:
				return
			case <-time.After(ws.backoff(attempt)):
			}

			dialCtx, cancel := context.WithTimeout(ws.rootCtx, 10*time.Second)
			conn, _, err := websocket.Dial(dialCtx, ws.wsURL, &websocket.DialOptions{
				CompressionMode: websocket.CompressionNoContextTakeover,
				HTTPHeader:      ws.buildHeaders(),
			})
			cancel()
			if err != nil {
				obslog.L().Warn("ws_redial_error", zap.Int("attempt", attempt), zap.Error(err))
				continue
			}

			ws.setConn(conn)
			ws.setState(StateConnected)

			ws.wg.Add(2)
			go ws.listen()
			go ws.pingLoop()
			return
		}
		ws.setState(StateFailed)
	}()
}

func (ws *WebSocket) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	return time.Duration(1<<uint(attempt-1)) * ws.reconnectDelay
}

func (ws *WebSocket) OnEvent(cb EventCallback) int {
	ws.cbM.Lock()
	defer ws.cbM.Unlock()
	id := len(ws.eventCbs) + 1
	ws.eventCbs = append(ws.eventCbs, eventEntry{id: id, callback: cb})
	return id
}

func (ws *WebSocket) RemoveEventCallback(id int) {
	ws.cbM.Lock()
	defer ws.cbM.Unlock()
	for i, cb := range ws.eventCbs {
		if cb.id == id {
			ws.eventCbs = append(ws.eventCbs[:i], ws.eventCbs[i+1:]...)
			break
		}
	}
}

func (ws *WebSocket) OnStateChange(cb StateCallback) int {
	ws.cbM.Lock()
	defer ws.cbM.Unlock()
	id := len(ws.stateCbs) + 1
	ws.stateCbs = append(ws.stateCbs, stateEntry{id: id, callback: cb})
	return id
}

func (ws *WebSocket) RemoveStateCallback(id int) {
	ws.cbM.Lock()
	defer ws.cbM.Unlock()
	for i, cb := range ws.stateCbs {
		if cb.id == id {
			ws.stateCbs = append(ws.stateCbs[:i], ws.stateCbs[i+1:]...)
			break
		}
	}
}

func (ws *WebSocket) State() State {
	ws.stateM.RLock()
	defer ws.stateM.RUnlock()
	return ws.state
}

func (ws *WebSocket) setState(state State) {
	ws.stateM.Lock()
	ws.state = state
	ws.stateM.Unlock()

	ws.cbM.RLock()
	callbacks := make([]stateEntry, len(ws.stateCbs))
	copy(callbacks, ws.stateCbs)
	ws.cbM.RUnlock()
	for _, entry := range callbacks {
		if entry.callback != nil {
			entry.callback(state)
		}
	}
}

func (ws *WebSocket) Close(ctx context.Context) error {
	ws.stopOnce.Do(func() { close(ws.stopCh) })
	_ = ws.closeConn(websocket.StatusNormalClosure, "close")
	ws.failPending()

	done := make(chan struct{})
	go func() {
		ws.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		if ws.rootCancel != nil {
			ws.rootCancel()
		}
		return nil
	}
}

func (ws *WebSocket) closeConn(code websocket.StatusCode, reason string) error {
	ws.connM.Lock()
	conn := ws.conn
	ws.conn = nil
	ws.connM.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close(code, reason)
}

func (ws *WebSocket) getConn() *websocket.Conn {
	ws.connM.RLock()
	defer ws.connM.RUnlock()
	return ws.conn
}

func (ws *WebSocket) setConn(conn *websocket.Conn) {
	ws.connM.Lock()
	ws.conn = conn
	ws.connM.Unlock()
}

func (ws *WebSocket) isStopping() bool {
	select {
	case <-ws.stopCh:
		return true
	default:
		return false
	}
}

func (ws *WebSocket) buildHeaders() http.Header {
	hdr := http.Header{}
	if ws.headerProvider == nil {
		return hdr
	}
	for k, v := range ws.headerProvider() {
		if strings.TrimSpace(k) == "" || strings.TrimSpace(v) == "" {
			continue
		}
		hdr.Set(k, v)
	}
	return hdr
}
