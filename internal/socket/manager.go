// Package socket keeps WebSocket connections for the fallback transport's
// push sub-channels alive with bounded reconnects.
package socket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Jamshidjalolov/chatsync/internal/bus"
	"github.com/Jamshidjalolov/chatsync/internal/model"
)

// SubChannel names one push stream.
type SubChannel string

const (
	SubDirect     SubChannel = "direct"
	SubAssignment SubChannel = "assignment"
	SubThreads    SubChannel = "threads"
)

// Status is a handle's connection state.
type Status string

const (
	Connecting   Status = "CONNECTING"
	Live         Status = "LIVE"
	Reconnecting Status = "RECONNECTING"
	Disabled     Status = "DISABLED"
	Lost         Status = "LOST"
	Closed       Status = "CLOSED"
)

// PingInterval is how often the assignment sub-channel pings while live.
const PingInterval = 15 * time.Second

// permanentCloseCodes end a handle without retrying.
var permanentCloseCodes = []int{websocket.ClosePolicyViolation, 4001, 4003, 4004}

// Event is one inbound frame. Frames are JSON objects with an "event"
// discriminator; Raw keeps the whole frame for payloads outside Data.
type Event struct {
	Sub  SubChannel      `json:"-"`
	Name string          `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`
	Raw  []byte          `json:"-"`
}

// StatusChange is passed to OnStatusChange and published on the bus.
type StatusChange struct {
	Sub    SubChannel
	Status Status
	Err    error
}

// Handlers receive a handle's callbacks on its own goroutine.
type Handlers struct {
	OnMessage      func(Event)
	OnStatusChange func(StatusChange)
}

// Manager opens handles. It holds the dialer, the clock and the bearer token.
type Manager struct {
	dialer *websocket.Dialer
	clock  clock.Clock
	bus    *bus.Bus
	logger *zap.Logger

	mu    sync.RWMutex
	token string
}

// NewManager creates a manager. clk may be nil for the wall clock.
func NewManager(clk clock.Clock, b *bus.Bus, logger *zap.Logger) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		clock:  clk,
		bus:    b,
		logger: logger,
	}
}

// SetToken sets the bearer token appended as the "token" query parameter.
func (m *Manager) SetToken(token string) {
	m.mu.Lock()
	m.token = token
	m.mu.Unlock()
}

// Open starts connecting sub to rawURL and returns immediately. The handle
// reconnects on its own until closed, disabled or out of retries.
func (m *Manager) Open(ctx context.Context, sub SubChannel, rawURL string, handlers Handlers) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		sub:      sub,
		manager:  m,
		backoff:  BackoffFor(sub),
		handlers: handlers,
		status:   Connecting,
		cancel:   cancel,
		done:     make(chan struct{}),
		logger:   m.logger.With(zap.String("sub", string(sub))),
	}
	if _, err := url.Parse(rawURL); err != nil {
		go func() {
			defer close(h.done)
			h.setStatus(Disabled, fmt.Errorf("socket url: %w", err))
		}()
		return h
	}
	h.url = rawURL
	go h.run(ctx)
	return h
}

// withToken appends the current token. It runs on every dial so a reconnect
// after SetToken presents the new token.
func (m *Manager) withToken(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	m.mu.RLock()
	token := m.token
	m.mu.RUnlock()
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Handle is one sub-channel connection.
type Handle struct {
	sub     SubChannel
	url     string // without token
	manager *Manager
	backoff Backoff
	logger  *zap.Logger
	cancel  context.CancelFunc
	done    chan struct{}

	mu       sync.Mutex
	handlers Handlers
	status   Status
	conn     *websocket.Conn
	closed   bool

	writeMu sync.Mutex
}

// Sub returns the handle's sub-channel.
func (h *Handle) Sub() SubChannel { return h.sub }

// Status returns the current connection state.
func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Done is closed once the handle's goroutine has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Close detaches the handlers and tears the connection down. A dial still in
// flight is abandoned and its connection closed silently when it completes.
func (h *Handle) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.handlers = Handlers{}
	conn := h.conn
	h.conn = nil
	h.status = Closed
	h.mu.Unlock()

	h.cancel()
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}
	h.manager.bus.Emit(bus.KindSocketStatus, string(h.sub), StatusChange{Sub: h.sub, Status: Closed})
}

// Send writes v as a JSON text frame.
func (h *Handle) Send(v any) error {
	h.mu.Lock()
	conn := h.conn
	h.mu.Unlock()
	if conn == nil {
		return errors.New("socket not live")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (h *Handle) run(ctx context.Context) {
	defer close(h.done)
	clk := h.manager.clock
	failures := 0

	for {
		target, err := h.manager.withToken(h.url)
		if err != nil {
			h.setStatus(Disabled, fmt.Errorf("socket url: %w", err))
			return
		}
		conn, resp, err := h.manager.dialer.DialContext(ctx, target, nil)
		if ctx.Err() != nil {
			if conn != nil {
				_ = conn.Close()
			}
			return
		}

		var permanent bool
		if err != nil {
			h.logger.Debug("socket dial failed", zap.Error(err))
			permanent = resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden)
		} else {
			if !h.attach(conn) {
				_ = conn.Close()
				return
			}
			failures = 0
			h.setStatus(Live, nil)
			var code int
			code, err = h.serve(ctx, conn)
			h.detach(conn)
			if ctx.Err() != nil {
				return
			}
			permanent = slices.Contains(permanentCloseCodes, code)
			h.logger.Info("socket closed", zap.Int("code", code), zap.Error(err))
		}

		if permanent {
			h.setStatus(Disabled, fmt.Errorf("%w: %v", model.ErrSocketTerminal, err))
			return
		}
		failures++
		if failures > MaxRetries {
			h.setStatus(Lost, fmt.Errorf("%w: %v", model.ErrSocketTerminal, err))
			return
		}
		h.setStatus(Reconnecting, err)
		select {
		case <-ctx.Done():
			return
		case <-clk.After(h.backoff.Delay(failures - 1)):
		}
	}
}

func (h *Handle) attach(conn *websocket.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conn = conn
	return true
}

func (h *Handle) detach(conn *websocket.Conn) {
	h.mu.Lock()
	if h.conn == conn {
		h.conn = nil
	}
	h.mu.Unlock()
	_ = conn.Close()
}

// serve reads frames until the connection ends and returns the close code,
// or 0 when the connection dropped without one.
func (h *Handle) serve(ctx context.Context, conn *websocket.Conn) (int, error) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if h.sub == SubAssignment {
		go h.pingLoop(connCtx, conn)
	}
	stop := context.AfterFunc(connCtx, func() { _ = conn.Close() })
	defer stop()

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return ce.Code, err
			}
			return 0, err
		}
		if kind != websocket.TextMessage {
			continue
		}
		var evt Event
		if err := json.Unmarshal(data, &evt); err != nil {
			h.logger.Debug("dropping malformed frame", zap.Error(err))
			continue
		}
		if evt.Name == "pong" {
			continue
		}
		evt.Sub = h.sub
		evt.Raw = data
		h.dispatch(evt)
	}
}

// pingLoop keeps the assignment stream warm. Missing pongs are not failures.
func (h *Handle) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := h.manager.clock.Ticker(PingInterval)
	defer ticker.Stop()
	frame := []byte(`{"event":"ping"}`)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.writeMu.Lock()
			err := conn.WriteMessage(websocket.TextMessage, frame)
			h.writeMu.Unlock()
			if err != nil {
				h.logger.Debug("ping failed", zap.Error(err))
				return
			}
		}
	}
}

func (h *Handle) dispatch(evt Event) {
	h.mu.Lock()
	cb := h.handlers.OnMessage
	h.mu.Unlock()
	if cb != nil {
		cb(evt)
	}
	h.manager.bus.Emit(bus.KindSocketEvent, string(h.sub), evt)
}

func (h *Handle) setStatus(s Status, err error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.status = s
	cb := h.handlers.OnStatusChange
	h.mu.Unlock()

	change := StatusChange{Sub: h.sub, Status: s, Err: err}
	if cb != nil {
		cb(change)
	}
	h.manager.bus.Emit(bus.KindSocketStatus, string(h.sub), change)
}
