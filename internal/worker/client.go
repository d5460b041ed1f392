// Package worker is a JSON-RPC client for the remote agent worker.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	// ErrNotConnected is returned by calls made while the client is not connected.
	ErrNotConnected = errors.New("Not connected")
	// ErrConnectTimeout is returned when the socket does not open in time.
	ErrConnectTimeout = errors.New("connection timeout")
	// ErrClosed rejects calls still pending when the client disconnects.
	ErrClosed = errors.New("connection closed")
)

const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultCallTimeout    = 30 * time.Second

	methodAuth       = "auth"
	methodPing       = "ping"
	methodSendTask   = "sendTask"
	methodHistory    = "getSessionHistory"
	methodList       = "listSessions"
	notifySession    = "session_event"
	wildcardListener = "*"
	eventBuffer      = 64
)

// State is the connection state of a Client.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

// Config configures a Client.
type Config struct {
	URL            string
	Token          string
	ConnectTimeout time.Duration
	CallTimeout    time.Duration
}

type callResult struct {
	result json.RawMessage
	err    error
}

type pendingCall struct {
	id     int64
	method string
	done   chan callResult
	timer  *time.Timer
}

// Client is a persistent connection to the remote worker. It is safe for
// concurrent use by many sessions.
type Client struct {
	cfg      Config
	clientID string
	dialer   *websocket.Dialer
	logger   *slog.Logger

	connectMu sync.Mutex

	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	nextID  int64
	pending map[int64]*pendingCall
	lastErr error

	writeMu sync.Mutex

	listenersMu  sync.RWMutex
	listeners    map[string]map[int]func(Event)
	nextListener int
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.logger = l } }

// WithDialer overrides the websocket dialer.
func WithDialer(d *websocket.Dialer) Option { return func(c *Client) { c.dialer = d } }

// New returns a disconnected client.
func New(cfg Config, opts ...Option) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	c := &Client{
		cfg:       cfg,
		clientID:  uuid.NewString(),
		dialer:    websocket.DefaultDialer,
		logger:    slog.Default(),
		state:     StateDisconnected,
		pending:   make(map[int64]*pendingCall),
		listeners: make(map[string]map[int]func(Event)),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ClientID is the id sent with the auth call.
func (c *Client) ClientID() string { return c.clientID }

// Connect opens the socket. It is a no-op when already connected.
func (c *Client) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.Lock()
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	conn, _, err := c.dialer.DialContext(dialCtx, c.cfg.URL, header)
	if err != nil {
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w after %s: %s", ErrConnectTimeout, c.cfg.ConnectTimeout, c.cfg.URL)
		} else {
			err = fmt.Errorf("connect %s: %w", c.cfg.URL, err)
		}
		c.mu.Lock()
		c.state = StateError
		c.lastErr = err
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.lastErr = nil
	c.mu.Unlock()

	go c.readLoop(conn)
	c.logger.Debug("worker connected", "url", c.cfg.URL)

	if c.cfg.Token != "" {
		go c.authenticate()
	}
	return nil
}

// authenticate is best effort; the bearer header already carries the token.
func (c *Client) authenticate() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CallTimeout)
	defer cancel()
	err := c.Call(ctx, methodAuth, authParams{Token: c.cfg.Token, ClientID: c.clientID}, nil)
	if err != nil {
		c.logger.Debug("worker auth call failed", "error", err)
	}
}

// Disconnect closes the socket and rejects every pending call with ErrClosed.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	pending := c.takePendingLocked()
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = conn.Close()
	}
	rejectAll(pending, ErrClosed)
}

// Call sends method with params and decodes the result into out, which may be nil.
func (c *Client) Call(ctx context.Context, method string, params, out any) error {
	c.mu.Lock()
	if c.state != StateConnected || c.conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.nextID++
	id := c.nextID
	pc := &pendingCall{id: id, method: method, done: make(chan callResult, 1)}
	pc.timer = time.AfterFunc(c.cfg.CallTimeout, func() {
		c.settle(id, callResult{err: fmt.Errorf("RPC call timeout: %s", method)})
	})
	c.pending[id] = pc
	conn := c.conn
	c.mu.Unlock()

	if params == nil {
		params = struct{}{}
	}
	if err := c.write(conn, request{JSONRPC: jsonrpcVersion, ID: id, Method: method, Params: params}); err != nil {
		c.settle(id, callResult{err: err})
		c.fail(conn, err)
	}

	var res callResult
	select {
	case res = <-pc.done:
	case <-ctx.Done():
		c.settle(id, callResult{err: ctx.Err()})
		res = <-pc.done
	}
	if res.err != nil {
		return res.err
	}
	if out != nil && len(res.result) > 0 && string(res.result) != "null" {
		if err := json.Unmarshal(res.result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}

// Pending returns the number of in-flight calls.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Client) write(conn *websocket.Conn, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(v)
}

// settle resolves the pending call id once; later settles are no-ops.
func (c *Client) settle(id int64, res callResult) {
	c.mu.Lock()
	pc, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	pc.timer.Stop()
	pc.done <- res
}

func (c *Client) takePendingLocked() map[int64]*pendingCall {
	pending := c.pending
	c.pending = make(map[int64]*pendingCall)
	return pending
}

func rejectAll(pending map[int64]*pendingCall, err error) {
	for _, pc := range pending {
		pc.timer.Stop()
		pc.done <- callResult{err: err}
	}
}

// fail moves the client to the error state and rejects every pending call.
// Failures of a connection that has already been replaced are ignored.
func (c *Client) fail(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = StateError
	c.lastErr = cause
	pending := c.takePendingLocked()
	c.mu.Unlock()

	_ = conn.Close()
	c.logger.Warn("worker connection lost", "error", cause, "pending", len(pending))
	rejectAll(pending, fmt.Errorf("worker connection lost: %w", cause))
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.fail(conn, err)
			return
		}
		c.handle(data)
	}
}

func (c *Client) handle(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.logger.Warn("malformed worker frame", "error", err)
		return
	}

	if env.ID != nil && env.Method == "" {
		if env.Error != nil {
			c.settle(*env.ID, callResult{err: env.Error})
		} else {
			c.settle(*env.ID, callResult{result: env.Result})
		}
		return
	}

	switch env.Method {
	case notifySession:
		var ev Event
		if err := json.Unmarshal(env.Params, &ev); err != nil {
			c.logger.Warn("malformed session event", "error", err)
			return
		}
		c.dispatch(ev)
	default:
		c.logger.Debug("ignoring worker notification", "method", env.Method)
	}
}

// Subscribe registers fn for events of sessionID, or of every session when
// sessionID is "*". The returned function unsubscribes and is idempotent.
func (c *Client) Subscribe(sessionID string, fn func(Event)) (unsubscribe func()) {
	c.listenersMu.Lock()
	c.nextListener++
	id := c.nextListener
	if c.listeners[sessionID] == nil {
		c.listeners[sessionID] = make(map[int]func(Event))
	}
	c.listeners[sessionID][id] = fn
	c.listenersMu.Unlock()

	return func() {
		c.listenersMu.Lock()
		defer c.listenersMu.Unlock()
		delete(c.listeners[sessionID], id)
		if len(c.listeners[sessionID]) == 0 {
			delete(c.listeners, sessionID)
		}
	}
}

func (c *Client) dispatch(ev Event) {
	c.listenersMu.RLock()
	var fns []func(Event)
	for _, fn := range c.listeners[ev.SessionID] {
		fns = append(fns, fn)
	}
	if ev.SessionID != wildcardListener {
		for _, fn := range c.listeners[wildcardListener] {
			fns = append(fns, fn)
		}
	}
	c.listenersMu.RUnlock()

	for _, fn := range fns {
		c.invoke(fn, ev)
	}
}

func (c *Client) invoke(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("session event listener panicked", "session", ev.SessionID, "panic", r)
		}
	}()
	fn(ev)
}

// Events delivers sessionID's events on a channel that is closed when ctx is
// done. Events that arrive while the buffer is full are dropped.
func (c *Client) Events(ctx context.Context, sessionID string) <-chan Event {
	ch := make(chan Event, eventBuffer)
	var mu sync.Mutex
	closed := false

	unsubscribe := c.Subscribe(sessionID, func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- ev:
		default:
			c.logger.Warn("dropping session event", "session", ev.SessionID, "type", ev.Type)
		}
	})

	go func() {
		<-ctx.Done()
		unsubscribe()
		mu.Lock()
		closed = true
		close(ch)
		mu.Unlock()
	}()
	return ch
}

// SendTask submits a task and returns the remote session it started.
func (c *Client) SendTask(ctx context.Context, req TaskRequest) (*TaskAccepted, error) {
	var out TaskAccepted
	if err := c.Call(ctx, methodSendTask, req, &out); err != nil {
		return nil, err
	}
	if out.SessionID == "" {
		return nil, errors.New("worker returned no session id")
	}
	return &out, nil
}

// GetSessionHistory returns the status and transcript of a remote session.
func (c *Client) GetSessionHistory(ctx context.Context, sessionID string) (*RemoteSession, error) {
	var out RemoteSession
	if err := c.Call(ctx, methodHistory, sessionParams{SessionID: sessionID}, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		out.ID = sessionID
	}
	return &out, nil
}

// ListSessions returns the sessions known to the worker.
func (c *Client) ListSessions(ctx context.Context) ([]RemoteSession, error) {
	var out sessionList
	if err := c.Call(ctx, methodList, nil, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// Ping checks that the worker answers.
func (c *Client) Ping(ctx context.Context) error {
	return c.Call(ctx, methodPing, struct{}{}, nil)
}
