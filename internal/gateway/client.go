package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"gatebridge/internal/domain"
)

// State is the connection lifecycle state. StateClosed is terminal and
// user-initiated; no reconnection is attempted from it.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

// Inbound frames are capped to bound memory use against a misbehaving
// server.
const defaultMaxFrameSize = 25 * 1024 * 1024

const writeTimeout = 10 * time.Second

// Config holds connection parameters for the gateway client.
type Config struct {
	URL      string
	Token    string
	Password string

	// ClientName must match an identity pre-registered on the gateway.
	ClientName    string
	ClientVersion string
	Mode          string
	Role          string
	Scopes        []string

	RequestTimeout time.Duration // default timeout for Request, 60s
	ChatAckTimeout time.Duration // chat.send submission ack, 10s
	AgentTimeout   time.Duration // agent invocations, 120s

	ChallengeWait    time.Duration // pre-handshake challenge window, 2s
	HandshakeTimeout time.Duration // connect response wait, 10s
	ReconnectInitial time.Duration // reconnect backoff floor, 1s
	ReconnectMax     time.Duration // reconnect backoff cap, 30s

	MaxFrameSize int64
}

func (c *Config) applyDefaults() {
	if c.ClientName == "" {
		c.ClientName = "gateway-client"
	}
	if c.ClientVersion == "" {
		c.ClientVersion = "1.0.0"
	}
	if c.Mode == "" {
		c.Mode = "backend"
	}
	if c.Role == "" {
		c.Role = "operator"
	}
	if c.Scopes == nil {
		c.Scopes = []string{"operator.admin"}
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 60 * time.Second
	}
	if c.ChatAckTimeout <= 0 {
		c.ChatAckTimeout = 10 * time.Second
	}
	if c.AgentTimeout <= 0 {
		c.AgentTimeout = 120 * time.Second
	}
	if c.ChallengeWait <= 0 {
		c.ChallengeWait = 2 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.ReconnectInitial <= 0 {
		c.ReconnectInitial = time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 30 * time.Second
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = defaultMaxFrameSize
	}
}

// Client maintains one authenticated WebSocket connection to the assistant
// gateway, multiplexes request/response exchanges over it, and dispatches
// server-pushed events to registered handlers.
type Client struct {
	cfg    Config
	logger *slog.Logger

	pending *correlator
	events  *dispatcher

	mu         sync.Mutex // guards conn, state, recvCancel, recvDone, nonce
	conn       *websocket.Conn
	state      State
	recvCancel context.CancelFunc
	recvDone   chan struct{}
	nonce      string

	writeMu   sync.Mutex // serializes frame writes to the socket
	connectMu sync.Mutex // serializes Connect/Close teardown

	closed  atomic.Bool
	closeCh chan struct{}
}

// New creates a gateway client. It does not connect; call Connect.
func New(cfg Config, logger *slog.Logger) *Client {
	cfg.applyDefaults()
	c := &Client{
		cfg:     cfg,
		logger:  logger,
		pending: newCorrelator(),
		state:   StateDisconnected,
		closeCh: make(chan struct{}),
	}
	c.events = newDispatcher(logger)
	return c
}

// Connect establishes the socket and performs the authenticated handshake.
// Any previous connection is torn down first; its pending requests fail with
// ErrConnectionClosed. On success the receive loop is started and the
// negotiated handshake payload returned. Connect makes no retry attempts of
// its own; retries after an established connection drops are the reconnect
// procedure's job, and retries at startup are the caller's.
func (c *Client) Connect(ctx context.Context) (*HelloPayload, error) {
	const op = "client.Connect"
	if c.closed.Load() {
		return nil, domain.NewGatewayError(op, domain.ErrClosed, "")
	}

	c.connectMu.Lock()
	defer c.connectMu.Unlock()
	if c.closed.Load() {
		return nil, domain.NewGatewayError(op, domain.ErrClosed, "")
	}

	c.teardown(domain.ErrConnectionClosed)
	c.setState(StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	conn, _, err := websocket.Dial(dialCtx, c.cfg.URL, nil)
	cancel()
	if err != nil {
		c.setState(StateDisconnected)
		return nil, domain.WrapOp(op, err)
	}
	conn.SetReadLimit(c.cfg.MaxFrameSize)

	hello, err := c.handshake(ctx, conn)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		c.setState(StateDisconnected)
		return nil, err
	}

	recvCtx, recvCancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.recvCancel = recvCancel
	c.recvDone = done
	c.mu.Unlock()

	go c.receiveLoop(recvCtx, conn, done)

	c.logger.Info("gateway connected", "url", c.cfg.URL, "protocol", hello.Protocol)
	return hello, nil
}

// Close shuts the client down for good: the state becomes closed, the
// socket is torn down, and every pending request fails with
// ErrConnectionClosed. Idempotent.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	close(c.closeCh)

	c.connectMu.Lock()
	defer c.connectMu.Unlock()
	c.setState(StateClosed)
	c.teardown(domain.ErrConnectionClosed)
	c.logger.Info("gateway client closed")
	return nil
}

// Connected reports whether the client currently holds an authenticated
// connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected && c.conn != nil
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnEvent registers handler for the named event (EventWildcard for all
// events) and returns an unsubscribe function. Handlers run on the receive
// loop and must not block.
func (c *Client) OnEvent(event string, handler EventHandler) func() {
	return c.events.subscribe(event, handler)
}

// Request sends a req frame and waits up to timeout for the matching
// response. With expectFinal set, responses whose payload status is
// "accepted" are intermediate acknowledgments and keep the request pending.
// A zero timeout means the configured default.
func (c *Client) Request(ctx context.Context, method string, params any, timeout time.Duration, expectFinal bool) (json.RawMessage, error) {
	const op = "client.Request"
	conn := c.currentConn()
	if conn == nil {
		return nil, domain.NewGatewayError(op, domain.ErrNotConnected, method)
	}
	if timeout <= 0 {
		timeout = c.cfg.RequestTimeout
	}

	frame, err := newRequestFrame(newRequestID(), method, params)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}

	p := c.pending.add(frame.ID, expectFinal)
	if err := c.writeFrame(ctx, conn, frame); err != nil {
		c.pending.remove(frame.ID)
		return nil, domain.WrapOp(op, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-p.done:
		if res.err != nil {
			return nil, domain.WrapOp(method, res.err)
		}
		return res.payload, nil
	case <-timer.C:
		c.pending.remove(frame.ID)
		return nil, domain.NewGatewayError(op, domain.ErrTimeout, method)
	case <-ctx.Done():
		c.pending.remove(frame.ID)
		return nil, ctx.Err()
	}
}

// receiveLoop reads frames until the socket closes or the context is
// cancelled. Each frame is decoded and routed on this goroutine, so event
// handlers and response resolution observe frames strictly in arrival order.
func (c *Client) receiveLoop(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || c.closed.Load() {
				return // deliberate teardown
			}
			c.logger.Warn("gateway connection lost", "error", err)
			c.handleConnectionLoss(conn)
			return
		}
		c.handleFrame(data)
	}
}

func (c *Client) handleFrame(data []byte) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		// Per-frame isolation: a malformed frame is dropped, the
		// connection survives.
		c.logger.Error("dropping undecodable frame", "error", domain.NewGatewayError("decode", domain.ErrProtocolError, err.Error()))
		return
	}
	switch frame.Type {
	case FrameTypeResponse:
		c.pending.resolve(frame)
	case FrameTypeEvent:
		c.handleEvent(frame)
	default:
		c.logger.Debug("ignoring unknown frame type", "type", string(frame.Type))
	}
}

func (c *Client) handleEvent(frame Frame) {
	switch frame.Event {
	case EventConnectChallenge:
		var chal challengePayload
		if err := json.Unmarshal(frame.Payload, &chal); err != nil || chal.Nonce == "" {
			return
		}
		c.mu.Lock()
		c.nonce = chal.Nonce
		c.mu.Unlock()
		c.logger.Debug("received connect.challenge", "nonce", chal.Nonce)
		// Best-effort re-authentication. The nonce is recorded but not
		// yet incorporated into a signed response.
		go c.reauthenticate()
		return
	case EventTick:
		return // heartbeat, no payload significance
	}
	c.events.dispatch(frame.Event, frame.Payload)
}

func (c *Client) reauthenticate() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandshakeTimeout)
	defer cancel()
	if _, err := c.Request(ctx, MethodConnect, c.connectParams(), c.cfg.HandshakeTimeout, false); err != nil {
		c.logger.Warn("re-authentication after challenge failed", "error", err)
	}
}

// handleConnectionLoss runs when the receive loop sees an unexpected close
// while the client is not user-closed. It fails every pending waiter and
// schedules the reconnect procedure without blocking the loop's caller.
func (c *Client) handleConnectionLoss(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.recvCancel = nil
		c.recvDone = nil
		c.state = StateReconnecting
	}
	c.mu.Unlock()

	conn.Close(websocket.StatusNormalClosure, "")
	c.pending.failAll(domain.ErrConnectionClosed)
	go c.reconnectLoop()
}

// reconnectLoop retries Connect with exponential backoff until the client
// reconnects or is closed. There is no retry cap.
func (c *Client) reconnectLoop() {
	backoff := c.cfg.ReconnectInitial
	for !c.closed.Load() && !c.Connected() {
		c.setState(StateReconnecting)
		c.logger.Info("reconnecting to gateway", "backoff", backoff)
		select {
		case <-time.After(backoff):
		case <-c.closeCh:
			return
		}
		if c.closed.Load() {
			return
		}
		if _, err := c.Connect(context.Background()); err == nil {
			c.logger.Info("gateway reconnected")
			return
		}
		backoff = nextBackoff(backoff, c.cfg.ReconnectMax)
	}
}

// nextBackoff doubles the backoff, capped at max.
func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}

// teardown cancels the receive loop, closes the socket, and fails all
// pending requests with reason. Callers hold connectMu.
func (c *Client) teardown(reason error) {
	c.mu.Lock()
	conn := c.conn
	cancel := c.recvCancel
	done := c.recvDone
	c.conn = nil
	c.recvCancel = nil
	c.recvDone = nil
	if c.state != StateClosed {
		c.state = StateDisconnected
	}
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "")
	}
	if done != nil {
		<-done
	}
	c.pending.failAll(reason)
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state != StateClosed {
		c.state = s
	}
	c.mu.Unlock()
}

func (c *Client) currentConn() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// writeFrame serializes a frame onto the socket. Writes from concurrent
// requests are serialized by writeMu.
func (c *Client) writeFrame(ctx context.Context, conn *websocket.Conn, frame Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, frame)
}

// newRequestID generates a fresh opaque request id. ULIDs are unique across
// concurrently outstanding requests and sort by creation time, which makes
// wire logs easier to follow.
func newRequestID() string {
	return ulid.Make().String()
}

// newIdempotencyKey generates a client token that lets the server
// deduplicate retried submissions of the same logical request.
func newIdempotencyKey() string {
	return ulid.Make().String()
}
