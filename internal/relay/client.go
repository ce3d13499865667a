package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/componentry/relay/internal/event"
	"github.com/componentry/relay/internal/metrics"
	"github.com/componentry/relay/internal/protocol"
)

// readWait bounds how long the client waits for any frame (data, ka or
// ping) before declaring the connection dead.
const readWait = 90 * time.Second

// ErrGivenUp is reported to the give-up callback when the reconnection
// attempt cap is exhausted. Calling Connect again resets the counter.
var ErrGivenUp = errors.New("relay client gave up reconnecting")

// ErrAlreadyConnected is returned by Connect while a previous run is still
// active.
var ErrAlreadyConnected = errors.New("relay client already connected")

// State is the relay client's connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingAck
	StateSubscribed
	StateGivenUp
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingAck:
		return "awaiting_ack"
	case StateSubscribed:
		return "subscribed"
	case StateGivenUp:
		return "given_up"
	default:
		return "unknown"
	}
}

// Handler receives every event delivered on the client's subscription, in
// receipt order. It must not call Disconnect.
type Handler func(ev event.Event)

// ClientOptions configures a relay Client.
type ClientOptions struct {
	URL            string // websocket endpoint, e.g. ws://localhost:4000/ws
	Topic          string
	SubscriptionID string // client-chosen id, defaults to "relay-sub"
	Handler        Handler
	OnGiveUp       func(err error) // optional, called once per exhausted run

	ReconnectBase  time.Duration // delay factor, defaults to 2s
	ReconnectLimit int           // consecutive failed attempts before give-up, defaults to 5

	Clock   Clock
	Dialer  *websocket.Dialer
	Logger  *zap.Logger
	Metrics *metrics.Registry
}

// Client maintains one outbound relay connection: it replays the handshake,
// starts its single subscription and hands every data frame to the handler.
// Transport failures trigger reconnection with growing delays
// (base × attempt) up to a fixed attempt cap, after which the client parks
// in StateGivenUp until Connect is called again.
type Client struct {
	opts    ClientOptions
	clock   Clock
	dialer  *websocket.Dialer
	logger  *zap.Logger
	metrics *metrics.Registry

	state atomic.Int32

	// cbMu serializes handler invocations against Disconnect: once
	// Disconnect holds the write lock, no further callback can start.
	cbMu    sync.RWMutex
	stopped bool

	mu      sync.Mutex
	running bool
	conn    *websocket.Conn
	cancel  context.CancelFunc
	wmu     sync.Mutex // serializes writes to conn
	wg      sync.WaitGroup
}

// NewClient creates a relay Client. It does not connect.
func NewClient(opts ClientOptions) *Client {
	if opts.SubscriptionID == "" {
		opts.SubscriptionID = "relay-sub"
	}
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = 2 * time.Second
	}
	if opts.ReconnectLimit <= 0 {
		opts.ReconnectLimit = 5
	}
	if opts.Clock == nil {
		opts.Clock = RealClock()
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewRegistry()
	}
	return &Client{
		opts:    opts,
		clock:   opts.Clock,
		dialer:  opts.Dialer,
		logger:  opts.Logger.Named("relay-client"),
		metrics: opts.Metrics,
	}
}

// State returns the client's current connection state.
func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
}

// Connect starts the connection loop. It returns ErrAlreadyConnected if a
// previous run is still active; calling it after a give-up or Disconnect
// starts a fresh run with a reset attempt counter.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.running = true
	c.cancel = cancel
	c.mu.Unlock()

	c.cbMu.Lock()
	c.stopped = false
	c.cbMu.Unlock()

	c.wg.Add(1)
	go c.run(runCtx)
	return nil
}

// Disconnect stops the client: it sends a stop frame when subscribed,
// closes the transport and suppresses any further reconnection. When it
// returns, no handler invocation is in flight or will ever start.
func (c *Client) Disconnect() {
	c.cbMu.Lock()
	c.stopped = true
	c.cbMu.Unlock()

	c.mu.Lock()
	conn := c.conn
	cancel := c.cancel
	c.mu.Unlock()

	if conn != nil && c.State() == StateSubscribed {
		// Best effort: the server releases the subscription on close anyway.
		c.writeFrame(conn, protocol.Stop(c.opts.SubscriptionID))
	}
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}

	c.wg.Wait()
	c.setState(StateDisconnected)
}

// run is the reconnection loop. One iteration is one transport session;
// attempt counts consecutive sessions that never reached Subscribed.
func (c *Client) run(ctx context.Context) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	attempt := 0
	var lastErr error

	for {
		subscribed, err := c.session(ctx)
		if ctx.Err() != nil || c.isStopped() {
			c.setState(StateDisconnected)
			return
		}
		if err != nil {
			lastErr = err
		}
		if subscribed {
			// The connection made it to Subscribed before dropping, so the
			// next dial starts a fresh attempt sequence.
			attempt = 0
		}

		attempt++
		if attempt >= c.opts.ReconnectLimit {
			c.setState(StateGivenUp)
			c.logger.Error("reconnection attempts exhausted",
				zap.Int("attempts", attempt), zap.Error(lastErr))
			if c.opts.OnGiveUp != nil {
				if lastErr == nil {
					lastErr = errors.New("connection closed")
				}
				c.opts.OnGiveUp(fmt.Errorf("%w: %v", ErrGivenUp, lastErr))
			}
			return
		}

		delay := c.opts.ReconnectBase * time.Duration(attempt)
		c.logger.Warn("connection lost, reconnecting",
			zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
		c.metrics.ReconnectAttempt()

		select {
		case <-ctx.Done():
			c.setState(StateDisconnected)
			return
		case <-c.clock.After(delay):
		}
	}
}

// session runs one transport connection from dial to close. It reports
// whether the session reached Subscribed.
func (c *Client) session(ctx context.Context) (bool, error) {
	c.setState(StateConnecting)

	conn, _, err := c.dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}
	defer conn.Close()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
	}()

	c.setState(StateAwaitingAck)
	if err := c.writeFrame(conn, protocol.ConnectionInit()); err != nil {
		return false, fmt.Errorf("send connection_init: %w", err)
	}

	subscribed := false
	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(readWait))
		c.wmu.Lock()
		defer c.wmu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return subscribed, fmt.Errorf("read frame: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(readWait))

		msg, err := protocol.Decode(raw)
		if err != nil {
			return subscribed, err
		}

		switch msg.Type {
		case protocol.TypeConnectionAck:
			start, err := protocol.Start(c.opts.SubscriptionID, c.opts.Topic)
			if err != nil {
				return subscribed, err
			}
			if err := c.writeFrame(conn, start); err != nil {
				return subscribed, fmt.Errorf("send start: %w", err)
			}
			c.setState(StateSubscribed)
			subscribed = true
			c.logger.Info("subscribed",
				zap.String("url", c.opts.URL), zap.String("topic", c.opts.Topic))

		case protocol.TypeData:
			ev, err := protocol.DecodeData(msg)
			if err != nil {
				c.logger.Warn("undecodable data frame", zap.Error(err))
				continue
			}
			c.deliver(ev)

		case protocol.TypeKeepAlive:
			// Liveness only.

		case protocol.TypeError:
			p := protocol.DecodeError(msg)
			c.logger.Warn("server error frame",
				zap.String("subscription", msg.ID), zap.String("message", p.Message))

		case protocol.TypeComplete:
			// The server ended our subscription. A clean Disconnect exits
			// via the stopped flag; anything else warrants a fresh session.
			if c.isStopped() {
				return subscribed, nil
			}
			return subscribed, errors.New("subscription completed by server")

		default:
			c.logger.Warn("unexpected frame", zap.String("type", msg.Type))
		}
	}
}

// deliver invokes the handler under the callback lock so Disconnect can
// guarantee no invocation survives it.
func (c *Client) deliver(ev event.Event) {
	c.cbMu.RLock()
	defer c.cbMu.RUnlock()
	if c.stopped || c.opts.Handler == nil {
		return
	}
	c.opts.Handler(ev)
}

func (c *Client) isStopped() bool {
	c.cbMu.RLock()
	defer c.cbMu.RUnlock()
	return c.stopped
}

func (c *Client) writeFrame(conn *websocket.Conn, msg protocol.Message) error {
	raw, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, raw)
}
