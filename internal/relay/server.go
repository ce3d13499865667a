// Package relay implements both ends of the relay wire protocol: the
// server-side connection manager that exposes a Broker over websocket
// subscriptions, and the client that consumes such an endpoint with
// automatic reconnection.
package relay

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/componentry/relay/internal/broker"
	"github.com/componentry/relay/internal/metrics"
	"github.com/componentry/relay/internal/protocol"
)

const (
	// writeWait is the maximum time allowed to write a frame to the peer.
	writeWait = 10 * time.Second
	// maxMessageSize is the maximum inbound frame size in bytes.
	maxMessageSize = 64 * 1024
	// sendBuffer is the per-session outbound frame buffer.
	sendBuffer = 256
)

// ServerOptions configures a Server.
type ServerOptions struct {
	Broker         *broker.Broker
	IdleTimeout    time.Duration // no traffic for this long tears the session down
	AllowedOrigins []string      // empty allows all non-browser and same-origin clients
	Logger         *zap.Logger
	Metrics        *metrics.Registry
}

// Server is the relay connection manager: it accepts subscriber
// connections, runs the handshake, registers subscriptions against the
// Broker and streams broker-delivered events back out as data frames.
type Server struct {
	broker      *broker.Broker
	idleTimeout time.Duration
	logger      *zap.Logger
	metrics     *metrics.Registry
	upgrader    websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

// NewServer creates a relay Server for the given broker.
func NewServer(opts ServerOptions) *Server {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 60 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewRegistry()
	}

	s := &Server{
		broker:      opts.Broker,
		idleTimeout: opts.IdleTimeout,
		logger:      opts.Logger.Named("relay"),
		metrics:     opts.Metrics,
		sessions:    make(map[string]*session),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}
	return s
}

// RegisterRoutes wires the relay websocket endpoint.
func (s *Server) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/ws", s.ServeWS).Methods(http.MethodGet)
}

// ServeWS upgrades an HTTP GET /ws request to a websocket connection and
// runs the session until the peer disconnects or goes idle.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, "relay shutting down", http.StatusServiceUnavailable)
		return
	}
	s.mu.Unlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader already wrote the error response.
		return
	}

	sess := newSession(s, conn)
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	s.metrics.SessionOpened()
	s.logger.Info("session opened",
		zap.String("session", sess.id),
		zap.String("remote", conn.RemoteAddr().String()))

	go sess.writePump()
	go sess.readPump()
}

// SessionCount reports the number of open sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close tears down every open session. The HTTP listener itself is owned
// by the caller.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.teardown()
	}
}

func (s *Server) dropSession(sess *session) {
	s.mu.Lock()
	_, ok := s.sessions[sess.id]
	delete(s.sessions, sess.id)
	s.mu.Unlock()
	if ok {
		s.metrics.SessionClosed()
	}
}

// session state machine.
type sessionState int

const (
	stateAwaitingInit sessionState = iota
	stateReady
	stateClosed
)

// session is one accepted relay connection. It owns every subscription it
// registers; teardown releases them all.
type session struct {
	id     string
	server *Server
	conn   *websocket.Conn
	logger *zap.Logger

	send chan protocol.Message
	done chan struct{}

	mu    sync.Mutex
	state sessionState
	subs  map[string]*broker.Subscription // client-chosen subscription id → handle

	wmu       sync.Mutex // serializes writes to conn
	closeOnce sync.Once
}

func newSession(server *Server, conn *websocket.Conn) *session {
	id := uuid.New().String()
	return &session{
		id:     id,
		server: server,
		conn:   conn,
		logger: server.logger.With(zap.String("session", id)),
		send:   make(chan protocol.Message, sendBuffer),
		done:   make(chan struct{}),
		subs:   make(map[string]*broker.Subscription),
	}
}

// readPump reads frames from the peer and translates them into broker
// operations. It owns the read side of the connection and the idle timer.
func (s *session) readPump() {
	defer s.teardown()

	idle := s.server.idleTimeout
	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(idle))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(idle))
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Info("session read error", zap.Error(err))
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(idle))

		msg, err := protocol.Decode(raw)
		if err != nil {
			// Malformed input: answer on the subscription when the frame at
			// least carried an id, otherwise close the connection.
			var envelope struct {
				ID string `json:"id"`
			}
			if json.Unmarshal(raw, &envelope) == nil && envelope.ID != "" {
				s.logger.Warn("malformed frame", zap.String("subscription", envelope.ID), zap.Error(err))
				s.trySend(protocol.Error(envelope.ID, err.Error()))
				continue
			}
			s.logger.Warn("malformed frame, closing session", zap.Error(err))
			s.writeNow(protocol.Error("", err.Error()))
			return
		}

		if !s.handle(msg) {
			return
		}
	}
}

// handle dispatches one decoded frame. It returns false when the session
// must close.
func (s *session) handle(msg protocol.Message) bool {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	if state == stateClosed {
		return false
	}

	if state == stateAwaitingInit {
		if msg.Type != protocol.TypeConnectionInit {
			s.logger.Warn("frame before handshake", zap.String("type", msg.Type))
			s.writeNow(protocol.Error("", "expected connection_init"))
			return false
		}
		s.mu.Lock()
		s.state = stateReady
		s.mu.Unlock()
		s.trySend(protocol.ConnectionAck())
		return true
	}

	switch msg.Type {
	case protocol.TypeConnectionInit:
		s.logger.Warn("duplicate connection_init")
		s.writeNow(protocol.Error("", "duplicate connection_init"))
		return false

	case protocol.TypeStart:
		start, err := protocol.DecodeStart(msg)
		if err != nil {
			s.trySend(protocol.Error(msg.ID, err.Error()))
			return true
		}
		s.startSubscription(msg.ID, start.Topic)
		return true

	case protocol.TypeStop:
		s.stopSubscription(msg.ID)
		return true

	case protocol.TypeKeepAlive:
		return true

	default:
		// Server-to-client frame arriving inbound is out of state.
		s.logger.Warn("unexpected frame", zap.String("type", msg.Type))
		s.writeNow(protocol.Error(msg.ID, "unexpected frame type "+msg.Type))
		return false
	}
}

// startSubscription registers id against the broker. A duplicate start for
// a live id replaces the existing subscription so a publish is never
// delivered twice on the same id.
func (s *session) startSubscription(id, topic string) {
	sub := s.server.broker.Subscribe(topic)

	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		s.server.broker.Unsubscribe(sub)
		return
	}
	old := s.subs[id]
	s.subs[id] = sub
	s.mu.Unlock()

	if old != nil {
		s.server.broker.Unsubscribe(old)
		s.logger.Info("subscription replaced", zap.String("subscription", id), zap.String("topic", topic))
	} else {
		s.logger.Info("subscription started", zap.String("subscription", id), zap.String("topic", topic))
	}

	go s.drain(id, sub)
}

func (s *session) stopSubscription(id string) {
	s.mu.Lock()
	sub, ok := s.subs[id]
	delete(s.subs, id)
	s.mu.Unlock()

	if !ok {
		s.trySend(protocol.Error(id, "unknown subscription"))
		return
	}

	s.server.broker.Unsubscribe(sub)
	s.trySend(protocol.Complete(id))
	s.logger.Info("subscription stopped", zap.String("subscription", id))
}

// drain forwards broker-enqueued events for one subscription to the write
// pump, preserving queue order. It exits when the subscription's queue is
// closed (unsubscribe) or the session ends.
func (s *session) drain(id string, sub *broker.Subscription) {
	for ev := range sub.C() {
		msg, err := protocol.Data(id, ev)
		if err != nil {
			s.logger.Error("encode data frame", zap.String("subscription", id), zap.Error(err))
			continue
		}
		select {
		case s.send <- msg:
		case <-s.done:
			return
		}
	}
}

// writePump owns the steady-state write side of the connection: it
// serializes outbound frames and emits periodic pings and keep-alive
// frames.
func (s *session) writePump() {
	pingPeriod := s.server.idleTimeout * 9 / 10
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.teardown()
	}()

	for {
		select {
		case msg := <-s.send:
			if err := s.writeFrame(msg); err != nil {
				return
			}

		case <-ticker.C:
			s.wmu.Lock()
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := s.conn.WriteMessage(websocket.PingMessage, nil)
			s.wmu.Unlock()
			if err != nil {
				return
			}
			if err := s.writeFrame(protocol.KeepAlive()); err != nil {
				return
			}

		case <-s.done:
			// Flush frames queued before teardown (error and complete
			// replies) so the peer sees why it is being closed.
			for {
				select {
				case msg := <-s.send:
					if err := s.writeFrame(msg); err != nil {
						return
					}
				default:
					s.wmu.Lock()
					s.conn.SetWriteDeadline(time.Now().Add(writeWait))
					s.conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					s.wmu.Unlock()
					return
				}
			}
		}
	}
}

func (s *session) writeFrame(msg protocol.Message) error {
	raw, err := protocol.Encode(msg)
	if err != nil {
		s.logger.Error("encode frame", zap.Error(err))
		return nil
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, raw)
}

// writeNow bypasses the outbound queue for frames that must reach the
// peer before the connection is torn down.
func (s *session) writeNow(msg protocol.Message) {
	if err := s.writeFrame(msg); err != nil {
		s.logger.Debug("write rejection frame", zap.Error(err))
	}
}

// trySend enqueues a frame without ever blocking the read pump. Frames are
// dropped if the session's outbound buffer is saturated or the session is
// closing.
func (s *session) trySend(msg protocol.Message) {
	select {
	case s.send <- msg:
	case <-s.done:
	default:
		s.logger.Warn("outbound buffer full, dropping frame", zap.String("type", msg.Type))
	}
}

// teardown releases every subscription the session owns, exactly once,
// then closes the connection. All exit paths funnel through here so a
// dropped connection can never leak subscriptions.
func (s *session) teardown() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = stateClosed
		subs := s.subs
		s.subs = make(map[string]*broker.Subscription)
		s.mu.Unlock()

		for _, sub := range subs {
			s.server.broker.Unsubscribe(sub)
		}

		close(s.done)
		s.conn.Close()
		s.server.dropSession(s)
		s.logger.Info("session closed", zap.Int("released_subscriptions", len(subs)))
	})
}
