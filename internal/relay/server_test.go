package relay

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/componentry/relay/internal/broker"
	"github.com/componentry/relay/internal/event"
	"github.com/componentry/relay/internal/protocol"
)

// testServer spins up a broker and relay server on a real listener.
func testServer(t *testing.T, idle time.Duration) (*broker.Broker, *Server, string) {
	t.Helper()

	b := broker.New(broker.Options{})
	t.Cleanup(b.Close)

	srv := NewServer(ServerOptions{Broker: b, IdleTimeout: idle})
	t.Cleanup(srv.Close)

	r := mux.NewRouter()
	srv.RegisterRoutes(r)

	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)

	return b, srv, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, msg protocol.Message) {
	t.Helper()
	raw, err := protocol.Encode(msg)
	require.NoError(t, err)
	conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.Decode(raw)
	require.NoError(t, err)
	return msg
}

// expectSilence asserts that no frame arrives within d.
func expectSilence(t *testing.T, conn *websocket.Conn, d time.Duration) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(d))
	_, raw, err := conn.ReadMessage()
	require.Error(t, err, "unexpected frame: %s", string(raw))
}

func handshake(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	sendFrame(t, conn, protocol.ConnectionInit())
	ack := readFrame(t, conn)
	require.Equal(t, protocol.TypeConnectionAck, ack.Type)
}

func start(t *testing.T, conn *websocket.Conn, id, topic string) {
	t.Helper()
	msg, err := protocol.Start(id, topic)
	require.NoError(t, err)
	sendFrame(t, conn, msg)
}

func TestHandshake(t *testing.T) {
	_, _, url := testServer(t, 30*time.Second)
	conn := dial(t, url)
	handshake(t, conn)
}

func TestFrameBeforeInitClosesConnection(t *testing.T) {
	_, srv, url := testServer(t, 30*time.Second)
	conn := dial(t, url)

	start(t, conn, "sub-1", "components")

	errFrame := readFrame(t, conn)
	assert.Equal(t, protocol.TypeError, errFrame.Type)

	// The server closes after rejecting the pre-init frame.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)

	require.Eventually(t, func() bool { return srv.SessionCount() == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestSubscribeAndReceiveInOrder(t *testing.T) {
	b, _, url := testServer(t, 30*time.Second)
	conn := dial(t, url)

	handshake(t, conn)
	start(t, conn, "sub-1", "components")

	require.Eventually(t, func() bool { return b.SubscriberCount("components") == 1 },
		2*time.Second, 10*time.Millisecond)

	var published []event.Event
	for i := 0; i < 3; i++ {
		ev, err := event.New(event.KindCard, json.RawMessage(`{"n":`+string(rune('0'+i))+`}`))
		require.NoError(t, err)
		published = append(published, ev)
		b.Publish("components", ev)
	}

	for i := 0; i < 3; i++ {
		msg := readFrame(t, conn)
		require.Equal(t, protocol.TypeData, msg.Type)
		assert.Equal(t, "sub-1", msg.ID)
		got, err := protocol.DecodeData(msg)
		require.NoError(t, err)
		assert.Equal(t, published[i].ID, got.ID)
	}
}

func TestStopEmitsCompleteAndEndsDelivery(t *testing.T) {
	b, _, url := testServer(t, 30*time.Second)
	conn := dial(t, url)

	handshake(t, conn)
	start(t, conn, "sub-1", "components")
	require.Eventually(t, func() bool { return b.SubscriberCount("components") == 1 },
		2*time.Second, 10*time.Millisecond)

	sendFrame(t, conn, protocol.Stop("sub-1"))
	complete := readFrame(t, conn)
	assert.Equal(t, protocol.TypeComplete, complete.Type)
	assert.Equal(t, "sub-1", complete.ID)

	require.Eventually(t, func() bool { return b.SubscriberCount("components") == 0 },
		2*time.Second, 10*time.Millisecond)

	ev, err := event.New(event.KindCard, json.RawMessage(`{}`))
	require.NoError(t, err)
	b.Publish("components", ev)
	expectSilence(t, conn, 200*time.Millisecond)
}

func TestStopUnknownSubscriptionAnswersError(t *testing.T) {
	_, _, url := testServer(t, 30*time.Second)
	conn := dial(t, url)

	handshake(t, conn)
	sendFrame(t, conn, protocol.Stop("nope"))

	errFrame := readFrame(t, conn)
	assert.Equal(t, protocol.TypeError, errFrame.Type)
	assert.Equal(t, "nope", errFrame.ID)
}

func TestDuplicateStartDoesNotDoubleDeliver(t *testing.T) {
	b, _, url := testServer(t, 30*time.Second)
	conn := dial(t, url)

	handshake(t, conn)
	start(t, conn, "sub-1", "components")
	start(t, conn, "sub-1", "components")

	// The replacement unsubscribes the first registration.
	require.Eventually(t, func() bool { return b.SubscriberCount("components") == 1 },
		2*time.Second, 10*time.Millisecond)

	ev, err := event.New(event.KindCard, json.RawMessage(`{"title":"once"}`))
	require.NoError(t, err)
	b.Publish("components", ev)

	msg := readFrame(t, conn)
	require.Equal(t, protocol.TypeData, msg.Type)
	got, err := protocol.DecodeData(msg)
	require.NoError(t, err)
	assert.Equal(t, ev.ID, got.ID)

	expectSilence(t, conn, 200*time.Millisecond)
}

func TestMalformedFrameWithIDAnswersOnSubscription(t *testing.T) {
	_, _, url := testServer(t, 30*time.Second)
	conn := dial(t, url)

	handshake(t, conn)

	conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"id":"sub-9","type":"start","payload":{}}`)))

	errFrame := readFrame(t, conn)
	assert.Equal(t, protocol.TypeError, errFrame.Type)
	assert.Equal(t, "sub-9", errFrame.ID)

	// The session survives a malformed frame that named a subscription.
	start(t, conn, "sub-1", "components")
	sendFrame(t, conn, protocol.Stop("sub-1"))
	complete := readFrame(t, conn)
	assert.Equal(t, protocol.TypeComplete, complete.Type)
}

func TestDisconnectReleasesAllSubscriptions(t *testing.T) {
	b, srv, url := testServer(t, 30*time.Second)
	conn := dial(t, url)

	handshake(t, conn)
	start(t, conn, "sub-1", "components")
	start(t, conn, "sub-2", "components")

	require.Eventually(t, func() bool { return b.SubscriberCount("components") == 2 },
		2*time.Second, 10*time.Millisecond)

	conn.Close()

	require.Eventually(t, func() bool { return b.SubscriberCount("components") == 0 },
		2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return srv.SessionCount() == 0 },
		2*time.Second, 10*time.Millisecond)

	// A publish after the disconnect enqueues for nobody.
	ev, err := event.New(event.KindCard, json.RawMessage(`{}`))
	require.NoError(t, err)
	b.Publish("components", ev)
	assert.Equal(t, 0, b.SubscriberCount("components"))
}

func TestIdleSessionIsTornDown(t *testing.T) {
	b, srv, url := testServer(t, 150*time.Millisecond)
	conn := dial(t, url)

	handshake(t, conn)
	start(t, conn, "sub-1", "components")
	require.Eventually(t, func() bool { return b.SubscriberCount("components") == 1 },
		2*time.Second, 10*time.Millisecond)

	// Stop reading and writing: no pongs reach the server, so the idle
	// deadline fires and the session is cleaned up like a disconnect.
	require.Eventually(t, func() bool { return srv.SessionCount() == 0 },
		3*time.Second, 20*time.Millisecond)
	assert.Equal(t, 0, b.SubscriberCount("components"))
}
