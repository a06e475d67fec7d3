package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/httprunner/devicesim/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHub struct {
	t        *testing.T
	server   *httptest.Server
	auth     chan protocol.Message
	conns    chan *websocket.Conn
	authHdr  chan string
	kindSeen chan string
}

func newFakeHub(t *testing.T) *fakeHub {
	h := &fakeHub{
		t:        t,
		auth:     make(chan protocol.Message, 4),
		conns:    make(chan *websocket.Conn, 4),
		authHdr:  make(chan string, 4),
		kindSeen: make(chan string, 4),
	}
	upgrader := websocket.Upgrader{}
	h.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.authHdr <- r.Header.Get("Authorization")
		h.kindSeen <- r.URL.Query().Get("type")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		var first protocol.Message
		if err := conn.ReadJSON(&first); err != nil {
			t.Errorf("read auth frame: %v", err)
			return
		}
		h.auth <- first
		h.conns <- conn
	}))
	t.Cleanup(h.server.Close)
	return h
}

func (h *fakeHub) binding() protocol.HubBinding {
	u, _ := url.Parse(h.server.URL)
	port, _ := strconv.Atoi(u.Port())
	return protocol.HubBinding{Host: u.Hostname(), Port: port}
}

func (h *fakeHub) accept() *websocket.Conn {
	select {
	case c := <-h.conns:
		return c
	case <-time.After(2 * time.Second):
		h.t.Fatal("hub did not accept a connection")
		return nil
	}
}

func TestWebSocketConnectionDeliversInOrder(t *testing.T) {
	hub := newFakeHub(t)
	dialer := &WebSocketDialer{}
	conn := dialer.NewConnection(protocol.ConnectionControl, hub.binding(), Info{"token": "tok", "udid": "u-1"})

	var mu sync.Mutex
	var got []string
	received := make(chan struct{}, 8)
	conn.Subscribe(Listener{OnMessage: func(msg protocol.Message) {
		mu.Lock()
		got = append(got, msg.String("seq"))
		mu.Unlock()
		received <- struct{}{}
	}})

	ctx := context.Background()
	require.NoError(t, conn.Establish(ctx))
	server := hub.accept()
	defer server.Close()

	assert.Equal(t, "Bearer tok", <-hub.authHdr)
	assert.Equal(t, "CONTROL", <-hub.kindSeen)
	auth := <-hub.auth
	assert.Equal(t, protocol.TypeAuth, auth.Type())
	assert.Equal(t, "u-1", auth.String("udid"))

	for i := 1; i <= 3; i++ {
		require.NoError(t, server.WriteJSON(map[string]any{"type": "NOOP", "seq": i}))
	}
	for i := 0; i < 3; i++ {
		select {
		case <-received:
		case <-time.After(2 * time.Second):
			t.Fatalf("message %d not delivered", i+1)
		}
	}
	mu.Lock()
	assert.Equal(t, []string{"1", "2", "3"}, got)
	mu.Unlock()

	require.NoError(t, conn.Send(ctx, protocol.NewMessage(protocol.TypeNoop, nil)))
	var echoed protocol.Message
	require.NoError(t, server.ReadJSON(&echoed))
	assert.Equal(t, protocol.TypeNoop, echoed.Type())

	conn.RemoveAllListeners()
	require.NoError(t, conn.Drop(ctx))
	require.NoError(t, conn.Drop(ctx))
	assert.ErrorIs(t, conn.Send(ctx, protocol.NewMessage(protocol.TypeNoop, nil)), ErrNotEstablished)
}

func TestWebSocketConnectionErrorFrame(t *testing.T) {
	hub := newFakeHub(t)
	conn := (&WebSocketDialer{}).NewConnection(protocol.ConnectionControl, hub.binding(), Info{})
	errs := make(chan error, 1)
	conn.Subscribe(Listener{OnError: func(err error) { errs <- err }})

	require.NoError(t, conn.Establish(context.Background()))
	server := hub.accept()
	defer server.Close()
	require.NoError(t, server.WriteJSON(map[string]any{"type": "ERROR", "message": "not-authorized"}))

	select {
	case err := <-errs:
		assert.True(t, IsNotAuthorized(err), "expected not-authorized, got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("error frame not delivered")
	}
	_ = conn.Drop(context.Background())
}

func TestWebSocketConnectionReportsDisconnect(t *testing.T) {
	hub := newFakeHub(t)
	conn := (&WebSocketDialer{}).NewConnection(protocol.ConnectionManual, hub.binding(), Info{})
	statuses := make(chan Status, 4)
	conn.Subscribe(Listener{OnStatus: func(s Status) { statuses <- s }})

	require.NoError(t, conn.Establish(context.Background()))
	assert.Equal(t, StatusConnected, <-statuses)
	server := hub.accept()
	_ = server.Close()

	select {
	case s := <-statuses:
		assert.Equal(t, StatusDisconnected, s)
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect not reported")
	}
}

func TestHubURL(t *testing.T) {
	assert.Equal(t, "ws://hub.local:9000/connect?type=AUTO",
		HubURL(protocol.HubBinding{Host: "hub.local", Port: 9000}, protocol.ConnectionAuto))
	assert.Equal(t, "wss://hub.local/ws?type=MANUAL",
		HubURL(protocol.HubBinding{Host: "hub.local", Secure: true, Path: "/ws"}, protocol.ConnectionManual))
}

func TestEmitterSkipsListenersRemovedMidEvent(t *testing.T) {
	var e Emitter
	calls := 0
	e.Subscribe(Listener{OnMessage: func(protocol.Message) {
		calls++
		e.RemoveAllListeners()
	}})
	e.Subscribe(Listener{OnMessage: func(protocol.Message) { calls++ }})
	e.EmitMessage(protocol.NewMessage(protocol.TypeNoop, nil))
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, e.ListenerCount())

	unsubscribe := e.Subscribe(Listener{OnStatus: func(Status) { calls++ }})
	unsubscribe()
	e.EmitStatus(StatusConnected)
	assert.Equal(t, 1, calls)
}

func TestRemoteErrorMatching(t *testing.T) {
	assert.True(t, IsNotAuthorized(&RemoteError{Message: "not-authorized"}))
	assert.False(t, IsNotAuthorized(&RemoteError{Message: "busy"}))
}
