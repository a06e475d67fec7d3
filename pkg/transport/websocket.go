package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/httprunner/devicesim/pkg/protocol"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	defaultConnectPath = "/connect"
	closeWriteTimeout  = time.Second
)

// WebSocketDialer opens hub connections over WebSocket. Every text frame
// carries one JSON message; the first frame sent is an AUTH message with
// the connection Info.
type WebSocketDialer struct {
	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

// NewConnection implements Dialer.
func (d *WebSocketDialer) NewConnection(kind protocol.ConnectionKind, hub protocol.HubBinding, info Info) Connection {
	dialer := websocket.DefaultDialer
	if d != nil && d.Dialer != nil {
		dialer = d.Dialer
	}
	return &wsConnection{
		id:     uuid.NewString(),
		kind:   kind,
		hub:    hub,
		info:   info,
		dialer: dialer,
	}
}

type wsConnection struct {
	Emitter

	id     string
	kind   protocol.ConnectionKind
	hub    protocol.HubBinding
	info   Info
	dialer *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	dropped bool
	writeMu sync.Mutex
}

func (c *wsConnection) ID() string                    { return c.id }
func (c *wsConnection) Kind() protocol.ConnectionKind { return c.kind }

// HubURL builds the WebSocket endpoint for a hub binding and connection kind.
func HubURL(hub protocol.HubBinding, kind protocol.ConnectionKind) string {
	scheme := "ws"
	if hub.Secure {
		scheme = "wss"
	}
	host := hub.Host
	if hub.Port > 0 {
		host = net.JoinHostPort(hub.Host, strconv.Itoa(hub.Port))
	}
	path := strings.TrimSpace(hub.Path)
	if path == "" {
		path = defaultConnectPath
	}
	u := url.URL{
		Scheme:   scheme,
		Host:     host,
		Path:     path,
		RawQuery: url.Values{"type": {string(kind)}}.Encode(),
	}
	return u.String()
}

func (c *wsConnection) Establish(ctx context.Context) error {
	c.mu.Lock()
	if c.dropped {
		c.mu.Unlock()
		return errors.New("transport: establish on dropped connection")
	}
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	endpoint := HubURL(c.hub, c.kind)
	header := http.Header{}
	if token, _ := c.info["token"].(string); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := c.dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				return errors.Wrapf(&RemoteError{Message: protocol.ErrNotAuthorizedMessage}, "dial %s", endpoint)
			}
			return errors.Wrapf(err, "dial %s: status %s", endpoint, resp.Status)
		}
		return errors.Wrapf(err, "dial %s", endpoint)
	}

	auth := protocol.NewMessage(protocol.TypeAuth, c.info)
	auth["connectionType"] = string(c.kind)
	if err := conn.WriteJSON(auth); err != nil {
		_ = conn.Close()
		return errors.Wrap(err, "send auth frame")
	}

	c.mu.Lock()
	if c.dropped {
		c.mu.Unlock()
		_ = conn.Close()
		return errors.New("transport: connection dropped while establishing")
	}
	c.conn = conn
	c.mu.Unlock()

	log.Debug().Str("conn_id", c.id).Str("kind", string(c.kind)).Str("url", endpoint).Msg("hub connection established")
	c.EmitStatus(StatusConnected)
	go c.readLoop(conn)
	return nil
}

func (c *wsConnection) readLoop(conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if c.isDropped() {
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("conn_id", c.id).Msg("hub connection closed unexpectedly")
				c.EmitError(errors.Wrap(err, "read hub frame"))
			}
			c.EmitStatus(StatusDisconnected)
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		msg, err := protocol.ParseMessage(data)
		if err != nil {
			log.Warn().Err(err).Str("conn_id", c.id).Msg("skip malformed hub frame")
			continue
		}
		if msg.Type() == protocol.TypeError {
			c.EmitError(&RemoteError{Message: msg.String("message")})
			continue
		}
		c.EmitMessage(msg)
	}
}

func (c *wsConnection) isDropped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

func (c *wsConnection) Send(ctx context.Context, msg protocol.Message) error {
	c.mu.Lock()
	conn := c.conn
	dropped := c.dropped
	c.mu.Unlock()
	if conn == nil || dropped {
		return ErrNotEstablished
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
		defer conn.SetWriteDeadline(time.Time{})
	}
	return errors.Wrapf(conn.WriteJSON(msg), "send %s frame", msg.Type())
}

func (c *wsConnection) Drop(ctx context.Context) error {
	c.mu.Lock()
	if c.dropped {
		c.mu.Unlock()
		return nil
	}
	c.dropped = true
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	deadline := time.Now().Add(closeWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	c.writeMu.Unlock()
	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return errors.Wrap(err, "close hub connection")
	}
	log.Debug().Str("conn_id", c.id).Str("kind", string(c.kind)).Msg("hub connection dropped")
	return nil
}

func (c *wsConnection) String() string {
	return fmt.Sprintf("%s(%s)", c.kind, c.id)
}
