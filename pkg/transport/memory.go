package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/httprunner/devicesim/pkg/protocol"
)

// Compile-time interface checks.
var (
	_ Dialer     = (*MemoryDialer)(nil)
	_ Connection = (*MemoryConnection)(nil)
)

// MemoryDialer is an in-process Dialer for tests. Every connection it
// creates is kept so the test can play the hub side.
type MemoryDialer struct {
	mu    sync.Mutex
	conns []*MemoryConnection
	// EstablishErr, when set, is returned by Establish of the next
	// connections created; it is consumed one entry per connection.
	EstablishErr []error
}

// NewConnection implements Dialer.
func (d *MemoryDialer) NewConnection(kind protocol.ConnectionKind, hub protocol.HubBinding, info Info) Connection {
	d.mu.Lock()
	defer d.mu.Unlock()
	conn := &MemoryConnection{
		id:   fmt.Sprintf("mem-%d", len(d.conns)+1),
		kind: kind,
		Hub:  hub,
		Info: info,
	}
	if len(d.EstablishErr) > 0 {
		conn.establishErr = d.EstablishErr[0]
		d.EstablishErr = d.EstablishErr[1:]
	}
	d.conns = append(d.conns, conn)
	return conn
}

// Connections returns every connection created so far.
func (d *MemoryDialer) Connections() []*MemoryConnection {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*MemoryConnection(nil), d.conns...)
}

// Last returns the newest connection of the given kind, or nil.
func (d *MemoryDialer) Last(kind protocol.ConnectionKind) *MemoryConnection {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.conns) - 1; i >= 0; i-- {
		if d.conns[i].kind == kind {
			return d.conns[i]
		}
	}
	return nil
}

// MemoryConnection is a Connection whose hub side is driven by the test
// through Deliver, Fail and Disconnect.
type MemoryConnection struct {
	Emitter

	id   string
	kind protocol.ConnectionKind
	Hub  protocol.HubBinding
	Info Info

	mu           sync.Mutex
	establishErr error
	established  bool
	dropped      bool
	sent         []protocol.Message
}

func (c *MemoryConnection) ID() string                    { return c.id }
func (c *MemoryConnection) Kind() protocol.ConnectionKind { return c.kind }

func (c *MemoryConnection) Establish(ctx context.Context) error {
	c.mu.Lock()
	if c.establishErr != nil {
		err := c.establishErr
		c.mu.Unlock()
		return err
	}
	c.established = true
	c.mu.Unlock()
	c.EmitStatus(StatusConnected)
	return nil
}

func (c *MemoryConnection) Send(ctx context.Context, msg protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.established || c.dropped {
		return ErrNotEstablished
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *MemoryConnection) Drop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropped = true
	return nil
}

// Deliver plays an inbound hub message. It is dropped after Drop.
func (c *MemoryConnection) Deliver(msg protocol.Message) {
	if c.Dropped() {
		return
	}
	c.EmitMessage(msg)
}

// Fail plays an error event.
func (c *MemoryConnection) Fail(err error) {
	c.EmitError(err)
}

// Disconnect plays an unexpected connection loss.
func (c *MemoryConnection) Disconnect() {
	c.mu.Lock()
	c.established = false
	c.mu.Unlock()
	c.EmitStatus(StatusDisconnected)
}

// Established reports whether Establish succeeded.
func (c *MemoryConnection) Established() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.established
}

// Dropped reports whether Drop was called.
func (c *MemoryConnection) Dropped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Sent returns the messages written by the device side.
func (c *MemoryConnection) Sent() []protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Message(nil), c.sent...)
}
