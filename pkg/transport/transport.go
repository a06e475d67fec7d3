// Package transport defines the duplex hub connection used for the control
// channel and for session channels.
//
// A Connection delivers inbound messages to its listeners synchronously on a
// single goroutine, so messages of one connection are handled in arrival
// order. Teardown is always RemoveAllListeners followed by Drop: once
// RemoveAllListeners returns, no further event reaches a listener.
package transport

import (
	"context"
	"strings"

	"github.com/httprunner/devicesim/pkg/protocol"
	"github.com/pkg/errors"
)

// Status is a connection lifecycle event.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

// Info is the connection handshake payload (auth, device, options).
type Info map[string]any

// Listener receives connection events. Nil callbacks are skipped.
type Listener struct {
	OnMessage func(protocol.Message)
	OnError   func(error)
	OnStatus  func(Status)
}

// Connection is one duplex channel to the hub.
type Connection interface {
	ID() string
	Kind() protocol.ConnectionKind
	// Establish blocks until the connection is usable or fails.
	Establish(ctx context.Context) error
	// Subscribe registers l and returns a function removing it.
	Subscribe(l Listener) (unsubscribe func())
	// RemoveAllListeners stops event delivery to every listener.
	RemoveAllListeners()
	Send(ctx context.Context, msg protocol.Message) error
	// Drop closes the connection. It is idempotent and safe to call from
	// inside a listener callback.
	Drop(ctx context.Context) error
}

// Dialer creates connections to a hub. It does not connect; callers
// Subscribe first and then Establish.
type Dialer interface {
	NewConnection(kind protocol.ConnectionKind, hub protocol.HubBinding, info Info) Connection
}

// ErrNotAuthorized is matched by RemoteError values carrying the hub's
// not-authorized message.
var ErrNotAuthorized = errors.New(protocol.ErrNotAuthorizedMessage)

// ErrNotEstablished is returned by Send before Establish or after Drop.
var ErrNotEstablished = errors.New("transport: connection not established")

// RemoteError is an error frame pushed by the hub.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "hub error: " + e.Message
}

// Is lets errors.Is(err, ErrNotAuthorized) match the hub's error frame.
func (e *RemoteError) Is(target error) bool {
	return target == ErrNotAuthorized && strings.EqualFold(strings.TrimSpace(e.Message), protocol.ErrNotAuthorizedMessage)
}

// IsNotAuthorized reports whether err signals rejected credentials.
func IsNotAuthorized(err error) bool {
	return errors.Is(err, ErrNotAuthorized)
}
