package transport

import (
	"sync"

	"github.com/httprunner/devicesim/pkg/protocol"
)

// Emitter is the listener registry shared by Connection implementations.
// The zero value is ready to use.
type Emitter struct {
	mu        sync.Mutex
	nextID    uint64
	listeners map[uint64]Listener
	order     []uint64
}

// Subscribe registers l and returns its removal func.
func (e *Emitter) Subscribe(l Listener) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listeners == nil {
		e.listeners = make(map[uint64]Listener)
	}
	e.nextID++
	id := e.nextID
	e.listeners[id] = l
	e.order = append(e.order, id)
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.listeners, id)
		for i, v := range e.order {
			if v == id {
				e.order = append(e.order[:i:i], e.order[i+1:]...)
				break
			}
		}
	}
}

// RemoveAllListeners drops every registration.
func (e *Emitter) RemoveAllListeners() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = nil
	e.order = nil
}

// ListenerCount returns the number of live registrations.
func (e *Emitter) ListenerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners)
}

// EmitMessage delivers msg to every listener in subscription order.
func (e *Emitter) EmitMessage(msg protocol.Message) {
	e.each(func(l Listener) {
		if l.OnMessage != nil {
			l.OnMessage(msg)
		}
	})
}

// EmitError delivers err to every listener.
func (e *Emitter) EmitError(err error) {
	e.each(func(l Listener) {
		if l.OnError != nil {
			l.OnError(err)
		}
	})
}

// EmitStatus delivers a lifecycle event to every listener.
func (e *Emitter) EmitStatus(status Status) {
	e.each(func(l Listener) {
		if l.OnStatus != nil {
			l.OnStatus(status)
		}
	})
}

// each re-checks registration before every call, so a listener removed by
// an earlier callback of the same event is skipped. Callbacks run without
// holding the lock and may unsubscribe or tear the connection down.
func (e *Emitter) each(fn func(Listener)) {
	e.mu.Lock()
	ids := append([]uint64(nil), e.order...)
	e.mu.Unlock()
	for _, id := range ids {
		e.mu.Lock()
		l, ok := e.listeners[id]
		e.mu.Unlock()
		if ok {
			fn(l)
		}
	}
}
