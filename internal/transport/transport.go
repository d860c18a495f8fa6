// Package transport provides duplex, message-oriented channels to the agent.
// Transports know nothing about the chat protocol.
package transport

import "errors"

var (
	ErrClosed        = errors.New("transport closed")
	ErrSendQueueFull = errors.New("send queue full")
)

// Handler receives transport callbacks. Callbacks are invoked from transport
// goroutines; OnMessage calls for one transport are made in arrival order and
// OnClose is called exactly once, after which no other callback fires.
type Handler struct {
	OnOpen    func()
	OnMessage func(data []byte)
	OnClose   func(err error)
}

// Transport is a single connection attempt.
type Transport interface {
	// Connect starts opening the channel without blocking.
	Connect()
	// Send queues a message for delivery without blocking.
	Send(data []byte) error
	// Close tears the channel down. OnClose is not invoked for a local Close.
	Close() error
}

// Factory creates a fresh transport bound to the given handler.
type Factory func(h Handler) Transport
