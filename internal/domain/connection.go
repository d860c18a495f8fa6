// Package domain contains core domain types for the chat session.
package domain

// ConnectionState is the observable status of a session's connection.
type ConnectionState int

const (
	// StateConnecting means a transport is being opened.
	StateConnecting ConnectionState = iota
	// StateOpen means the transport is open and requests may be sent.
	StateOpen
	// StateClosed means the transport was lost and a reconnect decision is pending.
	StateClosed
	// StateReconnecting means a reconnect timer is scheduled.
	StateReconnecting
	// StateFailed is terminal: the reconnect budget is exhausted.
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions can happen.
func (s ConnectionState) Terminal() bool {
	return s == StateFailed
}
