// Package connection drives the transport lifecycle: connect, detect loss,
// reconnect with linear backoff, and give up after a bounded number of attempts.
//
// All Manager methods and Observer callbacks run on the session event loop.
package connection

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/ashureev/agentchat/internal/domain"
	"github.com/ashureev/agentchat/internal/eventloop"
	"github.com/ashureev/agentchat/internal/transport"
)

var (
	ErrNotOpen            = errors.New("connection not open")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// Observer is notified of state changes and inbound frames.
type Observer interface {
	// StateChanged reports a transition. err carries the cause for
	// StateClosed and StateFailed.
	StateChanged(state domain.ConnectionState, err error)
	// Frame delivers a raw inbound payload from the current transport.
	Frame(data []byte)
}

// Config wires a Manager to its collaborators.
type Config struct {
	Factory   transport.Factory
	Post      func(func()) bool
	Scheduler eventloop.Scheduler
	Observer  Observer
	Policy    *Policy
	Logger    *slog.Logger
}

// Manager owns the current transport and the reconnect state machine.
type Manager struct {
	factory  transport.Factory
	post     func(func()) bool
	sched    eventloop.Scheduler
	observer Observer
	policy   *Policy
	logger   *slog.Logger

	state      domain.ConnectionState
	generation uint64
	current    transport.Transport
	stopTimer  func() bool
	closed     bool
}

// New creates a manager in the Connecting state. Call Start to dial.
func New(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Policy == nil {
		cfg.Policy = NewPolicy(DefaultMaxAttempts, DefaultBaseDelay)
	}
	return &Manager{
		factory:  cfg.Factory,
		post:     cfg.Post,
		sched:    cfg.Scheduler,
		observer: cfg.Observer,
		policy:   cfg.Policy,
		logger:   cfg.Logger,
		state:    domain.StateConnecting,
	}
}

// State returns the current connection state.
func (m *Manager) State() domain.ConnectionState {
	return m.state
}

// Generation returns the tag of the current transport.
func (m *Manager) Generation() uint64 {
	return m.generation
}

// Attempt returns the reconnect attempts consumed since the last open.
func (m *Manager) Attempt() int {
	return m.policy.Attempt()
}

// Start opens the first transport.
func (m *Manager) Start() {
	if m.closed || m.current != nil {
		return
	}
	m.setState(domain.StateConnecting, nil)
	m.dial()
}

// Send writes data to the current transport. It is only permitted while open.
func (m *Manager) Send(data []byte) error {
	if m.state != domain.StateOpen || m.current == nil {
		return fmt.Errorf("%w: state is %s", ErrNotOpen, m.state)
	}
	if err := m.current.Send(data); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// Close discards the current transport and cancels any pending reconnect.
func (m *Manager) Close() {
	if m.closed {
		return
	}
	m.closed = true
	if m.stopTimer != nil {
		m.stopTimer()
		m.stopTimer = nil
	}
	m.discard()
	if m.state != domain.StateFailed && m.state != domain.StateClosed {
		m.setState(domain.StateClosed, nil)
	}
}

func (m *Manager) dial() {
	m.generation++
	gen := m.generation
	m.logger.Debug("Opening transport", "generation", gen)

	m.current = m.factory(transport.Handler{
		OnOpen: func() {
			m.post(func() {
				if m.stale(gen, "open") {
					return
				}
				m.handleOpen()
			})
		},
		OnMessage: func(data []byte) {
			m.post(func() {
				if m.stale(gen, "message") {
					return
				}
				m.observer.Frame(data)
			})
		},
		OnClose: func(err error) {
			m.post(func() {
				if m.stale(gen, "close") {
					return
				}
				m.handleLost(err)
			})
		},
	})
	m.current.Connect()
}

func (m *Manager) stale(gen uint64, event string) bool {
	if m.closed || gen != m.generation {
		m.logger.Debug("Dropping event from stale transport", "event", event, "generation", gen, "current", m.generation)
		return true
	}
	return false
}

func (m *Manager) handleOpen() {
	if m.state != domain.StateConnecting {
		return
	}
	m.policy.Reset()
	m.logger.Info("Connection open", "generation", m.generation)
	m.setState(domain.StateOpen, nil)
}

func (m *Manager) handleLost(cause error) {
	if cause == nil {
		cause = transport.ErrClosed
	}
	m.logger.Warn("Connection lost", "error", cause, "generation", m.generation, "state", m.state.String())

	m.discard()
	m.setState(domain.StateClosed, cause)
	if m.closed {
		return
	}

	delay, ok := m.policy.Next()
	if !ok {
		m.logger.Error("Giving up reconnecting", "attempts", m.policy.MaxAttempts)
		m.setState(domain.StateFailed, fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, m.policy.MaxAttempts, cause))
		return
	}

	m.logger.Info("Reconnecting", "attempt", m.policy.Attempt(), "delay", delay)
	m.setState(domain.StateReconnecting, nil)
	m.stopTimer = m.sched.AfterFunc(delay, func() {
		m.stopTimer = nil
		if m.closed || m.state != domain.StateReconnecting {
			return
		}
		m.setState(domain.StateConnecting, nil)
		m.dial()
	})
}

// discard drops the current transport; bumping the generation makes any
// callback it still has in flight stale.
func (m *Manager) discard() {
	if m.current == nil {
		return
	}
	if err := m.current.Close(); err != nil {
		m.logger.Debug("Failed to close transport", "error", err)
	}
	m.current = nil
	m.generation++
}

func (m *Manager) setState(state domain.ConnectionState, err error) {
	m.state = state
	if m.observer != nil {
		m.observer.StateChanged(state, err)
	}
}
