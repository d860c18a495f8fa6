// Package session is the public surface of the chat client core.
//
// A Session owns one event loop. Transport callbacks, reconnect timers and
// submissions all run as tasks on that loop, so the transcript, the tool set
// and the connection state have a single writer. Renderers read immutable
// snapshots and receive Change notifications synchronously, in processing order.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/agentchat/internal/connection"
	"github.com/ashureev/agentchat/internal/domain"
	"github.com/ashureev/agentchat/internal/eventloop"
	"github.com/ashureev/agentchat/internal/protocol"
	"github.com/ashureev/agentchat/internal/transcript"
	"github.com/ashureev/agentchat/internal/transport"
	"github.com/google/uuid"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrEmptyMessage = errors.New("message is empty")
	ErrBusy         = errors.New("a response is still in progress")

	// ErrDisposed matches ErrNotConnected: a disposed session is closed for good.
	ErrDisposed = fmt.Errorf("%w: session disposed", ErrNotConnected)

	// ErrReconnectExhausted is carried by the ChangeConnection notification
	// for StateFailed. The session needs external intervention after it.
	ErrReconnectExhausted = connection.ErrReconnectExhausted
)

// FailedNotice is the system entry appended when reconnecting gives up.
const FailedNotice = "Connection to the agent was lost. Reload to reconnect."

// ChangeKind identifies what a Change describes.
type ChangeKind int

const (
	ChangeConnection ChangeKind = iota
	ChangeTranscript
	ChangeTools
	ChangeProtocolError
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeConnection:
		return "connection"
	case ChangeTranscript:
		return "transcript"
	case ChangeTools:
		return "tools"
	case ChangeProtocolError:
		return "protocol_error"
	default:
		return "unknown"
	}
}

// Change is a single notification. Only the fields relevant to Kind are set.
type Change struct {
	Kind  ChangeKind
	State domain.ConnectionState
	Entry domain.TranscriptEntry
	Tools []domain.ToolDescriptor
	Err   error
}

// Listener receives changes on the session loop. It must not block and must
// not call Submit, Flush or Dispose.
type Listener func(Change)

type snapshot struct {
	state      domain.ConnectionState
	transcript []domain.TranscriptEntry
	tools      []domain.ToolDescriptor
}

type subscriber struct {
	id uint64
	fn Listener
}

// Session is a single chat conversation with the remote agent.
type Session struct {
	id     string
	logger *slog.Logger
	loop   *eventloop.Loop
	conn   *connection.Manager
	asm    *transcript.Assembler

	// Loop-owned.
	tools    []domain.ToolDescriptor
	awaiting bool

	snap atomic.Pointer[snapshot]

	subMu   sync.Mutex
	subs    []subscriber
	nextSub uint64

	lifeMu   sync.Mutex
	started  atomic.Bool
	disposed atomic.Bool
	cancel   context.CancelFunc // guarded by lifeMu
}

type options struct {
	id          string
	logger      *slog.Logger
	maxAttempts int
	baseDelay   time.Duration
	scheduler   eventloop.Scheduler
	now         func() time.Time
}

// Option configures a Session.
type Option func(*options)

// WithLogger sets the session logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithReconnectPolicy sets the reconnect budget and linear backoff step.
func WithReconnectPolicy(maxAttempts int, baseDelay time.Duration) Option {
	return func(o *options) {
		o.maxAttempts = maxAttempts
		o.baseDelay = baseDelay
	}
}

// WithScheduler replaces the timer source used for reconnect delays.
func WithScheduler(s eventloop.Scheduler) Option {
	return func(o *options) { o.scheduler = s }
}

// WithClock sets the timestamp source for transcript entries.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithID sets the session identity instead of a random UUID.
func WithID(id string) Option {
	return func(o *options) { o.id = id }
}

// New creates a session that opens transports through factory.
func New(factory transport.Factory, opts ...Option) *Session {
	o := options{
		maxAttempts: connection.DefaultMaxAttempts,
		baseDelay:   connection.DefaultBaseDelay,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.id == "" {
		o.id = uuid.NewString()
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	logger := o.logger.With("session_id", o.id)

	loop := eventloop.New()
	if o.scheduler == nil {
		o.scheduler = loop
	}

	s := &Session{
		id:     o.id,
		logger: logger,
		loop:   loop,
		asm:    transcript.New(logger),
	}
	if o.now != nil {
		s.asm.SetClock(o.now)
	}
	s.conn = connection.New(connection.Config{
		Factory:   factory,
		Post:      loop.Post,
		Scheduler: o.scheduler,
		Observer:  (*observer)(s),
		Policy:    connection.NewPolicy(o.maxAttempts, o.baseDelay),
		Logger:    logger,
	})
	s.publish()
	return s
}

// ID returns the session identity, stable across reconnects.
func (s *Session) ID() string {
	return s.id
}

// Start runs the session loop and opens the first connection.
func (s *Session) Start() error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.disposed.Load() {
		return ErrDisposed
	}
	if s.started.Load() {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.started.Store(true)
	go s.loop.Run(ctx)
	s.loop.Post(s.conn.Start)
	s.logger.Info("Session started")
	return nil
}

// Dispose closes the connection and stops the loop. It blocks until the
// loop has exited.
func (s *Session) Dispose() {
	s.lifeMu.Lock()
	if !s.disposed.CompareAndSwap(false, true) {
		s.lifeMu.Unlock()
		return
	}
	cancel := s.cancel
	s.lifeMu.Unlock()
	if cancel == nil {
		return
	}
	if err := s.loop.Call(s.conn.Close); err != nil {
		s.logger.Debug("Loop already stopped during dispose", "error", err)
	}
	cancel()
	<-s.loop.Done()
	s.logger.Info("Session disposed")
}

// Submit sends a user message. Every failure matches one of ErrNotConnected,
// ErrEmptyMessage or ErrBusy, and a failed submit leaves the transcript as it was.
func (s *Session) Submit(text string) error {
	if s.disposed.Load() {
		return ErrDisposed
	}
	if !s.started.Load() {
		return ErrNotConnected
	}
	var result error
	if err := s.loop.Call(func() { result = s.submit(text) }); err != nil {
		return ErrDisposed
	}
	return result
}

// Flush waits until every task queued before the call has run.
func (s *Session) Flush() error {
	if !s.started.Load() {
		return nil
	}
	return s.loop.Call(func() {})
}

// Subscribe registers l for change notifications and returns a func that
// removes it.
func (s *Session) Subscribe(l Listener) (unsubscribe func()) {
	s.subMu.Lock()
	s.nextSub++
	id := s.nextSub
	s.subs = append(s.subs, subscriber{id: id, fn: l})
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			defer s.subMu.Unlock()
			s.subs = slices.DeleteFunc(s.subs, func(sub subscriber) bool { return sub.id == id })
		})
	}
}

// Transcript returns a snapshot of the transcript.
func (s *Session) Transcript() []domain.TranscriptEntry {
	return slices.Clone(s.snap.Load().transcript)
}

// Tools returns a snapshot of the active tool set.
func (s *Session) Tools() []domain.ToolDescriptor {
	return domain.CloneTools(s.snap.Load().tools)
}

// ConnectionState returns the current connection state.
func (s *Session) ConnectionState() domain.ConnectionState {
	return s.snap.Load().state
}

func (s *Session) submit(text string) error {
	if state := s.conn.State(); state != domain.StateOpen {
		return fmt.Errorf("%w: connection is %s", ErrNotConnected, state)
	}
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	if s.awaiting || s.asm.Streaming() {
		return ErrBusy
	}

	// The user entry exists before the request goes out; History is taken
	// first so the request carries only earlier turns.
	history := s.asm.History()
	entry := s.asm.AppendUser(text)
	if err := s.send(domain.OutgoingRequest{Message: text, History: history}); err != nil {
		s.asm.RetractUser(entry)
		return err
	}

	s.awaiting = true
	s.logger.Debug("Message submitted", "entry_id", entry.ID, "message_length", len(text))
	s.publish()
	s.notify(Change{Kind: ChangeTranscript, Entry: entry})
	return nil
}

// send maps every failure onto ErrNotConnected or ErrBusy. The transport can
// die before its close callback reaches the loop, so ErrClosed shows up here.
func (s *Session) send(req domain.OutgoingRequest) error {
	payload, err := protocol.Encode(req)
	if err == nil {
		err = s.conn.Send(payload)
	}
	if err == nil {
		return nil
	}
	s.logger.Warn("Failed to send message", "error", err)
	if errors.Is(err, transport.ErrSendQueueFull) {
		return fmt.Errorf("%w: %v", ErrBusy, err)
	}
	return fmt.Errorf("%w: %v", ErrNotConnected, err)
}

func (s *Session) handleFrame(data []byte) {
	ev, err := protocol.Decode(data)
	if err != nil {
		s.handleDecodeError(err)
		return
	}

	switch e := ev.(type) {
	case protocol.ToolsAnnounced:
		s.tools = domain.CloneTools(e.Tools)
		s.logger.Info("Tools announced", "count", len(e.Tools))
		s.publish()
		s.notify(Change{Kind: ChangeTools, Tools: domain.CloneTools(s.tools)})
		return
	case protocol.Complete, protocol.ErrorEvent:
		s.awaiting = false
	}

	changed := s.asm.Apply(ev)
	if len(changed) == 0 {
		return
	}
	s.publish()
	for _, entry := range changed {
		s.notify(Change{Kind: ChangeTranscript, Entry: entry})
	}
}

// handleDecodeError surfaces a bad frame without touching connection state or
// the streaming slot. Unknown frame types leave the transcript alone.
func (s *Session) handleDecodeError(err error) {
	s.logger.Warn("Failed to decode frame", "error", err)

	if errors.Is(err, protocol.ErrMalformed) {
		entry := s.asm.AppendError("Received a malformed message from the agent.")
		s.publish()
		s.notify(Change{Kind: ChangeTranscript, Entry: entry})
	}
	s.notify(Change{Kind: ChangeProtocolError, Err: err})
}

func (s *Session) handleState(state domain.ConnectionState, cause error) {
	s.publishState(state)
	s.notify(Change{Kind: ChangeConnection, State: state, Err: cause})

	switch state {
	case domain.StateClosed:
		s.awaiting = false
		if entry, ok := s.asm.FailStreaming(); ok {
			s.logger.Warn("Connection closed mid-stream", "entry_id", entry.ID, "partial_length", len(entry.Content))
			s.publish()
			s.notify(Change{Kind: ChangeTranscript, Entry: entry})
		}
	case domain.StateFailed:
		entry := s.asm.AppendSystem(FailedNotice)
		s.publish()
		s.notify(Change{Kind: ChangeTranscript, Entry: entry})
	}
}

func (s *Session) publish() {
	s.snap.Store(&snapshot{
		state:      s.conn.State(),
		transcript: s.asm.Entries(),
		tools:      s.tools,
	})
}

// publishState swaps only the state, reusing the previous transcript snapshot.
func (s *Session) publishState(state domain.ConnectionState) {
	prev := s.snap.Load()
	next := *prev
	next.state = state
	s.snap.Store(&next)
}

func (s *Session) notify(c Change) {
	s.subMu.Lock()
	subs := slices.Clone(s.subs)
	s.subMu.Unlock()

	for _, sub := range subs {
		sub.fn(c)
	}
}

// observer adapts Session to connection.Observer without exporting the methods.
type observer Session

func (o *observer) StateChanged(state domain.ConnectionState, err error) {
	(*Session)(o).handleState(state, err)
}

func (o *observer) Frame(data []byte) {
	(*Session)(o).handleFrame(data)
}
