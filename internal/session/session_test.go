package session

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/agentchat/internal/domain"
	"github.com/ashureev/agentchat/internal/protocol"
	"github.com/ashureev/agentchat/internal/transport"
)

type fakeTransport struct {
	h       transport.Handler
	mu      sync.Mutex
	sent    [][]byte
	closed  bool
	sendErr error
}

func (f *fakeTransport) Connect() {}

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return transport.ErrClosed
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) sentRequests(t *testing.T) []domain.OutgoingRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.OutgoingRequest
	for _, raw := range f.sent {
		req, err := protocol.DecodeRequest(raw)
		if err != nil {
			t.Fatalf("sent invalid request %s: %v", raw, err)
		}
		out = append(out, req)
	}
	return out
}

type fakeNet struct {
	mu         sync.Mutex
	transports []*fakeTransport
}

func (n *fakeNet) factory(h transport.Handler) transport.Transport {
	n.mu.Lock()
	defer n.mu.Unlock()
	ft := &fakeTransport{h: h}
	n.transports = append(n.transports, ft)
	return ft
}

func (n *fakeNet) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.transports)
}

func (n *fakeNet) last(t *testing.T) *fakeTransport {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.transports) == 0 {
		t.Fatal("no transport created")
	}
	return n.transports[len(n.transports)-1]
}

type timer struct {
	delay time.Duration
	fn    func()
}

type manualScheduler struct {
	mu     sync.Mutex
	timers []timer
}

func (m *manualScheduler) AfterFunc(d time.Duration, fn func()) func() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timers = append(m.timers, timer{delay: d, fn: fn})
	return func() bool { return true }
}

func (m *manualScheduler) delays() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]time.Duration, len(m.timers))
	for i, tm := range m.timers {
		out[i] = tm.delay
	}
	return out
}

type fixture struct {
	t       *testing.T
	s       *Session
	net     *fakeNet
	sched   *manualScheduler
	mu      sync.Mutex
	changes []Change
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{t: t, net: &fakeNet{}, sched: &manualScheduler{}}
	opts = append([]Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithScheduler(f.sched),
		WithID("test-session"),
	}, opts...)
	f.s = New(f.net.factory, opts...)
	f.s.Subscribe(func(c Change) {
		f.mu.Lock()
		f.changes = append(f.changes, c)
		f.mu.Unlock()
	})
	t.Cleanup(f.s.Dispose)
	return f
}

func (f *fixture) flush() {
	f.t.Helper()
	if err := f.s.Flush(); err != nil {
		f.t.Fatalf("Flush failed: %v", err)
	}
}

func (f *fixture) start() {
	f.t.Helper()
	if err := f.s.Start(); err != nil {
		f.t.Fatalf("Start failed: %v", err)
	}
	f.flush()
}

func (f *fixture) open() *fakeTransport {
	f.t.Helper()
	tr := f.net.last(f.t)
	tr.h.OnOpen()
	f.flush()
	return tr
}

func (f *fixture) frame(tr *fakeTransport, raw string) {
	f.t.Helper()
	tr.h.OnMessage([]byte(raw))
	f.flush()
}

func (f *fixture) drop(tr *fakeTransport) {
	f.t.Helper()
	tr.h.OnClose(errors.New("connection reset"))
	f.flush()
}

func (f *fixture) fireLastTimer() {
	f.t.Helper()
	f.sched.mu.Lock()
	fn := f.sched.timers[len(f.sched.timers)-1].fn
	f.sched.mu.Unlock()
	f.s.loop.Post(fn)
	f.flush()
}

func (f *fixture) recorded() []Change {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Change(nil), f.changes...)
}

func (f *fixture) submit(text string) {
	f.t.Helper()
	if err := f.s.Submit(text); err != nil {
		f.t.Fatalf("Submit(%q) failed: %v", text, err)
	}
}

func TestSubmitRequiresOpenConnection(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	if err := f.s.Submit("hi"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected before start, got %v", err)
	}

	f.start()
	if f.s.ConnectionState() != domain.StateConnecting {
		t.Fatalf("expected connecting, got %s", f.s.ConnectionState())
	}
	if err := f.s.Submit("hi"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected while connecting, got %v", err)
	}

	tr := f.open()
	f.drop(tr)
	if err := f.s.Submit("hi"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected while reconnecting, got %v", err)
	}
	if len(f.s.Transcript()) != 0 {
		t.Fatalf("failed submits mutated transcript: %+v", f.s.Transcript())
	}
}

func TestSubmitEmptyMessage(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.start()
	f.open()

	for _, text := range []string{"", "   ", "\n\t"} {
		if err := f.s.Submit(text); !errors.Is(err, ErrEmptyMessage) {
			t.Fatalf("Submit(%q): expected ErrEmptyMessage, got %v", text, err)
		}
	}
	if len(f.s.Transcript()) != 0 {
		t.Fatal("empty submit mutated transcript")
	}
}

func TestStreamedReplyAssembles(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.start()
	tr := f.open()

	f.submit("say hello")
	reqs := tr.sentRequests(t)
	if len(reqs) != 1 || reqs[0].Message != "say hello" || len(reqs[0].History) != 0 {
		t.Fatalf("unexpected request: %+v", reqs)
	}

	f.frame(tr, `{"type":"delta","content":"Hel"}`)
	f.frame(tr, `{"type":"delta","content":"lo"}`)
	f.frame(tr, `{"type":"complete","content":""}`)

	entries := f.s.Transcript()
	if len(entries) != 2 {
		t.Fatalf("expected user + assistant entries, got %+v", entries)
	}
	if entries[0].Role != domain.RoleUser || entries[0].Phase != domain.PhaseFinal {
		t.Fatalf("unexpected user entry: %+v", entries[0])
	}
	got := entries[1]
	if got.Role != domain.RoleAssistant || got.Phase != domain.PhaseFinal || got.Content != "Hello" {
		t.Fatalf("unexpected assistant entry: %+v", got)
	}

	var contents []string
	for _, c := range f.recorded() {
		if c.Kind == ChangeTranscript && c.Entry.Role == domain.RoleAssistant {
			contents = append(contents, c.Entry.Phase.String()+":"+c.Entry.Content)
		}
	}
	want := []string{"streaming:Hel", "streaming:Hello", "final:Hello"}
	if len(contents) != len(want) {
		t.Fatalf("unexpected notifications: %v", contents)
	}
	for i := range want {
		if contents[i] != want[i] {
			t.Fatalf("notification %d: got %q, want %q", i, contents[i], want[i])
		}
	}
}

func TestSubmitBusyWhileResponding(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.start()
	tr := f.open()

	f.submit("first")
	if err := f.s.Submit("second"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy while awaiting reply, got %v", err)
	}
	f.frame(tr, `{"type":"delta","content":"work"}`)
	if err := f.s.Submit("second"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy while streaming, got %v", err)
	}
	f.frame(tr, `{"type":"complete","content":"done"}`)
	f.submit("second")

	reqs := tr.sentRequests(t)
	if len(reqs) != 2 {
		t.Fatalf("expected two requests, got %d", len(reqs))
	}
	want := []domain.HistoryItem{
		{Role: domain.RoleUser, Content: "first"},
		{Role: domain.RoleAssistant, Content: "done"},
	}
	if len(reqs[1].History) != len(want) {
		t.Fatalf("unexpected history: %+v", reqs[1].History)
	}
	for i := range want {
		if reqs[1].History[i] != want[i] {
			t.Fatalf("history[%d]: got %+v, want %+v", i, reqs[1].History[i], want[i])
		}
	}
	if len(reqs[0].History) != 0 {
		t.Fatalf("first request changed after later turns: %+v", reqs[0].History)
	}
}

func TestErrorEventWithoutDelta(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.start()
	tr := f.open()

	f.frame(tr, `{"type":"error","content":"boom"}`)

	entries := f.s.Transcript()
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %+v", entries)
	}
	if entries[0].Role != domain.RoleError || entries[0].Content != "boom" {
		t.Fatalf("unexpected entry: %+v", entries[0])
	}
	if f.s.ConnectionState() != domain.StateOpen {
		t.Fatalf("error event changed connection state to %s", f.s.ConnectionState())
	}
}

func TestErrorEventLeavesSessionUsable(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.start()
	tr := f.open()

	f.submit("q")
	f.frame(tr, `{"type":"delta","content":"half"}`)
	f.frame(tr, `{"type":"error","content":"agent failed"}`)

	entries := f.s.Transcript()
	if entries[1].Phase != domain.PhaseFailed || entries[1].Content != "half" {
		t.Fatalf("expected failed partial entry, got %+v", entries[1])
	}
	f.submit("retry")
}

func TestTransportCloseMidStream(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.start()
	tr := f.open()

	f.submit("q")
	f.frame(tr, `{"type":"delta","content":"partial"}`)
	f.drop(tr)

	entries := f.s.Transcript()
	last := entries[len(entries)-1]
	if last.Role != domain.RoleAssistant || last.Phase != domain.PhaseFailed || last.Content != "partial" {
		t.Fatalf("unexpected in-flight entry: %+v", last)
	}
	if f.s.ConnectionState() != domain.StateReconnecting {
		t.Fatalf("expected reconnecting, got %s", f.s.ConnectionState())
	}

	var states []domain.ConnectionState
	failedAt, closedAt := -1, -1
	for i, c := range f.recorded() {
		switch {
		case c.Kind == ChangeConnection:
			states = append(states, c.State)
			if c.State == domain.StateClosed {
				closedAt = i
			}
		case c.Kind == ChangeTranscript && c.Entry.Phase == domain.PhaseFailed:
			failedAt = i
		}
	}
	if closedAt < 0 || failedAt < closedAt {
		t.Fatalf("expected closed status before failing the entry (closed=%d failed=%d)", closedAt, failedAt)
	}
	if states[len(states)-1] != domain.StateReconnecting {
		t.Fatalf("unexpected state sequence %v", states)
	}
}

func TestUnknownFrameDoesNotMutateTranscript(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.start()
	tr := f.open()

	f.submit("q")
	f.frame(tr, `{"type":"delta","content":"x"}`)
	before := f.s.Transcript()
	f.frame(tr, `{"type":"bogus","content":1}`)
	after := f.s.Transcript()

	if len(after) != len(before) || after[1] != before[1] {
		t.Fatalf("unknown frame mutated transcript: %+v -> %+v", before, after)
	}
	changes := f.recorded()
	last := changes[len(changes)-1]
	if last.Kind != ChangeProtocolError || !errors.Is(last.Err, protocol.ErrUnknownKind) {
		t.Fatalf("expected protocol error notification, got %+v", last)
	}
}

func TestMalformedFrameAddsErrorEntry(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.start()
	tr := f.open()

	f.frame(tr, `{"type":"delta","content":"x"}`)
	f.frame(tr, `not json`)
	f.frame(tr, `{"type":"delta","content":"y"}`)

	entries := f.s.Transcript()
	if len(entries) != 2 {
		t.Fatalf("unexpected entries: %+v", entries)
	}
	if entries[0].Content != "xy" || entries[0].Phase != domain.PhaseStreaming {
		t.Fatalf("malformed frame disturbed streaming entry: %+v", entries[0])
	}
	if entries[1].Role != domain.RoleError {
		t.Fatalf("expected error entry, got %+v", entries[1])
	}
	if f.s.ConnectionState() != domain.StateOpen {
		t.Fatalf("malformed frame changed state to %s", f.s.ConnectionState())
	}
}

func TestToolsReplacedWholesale(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.start()
	tr := f.open()

	f.frame(tr, `{"type":"tools","content":[{"name":"ls","description":"list"},{"name":"cat","description":"read"}]}`)
	if got := f.s.Tools(); len(got) != 2 {
		t.Fatalf("expected two tools, got %+v", got)
	}
	f.frame(tr, `{"type":"tools","content":[{"name":"grep","description":"search","parameters":{"type":"object"}}]}`)

	tools := f.s.Tools()
	if len(tools) != 1 || tools[0].Name != "grep" {
		t.Fatalf("expected tool set replaced, got %+v", tools)
	}
	tools[0].Name = "mutated"
	if f.s.Tools()[0].Name != "grep" {
		t.Fatal("Tools returned a live reference")
	}
	if len(f.s.Transcript()) != 0 {
		t.Fatal("tools announcement touched the transcript")
	}
}

func TestReconnectExhaustionFails(t *testing.T) {
	t.Parallel()

	f := newFixture(t, WithReconnectPolicy(2, 500*time.Millisecond))
	f.start()
	f.open()

	f.drop(f.net.last(t))
	f.fireLastTimer()
	f.drop(f.net.last(t))
	f.fireLastTimer()
	f.drop(f.net.last(t))

	if f.s.ConnectionState() != domain.StateFailed {
		t.Fatalf("expected failed, got %s", f.s.ConnectionState())
	}
	delays := f.sched.delays()
	if len(delays) != 2 || delays[0] != 500*time.Millisecond || delays[1] != time.Second {
		t.Fatalf("unexpected delays %v", delays)
	}

	var fatal error
	for _, c := range f.recorded() {
		if c.Kind == ChangeConnection && c.State == domain.StateFailed {
			fatal = c.Err
		}
	}
	if !errors.Is(fatal, ErrReconnectExhausted) {
		t.Fatalf("expected ErrReconnectExhausted, got %v", fatal)
	}
	entries := f.s.Transcript()
	if last := entries[len(entries)-1]; last.Role != domain.RoleSystem || last.Content != FailedNotice {
		t.Fatalf("expected failure notice, got %+v", last)
	}
	if n := f.net.count(); n != 3 {
		t.Fatalf("expected 3 transports, got %d", n)
	}
}

func TestStaleTransportEventsDropped(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.start()
	old := f.open()
	f.drop(old)
	f.fireLastTimer()
	fresh := f.open()

	f.frame(old, `{"type":"delta","content":"ghost"}`)
	old.h.OnClose(errors.New("late"))
	f.flush()

	if len(f.s.Transcript()) != 0 {
		t.Fatalf("stale frame reached transcript: %+v", f.s.Transcript())
	}
	if f.s.ConnectionState() != domain.StateOpen {
		t.Fatalf("stale close changed state to %s", f.s.ConnectionState())
	}

	f.submit("hello")
	if len(fresh.sentRequests(t)) != 1 {
		t.Fatal("expected request on the current transport")
	}
}

func TestUnsubscribeStopsNotifications(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	var count int
	unsubscribe := f.s.Subscribe(func(Change) { count++ })
	f.start()
	f.open()
	seen := count
	unsubscribe()
	unsubscribe()

	f.submit("x")
	if count != seen {
		t.Fatalf("listener called after unsubscribe: %d -> %d", seen, count)
	}
}

func TestDispose(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.start()
	tr := f.open()

	f.s.Dispose()
	if f.s.ConnectionState() != domain.StateClosed {
		t.Fatalf("expected closed after dispose, got %s", f.s.ConnectionState())
	}
	err := f.s.Submit("x")
	if !errors.Is(err, ErrDisposed) || !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrDisposed matching ErrNotConnected, got %v", err)
	}
	tr.mu.Lock()
	closed := tr.closed
	tr.mu.Unlock()
	if !closed {
		t.Fatal("expected transport closed on dispose")
	}
	if err := f.s.Start(); !errors.Is(err, ErrDisposed) {
		t.Fatalf("expected ErrDisposed from Start, got %v", err)
	}
}

func TestIDStable(t *testing.T) {
	t.Parallel()

	s := New((&fakeNet{}).factory)
	if s.ID() == "" {
		t.Fatal("expected generated id")
	}
	if New((&fakeNet{}).factory).ID() == s.ID() {
		t.Fatal("expected distinct ids")
	}
}

func TestSubmitOnDeadTransportBeforeCloseCallback(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.start()
	tr := f.open()
	f.submit("first")
	f.frame(tr, `{"type":"complete","content":"done"}`)
	before := f.s.Transcript()

	// Closed underneath the session; OnClose has not been delivered yet.
	tr.mu.Lock()
	tr.closed = true
	tr.mu.Unlock()

	err := f.s.Submit("hi")
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if errors.Is(err, transport.ErrClosed) {
		t.Fatalf("transport error leaked through: %v", err)
	}
	after := f.s.Transcript()
	if len(after) != len(before) {
		t.Fatalf("failed send left an entry behind: %+v", after)
	}
	for _, c := range f.recorded() {
		if c.Kind == ChangeTranscript && c.Entry.Content == "hi" {
			t.Fatalf("listener saw a retracted entry: %+v", c.Entry)
		}
	}
}

func TestSubmitWithFullSendQueueIsBusy(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.start()
	tr := f.open()

	tr.mu.Lock()
	tr.sendErr = transport.ErrSendQueueFull
	tr.mu.Unlock()
	if err := f.s.Submit("hi"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if len(f.s.Transcript()) != 0 {
		t.Fatalf("failed submit mutated transcript: %+v", f.s.Transcript())
	}

	tr.mu.Lock()
	tr.sendErr = nil
	tr.mu.Unlock()
	f.submit("hi")
	entries := f.s.Transcript()
	if len(entries) != 1 || entries[0].Role != domain.RoleUser {
		t.Fatalf("expected the retried submit to land, got %+v", entries)
	}
}

func TestStartDisposeConcurrently(t *testing.T) {
	t.Parallel()

	for i := 0; i < 20; i++ {
		s := New((&fakeNet{}).factory, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = s.Start()
		}()
		go func() {
			defer wg.Done()
			s.Dispose()
		}()
		wg.Wait()
		s.Dispose()
		if err := s.Submit("x"); !errors.Is(err, ErrNotConnected) {
			t.Fatalf("expected ErrNotConnected after dispose, got %v", err)
		}
	}
}
