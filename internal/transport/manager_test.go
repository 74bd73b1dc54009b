package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"quotewire/internal/chat"
	"quotewire/internal/stomp"
)

// fakeConn is an in-memory socketConn. Closing it makes ReadMessage return
// an abnormal-closure error, mimicking an unexpected drop.
type fakeConn struct {
	mu        sync.Mutex
	inbound   chan []byte
	written   []stomp.Frame
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 16)}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	data, ok := <-c.inbound
	if !ok {
		return 0, nil, &websocket.CloseError{Code: websocket.CloseAbnormalClosure, Text: "connection dropped"}
	}
	return websocket.TextMessage, data, nil
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	if messageType == websocket.TextMessage {
		c.mu.Lock()
		c.written = append(c.written, stomp.Decode(string(data)))
		c.mu.Unlock()
	}
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.inbound) })
	return nil
}

func (c *fakeConn) deliver(f stomp.Frame) {
	c.inbound <- []byte(stomp.Encode(f))
}

func (c *fakeConn) frames(command string) []stomp.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []stomp.Frame
	for _, f := range c.written {
		if f.Command == command {
			out = append(out, f)
		}
	}
	return out
}

// fakeScheduler records delayed tasks; tests fire them explicitly.
type fakeScheduler struct {
	mu    sync.Mutex
	tasks []struct {
		delay time.Duration
		fn    func()
	}
}

func (s *fakeScheduler) After(d time.Duration, f func()) func() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, struct {
		delay time.Duration
		fn    func()
	}{d, f})
	return func() bool { return true }
}

func (s *fakeScheduler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func (s *fakeScheduler) delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, len(s.tasks))
	for i, task := range s.tasks {
		out[i] = task.delay
	}
	return out
}

func (s *fakeScheduler) run(i int) {
	s.mu.Lock()
	fn := s.tasks[i].fn
	s.mu.Unlock()
	fn()
}

// fakeDialer hands out fakeConns, or fails every dial when fail is set.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	fail  bool
}

func (d *fakeDialer) dial(_ context.Context, _ string, _ http.Header) (socketConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return nil, errors.New("dial refused")
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

func (d *fakeDialer) connCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func newTestManager(dialer *fakeDialer, scheduler *fakeScheduler) *Manager {
	return NewManager(
		Config{BrokerURL: "ws://broker.test/ws"},
		WithDialFunc(dialer.dial),
		WithAfterFunc(scheduler.After),
	)
}

func providerCreds() Credentials {
	return Credentials{Token: "tok", UserID: 12, CompanyID: 77}
}

func connectedFrame() stomp.Frame {
	return stomp.NewFrame(stomp.CmdConnected).
		WithHeader("version", "1.2").
		WithHeader("server", "test-broker")
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func handshake(t *testing.T, m *Manager, dialer *fakeDialer) *fakeConn {
	t.Helper()
	if err := m.Connect(context.Background(), providerCreds()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	conn := dialer.conn(dialer.connCount() - 1)
	conn.deliver(connectedFrame())
	waitFor(t, "stomp handshake", func() bool {
		return m.State().Phase == PhaseStompConnected
	})
	return conn
}

func TestConnectRequiresToken(t *testing.T) {
	m := newTestManager(&fakeDialer{}, &fakeScheduler{})
	if err := m.Connect(context.Background(), Credentials{}); !errors.Is(err, ErrNoCredentials) {
		t.Errorf("err = %v, want ErrNoCredentials", err)
	}
}

func TestConnectTwiceFails(t *testing.T) {
	dialer := &fakeDialer{}
	m := newTestManager(dialer, &fakeScheduler{})

	conn := handshake(t, m, dialer)
	defer conn.Close()

	if err := m.Connect(context.Background(), providerCreds()); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("err = %v, want ErrAlreadyConnected", err)
	}
}

func TestHandshakeSubscribesBaseline(t *testing.T) {
	dialer := &fakeDialer{}
	m := newTestManager(dialer, &fakeScheduler{})

	conn := handshake(t, m, dialer)
	defer conn.Close()

	waitFor(t, "baseline subscriptions", func() bool {
		return len(conn.frames(stomp.CmdSubscribe)) >= 2
	})

	subs := conn.frames(stomp.CmdSubscribe)
	if subs[0].Header(stomp.HdrDestination) != stomp.DestSystemErrors {
		t.Errorf("first subscription = %q, want system errors queue", subs[0].Header(stomp.HdrDestination))
	}
	if want := stomp.CompanyRequestsDest(77); subs[1].Header(stomp.HdrDestination) != want {
		t.Errorf("second subscription = %q, want %q", subs[1].Header(stomp.HdrDestination), want)
	}

	connects := conn.frames(stomp.CmdConnect)
	if len(connects) != 1 {
		t.Fatalf("CONNECT frames = %d, want 1", len(connects))
	}
	if connects[0].Header(stomp.HdrAcceptVersion) != "1.1,1.2" {
		t.Errorf("accept-version = %q", connects[0].Header(stomp.HdrAcceptVersion))
	}
}

func TestClientRoleSubscribesAccountQuotes(t *testing.T) {
	dialer := &fakeDialer{}
	m := newTestManager(dialer, &fakeScheduler{})

	if err := m.Connect(context.Background(), Credentials{Token: "tok", UserID: 3, AccountID: 9}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	conn := dialer.conn(0)
	defer conn.Close()
	conn.deliver(connectedFrame())

	waitFor(t, "account quotes subscription", func() bool {
		for _, f := range conn.frames(stomp.CmdSubscribe) {
			if f.Header(stomp.HdrDestination) == stomp.AccountQuotesDest(9) {
				return true
			}
		}
		return false
	})
}

func TestBackoffLinearAndCapped(t *testing.T) {
	dialer := &fakeDialer{fail: true}
	scheduler := &fakeScheduler{}
	m := newTestManager(dialer, scheduler)

	if err := m.Connect(context.Background(), providerCreds()); err == nil {
		t.Fatal("connect should fail when dial fails")
	}

	// Run every scheduled retry; each fails and schedules the next until
	// the attempt cap.
	for i := 0; i < scheduler.count(); i++ {
		scheduler.run(i)
	}

	delays := scheduler.delays()
	want := []time.Duration{2 * time.Second, 4 * time.Second, 6 * time.Second, 8 * time.Second, 10 * time.Second}
	if len(delays) != len(want) {
		t.Fatalf("scheduled %d attempts (%v), want %d", len(delays), delays, len(want))
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("attempt %d delay = %v, want %v", i+1, delays[i], want[i])
		}
	}

	if m.State().Phase != PhaseError {
		t.Errorf("phase = %v, want error", m.State().Phase)
	}
}

func TestReconnectResubscribesAllDestinations(t *testing.T) {
	dialer := &fakeDialer{}
	scheduler := &fakeScheduler{}
	m := newTestManager(dialer, scheduler)

	conn1 := handshake(t, m, dialer)
	waitFor(t, "baseline on first connection", func() bool {
		return len(conn1.frames(stomp.CmdSubscribe)) >= 2
	})

	if _, err := m.SubscribeQuoteChat(14); err != nil {
		t.Fatalf("subscribe 14: %v", err)
	}
	if _, err := m.SubscribeQuoteChat(15); err != nil {
		t.Fatalf("subscribe 15: %v", err)
	}

	idsBefore := map[string]string{}
	for _, e := range m.Subscriptions() {
		idsBefore[e.Destination] = e.SubscriptionID
	}

	tasksBefore := scheduler.count()
	conn1.Close() // unexpected drop

	waitFor(t, "reconnect scheduled", func() bool {
		return scheduler.count() > tasksBefore
	})
	scheduler.run(scheduler.count() - 1)

	waitFor(t, "second dial", func() bool { return dialer.connCount() == 2 })
	conn2 := dialer.conn(1)
	defer conn2.Close()
	tasksBeforeHandshake := scheduler.count()
	conn2.deliver(connectedFrame())

	waitFor(t, "second handshake", func() bool {
		return m.State().Phase == PhaseStompConnected
	})
	// Fire the delayed chat resubscription pass once it is armed.
	waitFor(t, "chat replay scheduled", func() bool {
		return scheduler.count() > tasksBeforeHandshake
	})
	scheduler.run(scheduler.count() - 1)

	waitFor(t, "all resubscribed", func() bool {
		return len(conn2.frames(stomp.CmdSubscribe)) >= 4
	})

	got := map[string]string{}
	for _, f := range conn2.frames(stomp.CmdSubscribe) {
		got[f.Header(stomp.HdrDestination)] = f.Header(stomp.HdrID)
	}

	wantDests := []string{
		stomp.DestSystemErrors,
		stomp.CompanyRequestsDest(77),
		stomp.QuoteChatDest(14),
		stomp.QuoteChatDest(15),
	}
	for _, dest := range wantDests {
		id, ok := got[dest]
		if !ok {
			t.Errorf("destination %q not resubscribed", dest)
			continue
		}
		if id == idsBefore[dest] {
			t.Errorf("destination %q reused subscription id %q across connections", dest, id)
		}
	}
	if len(got) != len(wantDests) {
		t.Errorf("resubscribed %d destinations, want %d: %v", len(got), len(wantDests), got)
	}
}

func TestSubscribeQuoteChatIdempotentSingleFrame(t *testing.T) {
	dialer := &fakeDialer{}
	m := newTestManager(dialer, &fakeScheduler{})

	conn := handshake(t, m, dialer)
	defer conn.Close()

	id1, err := m.SubscribeQuoteChat(14)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	id2, err := m.SubscribeQuoteChat(14)
	if err != nil {
		t.Fatalf("subscribe again: %v", err)
	}

	if id1 != id2 {
		t.Errorf("ids differ: %q vs %q", id1, id2)
	}

	count := 0
	for _, f := range conn.frames(stomp.CmdSubscribe) {
		if f.Header(stomp.HdrDestination) == stomp.QuoteChatDest(14) {
			count++
		}
	}
	if count != 1 {
		t.Errorf("SUBSCRIBE frames for quote 14 = %d, want 1", count)
	}
}

func TestLiveSubscriptionSkippedByChatReplayPass(t *testing.T) {
	dialer := &fakeDialer{}
	scheduler := &fakeScheduler{}
	m := newTestManager(dialer, scheduler)

	// Registered before connecting: only the replay pass may subscribe it.
	if _, err := m.SubscribeQuoteChat(15); err != nil {
		t.Fatalf("subscribe 15: %v", err)
	}

	conn := handshake(t, m, dialer)
	defer conn.Close()
	waitFor(t, "replay pass scheduled", func() bool {
		return scheduler.count() > 0
	})
	replayTask := scheduler.count() - 1

	// Subscribed live between the handshake and the replay pass.
	liveID, err := m.SubscribeQuoteChat(14)
	if err != nil {
		t.Fatalf("subscribe 14: %v", err)
	}
	waitFor(t, "live subscription frame", func() bool {
		for _, f := range conn.frames(stomp.CmdSubscribe) {
			if f.Header(stomp.HdrDestination) == stomp.QuoteChatDest(14) {
				return true
			}
		}
		return false
	})

	scheduler.run(replayTask)

	waitFor(t, "pre-registered quote subscribed", func() bool {
		for _, f := range conn.frames(stomp.CmdSubscribe) {
			if f.Header(stomp.HdrDestination) == stomp.QuoteChatDest(15) {
				return true
			}
		}
		return false
	})

	counts := map[string]int{}
	for _, f := range conn.frames(stomp.CmdSubscribe) {
		counts[f.Header(stomp.HdrDestination)]++
	}
	if counts[stomp.QuoteChatDest(14)] != 1 {
		t.Errorf("SUBSCRIBE frames for quote 14 = %d, want 1", counts[stomp.QuoteChatDest(14)])
	}
	if counts[stomp.QuoteChatDest(15)] != 1 {
		t.Errorf("SUBSCRIBE frames for quote 15 = %d, want 1", counts[stomp.QuoteChatDest(15)])
	}
	if n := len(conn.frames(stomp.CmdUnsubscribe)); n != 0 {
		t.Errorf("UNSUBSCRIBE frames = %d, want 0", n)
	}

	// The live subscription keeps its id; only quote 15 got a fresh one.
	id, ok := m.registry.Lookup(stomp.QuoteChatDest(14))
	if !ok || id != liveID {
		t.Errorf("quote 14 id = %q, want %q kept", id, liveID)
	}
}

func TestManualDisconnectSuppressesReconnect(t *testing.T) {
	dialer := &fakeDialer{}
	scheduler := &fakeScheduler{}
	m := newTestManager(dialer, scheduler)

	conn := handshake(t, m, dialer)
	if _, err := m.SubscribeQuoteChat(14); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	tasksBefore := scheduler.count()
	m.Disconnect()

	waitFor(t, "disconnected state", func() bool {
		return m.State().Phase == PhaseDisconnected
	})

	// The close callback races the disconnect; give it time to fire.
	time.Sleep(50 * time.Millisecond)

	if scheduler.count() != tasksBefore {
		t.Errorf("reconnect scheduled after manual disconnect: %d tasks, had %d", scheduler.count(), tasksBefore)
	}
	if len(m.Subscriptions()) != 0 {
		t.Errorf("registry not cleared: %v", m.Subscriptions())
	}

	disconnects := conn.frames(stomp.CmdDisconnect)
	if len(disconnects) != 1 {
		t.Errorf("DISCONNECT frames = %d, want 1", len(disconnects))
	}
}

func TestSendChatEmitsSendFrame(t *testing.T) {
	dialer := &fakeDialer{}
	m := newTestManager(dialer, &fakeScheduler{})

	conn := handshake(t, m, dialer)
	defer conn.Close()

	if err := m.SendChat(14, "", "hola", ""); err != nil {
		t.Fatalf("send chat: %v", err)
	}

	sends := conn.frames(stomp.CmdSend)
	if len(sends) != 1 {
		t.Fatalf("SEND frames = %d, want 1", len(sends))
	}
	if got := sends[0].Header(stomp.HdrDestination); got != stomp.QuoteChatDest(14) {
		t.Errorf("destination = %q", got)
	}

	msg, err := chat.DecodeMessage(sends[0].Body)
	if err != nil {
		t.Fatalf("sent body does not decode: %v", err)
	}
	if msg.QuoteID != 14 {
		t.Errorf("quoteId = %d, want 14", msg.QuoteID)
	}
	if msg.TypeCode != chat.TypeUser {
		t.Errorf("typeCode = %q, want user", msg.TypeCode)
	}
	if msg.ClientDedupKey == "" {
		t.Error("clientDedupKey missing")
	}
}

func TestSendChatWhileDisconnected(t *testing.T) {
	m := newTestManager(&fakeDialer{}, &fakeScheduler{})
	if err := m.SendChat(14, "", "hola", ""); !errors.Is(err, ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
}

func TestChatMessageFlowsToFeed(t *testing.T) {
	dialer := &fakeDialer{}
	m := newTestManager(dialer, &fakeScheduler{})

	conn := handshake(t, m, dialer)
	defer conn.Close()

	body := `{"quoteId":14,"typeCode":"user","contentCode":"text","body":"hola","createdBy":8,"createdAt":"2025-03-01T10:00:00Z"}`
	conn.deliver(stomp.NewFrame(stomp.CmdMessage).
		WithHeader(stomp.HdrDestination, stomp.QuoteChatDest(14)).
		WithHeader(stomp.HdrSubscription, "sub-x").
		WithBody(body))

	waitFor(t, "message in history", func() bool {
		return len(m.Feed().History()) == 1
	})

	latest, ok := m.Feed().Latest(14)
	if !ok {
		t.Fatal("no latest message for quote 14")
	}
	if latest.Body != "hola" {
		t.Errorf("latest body = %q", latest.Body)
	}
}

func TestUndecodableChatMessageDropped(t *testing.T) {
	dialer := &fakeDialer{}
	m := newTestManager(dialer, &fakeScheduler{})

	conn := handshake(t, m, dialer)
	defer conn.Close()

	conn.deliver(stomp.NewFrame(stomp.CmdMessage).
		WithHeader(stomp.HdrDestination, stomp.QuoteChatDest(14)).
		WithBody(`{"typeCode":"user"}`))

	// Deliver a valid one afterwards to prove the loop survived.
	body := `{"quoteId":14,"typeCode":"user","contentCode":"text","createdBy":8,"createdAt":"2025-03-01T10:00:00Z"}`
	conn.deliver(stomp.NewFrame(stomp.CmdMessage).
		WithHeader(stomp.HdrDestination, stomp.QuoteChatDest(14)).
		WithBody(body))

	waitFor(t, "valid message only", func() bool {
		return len(m.Feed().History()) == 1
	})
}

func TestBrokerErrorSurfacesWithoutReconnect(t *testing.T) {
	dialer := &fakeDialer{}
	scheduler := &fakeScheduler{}
	m := newTestManager(dialer, scheduler)

	conn := handshake(t, m, dialer)

	tasksBefore := scheduler.count()
	conn.deliver(stomp.NewFrame(stomp.CmdError).
		WithHeader(stomp.HdrMessage, "session rejected").
		WithBody("details"))

	waitFor(t, "error state", func() bool {
		st := m.State()
		return st.Phase == PhaseError && st.Reason == "session rejected"
	})

	if scheduler.count() != tasksBefore {
		t.Error("ERROR frame alone must not schedule a reconnect")
	}

	// The socket close that follows does.
	conn.Close()
	waitFor(t, "reconnect after close", func() bool {
		return scheduler.count() > tasksBefore
	})
}

func TestSystemErrorDropsReferencedSubscription(t *testing.T) {
	dialer := &fakeDialer{}
	m := newTestManager(dialer, &fakeScheduler{})

	conn := handshake(t, m, dialer)
	defer conn.Close()

	if _, err := m.SubscribeQuoteChat(14); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	conn.deliver(stomp.NewFrame(stomp.CmdMessage).
		WithHeader(stomp.HdrDestination, stomp.DestSystemErrors).
		WithBody(`cannot subscribe to /topic/deals.quotes.14.chat: access denied`))

	waitFor(t, "subscription dropped", func() bool {
		for _, e := range m.Subscriptions() {
			if e.Destination == stomp.QuoteChatDest(14) {
				return false
			}
		}
		return true
	})
}
