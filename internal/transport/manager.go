package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"quotewire/internal/chat"
	"quotewire/internal/classify"
	"quotewire/internal/stomp"
	"quotewire/pkg/logger"
)

// Reconnection and handshake defaults. Base delay, attempt cap and the chat
// resubscription delay are tunables carried in Config.
const (
	defaultBaseDelay     = 2000 * time.Millisecond
	defaultMaxAttempts   = 5
	defaultChatResub     = 500 * time.Millisecond
	defaultWriteTimeout  = 10 * time.Second
	disconnectFrameGrace = 100 * time.Millisecond
)

// Config tunes the connection manager.
type Config struct {
	// BrokerURL is the ws:// or wss:// endpoint of the STOMP broker.
	BrokerURL string

	// BaseDelay is the reconnect backoff unit; attempt k waits BaseDelay*k.
	BaseDelay time.Duration
	// MaxAttempts caps consecutive failed reconnect attempts.
	MaxAttempts int
	// ChatResubscribeDelay is the settle time between the CONNECTED
	// handshake and the chat-topic resubscription pass.
	ChatResubscribeDelay time.Duration
	// WriteTimeout bounds each socket write.
	WriteTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.BaseDelay <= 0 {
		c.BaseDelay = defaultBaseDelay
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.ChatResubscribeDelay <= 0 {
		c.ChatResubscribeDelay = defaultChatResub
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	return c
}

// socketConn is the subset of *websocket.Conn the manager uses. Tests
// substitute an in-memory implementation.
type socketConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// DialFunc opens the socket. The default dials with gorilla's dialer.
type DialFunc func(ctx context.Context, url string, header http.Header) (socketConn, error)

func defaultDial(ctx context.Context, url string, header http.Header) (socketConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// AfterFunc schedules f after d and returns a stop function. Tests inject
// a deterministic scheduler.
type AfterFunc func(d time.Duration, f func()) (stop func() bool)

func defaultAfter(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// Option is a functional option for Manager.
type Option func(*Manager)

// WithDialFunc sets a custom socket dialer.
func WithDialFunc(dial DialFunc) Option {
	return func(m *Manager) {
		m.dial = dial
	}
}

// WithAfterFunc sets a custom delayed scheduler.
func WithAfterFunc(after AfterFunc) Option {
	return func(m *Manager) {
		m.after = after
	}
}

// Manager owns one socket and drives the connection lifecycle state
// machine: Disconnected, Connecting, Connected (socket up, CONNECT sent),
// StompConnected (broker replied CONNECTED), Error. Unexpected closes run
// the reconnection policy; manual Disconnect suppresses it.
type Manager struct {
	cfg      Config
	registry *stomp.Registry
	feed     *Feed
	dial     DialFunc
	after    AfterFunc

	mu             sync.Mutex
	conn           socketConn
	gen            int // connection generation, guards stale callbacks
	creds          *Credentials
	state          State
	stompConnected bool
	manual         bool
	attempts       int
	// sentSubs records the generation a SUBSCRIBE frame last went out on,
	// per destination. The chat replay pass consults it so a destination
	// subscribed live on the current connection is not subscribed twice.
	sentSubs map[string]int

	writeMu sync.Mutex
}

// NewManager creates a connection manager for the broker in cfg.
func NewManager(cfg Config, opts ...Option) *Manager {
	m := &Manager{
		cfg:      cfg.withDefaults(),
		registry: stomp.NewRegistry(),
		feed:     NewFeed(),
		dial:     defaultDial,
		after:    defaultAfter,
		state:    State{Phase: PhaseDisconnected},
		sentSubs: make(map[string]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Feed returns the observable read model the manager publishes into.
func (m *Manager) Feed() *Feed {
	return m.feed
}

// State returns the current connection state snapshot.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscriptions returns the active subscriptions.
func (m *Manager) Subscriptions() []stomp.Entry {
	return m.registry.AllActive()
}

// Connect dials the broker and performs the STOMP handshake. It returns
// once the socket handshake succeeded or failed; the CONNECTED reply and
// topic subscriptions follow asynchronously. A dial failure still arms the
// reconnection policy.
func (m *Manager) Connect(ctx context.Context, creds Credentials) error {
	if creds.Token == "" {
		return ErrNoCredentials
	}

	m.mu.Lock()
	if m.conn != nil {
		m.mu.Unlock()
		return ErrAlreadyConnected
	}
	m.manual = false
	m.attempts = 0
	c := creds
	m.creds = &c
	m.mu.Unlock()

	return m.connect(ctx)
}

// connect performs one dial attempt with the stored credentials.
func (m *Manager) connect(ctx context.Context) error {
	m.mu.Lock()
	if m.manual || m.creds == nil {
		m.mu.Unlock()
		return ErrNoCredentials
	}
	creds := *m.creds
	m.setStateLocked(State{Phase: PhaseConnecting, ReconnectAttempt: m.attempts})
	m.mu.Unlock()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+creds.Token)

	conn, err := m.dial(ctx, m.cfg.BrokerURL, header)
	if err != nil {
		logger.Warn().Err(err).Str("broker", m.cfg.BrokerURL).Msg("socket dial failed")
		m.mu.Lock()
		m.setStateLocked(State{Phase: PhaseError, Reason: err.Error(), ReconnectAttempt: m.attempts})
		m.scheduleReconnectLocked()
		m.mu.Unlock()
		return fmt.Errorf("dial broker: %w", err)
	}

	m.mu.Lock()
	m.conn = conn
	m.gen++
	gen := m.gen
	m.setStateLocked(State{Phase: PhaseConnected})
	m.mu.Unlock()

	connectFrame := stomp.NewFrame(stomp.CmdConnect).
		WithHeader(stomp.HdrAcceptVersion, "1.1,1.2")
	if err := m.sendFrame(connectFrame); err != nil {
		logger.Error().Err(err).Msg("failed to send CONNECT frame")
	}

	go m.readLoop(conn, gen)
	return nil
}

// Disconnect tears the connection down intentionally. If STOMP-connected it
// sends a DISCONNECT frame, waits briefly, then closes the socket with the
// normal closure code. The registry is cleared and the manual flag set so
// the reconnection policy does not fire.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.manual = true
	m.attempts = 0
	m.creds = nil
	conn := m.conn
	wasStomp := m.stompConnected
	m.stompConnected = false
	m.mu.Unlock()

	if conn != nil {
		if wasStomp {
			_ = m.sendFrame(stomp.NewFrame(stomp.CmdDisconnect))
			time.Sleep(disconnectFrameGrace)
		}
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()
	}

	m.registry.Clear()

	m.mu.Lock()
	m.conn = nil
	m.sentSubs = make(map[string]int)
	m.setStateLocked(State{Phase: PhaseDisconnected})
	m.mu.Unlock()

	logger.Info().Msg("transport disconnected")
}

// SubscribeQuoteChat subscribes to one quote's chat topic. Idempotent: a
// quote already subscribed returns its existing id without a second
// SUBSCRIBE frame. While disconnected the registration is kept and
// replayed once the handshake completes.
func (m *Manager) SubscribeQuoteChat(quoteID int64) (string, error) {
	dest := stomp.QuoteChatDest(quoteID)
	id, created := m.registry.Subscribe(dest)
	if !created {
		return id, nil
	}

	m.mu.Lock()
	live := m.stompConnected
	if live {
		m.sentSubs[dest] = m.gen
	}
	m.mu.Unlock()

	if live {
		frame := stomp.NewFrame(stomp.CmdSubscribe).
			WithHeader(stomp.HdrID, id).
			WithHeader(stomp.HdrDestination, dest)
		if err := m.sendFrame(frame); err != nil {
			return id, err
		}
	}
	logger.Debug().Int64("quote_id", quoteID).Str("subscription", id).Msg("subscribed quote chat")
	return id, nil
}

// UnsubscribeQuoteChat drops the subscription for one quote's chat topic.
func (m *Manager) UnsubscribeQuoteChat(quoteID int64) error {
	dest := stomp.QuoteChatDest(quoteID)
	id, ok := m.registry.Unsubscribe(dest)
	if !ok {
		return nil
	}

	m.mu.Lock()
	live := m.stompConnected
	delete(m.sentSubs, dest)
	m.mu.Unlock()

	if live {
		frame := stomp.NewFrame(stomp.CmdUnsubscribe).WithHeader(stomp.HdrID, id)
		return m.sendFrame(frame)
	}
	return nil
}

// SendChat publishes a user chat message to a quote's chat topic. The
// message carries a generated clientDedupKey so the server can deduplicate
// a retried send.
func (m *Manager) SendChat(quoteID int64, contentCode, body, mediaURL string) error {
	m.mu.Lock()
	live := m.stompConnected
	var userID int64
	if m.creds != nil {
		userID = m.creds.UserID
	}
	m.mu.Unlock()

	if !live {
		return ErrNotConnected
	}
	if contentCode == "" {
		contentCode = chat.ContentText
	}

	payload := map[string]any{
		"quoteId":        quoteID,
		"typeCode":       chat.TypeUser,
		"contentCode":    contentCode,
		"body":           body,
		"clientDedupKey": uuid.New().String(),
		"createdBy":      userID,
		"createdAt":      time.Now().UTC().Format(time.RFC3339),
	}
	if mediaURL != "" {
		payload["mediaUrl"] = mediaURL
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode chat message: %w", err)
	}

	frame := stomp.NewFrame(stomp.CmdSend).
		WithHeader(stomp.HdrDestination, stomp.QuoteChatDest(quoteID)).
		WithHeader(stomp.HdrContentType, "application/json").
		WithBody(string(encoded))
	return m.sendFrame(frame)
}

// sendFrame writes one frame to the socket. Writes are serialized; the
// socket read side runs independently.
func (m *Manager) sendFrame(f stomp.Frame) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, []byte(stomp.Encode(f)))
}

// readLoop is the single event loop for one connection generation: every
// frame, error and close of this socket is handled here in order.
func (m *Manager) readLoop(conn socketConn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.socketClosed(gen, err)
			return
		}

		frame := stomp.Decode(string(data))
		if frame.IsUnknown() {
			logger.Debug().Msg("dropping unparseable frame")
			continue
		}
		m.handleFrame(gen, frame)
	}
}

func (m *Manager) handleFrame(gen int, frame stomp.Frame) {
	switch frame.Command {
	case stomp.CmdConnected:
		m.handleConnected(gen, frame)
	case stomp.CmdError:
		m.handleBrokerError(frame)
	case stomp.CmdReceipt:
		logger.Debug().Str("receipt", frame.Header("receipt-id")).Msg("broker receipt")
	case stomp.CmdMessage:
		m.handleMessage(frame.Header(stomp.HdrDestination), frame.Body)
	default:
		logger.Debug().Str("command", frame.Command).Msg("unhandled frame command")
	}
}

// handleConnected completes the handshake: the attempt counter resets, the
// baseline subscriptions go out (system errors first, then the role topic),
// and after a settle delay every chat destination already in the registry
// is resubscribed with a fresh id.
func (m *Manager) handleConnected(gen int, frame stomp.Frame) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.stompConnected = true
	m.attempts = 0
	var creds Credentials
	if m.creds != nil {
		creds = *m.creds
	}
	m.setStateLocked(State{Phase: PhaseStompConnected})
	m.mu.Unlock()

	logger.Info().
		Str("version", frame.Header("version")).
		Str("server", frame.Header("server")).
		Msg("stomp session established")

	m.subscribeBaseline(creds)

	m.after(m.cfg.ChatResubscribeDelay, func() {
		m.resubscribeChats(gen)
	})
}

// subscribeBaseline subscribes the system-error queue and the role topic:
// company new-request notifications for providers, account quote
// notifications for clients.
func (m *Manager) subscribeBaseline(creds Credentials) {
	m.subscribeAndSend(stomp.DestSystemErrors)

	switch {
	case creds.CompanyID > 0:
		m.subscribeAndSend(stomp.CompanyRequestsDest(creds.CompanyID))
	case creds.AccountID > 0:
		m.subscribeAndSend(stomp.AccountQuotesDest(creds.AccountID))
	default:
		logger.Warn().Msg("no role identifier; skipping notification topic")
	}
}

func (m *Manager) subscribeAndSend(dest string) {
	id, _ := m.registry.Subscribe(dest)
	m.mu.Lock()
	m.sentSubs[dest] = m.gen
	m.mu.Unlock()
	frame := stomp.NewFrame(stomp.CmdSubscribe).
		WithHeader(stomp.HdrID, id).
		WithHeader(stomp.HdrDestination, dest)
	if err := m.sendFrame(frame); err != nil {
		logger.Error().Err(err).Str("destination", dest).Msg("subscribe failed")
	}
}

// resubscribeChats replays the chat destinations held in the registry on
// the current connection, each with a freshly generated subscription id.
// A destination that already had its SUBSCRIBE frame sent on this
// generation is skipped: renewing it would leave the broker holding two
// live subscriptions for one chat topic.
func (m *Manager) resubscribeChats(gen int) {
	m.mu.Lock()
	stale := gen != m.gen || !m.stompConnected
	m.mu.Unlock()
	if stale {
		return
	}

	for _, dest := range m.registry.ChatDestinations() {
		m.mu.Lock()
		already := m.sentSubs[dest] == gen
		if !already {
			m.sentSubs[dest] = gen
		}
		m.mu.Unlock()
		if already {
			continue
		}

		id, ok := m.registry.Renew(dest)
		if !ok {
			continue
		}
		frame := stomp.NewFrame(stomp.CmdSubscribe).
			WithHeader(stomp.HdrID, id).
			WithHeader(stomp.HdrDestination, dest)
		if err := m.sendFrame(frame); err != nil {
			logger.Error().Err(err).Str("destination", dest).Msg("chat resubscribe failed")
		}
	}
}

// handleBrokerError surfaces a STOMP ERROR frame to observers. It does not
// itself trigger reconnection; the socket close that usually follows does.
func (m *Manager) handleBrokerError(frame stomp.Frame) {
	reason := frame.Header(stomp.HdrMessage)
	if reason == "" {
		reason = frame.Body
	}
	logger.Error().Str("reason", reason).Msg("broker ERROR frame")

	m.mu.Lock()
	m.stompConnected = false
	m.setStateLocked(State{Phase: PhaseError, Reason: reason})
	m.mu.Unlock()

	m.feed.PublishEvent(Event{Kind: classify.KindError, Body: frame.Body, At: time.Now()})
}

// handleMessage classifies and dispatches one MESSAGE frame. Decode
// failures are logged and the unit dropped; they are never fatal to the
// connection.
func (m *Manager) handleMessage(destination, body string) {
	kind := classify.Message(destination, body)

	switch kind {
	case classify.KindChatMessage:
		msg, err := chat.DecodeMessage(body)
		if err != nil {
			logger.Warn().Err(err).Str("destination", destination).Msg("dropping undecodable chat message")
			return
		}
		if msg.HasChangeAnomaly() {
			logger.Warn().Int64("quote_id", msg.QuoteID).Str("subtype", string(msg.SystemSubtype)).
				Msg("change subtype without decodable change payload")
		}
		if msg.HasAcceptanceAnomaly() {
			logger.Warn().Int64("quote_id", msg.QuoteID).
				Msg("acceptance request without decodable acceptance id")
		}
		m.feed.AppendMessage(msg)

	case classify.KindSystemError:
		m.handleSystemError(body)

	case classify.KindNewRequest, classify.KindQuoteCreated, classify.KindQuoteAccepted, classify.KindQuoteRejected:
		var ids struct {
			QuoteID   int64 `json:"quoteId"`
			RequestID int64 `json:"requestId"`
		}
		_ = json.Unmarshal([]byte(body), &ids)
		m.feed.PublishEvent(Event{
			Kind:      kind,
			QuoteID:   ids.QuoteID,
			RequestID: ids.RequestID,
			Body:      body,
			At:        time.Now(),
		})

	default:
		logger.Debug().Str("destination", destination).Msg("unclassified message dropped")
	}
}

// handleSystemError logs a per-connection system error and drops any
// subscription the error message references: the broker rejected it.
func (m *Manager) handleSystemError(body string) {
	logger.Error().Str("body", body).Msg("broker system error")

	for _, entry := range m.registry.AllActive() {
		if strings.Contains(body, entry.Destination) {
			m.registry.Unsubscribe(entry.Destination)
			m.mu.Lock()
			delete(m.sentSubs, entry.Destination)
			m.mu.Unlock()
			logger.Warn().Str("destination", entry.Destination).Msg("subscription rejected by broker")
		}
	}

	m.feed.PublishEvent(Event{Kind: classify.KindSystemError, Body: body, At: time.Now()})
}

// socketClosed handles a socket-level failure or close for a connection
// generation and runs the reconnection decision.
func (m *Manager) socketClosed(gen int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return
	}

	m.conn = nil
	m.stompConnected = false

	if m.manual {
		m.setStateLocked(State{Phase: PhaseDisconnected})
		return
	}

	logger.Warn().Err(err).Msg("socket closed unexpectedly")
	m.setStateLocked(State{Phase: PhaseError, Reason: err.Error(), ReconnectAttempt: m.attempts})

	if isNormalClose(err) {
		return
	}
	m.scheduleReconnectLocked()
}

func isNormalClose(err error) bool {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code == websocket.CloseNormalClosure
	}
	return false
}

// scheduleReconnectLocked arms the next reconnect attempt. Attempt k waits
// BaseDelay*k; after MaxAttempts consecutive failures the state stays in
// error until the caller reconnects manually. The manual flag is rechecked
// when the timer fires so an in-flight Disconnect wins the race.
func (m *Manager) scheduleReconnectLocked() {
	if m.manual || m.creds == nil {
		return
	}
	if m.attempts >= m.cfg.MaxAttempts {
		logger.Error().Int("attempts", m.attempts).Msg("reconnect attempts exhausted")
		return
	}

	m.attempts++
	attempt := m.attempts
	delay := m.cfg.BaseDelay * time.Duration(attempt)

	logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("scheduling reconnect")

	m.after(delay, func() {
		m.mu.Lock()
		abort := m.manual || m.creds == nil || m.conn != nil
		m.mu.Unlock()
		if abort {
			return
		}
		if err := m.connect(context.Background()); err != nil {
			logger.Warn().Err(err).Int("attempt", attempt).Msg("reconnect attempt failed")
		}
	})
}

// setStateLocked records and publishes a state transition. Callers hold mu;
// the feed has its own lock so publishing here cannot deadlock.
func (m *Manager) setStateLocked(s State) {
	m.state = s
	m.feed.PublishState(s)
}
