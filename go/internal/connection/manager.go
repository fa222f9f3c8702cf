package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/expsync/go/internal/protocol"
	"github.com/rs/zerolog/log"
)

var (
	ErrClosed             = errors.New("connection manager closed")
	ErrAuthFailed         = errors.New("authentication failed")
	ErrSessionInvalidated = errors.New("session invalidated")
	ErrConnectionClosed   = errors.New("connection closed")
)

// Config holds configuration for the connection manager
type Config struct {
	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration // silence longer than this means the peer is gone
	AutoReconnect        bool
	ReconnectBaseDelay   time.Duration // attempt n waits n * ReconnectBaseDelay
	MaxReconnectAttempts int
	DialTimeout          time.Duration
	AuthTimeout          time.Duration
	InvalidationGrace    time.Duration
	MaxBufferedMessages  int
}

// DefaultConfig returns default connection manager configuration
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:    30 * time.Second,
		HeartbeatTimeout:     60 * time.Second,
		AutoReconnect:        true,
		ReconnectBaseDelay:   3 * time.Second,
		MaxReconnectAttempts: 5,
		DialTimeout:          10 * time.Second,
		AuthTimeout:          10 * time.Second,
		InvalidationGrace:    500 * time.Millisecond,
		MaxBufferedMessages:  1000,
	}
}

// TimeSource supplies timestamps for outgoing heartbeats
type TimeSource interface {
	Now() time.Time
}

// Option customizes a Manager
type Option func(*Manager)

// WithClock replaces the real clock, for tests
func WithClock(clock clockwork.Clock) Option {
	return func(m *Manager) { m.clock = clock }
}

// WithTimeSource stamps heartbeats with ts instead of the local clock
func WithTimeSource(ts TimeSource) Option {
	return func(m *Manager) { m.timeSource = ts }
}

// Manager owns the single logical connection of a client to the
// coordination service: auth handshake, heartbeat, failure detection,
// backoff reconnect and identity persistence.
type Manager struct {
	transport  Transport
	identities *IdentityStore
	config     Config
	clock      clockwork.Clock
	timeSource TimeSource

	mu            sync.Mutex
	state         State
	identity      Identity
	connectionID  string
	conn          Conn
	gen           uint64 // bumped whenever conn is replaced or torn down
	waiter        chan error
	autoReconnect bool
	authFailed    bool
	intentional   bool
	closed        bool
	attempts      int
	lastSeen      time.Time
	buffer        [][]byte

	reconnectTimer clockwork.Timer
	reconnectSeq   uint64
	graceTimer     clockwork.Timer
	graceSeq       uint64
	heartbeatStop  chan struct{}

	writeMu sync.Mutex
	flushMu sync.Mutex

	handlersMu sync.RWMutex
	handlers   []Handler
}

// NewManager creates a connection manager. identities may be nil, in which
// case nothing is persisted.
func NewManager(transport Transport, identities *IdentityStore, config Config, opts ...Option) *Manager {
	m := &Manager{
		transport:     transport,
		identities:    identities,
		config:        config,
		clock:         clockwork.NewRealClock(),
		autoReconnect: config.AutoReconnect,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnEvent registers a handler for Manager events
func (m *Manager) OnEvent(h Handler) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.handlers = append(m.handlers, h)
}

func (m *Manager) emit(ev Event) {
	m.handlersMu.RLock()
	handlers := make([]Handler, len(m.handlers))
	copy(handlers, m.handlers)
	m.handlersMu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}

// State returns the current connection state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Identity returns the identity the Manager is currently using
func (m *Manager) Identity() Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// BufferedCount returns how many messages wait for the connection
func (m *Manager) BufferedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buffer)
}

// RestoreIdentity returns the identity persisted by a previous run
func (m *Manager) RestoreIdentity(ctx context.Context) (Identity, bool, error) {
	if m.identities == nil {
		return Identity{}, false, nil
	}
	return m.identities.Load(ctx)
}

// Connect establishes the connection and returns once the auth handshake
// succeeded or failed. Missing identity fields are filled from the
// persisted identity; a missing client id is generated.
func (m *Manager) Connect(ctx context.Context, identity Identity) error {
	identity = m.mergeIdentity(ctx, identity)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.identity = identity
	m.autoReconnect = m.config.AutoReconnect
	m.authFailed = false
	m.attempts = 0
	m.cancelReconnectLocked()
	m.mu.Unlock()

	log.Info().
		Str("client_id", identity.ClientID).
		Str("session_id", identity.SessionID).
		Str("role", string(identity.Role)).
		Msg("connecting to coordination service")

	return m.open(ctx)
}

// Reconnect drops any current connection and connects again immediately,
// resetting the attempt counter. It is the way out of ReconnectExhausted and
// of an invalidated session.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.attempts = 0
	m.autoReconnect = m.config.AutoReconnect
	m.authFailed = false
	m.cancelReconnectLocked()
	m.cancelGraceLocked()
	m.mu.Unlock()

	log.Info().Msg("manual reconnect requested")
	return m.open(ctx)
}

// Disconnect closes the connection without scheduling a reconnect
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.intentional = true
	m.cancelReconnectLocked()
	m.cancelGraceLocked()
	wasConnected := m.state != StateDisconnected
	m.teardownLocked(ErrConnectionClosed)
	m.state = StateDisconnected
	m.mu.Unlock()

	if wasConnected {
		log.Info().Msg("disconnected from coordination service")
		m.emit(Disconnected{Intentional: true})
	}
}

// Close disconnects and makes the Manager unusable
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.Disconnect()

	m.handlersMu.Lock()
	m.handlers = nil
	m.handlersMu.Unlock()
	return nil
}

// Send writes msg when authenticated and buffers it otherwise. Buffered
// messages are flushed in order after the next auth_success.
func (m *Manager) Send(msg protocol.Outbound) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state != StateAuthenticated || m.conn == nil || len(m.buffer) > 0 {
		m.bufferLocked(frame)
		m.mu.Unlock()
		return nil
	}
	conn := m.conn
	m.mu.Unlock()

	if err := m.writeFrame(conn, frame); err != nil {
		log.Warn().Err(err).Str("type", string(msg.Type())).Msg("send failed, buffering message")
		m.mu.Lock()
		m.bufferLocked(frame)
		m.mu.Unlock()
		m.emit(Advisory{Err: fmt.Errorf("send %s: %w", msg.Type(), err)})
		_ = conn.Close()
	}
	return nil
}

func (m *Manager) bufferLocked(frame []byte) {
	if limit := m.config.MaxBufferedMessages; limit > 0 && len(m.buffer) >= limit {
		log.Warn().Int("buffered", len(m.buffer)).Msg("send buffer full, dropping oldest message")
		m.buffer = m.buffer[1:]
	}
	m.buffer = append(m.buffer, frame)
}

func (m *Manager) writeFrame(conn Conn, frame []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteMessage(frame)
}

func (m *Manager) mergeIdentity(ctx context.Context, identity Identity) Identity {
	stored, ok, err := m.RestoreIdentity(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("could not restore persisted identity")
	}
	if identity.ClientID == "" {
		if ok && stored.ClientID != "" {
			identity.ClientID = stored.ClientID
		} else {
			identity.ClientID = NewClientID()
		}
	}
	if ok && identity.SessionID == "" && stored.ClientID == identity.ClientID {
		identity.SessionID = stored.SessionID
	}
	if !identity.Role.Valid() {
		if ok && stored.Role.Valid() {
			identity.Role = stored.Role
		} else {
			identity.Role = protocol.RoleViewer
		}
	}
	return identity
}

// open dials a fresh connection and waits for the handshake result
func (m *Manager) open(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.teardownLocked(ErrConnectionClosed)
	m.gen++
	gen := m.gen
	m.state = StateConnecting
	m.intentional = false
	waiter := make(chan error, 1)
	m.waiter = waiter
	m.mu.Unlock()

	dialCtx := ctx
	if m.config.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, m.config.DialTimeout)
		defer cancel()
	}

	conn, err := m.transport.Dial(dialCtx)
	if err != nil {
		m.handleClose(gen, err)
		return fmt.Errorf("failed to connect: %w", err)
	}

	m.mu.Lock()
	if gen != m.gen || m.closed {
		m.mu.Unlock()
		_ = conn.Close()
		return ErrConnectionClosed
	}
	m.conn = conn
	m.lastSeen = m.clock.Now()
	m.mu.Unlock()

	go m.readLoop(gen, conn)

	var authTimeout <-chan time.Time
	if m.config.AuthTimeout > 0 {
		timer := m.clock.NewTimer(m.config.AuthTimeout)
		defer timer.Stop()
		authTimeout = timer.Chan()
	}

	select {
	case err := <-waiter:
		return err
	case <-authTimeout:
		log.Warn().Dur("timeout", m.config.AuthTimeout).Msg("auth handshake timed out")
		_ = conn.Close()
		return fmt.Errorf("%w: auth handshake timed out", ErrConnectionClosed)
	case <-ctx.Done():
		_ = conn.Close()
		return ctx.Err()
	}
}

// teardownLocked drops the current connection without triggering the
// reconnect path; its read loop sees a stale generation.
func (m *Manager) teardownLocked(reason error) {
	m.stopHeartbeatLocked()
	m.signalWaiterLocked(reason)
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.gen++
}

func (m *Manager) signalWaiterLocked(err error) {
	if m.waiter == nil {
		return
	}
	select {
	case m.waiter <- err:
	default:
	}
	m.waiter = nil
}

func (m *Manager) readLoop(gen uint64, conn Conn) {
	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			m.handleClose(gen, err)
			return
		}

		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			return
		}
		m.lastSeen = m.clock.Now()
		m.mu.Unlock()

		msg, err := protocol.DecodeInbound(raw)
		if err != nil {
			log.Warn().Err(err).Msg("discarding malformed frame")
			m.emit(Advisory{Err: err})
			continue
		}
		m.handleInbound(gen, conn, msg)
	}
}

func (m *Manager) handleInbound(gen uint64, conn Conn, msg protocol.Inbound) {
	switch msg := msg.(type) {
	case protocol.Connected:
		m.handleConnected(gen, conn, msg)
	case protocol.AuthSuccess:
		m.handleAuthSuccess(gen, conn, msg)
	case protocol.HeartbeatAck:
		// lastSeen already refreshed
	case protocol.ClearSyncData:
		m.handleClearSyncData(gen, msg)
	case protocol.Error:
		m.handleError(gen, conn, msg)
	case protocol.SessionStateUpdate, protocol.ActionCompleted:
		m.emit(MessageReceived{Message: msg})
	default:
		log.Warn().Str("type", string(msg.Type())).Msg("unhandled inbound message")
	}
}

func (m *Manager) handleConnected(gen uint64, conn Conn, msg protocol.Connected) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.connectionID = msg.ConnectionID
	m.state = StateAuthenticating
	identity := m.identity
	m.mu.Unlock()

	log.Debug().
		Str("connection_id", msg.ConnectionID).
		Msg("transport acknowledged, authenticating")

	frame, err := protocol.Encode(protocol.Auth{
		SessionID: identity.SessionID,
		ClientID:  identity.ClientID,
		Role:      identity.Role,
	})
	if err == nil {
		err = m.writeFrame(conn, frame)
	}
	if err != nil {
		log.Error().Err(err).Msg("failed to send auth")
		_ = conn.Close()
	}
}

func (m *Manager) handleAuthSuccess(gen uint64, conn Conn, msg protocol.AuthSuccess) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.identity.SessionID = msg.SessionID
	if msg.ClientID != "" {
		m.identity.ClientID = msg.ClientID
	}
	if msg.Role.Valid() {
		m.identity.Role = msg.Role
	}
	identity := m.identity
	connectionID := m.connectionID
	m.state = StateAuthenticated
	m.attempts = 0
	m.startHeartbeatLocked(gen, conn)
	waiter := m.waiter
	m.waiter = nil
	m.mu.Unlock()

	if m.identities != nil {
		if err := m.identities.Save(context.Background(), identity); err != nil {
			log.Error().Err(err).Msg("failed to persist identity")
		}
	}

	m.flushBuffer(gen, conn)

	log.Info().
		Str("session_id", identity.SessionID).
		Str("client_id", identity.ClientID).
		Str("connection_id", connectionID).
		Bool("is_reconnect", msg.IsReconnect).
		Msg("authenticated")

	m.emit(Authenticated{
		Identity:     identity,
		ConnectionID: connectionID,
		IsReconnect:  msg.IsReconnect,
		ServerTime:   protocol.FromMillis(msg.ServerTime),
	})

	if waiter != nil {
		waiter <- nil
	}
}

func (m *Manager) handleError(gen uint64, conn Conn, msg protocol.Error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	if m.state == StateAuthenticated {
		m.mu.Unlock()
		log.Warn().Str("message", msg.Message).Msg("coordination service reported an error")
		m.emit(MessageReceived{Message: msg})
		return
	}
	m.authFailed = true
	m.signalWaiterLocked(fmt.Errorf("%w: %s", ErrAuthFailed, msg.Message))
	m.mu.Unlock()

	log.Error().Str("message", msg.Message).Msg("auth rejected")
	m.emit(AuthFailed{Message: msg.Message})
	_ = conn.Close()
}

func (m *Manager) handleClearSyncData(gen uint64, msg protocol.ClearSyncData) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.autoReconnect = false
	m.identity.SessionID = ""
	m.signalWaiterLocked(fmt.Errorf("%w: %s", ErrSessionInvalidated, msg.Reason))
	m.cancelGraceLocked()
	seq := m.graceSeq
	m.graceTimer = m.clock.AfterFunc(m.config.InvalidationGrace, func() {
		m.graceExpired(seq, gen)
	})
	m.mu.Unlock()

	if m.identities != nil {
		if err := m.identities.Clear(context.Background()); err != nil {
			log.Error().Err(err).Msg("failed to wipe persisted identity")
		}
	}

	log.Warn().
		Str("reason", msg.Reason).
		Str("message", msg.Message).
		Msg("session invalidated by coordination service")

	m.emit(SessionInvalidated{Reason: msg.Reason, Message: msg.Message})
}

func (m *Manager) graceExpired(seq, gen uint64) {
	m.mu.Lock()
	if seq != m.graceSeq {
		m.mu.Unlock()
		return
	}
	m.graceTimer = nil
	var conn Conn
	if gen == m.gen {
		conn = m.conn
	}
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

func (m *Manager) cancelGraceLocked() {
	m.graceSeq++
	if m.graceTimer != nil {
		m.graceTimer.Stop()
		m.graceTimer = nil
	}
}

// handleClose runs once per generation when the connection fails or closes
func (m *Manager) handleClose(gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.stopHeartbeatLocked()
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.gen++
	m.state = StateDisconnected
	m.signalWaiterLocked(fmt.Errorf("%w: %v", ErrConnectionClosed, cause))

	intentional := m.intentional
	var (
		attempt   int
		delay     time.Duration
		exhausted bool
	)
	if !intentional && !m.closed && m.autoReconnect && !m.authFailed {
		if m.attempts < m.config.MaxReconnectAttempts {
			m.attempts++
			attempt = m.attempts
			delay = time.Duration(attempt) * m.config.ReconnectBaseDelay
			m.state = StateReconnecting
			m.scheduleReconnectLocked(delay)
		} else {
			exhausted = true
		}
	}
	attempts := m.attempts
	m.mu.Unlock()

	log.Warn().Err(cause).Bool("intentional", intentional).Msg("connection lost")
	m.emit(Disconnected{Err: cause, Intentional: intentional})

	switch {
	case attempt > 0:
		log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnect scheduled")
		m.emit(Reconnecting{Attempt: attempt, Delay: delay})
	case exhausted:
		log.Error().Int("attempts", attempts).Msg("reconnect attempts exhausted, staying disconnected")
		m.emit(ReconnectExhausted{Attempts: attempts})
	}
}

func (m *Manager) scheduleReconnectLocked(delay time.Duration) {
	m.cancelReconnectLocked()
	seq := m.reconnectSeq
	m.reconnectTimer = m.clock.AfterFunc(delay, func() {
		m.reconnectDue(seq)
	})
}

func (m *Manager) cancelReconnectLocked() {
	m.reconnectSeq++
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

func (m *Manager) reconnectDue(seq uint64) {
	m.mu.Lock()
	if seq != m.reconnectSeq || m.closed || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.reconnectTimer = nil
	m.mu.Unlock()

	if err := m.open(context.Background()); err != nil {
		log.Debug().Err(err).Msg("reconnect attempt failed")
	}
}

func (m *Manager) startHeartbeatLocked(gen uint64, conn Conn) {
	m.stopHeartbeatLocked()
	if m.config.HeartbeatInterval <= 0 {
		return
	}
	stop := make(chan struct{})
	m.heartbeatStop = stop
	ticker := m.clock.NewTicker(m.config.HeartbeatInterval)
	go m.heartbeatLoop(gen, conn, ticker, stop)
}

func (m *Manager) stopHeartbeatLocked() {
	if m.heartbeatStop != nil {
		close(m.heartbeatStop)
		m.heartbeatStop = nil
	}
}

func (m *Manager) heartbeatLoop(gen uint64, conn Conn, ticker clockwork.Ticker, stop chan struct{}) {
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			m.mu.Lock()
			if gen != m.gen {
				m.mu.Unlock()
				return
			}
			silence := m.clock.Since(m.lastSeen)
			clientID := m.identity.ClientID
			m.mu.Unlock()

			if m.config.HeartbeatTimeout > 0 && silence > m.config.HeartbeatTimeout {
				log.Warn().Dur("silence", silence).Msg("no traffic from coordination service, closing connection")
				_ = conn.Close()
				return
			}

			now := m.clock.Now()
			if m.timeSource != nil {
				now = m.timeSource.Now()
			}
			frame, err := protocol.Encode(protocol.Heartbeat{ClientID: clientID, Timestamp: protocol.Millis(now)})
			if err == nil {
				err = m.writeFrame(conn, frame)
			}
			if err != nil {
				log.Warn().Err(err).Msg("failed to send heartbeat")
				_ = conn.Close()
				return
			}
		}
	}
}

// flushBuffer writes buffered frames in order. A frame leaves the buffer
// only after it was written, so a failed flush resumes at the same frame.
func (m *Manager) flushBuffer(gen uint64, conn Conn) {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()

	flushed := 0
	for {
		m.mu.Lock()
		if gen != m.gen || len(m.buffer) == 0 {
			m.mu.Unlock()
			break
		}
		frame := m.buffer[0]
		m.mu.Unlock()

		if err := m.writeFrame(conn, frame); err != nil {
			log.Warn().Err(err).Int("remaining", m.BufferedCount()).Msg("flush of buffered messages interrupted")
			_ = conn.Close()
			return
		}

		m.mu.Lock()
		if len(m.buffer) > 0 {
			m.buffer = m.buffer[1:]
		}
		m.mu.Unlock()
		flushed++
	}

	if flushed > 0 {
		log.Debug().Int("count", flushed).Msg("flushed buffered messages")
	}
}
