package coordinator

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/expsync/go/internal/protocol"
	"github.com/rs/zerolog/log"
)

var ErrUnknownSession = errors.New("unknown session")

const (
	reasonSessionEnded    = "session_ended"
	reasonSessionNotFound = "session_not_found"
)

// HubConfig holds configuration for client connections
type HubConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration // must exceed the client heartbeat interval
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBufferSize  int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultHubConfig returns default connection configuration
func DefaultHubConfig() HubConfig {
	return HubConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     90 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  64 * 1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBufferSize:  256,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// Hub owns every session and the clients attached to them
type Hub struct {
	config   HubConfig
	upgrader websocket.Upgrader
	clock    clockwork.Clock

	mu       sync.RWMutex
	sessions map[string]*session
	ended    map[string]string
}

type session struct {
	id      string
	state   protocol.SessionState
	members map[string]protocol.Role // every client id that ever authenticated
	clients map[*Client]struct{}
}

// Client is one websocket connection
type Client struct {
	ID   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu        sync.Mutex
	closed    bool
	authed    bool
	clientID  string
	sessionID string
	role      protocol.Role
}

func NewHub(config HubConfig, clock clockwork.Clock) *Hub {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Hub{
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		clock:    clock,
		sessions: make(map[string]*session),
		ended:    make(map[string]string),
	}
}

// ServeHTTP upgrades the request and starts the client's pumps
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade websocket connection")
		return
	}

	c := &Client{
		ID:   uuid.NewString(),
		hub:  h,
		conn: conn,
		send: make(chan []byte, h.config.SendBufferSize),
	}

	go c.writePump()
	go c.readPump()

	log.Info().Str("connection_id", c.ID).Str("remote", r.RemoteAddr).Msg("websocket connection established")
	c.enqueue(protocol.Connected{ConnectionID: c.ID})
}

// CreateSession opens an empty session and returns its id
func (h *Hub) CreateSession() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.createSessionLocked().id
}

func (h *Hub) createSessionLocked() *session {
	s := &session{
		id:      uuid.NewString(),
		members: make(map[string]protocol.Role),
		clients: make(map[*Client]struct{}),
	}
	h.sessions[s.id] = s
	log.Info().Str("session_id", s.id).Msg("session created")
	return s
}

// SessionState returns a copy of a session's state
func (h *Hub) SessionState(sessionID string) (protocol.SessionState, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[sessionID]
	if !ok {
		return protocol.SessionState{}, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	return copyState(s.state), nil
}

// EndSession tells every attached client to discard its identity. Later
// auth attempts against the session get clear_sync_data as well.
func (h *Hub) EndSession(sessionID, reason string) error {
	if reason == "" {
		reason = reasonSessionEnded
	}

	h.mu.Lock()
	s, ok := h.sessions[sessionID]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	delete(h.sessions, sessionID)
	h.ended[sessionID] = reason
	targets := clientsOf(s, nil)
	h.mu.Unlock()

	for _, c := range targets {
		c.enqueue(protocol.ClearSyncData{Reason: reason, Message: "session has ended"})
	}

	log.Info().
		Str("session_id", sessionID).
		Str("reason", reason).
		Int("clients", len(targets)).
		Msg("session ended")
	return nil
}

// Stats returns connection counts
func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()

	total := 0
	perSession := make(map[string]int, len(h.sessions))
	for id, s := range h.sessions {
		perSession[id] = len(s.clients)
		total += len(s.clients)
	}
	return map[string]any{
		"total_connections": total,
		"active_sessions":   len(h.sessions),
		"ended_sessions":    len(h.ended),
		"session_clients":   perSession,
	}
}

func (h *Hub) handle(c *Client, msg protocol.Outbound) {
	if auth, ok := msg.(protocol.Auth); ok {
		h.authenticate(c, auth)
		return
	}
	if !c.isAuthed() {
		c.enqueue(protocol.Error{Message: "authenticate first"})
		return
	}

	switch msg := msg.(type) {
	case protocol.Heartbeat:
		c.enqueue(protocol.HeartbeatAck{Timestamp: protocol.Millis(h.clock.Now())})
	case protocol.StateUpdate:
		h.updateState(c, msg)
	case protocol.ActionCompleted:
		h.relayCompletion(c, msg)
	default:
		log.Warn().Str("connection_id", c.ID).Str("type", string(msg.Type())).Msg("unhandled client message")
	}
}

func (h *Hub) authenticate(c *Client, msg protocol.Auth) {
	if !msg.Role.Valid() {
		c.enqueue(protocol.Error{Message: fmt.Sprintf("invalid role %q", msg.Role)})
		return
	}

	h.mu.Lock()
	if reason, ended := h.ended[msg.SessionID]; ended {
		h.mu.Unlock()
		c.enqueue(protocol.ClearSyncData{Reason: reason, Message: "session has ended"})
		return
	}

	var s *session
	if msg.SessionID == "" {
		s = h.createSessionLocked()
	} else if s = h.sessions[msg.SessionID]; s == nil {
		// sessions live in memory, so this is also what every client sees
		// after a coordinator restart
		h.mu.Unlock()
		log.Info().Str("connection_id", c.ID).Str("session_id", msg.SessionID).Msg("auth for unknown session, clearing client")
		c.enqueue(protocol.ClearSyncData{Reason: reasonSessionNotFound, Message: fmt.Sprintf("%s: %s", ErrUnknownSession, msg.SessionID)})
		return
	}

	clientID := msg.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	_, isReconnect := s.members[clientID]
	s.members[clientID] = msg.Role
	s.clients[c] = struct{}{}
	state := copyState(s.state)
	h.mu.Unlock()

	c.mu.Lock()
	if c.authed && c.sessionID != s.id {
		// re-auth on the same connection moves it between sessions
		h.detach(c.sessionID, c)
	}
	c.authed = true
	c.clientID = clientID
	c.sessionID = s.id
	c.role = msg.Role
	c.mu.Unlock()

	log.Info().
		Str("connection_id", c.ID).
		Str("session_id", s.id).
		Str("client_id", clientID).
		Str("role", string(msg.Role)).
		Bool("is_reconnect", isReconnect).
		Msg("client authenticated")

	c.enqueue(protocol.AuthSuccess{
		SessionID:   s.id,
		ClientID:    clientID,
		Role:        msg.Role,
		IsReconnect: isReconnect,
		ServerTime:  protocol.Millis(h.clock.Now()),
	})
	c.enqueue(protocol.SessionStateUpdate{SessionID: s.id, State: state})
}

func (h *Hub) updateState(c *Client, msg protocol.StateUpdate) {
	clientID, sessionID, role := c.identity()
	if !role.CanMutate() {
		c.enqueue(protocol.Error{Message: "read-only role cannot update session state"})
		return
	}

	h.mu.Lock()
	s, ok := h.sessions[sessionID]
	if !ok {
		h.mu.Unlock()
		c.enqueue(protocol.Error{Message: fmt.Sprintf("%s: %s", ErrUnknownSession, sessionID)})
		return
	}
	state := copyState(msg.State)
	state.UpdatedBy = clientID
	state.UpdatedAt = protocol.Millis(h.clock.Now())
	// a step rewind reaches current clients only; later auths see the
	// resulting completed set
	s.state = copyState(state)
	s.state.CancelledStepID = ""
	targets := clientsOf(s, c)
	h.mu.Unlock()

	update := protocol.SessionStateUpdate{SessionID: sessionID, State: state}
	for _, t := range targets {
		t.enqueue(update)
	}

	log.Debug().
		Str("session_id", sessionID).
		Bool("run_active", state.RunActive).
		Int("completed", len(state.CompletedActionIDs)).
		Int("recipients", len(targets)).
		Msg("session state updated")
}

func (h *Hub) relayCompletion(c *Client, msg protocol.ActionCompleted) {
	clientID, sessionID, role := c.identity()

	h.mu.Lock()
	s, ok := h.sessions[sessionID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if !slices.Contains(s.state.CompletedActionIDs, msg.ActionID) {
		s.state.CompletedActionIDs = append(s.state.CompletedActionIDs, msg.ActionID)
		s.state.UpdatedBy = clientID
		s.state.UpdatedAt = protocol.Millis(h.clock.Now())
	}
	targets := clientsOf(s, c)
	h.mu.Unlock()

	msg.SessionID = sessionID
	msg.ClientID = clientID
	msg.SourceRole = role
	for _, t := range targets {
		t.enqueue(msg)
	}

	log.Debug().
		Str("session_id", sessionID).
		Str("action_id", msg.ActionID).
		Str("source_role", string(role)).
		Int("recipients", len(targets)).
		Msg("action completion relayed")
}

func (h *Hub) detach(sessionID string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.sessions[sessionID]; ok {
		delete(s.clients, c)
	}
}

func (h *Hub) unregister(c *Client) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	sessionID := c.sessionID
	c.mu.Unlock()

	h.detach(sessionID, c)
	log.Info().Str("connection_id", c.ID).Str("session_id", sessionID).Msg("connection unregistered")
}

func clientsOf(s *session, except *Client) []*Client {
	out := make([]*Client, 0, len(s.clients))
	for c := range s.clients {
		if c != except {
			out = append(out, c)
		}
	}
	return out
}

func copyState(state protocol.SessionState) protocol.SessionState {
	state.CompletedActionIDs = append([]string{}, state.CompletedActionIDs...)
	return state
}
