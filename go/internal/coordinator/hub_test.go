package coordinator

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mcdev12/expsync/go/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func newTestServer(t *testing.T) (*httptest.Server, *Hub, *MemorySink) {
	t.Helper()
	hub := NewHub(DefaultHubConfig(), nil)
	sink := NewMemorySink()
	srv := httptest.NewServer(NewServer(hub, sink, nil, DefaultServerConfig()).Handler())
	t.Cleanup(srv.Close)
	return srv, hub, sink
}

func dial(t *testing.T, srv *httptest.Server) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	c := &wsClient{t: t, conn: conn}
	expect[protocol.Connected](c)
	return c
}

func (c *wsClient) send(msg protocol.Outbound) {
	c.t.Helper()
	frame, err := protocol.Encode(msg)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, frame))
}

func (c *wsClient) next() protocol.Inbound {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := c.conn.ReadMessage()
	require.NoError(c.t, err)
	msg, err := protocol.DecodeInbound(raw)
	require.NoError(c.t, err)
	return msg
}

func expect[T protocol.Inbound](c *wsClient) T {
	c.t.Helper()
	msg := c.next()
	typed, ok := msg.(T)
	require.Truef(c.t, ok, "unexpected message %T: %+v", msg, msg)
	return typed
}

// auth authenticates and consumes the auth_success and initial state frames
func (c *wsClient) auth(sessionID, clientID string, role protocol.Role) protocol.AuthSuccess {
	c.t.Helper()
	c.send(protocol.Auth{SessionID: sessionID, ClientID: clientID, Role: role})
	ok := expect[protocol.AuthSuccess](c)
	state := expect[protocol.SessionStateUpdate](c)
	require.Equal(c.t, ok.SessionID, state.SessionID)
	return ok
}

func TestHub_AuthCreatesSession(t *testing.T) {
	t.Parallel()
	srv, hub, _ := newTestServer(t)

	c := dial(t, srv)
	ok := c.auth("", "", protocol.RoleOperator)

	assert.NotEmpty(t, ok.SessionID)
	assert.NotEmpty(t, ok.ClientID)
	assert.Equal(t, protocol.RoleOperator, ok.Role)
	assert.False(t, ok.IsReconnect)
	assert.NotZero(t, ok.ServerTime)

	_, err := hub.SessionState(ok.SessionID)
	require.NoError(t, err)
}

func TestHub_ReconnectIsFlagged(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t)

	first := dial(t, srv).auth("", "client-1", protocol.RoleViewer)
	assert.Equal(t, "client-1", first.ClientID)

	second := dial(t, srv).auth(first.SessionID, "client-1", protocol.RoleViewer)
	assert.True(t, second.IsReconnect)
	assert.Equal(t, first.SessionID, second.SessionID)

	third := dial(t, srv).auth(first.SessionID, "client-2", protocol.RoleViewer)
	assert.False(t, third.IsReconnect)
}

func TestHub_AuthErrors(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t)

	c := dial(t, srv)
	c.send(protocol.Heartbeat{ClientID: "x"})
	assert.Equal(t, "authenticate first", expect[protocol.Error](c).Message)

	c.send(protocol.Auth{SessionID: "missing", ClientID: "x", Role: protocol.RoleViewer})
	cleared := expect[protocol.ClearSyncData](c)
	assert.Equal(t, "session_not_found", cleared.Reason)
	assert.Contains(t, cleared.Message, "unknown session")

	c.send(protocol.Auth{ClientID: "x", Role: "admin"})
	assert.Contains(t, expect[protocol.Error](c).Message, "invalid role")
}

func TestHub_HeartbeatAndMalformedFrames(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t)

	c := dial(t, srv)
	c.auth("", "", protocol.RoleViewer)

	c.send(protocol.Heartbeat{ClientID: "x", Timestamp: 1})
	assert.NotZero(t, expect[protocol.HeartbeatAck](c).Timestamp)

	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`)))
	assert.Equal(t, "malformed message", expect[protocol.Error](c).Message)

	// the connection survives a malformed frame
	c.send(protocol.Heartbeat{ClientID: "x", Timestamp: 2})
	expect[protocol.HeartbeatAck](c)
}

func TestHub_StateUpdateFanOut(t *testing.T) {
	t.Parallel()
	srv, hub, _ := newTestServer(t)

	operator := dial(t, srv)
	op := operator.auth("", "op", protocol.RoleOperator)
	viewer := dial(t, srv)
	viewer.auth(op.SessionID, "view", protocol.RoleViewer)

	operator.send(protocol.StateUpdate{
		SessionID: op.SessionID,
		ClientID:  "op",
		State: protocol.SessionState{
			ExperimentID:       "exp-1",
			RunActive:          true,
			CompletedActionIDs: []string{"a1"},
		},
	})

	update := expect[protocol.SessionStateUpdate](viewer)
	assert.Equal(t, "exp-1", update.State.ExperimentID)
	assert.True(t, update.State.RunActive)
	assert.Equal(t, []string{"a1"}, update.State.CompletedActionIDs)
	assert.Equal(t, "op", update.State.UpdatedBy)
	assert.NotZero(t, update.State.UpdatedAt)

	state, err := hub.SessionState(op.SessionID)
	require.NoError(t, err)
	assert.True(t, state.RunActive)

	viewer.send(protocol.StateUpdate{SessionID: op.SessionID, State: protocol.SessionState{}})
	assert.Contains(t, expect[protocol.Error](viewer).Message, "read-only")

	// a late joiner receives the current state on auth
	late := dial(t, srv)
	late.send(protocol.Auth{SessionID: op.SessionID, ClientID: "late", Role: protocol.RoleViewer})
	expect[protocol.AuthSuccess](late)
	initial := expect[protocol.SessionStateUpdate](late)
	assert.Equal(t, []string{"a1"}, initial.State.CompletedActionIDs)
}

func TestHub_StepRewindReachesCurrentClientsOnly(t *testing.T) {
	t.Parallel()
	srv, hub, _ := newTestServer(t)

	operator := dial(t, srv)
	op := operator.auth("", "op", protocol.RoleOperator)
	viewer := dial(t, srv)
	viewer.auth(op.SessionID, "view", protocol.RoleViewer)

	operator.send(protocol.StateUpdate{
		SessionID: op.SessionID,
		ClientID:  "op",
		State: protocol.SessionState{
			ExperimentID:       "exp-1",
			RunActive:          true,
			CompletedActionIDs: []string{},
			CancelledStepID:    "s1",
		},
	})
	update := expect[protocol.SessionStateUpdate](viewer)
	assert.Equal(t, "s1", update.State.CancelledStepID)

	state, err := hub.SessionState(op.SessionID)
	require.NoError(t, err)
	assert.Empty(t, state.CancelledStepID)

	viewer.send(protocol.ActionCompleted{ActionID: "a1", StepID: "s1", Timestamp: 1})
	expect[protocol.ActionCompleted](operator)

	// the operator's reconnect gets the completed set without the rewind
	again := dial(t, srv)
	again.send(protocol.Auth{SessionID: op.SessionID, ClientID: "op", Role: protocol.RoleOperator})
	assert.True(t, expect[protocol.AuthSuccess](again).IsReconnect)
	initial := expect[protocol.SessionStateUpdate](again)
	assert.Empty(t, initial.State.CancelledStepID)
	assert.Equal(t, []string{"a1"}, initial.State.CompletedActionIDs)
}

func TestHub_ActionCompletedRelay(t *testing.T) {
	t.Parallel()
	srv, hub, _ := newTestServer(t)

	operator := dial(t, srv)
	op := operator.auth("", "op", protocol.RoleOperator)
	viewer := dial(t, srv)
	viewer.auth(op.SessionID, "view", protocol.RoleViewer)

	viewer.send(protocol.ActionCompleted{ActionID: "a1", StepID: "s1", Timestamp: 42})

	relayed := expect[protocol.ActionCompleted](operator)
	assert.Equal(t, "a1", relayed.ActionID)
	assert.Equal(t, "s1", relayed.StepID)
	assert.Equal(t, protocol.RoleViewer, relayed.SourceRole)
	assert.Equal(t, "view", relayed.ClientID)
	assert.Equal(t, op.SessionID, relayed.SessionID)
	assert.EqualValues(t, 42, relayed.Timestamp)

	// a duplicate completion is relayed but recorded once
	viewer.send(protocol.ActionCompleted{ActionID: "a1", Timestamp: 43})
	expect[protocol.ActionCompleted](operator)

	state, err := hub.SessionState(op.SessionID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, state.CompletedActionIDs)
}

func TestHub_EndSession(t *testing.T) {
	t.Parallel()
	srv, hub, _ := newTestServer(t)

	c := dial(t, srv)
	ok := c.auth("", "client-1", protocol.RoleOperator)

	require.NoError(t, hub.EndSession(ok.SessionID, ""))
	cleared := expect[protocol.ClearSyncData](c)
	assert.Equal(t, reasonSessionEnded, cleared.Reason)

	again := dial(t, srv)
	again.send(protocol.Auth{SessionID: ok.SessionID, ClientID: "client-1", Role: protocol.RoleOperator})
	expect[protocol.ClearSyncData](again)

	require.ErrorIs(t, hub.EndSession(ok.SessionID, ""), ErrUnknownSession)
	_, err := hub.SessionState(ok.SessionID)
	require.ErrorIs(t, err, ErrUnknownSession)
}

func TestHub_Stats(t *testing.T) {
	t.Parallel()
	srv, hub, _ := newTestServer(t)

	ok := dial(t, srv).auth("", "", protocol.RoleOperator)
	dial(t, srv).auth(ok.SessionID, "", protocol.RoleViewer)

	stats := hub.Stats()
	assert.Equal(t, 2, stats["total_connections"])
	assert.Equal(t, 1, stats["active_sessions"])
}
