package protocol

import (
	"encoding/json"
	"time"
)

// MessageType is the "type" discriminator of a wire envelope
type MessageType string

const (
	// Sent by the coordination service
	TypeConnected          MessageType = "connected"
	TypeAuthSuccess        MessageType = "auth_success"
	TypeHeartbeatAck       MessageType = "heartbeat_ack"
	TypeSessionStateUpdate MessageType = "session_state_update"
	TypeClearSyncData      MessageType = "clear_sync_data"
	TypeError              MessageType = "error"

	// Sent by clients
	TypeAuth        MessageType = "auth"
	TypeHeartbeat   MessageType = "heartbeat"
	TypeStateUpdate MessageType = "state_update"

	// Relayed peer to peer through the coordination service
	TypeActionCompleted MessageType = "action_completed"
)

// Envelope is the transport-agnostic frame for every message
type Envelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Role decides whether a client may mutate shared session state
type Role string

const (
	RoleOperator Role = "operator"
	RoleViewer   Role = "viewer"
)

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	return r == RoleOperator || r == RoleViewer
}

// CanMutate reports whether the role may change shared session state
func (r Role) CanMutate() bool {
	return r == RoleOperator
}

// Message is implemented by every wire message
type Message interface {
	Type() MessageType
}

// Inbound is a message a client receives. The set is closed: only types in
// this package implement it.
type Inbound interface {
	Message
	isInbound()
}

// Outbound is a message a client sends.
type Outbound interface {
	Message
	isOutbound()
}

// Connected is the transport-level acknowledgment sent before auth
type Connected struct {
	ConnectionID string `json:"connectionId"`
}

// AuthSuccess confirms the identity the client is attached to
type AuthSuccess struct {
	SessionID   string `json:"sessionId"`
	ClientID    string `json:"clientId"`
	Role        Role   `json:"role"`
	IsReconnect bool   `json:"isReconnect"`
	ServerTime  int64  `json:"serverTime"`
}

// HeartbeatAck answers a Heartbeat
type HeartbeatAck struct {
	Timestamp int64 `json:"timestamp,omitempty"`
}

// SessionState is the authoritative shared state of a session.
// CancelledStepID names a step the operator rewound in this update; its
// actions are absent from CompletedActionIDs.
type SessionState struct {
	ExperimentID       string   `json:"experimentId"`
	RunActive          bool     `json:"runActive"`
	CompletedActionIDs []string `json:"completedActionIds"`
	CancelledStepID    string   `json:"cancelledStepId,omitempty"`
	UpdatedBy          string   `json:"updatedBy,omitempty"`
	UpdatedAt          int64    `json:"updatedAt,omitempty"`
}

// SessionStateUpdate pushes the latest SessionState to clients
type SessionStateUpdate struct {
	SessionID string       `json:"sessionId"`
	State     SessionState `json:"state"`
}

// ClearSyncData tells the client its session no longer exists
type ClearSyncData struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// Error reports a server-side failure. Before auth it means auth failed.
type Error struct {
	Message string `json:"message"`
}

// Auth requests attachment to a session. An empty SessionID asks the
// service to create one.
type Auth struct {
	SessionID string `json:"sessionId"`
	ClientID  string `json:"clientId"`
	Role      Role   `json:"role"`
}

// Heartbeat keeps the connection alive
type Heartbeat struct {
	ClientID  string `json:"clientId"`
	Timestamp int64  `json:"timestamp"`
}

// StateUpdate replaces the shared session state. Operators only.
type StateUpdate struct {
	SessionID string       `json:"sessionId"`
	ClientID  string       `json:"clientId"`
	State     SessionState `json:"state"`
}

// ActionCompleted announces that a client completed an action
type ActionCompleted struct {
	SessionID  string `json:"sessionId,omitempty"`
	ClientID   string `json:"clientId,omitempty"`
	ActionID   string `json:"actionId"`
	StepID     string `json:"stepId,omitempty"`
	SourceRole Role   `json:"sourceRole"`
	Timestamp  int64  `json:"timestamp"`
}

func (Connected) Type() MessageType          { return TypeConnected }
func (AuthSuccess) Type() MessageType        { return TypeAuthSuccess }
func (HeartbeatAck) Type() MessageType       { return TypeHeartbeatAck }
func (SessionStateUpdate) Type() MessageType { return TypeSessionStateUpdate }
func (ClearSyncData) Type() MessageType      { return TypeClearSyncData }
func (Error) Type() MessageType              { return TypeError }
func (Auth) Type() MessageType               { return TypeAuth }
func (Heartbeat) Type() MessageType          { return TypeHeartbeat }
func (StateUpdate) Type() MessageType        { return TypeStateUpdate }
func (ActionCompleted) Type() MessageType    { return TypeActionCompleted }

func (Connected) isInbound()          {}
func (AuthSuccess) isInbound()        {}
func (HeartbeatAck) isInbound()       {}
func (SessionStateUpdate) isInbound() {}
func (ClearSyncData) isInbound()      {}
func (Error) isInbound()              {}
func (ActionCompleted) isInbound()    {}

func (Auth) isOutbound()            {}
func (Heartbeat) isOutbound()       {}
func (StateUpdate) isOutbound()     {}
func (ActionCompleted) isOutbound() {}

// Millis converts t to epoch milliseconds, the wire time unit
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// FromMillis converts epoch milliseconds to a UTC time
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
