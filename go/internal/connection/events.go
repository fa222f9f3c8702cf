package connection

import (
	"time"

	"github.com/mcdev12/expsync/go/internal/protocol"
)

// State is the lifecycle state of the Manager's logical connection
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateAuthenticated
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Event is emitted by the Manager to its handlers
type Event interface {
	isEvent()
}

// Handler receives Manager events. Handlers run on the Manager's goroutines
// and must not block.
type Handler func(Event)

// Authenticated is emitted after auth_success. IsReconnect is the server's
// verdict on whether the client was already part of the session.
type Authenticated struct {
	Identity     Identity
	ConnectionID string
	IsReconnect  bool
	ServerTime   time.Time
}

// Disconnected is emitted whenever the connection goes away
type Disconnected struct {
	Err         error
	Intentional bool
}

// Reconnecting is emitted when a reconnect attempt is scheduled
type Reconnecting struct {
	Attempt int
	Delay   time.Duration
}

// ReconnectExhausted is emitted once the attempt cap is hit. The Manager
// stays disconnected until Reconnect is called.
type ReconnectExhausted struct {
	Attempts int
}

// AuthFailed is emitted when the service rejects the auth request
type AuthFailed struct {
	Message string
}

// SessionInvalidated is emitted on clear_sync_data. The persisted identity
// has already been wiped and auto-reconnect is off.
type SessionInvalidated struct {
	Reason  string
	Message string
}

// MessageReceived carries application messages to dependents
type MessageReceived struct {
	Message protocol.Inbound
}

// Advisory reports a non-fatal problem (malformed frame, failed write)
type Advisory struct {
	Err error
}

func (Authenticated) isEvent()      {}
func (Disconnected) isEvent()       {}
func (Reconnecting) isEvent()       {}
func (ReconnectExhausted) isEvent() {}
func (AuthFailed) isEvent()         {}
func (SessionInvalidated) isEvent() {}
func (MessageReceived) isEvent()    {}
func (Advisory) isEvent()           {}
