package session

import (
	"github.com/mcdev12/expsync/go/internal/connection"
	"github.com/mcdev12/expsync/go/internal/logqueue"
	"github.com/mcdev12/expsync/go/internal/progression"
)

// NotificationKind says what prompted a notification
type NotificationKind string

const (
	NotifyProgress    NotificationKind = "progress"
	NotifyConnection  NotificationKind = "connection"
	NotifyInvalidated NotificationKind = "session_invalidated"
	NotifyError       NotificationKind = "error"
)

// Snapshot is everything a UI needs to render the client's state
type Snapshot struct {
	ExperimentID      string
	RunActive         bool
	Connection        connection.State
	Identity          connection.Identity
	Progress          progression.Snapshot
	Logs              logqueue.Stats
	ClockSynchronized bool
	// Invalidated is set once the service ended the session, until the
	// next successful auth
	Invalidated *connection.SessionInvalidated
}

// Notification is delivered to the UI layer
type Notification struct {
	Kind     NotificationKind
	Change   *progression.Change // set for NotifyProgress
	Snapshot Snapshot
}

// Notifier receives state-change notifications. Notify is called on the
// goroutine that caused the change and must not block.
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }
