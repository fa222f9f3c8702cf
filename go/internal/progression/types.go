package progression

import (
	"errors"

	"github.com/mcdev12/expsync/go/internal/protocol"
)

var (
	ErrEmptySequence = errors.New("sequence is empty")
	ErrRunInactive   = errors.New("run is not active")
	ErrDuplicateID   = errors.New("duplicate action id")
	ErrUnknownAction = errors.New("unknown action")
	ErrUnknownStep   = errors.New("unknown step")
	ErrNotInProgress = errors.New("progression not in progress")
	ErrInvalidAction = errors.New("invalid action")
)

// Action is one scripted unit of progress
type Action struct {
	ID              string `json:"actionId" yaml:"actionId"`
	StepID          string `json:"stepId" yaml:"stepId"`
	ExpectedTrigger string `json:"expectedTrigger,omitempty" yaml:"expectedTrigger,omitempty"`
	NextActionID    string `json:"nextActionId,omitempty" yaml:"nextActionId,omitempty"`
}

// Status is the state of the progression state machine
type Status string

const (
	StatusIdle       Status = "idle"
	StatusInProgress Status = "in-progress"
	StatusComplete   Status = "complete"
)

// Origin records where a completion came from
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// ChangeKind describes an applied transition
type ChangeKind string

const (
	ChangeInitialized   ChangeKind = "initialized"
	ChangeCompleted     ChangeKind = "action_completed"
	ChangeStepCancelled ChangeKind = "step_cancelled"
	ChangeReset         ChangeKind = "reset"
)

// Change is delivered to listeners once per applied transition
type Change struct {
	Kind     ChangeKind
	ActionID string
	StepID   string
	Origin   Origin
	Snapshot Snapshot
}

// Snapshot is a consistent view of the machine
type Snapshot struct {
	Status    Status
	Cursor    int
	Total     int
	Completed []string
	Current   *Action
}

// Listener receives changes. Listeners run outside the machine's lock.
type Listener func(Change)

// RemoteCompletion is a completion reported by a peer
type RemoteCompletion struct {
	ActionID   string
	SourceRole protocol.Role
}
