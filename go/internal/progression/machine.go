package progression

import (
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/expsync/go/internal/connection"
	"github.com/mcdev12/expsync/go/internal/protocol"
	"github.com/rs/zerolog/log"
)

// Peer publishes local completions to the other clients of the session.
// *connection.Manager satisfies it.
type Peer interface {
	Send(msg protocol.Outbound) error
	Identity() connection.Identity
}

// TimeSource stamps published completions. *clocksync.Estimator satisfies it.
type TimeSource interface {
	Now() time.Time
}

// Config holds the machine's tunables
type Config struct {
	// DedupWindow suppresses raw remote repeats of the same action
	DedupWindow time.Duration
}

func DefaultConfig() Config {
	return Config{DedupWindow: 500 * time.Millisecond}
}

type Option func(*Machine)

// WithClock sets the clock the dedup window is measured on
func WithClock(clock clockwork.Clock) Option {
	return func(m *Machine) { m.clock = clock }
}

// Machine advances a scripted action sequence, applying each completion
// exactly once no matter how many times or from where it arrives.
type Machine struct {
	peer  Peer
	times TimeSource
	clock clockwork.Clock
	dedup *Deduper

	mu        sync.Mutex
	status    Status
	sequence  []Action
	positions map[string]int
	completed map[string]struct{}
	cursor    int
	listeners []Listener
}

// NewMachine creates an idle machine. peer and times may be nil; without a
// peer nothing is published.
func NewMachine(peer Peer, times TimeSource, config Config, opts ...Option) *Machine {
	m := &Machine{
		peer:      peer,
		times:     times,
		clock:     clockwork.NewRealClock(),
		status:    StatusIdle,
		positions: make(map[string]int),
		completed: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.dedup = NewDeduper(config.DedupWindow)
	return m
}

// OnChange registers a listener
func (m *Machine) OnChange(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *Machine) notify(change Change) {
	m.mu.Lock()
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	for _, l := range listeners {
		l(change)
	}
}

// InitializeFromSequence starts a run over seq. The machine only leaves
// idle when seq is non-empty, ids are unique and the run is active.
func (m *Machine) InitializeFromSequence(seq []Action, runActive bool) error {
	if len(seq) == 0 {
		return ErrEmptySequence
	}
	if !runActive {
		return ErrRunInactive
	}

	positions := make(map[string]int, len(seq))
	for i, action := range seq {
		if action.ID == "" {
			return fmt.Errorf("%w: action %d has no id", ErrInvalidAction, i)
		}
		if _, dup := positions[action.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateID, action.ID)
		}
		positions[action.ID] = i
	}

	m.mu.Lock()
	m.sequence = append([]Action(nil), seq...)
	m.positions = positions
	m.completed = make(map[string]struct{})
	m.cursor = 0
	m.status = StatusInProgress
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.dedup.Reset()

	log.Info().Int("actions", len(seq)).Msg("progression initialized")
	m.notify(Change{Kind: ChangeInitialized, Snapshot: snap})
	return nil
}

// CurrentAction returns the action at the cursor. ok is false when the
// machine is idle or every action is complete.
func (m *Machine) CurrentAction() (Action, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != StatusInProgress || m.cursor >= len(m.sequence) {
		return Action{}, false
	}
	return m.sequence[m.cursor], true
}

// CompleteActionByID marks id complete. Completing an already completed
// action is a no-op and reports applied=false.
func (m *Machine) CompleteActionByID(id string, origin Origin) (bool, error) {
	m.mu.Lock()
	if m.status == StatusIdle {
		m.mu.Unlock()
		return false, ErrNotInProgress
	}
	pos, ok := m.positions[id]
	if !ok {
		m.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrUnknownAction, id)
	}
	if _, done := m.completed[id]; done {
		m.mu.Unlock()
		log.Debug().Str("action_id", id).Str("origin", string(origin)).Msg("action already completed")
		return false, nil
	}

	m.completed[id] = struct{}{}
	m.recomputeLocked()
	action := m.sequence[pos]
	snap := m.snapshotLocked()
	m.mu.Unlock()

	log.Info().
		Str("action_id", id).
		Str("step_id", action.StepID).
		Str("origin", string(origin)).
		Int("cursor", snap.Cursor).
		Msg("action completed")

	if origin == OriginLocal {
		m.publish(action)
	}
	m.notify(Change{
		Kind:     ChangeCompleted,
		ActionID: id,
		StepID:   action.StepID,
		Origin:   origin,
		Snapshot: snap,
	})
	return true, nil
}

// CompleteCurrent applies a local trigger to the current action. An
// action without an expected trigger accepts any trigger.
func (m *Machine) CompleteCurrent(trigger string) (Action, bool, error) {
	m.mu.Lock()
	if m.status != StatusInProgress || m.cursor >= len(m.sequence) {
		m.mu.Unlock()
		return Action{}, false, ErrNotInProgress
	}
	current := m.sequence[m.cursor]
	m.mu.Unlock()

	if current.ExpectedTrigger != "" && current.ExpectedTrigger != trigger {
		log.Debug().
			Str("action_id", current.ID).
			Str("expected", current.ExpectedTrigger).
			Str("trigger", trigger).
			Msg("trigger does not match current action")
		return current, false, nil
	}

	applied, err := m.CompleteActionByID(current.ID, OriginLocal)
	return current, applied, err
}

// ApplyRemote runs a peer's completion through the raw dedup window and
// then the idempotent completion path
func (m *Machine) ApplyRemote(rc RemoteCompletion) (bool, error) {
	if !m.dedup.Allow(rc.ActionID, m.clock.Now()) {
		log.Debug().
			Str("action_id", rc.ActionID).
			Str("source_role", string(rc.SourceRole)).
			Msg("suppressed duplicate remote completion")
		return false, nil
	}
	return m.CompleteActionByID(rc.ActionID, OriginRemote)
}

// CancelStep removes every action of stepID from the completed set and
// moves the cursor back to the first incomplete action
func (m *Machine) CancelStep(stepID string) (int, error) {
	m.mu.Lock()
	if m.status == StatusIdle {
		m.mu.Unlock()
		return 0, ErrNotInProgress
	}
	known := false
	removed := 0
	for _, action := range m.sequence {
		if action.StepID != stepID {
			continue
		}
		known = true
		if _, done := m.completed[action.ID]; done {
			delete(m.completed, action.ID)
			removed++
		}
	}
	if !known {
		m.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", ErrUnknownStep, stepID)
	}
	if removed == 0 {
		m.mu.Unlock()
		return 0, nil
	}
	m.recomputeLocked()
	snap := m.snapshotLocked()
	m.mu.Unlock()

	log.Info().Str("step_id", stepID).Int("removed", removed).Int("cursor", snap.Cursor).Msg("step cancelled")
	m.notify(Change{Kind: ChangeStepCancelled, StepID: stepID, Snapshot: snap})
	return removed, nil
}

// Reset returns the machine to idle
func (m *Machine) Reset() {
	m.mu.Lock()
	wasIdle := m.status == StatusIdle
	m.status = StatusIdle
	m.sequence = nil
	m.positions = make(map[string]int)
	m.completed = make(map[string]struct{})
	m.cursor = 0
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.dedup.Reset()

	if !wasIdle {
		log.Info().Msg("progression reset")
		m.notify(Change{Kind: ChangeReset, Snapshot: snap})
	}
}

func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Machine) Cursor() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursor
}

// IsCompleted reports whether id is in the completed set
func (m *Machine) IsCompleted(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.completed[id]
	return ok
}

// Snapshot returns the current state
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// recomputeLocked derives cursor and status from the completed set
func (m *Machine) recomputeLocked() {
	m.cursor = len(m.sequence)
	for i, action := range m.sequence {
		if _, done := m.completed[action.ID]; !done {
			m.cursor = i
			break
		}
	}
	if len(m.completed) == len(m.sequence) {
		m.status = StatusComplete
	} else {
		m.status = StatusInProgress
	}
}

func (m *Machine) snapshotLocked() Snapshot {
	snap := Snapshot{
		Status: m.status,
		Cursor: m.cursor,
		Total:  len(m.sequence),
	}
	// sequence order keeps snapshots stable
	for _, action := range m.sequence {
		if _, done := m.completed[action.ID]; done {
			snap.Completed = append(snap.Completed, action.ID)
		}
	}
	if m.status == StatusInProgress && m.cursor < len(m.sequence) {
		current := m.sequence[m.cursor]
		snap.Current = &current
	}
	return snap
}

func (m *Machine) publish(action Action) {
	if m.peer == nil {
		return
	}
	now := m.clock.Now()
	if m.times != nil {
		now = m.times.Now()
	}
	identity := m.peer.Identity()
	err := m.peer.Send(protocol.ActionCompleted{
		SessionID:  identity.SessionID,
		ClientID:   identity.ClientID,
		ActionID:   action.ID,
		StepID:     action.StepID,
		SourceRole: identity.Role,
		Timestamp:  protocol.Millis(now),
	})
	if err != nil {
		log.Warn().Err(err).Str("action_id", action.ID).Msg("failed to publish completion")
	}
}
