package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mcdev12/expsync/go/internal/connection"
	"github.com/mcdev12/expsync/go/internal/logqueue"
	"github.com/mcdev12/expsync/go/internal/progression"
	"github.com/mcdev12/expsync/go/internal/protocol"
	"github.com/rs/zerolog/log"
)

var (
	ErrReadOnly = errors.New("role cannot change shared session state")
	ErrNoRun    = errors.New("no run in progress")
)

const logWriteTimeout = 5 * time.Second

// Connection is the peer channel. *connection.Manager satisfies it.
type Connection interface {
	Connect(ctx context.Context, identity connection.Identity) error
	Send(msg protocol.Outbound) error
	OnEvent(h connection.Handler)
	Identity() connection.Identity
	State() connection.State
	Close() error
}

// Clock is the shared time source. *clocksync.Estimator satisfies it.
type Clock interface {
	Initialize(ctx context.Context) error
	Stop()
	IsSynchronized() bool
	Now() time.Time
}

// Synchronizer wires the connection, clock, progression and log queue of
// one client and reconciles local progress with the session state.
type Synchronizer struct {
	conn     Connection
	clock    Clock
	machine  *progression.Machine
	queue    *logqueue.Queue
	notifier Notifier

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	experimentID string
	sequence     []progression.Action
	runActive    bool
	invalidated  *connection.SessionInvalidated
	stopped      bool
}

// New builds a Synchronizer and subscribes it to conn and machine. notifier
// may be nil.
func New(conn Connection, clock Clock, machine *progression.Machine, queue *logqueue.Queue, notifier Notifier) *Synchronizer {
	if notifier == nil {
		notifier = NotifierFunc(func(Notification) {})
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Synchronizer{
		conn:     conn,
		clock:    clock,
		machine:  machine,
		queue:    queue,
		notifier: notifier,
		ctx:      ctx,
		cancel:   cancel,
	}
	conn.OnEvent(s.handleEvent)
	machine.OnChange(s.handleChange)
	return s
}

// Start synchronizes the clock, starts log delivery and connects. A clock
// failure is tolerated; local time is used until a sample succeeds.
func (s *Synchronizer) Start(ctx context.Context, identity connection.Identity) error {
	if err := s.clock.Initialize(ctx); err != nil {
		log.Warn().Err(err).Msg("clock sync unavailable, using local time")
	}
	if err := s.queue.Start(ctx); err != nil && !errors.Is(err, logqueue.ErrAlreadyRunning) {
		return fmt.Errorf("failed to start log queue: %w", err)
	}
	if err := s.conn.Connect(ctx, identity); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	return nil
}

// Stop flushes pending logs within the queue's timeout and shuts everything
// down
func (s *Synchronizer) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	flushErr := s.queue.FlushAll(ctx)
	if flushErr != nil {
		log.Warn().Err(flushErr).Int("pending", len(s.queue.Pending())).Msg("logs left undelivered at shutdown")
	}

	s.cancel()
	_ = s.conn.Close()
	s.clock.Stop()
	if err := s.queue.Stop(); err != nil && !errors.Is(err, logqueue.ErrNotRunning) {
		log.Warn().Err(err).Msg("failed to stop log queue")
	}
	s.wg.Wait()
	return flushErr
}

// Prepare records the sequence to run once the session reports the run as
// active
func (s *Synchronizer) Prepare(experimentID string, seq []progression.Action) {
	s.mu.Lock()
	s.experimentID = experimentID
	s.sequence = append([]progression.Action(nil), seq...)
	runActive := s.runActive
	s.mu.Unlock()

	log.Info().Str("experiment_id", experimentID).Int("actions", len(seq)).Msg("sequence prepared")
	if runActive && s.machine.Status() == progression.StatusIdle {
		s.initialize(seq)
	}
}

// StartRun begins a run and publishes it to the session. Operators only.
func (s *Synchronizer) StartRun(ctx context.Context, experimentID string, seq []progression.Action) error {
	if err := s.requireOperator(); err != nil {
		return err
	}
	if len(seq) == 0 {
		return progression.ErrEmptySequence
	}

	s.mu.Lock()
	s.experimentID = experimentID
	s.sequence = append([]progression.Action(nil), seq...)
	s.runActive = true
	s.mu.Unlock()

	s.appendLog(ctx, "run_started", map[string]any{"actions": len(seq)})
	s.machine.Reset()
	if err := s.machine.InitializeFromSequence(seq, true); err != nil {
		s.mu.Lock()
		s.runActive = false
		s.mu.Unlock()
		return fmt.Errorf("failed to start run: %w", err)
	}
	return s.publishState("")
}

// Trigger applies a local input to the current action. The result is false
// when the input is not the one the current action expects.
func (s *Synchronizer) Trigger(ctx context.Context, trigger string) (progression.Action, bool, error) {
	action, applied, err := s.machine.CompleteCurrent(trigger)
	if err != nil {
		return action, false, err
	}
	if !applied {
		s.appendLog(ctx, "trigger_ignored", map[string]any{
			"trigger":  trigger,
			"actionId": action.ID,
			"expected": action.ExpectedTrigger,
		})
	}
	return action, applied, nil
}

// CompleteAction completes an action by id from a local intent
func (s *Synchronizer) CompleteAction(ctx context.Context, actionID string) (bool, error) {
	return s.machine.CompleteActionByID(actionID, progression.OriginLocal)
}

// CancelStep rewinds a step and publishes the rewind. Operators only.
func (s *Synchronizer) CancelStep(ctx context.Context, stepID string) (int, error) {
	if err := s.requireOperator(); err != nil {
		return 0, err
	}
	removed, err := s.machine.CancelStep(stepID)
	if err != nil {
		return 0, err
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, s.publishState(stepID)
}

// EndRun stops the run, resets progression and finalizes the experiment's
// logs. It returns the number of entries the collector acknowledged.
func (s *Synchronizer) EndRun(ctx context.Context) (int, error) {
	s.mu.Lock()
	experimentID := s.experimentID
	wasActive := s.runActive
	s.runActive = false
	s.mu.Unlock()

	if !wasActive && s.machine.Status() == progression.StatusIdle {
		return 0, ErrNoRun
	}

	if s.conn.Identity().Role.CanMutate() {
		if err := s.publishState(""); err != nil {
			log.Warn().Err(err).Msg("failed to publish run end")
		}
	}
	s.appendLog(ctx, "run_ended", map[string]any{"completed": len(s.machine.Snapshot().Completed)})
	s.machine.Reset()

	total, err := s.queue.Finalize(ctx, experimentID)
	if err != nil {
		return total, fmt.Errorf("failed to finalize experiment %s: %w", experimentID, err)
	}
	return total, nil
}

// Snapshot returns the combined view delivered to the notifier
func (s *Synchronizer) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		ExperimentID: s.experimentID,
		RunActive:    s.runActive,
		Invalidated:  s.invalidated,
	}
	s.mu.Unlock()

	snap.Connection = s.conn.State()
	snap.Identity = s.conn.Identity()
	snap.Progress = s.machine.Snapshot()
	snap.Logs = s.queue.Stats()
	snap.ClockSynchronized = s.clock.IsSynchronized()
	return snap
}

func (s *Synchronizer) requireOperator() error {
	if role := s.conn.Identity().Role; !role.CanMutate() {
		return fmt.Errorf("%w: %s", ErrReadOnly, role)
	}
	return nil
}

func (s *Synchronizer) publishState(cancelledStepID string) error {
	s.mu.Lock()
	experimentID := s.experimentID
	runActive := s.runActive
	s.mu.Unlock()

	identity := s.conn.Identity()
	state := protocol.SessionState{
		ExperimentID:       experimentID,
		RunActive:          runActive,
		CompletedActionIDs: s.machine.Snapshot().Completed,
		CancelledStepID:    cancelledStepID,
	}
	if state.CompletedActionIDs == nil {
		state.CompletedActionIDs = []string{}
	}
	err := s.conn.Send(protocol.StateUpdate{
		SessionID: identity.SessionID,
		ClientID:  identity.ClientID,
		State:     state,
	})
	if err != nil {
		return fmt.Errorf("failed to publish session state: %w", err)
	}
	return nil
}

func (s *Synchronizer) initialize(seq []progression.Action) {
	if err := s.machine.InitializeFromSequence(seq, true); err != nil {
		log.Error().Err(err).Msg("failed to initialize progression from session state")
	}
}

func (s *Synchronizer) handleEvent(ev connection.Event) {
	switch ev := ev.(type) {
	case connection.Authenticated:
		s.mu.Lock()
		s.invalidated = nil
		s.mu.Unlock()
		s.goRetryLogs()
		s.notify(NotifyConnection, nil)

	case connection.MessageReceived:
		s.handleMessage(ev.Message)

	case connection.SessionInvalidated:
		s.mu.Lock()
		s.invalidated = &ev
		s.mu.Unlock()
		log.Warn().Str("reason", ev.Reason).Msg("session invalidated, a new session is required")
		s.appendLog(s.ctx, "session_invalidated", map[string]any{"reason": ev.Reason, "message": ev.Message})
		s.notify(NotifyInvalidated, nil)

	case connection.AuthFailed:
		log.Warn().Str("message", ev.Message).Msg("authentication rejected")
		s.notify(NotifyConnection, nil)

	case connection.Disconnected, connection.Reconnecting, connection.ReconnectExhausted:
		s.notify(NotifyConnection, nil)

	case connection.Advisory:
		log.Debug().Err(ev.Err).Msg("connection advisory")
	}
}

func (s *Synchronizer) handleMessage(msg protocol.Inbound) {
	switch msg := msg.(type) {
	case protocol.SessionStateUpdate:
		s.applyState(msg.State)
	case protocol.ActionCompleted:
		_, err := s.machine.ApplyRemote(progression.RemoteCompletion{
			ActionID:   msg.ActionID,
			SourceRole: msg.SourceRole,
		})
		if err != nil {
			log.Warn().Err(err).Str("action_id", msg.ActionID).Msg("could not apply remote completion")
		}
	case protocol.Error:
		log.Warn().Str("message", msg.Message).Msg("coordination service error")
		s.notify(NotifyError, nil)
	}
}

// applyState reconciles the machine with the session's state. A state that
// nobody has written yet carries no information and is ignored.
func (s *Synchronizer) applyState(state protocol.SessionState) {
	if state.UpdatedAt == 0 {
		return
	}

	s.mu.Lock()
	if state.ExperimentID != "" {
		s.experimentID = state.ExperimentID
	}
	wasActive := s.runActive
	s.runActive = state.RunActive
	seq := s.sequence
	s.mu.Unlock()

	if !state.RunActive {
		if wasActive || s.machine.Status() != progression.StatusIdle {
			log.Info().Str("updated_by", state.UpdatedBy).Msg("run ended by session")
			s.machine.Reset()
		}
		return
	}

	if state.CancelledStepID != "" && s.machine.Status() != progression.StatusIdle {
		if _, err := s.machine.CancelStep(state.CancelledStepID); err != nil {
			log.Warn().Err(err).Str("step_id", state.CancelledStepID).Msg("could not apply step rewind")
		}
	}

	if s.machine.Status() == progression.StatusIdle {
		if len(seq) == 0 {
			log.Warn().Msg("run is active but no sequence is prepared")
			return
		}
		s.initialize(seq)
	}

	for _, id := range state.CompletedActionIDs {
		if _, err := s.machine.CompleteActionByID(id, progression.OriginRemote); err != nil {
			log.Warn().Err(err).Str("action_id", id).Msg("could not reconcile completed action")
		}
	}
}

func (s *Synchronizer) handleChange(change progression.Change) {
	payload := map[string]any{
		"status": string(change.Snapshot.Status),
		"cursor": change.Snapshot.Cursor,
		"total":  change.Snapshot.Total,
	}
	if change.ActionID != "" {
		payload["actionId"] = change.ActionID
	}
	if change.StepID != "" {
		payload["stepId"] = change.StepID
	}
	if change.Origin != "" {
		payload["origin"] = string(change.Origin)
	}
	s.appendLog(s.ctx, "progression_"+string(change.Kind), payload)
	s.notify(NotifyProgress, &change)
}

func (s *Synchronizer) appendLog(ctx context.Context, entryType string, payload map[string]any) {
	s.mu.Lock()
	experimentID := s.experimentID
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, logWriteTimeout)
	defer cancel()
	if _, err := s.queue.Append(ctx, entryType, experimentID, payload); err != nil {
		log.Error().Err(err).Str("type", entryType).Msg("failed to record log entry")
	}
}

// goRetryLogs resets the queue's recovery budget off the connection's
// goroutine
func (s *Synchronizer) goRetryLogs() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		if err := s.queue.NotifyClientInitialized(s.ctx); err != nil {
			log.Debug().Err(err).Msg("log delivery still pending after connect")
		}
	}()
}

func (s *Synchronizer) notify(kind NotificationKind, change *progression.Change) {
	s.notifier.Notify(Notification{Kind: kind, Change: change, Snapshot: s.Snapshot()})
}
