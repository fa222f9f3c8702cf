package session

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mcdev12/expsync/go/internal/clocksync"
	"github.com/mcdev12/expsync/go/internal/connection"
	"github.com/mcdev12/expsync/go/internal/coordinator"
	"github.com/mcdev12/expsync/go/internal/logqueue"
	"github.com/mcdev12/expsync/go/internal/progression"
	"github.com/mcdev12/expsync/go/internal/protocol"
	"github.com/mcdev12/expsync/go/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

var testSequence = []progression.Action{
	{ID: "a1", StepID: "s1", ExpectedTrigger: "press"},
	{ID: "a2", StepID: "s1"},
	{ID: "a3", StepID: "s2"},
	{ID: "a4", StepID: "s2"},
	{ID: "a5", StepID: "s3"},
}

type harness struct {
	srv  *httptest.Server
	hub  *coordinator.Hub
	sink *coordinator.MemorySink
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	hub := coordinator.NewHub(coordinator.DefaultHubConfig(), nil)
	sink := coordinator.NewMemorySink()
	srv := httptest.NewServer(coordinator.NewServer(hub, sink, nil, coordinator.DefaultServerConfig()).Handler())
	t.Cleanup(srv.Close)
	return &harness{srv: srv, hub: hub, sink: sink}
}

func (h *harness) collector() logqueue.Collector {
	return logqueue.NewHTTPCollector(h.srv.URL+"/api/logs", h.srv.URL+"/health", h.srv.Client())
}

type recorder struct {
	mu    sync.Mutex
	notes []Notification
}

func (r *recorder) Notify(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

func (r *recorder) count(kind NotificationKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, note := range r.notes {
		if note.Kind == kind {
			n++
		}
	}
	return n
}

func (r *recorder) last(kind NotificationKind) (Notification, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.notes) - 1; i >= 0; i-- {
		if r.notes[i].Kind == kind {
			return r.notes[i], true
		}
	}
	return Notification{}, false
}

// offlineCollector never accepts anything
type offlineCollector struct {
	healthChecks atomic.Int32
}

var errOffline = errors.New("collector unreachable")

func (c *offlineCollector) SendBatch(context.Context, string, []storage.LogEntry) error {
	return errOffline
}

func (c *offlineCollector) Finalize(context.Context, string, int) error {
	return errOffline
}

func (c *offlineCollector) CheckHealth(context.Context) error {
	c.healthChecks.Add(1)
	return errOffline
}

type client struct {
	sync       *Synchronizer
	manager    *connection.Manager
	machine    *progression.Machine
	queue      *logqueue.Queue
	identities *connection.IdentityStore
	notes      *recorder
}

func newClient(t *testing.T, h *harness, dbPath string, collector logqueue.Collector) *client {
	t.Helper()
	ctx := context.Background()

	store, err := storage.Open(ctx, dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	estimator := clocksync.NewEstimator(
		clocksync.NewHTTPAuthority(h.srv.URL+"/api/time", h.srv.Client()),
		nil,
		clocksync.DefaultConfig(),
	)
	identities := connection.NewIdentityStore(store.KV(), "expsync")
	wsURL := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"
	manager := connection.NewManager(
		connection.NewWebSocketTransport(wsURL, connection.DefaultWebSocketConfig()),
		identities,
		connection.DefaultConfig(),
		connection.WithTimeSource(estimator),
	)
	queue := logqueue.New(store, collector, logqueue.DefaultConfig(), logqueue.WithTimeSource(estimator))
	machine := progression.NewMachine(manager, estimator, progression.DefaultConfig())
	notes := &recorder{}

	c := &client{
		sync:       New(manager, estimator, machine, queue, notes),
		manager:    manager,
		machine:    machine,
		queue:      queue,
		identities: identities,
		notes:      notes,
	}
	t.Cleanup(func() { _ = c.sync.Stop(context.Background()) })
	return c
}

func pendingIDs(q *logqueue.Queue) []int64 {
	var ids []int64
	for _, entry := range q.Pending() {
		ids = append(ids, entry.ID)
	}
	return ids
}

func tempDB(t *testing.T) string {
	return filepath.Join(t.TempDir(), "client.db")
}

func TestSynchronizer_OperatorAndViewerShareProgress(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	operator := newClient(t, h, tempDB(t), h.collector())
	require.NoError(t, operator.sync.Start(ctx, connection.Identity{Role: protocol.RoleOperator}))
	sessionID := operator.manager.Identity().SessionID
	require.NotEmpty(t, sessionID)

	viewer := newClient(t, h, tempDB(t), h.collector())
	viewer.sync.Prepare("exp-1", testSequence)
	require.NoError(t, viewer.sync.Start(ctx, connection.Identity{SessionID: sessionID, Role: protocol.RoleViewer}))
	assert.Equal(t, progression.StatusIdle, viewer.machine.Status(), "an unwritten session state does not start the run")

	require.NoError(t, operator.sync.StartRun(ctx, "exp-1", testSequence))
	require.Eventually(t, func() bool {
		return viewer.machine.Status() == progression.StatusInProgress
	}, waitFor, tick)

	// viewer input reaches the operator
	action, applied, err := viewer.sync.Trigger(ctx, "press")
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, "a1", action.ID)
	require.Eventually(t, func() bool { return operator.machine.IsCompleted("a1") }, waitFor, tick)

	// operator completion reaches the viewer
	applied, err = operator.sync.CompleteAction(ctx, "a2")
	require.NoError(t, err)
	assert.True(t, applied)
	require.Eventually(t, func() bool { return viewer.machine.IsCompleted("a2") }, waitFor, tick)
	assert.Equal(t, 2, viewer.machine.Cursor())
	assert.Equal(t, 2, operator.machine.Cursor())

	// only the operator may rewind
	_, err = viewer.sync.CancelStep(ctx, "s1")
	require.ErrorIs(t, err, ErrReadOnly)

	removed, err := operator.sync.CancelStep(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	require.Eventually(t, func() bool { return viewer.machine.Cursor() == 0 }, waitFor, tick)
	assert.False(t, viewer.machine.IsCompleted("a1"))

	total, err := operator.sync.EndRun(ctx)
	require.NoError(t, err)
	assert.Positive(t, total)
	fin, ok := h.sink.Finalization("exp-1")
	require.True(t, ok)
	assert.Equal(t, total, fin.TotalLogs)

	require.Eventually(t, func() bool {
		return viewer.machine.Status() == progression.StatusIdle
	}, waitFor, tick)
	assert.False(t, viewer.sync.Snapshot().RunActive)

	n, ok := viewer.notes.last(NotifyProgress)
	require.True(t, ok)
	require.NotNil(t, n.Change)
	assert.Equal(t, progression.ChangeReset, n.Change.Kind)
}

func TestSynchronizer_ReconnectLeavesStateUntouched(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	collector := &offlineCollector{}

	operator := newClient(t, h, tempDB(t), collector)
	require.NoError(t, operator.sync.Start(ctx, connection.Identity{Role: protocol.RoleOperator}))
	require.NoError(t, operator.sync.StartRun(ctx, "exp-1", testSequence))
	for _, id := range []string{"a1", "a2", "a3"} {
		_, err := operator.sync.CompleteAction(ctx, id)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		state, err := h.hub.SessionState(operator.manager.Identity().SessionID)
		return err == nil && len(state.CompletedActionIDs) == 3
	}, waitFor, tick)

	before := operator.sync.Snapshot()
	pendingBefore := pendingIDs(operator.queue)
	require.GreaterOrEqual(t, len(pendingBefore), 2)
	progressBefore := operator.notes.count(NotifyProgress)
	checksBefore := collector.healthChecks.Load()

	var reconnected atomic.Bool
	operator.manager.OnEvent(func(ev connection.Event) {
		if auth, ok := ev.(connection.Authenticated); ok && auth.IsReconnect {
			reconnected.Store(true)
		}
	})

	operator.manager.Disconnect()
	require.NoError(t, operator.manager.Reconnect(ctx))
	require.Eventually(t, reconnected.Load, waitFor, tick)

	// the reconnect retried delivery once; the collector is still down
	require.Eventually(t, func() bool {
		return collector.healthChecks.Load() > checksBefore && operator.queue.Health() == logqueue.HealthOffline
	}, waitFor, tick)

	after := operator.sync.Snapshot()
	assert.Equal(t, 3, after.Progress.Cursor)
	assert.Equal(t, before.Progress.Completed, after.Progress.Completed)
	assert.Equal(t, before.Identity.SessionID, after.Identity.SessionID)
	assert.Equal(t, progressBefore, operator.notes.count(NotifyProgress))
	assert.Equal(t, pendingBefore, pendingIDs(operator.queue))
}

func TestSynchronizer_ReconnectAfterStepRewindKeepsOfflineProgress(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	operator := newClient(t, h, tempDB(t), h.collector())
	require.NoError(t, operator.sync.Start(ctx, connection.Identity{Role: protocol.RoleOperator}))
	sessionID := operator.manager.Identity().SessionID
	require.NoError(t, operator.sync.StartRun(ctx, "exp-1", testSequence))
	for _, id := range []string{"a1", "a2"} {
		_, err := operator.sync.CompleteAction(ctx, id)
		require.NoError(t, err)
	}
	removed, err := operator.sync.CancelStep(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	_, err = operator.sync.CompleteAction(ctx, "a1")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		state, err := h.hub.SessionState(sessionID)
		return err == nil && len(state.CompletedActionIDs) == 1
	}, waitFor, tick)

	operator.manager.Disconnect()
	applied, err := operator.sync.CompleteAction(ctx, "a2")
	require.NoError(t, err)
	assert.True(t, applied, "completions apply locally while offline")
	progressBefore := operator.notes.count(NotifyProgress)

	var reconnected atomic.Bool
	operator.manager.OnEvent(func(ev connection.Event) {
		if auth, ok := ev.(connection.Authenticated); ok && auth.IsReconnect {
			reconnected.Store(true)
		}
	})
	require.NoError(t, operator.manager.Reconnect(ctx))
	require.Eventually(t, reconnected.Load, waitFor, tick)

	// the buffered completion reaches the session
	require.Eventually(t, func() bool {
		state, err := h.hub.SessionState(sessionID)
		return err == nil && len(state.CompletedActionIDs) == 2
	}, waitFor, tick)

	snap := operator.sync.Snapshot()
	assert.Equal(t, 2, snap.Progress.Cursor)
	assert.ElementsMatch(t, []string{"a1", "a2"}, snap.Progress.Completed)
	assert.Equal(t, progressBefore, operator.notes.count(NotifyProgress), "the rewind is not replayed")
}

func TestSynchronizer_CoordinatorRestartStartsNewSession(t *testing.T) {
	ctx := context.Background()
	dbPath := tempDB(t)

	h := newHarness(t)
	first := newClient(t, h, dbPath, h.collector())
	require.NoError(t, first.sync.Start(ctx, connection.Identity{Role: protocol.RoleOperator}))
	old := first.manager.Identity()
	require.NoError(t, first.sync.Stop(ctx))

	// a fresh coordinator knows nothing about the persisted session
	restarted := newHarness(t)
	second := newClient(t, restarted, dbPath, restarted.collector())
	err := second.sync.Start(ctx, connection.Identity{})
	require.ErrorIs(t, err, connection.ErrSessionInvalidated)

	require.Eventually(t, func() bool { return second.notes.count(NotifyInvalidated) == 1 }, waitFor, tick)
	n, _ := second.notes.last(NotifyInvalidated)
	require.NotNil(t, n.Snapshot.Invalidated)
	assert.Equal(t, "session_not_found", n.Snapshot.Invalidated.Reason)
	_, ok, err := second.identities.Load(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "the stale identity is wiped")

	require.NoError(t, second.manager.Reconnect(ctx))
	fresh := second.manager.Identity()
	assert.NotEmpty(t, fresh.SessionID)
	assert.NotEqual(t, old.SessionID, fresh.SessionID)
	assert.Equal(t, old.ClientID, fresh.ClientID)
	assert.Equal(t, protocol.RoleOperator, fresh.Role)
	require.Eventually(t, func() bool { return second.sync.Snapshot().Invalidated == nil }, waitFor, tick)
}

func TestSynchronizer_RestartRestoresProgress(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	dbPath := tempDB(t)

	first := newClient(t, h, dbPath, h.collector())
	require.NoError(t, first.sync.Start(ctx, connection.Identity{Role: protocol.RoleOperator}))
	require.NoError(t, first.sync.StartRun(ctx, "exp-1", testSequence))
	for _, id := range []string{"a1", "a2"} {
		_, err := first.sync.CompleteAction(ctx, id)
		require.NoError(t, err)
	}
	identity := first.manager.Identity()
	require.Eventually(t, func() bool {
		state, err := h.hub.SessionState(identity.SessionID)
		return err == nil && len(state.CompletedActionIDs) == 2
	}, waitFor, tick)
	require.NoError(t, first.sync.Stop(ctx))

	// a restarted client reattaches with the persisted identity
	second := newClient(t, h, dbPath, h.collector())
	second.sync.Prepare("exp-1", testSequence)
	var reconnect atomic.Bool
	second.manager.OnEvent(func(ev connection.Event) {
		if auth, ok := ev.(connection.Authenticated); ok {
			reconnect.Store(auth.IsReconnect)
		}
	})
	require.NoError(t, second.sync.Start(ctx, connection.Identity{}))

	assert.Equal(t, identity, second.manager.Identity())
	assert.True(t, reconnect.Load())
	require.Eventually(t, func() bool { return second.machine.Cursor() == 2 }, waitFor, tick)
	assert.Equal(t, progression.StatusInProgress, second.machine.Status())
}

func TestSynchronizer_SessionInvalidated(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	viewer := newClient(t, h, tempDB(t), h.collector())
	require.NoError(t, viewer.sync.Start(ctx, connection.Identity{Role: protocol.RoleViewer}))
	sessionID := viewer.manager.Identity().SessionID

	require.NoError(t, h.hub.EndSession(sessionID, ""))

	require.Eventually(t, func() bool { return viewer.notes.count(NotifyInvalidated) == 1 }, waitFor, tick)
	n, _ := viewer.notes.last(NotifyInvalidated)
	require.NotNil(t, n.Snapshot.Invalidated)
	assert.Equal(t, "session_ended", n.Snapshot.Invalidated.Reason)

	_, ok, err := viewer.identities.Load(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "persisted identity is wiped")
}

func TestSynchronizer_LocalIntentErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	viewer := newClient(t, h, tempDB(t), &offlineCollector{})
	require.NoError(t, viewer.sync.Start(ctx, connection.Identity{Role: protocol.RoleViewer}))

	require.ErrorIs(t, viewer.sync.StartRun(ctx, "exp-1", testSequence), ErrReadOnly)
	_, err := viewer.sync.EndRun(ctx)
	require.ErrorIs(t, err, ErrNoRun)
	_, _, err = viewer.sync.Trigger(ctx, "press")
	require.ErrorIs(t, err, progression.ErrNotInProgress)

	operator := newClient(t, h, tempDB(t), &offlineCollector{})
	require.NoError(t, operator.sync.Start(ctx, connection.Identity{Role: protocol.RoleOperator}))
	require.ErrorIs(t, operator.sync.StartRun(ctx, "exp-1", nil), progression.ErrEmptySequence)
	require.NoError(t, operator.sync.StartRun(ctx, "exp-1", testSequence))

	_, applied, err := operator.sync.Trigger(ctx, "swipe")
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, 0, operator.machine.Cursor())

	var types []string
	for _, entry := range operator.queue.Pending() {
		types = append(types, entry.Type)
		assert.Equal(t, "exp-1", entry.ExperimentID)
	}
	assert.Equal(t, []string{"run_started", "progression_initialized", "trigger_ignored"}, types)
}
