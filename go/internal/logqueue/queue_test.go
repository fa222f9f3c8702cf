package logqueue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/expsync/go/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

var errUnreachable = errors.New("collector unreachable")

type batchCall struct {
	experimentID string
	ids          []int64
	types        []string
}

type fakeCollector struct {
	mu           sync.Mutex
	healthErr    error
	sendErr      error
	block        chan struct{}
	batches      []batchCall
	finalized    map[string]int
	healthChecks int
}

func newFakeCollector() *fakeCollector {
	return &fakeCollector{finalized: make(map[string]int)}
}

func (c *fakeCollector) SendBatch(_ context.Context, experimentID string, entries []storage.LogEntry) error {
	c.mu.Lock()
	block := c.block
	c.mu.Unlock()
	if block != nil {
		<-block
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	call := batchCall{experimentID: experimentID}
	for _, e := range entries {
		call.ids = append(call.ids, e.ID)
		call.types = append(call.types, e.Type)
	}
	c.batches = append(c.batches, call)
	return c.sendErr
}

func (c *fakeCollector) Finalize(_ context.Context, experimentID string, totalLogs int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finalized[experimentID] = totalLogs
	return nil
}

func (c *fakeCollector) CheckHealth(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.healthChecks++
	return c.healthErr
}

func (c *fakeCollector) set(healthErr, sendErr error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.healthErr = healthErr
	c.sendErr = sendErr
}

func (c *fakeCollector) calls() []batchCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]batchCall(nil), c.batches...)
}

// deliveredIDs counts successful deliveries per entry id
func (c *fakeCollector) deliveredIDs() map[int64]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[int64]int)
	if c.sendErr != nil {
		return out
	}
	for _, b := range c.batches {
		for _, id := range b.ids {
			out[id]++
		}
	}
	return out
}

func openStore(t *testing.T, path string) *storage.Store {
	t.Helper()
	store, err := storage.Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testQueueConfig() Config {
	config := DefaultConfig()
	config.FlushInterval = 0
	config.FlushAllTimeout = time.Second
	return config
}

func countStored(t *testing.T, store *storage.Store) int {
	t.Helper()
	n, err := store.CountLogEntries(context.Background())
	require.NoError(t, err)
	return n
}

func TestQueue_FlushDeliversPerExperimentInTimestampOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openStore(t, filepath.Join(t.TempDir(), "logs.db"))
	collector := newFakeCollector()
	clock := clockwork.NewFakeClock()
	q := New(store, collector, testQueueConfig(), WithClock(clock))

	_, err := q.Append(ctx, "b-first", "exp-b", nil)
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = q.Append(ctx, "a-first", "exp-a", map[string]any{"button": "A"})
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = q.Append(ctx, "b-second", "exp-b", nil)
	require.NoError(t, err)
	assert.Len(t, q.Pending(), 3)
	assert.Equal(t, 3, countStored(t, store))

	require.NoError(t, q.Flush(ctx))

	calls := collector.calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "exp-b", calls[0].experimentID)
	assert.Equal(t, []string{"b-first", "b-second"}, calls[0].types)
	assert.Equal(t, "exp-a", calls[1].experimentID)
	assert.Equal(t, HealthOnline, q.Health())
	assert.Empty(t, q.Pending())
	assert.Zero(t, countStored(t, store))

	// Nothing left to send, nothing sent.
	require.NoError(t, q.Flush(ctx))
	assert.Len(t, collector.calls(), 2)
}

func TestQueue_OfflineEntrySurvivesReloadAndIsDeliveredOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "logs.db")
	collector := newFakeCollector()
	collector.set(errUnreachable, nil)

	first := openStore(t, path)
	q := New(first, collector, testQueueConfig(), WithClock(clockwork.NewFakeClock()))
	entry, err := q.Append(ctx, "button_press", "exp-1", map[string]any{"button": "A"})
	require.NoError(t, err)

	err = q.Flush(ctx)
	require.ErrorIs(t, err, ErrOffline)
	assert.Equal(t, HealthOffline, q.Health())
	q.Reset()
	require.NoError(t, first.Close())

	// A new process opens the same store.
	collector.set(nil, nil)
	second := openStore(t, path)
	reloaded := New(second, collector, testQueueConfig(), WithClock(clockwork.NewFakeClock()))
	require.NoError(t, reloaded.Start(ctx))
	t.Cleanup(func() { _ = reloaded.Stop() })
	require.Len(t, reloaded.Pending(), 1)
	assert.Equal(t, entry.ID, reloaded.Pending()[0].ID)

	require.NoError(t, reloaded.NotifyNetworkRestored(ctx))
	require.NoError(t, reloaded.Flush(ctx))
	require.NoError(t, reloaded.FlushAll(ctx))

	assert.Equal(t, map[int64]int{entry.ID: 1}, collector.deliveredIDs())
	assert.Zero(t, countStored(t, second))
}

func TestQueue_FlushAllReturnsWithinTimeout(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openStore(t, filepath.Join(t.TempDir(), "logs.db"))
	collector := newFakeCollector()
	collector.block = make(chan struct{})
	t.Cleanup(func() { close(collector.block) })

	config := testQueueConfig()
	config.FlushAllTimeout = 50 * time.Millisecond
	q := New(store, collector, config)
	_, err := q.Append(ctx, "event", "exp-1", nil)
	require.NoError(t, err)

	start := time.Now()
	err = q.FlushAll(ctx)
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrFlushTimeout)
	assert.Less(t, elapsed, time.Second)
	assert.Equal(t, 1, countStored(t, store), "undelivered entry stays in the store")
}

func TestQueue_EvictsOldestPastCap(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openStore(t, filepath.Join(t.TempDir(), "logs.db"))
	metrics := &CountingMetrics{}
	config := testQueueConfig()
	config.MaxPending = 3
	q := New(store, newFakeCollector(), config, WithMetrics(metrics))

	var ids []int64
	for i := 0; i < 5; i++ {
		entry, err := q.Append(ctx, "event", "exp-1", nil)
		require.NoError(t, err)
		ids = append(ids, entry.ID)
	}

	pending := q.Pending()
	require.Len(t, pending, 3)
	assert.Equal(t, ids[2:], idsOf(pending))
	assert.Equal(t, 3, countStored(t, store))
	assert.Equal(t, 2, metrics.Snapshot().Evicted)
}

func TestQueue_RecoveryBacksOffExponentiallyAndResetsOnInit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openStore(t, filepath.Join(t.TempDir(), "logs.db"))
	collector := newFakeCollector()
	collector.set(nil, errUnreachable)
	clock := clockwork.NewFakeClock()
	q := New(store, collector, testQueueConfig(), WithClock(clock))

	_, err := q.Append(ctx, "event", "exp-1", nil)
	require.NoError(t, err)
	require.Error(t, q.Flush(ctx))
	assert.Equal(t, HealthOffline, q.Health())
	assert.Equal(t, 1, q.Stats().RecoveryAttempts)

	delay := time.Second
	for attempt := 2; attempt <= 5; attempt++ {
		clock.Advance(delay)
		require.Eventually(t, func() bool {
			return q.Stats().RecoveryAttempts == attempt
		}, waitFor, time.Millisecond, "attempt %d", attempt)
		delay *= 2
	}

	// The fifth attempt fails and nothing further is scheduled.
	clock.Advance(delay)
	require.Eventually(t, func() bool {
		return len(collector.calls()) == 6
	}, waitFor, time.Millisecond)
	clock.Advance(time.Hour)
	assert.Never(t, func() bool {
		return len(collector.calls()) > 6
	}, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, 5, q.Stats().RecoveryAttempts)

	collector.set(nil, nil)
	require.NoError(t, q.NotifyClientInitialized(ctx))
	assert.Zero(t, q.Stats().RecoveryAttempts)
	assert.Equal(t, HealthOnline, q.Health())
	assert.Zero(t, countStored(t, store))
}

func TestQueue_ChecksHealthOnlyWhenUnknown(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openStore(t, filepath.Join(t.TempDir(), "logs.db"))
	collector := newFakeCollector()
	q := New(store, collector, testQueueConfig())

	_, err := q.Append(ctx, "event", "exp-1", nil)
	require.NoError(t, err)
	require.NoError(t, q.Flush(ctx))
	_, err = q.Append(ctx, "event", "exp-1", nil)
	require.NoError(t, err)
	require.NoError(t, q.Flush(ctx))

	collector.mu.Lock()
	healthChecks := collector.healthChecks
	collector.mu.Unlock()
	assert.Equal(t, 1, healthChecks)
}

func TestQueue_ResetDuringFlushIsSafe(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openStore(t, filepath.Join(t.TempDir(), "logs.db"))
	collector := newFakeCollector()
	collector.block = make(chan struct{})
	q := New(store, collector, testQueueConfig())

	_, err := q.Append(ctx, "event", "exp-1", nil)
	require.NoError(t, err)

	results := make(chan error, 2)
	go func() { results <- q.Flush(ctx) }()
	go func() { results <- q.Flush(ctx) }()

	require.Eventually(t, func() bool {
		collector.mu.Lock()
		defer collector.mu.Unlock()
		return collector.healthChecks == 1
	}, waitFor, time.Millisecond)
	q.Reset()
	close(collector.block)

	require.NoError(t, <-results)
	require.NoError(t, <-results)
	assert.Len(t, collector.calls(), 1, "concurrent flushes share one delivery")
	assert.Empty(t, q.Pending())
	assert.Zero(t, countStored(t, store))
}

func TestQueue_SiblingsShareOneStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openStore(t, filepath.Join(t.TempDir(), "logs.db"))
	broadcaster := NewLocalBroadcaster()
	collector := newFakeCollector()

	a := New(store, collector, testQueueConfig(), WithBroadcaster(broadcaster), WithOrigin("tab-a"))
	b := New(store, collector, testQueueConfig(), WithBroadcaster(broadcaster), WithOrigin("tab-b"))
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))
	t.Cleanup(func() {
		_ = a.Stop()
		_ = b.Stop()
	})

	entry, err := a.Append(ctx, "event", "exp-1", nil)
	require.NoError(t, err)
	require.Len(t, b.Pending(), 1, "sibling reloads after an appended notice")
	assert.Equal(t, entry.ID, b.Pending()[0].ID)

	require.NoError(t, b.Flush(ctx))
	assert.Empty(t, a.Pending(), "sibling reloads after a synced notice")

	_, err = b.Append(ctx, "event", "exp-1", nil)
	require.NoError(t, err)
	require.Len(t, a.Pending(), 1)
	require.NoError(t, b.Clear(ctx))
	assert.Empty(t, a.Pending())
	assert.Zero(t, countStored(t, store))
}

func TestQueue_PeriodicFlush(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openStore(t, filepath.Join(t.TempDir(), "logs.db"))
	collector := newFakeCollector()
	clock := clockwork.NewFakeClock()
	config := testQueueConfig()
	config.FlushInterval = 10 * time.Second
	q := New(store, collector, config, WithClock(clock))
	require.NoError(t, q.Start(ctx))
	require.ErrorIs(t, q.Start(ctx), ErrAlreadyRunning)

	_, err := q.Append(ctx, "event", "exp-1", nil)
	require.NoError(t, err)
	clock.Advance(10 * time.Second)
	require.Eventually(t, func() bool {
		return len(collector.calls()) == 1
	}, waitFor, time.Millisecond)

	require.NoError(t, q.Stop())
	require.ErrorIs(t, q.Stop(), ErrNotRunning)
}

func TestQueue_FinalizeReportsDeliveredTotal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openStore(t, filepath.Join(t.TempDir(), "logs.db"))
	collector := newFakeCollector()
	q := New(store, collector, testQueueConfig())

	for i := 0; i < 2; i++ {
		_, err := q.Append(ctx, "event", "exp-1", nil)
		require.NoError(t, err)
	}
	require.NoError(t, q.Flush(ctx))
	_, err := q.Append(ctx, "run_end", "exp-1", nil)
	require.NoError(t, err)

	total, err := q.Finalize(ctx, "exp-1")
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, 3, collector.finalized["exp-1"])
}

func TestGroupByExperiment_TieBreaksOnSequenceID(t *testing.T) {
	t.Parallel()
	at := time.UnixMilli(1_700_000_000_000)
	groups := groupByExperiment([]storage.LogEntry{
		{ID: 3, Timestamp: at, ExperimentID: "x"},
		{ID: 1, Timestamp: at, ExperimentID: "x"},
		{ID: 2, Timestamp: at.Add(-time.Second), ExperimentID: "y"},
	})
	require.Len(t, groups, 2)
	assert.Equal(t, "y", groups[0].experimentID)
	assert.Equal(t, []int64{1, 3}, idsOf(groups[1].entries))
}

func TestHealthString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "unknown", HealthUnknown.String())
	assert.Equal(t, "online", HealthOnline.String())
	assert.Equal(t, "offline", HealthOffline.String())
}

// pausingStore holds the next PendingLogEntries call after the rows were
// read, until release is closed
type pausingStore struct {
	*storage.Store

	mu      sync.Mutex
	read    chan struct{}
	release chan struct{}
}

func (s *pausingStore) pauseNextRead() (read, release chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.read = make(chan struct{})
	s.release = make(chan struct{})
	return s.read, s.release
}

func (s *pausingStore) PendingLogEntries(ctx context.Context) ([]storage.LogEntry, error) {
	entries, err := s.Store.PendingLogEntries(ctx)

	s.mu.Lock()
	read, release := s.read, s.release
	s.read, s.release = nil, nil
	s.mu.Unlock()
	if read != nil {
		close(read)
		<-release
	}
	return entries, err
}

func TestQueue_ReloadDoesNotResurrectEntriesAcknowledgedMeanwhile(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := &pausingStore{Store: openStore(t, filepath.Join(t.TempDir(), "logs.db"))}
	collector := newFakeCollector()
	q := New(store, collector, testQueueConfig())

	entry, err := q.Append(ctx, "event", "exp-1", nil)
	require.NoError(t, err)

	read, release := store.pauseNextRead()
	reloaded := make(chan error, 1)
	go func() { reloaded <- q.Reload(ctx) }()
	<-read

	// the entry is delivered while the reload still holds the old rows
	require.NoError(t, q.Flush(ctx))
	close(release)
	require.NoError(t, <-reloaded)

	assert.Empty(t, q.Pending())
	require.NoError(t, q.Flush(ctx))
	assert.Equal(t, map[int64]int{entry.ID: 1}, collector.deliveredIDs())
	assert.Zero(t, countStored(t, store.Store))
}

func TestQueue_FinalizeCountsDeliveriesBeforeRestart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "logs.db")
	collector := newFakeCollector()

	first := openStore(t, path)
	q := New(first, collector, testQueueConfig())
	for i := 0; i < 2; i++ {
		_, err := q.Append(ctx, "event", "exp-1", nil)
		require.NoError(t, err)
	}
	require.NoError(t, q.Flush(ctx))
	require.NoError(t, first.Close())

	// a new process on the same store finalizes the experiment
	second := openStore(t, path)
	restarted := New(second, collector, testQueueConfig())
	_, err := restarted.Append(ctx, "run_end", "exp-1", nil)
	require.NoError(t, err)

	total, err := restarted.Finalize(ctx, "exp-1")
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, 3, collector.finalized["exp-1"])

	// the next run of the same experiment counts from zero
	_, err = restarted.Append(ctx, "event", "exp-1", nil)
	require.NoError(t, err)
	total, err = restarted.Finalize(ctx, "exp-1")
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}
