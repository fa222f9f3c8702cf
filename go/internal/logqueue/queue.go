package logqueue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/expsync/go/internal/storage"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

var (
	ErrOffline        = errors.New("collector offline")
	ErrFlushTimeout   = errors.New("flush timed out")
	ErrAlreadyRunning = errors.New("log queue already running")
	ErrNotRunning     = errors.New("log queue not running")
)

// Store persists entries until the collector acknowledges them.
// *storage.Store satisfies it.
type Store interface {
	InsertLogEntry(ctx context.Context, entry storage.LogEntry) (int64, error)
	PendingLogEntries(ctx context.Context) ([]storage.LogEntry, error)
	DeleteLogEntries(ctx context.Context, ids []int64) error
	AcknowledgeLogEntries(ctx context.Context, experimentID string, ids []int64) (int, error)
	DeliveredCount(ctx context.Context, experimentID string) (int, error)
	ResetDeliveredCount(ctx context.Context, experimentID string) error
	ClearLogEntries(ctx context.Context) error
}

// TimeSource stamps appended entries. *clocksync.Estimator satisfies it.
type TimeSource interface {
	Now() time.Time
}

type Config struct {
	MaxPending          int           // hard cap; oldest entries past it are dropped
	FlushInterval       time.Duration // periodic flush while running
	FlushAllTimeout     time.Duration
	RecoveryBaseDelay   time.Duration // attempt n waits base * 2^(n-1)
	MaxRecoveryAttempts int
}

func DefaultConfig() Config {
	return Config{
		MaxPending:          100,
		FlushInterval:       10 * time.Second,
		FlushAllTimeout:     5 * time.Second,
		RecoveryBaseDelay:   time.Second,
		MaxRecoveryAttempts: 5,
	}
}

type Option func(*Queue)

func WithClock(clock clockwork.Clock) Option {
	return func(q *Queue) { q.clock = clock }
}

func WithTimeSource(ts TimeSource) Option {
	return func(q *Queue) { q.times = ts }
}

// WithBroadcaster shares store changes with sibling queues
func WithBroadcaster(b Broadcaster) Option {
	return func(q *Queue) { q.broadcaster = b }
}

func WithMetrics(m MetricsCollector) Option {
	return func(q *Queue) { q.metrics = m }
}

// WithOrigin sets the id this queue stamps on its notices
func WithOrigin(origin string) Option {
	return func(q *Queue) { q.origin = origin }
}

// Stats is a point-in-time view of the queue
type Stats struct {
	Pending          int
	Health           Health
	RecoveryAttempts int
	Running          bool
}

// Queue delivers log entries at least once. Entries live in the store
// from Append until the collector acknowledges them.
type Queue struct {
	store       Store
	collector   Collector
	config      Config
	clock       clockwork.Clock
	times       TimeSource
	broadcaster Broadcaster
	metrics     MetricsCollector
	origin      string

	flights singleflight.Group

	mu            sync.Mutex
	pending       []storage.LogEntry
	health        Health
	attempts      int
	recoveryTimer clockwork.Timer
	recoverySeq   uint64
	reloads       int                // store reads in progress
	dropped       map[int64]struct{} // ids removed while a store read was in progress
	running       bool
	stopCh        chan struct{}
	unsubscribe   func()
	wg            sync.WaitGroup
}

func New(store Store, collector Collector, config Config, opts ...Option) *Queue {
	q := &Queue{
		store:     store,
		collector: collector,
		config:    config,
		clock:     clockwork.NewRealClock(),
		metrics:   NoOpMetricsCollector{},
		health:    HealthUnknown,
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.origin == "" {
		q.origin = uuid.NewString()
	}
	return q
}

// Origin returns the id stamped on this queue's notices
func (q *Queue) Origin() string {
	return q.origin
}

func (q *Queue) now() time.Time {
	if q.times != nil {
		return q.times.Now()
	}
	return q.clock.Now()
}

// Start loads unacknowledged entries, subscribes to sibling notices and
// begins periodic flushing
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return ErrAlreadyRunning
	}
	q.running = true
	q.stopCh = make(chan struct{})
	q.mu.Unlock()

	if err := q.Reload(ctx); err != nil {
		log.Error().Err(err).Msg("failed to load pending log entries")
	}

	if q.broadcaster != nil {
		unsubscribe, err := q.broadcaster.Subscribe(q.handleNotice)
		if err != nil {
			log.Warn().Err(err).Msg("log queue running without sibling notices")
		} else {
			q.mu.Lock()
			q.unsubscribe = unsubscribe
			q.mu.Unlock()
		}
	}

	if q.config.FlushInterval > 0 {
		ticker := q.clock.NewTicker(q.config.FlushInterval)
		q.wg.Add(1)
		go q.run(ctx, ticker, q.stopCh)
	}

	log.Info().
		Dur("flush_interval", q.config.FlushInterval).
		Int("max_pending", q.config.MaxPending).
		Str("origin", q.origin).
		Msg("log queue started")
	return nil
}

// Stop halts periodic flushing and recovery. Entries stay in the store.
func (q *Queue) Stop() error {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return ErrNotRunning
	}
	q.running = false
	close(q.stopCh)
	unsubscribe := q.unsubscribe
	q.unsubscribe = nil
	q.cancelRecoveryLocked()
	q.mu.Unlock()

	q.wg.Wait()
	if unsubscribe != nil {
		unsubscribe()
	}

	log.Info().Msg("log queue stopped")
	return nil
}

func (q *Queue) run(ctx context.Context, ticker clockwork.Ticker, stopCh chan struct{}) {
	defer q.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.Chan():
			if err := q.Flush(ctx); err != nil && !errors.Is(err, ErrOffline) {
				log.Warn().Err(err).Msg("periodic flush failed")
			}
		}
	}
}

// Append persists an entry and adds it to the pending list
func (q *Queue) Append(ctx context.Context, entryType, experimentID string, payload map[string]any) (storage.LogEntry, error) {
	entry := storage.LogEntry{
		Timestamp:    q.now(),
		Type:         entryType,
		ExperimentID: experimentID,
		Payload:      payload,
	}
	id, err := q.store.InsertLogEntry(ctx, entry)
	if err != nil {
		return storage.LogEntry{}, fmt.Errorf("failed to persist log entry: %w", err)
	}
	entry.ID = id

	q.mu.Lock()
	// a concurrent Reload may already have picked the row up
	if !containsID(q.pending, id) {
		q.pending = append(q.pending, entry)
	}
	evicted := q.overflowLocked()
	pending := len(q.pending)
	q.mu.Unlock()

	q.evict(ctx, evicted)
	q.metrics.RecordPending(pending)
	q.broadcast(ctx, Notice{Kind: NoticeAppended, IDs: []int64{id}})
	return entry, nil
}

// overflowLocked cuts the pending list down to the cap and returns what
// was cut, oldest first
func (q *Queue) overflowLocked() []storage.LogEntry {
	limit := q.config.MaxPending
	if limit <= 0 || len(q.pending) <= limit {
		return nil
	}
	n := len(q.pending) - limit
	evicted := append([]storage.LogEntry(nil), q.pending[:n]...)
	q.pending = append([]storage.LogEntry(nil), q.pending[n:]...)
	q.noteDroppedLocked(idsOf(evicted))
	return evicted
}

func (q *Queue) evict(ctx context.Context, evicted []storage.LogEntry) {
	if len(evicted) == 0 {
		return
	}
	ids := idsOf(evicted)
	log.Warn().
		Int("count", len(evicted)).
		Int64("oldest_id", ids[0]).
		Time("oldest_timestamp", evicted[0].Timestamp).
		Msg("log queue over capacity, dropping oldest unacknowledged entries")
	if err := q.store.DeleteLogEntries(ctx, ids); err != nil {
		log.Error().Err(err).Msg("failed to delete evicted log entries")
	}
	q.metrics.RecordEviction(len(evicted))
}

// Reload replaces the pending list with the store's unacknowledged entries.
// Rows acknowledged or evicted while the store was being read are left out.
func (q *Queue) Reload(ctx context.Context) error {
	q.mu.Lock()
	var seen int64
	for _, entry := range q.pending {
		seen = max(seen, entry.ID)
	}
	q.reloads++
	q.mu.Unlock()

	entries, err := q.store.PendingLogEntries(ctx)

	q.mu.Lock()
	dropped := q.dropped
	q.reloads--
	if q.reloads == 0 {
		q.dropped = nil
	}
	if err != nil {
		q.mu.Unlock()
		return fmt.Errorf("failed to load pending entries: %w", err)
	}

	fresh := make([]storage.LogEntry, 0, len(entries))
	for _, entry := range entries {
		if _, gone := dropped[entry.ID]; !gone {
			fresh = append(fresh, entry)
		}
	}
	// keep entries appended while the store was being read
	for _, entry := range q.pending {
		if entry.ID > seen && !containsID(fresh, entry.ID) {
			fresh = append(fresh, entry)
		}
	}
	q.pending = fresh
	evicted := q.overflowLocked()
	pending := len(q.pending)
	q.mu.Unlock()

	q.evict(ctx, evicted)
	q.metrics.RecordPending(pending)
	log.Debug().Int("pending", pending).Msg("log queue reloaded from store")
	return nil
}

// Flush delivers pending entries unless the collector is known to be
// offline. Concurrent calls share one delivery.
func (q *Queue) Flush(ctx context.Context) error {
	return q.flushShared(ctx, false)
}

// FlushAll delivers pending entries, probing even an offline collector, and
// returns within FlushAllTimeout whatever the collector does
func (q *Queue) FlushAll(ctx context.Context) error {
	timeout := q.config.FlushAllTimeout
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		done <- q.flushShared(ctx, true)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		log.Warn().Dur("timeout", timeout).Msg("flush all gave up waiting for collector")
		return fmt.Errorf("%w after %s", ErrFlushTimeout, timeout)
	}
}

func (q *Queue) flushShared(ctx context.Context, force bool) error {
	ch := q.flights.DoChan("flush", func() (any, error) {
		return nil, q.flush(ctx, force)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) flush(ctx context.Context, force bool) error {
	q.mu.Lock()
	health := q.health
	if force && health == HealthOffline {
		health = HealthUnknown
	}
	batch := append([]storage.LogEntry(nil), q.pending...)
	q.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	if health == HealthOffline {
		q.scheduleRecovery()
		return ErrOffline
	}
	if health == HealthUnknown {
		err := q.collector.CheckHealth(ctx)
		q.setHealth(healthAfter(err == nil))
		if err != nil {
			log.Warn().Err(err).Msg("collector health check failed")
			q.scheduleRecovery()
			return fmt.Errorf("%w: %v", ErrOffline, err)
		}
	}

	for _, group := range groupByExperiment(batch) {
		start := q.clock.Now()
		err := q.collector.SendBatch(ctx, group.experimentID, group.entries)
		q.metrics.RecordBatch(group.experimentID, len(group.entries), err == nil, q.clock.Since(start))
		if err != nil {
			q.setHealth(HealthOffline)
			log.Warn().
				Err(err).
				Str("experiment_id", group.experimentID).
				Int("count", len(group.entries)).
				Msg("log batch delivery failed")
			q.scheduleRecovery()
			return fmt.Errorf("failed to deliver %d entries for %s: %w", len(group.entries), group.experimentID, err)
		}

		ids := idsOf(group.entries)
		if _, err := q.store.AcknowledgeLogEntries(ctx, group.experimentID, ids); err != nil {
			// the entries will be delivered again after a reload
			log.Error().Err(err).Msg("failed to delete acknowledged log entries")
		}
		q.acknowledge(ids)
		q.broadcast(ctx, Notice{Kind: NoticeSynced, IDs: ids})

		log.Debug().
			Str("experiment_id", group.experimentID).
			Int("count", len(ids)).
			Msg("log batch delivered")
	}

	q.mu.Lock()
	q.health = HealthOnline
	q.attempts = 0
	q.cancelRecoveryLocked()
	q.mu.Unlock()
	return nil
}

func (q *Queue) acknowledge(ids []int64) {
	q.mu.Lock()
	q.dropLocked(ids)
	pending := len(q.pending)
	q.mu.Unlock()

	q.metrics.RecordPending(pending)
}

// dropLocked removes ids from the pending list for good
func (q *Queue) dropLocked(ids []int64) {
	gone := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		gone[id] = struct{}{}
	}
	kept := make([]storage.LogEntry, 0, len(q.pending))
	for _, entry := range q.pending {
		if _, ok := gone[entry.ID]; !ok {
			kept = append(kept, entry)
		}
	}
	q.pending = kept
	q.noteDroppedLocked(ids)
}

// noteDroppedLocked remembers ids an in-progress Reload must not bring back
func (q *Queue) noteDroppedLocked(ids []int64) {
	if q.reloads == 0 || len(ids) == 0 {
		return
	}
	if q.dropped == nil {
		q.dropped = make(map[int64]struct{}, len(ids))
	}
	for _, id := range ids {
		q.dropped[id] = struct{}{}
	}
}

func (q *Queue) setHealth(h Health) {
	q.mu.Lock()
	prev := q.health
	q.health = h
	q.mu.Unlock()

	if prev != h {
		log.Info().Str("from", prev.String()).Str("to", h.String()).Msg("collector health changed")
	}
}

func (q *Queue) scheduleRecovery() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.recoveryTimer != nil {
		return
	}
	if q.attempts >= q.config.MaxRecoveryAttempts {
		log.Warn().Int("attempts", q.attempts).Msg("log recovery attempts exhausted, waiting for reconnect")
		return
	}
	q.attempts++
	delay := q.config.RecoveryBaseDelay << (q.attempts - 1)
	seq := q.recoverySeq
	q.recoveryTimer = q.clock.AfterFunc(delay, func() {
		q.recover(seq)
	})

	log.Info().Int("attempt", q.attempts).Dur("delay", delay).Msg("log recovery scheduled")
}

func (q *Queue) cancelRecoveryLocked() {
	q.recoverySeq++
	if q.recoveryTimer != nil {
		q.recoveryTimer.Stop()
		q.recoveryTimer = nil
	}
}

func (q *Queue) recover(seq uint64) {
	q.mu.Lock()
	if seq != q.recoverySeq {
		q.mu.Unlock()
		return
	}
	q.recoveryTimer = nil
	q.mu.Unlock()

	ctx := context.Background()
	if q.config.FlushAllTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.config.FlushAllTimeout)
		defer cancel()
	}
	if err := q.Reload(ctx); err != nil {
		log.Error().Err(err).Msg("log recovery could not read the store")
		q.scheduleRecovery()
		return
	}
	if err := q.flushShared(ctx, true); err != nil {
		log.Debug().Err(err).Msg("log recovery attempt failed")
	}
}

// NotifyClientInitialized resets the recovery budget and retries delivery
func (q *Queue) NotifyClientInitialized(ctx context.Context) error {
	return q.retryNow(ctx, "client initialized")
}

// NotifyNetworkRestored resets the recovery budget and retries delivery
func (q *Queue) NotifyNetworkRestored(ctx context.Context) error {
	return q.retryNow(ctx, "network restored")
}

func (q *Queue) retryNow(ctx context.Context, reason string) error {
	q.mu.Lock()
	q.attempts = 0
	q.cancelRecoveryLocked()
	q.health = HealthUnknown
	q.mu.Unlock()

	log.Info().Str("reason", reason).Msg("retrying log delivery")
	if err := q.Reload(ctx); err != nil {
		return err
	}
	return q.flushShared(ctx, true)
}

// Finalize flushes everything and reports the experiment's delivered total
// to the collector. The total is kept in the store, so it covers entries
// delivered before a restart and by sibling queues. A successful finalize
// starts the count again.
func (q *Queue) Finalize(ctx context.Context, experimentID string) (int, error) {
	flushErr := q.FlushAll(ctx)

	total, err := q.store.DeliveredCount(ctx, experimentID)
	if err != nil {
		return 0, errors.Join(flushErr, fmt.Errorf("failed to read delivered count: %w", err))
	}

	fctx := ctx
	if q.config.FlushAllTimeout > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(ctx, q.config.FlushAllTimeout)
		defer cancel()
	}
	err = q.collector.Finalize(fctx, experimentID, total)
	if err != nil {
		log.Error().Err(err).Str("experiment_id", experimentID).Msg("failed to finalize experiment logs")
		return total, errors.Join(flushErr, err)
	}
	if err := q.store.ResetDeliveredCount(ctx, experimentID); err != nil {
		log.Warn().Err(err).Str("experiment_id", experimentID).Msg("failed to reset delivered count")
	}
	log.Info().Str("experiment_id", experimentID).Int("total_logs", total).Msg("experiment logs finalized")
	return total, flushErr
}

// Reset drops in-memory state and pending recovery. The store is untouched,
// so an in-flight flush finishing afterwards only deletes acknowledged rows.
func (q *Queue) Reset() {
	q.mu.Lock()
	q.cancelRecoveryLocked()
	q.pending = nil
	q.attempts = 0
	q.health = HealthUnknown
	q.mu.Unlock()
}

// Clear wipes the store as well and tells siblings to forget their lists
func (q *Queue) Clear(ctx context.Context) error {
	q.Reset()
	if err := q.store.ClearLogEntries(ctx); err != nil {
		return fmt.Errorf("failed to clear log store: %w", err)
	}
	q.broadcast(ctx, Notice{Kind: NoticeCleared})
	return nil
}

// Pending returns a copy of the pending list
func (q *Queue) Pending() []storage.LogEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]storage.LogEntry(nil), q.pending...)
}

func (q *Queue) Health() Health {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.health
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Pending:          len(q.pending),
		Health:           q.health,
		RecoveryAttempts: q.attempts,
		Running:          q.running,
	}
}

func (q *Queue) broadcast(ctx context.Context, notice Notice) {
	if q.broadcaster == nil {
		return
	}
	notice.Origin = q.origin
	if err := q.broadcaster.Publish(ctx, notice); err != nil {
		log.Warn().Err(err).Str("kind", string(notice.Kind)).Msg("failed to broadcast log queue notice")
	}
}

func (q *Queue) handleNotice(notice Notice) {
	if notice.Origin == q.origin {
		return
	}
	switch notice.Kind {
	case NoticeAppended, NoticeSynced:
		if notice.Kind == NoticeSynced {
			q.mu.Lock()
			q.dropLocked(notice.IDs)
			q.mu.Unlock()
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := q.Reload(ctx); err != nil {
			log.Warn().Err(err).Str("origin", notice.Origin).Msg("failed to reload after sibling notice")
		}
	case NoticeCleared:
		q.mu.Lock()
		q.pending = nil
		q.mu.Unlock()
		log.Info().Str("origin", notice.Origin).Msg("sibling cleared the log store")
	}
}

type experimentBatch struct {
	experimentID string
	entries      []storage.LogEntry
}

// groupByExperiment splits entries per experiment, each sorted by
// timestamp then local sequence id. Groups are ordered by their oldest entry.
func groupByExperiment(entries []storage.LogEntry) []experimentBatch {
	byID := make(map[string]int)
	var groups []experimentBatch
	for _, entry := range entries {
		i, ok := byID[entry.ExperimentID]
		if !ok {
			i = len(groups)
			byID[entry.ExperimentID] = i
			groups = append(groups, experimentBatch{experimentID: entry.ExperimentID})
		}
		groups[i].entries = append(groups[i].entries, entry)
	}
	for i := range groups {
		sort.Slice(groups[i].entries, func(a, b int) bool {
			return entryLess(groups[i].entries[a], groups[i].entries[b])
		})
	}
	sort.SliceStable(groups, func(a, b int) bool {
		return entryLess(groups[a].entries[0], groups[b].entries[0])
	})
	return groups
}

func entryLess(a, b storage.LogEntry) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.ID < b.ID
}

func containsID(entries []storage.LogEntry, id int64) bool {
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].ID == id {
			return true
		}
	}
	return false
}

func idsOf(entries []storage.LogEntry) []int64 {
	ids := make([]int64, len(entries))
	for i, entry := range entries {
		ids[i] = entry.ID
	}
	return ids
}
