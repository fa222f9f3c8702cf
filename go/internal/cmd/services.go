package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/mcdev12/expsync/go/internal/clocksync"
	"github.com/mcdev12/expsync/go/internal/config"
	"github.com/mcdev12/expsync/go/internal/connection"
	"github.com/mcdev12/expsync/go/internal/logqueue"
	"github.com/mcdev12/expsync/go/internal/progression"
	"github.com/mcdev12/expsync/go/internal/session"
	"github.com/mcdev12/expsync/go/internal/storage"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Services holds the wired client stack
type Services struct {
	Store     *storage.Store
	Clock     *clocksync.Estimator
	Manager   *connection.Manager
	Machine   *progression.Machine
	Queue     *logqueue.Queue
	Metrics   *logqueue.CountingMetrics
	Sync      *session.Synchronizer
	Sequence  []progression.Action
	closeFunc []func()
}

func setupServices(ctx context.Context, cfg config.Config) (*Services, error) {
	store, err := storage.Open(ctx, cfg.StorePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	s := &Services{Store: store}
	s.onClose(func() { _ = store.Close() })

	var kv storage.KeyValueStore = store.KV()
	if cfg.Redis.URL != "" {
		redisKV, err := storage.NewRedisKV(ctx, cfg.Redis.URL, cfg.Namespace, cfg.Redis.TTL)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.onClose(func() { _ = redisKV.Close() })
		kv = redisKV
		log.Info().Str("url", cfg.Redis.URL).Msg("identity store using redis")
	}

	httpClient := &http.Client{Timeout: 10 * time.Second}
	s.Clock = clocksync.NewEstimator(
		clocksync.NewHTTPAuthority(cfg.Coordinator.TimeURL, httpClient),
		nil,
		cfg.ClockSyncConfig(),
	)

	s.Manager = connection.NewManager(
		connection.NewWebSocketTransport(cfg.Coordinator.WebSocketURL, connection.DefaultWebSocketConfig()),
		connection.NewIdentityStore(kv, cfg.Namespace),
		cfg.ConnectionConfig(),
		connection.WithTimeSource(s.Clock),
	)

	s.Metrics = &logqueue.CountingMetrics{}
	queueOpts := []logqueue.Option{
		logqueue.WithTimeSource(s.Clock),
		logqueue.WithMetrics(s.Metrics),
		logqueue.WithOrigin(connection.NewClientID()),
	}
	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name(cfg.Namespace))
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to connect to nats: %w", err)
		}
		s.onClose(nc.Close)
		queueOpts = append(queueOpts, logqueue.WithBroadcaster(logqueue.NewNATSBroadcaster(nc, cfg.Namespace)))
		log.Info().Str("url", cfg.NATS.URL).Msg("log queue sharing store changes over nats")
	}
	collector := logqueue.NewHTTPCollector(cfg.Coordinator.CollectorURL, cfg.Coordinator.HealthURL, httpClient)
	s.Queue = logqueue.New(store, collector, cfg.QueueConfig(), queueOpts...)

	s.Machine = progression.NewMachine(s.Manager, s.Clock, cfg.ProgressionConfig())

	if cfg.Sequence.Path != "" {
		seq, err := progression.LoadSequenceFile(cfg.Sequence.Path)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to load sequence: %w", err)
		}
		s.Sequence = seq
		log.Info().Str("path", cfg.Sequence.Path).Int("actions", len(seq)).Msg("sequence loaded")
	}

	s.Sync = session.New(s.Manager, s.Clock, s.Machine, s.Queue, session.NotifierFunc(logNotification))
	if len(s.Sequence) > 0 && !cfg.Role.CanMutate() {
		s.Sync.Prepare(cfg.Sequence.ExperimentID, s.Sequence)
	}
	return s, nil
}

func (s *Services) onClose(f func()) {
	s.closeFunc = append(s.closeFunc, f)
}

// Close releases resources in reverse order of acquisition
func (s *Services) Close() {
	for i := len(s.closeFunc) - 1; i >= 0; i-- {
		s.closeFunc[i]()
	}
	s.closeFunc = nil
}

func logNotification(n session.Notification) {
	event := log.Info().
		Str("kind", string(n.Kind)).
		Str("experimentId", n.Snapshot.ExperimentID).
		Stringer("connection", n.Snapshot.Connection).
		Str("status", string(n.Snapshot.Progress.Status)).
		Int("cursor", n.Snapshot.Progress.Cursor).
		Int("total", n.Snapshot.Progress.Total).
		Int("pendingLogs", n.Snapshot.Logs.Pending)
	if n.Change != nil {
		event = event.Str("change", string(n.Change.Kind)).
			Str("actionId", n.Change.ActionID).
			Str("origin", string(n.Change.Origin))
	}
	if n.Snapshot.Invalidated != nil {
		event = event.Str("reason", n.Snapshot.Invalidated.Reason)
	}
	event.Msg("session update")
}
