package logqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NoticeKind says what changed in the shared store
type NoticeKind string

const (
	NoticeAppended NoticeKind = "appended"
	NoticeSynced   NoticeKind = "synced"
	NoticeCleared  NoticeKind = "cleared"
)

// Notice tells sibling queues sharing a store that the store changed
type Notice struct {
	Kind   NoticeKind `json:"kind"`
	Origin string     `json:"origin"`
	IDs    []int64    `json:"ids,omitempty"`
}

// Broadcaster carries notices between queues that share one store
type Broadcaster interface {
	Publish(ctx context.Context, notice Notice) error
	Subscribe(handler func(Notice)) (unsubscribe func(), err error)
}

// LocalBroadcaster fans notices out within one process
type LocalBroadcaster struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]func(Notice)
}

func NewLocalBroadcaster() *LocalBroadcaster {
	return &LocalBroadcaster{handlers: make(map[int]func(Notice))}
}

func (b *LocalBroadcaster) Publish(_ context.Context, notice Notice) error {
	b.mu.RLock()
	handlers := make([]func(Notice), 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(notice)
	}
	return nil
}

func (b *LocalBroadcaster) Subscribe(handler func(Notice)) (func(), error) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = handler
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}, nil
}

// NATSBroadcaster carries notices over a NATS subject, for processes that
// share one store file
type NATSBroadcaster struct {
	conn    *nats.Conn
	subject string
}

func NewNATSBroadcaster(conn *nats.Conn, namespace string) *NATSBroadcaster {
	if namespace == "" {
		namespace = "expsync"
	}
	return &NATSBroadcaster{conn: conn, subject: namespace + ".logqueue.notices"}
}

func (b *NATSBroadcaster) Publish(_ context.Context, notice Notice) error {
	data, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("failed to marshal notice: %w", err)
	}
	if err := b.conn.Publish(b.subject, data); err != nil {
		return fmt.Errorf("failed to publish notice: %w", err)
	}
	return nil
}

func (b *NATSBroadcaster) Subscribe(handler func(Notice)) (func(), error) {
	sub, err := b.conn.Subscribe(b.subject, func(msg *nats.Msg) {
		var notice Notice
		if err := json.Unmarshal(msg.Data, &notice); err != nil {
			log.Warn().Err(err).Str("subject", msg.Subject).Msg("discarding malformed notice")
			return
		}
		handler(notice)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", b.subject, err)
	}

	log.Info().Str("subject", b.subject).Msg("subscribed to log queue notices")
	return func() {
		if err := sub.Unsubscribe(); err != nil {
			log.Warn().Err(err).Str("subject", b.subject).Msg("failed to unsubscribe")
		}
	}, nil
}
