package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mcdev12/expsync/go/internal/protocol"
	"github.com/mcdev12/expsync/go/internal/storage"
)

// Identity is who this client is within a session. SessionID is assigned by
// the coordination service; ClientID is stable for the client's lifetime.
type Identity struct {
	SessionID string        `json:"sessionId"`
	ClientID  string        `json:"clientId"`
	Role      protocol.Role `json:"role"`
}

// NewClientID returns a fresh client id
func NewClientID() string {
	return uuid.NewString()
}

// IdentityStore persists the Identity under a namespaced key so a restarted
// client reattaches to the same session
type IdentityStore struct {
	kv  storage.KeyValueStore
	key string
}

func NewIdentityStore(kv storage.KeyValueStore, namespace string) *IdentityStore {
	if namespace == "" {
		namespace = "expsync"
	}
	return &IdentityStore{kv: kv, key: namespace + ":identity"}
}

// Load returns the persisted identity; ok is false when none is stored
func (s *IdentityStore) Load(ctx context.Context) (Identity, bool, error) {
	raw, err := s.kv.Get(ctx, s.key)
	if errors.Is(err, storage.ErrNotFound) {
		return Identity{}, false, nil
	}
	if err != nil {
		return Identity{}, false, fmt.Errorf("failed to load identity: %w", err)
	}
	var id Identity
	if err := json.Unmarshal(raw, &id); err != nil {
		return Identity{}, false, fmt.Errorf("failed to decode identity: %w", err)
	}
	return id, true, nil
}

func (s *IdentityStore) Save(ctx context.Context, id Identity) error {
	raw, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("failed to encode identity: %w", err)
	}
	if err := s.kv.Set(ctx, s.key, raw); err != nil {
		return fmt.Errorf("failed to save identity: %w", err)
	}
	return nil
}

func (s *IdentityStore) Clear(ctx context.Context) error {
	if err := s.kv.Delete(ctx, s.key); err != nil {
		return fmt.Errorf("failed to clear identity: %w", err)
	}
	return nil
}
