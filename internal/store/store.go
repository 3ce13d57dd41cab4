// Package store is the key-value cache holding lobby and session snapshots,
// the access credential and the auto-leave marker.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/victornm/quizlive/internal/domain"
	"github.com/victornm/quizlive/internal/event"
)

// Store gets and sets raw values by key. Reads and writes have no side effects on
// other keys, and there is no transaction across keys.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// GetJSON decodes the value at key into v. It reports false if the key is absent.
func GetJSON(ctx context.Context, s Store, key string, v any) (bool, error) {
	b, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}

	if err := json.Unmarshal(b, v); err != nil {
		return false, fmt.Errorf("store: decode %s: %w", key, err)
	}

	return true, nil
}

func SetJSON(ctx context.Context, s Store, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", key, err)
	}

	return s.Set(ctx, key, b)
}

func LobbyKey(lobbyID string) string {
	return "lobby:" + lobbyID
}

func SessionKey(sessionID string) string {
	return "session:" + sessionID
}

// Memory is a Store kept in process memory.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), b...), true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
	return nil
}

// Observed publishes domain.EventSnapshotUpdated after every successful write.
type Observed struct {
	Store
	eb *event.Bus
}

func NewObserved(s Store, eb *event.Bus) *Observed {
	return &Observed{Store: s, eb: eb}
}

func (o *Observed) Set(ctx context.Context, key string, value []byte) error {
	if err := o.Store.Set(ctx, key, value); err != nil {
		return err
	}

	o.eb.Publish(ctx, domain.EventSnapshotUpdated{Key: key})
	return nil
}

func (o *Observed) Delete(ctx context.Context, key string) error {
	if err := o.Store.Delete(ctx, key); err != nil {
		return err
	}

	o.eb.Publish(ctx, domain.EventSnapshotUpdated{Key: key, Deleted: true})
	return nil
}

// Expiring is implemented by stores that can bound the lifetime of a key.
type Expiring interface {
	SetTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
}
