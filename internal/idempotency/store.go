// Package idempotency deduplicates workflow creation requests carrying an
// idempotency key.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/signet/model"
)

// Store maps an idempotency key to the workflow instance it created.
//
// A creator first reserves the key, then either completes it with the new
// instance id or releases it when creation fails. Only one caller can hold a
// reservation at a time.
type Store interface {
	// Reserve claims key for inputHash. reserved is true when the caller now
	// owns the key. A completed key returns its instance id with reserved
	// false. A key reused with a different input, or still held by another
	// request, is a CONFLICT.
	Reserve(ctx context.Context, key, inputHash string, ttl time.Duration) (instanceID string, reserved bool, err error)

	// Complete records instanceID under a reserved key for ttl.
	Complete(ctx context.Context, key, inputHash, instanceID string, ttl time.Duration) error

	// Release drops a reservation that was never completed.
	Release(ctx context.Context, key string) error
}

type entry struct {
	InputHash  string `json:"input_hash"`
	InstanceID string `json:"instance_id,omitempty"`
}

func (e entry) pending() bool { return e.InstanceID == "" }

// FormatKey builds the storage key for a caller-supplied idempotency key.
func FormatKey(subject, key string) string {
	return fmt.Sprintf("idem:workflows:%s:%s", subject, key)
}

func conflict(key string) error {
	return model.NewConflictError(fmt.Sprintf("idempotency key %q already used with different input", key))
}

func inProgress(key string) error {
	return model.NewConflictError(fmt.Sprintf("request with idempotency key %q is still in progress", key))
}

// resolve classifies an existing entry for a Reserve call.
func resolve(key, inputHash string, e entry) (string, bool, error) {
	if e.InputHash != inputHash {
		return "", false, conflict(key)
	}
	if e.pending() {
		return "", false, inProgress(key)
	}
	return e.InstanceID, false, nil
}

// MemoryStore is an in-memory Store with TTL support.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

type memEntry struct {
	entry
	expiresAt time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memEntry), now: time.Now}
}

func (s *MemoryStore) lookup(key string) (memEntry, bool) {
	e, ok := s.entries[key]
	if ok && !s.now().Before(e.expiresAt) {
		delete(s.entries, key)
		return memEntry{}, false
	}
	return e, ok
}

func (s *MemoryStore) Reserve(_ context.Context, key, inputHash string, ttl time.Duration) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.lookup(key); ok {
		return resolve(key, inputHash, e.entry)
	}
	s.entries[key] = memEntry{
		entry:     entry{InputHash: inputHash},
		expiresAt: s.now().Add(ttl),
	}
	return "", true, nil
}

func (s *MemoryStore) Complete(_ context.Context, key, inputHash, instanceID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.lookup(key); ok && e.InputHash != inputHash {
		return conflict(key)
	}
	s.entries[key] = memEntry{
		entry:     entry{InputHash: inputHash, InstanceID: instanceID},
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok && e.pending() {
		delete(s.entries, key)
	}
	return nil
}

// Len returns the number of entries, expired ones included. For testing.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// RedisStore is a Redis-backed Store.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a RedisStore.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) get(ctx context.Context, key string) (entry, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return entry{}, false, nil
	}
	if err != nil {
		return entry{}, false, fmt.Errorf("redis get %q: %w", key, err)
	}
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return entry{}, false, fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
	}
	return e, true, nil
}

// Reserve writes a pending entry with SET NX, so exactly one racing creator
// wins the key.
func (s *RedisStore) Reserve(ctx context.Context, key, inputHash string, ttl time.Duration) (string, bool, error) {
	data, err := json.Marshal(entry{InputHash: inputHash})
	if err != nil {
		return "", false, fmt.Errorf("marshal idempotency entry: %w", err)
	}
	set, err := s.client.SetNX(ctx, key, data, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("redis setnx %q: %w", key, err)
	}
	if set {
		return "", true, nil
	}
	existing, ok, err := s.get(ctx, key)
	if err != nil {
		return "", false, err
	}
	if !ok {
		// Expired between SETNX and GET.
		return "", false, inProgress(key)
	}
	return resolve(key, inputHash, existing)
}

func (s *RedisStore) Complete(ctx context.Context, key, inputHash, instanceID string, ttl time.Duration) error {
	data, err := json.Marshal(entry{InputHash: inputHash, InstanceID: instanceID})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	e, ok, err := s.get(ctx, key)
	if err != nil || !ok || !e.pending() {
		return err
	}
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", key, err)
	}
	return nil
}
