package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// StateStore persists circuit-breaker state for the provider ledger, so
// provider selection and breaker bookkeeping never need to branch on which
// backend is active. MemStateStore is the single-process default; RedisStateStore
// is used when a provider roster is shared across multiple router
// instances (e.g. more than one channel process talking to the same
// providers).
type StateStore interface {
	// RecordFailure increments the provider's consecutive-failure count
	// and opens its breaker once breakerFailureThreshold is reached.
	// Returns whether the breaker is now open.
	RecordFailure(ctx context.Context, provider string) (open bool, err error)
	// RecordSuccess clears the provider's failure count and closes its
	// breaker.
	RecordSuccess(ctx context.Context, provider string) error
	// IsOpen reports whether the provider's breaker is currently open.
	IsOpen(ctx context.Context, provider string) (bool, error)
}

// MemStateStore is a mutex-guarded in-process StateStore. It is the
// router's original behavior before breaker state was abstracted behind
// an interface, and remains the default for single-process deployments.
type MemStateStore struct {
	mu       sync.Mutex
	breakers map[string]*breakerState
}

// NewMemStateStore creates an empty in-process state store.
func NewMemStateStore() *MemStateStore {
	return &MemStateStore{breakers: make(map[string]*breakerState)}
}

func (s *MemStateStore) RecordFailure(_ context.Context, provider string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[provider]
	if !ok {
		b = &breakerState{}
		s.breakers[provider] = b
	}
	b.consecutiveFailures++
	if b.consecutiveFailures >= breakerFailureThreshold {
		b.openUntil = time.Now().Add(breakerCooldown)
	}
	return time.Now().Before(b.openUntil), nil
}

func (s *MemStateStore) RecordSuccess(_ context.Context, provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[provider]; ok {
		b.consecutiveFailures = 0
		b.openUntil = time.Time{}
	}
	return nil
}

func (s *MemStateStore) IsOpen(_ context.Context, provider string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[provider]
	if !ok {
		return false, nil
	}
	return time.Now().Before(b.openUntil), nil
}

// RedisStateStore persists breaker state in Redis so multiple router
// instances (one per channel process) agree on which providers are
// currently tripped. Keys are namespaced under "mnemo:router:breaker:".
type RedisStateStore struct {
	client *redis.Client
}

// NewRedisStateStore wraps an existing Redis client. Callers own the
// client's lifecycle (Close it themselves).
func NewRedisStateStore(client *redis.Client) *RedisStateStore {
	return &RedisStateStore{client: client}
}

func failuresKey(provider string) string { return "mnemo:router:breaker:" + provider + ":failures" }
func openUntilKey(provider string) string { return "mnemo:router:breaker:" + provider + ":open_until" }

func (s *RedisStateStore) RecordFailure(ctx context.Context, provider string) (bool, error) {
	n, err := s.client.Incr(ctx, failuresKey(provider)).Result()
	if err != nil {
		return false, fmt.Errorf("redis breaker incr: %w", err)
	}
	if n < breakerFailureThreshold {
		return false, nil
	}
	openUntil := time.Now().Add(breakerCooldown)
	if err := s.client.Set(ctx, openUntilKey(provider), openUntil.UnixNano(), breakerCooldown).Err(); err != nil {
		return false, fmt.Errorf("redis breaker set open_until: %w", err)
	}
	return true, nil
}

func (s *RedisStateStore) RecordSuccess(ctx context.Context, provider string) error {
	if err := s.client.Del(ctx, failuresKey(provider), openUntilKey(provider)).Err(); err != nil {
		return fmt.Errorf("redis breaker clear: %w", err)
	}
	return nil
}

func (s *RedisStateStore) IsOpen(ctx context.Context, provider string) (bool, error) {
	val, err := s.client.Get(ctx, openUntilKey(provider)).Int64()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis breaker get open_until: %w", err)
	}
	return time.Now().Before(time.Unix(0, val)), nil
}
