// Package stats counts capability usage. Sinks are injected into the
// collaborators that report to them, never held in package state.
package stats

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

// Sink receives one event per capability call.
type Sink interface {
	RecordAttempt(ctx context.Context, capability string)
	RecordSuccess(ctx context.Context, capability string)
	RecordFailure(ctx context.Context, capability string, reason string)
}

// Counters is a snapshot for one capability.
type Counters struct {
	Capability string `json:"capability"`
	Attempts   int64  `json:"attempts"`
	Successes  int64  `json:"successes"`
	Failures   int64  `json:"failures"`
}

// Memory is an in-process sink, safe for concurrent use.
type Memory struct {
	mu       sync.Mutex
	counters map[string]*Counters
}

func NewMemory() *Memory {
	return &Memory{counters: make(map[string]*Counters)}
}

func (m *Memory) get(capability string) *Counters {
	c, ok := m.counters[capability]
	if !ok {
		c = &Counters{Capability: capability}
		m.counters[capability] = c
	}
	return c
}

func (m *Memory) RecordAttempt(_ context.Context, capability string) {
	m.mu.Lock()
	m.get(capability).Attempts++
	m.mu.Unlock()
}

func (m *Memory) RecordSuccess(_ context.Context, capability string) {
	m.mu.Lock()
	m.get(capability).Successes++
	m.mu.Unlock()
}

func (m *Memory) RecordFailure(_ context.Context, capability string, _ string) {
	m.mu.Lock()
	m.get(capability).Failures++
	m.mu.Unlock()
}

// Snapshot returns the counters for one capability.
func (m *Memory) Snapshot(capability string) Counters {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.counters[capability]; ok {
		return *c
	}
	return Counters{Capability: capability}
}

const (
	redisKeyPrefix = "stats:capability:"
	redisIndexKey  = "stats:capabilities"
	redisLastError = "last_failure"
)

// Redis keeps counters in one hash per capability so every worker process
// reports into the same totals.
type Redis struct {
	client *redis.Client
	logger zerolog.Logger
}

func NewRedis(client *redis.Client, logger zerolog.Logger) *Redis {
	return &Redis{
		client: client,
		logger: logger.With().Str("component", "stats").Logger(),
	}
}

func (r *Redis) incr(ctx context.Context, capability, field string, extra map[string]interface{}) {
	key := redisKeyPrefix + capability
	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, redisIndexKey, capability)
	pipe.HIncrBy(ctx, key, field, 1)
	if len(extra) > 0 {
		pipe.HSet(ctx, key, extra)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		// counters never fail the caller
		r.logger.Warn().Err(err).Str("capability", capability).Str("field", field).Msg("failed to record stat")
	}
}

func (r *Redis) RecordAttempt(ctx context.Context, capability string) {
	r.incr(ctx, capability, "attempts", nil)
}

func (r *Redis) RecordSuccess(ctx context.Context, capability string) {
	r.incr(ctx, capability, "successes", nil)
}

func (r *Redis) RecordFailure(ctx context.Context, capability string, reason string) {
	r.incr(ctx, capability, "failures", map[string]interface{}{
		redisLastError: fmt.Sprintf("%s %s", time.Now().UTC().Format(time.RFC3339), truncate(reason, 200)),
	})
}

// All reads every known capability's counters, sorted by name.
func (r *Redis) All(ctx context.Context) ([]Counters, error) {
	names, err := r.client.SMembers(ctx, redisIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list capabilities: %w", err)
	}
	sort.Strings(names)

	out := make([]Counters, 0, len(names))
	for _, name := range names {
		var c struct {
			Attempts  int64 `redis:"attempts"`
			Successes int64 `redis:"successes"`
			Failures  int64 `redis:"failures"`
		}
		if err := r.client.HGetAll(ctx, redisKeyPrefix+name).Scan(&c); err != nil {
			return nil, fmt.Errorf("failed to read %s counters: %w", name, err)
		}
		out = append(out, Counters{Capability: name, Attempts: c.Attempts, Successes: c.Successes, Failures: c.Failures})
	}
	return out, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
