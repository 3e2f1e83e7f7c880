package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"cosession/api/internal/broadcast"
)

// MemoryRegistry keeps presence in process memory for single-instance runs.
type MemoryRegistry struct {
	mu       sync.Mutex
	sessions map[string]map[string]broadcast.PresenceRecord
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{sessions: make(map[string]map[string]broadcast.PresenceRecord)}
}

func (r *MemoryRegistry) Put(_ context.Context, sessionID string, record broadcast.PresenceRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	members := r.sessions[sessionID]
	if members == nil {
		members = make(map[string]broadcast.PresenceRecord)
		r.sessions[sessionID] = members
	}
	members[record.ConnectionID] = record
	return nil
}

func (r *MemoryRegistry) Remove(_ context.Context, sessionID, connectionID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members := r.sessions[sessionID]
	if _, ok := members[connectionID]; !ok {
		return false, nil
	}
	delete(members, connectionID)
	if len(members) == 0 {
		delete(r.sessions, sessionID)
	}
	return true, nil
}

func (r *MemoryRegistry) Touch(_ context.Context, sessionID, connectionID string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.sessions[sessionID][connectionID]
	if !ok {
		return false, nil
	}
	record.LastSeen = at
	r.sessions[sessionID][connectionID] = record
	return true, nil
}

func (r *MemoryRegistry) List(_ context.Context, sessionID string) ([]broadcast.PresenceRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	records := make([]broadcast.PresenceRecord, 0, len(r.sessions[sessionID]))
	for _, record := range r.sessions[sessionID] {
		records = append(records, record)
	}
	return records, nil
}

func (r *MemoryRegistry) Sessions(context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids, nil
}

const maxTxAttempts = 8

// RedisRegistry shares presence between API instances: one hash per
// session (connection id -> JSON record) plus a set of sessions that have
// live connections.
type RedisRegistry struct {
	client *redis.Client
	prefix string
}

func NewRedisRegistry(client *redis.Client) *RedisRegistry {
	return &RedisRegistry{client: client, prefix: "cosession:presence"}
}

func (r *RedisRegistry) key(sessionID string) string {
	return r.prefix + ":" + sessionID
}

func (r *RedisRegistry) sessionsKey() string {
	return r.prefix + ":sessions"
}

func (r *RedisRegistry) Put(ctx context.Context, sessionID string, record broadcast.PresenceRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.key(sessionID), record.ConnectionID, payload)
	pipe.SAdd(ctx, r.sessionsKey(), sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save presence: %w", err)
	}
	return nil
}

func (r *RedisRegistry) Remove(ctx context.Context, sessionID, connectionID string) (bool, error) {
	key := r.key(sessionID)
	var removed bool
	err := r.watch(ctx, key, func(tx *redis.Tx) error {
		exists, err := tx.HExists(ctx, key, connectionID).Result()
		if err != nil {
			return fmt.Errorf("read presence: %w", err)
		}
		remaining, err := tx.HLen(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("count presence: %w", err)
		}
		if exists {
			remaining--
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if exists {
				pipe.HDel(ctx, key, connectionID)
			}
			if remaining <= 0 {
				pipe.SRem(ctx, r.sessionsKey(), sessionID)
			}
			return nil
		})
		if err != nil {
			return err
		}
		removed = exists
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("remove presence: %w", err)
	}
	return removed, nil
}

// Touch only rewrites a record that is still present. The hash is watched
// so a concurrent Remove between the read and the write aborts the write.
func (r *RedisRegistry) Touch(ctx context.Context, sessionID, connectionID string, at time.Time) (bool, error) {
	key := r.key(sessionID)
	var found bool
	err := r.watch(ctx, key, func(tx *redis.Tx) error {
		found = false
		raw, err := tx.HGet(ctx, key, connectionID).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read presence: %w", err)
		}
		var record broadcast.PresenceRecord
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			return fmt.Errorf("unmarshal presence: %w", err)
		}
		record.LastSeen = at
		payload, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("marshal presence: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, connectionID, payload)
			pipe.SAdd(ctx, r.sessionsKey(), sessionID)
			return nil
		})
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("touch presence: %w", err)
	}
	return found, nil
}

// watch runs fn under WATCH on key, retrying when another writer changed
// the key before EXEC.
func (r *RedisRegistry) watch(ctx context.Context, key string, fn func(*redis.Tx) error) error {
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := r.client.Watch(ctx, fn, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return redis.TxFailedErr
}

func (r *RedisRegistry) List(ctx context.Context, sessionID string) ([]broadcast.PresenceRecord, error) {
	entries, err := r.client.HGetAll(ctx, r.key(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}
	records := make([]broadcast.PresenceRecord, 0, len(entries))
	for connectionID, raw := range entries {
		var record broadcast.PresenceRecord
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			return nil, fmt.Errorf("unmarshal presence %s: %w", connectionID, err)
		}
		records = append(records, record)
	}
	return records, nil
}

func (r *RedisRegistry) Sessions(ctx context.Context) ([]string, error) {
	ids, err := r.client.SMembers(ctx, r.sessionsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list presence sessions: %w", err)
	}
	return ids, nil
}
