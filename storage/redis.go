package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/ibnizhaku/ip.loomora.ch-2.0-sub010/types"
)

const (
	configPrefix   = "config:"
	instancePrefix = "instance:"
)

// RedisStorage is a Redis-backed implementation of the Store interface.
// Instances and configs are stored as JSON strings.
type RedisStorage struct {
	client    *redis.Client
	keyPrefix string
}

var _ Store = (*RedisStorage)(nil)

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
	// KeyPrefix namespaces all keys, e.g. "approval:".
	KeyPrefix string
}

// NewRedisStorage creates a new RedisStorage instance with configurable options.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStorage{client: client, keyPrefix: opts.KeyPrefix}, nil
}

func (s *RedisStorage) configKey(docType types.DocumentType) string {
	return s.keyPrefix + configPrefix + string(docType)
}

func (s *RedisStorage) instanceKey(documentID string) string {
	return s.keyPrefix + instancePrefix + documentID
}

// SaveConfig saves a workflow config to Redis.
func (s *RedisStorage) SaveConfig(ctx context.Context, cfg types.WorkflowConfig) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to marshal config %s: %w", cfg.DocumentType, err)
		}
		key := s.configKey(cfg.DocumentType)
		if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
			return fmt.Errorf("failed to set %s in Redis: %w", key, err)
		}
		return nil
	})
}

// SaveConfigs saves multiple configs to Redis using pipelining.
func (s *RedisStorage) SaveConfigs(ctx context.Context, cfgs []types.WorkflowConfig) error {
	return withContextError(ctx, func() error {
		pipe := s.client.Pipeline()
		for _, cfg := range cfgs {
			data, err := json.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to marshal config %s: %w", cfg.DocumentType, err)
			}
			pipe.Set(ctx, s.configKey(cfg.DocumentType), data, 0)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to execute pipeline for configs: %w", err)
		}
		return nil
	})
}

// GetConfig retrieves a workflow config from Redis.
func (s *RedisStorage) GetConfig(ctx context.Context, docType types.DocumentType) (types.WorkflowConfig, error) {
	return getFromRedis[types.WorkflowConfig](ctx, s.client, s.configKey(docType), ErrConfigNotFound)
}

// CreateInstance stores a new instance with version 1 unless the key exists.
func (s *RedisStorage) CreateInstance(ctx context.Context, inst *types.ApprovalInstance) error {
	return withContextError(ctx, func() error {
		stored := inst.Clone()
		stored.Version = 1
		data, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("failed to marshal instance %s: %w", inst.DocumentID, err)
		}
		key := s.instanceKey(inst.DocumentID)
		created, err := s.client.SetNX(ctx, key, data, 0).Result()
		if err != nil {
			return fmt.Errorf("failed to set %s in Redis: %w", key, err)
		}
		if !created {
			return fmt.Errorf("%w: document_id=%s", ErrAlreadyExists, inst.DocumentID)
		}
		inst.Version = 1
		return nil
	})
}

// GetInstance retrieves the instance of a document from Redis.
func (s *RedisStorage) GetInstance(ctx context.Context, documentID string) (types.ApprovalInstance, error) {
	return getFromRedis[types.ApprovalInstance](ctx, s.client, s.instanceKey(documentID), ErrInstanceNotFound)
}

// UpdateInstance replaces the instance inside a WATCH transaction so that a
// concurrent writer makes it fail with ErrVersionConflict.
func (s *RedisStorage) UpdateInstance(ctx context.Context, inst *types.ApprovalInstance, expectedVersion int64) error {
	return withContextError(ctx, func() error {
		key := s.instanceKey(inst.DocumentID)
		next := inst.Clone()
		next.Version = expectedVersion + 1
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("failed to marshal instance %s: %w", inst.DocumentID, err)
		}

		err = s.client.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("%w: document_id=%s", ErrInstanceNotFound, inst.DocumentID)
			} else if err != nil {
				return fmt.Errorf("failed to get %s from Redis: %w", key, err)
			}
			var current types.ApprovalInstance
			if err := json.Unmarshal(raw, &current); err != nil {
				return fmt.Errorf("failed to unmarshal %s: %w", key, err)
			}
			if current.Version != expectedVersion {
				return fmt.Errorf("%w: document_id=%s stored=%d expected=%d",
					ErrVersionConflict, inst.DocumentID, current.Version, expectedVersion)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			return fmt.Errorf("%w: document_id=%s modified concurrently", ErrVersionConflict, inst.DocumentID)
		}
		if err != nil {
			return err
		}
		inst.Version = next.Version
		return nil
	})
}

// DeleteInstance removes the instance of a retired document.
func (s *RedisStorage) DeleteInstance(ctx context.Context, documentID string) error {
	return withContextError(ctx, func() error {
		key := s.instanceKey(documentID)
		n, err := s.client.Del(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("failed to delete %s: %w", key, err)
		}
		if n == 0 {
			return fmt.Errorf("%w: document_id=%s", ErrInstanceNotFound, documentID)
		}
		return nil
	})
}

// ListInstances scans all instance keys and returns the matching instances.
func (s *RedisStorage) ListInstances(ctx context.Context, filter InstanceFilter) ([]types.ApprovalInstance, error) {
	return withContext(ctx, func() ([]types.ApprovalInstance, error) {
		var keys []string
		iter := s.client.Scan(ctx, 0, s.keyPrefix+instancePrefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if err := iter.Err(); err != nil {
			return nil, fmt.Errorf("failed to scan instance keys: %w", err)
		}
		if len(keys) == 0 {
			return nil, nil
		}

		values, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to load instances: %w", err)
		}

		var out []types.ApprovalInstance
		for i, v := range values {
			raw, ok := v.(string)
			if !ok {
				continue // deleted between SCAN and MGET
			}
			var inst types.ApprovalInstance
			if err := json.Unmarshal([]byte(raw), &inst); err != nil {
				return nil, fmt.Errorf("failed to unmarshal %s: %w", keys[i], err)
			}
			if filter.match(inst) {
				out = append(out, inst)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].DocumentID < out[j].DocumentID })
		return out, nil
	})
}

// ClearTerminal removes decided instances last updated before the cutoff.
// Every candidate is re-checked inside a WATCH transaction, so an instance
// replaced after the scan is kept.
func (s *RedisStorage) ClearTerminal(ctx context.Context, before time.Time) (int, error) {
	instances, err := s.ListInstances(ctx, InstanceFilter{})
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, inst := range instances {
		if !clearable(inst, before) {
			continue
		}
		deleted, err := s.deleteIfClearable(ctx, inst.DocumentID, before)
		if err != nil {
			return removed, err
		}
		if deleted {
			removed++
		}
	}
	return removed, nil
}

// deleteIfClearable deletes the instance of documentID only if the stored
// value is still clearable when the transaction commits.
func (s *RedisStorage) deleteIfClearable(ctx context.Context, documentID string, before time.Time) (bool, error) {
	key := s.instanceKey(documentID)
	deleted := false
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		} else if err != nil {
			return fmt.Errorf("failed to get %s from Redis: %w", key, err)
		}
		var current types.ApprovalInstance
		if err := json.Unmarshal(raw, &current); err != nil {
			return fmt.Errorf("failed to unmarshal %s: %w", key, err)
		}
		if !clearable(current, before) {
			return nil
		}
		if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		}); err != nil {
			return err
		}
		deleted = true
		return nil
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		// modified concurrently; the next sweep decides again
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return deleted, nil
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}

// getFromRedis retrieves and unmarshals a JSON value stored under key.
func getFromRedis[T any](ctx context.Context, client *redis.Client, key string, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		data, err := client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return zero, fmt.Errorf("%w: key=%s", errNotFound, key)
		} else if err != nil {
			return zero, fmt.Errorf("failed to get %s from Redis: %w", key, err)
		}

		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, fmt.Errorf("failed to unmarshal %s: %w", key, err)
		}
		return result, nil
	})
}
