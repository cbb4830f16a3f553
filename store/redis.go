package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore 每台设备一个 hash（data、version、updated_at），地址集合用于 List
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(ctx context.Context, addr, password string, db int, prefix string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis %s: %w", addr, err)
	}
	return NewRedisStoreWithClient(client, prefix), nil
}

// NewRedisStoreWithClient 使用已有客户端
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "netcfg"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) deviceKey(address string) string {
	return s.prefix + ":device:" + address
}

func (s *RedisStore) indexKey() string {
	return s.prefix + ":devices"
}

func (s *RedisStore) Load(ctx context.Context, address string) (*DeviceRecord, error) {
	vals, err := s.client.HGetAll(ctx, s.deviceKey(address)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading device %s: %w", address, err)
	}
	if len(vals) == 0 {
		return nil, ErrNotFound
	}
	return decodeHash(vals)
}

func (s *RedisStore) Save(ctx context.Context, rec *DeviceRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	key := s.deviceKey(rec.Address)
	now := time.Now().UTC()
	next := rec.Version + 1

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding device %s: %w", rec.Address, err)
	}

	// WATCH 期间记录被改写时事务放弃执行
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.HGet(ctx, key, "version").Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if cur != rec.Version {
			return ErrVersionConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "data", data, "version", next, "updated_at", now.Format(time.RFC3339Nano))
			pipe.SAdd(ctx, s.indexKey(), rec.Address)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		err = ErrVersionConflict
	}
	if err != nil {
		return fmt.Errorf("saving device %s: %w", rec.Address, err)
	}

	rec.Version = next
	rec.UpdatedAt = now
	return nil
}

func (s *RedisStore) List(ctx context.Context) ([]DeviceRecord, error) {
	addrs, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	sort.Strings(addrs)

	out := make([]DeviceRecord, 0, len(addrs))
	for _, addr := range addrs {
		rec, err := s.Load(ctx, addr)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func decodeHash(vals map[string]string) (*DeviceRecord, error) {
	var rec DeviceRecord
	if err := json.Unmarshal([]byte(vals["data"]), &rec); err != nil {
		return nil, fmt.Errorf("decoding device: %w", err)
	}
	if v, err := strconv.ParseInt(vals["version"], 10, 64); err == nil {
		rec.Version = v
	}
	if t, err := time.Parse(time.RFC3339Nano, vals["updated_at"]); err == nil {
		rec.UpdatedAt = t
	}
	return &rec, nil
}
