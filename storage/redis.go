// Package storage provides Redis record storage.
//
// Information Hiding:
// - Records kept as JSON in a Redis list, positions in a companion hash
// - Upsert performed by a server-side script so key resolution and write are atomic
// - Key prefix isolates several logs on one Redis instance

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/go-redis/redis/v8"
	"github.com/richinex/urlverify/model"
)

// DefaultRedisPrefix is the key prefix used when none is configured.
const DefaultRedisPrefix = "urlverify"

// upsertScript replaces the record at the indexed position or appends it.
// KEYS[1] records list, KEYS[2] index hash; ARGV[1] record key, ARGV[2] JSON.
var upsertScript = redis.NewScript(`
local pos = redis.call('HGET', KEYS[2], ARGV[1])
if pos then
	redis.call('LSET', KEYS[1], tonumber(pos), ARGV[2])
	return {tonumber(pos), 1}
end
local n = redis.call('RPUSH', KEYS[1], ARGV[2])
redis.call('HSET', KEYS[2], ARGV[1], n - 1)
return {n - 1, 0}
`)

// RedisLog implements RecordLog on Redis.
type RedisLog struct {
	client     *redis.Client
	recordsKey string
	indexKey   string
}

// NewRedisLog creates a record log on an existing client.
func NewRedisLog(client *redis.Client, prefix string) *RedisLog {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisLog{
		client:     client,
		recordsKey: prefix + ":records",
		indexKey:   prefix + ":index",
	}
}

// OpenRedis connects to addr and verifies the connection.
func OpenRedis(ctx context.Context, addr, password string, db int, prefix string) (*RedisLog, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return NewRedisLog(client, prefix), nil
}

// Find returns the record stored under key and its index.
func (s *RedisLog) Find(ctx context.Context, key model.RecordKey) (model.VerificationRecord, int, bool, error) {
	pos, err := s.client.HGet(ctx, s.indexKey, key.String()).Result()
	if errors.Is(err, redis.Nil) {
		return model.VerificationRecord{}, -1, false, nil
	}
	if err != nil {
		return model.VerificationRecord{}, -1, false, fmt.Errorf("failed to query record index: %w", err)
	}

	index, err := strconv.Atoi(pos)
	if err != nil {
		return model.VerificationRecord{}, -1, false, fmt.Errorf("corrupt record index %q: %w", pos, err)
	}

	raw, err := s.client.LIndex(ctx, s.recordsKey, int64(index)).Result()
	if err != nil {
		return model.VerificationRecord{}, -1, false, fmt.Errorf("failed to load record %d: %w", index, err)
	}

	var rec model.VerificationRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return model.VerificationRecord{}, -1, false, fmt.Errorf("failed to decode record %d: %w", index, err)
	}
	return rec, index, true, nil
}

// Upsert replaces the record with the same key or appends rec.
func (s *RedisLog) Upsert(ctx context.Context, rec model.VerificationRecord) (int, bool, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return -1, false, fmt.Errorf("failed to encode record: %w", err)
	}

	res, err := upsertScript.Run(ctx, s.client, []string{s.recordsKey, s.indexKey}, rec.Key().String(), string(data)).Result()
	if err != nil {
		return -1, false, fmt.Errorf("failed to upsert record: %w", err)
	}

	values, ok := res.([]interface{})
	if !ok || len(values) != 2 {
		return -1, false, fmt.Errorf("unexpected upsert reply: %v", res)
	}
	index, _ := values[0].(int64)
	replaced, _ := values[1].(int64)
	return int(index), replaced == 1, nil
}

// List returns all records in stored order.
func (s *RedisLog) List(ctx context.Context) ([]model.VerificationRecord, error) {
	raws, err := s.client.LRange(ctx, s.recordsKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load records: %w", err)
	}

	records := make([]model.VerificationRecord, 0, len(raws))
	for i, raw := range raws {
		var rec model.VerificationRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode record %d: %w", i, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// Len returns the number of records.
func (s *RedisLog) Len(ctx context.Context) (int, error) {
	n, err := s.client.LLen(ctx, s.recordsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return int(n), nil
}

// Close closes the underlying client.
func (s *RedisLog) Close() error {
	return s.client.Close()
}

// Verify RedisLog implements RecordLog
var _ RecordLog = (*RedisLog)(nil)
