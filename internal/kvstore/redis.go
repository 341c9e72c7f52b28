package kvstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const pingTimeout = 5 * time.Second

// updateIfExistsScript writes hash fields only if the key is present, so a
// record that expired between read and write is never recreated without a TTL.
// ARGV[1] is the absolute expiry in milliseconds, or "0" to keep the current one.
var updateIfExistsScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
redis.call("HSET", KEYS[1], unpack(ARGV, 2))
if ARGV[1] ~= "0" then
  redis.call("PEXPIREAT", KEYS[1], ARGV[1])
end
return 1
`)

var deleteIfValueScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore implements Store on top of Redis.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore parses a redis:// URL, connects and pings the server.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("kvstore.redis.parse_url: %w", err)
	}
	client := redis.NewClient(options)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if pingErr := client.Ping(pingCtx).Err(); pingErr != nil {
		_ = client.Close()
		return nil, fmt.Errorf("kvstore.redis.ping: %w", pingErr)
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreWithClient wraps a pre-configured client; used with miniredis in tests.
func NewRedisStoreWithClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// HashSet writes the hash and its PEXPIREAT inside one MULTI block.
func (store *RedisStore) HashSet(ctx context.Context, key string, fields map[string]string, expiresAt time.Time) error {
	_, err := store.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, flattenFields(fields)...)
		pipe.PExpireAt(ctx, key, expiresAt)
		return nil
	})
	if err != nil {
		return fmt.Errorf("kvstore.redis.hash_set: %w", err)
	}
	return nil
}

// HashUpdate writes fields to an existing hash.
func (store *RedisStore) HashUpdate(ctx context.Context, key string, fields map[string]string, expiresAt time.Time) (bool, error) {
	expiresAtArg := "0"
	if !expiresAt.IsZero() {
		expiresAtArg = strconv.FormatInt(expiresAt.UnixMilli(), 10)
	}
	arguments := append([]interface{}{expiresAtArg}, flattenFields(fields)...)
	updated, err := updateIfExistsScript.Run(ctx, store.client, []string{key}, arguments...).Int()
	if err != nil {
		return false, fmt.Errorf("kvstore.redis.hash_update: %w", err)
	}
	return updated == 1, nil
}

// HashGetAll loads every field of the hash.
func (store *RedisStore) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	fields, err := store.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("kvstore.redis.hash_get_all: %w", err)
	}
	return fields, nil
}

// SetIfAbsent issues SET NX PX.
func (store *RedisStore) SetIfAbsent(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	acquired, err := store.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("kvstore.redis.set_if_absent: %w", err)
	}
	return acquired, nil
}

// DeleteIfValue runs a compare-and-delete script.
func (store *RedisStore) DeleteIfValue(ctx context.Context, key string, value string) (bool, error) {
	deleted, err := deleteIfValueScript.Run(ctx, store.client, []string{key}, value).Int()
	if err != nil {
		return false, fmt.Errorf("kvstore.redis.delete_if_value: %w", err)
	}
	return deleted == 1, nil
}

// Delete removes the key.
func (store *RedisStore) Delete(ctx context.Context, key string) error {
	if err := store.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("kvstore.redis.delete: %w", err)
	}
	return nil
}

// Ping checks Redis connectivity.
func (store *RedisStore) Ping(ctx context.Context) error {
	if err := store.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("kvstore.redis.ping: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (store *RedisStore) Close() error {
	return store.client.Close()
}

func flattenFields(fields map[string]string) []interface{} {
	flattened := make([]interface{}, 0, len(fields)*2)
	for name, value := range fields {
		flattened = append(flattened, name, value)
	}
	return flattened
}
