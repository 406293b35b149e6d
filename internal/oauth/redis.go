package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is an EphemeralStore backed by Redis, for deployments where
// interactive flows are not pinned to one instance. Expiry is delegated to
// Redis TTLs, so there is no sweep loop to run.
type RedisStore struct {
	client *redis.Client
}

var _ EphemeralStore = (*RedisStore)(nil)

// NewRedisStore connects to Redis using the given URL.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// Close closes the Redis connection.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

// Client exposes the underlying connection so other Redis-backed components
// can share it.
func (r *RedisStore) Client() *redis.Client {
	return r.client
}

func redisKey(model, id string) string {
	return fmt.Sprintf("auth:eph:%s:%s", model, id)
}

func redisModelPattern(model string) string {
	return fmt.Sprintf("auth:eph:%s:*", model)
}

// Set stores a JSON-encoded payload with the given TTL.
func (r *RedisStore) Set(ctx context.Context, model, id string, payload Payload, ttl time.Duration) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, redisKey(model, id), data, ttl).Err()
}

// Get returns the payload, or nil when the key is absent or expired.
func (r *RedisStore) Get(ctx context.Context, model, id string) (Payload, error) {
	val, err := r.client.Get(ctx, redisKey(model, id)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var payload Payload
	if err := json.Unmarshal([]byte(val), &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// consumeScript marks a record consumed exactly once, keeping its remaining
// TTL. Scripts execute atomically, so two concurrent consumes cannot both
// succeed. Returns 0 when absent, 1 when already consumed, 2 on success.
var consumeScript = redis.NewScript(`
local val = redis.call('GET', KEYS[1])
if not val then return 0 end
local obj = cjson.decode(val)
if obj['consumedAt'] then return 1 end
obj['consumedAt'] = ARGV[1]
local ttl = redis.call('PTTL', KEYS[1])
if ttl > 0 then
	redis.call('SET', KEYS[1], cjson.encode(obj), 'PX', ttl)
else
	redis.call('SET', KEYS[1], cjson.encode(obj))
end
return 2
`)

// Consume marks a record consumed exactly once.
func (r *RedisStore) Consume(ctx context.Context, model, id string) error {
	res, err := consumeScript.Run(ctx, r.client,
		[]string{redisKey(model, id)},
		time.Now().UTC().Format(time.RFC3339Nano)).Int()
	if err != nil {
		return err
	}
	switch res {
	case 0:
		return ErrNotFound
	case 1:
		return ErrReplayDetected
	}
	return nil
}

// Find scans keys of one model and returns the first payload matching the
// predicate. SCAN keeps this non-blocking for the server; the key space is
// bounded by live interactive flows.
func (r *RedisStore) Find(ctx context.Context, model string, match func(Payload) bool) (Payload, error) {
	iter := r.client.Scan(ctx, 0, redisModelPattern(model), 100).Iterator()
	for iter.Next(ctx) {
		val, err := r.client.Get(ctx, iter.Val()).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, err
		}
		var payload Payload
		if err := json.Unmarshal([]byte(val), &payload); err != nil {
			continue
		}
		if match(payload) {
			return payload, nil
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return nil, nil
}

// Delete removes a record.
func (r *RedisStore) Delete(ctx context.Context, model, id string) error {
	return r.client.Del(ctx, redisKey(model, id)).Err()
}

// DeleteByGrantID scans all ephemeral keys and removes records carrying the
// grant id.
func (r *RedisStore) DeleteByGrantID(ctx context.Context, grantID string) (int, error) {
	if grantID == "" {
		return 0, nil
	}
	removed := 0
	iter := r.client.Scan(ctx, 0, "auth:eph:*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		val, err := r.client.Get(ctx, key).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return removed, err
		}
		var payload Payload
		if err := json.Unmarshal([]byte(val), &payload); err != nil {
			continue
		}
		if payload.GrantID() == grantID {
			if err := r.client.Del(ctx, key).Err(); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, iter.Err()
}
