// Package storage implements the per-module status hash: a
// key/value+pubsub collaborator backed by Redis, persisting writes to
// a hash and publishing them on a matching channel in one pipeline.
package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"drivercore/internal/errs"
	"drivercore/internal/logging"
)

// Client is the store contract from the spec's external interfaces
// section: HSET/HGET/HDEL/HKEYS/HVALS/HLEN/HGETALL, GET, PUBLISH,
// SUBSCRIBE/UNSUBSCRIBE, pipelined multi-command execution. It has no
// reconnect-notification method. Backed by *redis.Client; kept as
// an interface so Subscriptions and Storage can be tested against a
// fake without a live Redis.
type Client interface {
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
	HKeys(ctx context.Context, key string) *redis.StringSliceCmd
	HVals(ctx context.Context, key string) *redis.StringSliceCmd
	HLen(ctx context.Context, key string) *redis.IntCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
	Pipeline() Pipeliner
	Close() error
}

// Pipeliner is the narrow slice of redis.Pipeliner this package
// issues: HSET/HDEL alongside PUBLISH, executed as one round-trip.
// *redis.Client.Pipeline() satisfies it structurally; a fake Client
// can stub it without implementing redis.Pipeliner's full surface.
type Pipeliner interface {
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Exec(ctx context.Context) ([]redis.Cmder, error)
}

// Null is the literal payload published for a deleted status key, and
// republished by SignalStatus for an absent one. Get reports an absent
// key as ("", false) rather than Null.
const Null = "null"

// RedisClient adapts *redis.Client to Client: every method but
// Pipeline forwards directly, and Pipeline narrows go-redis's full
// Pipeliner surface down to the four calls this package issues.
type RedisClient struct {
	*redis.Client
}

func (c RedisClient) Pipeline() Pipeliner {
	return c.Client.Pipeline()
}

// New connects to redisURL and pings it before returning, matching the
// teacher's connect-then-ping pattern.
func New(ctx context.Context, redisURL string) (*RedisClient, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, errs.Fatal(fmt.Errorf("parsing redis url: %w", err))
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, errs.StoreUnavailable(err)
	}
	return &RedisClient{Client: client}, nil
}

// Store is the per-module status hash: key `<prefix>/<moduleID>`,
// fields are status names, values are opaque JSON strings. Every
// mutation persists and publishes in one pipelined round-trip.
type Store struct {
	client   Client
	prefix   string
	moduleID string
	log      *logging.Logger
}

// NewStore builds a Store scoped to one module's hash key.
func NewStore(client Client, prefix, moduleID string, log *logging.Logger) *Store {
	return &Store{client: client, prefix: prefix, moduleID: moduleID, log: log}
}

// HashKey is the Redis key this Store's hash lives under:
// "<prefix>/<moduleID>".
func (s *Store) HashKey() string {
	return s.prefix + "/" + s.moduleID
}

// Channel is the pub/sub channel a given status publishes on:
// "<hash_key>/<status>".
func (s *Store) Channel(status string) string {
	return s.HashKey() + "/" + status
}

// Set persists json under status and publishes it on Channel(status)
// in one pipeline. An empty/blank json is treated as Delete.
func (s *Store) Set(ctx context.Context, status, json string) error {
	if strings.TrimSpace(json) == "" {
		return s.Delete(ctx, status)
	}
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, s.HashKey(), status, json)
	pipe.Publish(ctx, s.Channel(status), json)
	if _, err := pipe.Exec(ctx); err != nil {
		return errs.StoreUnavailable(err)
	}
	return nil
}

// Get returns the stored json for status, and whether it was present.
func (s *Store) Get(ctx context.Context, status string) (string, bool, error) {
	v, err := s.client.HGet(ctx, s.HashKey(), status).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, errs.StoreUnavailable(err)
	}
	return v, true, nil
}

// Delete removes status and publishes the literal "null" atomically.
func (s *Store) Delete(ctx context.Context, status string) error {
	pipe := s.client.Pipeline()
	pipe.HDel(ctx, s.HashKey(), status)
	pipe.Publish(ctx, s.Channel(status), Null)
	if _, err := pipe.Exec(ctx); err != nil {
		return errs.StoreUnavailable(err)
	}
	return nil
}

// SignalStatus republishes the current value (or "null") for status
// without mutating it, for a subscriber that needs to re-sync.
func (s *Store) SignalStatus(ctx context.Context, status string) error {
	v, ok, err := s.Get(ctx, status)
	if err != nil {
		return err
	}
	if !ok {
		v = Null
	}
	if _, err := s.client.Publish(ctx, s.Channel(status), v).Result(); err != nil {
		return errs.StoreUnavailable(err)
	}
	return nil
}

// Keys returns every status name currently set.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	keys, err := s.client.HKeys(ctx, s.HashKey()).Result()
	if err != nil {
		return nil, errs.StoreUnavailable(err)
	}
	return keys, nil
}

// Values returns every stored json value, in no particular order.
func (s *Store) Values(ctx context.Context) ([]string, error) {
	vals, err := s.client.HVals(ctx, s.HashKey()).Result()
	if err != nil {
		return nil, errs.StoreUnavailable(err)
	}
	return vals, nil
}

// ToMap returns the full status hash.
func (s *Store) ToMap(ctx context.Context) (map[string]string, error) {
	m, err := s.client.HGetAll(ctx, s.HashKey()).Result()
	if err != nil {
		return nil, errs.StoreUnavailable(err)
	}
	return m, nil
}

// Size reports the number of status keys currently set.
func (s *Store) Size(ctx context.Context) (int64, error) {
	n, err := s.client.HLen(ctx, s.HashKey()).Result()
	if err != nil {
		return 0, errs.StoreUnavailable(err)
	}
	return n, nil
}

// Empty reports whether the status hash currently holds no keys.
func (s *Store) Empty(ctx context.Context) (bool, error) {
	n, err := s.Size(ctx)
	return n == 0, err
}

// GetRaw performs a plain GET against a store-wide key outside this
// module's status hash, for data such as role-index lookups that are
// shared across every module's Store.
func (s *Store) GetRaw(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, errs.StoreUnavailable(err)
	}
	return v, true, nil
}

// GetByChannel reads the status value addressed by a full pub/sub
// channel name ("<hash_key>/<status>"), independent of which module's
// Store is asking. The subscriptions registry uses this to deliver an
// indirect subscription's current value without needing its own
// Store bound to the resolved module.
func (s *Store) GetByChannel(ctx context.Context, channel string) (string, bool, error) {
	hashKey, status, ok := splitChannel(channel)
	if !ok {
		return "", false, nil
	}
	v, err := s.client.HGet(ctx, hashKey, status).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, errs.StoreUnavailable(err)
	}
	return v, true, nil
}

func splitChannel(channel string) (hashKey, status string, ok bool) {
	i := strings.LastIndex(channel, "/")
	if i < 0 {
		return "", "", false
	}
	return channel[:i], channel[i+1:], true
}

// Clear removes every status key, publishing "null" for each one
// removed.
func (s *Store) Clear(ctx context.Context) error {
	keys, err := s.Keys(ctx)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	pipe.HDel(ctx, s.HashKey(), keys...)
	for _, k := range keys {
		pipe.Publish(ctx, s.Channel(k), Null)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errs.StoreUnavailable(err)
	}
	return nil
}
