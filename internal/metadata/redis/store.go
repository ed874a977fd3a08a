// Package redis implements the MetadataStore interface on Redis.
//
// Each key is a hash holding its value and version. A sorted set indexes
// all keys for lexicographic range listing, and a counter hands out
// versions so they keep increasing across delete and re-create. Writes run
// as Lua scripts, which makes every compare-and-set atomic on the server.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	goredis "github.com/redis/go-redis/v9"

	"github.com/sornon/member-sub002/internal/metadata"
)

// DefaultPrefix namespaces every Redis key the store touches.
const DefaultPrefix = "reconcile:meta:"

// Config configures the Redis metadata store.
type Config struct {
	// URL is a redis:// connection URL.
	URL string

	// Prefix namespaces keys so environments can share one Redis.
	// Default: "reconcile:meta:"
	Prefix string
}

// Store implements MetadataStore on Redis.
type Store struct {
	client goredis.UniversalClient
	prefix string
	owned  bool

	mu     sync.RWMutex
	closed bool
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis: url is required")
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis: ping failed: %w", err)
	}
	s := NewFromClient(client, cfg.Prefix)
	s.owned = true
	return s, nil
}

// NewFromClient wraps an existing client. Close leaves the client open.
func NewFromClient(client goredis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) dataKey(key string) string { return s.prefix + "kv:" + key }
func (s *Store) indexKey() string          { return s.prefix + "index" }
func (s *Store) counterKey() string        { return s.prefix + "version" }

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return metadata.ErrStoreClosed
	}
	return nil
}

// putScript returns the new version, or -1 on a version mismatch.
var putScript = goredis.NewScript(`
local cur = tonumber(redis.call('HGET', KEYS[1], 'version') or '0')
local expected = tonumber(ARGV[2])
if expected >= 0 and expected ~= cur then
  return -1
end
local v = redis.call('INCR', KEYS[3])
redis.call('HSET', KEYS[1], 'value', ARGV[1], 'version', v)
redis.call('ZADD', KEYS[2], 0, ARGV[3])
return v
`)

// deleteScript returns 1 when deleted, 0 when missing, -1 on mismatch.
var deleteScript = goredis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'version')
if not cur then
  return 0
end
local expected = tonumber(ARGV[1])
if expected >= 0 and expected ~= tonumber(cur) then
  return -1
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[2])
return 1
`)

// Get retrieves a value by key.
func (s *Store) Get(ctx context.Context, key string) (metadata.GetResult, error) {
	if err := s.checkOpen(); err != nil {
		return metadata.GetResult{}, err
	}
	vals, err := s.client.HMGet(ctx, s.dataKey(key), "value", "version").Result()
	if err != nil {
		return metadata.GetResult{}, fmt.Errorf("redis: get failed: %w", err)
	}
	return toResult(vals)
}

func toResult(vals []any) (metadata.GetResult, error) {
	if len(vals) != 2 || vals[1] == nil {
		return metadata.GetResult{Exists: false}, nil
	}
	value, _ := vals[0].(string)
	raw, _ := vals[1].(string)
	version, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return metadata.GetResult{}, fmt.Errorf("redis: bad version %q: %w", raw, err)
	}
	return metadata.GetResult{Value: []byte(value), Version: metadata.Version(version), Exists: true}, nil
}

// Put stores a value with optional version checking for CAS operations.
func (s *Store) Put(ctx context.Context, key string, value []byte, opts ...metadata.PutOption) (metadata.Version, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	expected := int64(metadata.NoVersion)
	if v := metadata.ExtractExpectedVersion(opts); v != nil {
		expected = int64(*v)
	}

	keys := []string{s.dataKey(key), s.indexKey(), s.counterKey()}
	v, err := putScript.Run(ctx, s.client, keys, value, expected, key).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis: put failed: %w", err)
	}
	if v < 0 {
		return 0, metadata.ErrVersionMismatch
	}
	return metadata.Version(v), nil
}

// Delete removes a key.
func (s *Store) Delete(ctx context.Context, key string, opts ...metadata.DeleteOption) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	expected := int64(metadata.NoVersion)
	if v := metadata.ExtractDeleteExpectedVersion(opts); v != nil {
		expected = int64(*v)
	}

	res, err := deleteScript.Run(ctx, s.client, []string{s.dataKey(key), s.indexKey()}, expected, key).Int64()
	if err != nil {
		return fmt.Errorf("redis: delete failed: %w", err)
	}
	if res < 0 {
		return metadata.ErrVersionMismatch
	}
	return nil
}

// List returns keys in the range [startKey, endKey) in lexicographic order.
func (s *Store) List(ctx context.Context, startKey, endKey string, limit int) ([]metadata.KV, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	lo, hi := lexRange(startKey, endKey)
	args := goredis.ZRangeArgs{Key: s.indexKey(), Start: lo, Stop: hi, ByLex: true}
	if limit > 0 {
		args.Count = int64(limit)
	}
	names, err := s.client.ZRangeArgs(ctx, args).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list failed: %w", err)
	}
	if len(names) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*goredis.SliceCmd, len(names))
	for i, name := range names {
		cmds[i] = pipe.HMGet(ctx, s.dataKey(name), "value", "version")
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis: list failed: %w", err)
	}

	kvs := make([]metadata.KV, 0, len(names))
	for i, cmd := range cmds {
		res, err := toResult(cmd.Val())
		if err != nil {
			return nil, err
		}
		if !res.Exists {
			continue
		}
		kvs = append(kvs, metadata.KV{Key: names[i], Value: res.Value, Version: res.Version})
	}
	return kvs, nil
}

// lexRange converts [startKey, endKey) into ZRANGEBYLEX bounds. An empty
// endKey means every key with the prefix startKey.
func lexRange(startKey, endKey string) (string, string) {
	lo := "[" + startKey
	if startKey == "" {
		lo = "-"
	}
	if endKey == "" {
		endKey = prefixEnd(startKey)
		if endKey == "" {
			return lo, "+"
		}
	}
	return lo, "(" + endKey
}

func prefixEnd(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xFF {
			b[i]++
			return string(b[:i+1])
		}
	}
	return ""
}

// Close releases resources held by the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.owned {
		return s.client.Close()
	}
	return nil
}

var _ metadata.MetadataStore = (*Store)(nil)
