// Package fastkv provides the fast key/value store used for chunk-upload
// sessions, capability tokens, and notification queues.
//
// The production backend is Redis; an in-memory implementation with the same
// semantics backs tests and single-node development. Multi-key mutations that
// must be atomic are expressed as named Scripts carrying both a Lua body (run
// server-side by the Redis backend) and an equivalent Go function (run under
// the store lock by the memory backend).
package fastkv

import (
	"context"
	"errors"
	"time"
)

// Common errors returned by FastKV implementations.
var (
	// ErrNotFound is returned when a requested key doesn't exist.
	ErrNotFound = errors.New("key not found")

	// ErrWrongType is returned when an operation targets a key holding a
	// different data type.
	ErrWrongType = errors.New("operation against a key holding the wrong kind of value")
)

// Tx is the primitive surface a Script's Go body runs against. The memory
// backend implements it directly under its mutex, making the script atomic
// by construction.
type Tx interface {
	Get(key string) (string, bool)
	Set(key, value string, ttl time.Duration)
	Del(key string)
	Incr(key string) int64
	Expire(key string, ttl time.Duration) bool

	HGet(key, field string) (string, bool)
	HSet(key string, fields map[string]string)

	SAdd(key string, members ...string) int64
	SRem(key string, members ...string) int64
	SCard(key string) int64
	SIsMember(key, member string) bool

	// TTL mirrors the Redis convention: -2s for a missing key, -1s for a
	// key without expiry.
	TTL(key string) time.Duration
}

// Script is a named atomic multi-key mutation.
//
// Lua is evaluated by the Redis backend; Fn is the equivalent logic the
// memory backend runs under its lock. Both must produce the same result for
// the same inputs.
type Script struct {
	Name string
	Lua  string
	Fn   func(tx Tx, keys []string, args []string) (any, error)
}

// FastKV is the store interface.
//
// All TTLs are absolute from the time of the call; a zero TTL means no
// expiry. Read operations on missing keys return zero values rather than
// ErrNotFound unless documented otherwise.
type FastKV interface {
	// Strings
	Get(ctx context.Context, key string) (string, error) // ErrNotFound if missing
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Incr(ctx context.Context, key string) (int64, error)

	// Hashes
	HGet(ctx context.Context, key, field string) (string, error) // ErrNotFound if missing
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HSet(ctx context.Context, key string, fields map[string]string) error

	// Sets
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SCard(ctx context.Context, key string) (int64, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)

	// Lists (notification queues, capped event streams)
	LPush(ctx context.Context, key string, values ...string) error
	RPop(ctx context.Context, key string) (string, error) // ErrNotFound when empty
	LTrim(ctx context.Context, key string, start, stop int64) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// Keys
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)
	Scan(ctx context.Context, pattern string) ([]string, error)

	// Eval runs a Script atomically. Keys and args follow the usual
	// KEYS/ARGV convention.
	Eval(ctx context.Context, script Script, keys []string, args ...string) (any, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// Config holds fast store connection configuration.
type Config struct {
	// Addr is the Redis host:port. Empty selects the in-memory backend,
	// which is only suitable for tests and single-node development.
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`
	DB       int    `mapstructure:"db" yaml:"db"`

	// PoolSize bounds the connection pool (0 uses the client default).
	PoolSize int `mapstructure:"pool_size" yaml:"pool_size,omitempty"`

	// DialTimeout bounds initial connection establishment.
	DialTimeout time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout,omitempty"`
}

// ApplyDefaults fills in missing configuration with default values.
func (c *Config) ApplyDefaults() {
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
}

// New creates a FastKV from the configuration: Redis when an address is
// configured, in-memory otherwise.
func New(cfg Config) FastKV {
	cfg.ApplyDefaults()
	if cfg.Addr == "" {
		return NewMemory()
	}
	return NewRedis(cfg)
}
