package fastkv

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"sync"
	"time"
)

// entryKind discriminates the value type held at a key.
type entryKind int

const (
	kindString entryKind = iota
	kindHash
	kindSet
	kindList
)

type entry struct {
	kind     entryKind
	str      string
	hash     map[string]string
	set      map[string]struct{}
	list     []string
	expireAt time.Time // zero means no expiry
}

func (e *entry) expired(now time.Time) bool {
	return !e.expireAt.IsZero() && now.After(e.expireAt)
}

// Memory is an in-process FastKV with Redis-compatible semantics, used by
// tests and single-node development deployments.
type Memory struct {
	mu   sync.Mutex
	data map[string]*entry

	// now is swappable so tests can step time past TTLs.
	now func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		data: map[string]*entry{},
		now:  time.Now,
	}
}

// SetClock replaces the time source. Test use only.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// lookup returns the live entry at key, reaping it first if expired.
// Caller must hold the lock.
func (m *Memory) lookup(key string) *entry {
	e, ok := m.data[key]
	if !ok {
		return nil
	}
	if e.expired(m.now()) {
		delete(m.data, key)
		return nil
	}
	return e
}

// ensure returns the entry at key, creating one of the given kind if absent.
// Caller must hold the lock.
func (m *Memory) ensure(key string, kind entryKind) *entry {
	e := m.lookup(key)
	if e == nil {
		e = &entry{kind: kind}
		switch kind {
		case kindHash:
			e.hash = map[string]string{}
		case kindSet:
			e.set = map[string]struct{}{}
		}
		m.data[key] = e
	}
	return e
}

// ============================================================================
// Tx primitives (caller must hold the lock)
// ============================================================================

// memTx adapts the locked store to the Tx interface for script bodies.
type memTx struct {
	m *Memory
}

func (t memTx) Get(key string) (string, bool) {
	e := t.m.lookup(key)
	if e == nil || e.kind != kindString {
		return "", false
	}
	return e.str, true
}

func (t memTx) Set(key, value string, ttl time.Duration) {
	e := &entry{kind: kindString, str: value}
	if ttl > 0 {
		e.expireAt = t.m.now().Add(ttl)
	}
	t.m.data[key] = e
}

func (t memTx) Del(key string) {
	delete(t.m.data, key)
}

func (t memTx) Incr(key string) int64 {
	e := t.m.ensure(key, kindString)
	n, _ := strconv.ParseInt(e.str, 10, 64)
	n++
	e.str = strconv.FormatInt(n, 10)
	return n
}

func (t memTx) Expire(key string, ttl time.Duration) bool {
	e := t.m.lookup(key)
	if e == nil {
		return false
	}
	e.expireAt = t.m.now().Add(ttl)
	return true
}

func (t memTx) TTL(key string) time.Duration {
	e := t.m.lookup(key)
	if e == nil {
		return -2 * time.Second
	}
	if e.expireAt.IsZero() {
		return -1 * time.Second
	}
	return e.expireAt.Sub(t.m.now())
}

func (t memTx) HGet(key, field string) (string, bool) {
	e := t.m.lookup(key)
	if e == nil || e.kind != kindHash {
		return "", false
	}
	v, ok := e.hash[field]
	return v, ok
}

func (t memTx) HSet(key string, fields map[string]string) {
	e := t.m.ensure(key, kindHash)
	for k, v := range fields {
		e.hash[k] = v
	}
}

func (t memTx) SAdd(key string, members ...string) int64 {
	e := t.m.ensure(key, kindSet)
	var added int64
	for _, mem := range members {
		if _, ok := e.set[mem]; !ok {
			e.set[mem] = struct{}{}
			added++
		}
	}
	return added
}

func (t memTx) SRem(key string, members ...string) int64 {
	e := t.m.lookup(key)
	if e == nil || e.kind != kindSet {
		return 0
	}
	var removed int64
	for _, mem := range members {
		if _, ok := e.set[mem]; ok {
			delete(e.set, mem)
			removed++
		}
	}
	return removed
}

func (t memTx) SCard(key string) int64 {
	e := t.m.lookup(key)
	if e == nil || e.kind != kindSet {
		return 0
	}
	return int64(len(e.set))
}

func (t memTx) SIsMember(key, member string) bool {
	e := t.m.lookup(key)
	if e == nil || e.kind != kindSet {
		return false
	}
	_, ok := e.set[member]
	return ok
}

// ============================================================================
// FastKV interface
// ============================================================================

func (m *Memory) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.lookup(key)
	if e == nil {
		return "", ErrNotFound
	}
	if e.kind != kindString {
		return "", ErrWrongType
	}
	return e.str, nil
}

func (m *Memory) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	memTx{m}.Set(key, value, ttl)
	return nil
}

func (m *Memory) Incr(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.lookup(key)
	if e != nil && e.kind != kindString {
		return 0, ErrWrongType
	}
	return memTx{m}.Incr(key), nil
}

func (m *Memory) HGet(ctx context.Context, key, field string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := memTx{m}.HGet(key, field)
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *Memory) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := map[string]string{}
	e := m.lookup(key)
	if e == nil {
		return out, nil
	}
	if e.kind != kindHash {
		return nil, ErrWrongType
	}
	for k, v := range e.hash {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) HSet(ctx context.Context, key string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.lookup(key)
	if e != nil && e.kind != kindHash {
		return ErrWrongType
	}
	memTx{m}.HSet(key, fields)
	return nil
}

func (m *Memory) SAdd(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.lookup(key)
	if e != nil && e.kind != kindSet {
		return ErrWrongType
	}
	memTx{m}.SAdd(key, members...)
	return nil
}

func (m *Memory) SRem(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	memTx{m}.SRem(key, members...)
	return nil
}

func (m *Memory) SMembers(ctx context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.lookup(key)
	if e == nil {
		return []string{}, nil
	}
	if e.kind != kindSet {
		return nil, ErrWrongType
	}
	out := make([]string, 0, len(e.set))
	for mem := range e.set {
		out = append(out, mem)
	}
	return out, nil
}

func (m *Memory) SCard(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return memTx{m}.SCard(key), nil
}

func (m *Memory) SIsMember(ctx context.Context, key, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return memTx{m}.SIsMember(key, member), nil
}

func (m *Memory) LPush(ctx context.Context, key string, values ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.lookup(key)
	if e == nil {
		e = &entry{kind: kindList}
		m.data[key] = e
	}
	if e.kind != kindList {
		return ErrWrongType
	}
	// LPUSH prepends, matching Redis ordering.
	for _, v := range values {
		e.list = append([]string{v}, e.list...)
	}
	return nil
}

func (m *Memory) RPop(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.lookup(key)
	if e == nil || e.kind != kindList || len(e.list) == 0 {
		return "", ErrNotFound
	}
	last := e.list[len(e.list)-1]
	e.list = e.list[:len(e.list)-1]
	if len(e.list) == 0 {
		delete(m.data, key)
	}
	return last, nil
}

func (m *Memory) LTrim(ctx context.Context, key string, start, stop int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.lookup(key)
	if e == nil {
		return nil
	}
	if e.kind != kindList {
		return ErrWrongType
	}

	lo, hi := normalizeRange(start, stop, int64(len(e.list)))
	if lo > hi {
		delete(m.data, key)
		return nil
	}
	e.list = e.list[lo : hi+1]
	return nil
}

func (m *Memory) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.lookup(key)
	if e == nil {
		return []string{}, nil
	}
	if e.kind != kindList {
		return nil, ErrWrongType
	}

	lo, hi := normalizeRange(start, stop, int64(len(e.list)))
	if lo > hi {
		return []string{}, nil
	}
	out := make([]string, hi-lo+1)
	copy(out, e.list[lo:hi+1])
	return out, nil
}

// normalizeRange resolves Redis-style list indices (negative counts from
// the tail) into clamped slice bounds.
func normalizeRange(start, stop, n int64) (int64, int64) {
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	return start, stop
}

func (m *Memory) Del(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.lookup(key) != nil, nil
}

func (m *Memory) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	memTx{m}.Expire(key, ttl)
	return nil
}

func (m *Memory) TTL(ctx context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.lookup(key)
	if e == nil {
		return -2 * time.Second, nil // mirrors Redis: -2 for missing keys
	}
	if e.expireAt.IsZero() {
		return -1 * time.Second, nil // -1 for keys without expiry
	}
	return e.expireAt.Sub(m.now()), nil
}

func (m *Memory) Scan(ctx context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var keys []string
	for k, e := range m.data {
		if e.expired(now) {
			delete(m.data, k)
			continue
		}
		if ok, _ := path.Match(pattern, k); ok {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Eval runs the script's Go body under the store lock, giving the same
// atomicity the Redis backend gets from server-side Lua.
func (m *Memory) Eval(ctx context.Context, script Script, keys []string, args ...string) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if script.Fn == nil {
		return nil, fmt.Errorf("script %q has no in-process body", script.Name)
	}
	return script.Fn(memTx{m}, keys, args)
}

func (m *Memory) Ping(ctx context.Context) error {
	return nil
}

func (m *Memory) Close() error {
	return nil
}

// Ensure Memory implements FastKV.
var _ FastKV = (*Memory)(nil)
