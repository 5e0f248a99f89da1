package fastkv

import (
	"context"
	"sort"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStringOps(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.Set(ctx, "k", "v", 0))
	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)

	n, err := m.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = m.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestTTLExpiry(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	now := time.Now()
	m.SetClock(func() time.Time { return now })

	require.NoError(t, m.Set(ctx, "ephemeral", "v", time.Minute))

	ttl, err := m.TTL(ctx, "ephemeral")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, ttl)

	// Step past the TTL: key is gone.
	now = now.Add(2 * time.Minute)
	_, err = m.Get(ctx, "ephemeral")
	assert.ErrorIs(t, err, ErrNotFound)

	ttl, err = m.TTL(ctx, "ephemeral")
	require.NoError(t, err)
	assert.Equal(t, -2*time.Second, ttl)
}

func TestExpireRefresh(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	now := time.Now()
	m.SetClock(func() time.Time { return now })

	require.NoError(t, m.Set(ctx, "k", "v", time.Minute))
	now = now.Add(50 * time.Second)
	require.NoError(t, m.Expire(ctx, "k", time.Minute))
	now = now.Add(50 * time.Second)

	// Still alive thanks to the refresh.
	_, err := m.Get(ctx, "k")
	assert.NoError(t, err)
}

func TestHashOps(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.HSet(ctx, "h", map[string]string{"a": "1", "b": "2"}))
	require.NoError(t, m.HSet(ctx, "h", map[string]string{"b": "3"}))

	v, err := m.HGet(ctx, "h", "b")
	require.NoError(t, err)
	assert.Equal(t, "3", v)

	_, err = m.HGet(ctx, "h", "zzz")
	assert.ErrorIs(t, err, ErrNotFound)

	all, err := m.HGetAll(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1", "b": "3"}, all)

	// Missing hash reads as empty, matching Redis.
	all, err = m.HGetAll(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestSetOps(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.SAdd(ctx, "s", "a", "b", "a"))

	n, err := m.SCard(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	ok, err := m.SIsMember(ctx, "s", "a")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, m.SRem(ctx, "s", "a"))
	ok, err = m.SIsMember(ctx, "s", "a")
	require.NoError(t, err)
	assert.False(t, ok)

	members, err := m.SMembers(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, members)
}

func TestListOps(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	// LPUSH + RPOP gives FIFO queue semantics.
	require.NoError(t, m.LPush(ctx, "q", "first"))
	require.NoError(t, m.LPush(ctx, "q", "second"))

	v, err := m.RPop(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, "first", v)

	v, err = m.RPop(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, "second", v)

	_, err = m.RPop(ctx, "q")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCappedListIdiom(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	// LPUSH + LTRIM keeps the newest N entries, head first.
	for i := 1; i <= 5; i++ {
		require.NoError(t, m.LPush(ctx, "events", strconv.Itoa(i)))
		require.NoError(t, m.LTrim(ctx, "events", 0, 2))
	}

	got, err := m.LRange(ctx, "events", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"5", "4", "3"}, got)

	// Out-of-range trim clears the key entirely.
	require.NoError(t, m.LTrim(ctx, "events", 5, 1))
	ok, err := m.Exists(ctx, "events")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDelExistsScan(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "chunk_session:a", "1", 0))
	require.NoError(t, m.Set(ctx, "chunk_session:b", "1", 0))
	require.NoError(t, m.Set(ctx, "download_token:x", "1", 0))

	keys, err := m.Scan(ctx, "chunk_session:*")
	require.NoError(t, err)
	sort.Strings(keys)
	assert.Equal(t, []string{"chunk_session:a", "chunk_session:b"}, keys)

	require.NoError(t, m.Del(ctx, "chunk_session:a", "chunk_session:b"))

	ok, err := m.Exists(ctx, "chunk_session:a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWrongType(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", "v", 0))
	assert.ErrorIs(t, m.HSet(ctx, "k", map[string]string{"a": "1"}), ErrWrongType)
	assert.ErrorIs(t, m.SAdd(ctx, "k", "a"), ErrWrongType)
	_, err := m.Incr(ctx, "k")
	assert.NoError(t, err) // numeric strings incr fine; "v" parses as 0
}

func TestEvalAtomicScript(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	// A miniature consume script: INCR the key and compare to a cap.
	script := Script{
		Name: "consume",
		Lua:  `local n = redis.call("INCR", KEYS[1]) if n > tonumber(ARGV[1]) then return 0 end return n`,
		Fn: func(tx Tx, keys []string, args []string) (any, error) {
			capN, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return nil, err
			}
			n := tx.Incr(keys[0])
			if n > capN {
				return int64(0), nil
			}
			return n, nil
		},
	}

	for want := int64(1); want <= 2; want++ {
		got, err := m.Eval(ctx, script, []string{"uses"}, "2")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	got, err := m.Eval(ctx, script, []string{"uses"}, "2")
	require.NoError(t, err)
	assert.Equal(t, int64(0), got)
}

func TestNewSelectsBackend(t *testing.T) {
	kv := New(Config{})
	_, ok := kv.(*Memory)
	assert.True(t, ok)

	kv = New(Config{Addr: "localhost:6379"})
	_, ok = kv.(*Redis)
	assert.True(t, ok)
	_ = kv.Close()
}
