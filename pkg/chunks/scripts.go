package chunks

import (
	"strconv"
	"time"

	"github.com/pulsechat/filecore/pkg/fastkv"
)

// The scripts below are the only writers of the per-session index sets.
// Each carries a Lua body for the Redis backend and an equivalent Go body
// the memory backend runs under its lock; both must stay in step.

// initSessionScript creates the session hash and progress hash and arms
// their TTLs in one atomic step.
//
// KEYS: session, progress
// ARGV: ttlSeconds, then field/value pairs for the session hash
var initSessionScript = fastkv.Script{
	Name: "chunks_init",
	Lua: `
local ttl = tonumber(ARGV[1])
for i = 2, #ARGV, 2 do
	redis.call("HSET", KEYS[1], ARGV[i], ARGV[i + 1])
end
redis.call("HSET", KEYS[2], "completed", "0", "failed", "0", "percent", "0", "status", "pending")
redis.call("EXPIRE", KEYS[1], ttl)
redis.call("EXPIRE", KEYS[2], ttl)
return 1
`,
	Fn: func(tx fastkv.Tx, keys []string, args []string) (any, error) {
		ttl, err := ttlArg(args[0])
		if err != nil {
			return nil, err
		}
		fields := map[string]string{}
		for i := 1; i+1 < len(args); i += 2 {
			fields[args[i]] = args[i+1]
		}
		tx.HSet(keys[0], fields)
		tx.HSet(keys[1], map[string]string{
			"completed": "0", "failed": "0", "percent": "0", "status": string(StatusPending),
		})
		tx.Expire(keys[0], ttl)
		tx.Expire(keys[1], ttl)
		return int64(1), nil
	},
}

// chunkDoneScript records one successfully persisted chunk: adds the index
// to the completed set, drops it from the failed set, moves the session to
// uploading, refreshes every TTL, and returns the new percentage.
//
// KEYS: session, uploaded, failed, progress
// ARGV: idx, totalChunks, ttlSeconds, nowUnix
var chunkDoneScript = fastkv.Script{
	Name: "chunks_done",
	Lua: `
local ttl = tonumber(ARGV[3])
redis.call("SADD", KEYS[2], ARGV[1])
redis.call("SREM", KEYS[3], ARGV[1])
local done = redis.call("SCARD", KEYS[2])
local pct = math.floor(done * 100 / tonumber(ARGV[2]))
redis.call("HSET", KEYS[1], "status", "uploading", "updated_at", ARGV[4], "cancelled_at", "")
redis.call("HSET", KEYS[4], "completed", done, "failed", redis.call("SCARD", KEYS[3]), "percent", pct, "status", "uploading")
redis.call("EXPIRE", KEYS[1], ttl)
redis.call("EXPIRE", KEYS[2], ttl)
redis.call("EXPIRE", KEYS[3], ttl)
redis.call("EXPIRE", KEYS[4], ttl)
return pct
`,
	Fn: func(tx fastkv.Tx, keys []string, args []string) (any, error) {
		total, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return nil, err
		}
		ttl, err := ttlArg(args[2])
		if err != nil {
			return nil, err
		}

		tx.SAdd(keys[1], args[0])
		tx.SRem(keys[2], args[0])
		done := tx.SCard(keys[1])
		pct := done * 100 / total

		tx.HSet(keys[0], map[string]string{
			"status": string(StatusUploading), "updated_at": args[3], "cancelled_at": "",
		})
		tx.HSet(keys[3], map[string]string{
			"completed": strconv.FormatInt(done, 10),
			"failed":    strconv.FormatInt(tx.SCard(keys[2]), 10),
			"percent":   strconv.FormatInt(pct, 10),
			"status":    string(StatusUploading),
		})
		for _, k := range keys {
			tx.Expire(k, ttl)
		}
		return pct, nil
	},
}

// chunkFailScript records one failed chunk unless the index has already
// completed (completed and failed sets stay disjoint).
//
// KEYS: session, uploaded, failed, progress
// ARGV: idx, reason, nowUnix, ttlSeconds
var chunkFailScript = fastkv.Script{
	Name: "chunks_fail",
	Lua: `
if redis.call("SISMEMBER", KEYS[2], ARGV[1]) == 1 then
	return 0
end
redis.call("SADD", KEYS[3], ARGV[1])
redis.call("HSET", KEYS[1], "last_error", ARGV[2], "updated_at", ARGV[3])
redis.call("HSET", KEYS[4], "failed", redis.call("SCARD", KEYS[3]))
redis.call("EXPIRE", KEYS[3], tonumber(ARGV[4]))
return 1
`,
	Fn: func(tx fastkv.Tx, keys []string, args []string) (any, error) {
		if tx.SIsMember(keys[1], args[0]) {
			return int64(0), nil
		}
		ttl, err := ttlArg(args[3])
		if err != nil {
			return nil, err
		}
		tx.SAdd(keys[2], args[0])
		tx.HSet(keys[0], map[string]string{"last_error": args[1], "updated_at": args[2]})
		tx.HSet(keys[3], map[string]string{"failed": strconv.FormatInt(tx.SCard(keys[2]), 10)})
		tx.Expire(keys[2], ttl)
		return int64(1), nil
	},
}

func ttlArg(s string) (time.Duration, error) {
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return time.Duration(sec) * time.Second, nil
}
