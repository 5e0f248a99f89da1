package token

import (
	"encoding/json"

	"github.com/pulsechat/filecore/pkg/fastkv"
)

// Sentinel results from the consume script.
const (
	consumeMissing   = "__missing__"
	consumeExhausted = "__exhausted__"
)

// consumeScript increments a binding's use counter atomically so racing
// downloads serialise on max_uses. An exhausting use deletes the binding,
// matching the lifecycle rule that tokens disappear on usage exhaustion.
//
// KEYS: the binding key. Returns the updated JSON, or a sentinel.
var consumeScript = fastkv.Script{
	Name: "token_consume",
	Lua: `
local raw = redis.call("GET", KEYS[1])
if not raw then
	return "` + consumeMissing + `"
end
local b = cjson.decode(raw)
local max = tonumber(b.max_uses) or 0
local count = tonumber(b.use_count) or 0
if max > 0 and count >= max then
	return "` + consumeExhausted + `"
end
b.use_count = count + 1
local updated = cjson.encode(b)
if max > 0 and b.use_count >= max then
	redis.call("DEL", KEYS[1])
	return updated
end
local ttl = redis.call("TTL", KEYS[1])
if ttl > 0 then
	redis.call("SET", KEYS[1], updated, "EX", ttl)
else
	redis.call("SET", KEYS[1], updated)
end
return updated
`,
	Fn: func(tx fastkv.Tx, keys []string, args []string) (any, error) {
		raw, ok := tx.Get(keys[0])
		if !ok {
			return consumeMissing, nil
		}

		var b Binding
		if err := json.Unmarshal([]byte(raw), &b); err != nil {
			return nil, err
		}
		if b.MaxUses > 0 && b.UseCount >= b.MaxUses {
			return consumeExhausted, nil
		}

		b.UseCount++
		updated, err := json.Marshal(&b)
		if err != nil {
			return nil, err
		}

		if b.MaxUses > 0 && b.UseCount >= b.MaxUses {
			tx.Del(keys[0])
			return string(updated), nil
		}

		ttl := tx.TTL(keys[0])
		if ttl < 0 {
			ttl = 0
		}
		tx.Set(keys[0], string(updated), ttl)
		return string(updated), nil
	},
}
