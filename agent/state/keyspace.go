package state

import (
	"strings"
	"time"
)

const defaultKeyPrefix = "skyplanner:"

// keyspace is the key layout shared by the Redis-protocol backends.
type keyspace struct {
	prefix string
}

func newKeyspace(prefix string) keyspace {
	trimmed := strings.TrimSpace(prefix)
	if trimmed == "" {
		trimmed = defaultKeyPrefix
	}
	return keyspace{prefix: trimmed}
}

func (k keyspace) session(id string) string    { return k.prefix + "session:" + id }
func (k keyspace) draft(id string) string      { return k.prefix + "draft:" + id }
func (k keyspace) cacheIndex(id string) string { return k.prefix + "cache-index:" + id }
func (k keyspace) sessionIndex() string        { return k.prefix + "sessions" }

func (k keyspace) cache(id, idemKey string) string {
	return k.prefix + "cache:" + id + ":" + idemKey
}

// saveSessionScript writes a session record only when the stored version is one below
// the incoming one (or the key is absent and the incoming version is 1). The session's
// cache index expires with it.
// KEYS[1] session key, KEYS[2] session index, KEYS[3] cache index;
// ARGV: payload, version, ttl ms, score, id.
const saveSessionScript = `
local cur = redis.call('GET', KEYS[1])
local want = tonumber(ARGV[2]) - 1
if cur then
  local stored = cjson.decode(cur)['version'] or 0
  if stored ~= want then return 0 end
elseif want ~= 0 then
  return 0
end
local ttl = tonumber(ARGV[3])
if ttl > 0 then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ttl)
  redis.call('PEXPIRE', KEYS[3], ttl)
else
  redis.call('SET', KEYS[1], ARGV[1])
end
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[5])
return 1
`

// ttlMillis converts an absolute expiry into a positive millisecond TTL, 0 meaning none.
func ttlMillis(expiresAt time.Time) int64 {
	if expiresAt.IsZero() {
		return 0
	}
	ms := time.Until(expiresAt).Milliseconds()
	if ms <= 0 {
		return 1
	}
	return ms
}
