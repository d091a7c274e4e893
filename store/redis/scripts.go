package redis

import "github.com/redis/go-redis/v9"

// Lua scripts for the guarded transitions. Each script performs its check
// and its write in one atomic step on the server, which is what makes the
// gating primitives safe across processes without any client-side locking.

// createIfAbsentScript claims KEYS[1] for a new entity hash. ARGV[1] is
// the member added to the enumeration set KEYS[2]; ARGV[2..] are the
// field/value pairs. Returns 0 when the hash already exists.
var createIfAbsentScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return 0
end
redis.call("HSET", KEYS[1], unpack(ARGV, 2))
redis.call("SADD", KEYS[2], ARGV[1])
return 1
`)

// upsertJobScript creates the job hash KEYS[1] or, when it already
// exists, resets only the reattempt fields so attempt counters and error
// history survive. KEYS[2] is the enumeration set, KEYS[3] the retry-due
// index. ARGV[1] is the job ID, ARGV[2..4] status/started_at/updated_at,
// ARGV[5..] the full field/value pairs for a fresh insert.
var upsertJobScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	redis.call("HSET", KEYS[1],
		"status", ARGV[2],
		"started_at", ARGV[3],
		"next_retry_at", "",
		"updated_at", ARGV[4])
else
	redis.call("HSET", KEYS[1], unpack(ARGV, 5))
	redis.call("SADD", KEYS[2], ARGV[1])
end
redis.call("ZREM", KEYS[3], ARGV[1])
return 1
`)

// guardedHSetScript writes ARGV[2..] field/value pairs to KEYS[1] only if
// its "status" field equals ARGV[1]. Returns 1 on success, 0 on a state
// mismatch, -1 when the hash does not exist.
var guardedHSetScript = redis.NewScript(`
local st = redis.call("HGET", KEYS[1], "status")
if not st then
	return -1
end
if st ~= ARGV[1] then
	return 0
end
redis.call("HSET", KEYS[1], unpack(ARGV, 2))
return 1
`)

// guardedEntryScript is guardedHSetScript for dead-letter entries, whose
// state lives in the "recovery_status" field.
var guardedEntryScript = redis.NewScript(`
local st = redis.call("HGET", KEYS[1], "recovery_status")
if not st then
	return -1
end
if st ~= ARGV[1] then
	return 0
end
redis.call("HSET", KEYS[1], unpack(ARGV, 2))
return 1
`)

// claimRetryScript claims the due job KEYS[1] for its next attempt: the
// job must still be failed, not dead-lettered, and scored at or before
// ARGV[2] in the retry-due index KEYS[2]. On a win the job flips to
// active, leaves the index, and has started_at/updated_at reset to
// ARGV[3]. Returns 1 when this caller won the claim, 0 when another
// worker got there first or the job is no longer due, -1 when the job
// does not exist. ARGV[1] is the job ID.
var claimRetryScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return -1
end
local score = redis.call("ZSCORE", KEYS[2], ARGV[1])
if not score or tonumber(score) > tonumber(ARGV[2]) then
	return 0
end
if redis.call("HGET", KEYS[1], "status") ~= "failed" then
	return 0
end
if redis.call("HGET", KEYS[1], "dead_lettered") == "1" then
	return 0
end
redis.call("ZREM", KEYS[2], ARGV[1])
redis.call("HSET", KEYS[1],
	"status", "active",
	"next_retry_at", "",
	"started_at", ARGV[3],
	"updated_at", ARGV[3])
return 1
`)

// flipDeadLetteredScript flips KEYS[1]'s dead_lettered field from 0 to 1
// and drops the job from the retry-due index KEYS[2]. Returns 1 when this
// caller won the flip, 0 when the flag was already set, -1 when the job
// does not exist. ARGV[1] is the job ID, ARGV[2] the updated_at stamp.
var flipDeadLetteredScript = redis.NewScript(`
local flag = redis.call("HGET", KEYS[1], "dead_lettered")
if not flag then
	return -1
end
if flag == "1" then
	return 0
end
redis.call("HSET", KEYS[1], "dead_lettered", "1", "updated_at", ARGV[2])
redis.call("ZREM", KEYS[2], ARGV[1])
return 1
`)

// tryRecoveryScript spends one unit of KEYS[1]'s recovery budget. ARGV[1]
// is the attempt timestamp. Returns 1 on success, 0 when the budget is
// spent, -1 when the entry does not exist, -2 when permanently failed,
// -3 when already recovered.
var tryRecoveryScript = redis.NewScript(`
local st = redis.call("HGET", KEYS[1], "recovery_status")
if not st then
	return -1
end
if st == "permanently_failed" then
	return -2
end
if st == "recovered" then
	return -3
end
local attempts = tonumber(redis.call("HGET", KEYS[1], "recovery_attempts") or "0")
local budget = tonumber(redis.call("HGET", KEYS[1], "max_recovery_attempts") or "0")
if attempts >= budget then
	return 0
end
redis.call("HINCRBY", KEYS[1], "recovery_attempts", 1)
redis.call("HSET", KEYS[1], "last_recovery_attempt_at", ARGV[1], "updated_at", ARGV[1])
return 1
`)

// swapStateScript replaces the safe-mode singleton KEYS[1] only if its
// stored version equals ARGV[1]; an absent hash counts as version 0.
// ARGV[2..] are the field/value pairs. Returns 0 on a stale swap.
var swapStateScript = redis.NewScript(`
local v = redis.call("HGET", KEYS[1], "version") or "0"
if v ~= ARGV[1] then
	return 0
end
redis.call("HSET", KEYS[1], unpack(ARGV, 2))
return 1
`)
