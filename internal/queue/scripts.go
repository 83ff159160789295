package queue

import "github.com/redis/go-redis/v9"

const stalledReason = "job stalled: lock expired without heartbeat"

// Scores and timestamps are computed by the caller and passed as strings so
// the scripts never do floating point arithmetic on large numbers.

// KEYS: job, wait, delayed, events
// ARGV: id, data, priority, attempts, backoff, delay, now, waitScore, readyAt
var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1],
	'id', ARGV[1], 'data', ARGV[2], 'priority', ARGV[3], 'attempts', ARGV[4],
	'backoff', ARGV[5], 'delay', ARGV[6], 'timestamp', ARGV[7], 'score', ARGV[8],
	'attemptsMade', '0')
local event = 'waiting'
if tonumber(ARGV[6]) > 0 then
	redis.call('ZADD', KEYS[3], ARGV[9], ARGV[1])
	event = 'delayed'
else
	redis.call('ZADD', KEYS[2], ARGV[8], ARGV[1])
end
redis.call('XADD', KEYS[4], '*', 'event', event, 'jobId', ARGV[1], 'data', ARGV[2], 'ts', ARGV[7])
return 1
`)

// KEYS: wait, active, events
// ARGV: now, lockUntil, jobKeyPrefix
var moveToActiveScript = redis.NewScript(`
while true do
	local popped = redis.call('ZPOPMIN', KEYS[1])
	if #popped == 0 then
		return false
	end
	local id = popped[1]
	local jobKey = ARGV[3] .. id
	local data = redis.call('HGET', jobKey, 'data')
	if data then
		redis.call('ZADD', KEYS[2], ARGV[2], id)
		redis.call('HSET', jobKey, 'processedOn', ARGV[1])
		redis.call('HDEL', jobKey, 'finishedOn')
		local made = redis.call('HGET', jobKey, 'attemptsMade') or '0'
		redis.call('XADD', KEYS[3], '*', 'event', 'active', 'jobId', id, 'data', data,
			'processedOn', ARGV[1], 'attemptsMade', made, 'ts', ARGV[1])
		return id
	end
end
`)

// KEYS: active
// ARGV: id, lockUntil
var heartbeatScript = redis.NewScript(`
if redis.call('ZSCORE', KEYS[1], ARGV[1]) then
	redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
	return 1
end
return 0
`)

// KEYS: active, completed, job, events
// ARGV: id, now, result
var moveToCompletedScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[3], 'finishedOn', ARGV[2], 'returnvalue', ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
local data = redis.call('HGET', KEYS[3], 'data') or ''
local processedOn = redis.call('HGET', KEYS[3], 'processedOn') or ''
local made = redis.call('HGET', KEYS[3], 'attemptsMade') or '0'
redis.call('XADD', KEYS[4], '*', 'event', 'completed', 'jobId', ARGV[1], 'data', data,
	'result', ARGV[3], 'processedOn', processedOn, 'finishedOn', ARGV[2],
	'attemptsMade', made, 'ts', ARGV[2])
return 1
`)

// KEYS: active, failed, delayed, job, events
// ARGV: id, now, reason, stack, retryAt, errorName, final
var moveToFailedScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
	return 0
end
local made = redis.call('HINCRBY', KEYS[4], 'attemptsMade', 1)
local attempts = tonumber(redis.call('HGET', KEYS[4], 'attempts') or '1')
local processedOn = redis.call('HGET', KEYS[4], 'processedOn') or ''
local data = redis.call('HGET', KEYS[4], 'data') or ''
redis.call('HSET', KEYS[4], 'failedReason', ARGV[3], 'stacktrace', ARGV[4])
if made < attempts and ARGV[7] ~= '1' then
	redis.call('HDEL', KEYS[4], 'processedOn')
	redis.call('ZADD', KEYS[3], ARGV[5], ARGV[1])
	redis.call('XADD', KEYS[5], '*', 'event', 'retrying', 'jobId', ARGV[1], 'data', data,
		'error', ARGV[3], 'errorName', ARGV[6], 'attemptsMade', tostring(made),
		'processedOn', processedOn, 'retryAt', ARGV[5], 'ts', ARGV[2])
	return 2
end
redis.call('HSET', KEYS[4], 'finishedOn', ARGV[2], 'errorName', ARGV[6])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
redis.call('XADD', KEYS[5], '*', 'event', 'failed', 'jobId', ARGV[1], 'data', data,
	'error', ARGV[3], 'errorName', ARGV[6], 'stack', ARGV[4], 'attemptsMade', tostring(made),
	'processedOn', processedOn, 'finishedOn', ARGV[2], 'ts', ARGV[2])
return 1
`)

// KEYS: active, failed, events
// ARGV: now, jobKeyPrefix, reason
var stalledScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
for _, id in ipairs(ids) do
	local jobKey = ARGV[2] .. id
	redis.call('ZREM', KEYS[1], id)
	redis.call('ZADD', KEYS[2], ARGV[1], id)
	redis.call('HSET', jobKey, 'finishedOn', ARGV[1], 'failedReason', ARGV[3], 'stalled', '1', 'errorName', 'JOB_STALLED')
	local data = redis.call('HGET', jobKey, 'data') or ''
	local processedOn = redis.call('HGET', jobKey, 'processedOn') or ''
	local made = redis.call('HGET', jobKey, 'attemptsMade') or '0'
	redis.call('XADD', KEYS[3], '*', 'event', 'stalled', 'jobId', id, 'data', data,
		'error', ARGV[3], 'errorName', 'JOB_STALLED', 'attemptsMade', made,
		'processedOn', processedOn, 'finishedOn', ARGV[1], 'ts', ARGV[1])
end
return ids
`)

// KEYS: delayed, wait, events
// ARGV: now, jobKeyPrefix
var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	local score = redis.call('HGET', ARGV[2] .. id, 'score')
	if score then
		redis.call('ZADD', KEYS[2], score, id)
		redis.call('XADD', KEYS[3], '*', 'event', 'waiting', 'jobId', id, 'ts', ARGV[1])
	end
end
return #ids
`)

// KEYS: active, wait, delayed, completed, failed, job
// ARGV: id
var removeScript = redis.NewScript(`
if redis.call('ZSCORE', KEYS[1], ARGV[1]) then
	return -1
end
if redis.call('ZSCORE', KEYS[4], ARGV[1]) or redis.call('ZSCORE', KEYS[5], ARGV[1]) then
	return -2
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('ZREM', KEYS[4], ARGV[1])
redis.call('ZREM', KEYS[5], ARGV[1])
return redis.call('DEL', KEYS[6])
`)

// KEYS: job
// ARGV: progress
var progressScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	redis.call('HSET', KEYS[1], 'progress', ARGV[1])
	return 1
end
return 0
`)
