package ownership

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// claimScript moves the record to (ARGV[1], epoch+1) when the stored epoch
// equals ARGV[2]. A missing key is epoch 0, unowned.
var claimScript = redis.NewScript(`
local epoch = tonumber(redis.call('HGET', KEYS[1], 'epoch') or '0')
local owner = redis.call('HGET', KEYS[1], 'owner') or ''
if epoch ~= tonumber(ARGV[2]) then
  return {0, owner, tostring(epoch)}
end
redis.call('HSET', KEYS[1], 'owner', ARGV[1], 'epoch', tostring(epoch + 1))
return {1, ARGV[1], tostring(epoch + 1)}
`)

// releaseScript clears the owner when ARGV[1] still holds the object at ARGV[2].
var releaseScript = redis.NewScript(`
local epoch = tonumber(redis.call('HGET', KEYS[1], 'epoch') or '0')
local owner = redis.call('HGET', KEYS[1], 'owner') or ''
if epoch ~= tonumber(ARGV[2]) or owner ~= ARGV[1] then
  return {0, owner, tostring(epoch)}
end
redis.call('HSET', KEYS[1], 'owner', '', 'epoch', tostring(epoch + 1))
return {1, '', tostring(epoch + 1)}
`)

// RedisArbiter arbitrates through a redis hash per object, so every
// participant of a session shares one source of truth.
type RedisArbiter struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisArbiter creates an arbiter storing records under
// "slidesync:<session>:owner:<object>".
func NewRedisArbiter(client redis.UniversalClient, sessionID string) *RedisArbiter {
	return &RedisArbiter{
		client: client,
		prefix: fmt.Sprintf("slidesync:%s:owner:", sessionID),
	}
}

func (a *RedisArbiter) key(objectID string) string {
	return a.prefix + objectID
}

func (a *RedisArbiter) Claim(ctx context.Context, objectID, participant string, observed uint64) (Change, bool, error) {
	return a.run(ctx, claimScript, objectID, participant, observed)
}

func (a *RedisArbiter) Release(ctx context.Context, objectID, participant string, observed uint64) (Change, bool, error) {
	return a.run(ctx, releaseScript, objectID, participant, observed)
}

func (a *RedisArbiter) Forget(ctx context.Context, objectID string) error {
	if err := a.client.Del(ctx, a.key(objectID)).Err(); err != nil {
		return fmt.Errorf("forget %s: %w", objectID, err)
	}
	return nil
}

func (a *RedisArbiter) run(ctx context.Context, script *redis.Script, objectID, participant string, observed uint64) (Change, bool, error) {
	res, err := script.Run(ctx, a.client, []string{a.key(objectID)}, participant, observed).Slice()
	if err != nil {
		return Change{}, false, fmt.Errorf("arbitrate %s: %w", objectID, err)
	}
	if len(res) != 3 {
		return Change{}, false, fmt.Errorf("arbitrate %s: unexpected reply %v", objectID, res)
	}

	won, _ := res[0].(int64)
	owner, _ := res[1].(string)
	epochText, _ := res[2].(string)
	epoch, err := strconv.ParseUint(epochText, 10, 64)
	if err != nil {
		return Change{}, false, fmt.Errorf("arbitrate %s: bad epoch %q: %w", objectID, epochText, err)
	}

	return Change{ObjectID: objectID, Owner: owner, Epoch: epoch}, won == 1, nil
}
