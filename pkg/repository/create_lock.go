package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// compare-and-delete so a lock that expired and was re-acquired elsewhere is not released
var unlockScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	end
	return 0
`)

// RedisLock serializes create-order for one (store, order) pair across instances.
type RedisLock struct {
	rdb redis.UniversalClient
}

func NewRedisLock(rdb redis.UniversalClient) *RedisLock {
	return &RedisLock{rdb: rdb}
}

// Acquire takes the lock without waiting. ok is false when another holder has it.
func (l *RedisLock) Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error) {
	token := uuid.NewString()
	redisKey := "paymentproxy:create_lock:" + key

	ok, err = l.rdb.SetNX(ctx, redisKey, token, ttl).Result()
	if err != nil || !ok {
		return func() {}, ok, err
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		unlockScript.Run(ctx, l.rdb, []string{redisKey}, token)
	}, true, nil
}
