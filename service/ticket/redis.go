package ticket

import (
	"context"
	"errors"
	"strconv"
	"time"

	"PPMessenger/tools/errs"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "ppm:ticket:"

// RedisStore shares tickets between nodes through Redis.
type RedisStore struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

func NewRedisStore(rdb redis.UniversalClient, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func redisKey(id string) string { return redisKeyPrefix + id }

func (s *RedisStore) Issue(ctx context.Context, userID int64) (string, error) {
	id := newID()
	// SET key owner EX ttl
	if err := s.rdb.Set(ctx, redisKey(id), userID, s.ttl).Err(); err != nil {
		return "", errs.WrapMsg(err, "issue ticket", "user", userID)
	}
	return id, nil
}

func (s *RedisStore) Peek(ctx context.Context, id string) (int64, error) {
	if !validID(id) {
		return 0, ErrNotFound.WrapMsg("peek", "ticket", id)
	}
	return s.owner(s.rdb.Get(ctx, redisKey(id)), "peek", id)
}

// Consume relies on GETDEL being a single server-side command.
func (s *RedisStore) Consume(ctx context.Context, id string) (int64, error) {
	if !validID(id) {
		return 0, ErrNotFound.WrapMsg("consume", "ticket", id)
	}
	return s.owner(s.rdb.GetDel(ctx, redisKey(id)), "consume", id)
}

func (s *RedisStore) owner(cmd *redis.StringCmd, op, id string) (int64, error) {
	v, err := cmd.Result()
	if errors.Is(err, redis.Nil) {
		return 0, ErrNotFound.WrapMsg(op, "ticket", id)
	}
	if err != nil {
		return 0, errs.WrapMsg(err, op+" ticket", "ticket", id)
	}
	uid, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, errs.WrapMsg(err, "corrupt ticket owner", "ticket", id)
	}
	return uid, nil
}
