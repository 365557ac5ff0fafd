package presence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisTracker keeps presence in Redis so several relay instances agree on
// who is online. Keys:
//
//	<prefix>:conn:<userId>      set of connection ids
//	<prefix>:lastseen:<userId>  unix milliseconds of the last connect/disconnect
type RedisTracker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisTracker returns a tracker whose connection sets expire after ttl
// without activity, so a crashed relay cannot leave users online forever.
func NewRedisTracker(client *redis.Client, prefix string, ttl time.Duration) *RedisTracker {
	return &RedisTracker{client: client, prefix: prefix, ttl: ttl}
}

func (t *RedisTracker) connKey(userId string) string {
	return fmt.Sprintf("%s:conn:%s", t.prefix, userId)
}

func (t *RedisTracker) lastSeenKey(userId string) string {
	return fmt.Sprintf("%s:lastseen:%s", t.prefix, userId)
}

func (t *RedisTracker) Connect(ctx context.Context, userId, connId string) (bool, error) {
	key := t.connKey(userId)

	var card *redis.IntCmd
	_, err := t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, key, connId)
		if t.ttl > 0 {
			pipe.Expire(ctx, key, t.ttl)
		}
		card = pipe.SCard(ctx, key)
		pipe.Set(ctx, t.lastSeenKey(userId), time.Now().UnixMilli(), 0)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("track connect of %q: %w", userId, err)
	}

	return card.Val() == 1, nil
}

func (t *RedisTracker) Disconnect(ctx context.Context, userId, connId string) (bool, error) {
	key := t.connKey(userId)

	var removed, card *redis.IntCmd
	_, err := t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.SRem(ctx, key, connId)
		card = pipe.SCard(ctx, key)
		pipe.Set(ctx, t.lastSeenKey(userId), time.Now().UnixMilli(), 0)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("track disconnect of %q: %w", userId, err)
	}

	return removed.Val() == 1 && card.Val() == 0, nil
}

func (t *RedisTracker) Status(ctx context.Context, userId string) (Status, error) {
	n, err := t.client.SCard(ctx, t.connKey(userId)).Result()
	if err != nil {
		return Status{}, fmt.Errorf("presence of %q: %w", userId, err)
	}

	s := Status{UserId: userId, Online: n > 0}

	raw, err := t.client.Get(ctx, t.lastSeenKey(userId)).Result()
	switch {
	case errors.Is(err, redis.Nil):
	case err != nil:
		return Status{}, fmt.Errorf("last seen of %q: %w", userId, err)
	default:
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			s.LastSeen = time.UnixMilli(ms).UTC()
		}
	}

	return s, nil
}
