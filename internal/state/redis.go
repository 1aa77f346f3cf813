package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// recordScript appends an attempt. A success first claims the success flag
// with SETNX; losing the claim writes nothing.
//
// KEYS[1] attempts list, KEYS[2] success flag, KEYS[3] permanent flag
// ARGV[1] outcome, ARGV[2] attempt JSON
var recordScript = redis.NewScript(`
if ARGV[1] == 'success' then
  if redis.call('SETNX', KEYS[2], '1') == 0 then
    return 0
  end
end
if ARGV[1] == 'permanent_failure' then
  redis.call('SET', KEYS[3], '1')
end
local a = cjson.decode(ARGV[2])
a['number'] = redis.call('LLEN', KEYS[1]) + 1
redis.call('RPUSH', KEYS[1], cjson.encode(a))
return 1
`)

type redisStore struct {
	rdb    *redis.Client
	prefix string
}

func NewRedis(rdb *redis.Client, prefix string) Store {
	if prefix == "" {
		prefix = "mailsched"
	}
	return &redisStore{rdb: rdb, prefix: prefix}
}

// Keys of one dispatch share a hash tag so the script stays on one slot.
func (s *redisStore) key(kind, dispatchKey string) string {
	return fmt.Sprintf("%s:{%s}:%s", s.prefix, dispatchKey, kind)
}

func (s *redisStore) HasSucceeded(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.key("success", key)).Result()
	return n == 1, err
}

func (s *redisStore) AttemptCount(ctx context.Context, key string) (int, error) {
	n, err := s.rdb.LLen(ctx, s.key("attempts", key)).Result()
	return int(n), err
}

func (s *redisStore) RecordAttempt(ctx context.Context, a Attempt) error {
	if err := prepare(&a); err != nil {
		return err
	}
	b, err := json.Marshal(a)
	if err != nil {
		return err
	}
	keys := []string{s.key("attempts", a.Key), s.key("success", a.Key), s.key("permanent", a.Key)}
	res, err := recordScript.Run(ctx, s.rdb, keys, string(a.Outcome), string(b)).Int()
	if err != nil {
		return fmt.Errorf("record attempt %s: %w", a.Key, err)
	}
	if res == 0 {
		return ErrAlreadySucceeded
	}
	return nil
}

type redisLookup struct {
	count     *redis.IntCmd
	success   *redis.IntCmd
	permanent *redis.IntCmd
	last      *redis.StringCmd
	block     *redis.StringCmd
}

// err is the first failure among the key's commands. A missing block or
// attempt list is redis.Nil and is not a failure.
func (c redisLookup) err() error {
	for _, cmd := range []redis.Cmder{c.count, c.success, c.permanent, c.last, c.block} {
		if err := cmd.Err(); err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
	}
	return nil
}

func (s *redisStore) Lookup(ctx context.Context, keys []string) (map[string]State, error) {
	out := make(map[string]State, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	cmds := make([]redisLookup, len(keys))
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = redisLookup{
				count:     p.LLen(ctx, s.key("attempts", k)),
				success:   p.Exists(ctx, s.key("success", k)),
				permanent: p.Exists(ctx, s.key("permanent", k)),
				last:      p.LIndex(ctx, s.key("attempts", k), -1),
				block:     p.Get(ctx, s.key("block", k)),
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("lookup: %w", err)
	}

	for i, k := range keys {
		c := cmds[i]
		if err := c.err(); err != nil {
			return nil, fmt.Errorf("lookup %s: %w", k, err)
		}
		st := State{
			Key:       k,
			Attempts:  int(c.count.Val()),
			Succeeded: c.success.Val() == 1,
			Permanent: c.permanent.Val() == 1,
		}
		if reason, err := c.block.Result(); err == nil {
			st.Blocked = true
			st.BlockReason = reason
		}
		if raw, err := c.last.Result(); err == nil {
			var a Attempt
			if json.Unmarshal([]byte(raw), &a) == nil {
				st.LastAttemptAt = a.At
			}
		}
		if st.Attempts == 0 && !st.Blocked && !st.Succeeded {
			continue
		}
		out[k] = st
	}
	return out, nil
}

func (s *redisStore) Block(ctx context.Context, key, reason string) error {
	return s.rdb.Set(ctx, s.key("block", key), reason, 0).Err()
}

func (s *redisStore) Unblock(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, s.key("block", key)).Err()
}

func (s *redisStore) History(ctx context.Context, key string) ([]Attempt, error) {
	raw, err := s.rdb.LRange(ctx, s.key("attempts", key), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Attempt, 0, len(raw))
	for _, r := range raw {
		var a Attempt
		if err := json.Unmarshal([]byte(r), &a); err != nil {
			return nil, fmt.Errorf("decode attempt of %s: %w", key, err)
		}
		a.At = a.At.UTC()
		out = append(out, a)
	}
	return out, nil
}

func (s *redisStore) Close() error { return s.rdb.Close() }

func newRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return rdb, nil
}
