package backup

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// RedisStore keeps the backup in a local Redis: a list of JSON entries, a
// set of their ids and a set of delivered ids per attempt.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// appendOnce pushes ARGV[2] onto KEYS[1] only if ARGV[1] is new to KEYS[2].
var appendOnce = redis.NewScript(`
if redis.call("SADD", KEYS[2], ARGV[1]) == 1 then
	redis.call("RPUSH", KEYS[1], ARGV[2])
	return 1
end
return 0
`)

func (s *RedisStore) Append(ctx context.Context, attemptID string, v model.ViolationLog) error {
	v.Delivered = false
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("backup: marshal violation: %w", err)
	}
	keys := []string{
		config.CacheKey.BackupViolationsKey(attemptID),
		config.CacheKey.BackupIDsKey(attemptID),
	}
	if err := appendOnce.Run(ctx, s.rdb, keys, v.ID, data).Err(); err != nil {
		return fmt.Errorf("backup: append: %w", err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, attemptID string) ([]model.ViolationLog, error) {
	pipe := s.rdb.Pipeline()
	listCmd := pipe.LRange(ctx, config.CacheKey.BackupViolationsKey(attemptID), 0, -1)
	deliveredCmd := pipe.SMembers(ctx, config.CacheKey.BackupDeliveredKey(attemptID))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("backup: load: %w", err)
	}

	delivered := make(map[string]struct{})
	for _, id := range deliveredCmd.Val() {
		delivered[id] = struct{}{}
	}

	raw := listCmd.Val()
	out := make([]model.ViolationLog, 0, len(raw))
	for _, item := range raw {
		var v model.ViolationLog
		if err := json.Unmarshal([]byte(item), &v); err != nil {
			return nil, fmt.Errorf("backup: decode entry: %w", err)
		}
		_, v.Delivered = delivered[v.ID]
		out = append(out, v)
	}
	return out, nil
}

func (s *RedisStore) MarkDelivered(ctx context.Context, attemptID string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	if err := s.rdb.SAdd(ctx, config.CacheKey.BackupDeliveredKey(attemptID), members...).Err(); err != nil {
		return fmt.Errorf("backup: mark delivered: %w", err)
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context, attemptID string) error {
	err := s.rdb.Del(ctx,
		config.CacheKey.BackupViolationsKey(attemptID),
		config.CacheKey.BackupIDsKey(attemptID),
		config.CacheKey.BackupDeliveredKey(attemptID),
	).Err()
	if err != nil {
		return fmt.Errorf("backup: clear: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
