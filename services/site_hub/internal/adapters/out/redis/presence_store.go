package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/EthanQC/fieldsync/services/site_hub/internal/domain/entity"
	"github.com/EthanQC/fieldsync/services/site_hub/internal/ports/out"
)

const (
	// 在线人员位置 Key 前缀：fs:presence:<project>:<user>
	presenceKeyPrefix = "fs:presence:"
	// 项目名册 ZSET，score 为 lastUpdated 毫秒
	rosterKeyPrefix = "fs:roster:"
	// 有名册的项目集合
	projectsKey = "fs:projects"
	// 位置过期时间
	DefaultPresenceTTL = 2 * time.Minute
)

// upsertScript 只接受比已记录更新的时间戳；相等视为重复，只续期不改写
var upsertScript = redis.NewScript(`
local cur = redis.call('ZSCORE', KEYS[1], ARGV[1])
if cur then
	local c = tonumber(cur)
	local n = tonumber(ARGV[2])
	if c > n then
		return 0
	end
	if c == n then
		redis.call('PEXPIRE', KEYS[2], ARGV[4])
		return 0
	end
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
redis.call('SET', KEYS[2], ARGV[3], 'PX', ARGV[4])
redis.call('SADD', KEYS[3], ARGV[5])
return 1
`)

// PresenceStore Redis 在线人员存储
type PresenceStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

var _ out.PresenceStore = (*PresenceStore)(nil)

// NewPresenceStore 创建存储，ttl<=0 使用默认值
func NewPresenceStore(client redis.UniversalClient, ttl time.Duration) *PresenceStore {
	if ttl <= 0 {
		ttl = DefaultPresenceTTL
	}
	return &PresenceStore{client: client, ttl: ttl}
}

func presenceKey(projectID, userID string) string {
	return presenceKeyPrefix + projectID + ":" + userID
}

func rosterKey(projectID string) string {
	return rosterKeyPrefix + projectID
}

func (s *PresenceStore) Upsert(ctx context.Context, projectID string, u entity.ActiveUser) (bool, error) {
	u.ProjectID = projectID
	data, err := json.Marshal(u)
	if err != nil {
		return false, err
	}
	score := u.LastUpdated.UnixMilli()
	res, err := upsertScript.Run(ctx, s.client,
		[]string{rosterKey(projectID), presenceKey(projectID, u.UserID), projectsKey},
		u.UserID, score, string(data), s.ttl.Milliseconds(), projectID,
	).Int()
	if err != nil {
		return false, fmt.Errorf("upsert presence: %w", err)
	}
	return res == 1, nil
}

func (s *PresenceStore) Active(ctx context.Context, projectID string) ([]entity.ActiveUser, error) {
	ids, err := s.client.ZRange(ctx, rosterKey(projectID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []entity.ActiveUser{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = presenceKey(projectID, id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	users := make([]entity.ActiveUser, 0, len(ids))
	var expired []any
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			expired = append(expired, ids[i])
			continue
		}
		var u entity.ActiveUser
		if err := json.Unmarshal([]byte(raw), &u); err != nil {
			expired = append(expired, ids[i])
			continue
		}
		users = append(users, u)
	}
	if len(expired) > 0 {
		s.client.ZRem(ctx, rosterKey(projectID), expired...)
	}
	return users, nil
}

func (s *PresenceStore) Remove(ctx context.Context, projectID, userID string) error {
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, rosterKey(projectID), userID)
		p.Del(ctx, presenceKey(projectID, userID))
		return nil
	})
	return err
}

func (s *PresenceStore) Prune(ctx context.Context, projectID string, before time.Time) ([]string, error) {
	upper := "(" + strconv.FormatInt(before.UnixMilli(), 10)
	ids, err := s.client.ZRangeByScore(ctx, rosterKey(projectID), &redis.ZRangeBy{Min: "-inf", Max: upper}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		members := make([]any, len(ids))
		keys := make([]string, len(ids))
		for i, id := range ids {
			members[i] = id
			keys[i] = presenceKey(projectID, id)
		}
		if _, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.ZRem(ctx, rosterKey(projectID), members...)
			p.Del(ctx, keys...)
			return nil
		}); err != nil {
			return nil, err
		}
	}

	n, err := s.client.ZCard(ctx, rosterKey(projectID)).Result()
	if err == nil && n == 0 {
		s.client.SRem(ctx, projectsKey, projectID)
	}
	return ids, nil
}

func (s *PresenceStore) Projects(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, projectsKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return ids, err
}
