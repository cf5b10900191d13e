package redis_repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/deepresearch/models"
)

const (
	treeKeyPrefix = "research:tree:"
	runIndexKey   = "research:runs"
)

// redisTreeRepository stores one JSON tree per run plus a sorted index of
// run ids by last save time.
type redisTreeRepository struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisTreeRepository(client *redis.Client, ttl time.Duration) *redisTreeRepository {
	return &redisTreeRepository{
		client: client,
		ttl:    ttl,
	}
}

func (r *redisTreeRepository) SaveTree(ctx context.Context, runID string, root *models.Topic) error {
	data, err := json.Marshal(root)
	if err != nil {
		return err
	}
	now := time.Now()
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, treeKeyPrefix+runID, data, r.ttl)
		pipe.ZAdd(ctx, runIndexKey, redis.Z{Score: float64(now.UnixMilli()), Member: runID})
		return nil
	})
	return err
}

func (r *redisTreeRepository) GetTree(ctx context.Context, runID string) (*models.Topic, error) {
	val, err := r.client.Get(ctx, treeKeyPrefix+runID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, models.ErrTreeNotFound
		}
		return nil, err
	}
	return models.TopicFromJSON(val)
}

// ListRuns returns run ids, most recently saved first. Ids whose tree
// expired are pruned from the index.
func (r *redisTreeRepository) ListRuns(ctx context.Context) ([]string, error) {
	ids, err := r.client.ZRevRange(ctx, runIndexKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = treeKeyPrefix + id
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(ids))
	var stale []any
	for i, v := range vals {
		if v == nil {
			stale = append(stale, ids[i])
			continue
		}
		out = append(out, ids[i])
	}
	if len(stale) > 0 {
		_ = r.client.ZRem(ctx, runIndexKey, stale...).Err()
	}
	return out, nil
}

func (r *redisTreeRepository) Close() error {
	return r.client.Close()
}

func (r *redisTreeRepository) DeleteTree(ctx context.Context, runID string) error {
	var del *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, treeKeyPrefix+runID)
		pipe.ZRem(ctx, runIndexKey, runID)
		return nil
	})
	if err != nil {
		return err
	}
	if del.Val() == 0 {
		return models.ErrTreeNotFound
	}
	return nil
}
