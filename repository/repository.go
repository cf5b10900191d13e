package repository

import (
	"context"
	"fmt"

	"github.com/mohammad-safakhou/deepresearch/config"
	"github.com/mohammad-safakhou/deepresearch/models"
	"github.com/mohammad-safakhou/deepresearch/repository/redis_repository"
)

// ErrTreeNotFound is returned when no tree is stored for a run.
var ErrTreeNotFound = models.ErrTreeNotFound

// TreeRepository persists research tree snapshots keyed by run id. It
// satisfies research.Checkpointer.
type TreeRepository interface {
	SaveTree(ctx context.Context, runID string, root *models.Topic) error
	GetTree(ctx context.Context, runID string) (*models.Topic, error)
	ListRuns(ctx context.Context) ([]string, error)
	DeleteTree(ctx context.Context, runID string) error
	Close() error
}

type RepoType string

const (
	RepoTypeRedis RepoType = "redis"
)

func NewTreeRepository(ctx context.Context, t RepoType, cfg config.RedisConfig) (TreeRepository, error) {
	switch t {
	case RepoTypeRedis:
		c, err := redis_repository.Conn(ctx, cfg.Host, cfg.Port, cfg.Password, cfg.DB, cfg.Timeout)
		if err != nil {
			return nil, err
		}
		return redis_repository.NewRedisTreeRepository(c, cfg.TTL), nil
	}
	return nil, fmt.Errorf("invalid repository type: %s", t)
}
