package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/collabtex/collabtex/collab"
)

// RedisSource is the source-of-truth file store: bootstrap reads for
// never-synchronized documents and the plain text projection written on
// every save.
type RedisSource struct {
	client *redis.Client
}

func NewRedisSource(addr string) *RedisSource {
	return &RedisSource{
		client: redis.NewClient(&redis.Options{
			Addr: addr,
		}),
	}
}

func (self *RedisSource) Close() error {
	return self.client.Close()
}

func (self *RedisSource) Ping(ctx context.Context) error {
	return self.client.Ping(ctx).Err()
}

func sourceKey(projectId string, filePath string) string {
	return fmt.Sprintf("doc:src:%s:%s", projectId, filePath)
}

func (self *RedisSource) ReadSource(ctx context.Context, projectId string, filePath string) (string, error) {
	content, err := self.client.Get(ctx, sourceKey(projectId, filePath)).Result()
	if errors.Is(err, redis.Nil) {
		return "", collab.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return content, nil
}

func (self *RedisSource) WriteProjection(ctx context.Context, projectId string, filePath string, text string) error {
	return self.client.Set(ctx, sourceKey(projectId, filePath), text, 0).Err()
}
