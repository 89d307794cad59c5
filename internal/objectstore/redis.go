package objectstore

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
)

const (
	redisFieldBody        = "body"
	redisFieldContentType = "content_type"
)

var _ Backend = (*RedisBackend)(nil)

// RedisBackend keeps each object in a hash holding its body and content type.
type RedisBackend struct {
	client *goredis.Client
	prefix string
}

func NewRedisBackend(client *goredis.Client, prefix string) (*RedisBackend, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	return &RedisBackend{client: client, prefix: prefix}, nil
}

func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	body, err := b.client.HGet(ctx, b.prefix+key, redisFieldBody).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, ErrObjectNotFound
	}
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (b *RedisBackend) Put(ctx context.Context, key string, body []byte, contentType string) error {
	return b.client.HSet(ctx, b.prefix+key,
		redisFieldBody, body,
		redisFieldContentType, contentType,
	).Err()
}
