package valkey

import (
	"context"
	"crypto/tls"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"taglink/config"
)

// errEmpty is returned by store.BLPop when the timeout elapses with no item.
var errEmpty = redis.Nil

// store is the set of server commands the publisher issues.
type store interface {
	Ping(ctx context.Context) error
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Publish(ctx context.Context, channel string, msg []byte) error
	BLPop(ctx context.Context, timeout time.Duration, keys ...string) (key, value string, err error)
	ScanKeys(ctx context.Context, pattern string) ([]string, error)
	MGet(ctx context.Context, keys ...string) ([]interface{}, error)
	Close() error
}

// redisStore adapts a go-redis client.
type redisStore struct {
	client *redis.Client
}

func newRedisStore(cfg *config.ValkeyConfig) store {
	opts := &redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.Database,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}
	if cfg.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return &redisStore{client: redis.NewClient(opts)}
}

func (s *redisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *redisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *redisStore) Del(ctx context.Context, keys ...string) error {
	return s.client.Del(ctx, keys...).Err()
}

func (s *redisStore) Publish(ctx context.Context, channel string, msg []byte) error {
	return s.client.Publish(ctx, channel, msg).Err()
}

func (s *redisStore) BLPop(ctx context.Context, timeout time.Duration, keys ...string) (string, string, error) {
	res, err := s.client.BLPop(ctx, timeout, keys...).Result()
	if err != nil {
		return "", "", err
	}
	if len(res) < 2 {
		return "", "", errEmpty
	}
	return res[0], res[1], nil
}

func (s *redisStore) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 500).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}

func (s *redisStore) MGet(ctx context.Context, keys ...string) ([]interface{}, error) {
	return s.client.MGet(ctx, keys...).Result()
}

func (s *redisStore) Close() error {
	return s.client.Close()
}

func isEmpty(err error) bool {
	return errors.Is(err, errEmpty)
}
