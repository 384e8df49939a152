package session

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"nft-marketplace-onchain/model"
)

const keyPrefix = "nftm:session:"

// RedisConfig はRedisの接続情報
type RedisConfig struct {
	Addr       string
	Password   string
	DB         int
	TLSEnabled bool
}

// RedisStore はTTL付きでセッションをRedisに保存する
type RedisStore struct {
	rdb redis.Cmdable
	ttl time.Duration
}

// NewRedisStore は接続を確認してからストアを返す
func NewRedisStore(ctx context.Context, cfg RedisConfig, ttl time.Duration) (*RedisStore, error) {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return &RedisStore{rdb: rdb, ttl: ttl}, nil
}

func NewRedisStoreWithClient(rdb redis.Cmdable, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func (s *RedisStore) Get(ctx context.Context, id string) (model.WalletSession, bool, error) {
	raw, err := s.rdb.Get(ctx, keyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.WalletSession{}, false, nil
	}
	if err != nil {
		return model.WalletSession{}, false, fmt.Errorf("redis: get session: %w", err)
	}
	var ws model.WalletSession
	if err := json.Unmarshal(raw, &ws); err != nil {
		return model.WalletSession{}, false, fmt.Errorf("redis: decode session: %w", err)
	}
	return ws, true, nil
}

func (s *RedisStore) Put(ctx context.Context, id string, ws model.WalletSession) error {
	raw, err := json.Marshal(ws)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, keyPrefix+id, raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis: put session: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.rdb.Del(ctx, keyPrefix+id).Err(); err != nil {
		return fmt.Errorf("redis: delete session: %w", err)
	}
	return nil
}

// Close は接続を閉じる
func (s *RedisStore) Close() error {
	if c, ok := s.rdb.(*redis.Client); ok {
		return c.Close()
	}
	return nil
}
