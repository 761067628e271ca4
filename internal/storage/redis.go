package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oriys/runbox/internal/config"
	"github.com/oriys/runbox/internal/domain"
)

// Redis 键前缀常量定义
const (
	functionKeyPrefix = "runbox:function:"       // 函数实体缓存，键为函数 ID
	routeKeyPrefix    = "runbox:function:route:" // 路由到函数 ID 的映射
)

// RedisStore 是函数实体的读穿缓存。
// 缓存只是加速层，任何缓存错误都由调用方降级为数据库读取。
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore 创建并初始化 Redis 缓存，连接失败时返回错误。
func NewRedisStore(cfg config.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,

		// 连接池配置
		PoolSize:        50,
		MinIdleConns:    5,
		ConnMaxIdleTime: 5 * time.Minute,
		ConnMaxLifetime: 30 * time.Minute,

		// 超时配置，缓存读写要快速失败
		DialTimeout:  3 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		PoolTimeout:  2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return newRedisStoreWithClient(client, cfg.CacheTTL), nil
}

func newRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisStore{client: client, ttl: ttl}
}

// Close 关闭 Redis 连接。
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping 检查 Redis 连通性。
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func functionKey(id int64) string {
	return functionKeyPrefix + strconv.FormatInt(id, 10)
}

// SetFunction 缓存函数实体及其路由映射。
func (s *RedisStore) SetFunction(ctx context.Context, fn *domain.Function) error {
	data, err := json.Marshal(fn)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, functionKey(fn.ID), data, s.ttl)
	if fn.Route != "" {
		pipe.Set(ctx, routeKeyPrefix+fn.Route, fn.ID, s.ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// GetFunction 读取缓存的函数实体，未命中时返回 nil, nil。
func (s *RedisStore) GetFunction(ctx context.Context, id int64) (*domain.Function, error) {
	data, err := s.client.Get(ctx, functionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var fn domain.Function
	if err := json.Unmarshal(data, &fn); err != nil {
		return nil, fmt.Errorf("corrupt function cache entry: %w", err)
	}
	return &fn, nil
}

// GetFunctionIDByRoute 读取路由对应的函数 ID，未命中时返回 0, nil。
func (s *RedisStore) GetFunctionIDByRoute(ctx context.Context, route string) (int64, error) {
	id, err := s.client.Get(ctx, routeKeyPrefix+route).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return id, err
}

// InvalidateFunction 删除函数实体与路由映射的缓存。
// routes 传入该函数曾经使用过的路由，更新路由时新旧路由都需要失效。
func (s *RedisStore) InvalidateFunction(ctx context.Context, id int64, routes ...string) error {
	keys := []string{functionKey(id)}
	for _, r := range routes {
		if r != "" {
			keys = append(keys, routeKeyPrefix+r)
		}
	}
	return s.client.Del(ctx, keys...).Err()
}
