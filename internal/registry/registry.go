// Package registry 实现函数注册中心。
// 注册中心负责函数定义的校验与持久化，并向调用方提供执行所需的 FunctionSpec。
// 可选的 Redis 缓存以读穿方式加速查询，缓存故障只会降级到数据库读取。
package registry

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/oriys/runbox/internal/domain"
	"github.com/oriys/runbox/internal/metrics"
)

// 分页默认值
const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// FunctionStore 是注册中心依赖的持久化接口，由 storage.PostgresStore 实现。
type FunctionStore interface {
	CreateFunction(ctx context.Context, fn *domain.Function) error
	GetFunctionByID(ctx context.Context, id int64) (*domain.Function, error)
	GetFunctionByRoute(ctx context.Context, route string) (*domain.Function, error)
	ListFunctions(ctx context.Context, offset, limit int) ([]*domain.Function, int64, error)
	UpdateFunction(ctx context.Context, fn *domain.Function) error
	DeleteFunction(ctx context.Context, id int64) error
	CountFunctions(ctx context.Context) (int64, error)
}

// FunctionCache 是函数缓存接口，由 storage.RedisStore 实现。
type FunctionCache interface {
	SetFunction(ctx context.Context, fn *domain.Function) error
	GetFunction(ctx context.Context, id int64) (*domain.Function, error)
	GetFunctionIDByRoute(ctx context.Context, route string) (int64, error)
	InvalidateFunction(ctx context.Context, id int64, routes ...string) error
}

// Registry 是函数注册中心。
type Registry struct {
	store   FunctionStore
	cache   FunctionCache
	metrics *metrics.Metrics
	logger  *logrus.Logger
}

// New 创建注册中心。cache 与 m 可为 nil。
func New(store FunctionStore, cache FunctionCache, m *metrics.Metrics, logger *logrus.Logger) *Registry {
	return &Registry{
		store:   store,
		cache:   cache,
		metrics: m,
		logger:  logger,
	}
}

// Create 校验并创建函数。超时未设置时默认为 30 秒。
func (r *Registry) Create(ctx context.Context, req *domain.CreateFunctionRequest) (*domain.Function, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	fn := &domain.Function{
		Name:           req.Name,
		Runtime:        req.Runtime,
		Code:           req.Code,
		Route:          req.Route,
		TimeoutSeconds: req.Timeout,
	}
	if err := r.store.CreateFunction(ctx, fn); err != nil {
		return nil, err
	}

	r.logger.WithFields(logrus.Fields{
		"function_id": fn.ID,
		"name":        fn.Name,
		"runtime":     fn.Runtime,
		"route":       fn.Route,
	}).Info("Function created")

	r.refreshCount(ctx)
	return fn, nil
}

// Get 按 ID 查询函数，优先读取缓存。
func (r *Registry) Get(ctx context.Context, id int64) (*domain.Function, error) {
	if r.cache != nil {
		fn, err := r.cache.GetFunction(ctx, id)
		if err != nil {
			r.logger.WithError(err).WithField("function_id", id).Warn("Function cache read failed")
		} else if fn != nil {
			return fn, nil
		}
	}

	fn, err := r.store.GetFunctionByID(ctx, id)
	if err != nil {
		return nil, err
	}
	r.fill(ctx, fn)
	return fn, nil
}

// GetByRoute 按自定义路由查询函数。
func (r *Registry) GetByRoute(ctx context.Context, route string) (*domain.Function, error) {
	if r.cache != nil {
		id, err := r.cache.GetFunctionIDByRoute(ctx, route)
		if err != nil {
			r.logger.WithError(err).WithField("route", route).Warn("Route cache read failed")
		} else if id > 0 {
			fn, err := r.Get(ctx, id)
			// 缓存的路由可能已过期，命中的函数路由不一致时回源
			if err == nil && fn.Route == route {
				return fn, nil
			}
		}
	}

	fn, err := r.store.GetFunctionByRoute(ctx, route)
	if err != nil {
		return nil, err
	}
	r.fill(ctx, fn)
	return fn, nil
}

// List 分页列出函数。limit <= 0 时使用默认值，超过上限时截断。
func (r *Registry) List(ctx context.Context, offset, limit int) ([]*domain.Function, int64, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	return r.store.ListFunctions(ctx, offset, limit)
}

// Update 应用部分更新。校验失败时函数保持不变。
func (r *Registry) Update(ctx context.Context, id int64, req *domain.UpdateFunctionRequest) (*domain.Function, error) {
	fn, err := r.store.GetFunctionByID(ctx, id)
	if err != nil {
		return nil, err
	}
	oldRoute := fn.Route

	if err := req.Apply(fn); err != nil {
		return nil, err
	}
	if err := r.store.UpdateFunction(ctx, fn); err != nil {
		return nil, err
	}
	r.invalidate(ctx, id, oldRoute, fn.Route)

	r.logger.WithFields(logrus.Fields{
		"function_id": fn.ID,
		"name":        fn.Name,
	}).Info("Function updated")
	return fn, nil
}

// Delete 删除函数，返回被删除的函数实体。
func (r *Registry) Delete(ctx context.Context, id int64) (*domain.Function, error) {
	fn, err := r.store.GetFunctionByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := r.store.DeleteFunction(ctx, id); err != nil {
		return nil, err
	}
	r.invalidate(ctx, id, fn.Route)

	r.logger.WithFields(logrus.Fields{
		"function_id": id,
		"name":        fn.Name,
	}).Info("Function deleted")

	r.refreshCount(ctx)
	return fn, nil
}

// Resolve 返回函数的执行规格。
func (r *Registry) Resolve(ctx context.Context, id int64) (*domain.Function, domain.FunctionSpec, error) {
	fn, err := r.Get(ctx, id)
	if err != nil {
		return nil, domain.FunctionSpec{}, err
	}
	return fn, fn.Spec(), nil
}

// ResolveRoute 按路由返回函数的执行规格。
func (r *Registry) ResolveRoute(ctx context.Context, route string) (*domain.Function, domain.FunctionSpec, error) {
	fn, err := r.GetByRoute(ctx, route)
	if err != nil {
		return nil, domain.FunctionSpec{}, err
	}
	return fn, fn.Spec(), nil
}

// SyncMetrics 从存储刷新函数总数指标，服务启动时调用一次。
func (r *Registry) SyncMetrics(ctx context.Context) error {
	n, err := r.store.CountFunctions(ctx)
	if err != nil {
		return fmt.Errorf("failed to count functions: %w", err)
	}
	r.metrics.SetFunctionsTotal(n)
	return nil
}

func (r *Registry) fill(ctx context.Context, fn *domain.Function) {
	if r.cache == nil {
		return
	}
	if err := r.cache.SetFunction(ctx, fn); err != nil {
		r.logger.WithError(err).WithField("function_id", fn.ID).Warn("Function cache write failed")
	}
}

func (r *Registry) invalidate(ctx context.Context, id int64, routes ...string) {
	if r.cache == nil {
		return
	}
	if err := r.cache.InvalidateFunction(ctx, id, routes...); err != nil {
		r.logger.WithError(err).WithField("function_id", id).Warn("Function cache invalidation failed")
	}
}

func (r *Registry) refreshCount(ctx context.Context) {
	if r.metrics == nil {
		return
	}
	if err := r.SyncMetrics(ctx); err != nil {
		r.logger.WithError(err).Debug("Failed to refresh function count")
	}
}
