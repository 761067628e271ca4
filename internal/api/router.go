package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"

	"github.com/oriys/runbox/internal/auth"
	"github.com/oriys/runbox/internal/telemetry"
)

// RouterConfig 路由器配置选项
type RouterConfig struct {
	// Handler 函数与指标处理器
	Handler *Handler
	// AuthHandler 令牌交换处理器（可选）
	AuthHandler *AuthHandler
	// Auth 认证中间件（可选，nil 时不做认证）
	Auth *auth.Middleware
	// Feed 实时执行推送（可选）
	Feed *FeedHub
	// MetricsHandler 挂载到 /metrics 的处理器（可选，独立端口时为 nil）
	MetricsHandler http.Handler
	// AllowedOrigins CORS 允许的来源，为空时允许所有来源
	AllowedOrigins []string
	// ServiceName 追踪中使用的服务名
	ServiceName string
	// Logger 日志记录器
	Logger *logrus.Logger
}

// NewRouter 创建并配置 HTTP 路由器。
//
// 路由结构：
//
//	/health, /health/live, /health/ready  - 健康检查
//	/metrics                              - Prometheus 指标（未使用独立端口时）
//	/api/v1/auth/token                    - API Key 换取 JWT
//	/api/v1/functions                     - 函数管理
//	/api/v1/execute/{id}                  - 按 ID 执行
//	/api/v1/metrics                       - 执行指标
//	/api/v1/ws/executions                 - 实时执行推送
//	/fn/*                                 - 按自定义路由执行
func NewRouter(cfg *RouterConfig) *chi.Mux {
	h := cfg.Handler
	r := chi.NewRouter()

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "runbox-gateway"
	}
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r.Use(telemetry.HTTPMiddleware(serviceName))
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", h.Health)
	r.Get("/health/live", h.Live)
	r.Get("/health/ready", h.Ready)
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	authenticate := func(next http.Handler) http.Handler { return next }
	if cfg.Auth != nil {
		authenticate = cfg.Auth.Authenticate
	}

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.AuthHandler != nil {
			r.Post("/auth/token", cfg.AuthHandler.IssueToken)
		}

		r.Group(func(r chi.Router) {
			r.Use(authenticate)

			r.Route("/functions", func(r chi.Router) {
				r.Post("/", h.CreateFunction)
				r.Get("/", h.ListFunctions)
				r.Get("/{id}", h.GetFunction)
				r.Put("/{id}", h.UpdateFunction)
				r.Delete("/{id}", h.DeleteFunction)
			})

			r.Post("/execute/{id}", h.ExecuteFunction)

			r.Route("/metrics", func(r chi.Router) {
				r.Post("/", h.CreateMetric)
				r.Get("/function/{id}", h.ListMetrics)
				r.Get("/stats/function/{id}", h.GetStats)
			})

			if cfg.Feed != nil {
				r.Get("/ws/executions", cfg.Feed.ServeWS)
			}
		})
	})

	r.With(authenticate).HandleFunc("/fn/*", h.InvokeRoute)

	return r
}
