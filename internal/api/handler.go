// Package api 提供 runbox 网关的 HTTP API。
// 包括函数管理、按 ID 或自定义路由执行函数、执行指标查询、健康检查，
// 以及基于 WebSocket 的实时执行推送。
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/oriys/runbox/internal/domain"
	"github.com/oriys/runbox/internal/engine"
	"github.com/oriys/runbox/internal/telemetry"
)

// maxBodyBytes 是请求体的大小上限
const maxBodyBytes = 2 << 20

// FunctionService 是函数管理接口，由 registry.Registry 实现。
type FunctionService interface {
	Create(ctx context.Context, req *domain.CreateFunctionRequest) (*domain.Function, error)
	Get(ctx context.Context, id int64) (*domain.Function, error)
	List(ctx context.Context, offset, limit int) ([]*domain.Function, int64, error)
	Update(ctx context.Context, id int64, req *domain.UpdateFunctionRequest) (*domain.Function, error)
	Delete(ctx context.Context, id int64) (*domain.Function, error)
}

// Invoker 执行已注册的函数，由 scheduler.Invoker 实现。
type Invoker interface {
	Invoke(ctx context.Context, functionID int64) (*domain.Invocation, error)
	InvokeRoute(ctx context.Context, route string) (*domain.Invocation, error)
}

// MetricStore 是执行指标的读写接口，由 storage.PostgresStore 实现。
type MetricStore interface {
	CreateMetric(ctx context.Context, m *domain.MetricRecord) error
	ListMetrics(ctx context.Context, functionID int64, limit int) ([]*domain.MetricRecord, error)
	GetFunctionStats(ctx context.Context, functionID int64) (*domain.FunctionStats, error)
	Ping(ctx context.Context) error
}

// AvailabilitySource 报告执行后端的可用性，由 engine.Engine 实现。
type AvailabilitySource interface {
	Availability() engine.Availability
}

// FunctionEventPublisher 发布函数生命周期事件，由 events.EventBus 实现。
type FunctionEventPublisher interface {
	PublishFunctionCreated(ctx context.Context, fn *domain.Function) error
	PublishFunctionUpdated(ctx context.Context, fn *domain.Function) error
	PublishFunctionDeleted(ctx context.Context, fn *domain.Function) error
}

// Handler 处理函数管理、执行与指标相关的请求。
type Handler struct {
	functions    FunctionService
	invoker      Invoker
	metrics      MetricStore
	availability AvailabilitySource
	events       FunctionEventPublisher
	logger       *logrus.Logger
}

// HandlerConfig 汇总 Handler 的依赖。Events 可为 nil。
type HandlerConfig struct {
	Functions    FunctionService
	Invoker      Invoker
	Metrics      MetricStore
	Availability AvailabilitySource
	Events       FunctionEventPublisher
	Logger       *logrus.Logger
}

// NewHandler 创建 Handler。
func NewHandler(cfg HandlerConfig) *Handler {
	return &Handler{
		functions:    cfg.Functions,
		invoker:      cfg.Invoker,
		metrics:      cfg.Metrics,
		availability: cfg.Availability,
		events:       cfg.Events,
		logger:       cfg.Logger,
	}
}

// ListFunctionsResponse 是函数列表响应。
type ListFunctionsResponse struct {
	Functions []*domain.Function `json:"functions"`
	Total     int64              `json:"total"`
	Offset    int                `json:"offset"`
	Limit     int                `json:"limit"`
}

// ExecuteResponse 是执行接口的响应：执行 ID 与归一化结果。
// 执行失败同样以 200 返回，失败原因见 status 与 error_kind。
type ExecuteResponse struct {
	ExecutionID string `json:"execution_id"`
	FunctionID  int64  `json:"function_id"`
	domain.ExecutionResult
}

func newExecuteResponse(inv *domain.Invocation) ExecuteResponse {
	return ExecuteResponse{
		ExecutionID:     inv.ExecutionID,
		FunctionID:      inv.FunctionID,
		ExecutionResult: inv.Result,
	}
}

// Health 基本健康检查。
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Live 存活探针。
func (h *Handler) Live(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// Ready 就绪探针：数据库可达即就绪。
// 容器后端不可用不影响就绪，只在响应中报告。
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.metrics.Ping(ctx); err != nil {
		h.logError(r, "Ready", err)
		writeError(w, r, http.StatusServiceUnavailable, "database not ready")
		return
	}

	resp := map[string]any{"status": "ready"}
	if h.availability != nil {
		avail := h.availability.Availability()
		backend := map[string]any{"available": avail.ContainerUsable()}
		if reason := avail.Reason(); reason != "" {
			backend["reason"] = reason
		}
		if probed := avail.ProbedAt(); !probed.IsZero() {
			backend["probed_at"] = probed.UTC().Format(time.RFC3339)
		}
		resp["container_backend"] = backend
	}
	writeJSON(w, http.StatusOK, resp)
}

// CreateFunction 创建函数。
// HTTP端点: POST /api/v1/functions
func (h *Handler) CreateFunction(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateFunctionRequest
	if !h.decode(w, r, &req) {
		return
	}

	fn, err := h.functions.Create(r.Context(), &req)
	if err != nil {
		h.writeDomainError(w, r, "CreateFunction", err)
		return
	}
	if h.events != nil {
		if err := h.events.PublishFunctionCreated(r.Context(), fn); err != nil {
			h.logWarn(r, "CreateFunction", "Failed to publish function event", err)
		}
	}
	writeJSON(w, http.StatusCreated, fn)
}

// ListFunctions 分页列出函数。
// HTTP端点: GET /api/v1/functions?offset=0&limit=100
func (h *Handler) ListFunctions(w http.ResponseWriter, r *http.Request) {
	offset := queryInt(r, "offset", 0)
	limit := queryInt(r, "limit", 0)

	fns, total, err := h.functions.List(r.Context(), offset, limit)
	if err != nil {
		h.writeDomainError(w, r, "ListFunctions", err)
		return
	}
	if fns == nil {
		fns = []*domain.Function{}
	}
	if offset < 0 {
		offset = 0
	}
	writeJSON(w, http.StatusOK, ListFunctionsResponse{
		Functions: fns,
		Total:     total,
		Offset:    offset,
		Limit:     len(fns),
	})
}

// GetFunction 获取函数详情。
func (h *Handler) GetFunction(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "invalid function id")
		return
	}
	fn, err := h.functions.Get(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, "GetFunction", err)
		return
	}
	writeJSON(w, http.StatusOK, fn)
}

// UpdateFunction 部分更新函数，未出现的字段保持不变。
func (h *Handler) UpdateFunction(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "invalid function id")
		return
	}
	var req domain.UpdateFunctionRequest
	if !h.decode(w, r, &req) {
		return
	}

	fn, err := h.functions.Update(r.Context(), id, &req)
	if err != nil {
		h.writeDomainError(w, r, "UpdateFunction", err)
		return
	}
	if h.events != nil {
		if err := h.events.PublishFunctionUpdated(r.Context(), fn); err != nil {
			h.logWarn(r, "UpdateFunction", "Failed to publish function event", err)
		}
	}
	writeJSON(w, http.StatusOK, fn)
}

// DeleteFunction 删除函数及其执行指标。
func (h *Handler) DeleteFunction(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "invalid function id")
		return
	}
	fn, err := h.functions.Delete(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, "DeleteFunction", err)
		return
	}
	if h.events != nil {
		if err := h.events.PublishFunctionDeleted(r.Context(), fn); err != nil {
			h.logWarn(r, "DeleteFunction", "Failed to publish function event", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "Function deleted successfully", "id": id})
}

// ExecuteFunction 按 ID 同步执行函数。
// HTTP端点: POST /api/v1/execute/{id}
func (h *Handler) ExecuteFunction(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "invalid function id")
		return
	}
	inv, err := h.invoker.Invoke(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, "ExecuteFunction", err)
		return
	}
	writeJSON(w, http.StatusOK, newExecuteResponse(inv))
}

// InvokeRoute 执行注册在自定义路由上的函数。
// HTTP端点: ANY /fn/{route...}
func (h *Handler) InvokeRoute(w http.ResponseWriter, r *http.Request) {
	route := "/" + strings.Trim(chi.URLParam(r, "*"), "/")
	if err := domain.ValidateRoute(route); err != nil {
		writeError(w, r, http.StatusNotFound, domain.ErrFunctionNotFound.Error())
		return
	}
	inv, err := h.invoker.InvokeRoute(r.Context(), route)
	if err != nil {
		h.writeDomainError(w, r, "InvokeRoute", err)
		return
	}
	writeJSON(w, http.StatusOK, newExecuteResponse(inv))
}

// CreateMetric 手动写入一条执行指标。
// HTTP端点: POST /api/v1/metrics
func (h *Handler) CreateMetric(w http.ResponseWriter, r *http.Request) {
	var rec domain.MetricRecord
	if !h.decode(w, r, &rec) {
		return
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if err := rec.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.metrics.CreateMetric(r.Context(), &rec); err != nil {
		h.writeDomainError(w, r, "CreateMetric", err)
		return
	}
	writeJSON(w, http.StatusCreated, &rec)
}

// ListMetrics 列出函数最近的执行指标。
// HTTP端点: GET /api/v1/metrics/function/{id}?limit=100
func (h *Handler) ListMetrics(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "invalid function id")
		return
	}
	limit := queryInt(r, "limit", 100)
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	recs, err := h.metrics.ListMetrics(r.Context(), id, limit)
	if err != nil {
		h.writeDomainError(w, r, "ListMetrics", err)
		return
	}
	if recs == nil {
		recs = []*domain.MetricRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"metrics": recs, "function_id": id})
}

// GetStats 返回函数的聚合统计，没有记录时各项为 0。
// HTTP端点: GET /api/v1/metrics/stats/function/{id}
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "invalid function id")
		return
	}
	stats, err := h.metrics.GetFunctionStats(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, "GetStats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := decodeBody(w, r, v); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}

func (h *Handler) requestLogger(r *http.Request, op string) *logrus.Entry {
	return telemetry.EntryWithTraceContext(r.Context(), h.logger.WithFields(logrus.Fields{
		"op":         op,
		"path":       r.URL.Path,
		"request_id": middleware.GetReqID(r.Context()),
	}))
}

func (h *Handler) logError(r *http.Request, op string, err error) {
	h.requestLogger(r, op).WithError(err).Error("Request failed")
}

func (h *Handler) logWarn(r *http.Request, op, message string, err error) {
	h.requestLogger(r, op).WithError(err).Warn(message)
}
