package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/oriys/runbox/internal/domain"
	"github.com/oriys/runbox/internal/telemetry"
)

// ErrorResponse 是所有错误响应的 JSON 结构。
// request_id 与 trace_id 用于在日志与追踪系统中定位请求。
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	writeJSON(w, status, ErrorResponse{
		Error:     message,
		RequestID: middleware.GetReqID(r.Context()),
		TraceID:   telemetry.TraceIDFromContext(r.Context()),
	})
}

// statusFor 将领域错误映射为 HTTP 状态码。
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrFunctionNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrFunctionExists):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidName),
		errors.Is(err, domain.ErrInvalidRuntime),
		errors.Is(err, domain.ErrInvalidCode),
		errors.Is(err, domain.ErrCodeSizeExceeded),
		errors.Is(err, domain.ErrInvalidRoute),
		errors.Is(err, domain.ErrInvalidTimeout),
		errors.Is(err, domain.ErrInvalidMetric):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeDomainError 按错误类型写出响应；5xx 不向客户端暴露内部错误细节。
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logError(r, op, err)
		writeError(w, r, status, "internal server error")
		return
	}
	writeError(w, r, status, err.Error())
}

// pathID 解析路径参数 {id}。
func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// queryInt 解析整数查询参数，缺省或非法时返回 def。
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
