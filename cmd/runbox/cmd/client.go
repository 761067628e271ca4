package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/oriys/runbox/internal/api"
	"github.com/oriys/runbox/internal/domain"
	"github.com/oriys/runbox/internal/telemetry"
)

// Client 是 runbox 网关的 API 客户端，使用 HTTP/JSON 与网关通信。
type Client struct {
	baseURL    string
	apiKey     string
	token      string
	httpClient *http.Client
}

// NewClient 从 viper 配置中读取网关地址与凭据创建客户端。
// 请求经过 otelhttp 传输层，网关开启追踪时可以串起同一条链路。
func NewClient() *Client {
	baseURL := viper.GetString("api_url")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  viper.GetString("api_key"),
		token:   viper.GetString("token"),
		httpClient: &http.Client{
			Timeout:   (time.Duration(domain.MaxTimeoutSeconds) + 30) * time.Second,
			Transport: telemetry.HTTPClientTransport(nil),
		},
	}
}

// APIError 表示网关返回的错误响应。
type APIError struct {
	Code      int    `json:"-"`
	Message   string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

func (e *APIError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "API error %d: %s", e.Code, e.Message)
	if e.RequestID != "" {
		fmt.Fprintf(&sb, "\n  Request ID: %s", e.RequestID)
	}
	if e.TraceID != "" {
		fmt.Fprintf(&sb, "\n  Trace ID: %s", e.TraceID)
	}
	return sb.String()
}

// do 执行 HTTP 请求并处理响应。
func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr APIError
		if err := json.Unmarshal(respBody, &apiErr); err == nil && apiErr.Message != "" {
			apiErr.Code = resp.StatusCode
			return &apiErr
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}

func functionPath(id int64) string {
	return "/api/v1/functions/" + strconv.FormatInt(id, 10)
}

// ====== 函数管理 ======

func (c *Client) CreateFunction(ctx context.Context, req *domain.CreateFunctionRequest) (*domain.Function, error) {
	var fn domain.Function
	if err := c.do(ctx, http.MethodPost, "/api/v1/functions", req, &fn); err != nil {
		return nil, err
	}
	return &fn, nil
}

func (c *Client) ListFunctions(ctx context.Context, offset, limit int) (*api.ListFunctionsResponse, error) {
	q := url.Values{}
	q.Set("offset", strconv.Itoa(offset))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp api.ListFunctionsResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/functions?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) GetFunction(ctx context.Context, id int64) (*domain.Function, error) {
	var fn domain.Function
	if err := c.do(ctx, http.MethodGet, functionPath(id), nil, &fn); err != nil {
		return nil, err
	}
	return &fn, nil
}

func (c *Client) UpdateFunction(ctx context.Context, id int64, req *domain.UpdateFunctionRequest) (*domain.Function, error) {
	var fn domain.Function
	if err := c.do(ctx, http.MethodPut, functionPath(id), req, &fn); err != nil {
		return nil, err
	}
	return &fn, nil
}

func (c *Client) DeleteFunction(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, functionPath(id), nil, nil)
}

// ====== 执行 ======

func (c *Client) Execute(ctx context.Context, id int64) (*api.ExecuteResponse, error) {
	var resp api.ExecuteResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/execute/"+strconv.FormatInt(id, 10), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ExecuteRoute 通过函数注册的路由触发执行。
func (c *Client) ExecuteRoute(ctx context.Context, route string) (*api.ExecuteResponse, error) {
	var resp api.ExecuteResponse
	path := "/fn/" + strings.TrimLeft(route, "/")
	if err := c.do(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ====== 指标 ======

type metricsResponse struct {
	FunctionID int64                  `json:"function_id"`
	Metrics    []*domain.MetricRecord `json:"metrics"`
}

func (c *Client) ListMetrics(ctx context.Context, id int64, limit int) ([]*domain.MetricRecord, error) {
	path := "/api/v1/metrics/function/" + strconv.FormatInt(id, 10)
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp metricsResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Metrics, nil
}

func (c *Client) GetStats(ctx context.Context, id int64) (*domain.FunctionStats, error) {
	var stats domain.FunctionStats
	if err := c.do(ctx, http.MethodGet, "/api/v1/metrics/stats/function/"+strconv.FormatInt(id, 10), nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// ====== 认证与状态 ======

func (c *Client) IssueToken(ctx context.Context, key string) (*api.TokenResponse, error) {
	var resp api.TokenResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/auth/token", map[string]string{"api_key": key}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ReadyStatus 是 /health/ready 的响应。
type ReadyStatus struct {
	Status           string `json:"status"`
	ContainerBackend *struct {
		Available bool   `json:"available"`
		Reason    string `json:"reason,omitempty"`
		ProbedAt  string `json:"probed_at,omitempty"`
	} `json:"container_backend,omitempty"`
}

func (c *Client) Ready(ctx context.Context) (*ReadyStatus, error) {
	var status ReadyStatus
	if err := c.do(ctx, http.MethodGet, "/health/ready", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}
