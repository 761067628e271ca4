// Package domain 定义了函数执行平台的核心领域模型。
// 该包包含函数定义、执行规格、执行结果、执行记录以及统一的错误分类，
// 是 API、调度、存储和执行引擎之间共享的领域层。
package domain

import (
	"strings"
	"time"
)

// Runtime 表示函数运行时类型。
// 平台只支持两种运行时，分别对应一个固定的基础镜像。
type Runtime string

// 支持的运行时常量定义
const (
	// RuntimePython 表示 Python 运行时，入口点为 handler()
	RuntimePython Runtime = "python"
	// RuntimeJavaScript 表示 JavaScript (Node.js) 运行时
	RuntimeJavaScript Runtime = "javascript"
)

// 函数配置限制常量
const (
	// DefaultTimeoutSeconds 是函数未指定超时时的默认超时（秒）
	DefaultTimeoutSeconds = 30.0
	// MaxTimeoutSeconds 是允许配置的最大超时（秒）
	MaxTimeoutSeconds = 300.0
	// MaxCodeSize 是函数源代码的最大大小（512KB）
	MaxCodeSize = 512 * 1024
	// MaxNameLength 是函数名称的最大长度
	MaxNameLength = 64
)

// IsValid 检查运行时类型是否有效。
func (r Runtime) IsValid() bool {
	switch r {
	case RuntimePython, RuntimeJavaScript:
		return true
	}
	return false
}

// SourceFile 返回该运行时在隔离单元中使用的源文件名。
func (r Runtime) SourceFile() string {
	if r == RuntimeJavaScript {
		return "function.js"
	}
	return "function.py"
}

// FunctionSpec 是一次执行所需的不可变函数规格。
// 由注册中心产生，按值传递给执行引擎，引擎不会修改或持久化它。
type FunctionSpec struct {
	// Runtime 运行时类型：python 或 javascript
	Runtime Runtime `json:"runtime"`
	// Code 函数源代码
	Code string `json:"code"`
	// TimeoutSeconds 墙钟超时（秒），必须大于 0
	TimeoutSeconds float64 `json:"timeout_seconds"`
}

// Timeout 将超时秒数转换为 time.Duration。
func (s FunctionSpec) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds * float64(time.Second))
}

// Validate 校验执行规格。
func (s FunctionSpec) Validate() error {
	if !s.Runtime.IsValid() {
		return ErrInvalidRuntime
	}
	if s.TimeoutSeconds <= 0 || s.TimeoutSeconds > MaxTimeoutSeconds {
		return ErrInvalidTimeout
	}
	if strings.TrimSpace(s.Code) == "" {
		return ErrInvalidCode
	}
	return nil
}

// Function 是注册中心持久化的函数实体。
// Name 与 Route 在全局范围内唯一。
type Function struct {
	// ID 函数唯一标识符（自增主键）
	ID int64 `json:"id"`
	// Name 函数名称，全局唯一
	Name string `json:"name"`
	// Runtime 运行时类型
	Runtime Runtime `json:"runtime"`
	// Code 函数源代码
	Code string `json:"code"`
	// Route 自定义调用路径，如 "/hello"，全局唯一
	Route string `json:"route"`
	// TimeoutSeconds 执行超时（秒），默认 30
	TimeoutSeconds float64 `json:"timeout"`
	// CreatedAt 创建时间
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt 最后更新时间
	UpdatedAt time.Time `json:"updated_at"`
}

// Spec 从函数实体派生出执行规格。
func (f *Function) Spec() FunctionSpec {
	return FunctionSpec{
		Runtime:        f.Runtime,
		Code:           f.Code,
		TimeoutSeconds: f.TimeoutSeconds,
	}
}

// CreateFunctionRequest 是创建函数的请求体。
type CreateFunctionRequest struct {
	Name    string  `json:"name"`
	Runtime Runtime `json:"runtime"`
	Code    string  `json:"code"`
	Route   string  `json:"route"`
	Timeout float64 `json:"timeout,omitempty"`
}

// Validate 校验创建请求，并为未设置的超时填充默认值。
func (r *CreateFunctionRequest) Validate() error {
	r.Name = strings.TrimSpace(r.Name)
	r.Route = strings.TrimSpace(r.Route)
	if r.Name == "" || len(r.Name) > MaxNameLength {
		return ErrInvalidName
	}
	if !r.Runtime.IsValid() {
		return ErrInvalidRuntime
	}
	if strings.TrimSpace(r.Code) == "" {
		return ErrInvalidCode
	}
	if len(r.Code) > MaxCodeSize {
		return ErrCodeSizeExceeded
	}
	if err := ValidateRoute(r.Route); err != nil {
		return err
	}
	if r.Timeout == 0 {
		r.Timeout = DefaultTimeoutSeconds
	}
	if r.Timeout < 0 || r.Timeout > MaxTimeoutSeconds {
		return ErrInvalidTimeout
	}
	return nil
}

// UpdateFunctionRequest 是更新函数的请求体，nil 字段保持不变。
type UpdateFunctionRequest struct {
	Name    *string  `json:"name,omitempty"`
	Runtime *Runtime `json:"runtime,omitempty"`
	Code    *string  `json:"code,omitempty"`
	Route   *string  `json:"route,omitempty"`
	Timeout *float64 `json:"timeout,omitempty"`
}

// Apply 将更新请求应用到函数实体上，返回校验错误。
// 仅在全部字段校验通过后才修改 fn。
func (r *UpdateFunctionRequest) Apply(fn *Function) error {
	next := *fn
	if r.Name != nil {
		next.Name = strings.TrimSpace(*r.Name)
		if next.Name == "" || len(next.Name) > MaxNameLength {
			return ErrInvalidName
		}
	}
	if r.Runtime != nil {
		if !r.Runtime.IsValid() {
			return ErrInvalidRuntime
		}
		next.Runtime = *r.Runtime
	}
	if r.Code != nil {
		if strings.TrimSpace(*r.Code) == "" {
			return ErrInvalidCode
		}
		if len(*r.Code) > MaxCodeSize {
			return ErrCodeSizeExceeded
		}
		next.Code = *r.Code
	}
	if r.Route != nil {
		route := strings.TrimSpace(*r.Route)
		if err := ValidateRoute(route); err != nil {
			return err
		}
		next.Route = route
	}
	if r.Timeout != nil {
		if *r.Timeout <= 0 || *r.Timeout > MaxTimeoutSeconds {
			return ErrInvalidTimeout
		}
		next.TimeoutSeconds = *r.Timeout
	}
	*fn = next
	return nil
}

// ValidateRoute 校验自定义路由：必须以 "/" 开头，且不能包含空白或查询串。
func ValidateRoute(route string) error {
	if len(route) < 2 || !strings.HasPrefix(route, "/") {
		return ErrInvalidRoute
	}
	if strings.ContainsAny(route, " \t\n?#") {
		return ErrInvalidRoute
	}
	return nil
}
