// Package domain 定义了函数执行平台的核心领域模型。
package domain

import (
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

// TestCreateFunctionRequest_Validate 测试 CreateFunctionRequest 的验证方法。
// 覆盖名称、运行时、代码、路由与超时的有效和无效组合。
func TestCreateFunctionRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string                // 测试用例名称
		req     CreateFunctionRequest // 测试输入
		wantErr error                 // 期望的错误，nil 表示通过
	}{
		{
			name: "valid request",
			req:  CreateFunctionRequest{Name: "hello", Runtime: RuntimePython, Code: "def handler(): return 1", Route: "/hello", Timeout: 10},
		},
		{
			name:    "empty name",
			req:     CreateFunctionRequest{Name: "  ", Runtime: RuntimePython, Code: "x", Route: "/a"},
			wantErr: ErrInvalidName,
		},
		{
			name:    "invalid runtime",
			req:     CreateFunctionRequest{Name: "a", Runtime: "ruby", Code: "x", Route: "/a"},
			wantErr: ErrInvalidRuntime,
		},
		{
			name:    "empty code",
			req:     CreateFunctionRequest{Name: "a", Runtime: RuntimeJavaScript, Code: "\n", Route: "/a"},
			wantErr: ErrInvalidCode,
		},
		{
			name:    "route without slash",
			req:     CreateFunctionRequest{Name: "a", Runtime: RuntimePython, Code: "x", Route: "hello"},
			wantErr: ErrInvalidRoute,
		},
		{
			name:    "negative timeout",
			req:     CreateFunctionRequest{Name: "a", Runtime: RuntimePython, Code: "x", Route: "/a", Timeout: -1},
			wantErr: ErrInvalidTimeout,
		},
		{
			name:    "timeout too large",
			req:     CreateFunctionRequest{Name: "a", Runtime: RuntimePython, Code: "x", Route: "/a", Timeout: 301},
			wantErr: ErrInvalidTimeout,
		},
		{
			name:    "code too large",
			req:     CreateFunctionRequest{Name: "a", Runtime: RuntimePython, Code: strings.Repeat("x", MaxCodeSize+1), Route: "/a"},
			wantErr: ErrCodeSizeExceeded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Validate() err=%v, want %v", err, tt.wantErr)
			}
		})
	}
}

// TestCreateFunctionRequest_DefaultTimeout 验证未指定超时时使用默认的 30 秒。
func TestCreateFunctionRequest_DefaultTimeout(t *testing.T) {
	req := CreateFunctionRequest{Name: "a", Runtime: RuntimePython, Code: "x", Route: "/a"}
	if err := req.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}
	if req.Timeout != DefaultTimeoutSeconds {
		t.Fatalf("timeout=%v, want %v", req.Timeout, DefaultTimeoutSeconds)
	}
}

// TestUpdateFunctionRequest_Apply 验证更新只在全部字段合法时生效。
func TestUpdateFunctionRequest_Apply(t *testing.T) {
	fn := &Function{ID: 1, Name: "a", Runtime: RuntimePython, Code: "x", Route: "/a", TimeoutSeconds: 30}

	badTimeout := 0.0
	newCode := "def handler(): return 2"
	req := UpdateFunctionRequest{Code: &newCode, Timeout: &badTimeout}
	if err := req.Apply(fn); !errors.Is(err, ErrInvalidTimeout) {
		t.Fatalf("Apply() err=%v, want %v", err, ErrInvalidTimeout)
	}
	if fn.Code != "x" {
		t.Fatalf("code=%q, want unchanged", fn.Code)
	}

	timeout := 5.0
	rt := RuntimeJavaScript
	req = UpdateFunctionRequest{Code: &newCode, Timeout: &timeout, Runtime: &rt}
	if err := req.Apply(fn); err != nil {
		t.Fatalf("Apply() err=%v", err)
	}
	if fn.Code != newCode || fn.TimeoutSeconds != 5 || fn.Runtime != RuntimeJavaScript {
		t.Fatalf("got=%+v", fn)
	}
}

func TestFunctionSpec(t *testing.T) {
	spec := (&Function{Runtime: RuntimePython, Code: "x", TimeoutSeconds: 1.5}).Spec()
	if got := spec.Timeout(); got != 1500*time.Millisecond {
		t.Fatalf("Timeout()=%v, want 1.5s", got)
	}
	if err := spec.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}
	if err := (FunctionSpec{Runtime: RuntimePython, Code: "x"}).Validate(); !errors.Is(err, ErrInvalidTimeout) {
		t.Fatalf("zero timeout err=%v, want %v", err, ErrInvalidTimeout)
	}
	if RuntimeJavaScript.SourceFile() != "function.js" || RuntimePython.SourceFile() != "function.py" {
		t.Fatalf("unexpected source file names")
	}
}

// TestComputeStats 验证聚合统计的比率计算，以及无记录时全部为 0。
func TestComputeStats(t *testing.T) {
	empty := ComputeStats(7, 0, 0, 0, 0)
	if empty.TotalExecutions != 0 || empty.SuccessRate != 0 || empty.ErrorRate != 0 || empty.FunctionID != 7 {
		t.Fatalf("empty stats=%+v", empty)
	}

	stats := ComputeStats(7, 4, 3, 0.5, 0)
	if stats.SuccessRate != 75 || stats.ErrorRate != 25 {
		t.Fatalf("rates=%v/%v, want 75/25", stats.SuccessRate, stats.ErrorRate)
	}
	if stats.AvgExecutionTime != 0.5 || stats.AvgMemoryUsage != 0 {
		t.Fatalf("averages=%v/%v", stats.AvgExecutionTime, stats.AvgMemoryUsage)
	}
}

func TestNewMetricRecord(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	ok := NewMetricRecord(1, "e1", ExecutionResult{Status: StatusSuccess, Output: "42", ExecutionTimeSeconds: 0.2}, ts)
	if ok.ErrorMessage != "" || ok.MemoryUsage != 0 {
		t.Fatalf("success record=%+v", ok)
	}

	failed := NewMetricRecord(1, "e2", ExecutionResult{
		Status:    StatusError,
		Output:    strings.Repeat("e", maxErrorMessage+10),
		ExitCode:  ExitCodeNone,
		ErrorKind: ErrorKindTimeout,
	}, ts)
	if !strings.HasSuffix(failed.ErrorMessage, "...(truncated)") {
		t.Fatalf("error message not truncated: len=%d", len(failed.ErrorMessage))
	}
	if failed.ErrorKind != ErrorKindTimeout || failed.ExitCode != ExitCodeNone {
		t.Fatalf("failed record=%+v", failed)
	}
}

// TestTruncateUTF8 测试截断点不会落在多字节字符中间。
func TestTruncateUTF8(t *testing.T) {
	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{"shorter than max", "abc", 10, "abc"},
		{"ascii cut", "abcdef", 4, "abcd"},
		{"cut inside rune", "ab中文", 4, "ab"},
		{"cut on rune boundary", "ab中文", 5, "ab中"},
		{"emoji kept whole", "😀😀", 7, "😀"},
		{"invalid bytes dropped", "ok\xff\xfe", 10, "ok"},
		{"zero max", "abc", 0, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TruncateUTF8(tt.in, tt.max)
			if got != tt.want {
				t.Fatalf("TruncateUTF8(%q, %d)=%q, want %q", tt.in, tt.max, got, tt.want)
			}
			if !utf8.ValidString(got) || len(got) > tt.max {
				t.Fatalf("result %q invalid or longer than %d bytes", got, tt.max)
			}
		})
	}
}

func TestNewMetricRecord_MultibyteOutput(t *testing.T) {
	// 每个字符 3 字节，maxErrorMessage 不是 3 的倍数时截断点必然落在字符中间
	output := strings.Repeat("错", maxErrorMessage)
	rec := NewMetricRecord(1, "exec-1", ExecutionResult{
		Status:    StatusError,
		Output:    output,
		ExitCode:  1,
		ErrorKind: ErrorKindNonZeroExit,
	}, time.Now())

	if !utf8.ValidString(rec.ErrorMessage) {
		t.Fatalf("error message is not valid UTF-8")
	}
	body := strings.TrimSuffix(rec.ErrorMessage, "...(truncated)")
	if body == rec.ErrorMessage || len(body) > maxErrorMessage || len(body) < maxErrorMessage-3 {
		t.Fatalf("truncated body len=%d, want within 3 bytes of %d", len(body), maxErrorMessage)
	}
}

func TestExecutionError(t *testing.T) {
	base := errors.New("daemon gone")
	err := NewExecutionError(ErrorKindOrchestration, "create container", base)
	if !errors.Is(err, base) {
		t.Fatalf("errors.Is(err, base)=false")
	}
	if KindOf(err) != ErrorKindOrchestration {
		t.Fatalf("KindOf=%q", KindOf(err))
	}
	if KindOf(errors.New("plain")) != ErrorKindOrchestration {
		t.Fatalf("unknown errors should be orchestration failures")
	}
	if err.ExitCode != ExitCodeNone {
		t.Fatalf("exit code=%d, want %d", err.ExitCode, ExitCodeNone)
	}
}
