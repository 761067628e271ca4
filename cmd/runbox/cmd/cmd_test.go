package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/oriys/runbox/internal/domain"
)

// execute 在干净的标志与 viper 状态下运行一条命令，返回标准输出。
func execute(t *testing.T, serverURL string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	resetFlags(rootCmd)
	viper.Reset()
	_ = viper.BindPFlag("api_url", rootCmd.PersistentFlags().Lookup("api-url"))
	_ = viper.BindPFlag("api_key", rootCmd.PersistentFlags().Lookup("api-key"))
	_ = viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
	_ = viper.BindPFlag("output", rootCmd.PersistentFlags().Lookup("output"))
	if serverURL != "" {
		args = append([]string{"--api-url", serverURL}, args...)
	}

	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func writeJSONResponse(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func sampleFunction() *domain.Function {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return &domain.Function{
		ID: 7, Name: "hello", Runtime: domain.RuntimePython,
		Code: "def handler():\n    return 1\n", Route: "/hello", TimeoutSeconds: 30,
		CreatedAt: ts, UpdatedAt: ts,
	}
}

func TestCreate(t *testing.T) {
	var got domain.CreateFunctionRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/functions" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		writeJSONResponse(w, http.StatusCreated, sampleFunction())
	}))
	defer server.Close()

	src := filepath.Join(t.TempDir(), "handler.py")
	if err := os.WriteFile(src, []byte("def handler():\n    return 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, server.URL, "create", "hello", "--route", "/hello", "--file", src, "--timeout", "5")
	if err != nil {
		t.Fatalf("create err=%v", err)
	}
	if got.Name != "hello" || got.Runtime != domain.RuntimePython || got.Route != "/hello" || got.Timeout != 5 {
		t.Fatalf("request=%+v", got)
	}
	if !strings.Contains(got.Code, "def handler") {
		t.Fatalf("code=%q, want file contents", got.Code)
	}
	if !strings.Contains(out, `"hello" created (id 7)`) {
		t.Fatalf("output=%q", out)
	}
}

func TestCreate_UnknownExtension(t *testing.T) {
	src := filepath.Join(t.TempDir(), "handler.rb")
	if err := os.WriteFile(src, []byte("puts 1"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := execute(t, "http://127.0.0.1:0", "create", "x", "--route", "/x", "--file", src)
	if err == nil || !strings.Contains(err.Error(), "cannot infer runtime") {
		t.Fatalf("err=%v, want runtime inference error", err)
	}
}

func TestList(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("limit") != "1" {
			t.Errorf("limit=%q, want 1", r.URL.Query().Get("limit"))
		}
		writeJSONResponse(w, http.StatusOK, map[string]any{
			"functions": []*domain.Function{sampleFunction()},
			"total":     3, "offset": 0, "limit": 1,
		})
	}))
	defer server.Close()

	tests := []struct {
		name   string
		args   []string
		expect []string
	}{
		{name: "table", args: []string{"list", "--limit", "1"}, expect: []string{"ID", "hello", "/hello", "Showing 1 of 3"}},
		{name: "json", args: []string{"list", "--limit", "1", "-o", "json"}, expect: []string{`"name": "hello"`, `"route": "/hello"`}},
		{name: "yaml", args: []string{"list", "--limit", "1", "-o", "yaml"}, expect: []string{"name: hello"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, server.URL, tt.args...)
			if err != nil {
				t.Fatalf("list err=%v", err)
			}
			for _, want := range tt.expect {
				if !strings.Contains(out, want) {
					t.Fatalf("output=%q, want %q", out, want)
				}
			}
		})
	}
}

func TestGet(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/functions/7" {
			writeJSONResponse(w, http.StatusNotFound, map[string]string{"error": "function not found", "request_id": "req-1"})
			return
		}
		writeJSONResponse(w, http.StatusOK, sampleFunction())
	}))
	defer server.Close()

	out, err := execute(t, server.URL, "get", "7")
	if err != nil {
		t.Fatalf("get err=%v", err)
	}
	if strings.Contains(out, "def handler") {
		t.Fatalf("code shown without --code: %q", out)
	}

	out, err = execute(t, server.URL, "get", "7", "--code")
	if err != nil || !strings.Contains(out, "def handler") {
		t.Fatalf("get --code output=%q err=%v", out, err)
	}

	_, err = execute(t, server.URL, "get", "8")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != http.StatusNotFound || apiErr.RequestID != "req-1" {
		t.Fatalf("err=%v, want 404 APIError", err)
	}

	if _, err := execute(t, server.URL, "get", "abc"); err == nil {
		t.Fatalf("expected invalid id error")
	}
}

func TestUpdate(t *testing.T) {
	var body map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method=%s, want PUT", r.Method)
		}
		body = nil
		_ = json.NewDecoder(r.Body).Decode(&body)
		writeJSONResponse(w, http.StatusOK, sampleFunction())
	}))
	defer server.Close()

	out, err := execute(t, server.URL, "update", "7", "--route", "/v2", "--timeout", "5")
	if err != nil {
		t.Fatalf("update err=%v", err)
	}
	if body["route"] != "/v2" || body["timeout"] != 5.0 {
		t.Fatalf("body=%v", body)
	}
	for _, key := range []string{"name", "runtime", "code"} {
		if _, ok := body[key]; ok {
			t.Fatalf("unset field %q sent: %v", key, body)
		}
	}
	if !strings.Contains(out, "updated") {
		t.Fatalf("output=%q", out)
	}

	if _, err := execute(t, server.URL, "update", "7"); err == nil || !strings.Contains(err.Error(), "nothing to update") {
		t.Fatalf("err=%v, want nothing to update", err)
	}
}

func TestDelete(t *testing.T) {
	var method, path string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method, path = r.Method, r.URL.Path
		writeJSONResponse(w, http.StatusOK, map[string]any{"message": "function deleted", "id": 7})
	}))
	defer server.Close()

	out, err := execute(t, server.URL, "delete", "7")
	if err != nil {
		t.Fatalf("delete err=%v", err)
	}
	if method != http.MethodDelete || path != "/api/v1/functions/7" {
		t.Fatalf("request=%s %s", method, path)
	}
	if !strings.Contains(out, "Function 7 deleted") {
		t.Fatalf("output=%q", out)
	}
}

func TestExec(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/execute/7", "/fn/hello":
			writeJSONResponse(w, http.StatusOK, map[string]any{
				"execution_id": "exec-1", "function_id": 7,
				"status": "success", "output": "42", "exit_code": 0, "execution_time": 0.25, "backend": "container",
			})
		case "/api/v1/execute/8":
			writeJSONResponse(w, http.StatusOK, map[string]any{
				"execution_id": "exec-2", "function_id": 8,
				"status": "error", "output": "boom", "exit_code": 1, "error_kind": "user_code_exception",
			})
		default:
			writeJSONResponse(w, http.StatusNotFound, map[string]string{"error": "function not found"})
		}
	}))
	defer server.Close()

	tests := []struct {
		name    string
		args    []string
		expect  string
		wantErr error
	}{
		{name: "by id", args: []string{"exec", "7"}, expect: "Execution ID: exec-1"},
		{name: "by route", args: []string{"exec", "--route", "/hello"}, expect: "42"},
		{name: "json", args: []string{"exec", "7", "-o", "json"}, expect: `"execution_id": "exec-1"`},
		{name: "failed execution", args: []string{"exec", "8"}, expect: "user_code_exception", wantErr: errExecutionFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, server.URL, tt.args...)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err=%v, want %v", err, tt.wantErr)
			}
			if !strings.Contains(out, tt.expect) {
				t.Fatalf("output=%q, want %q", out, tt.expect)
			}
		})
	}

	if _, err := execute(t, server.URL, "exec", "7", "--route", "/hello"); err == nil {
		t.Fatalf("expected error when both id and route are given")
	}
	if _, err := execute(t, server.URL, "exec", "--route", "/missing"); err == nil || !strings.Contains(err.Error(), "API error 404") {
		t.Fatalf("err=%v, want API error 404", err)
	}
}

func TestClientCredentials(t *testing.T) {
	var key, authz string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, authz = r.Header.Get("X-API-Key"), r.Header.Get("Authorization")
		writeJSONResponse(w, http.StatusOK, map[string]any{"functions": []any{}, "total": 0})
	}))
	defer server.Close()

	if _, err := execute(t, server.URL, "list", "--api-key", "rb_secret", "--token", "jwt-token"); err != nil {
		t.Fatalf("list err=%v", err)
	}
	if key != "rb_secret" || authz != "Bearer jwt-token" {
		t.Fatalf("headers key=%q authorization=%q", key, authz)
	}

	t.Setenv("RUNBOX_API_KEY", "rb_env")
	if _, err := execute(t, server.URL, "list"); err != nil {
		t.Fatalf("list err=%v", err)
	}
	if key != "rb_env" || authz != "" {
		t.Fatalf("env credentials key=%q authorization=%q", key, authz)
	}
}

func TestMetricsAndStats(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/metrics/function/7":
			if r.URL.Query().Get("limit") != "5" {
				t.Errorf("limit=%q, want 5", r.URL.Query().Get("limit"))
			}
			writeJSONResponse(w, http.StatusOK, map[string]any{
				"function_id": 7,
				"metrics": []*domain.MetricRecord{{
					ID: 1, FunctionID: 7, ExecutionTime: 1.5, Status: domain.StatusError, ExitCode: 1,
					ErrorMessage: "Traceback\nValueError", Timestamp: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
				}},
			})
		case "/api/v1/metrics/stats/function/7":
			writeJSONResponse(w, http.StatusOK, domain.ComputeStats(7, 4, 3, 0.5, 12))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	out, err := execute(t, server.URL, "metrics", "7", "--limit", "5")
	if err != nil {
		t.Fatalf("metrics err=%v", err)
	}
	if !strings.Contains(out, "Traceback") || strings.Contains(out, "ValueError") {
		t.Fatalf("metrics output=%q, want first error line only", out)
	}

	out, err = execute(t, server.URL, "stats", "7")
	if err != nil {
		t.Fatalf("stats err=%v", err)
	}
	if !strings.Contains(out, "Success Rate:  75.0%") || !strings.Contains(out, "Executions:    4") {
		t.Fatalf("stats output=%q", out)
	}
}

func TestLogin(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["api_key"] != "rb_good" {
			writeJSONResponse(w, http.StatusUnauthorized, map[string]string{"error": "invalid api key"})
			return
		}
		writeJSONResponse(w, http.StatusOK, map[string]any{
			"token": "signed.jwt.token", "token_type": "Bearer", "expires_at": time.Now().Add(time.Hour),
		})
	}))
	defer server.Close()

	out, err := execute(t, server.URL, "login", "--api-key", "rb_good")
	if err != nil {
		t.Fatalf("login err=%v", err)
	}
	if strings.TrimSpace(out) != "signed.jwt.token" {
		t.Fatalf("output=%q, want bare token", out)
	}

	if _, err := execute(t, server.URL, "login", "--api-key", "rb_bad"); err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("err=%v, want 401", err)
	}
	if _, err := execute(t, server.URL, "login"); err == nil {
		t.Fatalf("expected missing key error")
	}
}

func TestStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSONResponse(w, http.StatusOK, map[string]any{
			"status": "ready",
			"container_backend": map[string]any{
				"available": false, "reason": "docker daemon unreachable",
			},
		})
	}))
	defer server.Close()

	out, err := execute(t, server.URL, "status")
	if err != nil {
		t.Fatalf("status err=%v", err)
	}
	for _, want := range []string{"ready", "unavailable", "docker daemon unreachable"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output=%q, want %q", out, want)
		}
	}
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "", "version")
	if err != nil {
		t.Fatalf("version err=%v", err)
	}
	if !strings.Contains(out, "runbox version dev") {
		t.Fatalf("output=%q", out)
	}
}

func TestResolveRuntime(t *testing.T) {
	tests := []struct {
		explicit string
		path     string
		want     domain.Runtime
		wantErr  bool
	}{
		{path: "main.py", want: domain.RuntimePython},
		{path: "index.JS", want: domain.RuntimeJavaScript},
		{path: "index.mjs", want: domain.RuntimeJavaScript},
		{explicit: "Python", path: "script.txt", want: domain.RuntimePython},
		{explicit: "ruby", path: "main.py", wantErr: true},
		{path: "Makefile", wantErr: true},
	}
	for _, tt := range tests {
		got, err := resolveRuntime(tt.explicit, tt.path)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Fatalf("resolveRuntime(%q, %q)=%q, %v, want %q (err=%v)", tt.explicit, tt.path, got, err, tt.want, tt.wantErr)
		}
	}
}

