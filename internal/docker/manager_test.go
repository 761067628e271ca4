package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"

	"github.com/oriys/runbox/internal/config"
	"github.com/oriys/runbox/internal/domain"
	"github.com/oriys/runbox/internal/metrics"
)

// fakeDocker 是 dockerAPI 的内存实现。
// exitCode < 0 表示容器永远不会结束，等待只能以超时收场。
// blockCreate / blockStart 模拟无响应的守护进程，调用一直阻塞到 ctx 结束。
type fakeDocker struct {
	mu sync.Mutex

	exitCode    int64
	stdout      string
	stderr      string
	createErr   error
	startErr    error
	waitErr     error
	logsErr     error
	killErr     error
	removeErr   error
	pullErr     map[string]error
	listed      []types.Container
	blockCreate bool
	blockStart  bool

	created    []*container.Config
	hostCfgs   []*container.HostConfig
	codeOnDisk string
	started    []string
	nextID     int
	killed     []string
	removed    []string
	pulled     []string
}

func (f *fakeDocker) Ping(context.Context) (types.Ping, error) { return types.Ping{}, nil }

func (f *fakeDocker) ImagePull(_ context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.pullErr[ref]; err != nil {
		return nil, err
	}
	f.pulled = append(f.pulled, ref)
	return io.NopCloser(strings.NewReader(`{"status":"Downloaded"}`)), nil
}

func (f *fakeDocker) ContainerCreate(ctx context.Context, cfg *container.Config, hostCfg *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, _ string) (container.CreateResponse, error) {
	if f.blockCreate {
		<-ctx.Done()
		return container.CreateResponse{}, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return container.CreateResponse{}, f.createErr
	}
	f.created = append(f.created, cfg)
	f.hostCfgs = append(f.hostCfgs, hostCfg)
	if len(hostCfg.Mounts) == 1 {
		file := strings.TrimPrefix(cfg.Cmd[1], codeMountPath+"/")
		b, _ := os.ReadFile(filepath.Join(hostCfg.Mounts[0].Source, file))
		f.codeOnDisk = string(b)
	}
	f.nextID++
	return container.CreateResponse{ID: fmt.Sprintf("c0ffee%010d", f.nextID)}, nil
}

func (f *fakeDocker) ContainerStart(ctx context.Context, id string, _ container.StartOptions) error {
	if f.blockStart {
		<-ctx.Done()
		return ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, id)
	return f.startErr
}

func (f *fakeDocker) ContainerWait(ctx context.Context, _ string, _ container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	statusCh := make(chan container.WaitResponse, 1)
	errCh := make(chan error, 1)
	switch {
	case f.waitErr != nil:
		errCh <- f.waitErr
	case f.exitCode >= 0:
		statusCh <- container.WaitResponse{StatusCode: f.exitCode}
	default:
		go func() {
			<-ctx.Done()
			errCh <- ctx.Err()
		}()
	}
	return statusCh, errCh
}

func (f *fakeDocker) ContainerLogs(context.Context, string, container.LogsOptions) (io.ReadCloser, error) {
	if f.logsErr != nil {
		return nil, f.logsErr
	}
	var buf bytes.Buffer
	if f.stdout != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(f.stdout))
	}
	if f.stderr != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(f.stderr))
	}
	return io.NopCloser(&buf), nil
}

func (f *fakeDocker) ContainerKill(_ context.Context, id, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, id)
	return f.killErr
}

func (f *fakeDocker) ContainerRemove(_ context.Context, id string, opts container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !opts.Force {
		return errors.New("remove without force")
	}
	f.removed = append(f.removed, id)
	return f.removeErr
}

func (f *fakeDocker) ContainerList(_ context.Context, opts container.ListOptions) ([]types.Container, error) {
	if !opts.Filters.ExactMatch("label", managedLabelKey+"="+managedLabelValue) {
		return nil, errors.New("missing managed label filter")
	}
	return f.listed, nil
}

func (f *fakeDocker) Close() error { return nil }

func newTestManager(t *testing.T, api dockerAPI) (*Manager, *metrics.Metrics) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	m := metrics.NewMetricsWith(prometheus.NewRegistry(), "test")
	cfg := config.DockerConfig{WorkDir: t.TempDir(), APITimeout: 300 * time.Millisecond, CleanupTimeout: time.Second}
	return newManager(api, cfg, m, logger), m
}

func spec(rt domain.Runtime, code string, timeout float64) domain.FunctionSpec {
	return domain.FunctionSpec{Runtime: rt, Code: code, TimeoutSeconds: timeout}
}

func TestRun_Success(t *testing.T) {
	f := &fakeDocker{exitCode: 0, stdout: "Hello, World!\n"}
	mgr, _ := newTestManager(t, f)

	code := `def handler(): return "Hello, World!"`
	out, err := mgr.Run(context.Background(), spec(domain.RuntimePython, code, 5))
	if err != nil {
		t.Fatalf("Run() err=%v", err)
	}
	if out.ExitCode != 0 || out.Output != "Hello, World!\n" {
		t.Fatalf("outcome=%+v", out)
	}

	if len(f.created) != 1 {
		t.Fatalf("created=%d, want 1", len(f.created))
	}
	cfg, hostCfg := f.created[0], f.hostCfgs[0]
	if cfg.Image != "python:3.9-slim" {
		t.Fatalf("image=%q", cfg.Image)
	}
	if got := strings.Join(cfg.Cmd, " "); got != "python /code/function.py" {
		t.Fatalf("cmd=%q", got)
	}
	if cfg.WorkingDir != codeMountPath || cfg.Labels[managedLabelKey] != managedLabelValue {
		t.Fatalf("workdir=%q labels=%v", cfg.WorkingDir, cfg.Labels)
	}
	if string(hostCfg.NetworkMode) != "none" {
		t.Fatalf("network=%q, want none", hostCfg.NetworkMode)
	}
	if len(hostCfg.Mounts) != 1 || !hostCfg.Mounts[0].ReadOnly || hostCfg.Mounts[0].Target != codeMountPath {
		t.Fatalf("mounts=%+v", hostCfg.Mounts)
	}
	if f.codeOnDisk != code+pythonEntrypoint {
		t.Fatalf("materialized code=%q", f.codeOnDisk)
	}
	if _, err := os.Stat(hostCfg.Mounts[0].Source); !os.IsNotExist(err) {
		t.Fatalf("code dir not removed: err=%v", err)
	}
	if len(f.removed) != 1 || len(f.killed) != 0 {
		t.Fatalf("removed=%v killed=%v", f.removed, f.killed)
	}
}

func TestRun_JavaScript(t *testing.T) {
	f := &fakeDocker{exitCode: 0, stdout: "hi\n"}
	mgr, _ := newTestManager(t, f)

	code := "console.log('hi')"
	if _, err := mgr.Run(context.Background(), spec(domain.RuntimeJavaScript, code, 5)); err != nil {
		t.Fatalf("Run() err=%v", err)
	}
	if got := strings.Join(f.created[0].Cmd, " "); got != "node /code/function.js" {
		t.Fatalf("cmd=%q", got)
	}
	if f.created[0].Image != "node:16-slim" {
		t.Fatalf("image=%q", f.created[0].Image)
	}
	if f.codeOnDisk != code {
		t.Fatalf("javascript code must not be rewritten, got %q", f.codeOnDisk)
	}
}

func TestRun_NonZeroExit(t *testing.T) {
	f := &fakeDocker{exitCode: 1, stdout: "before\n", stderr: "Traceback: ValueError\n"}
	mgr, _ := newTestManager(t, f)

	out, err := mgr.Run(context.Background(), spec(domain.RuntimePython, "x", 5))
	if err != nil {
		t.Fatalf("Run() err=%v", err)
	}
	if out.ExitCode != 1 {
		t.Fatalf("exit=%d, want 1", out.ExitCode)
	}
	if !strings.Contains(out.Output, "before") || !strings.Contains(out.Output, "ValueError") {
		t.Fatalf("output=%q, want stdout and stderr combined", out.Output)
	}
	if len(f.removed) != 1 {
		t.Fatalf("removed=%v", f.removed)
	}
}

func TestRun_Timeout(t *testing.T) {
	f := &fakeDocker{exitCode: -1, stdout: "partial\n"}
	mgr, m := newTestManager(t, f)

	start := time.Now()
	_, err := mgr.Run(context.Background(), spec(domain.RuntimePython, "while True: pass", 0.1))
	elapsed := time.Since(start)

	var execErr *domain.ExecutionError
	if !errors.As(err, &execErr) || execErr.Kind != domain.ErrorKindTimeout {
		t.Fatalf("err=%v, want timeout ExecutionError", err)
	}
	if execErr.ExitCode != domain.ExitCodeNone {
		t.Fatalf("exit=%d, want -1", execErr.ExitCode)
	}
	if !strings.Contains(execErr.Output, "partial") {
		t.Fatalf("partial output=%q", execErr.Output)
	}
	if elapsed > 2*time.Second {
		t.Fatalf("Run took %v, want bounded by timeout", elapsed)
	}
	if len(f.killed) != 1 || len(f.removed) != 1 {
		t.Fatalf("killed=%v removed=%v", f.killed, f.removed)
	}
	if got := testutil.ToFloat64(m.ContainerKills.WithLabelValues("ok")); got != 1 {
		t.Fatalf("kills metric=%v, want 1", got)
	}
}

// TestRun_RemovesExactlyOnce 覆盖容器创建之后的每一条失败路径。
func TestRun_RemovesExactlyOnce(t *testing.T) {
	tests := []struct {
		name    string
		fake    *fakeDocker
		kind    domain.ErrorKind
		removed int
		killed  int
	}{
		{"start fails", &fakeDocker{startErr: errors.New("port conflict")}, domain.ErrorKindOrchestration, 1, 0},
		{"wait fails", &fakeDocker{waitErr: errors.New("connection reset")}, domain.ErrorKindOrchestration, 1, 1},
		{"logs fail", &fakeDocker{logsErr: errors.New("log driver none")}, domain.ErrorKindOrchestration, 1, 0},
		{"kill fails", &fakeDocker{exitCode: -1, killErr: errors.New("already dead")}, domain.ErrorKindTimeout, 1, 1},
		{"create fails", &fakeDocker{createErr: errors.New("no such image")}, domain.ErrorKindOrchestration, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mgr, _ := newTestManager(t, tt.fake)
			_, err := mgr.Run(context.Background(), spec(domain.RuntimePython, "x", 0.1))
			if got := domain.KindOf(err); got != tt.kind {
				t.Fatalf("kind=%q, want %q (err=%v)", got, tt.kind, err)
			}
			if len(tt.fake.removed) != tt.removed {
				t.Fatalf("removed=%d, want %d", len(tt.fake.removed), tt.removed)
			}
			if len(tt.fake.killed) != tt.killed {
				t.Fatalf("killed=%d, want %d", len(tt.fake.killed), tt.killed)
			}
		})
	}
}

// TestRun_UnresponsiveDaemon 验证创建与启动容器的调用有独立的时间上限。
func TestRun_UnresponsiveDaemon(t *testing.T) {
	tests := []struct {
		name    string
		fake    *fakeDocker
		removed int
	}{
		{"create hangs", &fakeDocker{blockCreate: true}, 0},
		{"start hangs", &fakeDocker{blockStart: true}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mgr, _ := newTestManager(t, tt.fake)

			start := time.Now()
			_, err := mgr.Run(context.Background(), spec(domain.RuntimePython, "x", 0.1))
			elapsed := time.Since(start)

			var execErr *domain.ExecutionError
			if !errors.As(err, &execErr) || execErr.Kind != domain.ErrorKindOrchestration {
				t.Fatalf("err=%v, want orchestration_failure", err)
			}
			if !errors.Is(err, context.DeadlineExceeded) || !strings.Contains(execErr.Message, "did not respond in time") {
				t.Fatalf("err=%v, want daemon deadline", err)
			}
			if elapsed > 2*time.Second {
				t.Fatalf("Run took %v, want bounded by the api timeout", elapsed)
			}
			if len(tt.fake.removed) != tt.removed {
				t.Fatalf("removed=%d, want %d", len(tt.fake.removed), tt.removed)
			}
		})
	}
}

// TestRun_SequentialCallsIndependent 验证连续调用各自使用新的容器与代码目录。
func TestRun_SequentialCallsIndependent(t *testing.T) {
	f := &fakeDocker{exitCode: 0, stdout: "ok\n"}
	mgr, _ := newTestManager(t, f)

	for i := 0; i < 2; i++ {
		if _, err := mgr.Run(context.Background(), spec(domain.RuntimePython, "x", 5)); err != nil {
			t.Fatalf("run %d err=%v", i, err)
		}
	}

	if len(f.created) != 2 || len(f.started) != 2 || len(f.removed) != 2 {
		t.Fatalf("created=%d started=%v removed=%v, want 2 each", len(f.created), f.started, f.removed)
	}
	if f.started[0] == f.started[1] {
		t.Fatalf("both runs used container %q", f.started[0])
	}
	for i := range f.started {
		if f.removed[i] != f.started[i] {
			t.Fatalf("removed=%v, want %v", f.removed, f.started)
		}
	}
	dir0, dir1 := f.hostCfgs[0].Mounts[0].Source, f.hostCfgs[1].Mounts[0].Source
	if dir0 == dir1 {
		t.Fatalf("both runs mounted %q", dir0)
	}
	for _, dir := range []string{dir0, dir1} {
		if _, err := os.Stat(dir); !os.IsNotExist(err) {
			t.Fatalf("code dir %q not removed: err=%v", dir, err)
		}
	}
}

func TestRun_RemoveFailureRecorded(t *testing.T) {
	f := &fakeDocker{exitCode: 0, stdout: "ok", removeErr: errors.New("device busy")}
	mgr, m := newTestManager(t, f)

	if _, err := mgr.Run(context.Background(), spec(domain.RuntimePython, "x", 5)); err != nil {
		t.Fatalf("Run() err=%v, remove failures must not change the outcome", err)
	}
	if got := testutil.ToFloat64(m.ContainerCleanupFailures); got != 1 {
		t.Fatalf("cleanup failures=%v, want 1", got)
	}
}

func TestPullImages(t *testing.T) {
	f := &fakeDocker{pullErr: map[string]error{"node:16-slim": errors.New("rate limited")}}
	mgr, m := newTestManager(t, f)

	err := mgr.PullImages(context.Background(), time.Second)
	if err == nil || !strings.Contains(err.Error(), "node:16-slim") {
		t.Fatalf("err=%v, want node pull failure", err)
	}
	if len(f.pulled) != 1 || f.pulled[0] != "python:3.9-slim" {
		t.Fatalf("pulled=%v, want python image despite node failure", f.pulled)
	}
	if got := testutil.ToFloat64(m.ImagePulls.WithLabelValues("node:16-slim", "failed")); got != 1 {
		t.Fatalf("failed pulls=%v, want 1", got)
	}
}

func TestCleanupStale(t *testing.T) {
	f := &fakeDocker{listed: []types.Container{{ID: "aaa"}, {ID: "bbb"}, {ID: "ccc"}}}
	mgr, _ := newTestManager(t, f)

	n, err := mgr.CleanupStale(context.Background())
	if err != nil {
		t.Fatalf("CleanupStale() err=%v", err)
	}
	if n != 3 || len(f.removed) != 3 {
		t.Fatalf("removed=%d (%v), want 3", n, f.removed)
	}
}

func TestSupportsAndImageOverride(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	mgr := newManager(&fakeDocker{}, config.DockerConfig{
		Images: map[string]string{"python": "python:3.12-slim", "javascript": "  "},
	}, nil, logger)

	if mgr.images[domain.RuntimePython] != "python:3.12-slim" {
		t.Fatalf("python image=%q", mgr.images[domain.RuntimePython])
	}
	if mgr.images[domain.RuntimeJavaScript] != "node:16-slim" {
		t.Fatalf("blank override must keep default, got %q", mgr.images[domain.RuntimeJavaScript])
	}
	if !mgr.Supports(domain.RuntimePython) || !mgr.Supports(domain.RuntimeJavaScript) || mgr.Supports("ruby") {
		t.Fatalf("unexpected Supports() results")
	}
	if mgr.Name() != "container" {
		t.Fatalf("Name()=%q", mgr.Name())
	}
	if err := mgr.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() err=%v", err)
	}
}

func TestTruncateForError(t *testing.T) {
	if got := truncateForError([]byte("short"), 10); got != "short" {
		t.Fatalf("got=%q", got)
	}
	if got := truncateForError([]byte("0123456789abc"), 10); got != "0123456789...(truncated)" {
		t.Fatalf("got=%q", got)
	}
	// "日志" 各占 3 字节，第 4 个字节落在第二个字符中间
	if got := truncateForError([]byte("日志输出"), 4); got != "日...(truncated)" {
		t.Fatalf("got=%q", got)
	}
}
