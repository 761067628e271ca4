// Package docker 提供基于 Docker 容器的函数执行后端。
// 每次调用创建一个一次性容器：物化代码、只读挂载、启动、有界等待、收集日志，
// 最后无论成功与否都删除容器，容器不会跨调用复用。
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
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/oriys/runbox/internal/config"
	"github.com/oriys/runbox/internal/domain"
	"github.com/oriys/runbox/internal/engine"
	"github.com/oriys/runbox/internal/metrics"
	"github.com/oriys/runbox/internal/telemetry"
)

// 容器标签常量，用于标识和管理由本管理器创建的容器。
// 服务启动时会按该标签清理上次运行遗留的容器。
const (
	// managedLabelKey 是容器标签的键名
	managedLabelKey = "runbox.managed"
	// managedLabelValue 是容器标签的值，"1" 表示由本管理器托管
	managedLabelValue = "1"
	// runtimeLabelKey 记录容器所属运行时
	runtimeLabelKey = "runbox.runtime"
	// codeMountPath 是函数代码在容器内的挂载点
	codeMountPath = "/code"
)

// pythonEntrypoint 追加在 python 代码之后，调用 handler() 并把返回值写到标准输出。
const pythonEntrypoint = "\n\nif __name__ == '__main__':\n    result = handler()\n    print(result)"

// interpreters 是各运行时在容器内使用的解释器。
var interpreters = map[domain.Runtime]string{
	domain.RuntimePython:     "python",
	domain.RuntimeJavaScript: "node",
}

// dockerAPI 是 Manager 使用的 Docker Engine API 子集，*client.Client 满足该接口。
type dockerAPI interface {
	Ping(ctx context.Context) (types.Ping, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	Close() error
}

var (
	_ dockerAPI      = (*client.Client)(nil)
	_ engine.Backend = (*Manager)(nil)
	_ engine.Pinger  = (*Manager)(nil)
)

// Manager 是 Docker 容器后端，实现 engine.Backend。
// Manager 只持有不可变配置与线程安全的客户端，可被并发调用。
type Manager struct {
	client         dockerAPI
	host           string
	images         map[domain.Runtime]string
	networkMode    string
	workDir        string
	apiTimeout     time.Duration
	cleanupTimeout time.Duration
	metrics        *metrics.Metrics
	logger         *logrus.Logger
}

// Connect 依次尝试环境变量配置的守护进程与 cfg.Hosts 中的候选地址，
// 返回第一个 Ping 成功的连接。全部失败时返回汇总错误。
//
// 参数：
//   - ctx: 上下文
//   - cfg: Docker 配置
//   - probeTimeout: 每个候选地址的 Ping 超时
//   - m: 指标收集器，可为 nil
//   - logger: 日志记录器
func Connect(ctx context.Context, cfg config.DockerConfig, probeTimeout time.Duration, m *metrics.Metrics, logger *logrus.Logger) (*Manager, error) {
	candidates := append([]string{""}, cfg.Hosts...)

	var errs []error
	for _, host := range candidates {
		opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
		if host != "" {
			opts = append(opts, client.WithHost(host))
		}
		cli, err := client.NewClientWithOpts(opts...)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", hostLabel(host), err))
			continue
		}

		pingCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		_, err = cli.Ping(pingCtx)
		cancel()
		if err != nil {
			logger.WithFields(logrus.Fields{
				"host":  hostLabel(host),
				"error": err,
			}).Debug("Docker endpoint not reachable")
			_ = cli.Close()
			errs = append(errs, fmt.Errorf("%s: %w", hostLabel(host), err))
			continue
		}

		logger.WithField("host", cli.DaemonHost()).Info("Connected to docker daemon")
		mgr := newManager(cli, cfg, m, logger)
		mgr.host = cli.DaemonHost()
		return mgr, nil
	}

	return nil, fmt.Errorf("no reachable docker daemon: %w", errors.Join(errs...))
}

func hostLabel(host string) string {
	if host == "" {
		return "environment"
	}
	return host
}

// newManager 使用给定的 API 客户端创建 Manager。
func newManager(api dockerAPI, cfg config.DockerConfig, m *metrics.Metrics, logger *logrus.Logger) *Manager {
	networkMode := cfg.NetworkMode
	if networkMode == "" {
		networkMode = "none"
	}

	images := map[domain.Runtime]string{
		domain.RuntimePython:     "python:3.9-slim",
		domain.RuntimeJavaScript: "node:16-slim",
	}
	for runtime, ref := range cfg.Images {
		ref = strings.TrimSpace(ref)
		if ref != "" {
			images[domain.Runtime(runtime)] = ref
		}
	}

	apiTimeout := cfg.APITimeout
	if apiTimeout <= 0 {
		apiTimeout = 30 * time.Second
	}
	cleanupTimeout := cfg.CleanupTimeout
	if cleanupTimeout <= 0 {
		cleanupTimeout = 10 * time.Second
	}

	return &Manager{
		client:         api,
		images:         images,
		networkMode:    networkMode,
		workDir:        cfg.WorkDir,
		apiTimeout:     apiTimeout,
		cleanupTimeout: cleanupTimeout,
		metrics:        m,
		logger:         logger,
	}
}

// Name 实现 engine.Backend。
func (m *Manager) Name() string {
	return engine.BackendContainer
}

// Supports 实现 engine.Backend，容器后端支持全部运行时。
func (m *Manager) Supports(runtime domain.Runtime) bool {
	_, ok := m.images[runtime]
	return ok
}

// Host 返回已连接的守护进程地址。
func (m *Manager) Host() string {
	return m.host
}

// Ping 探测守护进程，实现 engine.Pinger。
func (m *Manager) Ping(ctx context.Context) error {
	_, err := m.client.Ping(ctx)
	return err
}

// Close 关闭 Docker 客户端。
func (m *Manager) Close() error {
	return m.client.Close()
}

// Run 在一次性容器中执行函数，实现 engine.Backend。
//
// 执行流程：
//  1. 将代码物化到临时目录（python 追加入口调用）
//  2. 创建容器：代码目录只读挂载到 /code，默认禁用网络
//  3. 启动容器并在 timeoutSeconds 内等待其结束；创建与启动各自受 apiTimeout 约束
//  4. 正常结束时读取退出码与合并后的 stdout/stderr
//  5. 超时或等待失败时强制终止容器，尽力收集部分日志
//
// 容器创建成功后，无论哪条路径返回，都会且只会删除一次。
func (m *Manager) Run(ctx context.Context, spec domain.FunctionSpec) (out *engine.Outcome, err error) {
	ref, ok := m.images[spec.Runtime]
	if !ok {
		return nil, domain.NewExecutionError(domain.ErrorKindOrchestration,
			fmt.Sprintf("no image configured for runtime %s", spec.Runtime), nil)
	}

	ctx, span := telemetry.StartSpan(ctx, "docker.run",
		attribute.String("runtime", string(spec.Runtime)),
		attribute.String("image", ref),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	dir, file, err := m.materialize(spec)
	if err != nil {
		return nil, domain.NewExecutionError(domain.ErrorKindOrchestration, "failed to materialize function code", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			m.logger.WithError(rmErr).WithField("dir", dir).Warn("Failed to remove function code directory")
		}
	}()

	createCtx, cancelCreate := context.WithTimeout(ctx, m.apiTimeout)
	defer cancelCreate()
	created, err := m.client.ContainerCreate(createCtx,
		&container.Config{
			Image:      ref,
			Cmd:        []string{interpreters[spec.Runtime], codeMountPath + "/" + file},
			WorkingDir: codeMountPath,
			Labels: map[string]string{
				managedLabelKey: managedLabelValue,
				runtimeLabelKey: string(spec.Runtime),
			},
		},
		&container.HostConfig{
			NetworkMode: container.NetworkMode(m.networkMode),
			Mounts: []mount.Mount{{
				Type:     mount.TypeBind,
				Source:   dir,
				Target:   codeMountPath,
				ReadOnly: true,
			}},
			SecurityOpt: []string{"no-new-privileges"},
		},
		nil, nil, "")
	if err != nil {
		return nil, domain.NewExecutionError(domain.ErrorKindOrchestration, apiFailure(createCtx, "create container"), err)
	}
	containerID := created.ID
	span.SetAttributes(attribute.String("container_id", containerID))
	defer m.remove(ctx, containerID)

	startCtx, cancelStart := context.WithTimeout(ctx, m.apiTimeout)
	defer cancelStart()
	if err := m.client.ContainerStart(startCtx, containerID, container.StartOptions{}); err != nil {
		return nil, domain.NewExecutionError(domain.ErrorKindOrchestration, apiFailure(startCtx, "start container"), err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, spec.Timeout())
	defer cancel()
	statusCh, errCh := m.client.ContainerWait(waitCtx, containerID, container.WaitConditionNotRunning)

	select {
	case status := <-statusCh:
		if status.Error != nil && status.Error.Message != "" {
			m.kill(ctx, containerID)
			execErr := domain.NewExecutionError(domain.ErrorKindOrchestration,
				"container wait failed", errors.New(status.Error.Message))
			execErr.Output = m.partialLogs(ctx, containerID)
			return nil, execErr
		}

		logs, err := m.readLogs(ctx, containerID)
		if err != nil {
			return nil, domain.NewExecutionError(domain.ErrorKindOrchestration, "failed to read container logs", err)
		}

		m.logger.WithFields(logrus.Fields{
			"container_id": shortID(containerID),
			"runtime":      spec.Runtime,
			"exit_code":    status.StatusCode,
			"output_len":   len(logs),
		}).Debug("Container finished")

		return &engine.Outcome{ExitCode: int(status.StatusCode), Output: logs}, nil

	case waitErr := <-errCh:
		timedOut := errors.Is(waitCtx.Err(), context.DeadlineExceeded)
		m.kill(ctx, containerID)
		partial := m.partialLogs(ctx, containerID)

		m.logger.WithFields(logrus.Fields{
			"container_id": shortID(containerID),
			"runtime":      spec.Runtime,
			"timed_out":    timedOut,
			"error":        waitErr,
			"partial":      truncateForError([]byte(partial), 500),
		}).Warn("Container did not finish normally")

		var execErr *domain.ExecutionError
		if timedOut {
			execErr = domain.NewExecutionError(domain.ErrorKindTimeout,
				fmt.Sprintf("execution timed out after %s", spec.Timeout()), waitErr)
		} else {
			execErr = domain.NewExecutionError(domain.ErrorKindOrchestration, "failed to wait for container", waitErr)
		}
		execErr.Output = partial
		return nil, execErr
	}
}

// apiFailure 生成守护进程调用失败的消息，区分调用超时与其他错误。
func apiFailure(ctx context.Context, op string) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Sprintf("failed to %s: docker daemon did not respond in time", op)
	}
	return "failed to " + op
}

// materialize 把函数代码写入一个新的临时目录，返回目录绝对路径与文件名。
func (m *Manager) materialize(spec domain.FunctionSpec) (string, string, error) {
	dir, err := os.MkdirTemp(m.workDir, "runbox-")
	if err != nil {
		return "", "", err
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		_ = os.RemoveAll(dir)
		return "", "", err
	}
	// 容器内进程不一定以宿主机同一用户运行
	if err := os.Chmod(abs, 0o755); err != nil {
		_ = os.RemoveAll(abs)
		return "", "", err
	}

	file := spec.Runtime.SourceFile()
	code := spec.Code
	if spec.Runtime == domain.RuntimePython {
		code += pythonEntrypoint
	}
	if err := os.WriteFile(filepath.Join(abs, file), []byte(code), 0o644); err != nil {
		_ = os.RemoveAll(abs)
		return "", "", err
	}
	return abs, file, nil
}

// readLogs 读取容器的 stdout 与 stderr，按到达顺序合并。
func (m *Manager) readLogs(ctx context.Context, containerID string) (string, error) {
	rc, err := m.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", err
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return buf.String(), err
	}
	return buf.String(), nil
}

// partialLogs 尽力收集部分日志，失败时返回已读到的内容。
func (m *Manager) partialLogs(ctx context.Context, containerID string) string {
	logsCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cleanupTimeout)
	defer cancel()
	logs, err := m.readLogs(logsCtx, containerID)
	if err != nil {
		m.logger.WithError(err).WithField("container_id", shortID(containerID)).Debug("Failed to collect partial logs")
	}
	return logs
}

// kill 强制终止容器，错误只记录不返回。
func (m *Manager) kill(ctx context.Context, containerID string) {
	killCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cleanupTimeout)
	defer cancel()
	err := m.client.ContainerKill(killCtx, containerID, "SIGKILL")
	m.metrics.RecordKill(err == nil)
	if err != nil {
		m.logger.WithError(err).WithField("container_id", shortID(containerID)).Warn("Failed to kill container")
	}
}

// remove 强制删除容器，使用独立的超时上下文。
func (m *Manager) remove(ctx context.Context, containerID string) {
	rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cleanupTimeout)
	defer cancel()
	if err := m.client.ContainerRemove(rmCtx, containerID, container.RemoveOptions{Force: true}); err != nil {
		m.metrics.RecordCleanupFailure()
		m.logger.WithError(err).WithField("container_id", shortID(containerID)).Error("Failed to remove container")
	}
}

// PullImages 并发预拉取所有运行时镜像。
// 单个镜像失败不会中断其他镜像，返回第一个错误；调用方应只记录而不退出。
func (m *Manager) PullImages(ctx context.Context, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var g errgroup.Group
	for runtime, ref := range m.images {
		g.Go(func() error {
			start := time.Now()
			err := m.pullImage(ctx, ref)
			m.metrics.RecordImagePull(ref, err == nil)
			entry := m.logger.WithFields(logrus.Fields{
				"runtime":     runtime,
				"image":       ref,
				"duration_ms": time.Since(start).Milliseconds(),
			})
			if err != nil {
				entry.WithError(err).Warn("Failed to pull runtime image")
				return fmt.Errorf("pull %s: %w", ref, err)
			}
			entry.Info("Runtime image ready")
			return nil
		})
	}
	return g.Wait()
}

func (m *Manager) pullImage(ctx context.Context, ref string) error {
	rc, err := m.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer rc.Close()
	// 拉取进度流必须读完，拉取才会完成
	_, err = io.Copy(io.Discard, rc)
	return err
}

// CleanupStale 删除之前运行遗留的托管容器，返回删除数量。
func (m *Manager) CleanupStale(ctx context.Context) (int, error) {
	list, err := m.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", managedLabelKey+"="+managedLabelValue)),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list managed containers: %w", err)
	}

	var g errgroup.Group
	g.SetLimit(4)
	removed := make([]bool, len(list))
	for i, c := range list {
		g.Go(func() error {
			if err := m.client.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
				m.metrics.RecordCleanupFailure()
				return fmt.Errorf("remove %s: %w", shortID(c.ID), err)
			}
			removed[i] = true
			return nil
		})
	}
	err = g.Wait()

	count := 0
	for _, ok := range removed {
		if ok {
			count++
		}
	}
	if count > 0 {
		m.logger.WithField("count", count).Info("Removed stale containers")
	}
	return count, err
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// truncateForError 截断输出用于日志与错误信息。
func truncateForError(b []byte, max int) string {
	if len(b) <= max {
		return string(b)
	}
	return domain.TruncateUTF8(string(b), max) + "...(truncated)"
}
