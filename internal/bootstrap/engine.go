// Package bootstrap 按配置装配执行引擎，供网关与 CLI 共用。
package bootstrap

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/oriys/runbox/internal/config"
	"github.com/oriys/runbox/internal/docker"
	"github.com/oriys/runbox/internal/engine"
	"github.com/oriys/runbox/internal/local"
	"github.com/oriys/runbox/internal/metrics"
)

// EngineOptions 控制引擎装配时的启动动作。
type EngineOptions struct {
	// CleanupStale 启动时删除上次运行遗留的容器。
	// 只应由长期运行的网关开启，否则会误删其他进程正在使用的容器。
	CleanupStale bool
}

// Runtime 是装配完成的执行引擎及其资源。
type Runtime struct {
	Engine *engine.Engine
	Docker *docker.Manager
}

// Close 释放 Docker 客户端。
func (r *Runtime) Close() error {
	if r.Docker == nil {
		return nil
	}
	return r.Docker.Close()
}

// NewRuntime 探测容器基础设施并构建执行引擎。
//
// 流程：
//  1. 依次连接候选 Docker 地址，全部失败时容器后端不可用
//  2. 在 probe_timeout 内确认守护进程可用，得到 Availability
//  3. 容器可用时按配置预拉取镜像，并可选地清理遗留容器
//  4. 本地回退启用时挂载本地运行器
//
// 容器不可用不是错误：引擎仍可创建，之后的调用会回退或返回 unavailable。
func NewRuntime(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger *logrus.Logger, opts EngineOptions) *Runtime {
	rt := &Runtime{}
	var engineOpts []engine.Option

	var avail engine.Availability
	if cfg.Engine.DisableContainer {
		avail = engine.NewAvailability(false, "container backend disabled by configuration")
	} else {
		mgr, err := docker.Connect(ctx, cfg.Docker, cfg.Engine.ProbeTimeout, m, logger)
		if err != nil {
			avail = engine.NewAvailability(false, err.Error())
		} else {
			rt.Docker = mgr
			avail = engine.Probe(ctx, mgr, cfg.Engine.ProbeTimeout)
			engineOpts = append(engineOpts, engine.WithContainer(mgr))
		}
	}

	if avail.ContainerUsable() {
		prepareContainers(ctx, rt.Docker, cfg.Docker, opts, logger)
	} else {
		logger.WithField("reason", avail.Reason()).Warn("Container backend unavailable")
	}

	if cfg.Local.IsEnabled() {
		engineOpts = append(engineOpts, engine.WithLocal(local.NewRunner(cfg.Local, logger)))
	}
	engineOpts = append(engineOpts, engine.WithMetrics(m))

	rt.Engine = engine.New(avail, logger, engineOpts...)
	logger.WithFields(logrus.Fields{
		"container": avail.ContainerUsable(),
		"local":     cfg.Local.IsEnabled(),
	}).Info("Execution engine ready")
	return rt
}

func prepareContainers(ctx context.Context, mgr *docker.Manager, cfg config.DockerConfig, opts EngineOptions, logger *logrus.Logger) {
	if cfg.ShouldPull() {
		if err := mgr.PullImages(ctx, cfg.PullTimeout); err != nil {
			logger.WithError(err).Warn("Failed to pre-pull runtime images")
		}
	}
	if opts.CleanupStale {
		if _, err := mgr.CleanupStale(ctx); err != nil {
			logger.WithError(err).Warn("Failed to clean up stale containers")
		}
	}
}
