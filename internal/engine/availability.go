package engine

import (
	"context"
	"time"
)

// Pinger 是可被探测可用性的隔离基础设施。
type Pinger interface {
	Ping(ctx context.Context) error
}

// Availability 是进程级、只读的后端可用性上下文。
// 它在启动时探测一次，之后所有调度决策都基于它，进程生命周期内不会重新探测。
type Availability struct {
	containerUsable bool
	reason          string
	probedAt        time.Time
}

// NewAvailability 使用已知的探测结果构造可用性上下文。
func NewAvailability(containerUsable bool, reason string) Availability {
	return Availability{
		containerUsable: containerUsable,
		reason:          reason,
		probedAt:        time.Now(),
	}
}

// Probe 在 timeout 内探测一次容器基础设施。
// p 为 nil 表示客户端都无法创建，直接视为不可用。
func Probe(ctx context.Context, p Pinger, timeout time.Duration) Availability {
	if p == nil {
		return NewAvailability(false, "container client unavailable")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := p.Ping(ctx); err != nil {
		return NewAvailability(false, err.Error())
	}
	return NewAvailability(true, "")
}

// ContainerUsable 报告容器后端是否可用。
func (a Availability) ContainerUsable() bool {
	return a.containerUsable
}

// Reason 返回容器后端不可用的原因，可用时为空。
func (a Availability) Reason() string {
	return a.reason
}

// ProbedAt 返回探测时间。
func (a Availability) ProbedAt() time.Time {
	return a.probedAt
}
