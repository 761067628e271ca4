// Package events 提供平台事件总线。
// 当前实现基于 NATS JetStream，用于发布函数生命周期事件与执行完成事件，
// 并支持网关实例订阅执行事件以驱动实时推送。
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/oriys/runbox/internal/domain"
)

// 事件类型
const (
	TypeExecutionCompleted = "execution.completed"
	TypeFunctionCreated    = "function.created"
	TypeFunctionUpdated    = "function.updated"
	TypeFunctionDeleted    = "function.deleted"
)

// SubjectAllExecutions 匹配所有执行完成事件。
const SubjectAllExecutions = "execution.>"

// publisher 是 EventBus 发布事件所需的 JetStream 子集。
type publisher interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// EventBus 封装 NATS/JetStream 连接与常用发布/订阅操作。
type EventBus struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	pub    publisher
	source string
	logger *logrus.Logger
}

// Event 表示平台内部事件（JSON 格式）。
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Source    string          `json:"source"`
	Subject   string          `json:"subject"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// EventHandler 定义事件处理回调。
type EventHandler func(event *Event) error

// NewEventBus 创建 EventBus 并初始化所需的 JetStream Stream。
// source 标识事件来源，通常为服务名。
func NewEventBus(natsURL, source string, logger *logrus.Logger) (*EventBus, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name(source),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	// 不存在则创建，存在则尝试更新配置
	streams := []nats.StreamConfig{
		{
			Name:     "FUNCTION_EVENTS",
			Subjects: []string{"function.>"},
			Storage:  nats.FileStorage,
			MaxAge:   7 * 24 * time.Hour,
		},
		{
			Name:     "EXECUTIONS",
			Subjects: []string{SubjectAllExecutions},
			Storage:  nats.FileStorage,
			MaxAge:   24 * time.Hour,
		},
	}
	for _, cfg := range streams {
		if _, err := js.AddStream(&cfg); err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			if _, err := js.UpdateStream(&cfg); err != nil {
				logger.WithError(err).WithField("stream", cfg.Name).Warn("Failed to configure JetStream stream")
			}
		}
	}

	return &EventBus{
		conn:   nc,
		js:     js,
		pub:    js,
		source: source,
		logger: logger,
	}, nil
}

// Close 排空并关闭底层 NATS 连接。
func (eb *EventBus) Close() error {
	if eb.conn == nil {
		return nil
	}
	return eb.conn.Drain()
}

// Publish 发布事件到 event.Subject。
func (eb *EventBus) Publish(ctx context.Context, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	if _, err := eb.pub.Publish(event.Subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.WithFields(logrus.Fields{
		"subject":  event.Subject,
		"event_id": event.ID,
		"type":     event.Type,
	}).Debug("Event published")
	return nil
}

// Subscribe 订阅匹配 subject 的新事件（支持通配符）。
// 每次调用创建独立的临时消费者，多个网关实例都能收到全部事件。
// ctx 取消时将自动取消订阅。
func (eb *EventBus) Subscribe(ctx context.Context, subject string, handler EventHandler) error {
	if eb.js == nil {
		return errors.New("event bus is not connected")
	}
	sub, err := eb.js.Subscribe(subject, func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			eb.logger.WithError(err).Error("Failed to unmarshal event")
			_ = msg.Term()
			return
		}
		if err := handler(&event); err != nil {
			eb.logger.WithError(err).WithField("event_id", event.ID).Error("Failed to handle event")
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	}, nats.DeliverNew(), nats.ManualAck())
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()
	return nil
}

// ExecutionSubject 返回函数执行完成事件的 subject。
func ExecutionSubject(functionID int64) string {
	return "execution." + strconv.FormatInt(functionID, 10) + ".completed"
}

// newEvent 构造带有新 ID 与时间戳的事件。
func (eb *EventBus) newEvent(eventType, subject string, payload any) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    eb.source,
		Subject:   subject,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// PublishExecution 发布“执行完成”事件，事件 ID 与执行 ID 一致。
func (eb *EventBus) PublishExecution(ctx context.Context, inv *domain.Invocation) error {
	event, err := eb.newEvent(TypeExecutionCompleted, ExecutionSubject(inv.FunctionID), inv)
	if err != nil {
		return err
	}
	event.ID = inv.ExecutionID
	return eb.Publish(ctx, event)
}

// PublishFunctionCreated 发布“函数创建”事件，事件中不包含源代码。
func (eb *EventBus) PublishFunctionCreated(ctx context.Context, fn *domain.Function) error {
	return eb.publishFunction(ctx, TypeFunctionCreated, fn)
}

// PublishFunctionUpdated 发布“函数更新”事件。
func (eb *EventBus) PublishFunctionUpdated(ctx context.Context, fn *domain.Function) error {
	return eb.publishFunction(ctx, TypeFunctionUpdated, fn)
}

// PublishFunctionDeleted 发布“函数删除”事件。
func (eb *EventBus) PublishFunctionDeleted(ctx context.Context, fn *domain.Function) error {
	return eb.publishFunction(ctx, TypeFunctionDeleted, fn)
}

func (eb *EventBus) publishFunction(ctx context.Context, eventType string, fn *domain.Function) error {
	summary := *fn
	summary.Code = ""
	event, err := eb.newEvent(eventType, eventType, &summary)
	if err != nil {
		return err
	}
	return eb.Publish(ctx, event)
}

// DecodeInvocation 从执行完成事件中解出调用记录。
func DecodeInvocation(event *Event) (*domain.Invocation, error) {
	if event.Type != TypeExecutionCompleted {
		return nil, fmt.Errorf("unexpected event type %q", event.Type)
	}
	var inv domain.Invocation
	if err := json.Unmarshal(event.Data, &inv); err != nil {
		return nil, fmt.Errorf("failed to decode invocation: %w", err)
	}
	return &inv, nil
}
