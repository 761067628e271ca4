package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/oriys/runbox/internal/domain"
)

type published struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	msgs []published
	err  error
}

func (p *fakePublisher) Publish(subj string, data []byte, _ ...nats.PubOpt) (*nats.PubAck, error) {
	if p.err != nil {
		return nil, p.err
	}
	p.msgs = append(p.msgs, published{subject: subj, data: data})
	return &nats.PubAck{Stream: "TEST", Sequence: uint64(len(p.msgs))}, nil
}

func newTestBus(pub publisher) *EventBus {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return &EventBus{pub: pub, source: "runbox-test", logger: logger}
}

func TestPublishExecution(t *testing.T) {
	pub := &fakePublisher{}
	bus := newTestBus(pub)

	inv := &domain.Invocation{
		ExecutionID:  "6f1c0b1e-0000-4000-8000-000000000001",
		FunctionID:   42,
		FunctionName: "hello",
		Runtime:      domain.RuntimePython,
		Result:       domain.ExecutionResult{Status: domain.StatusSuccess, Output: "hi"},
		StartedAt:    time.Now().UTC(),
	}
	if err := bus.PublishExecution(context.Background(), inv); err != nil {
		t.Fatalf("PublishExecution() err=%v", err)
	}
	if len(pub.msgs) != 1 {
		t.Fatalf("published=%d, want 1", len(pub.msgs))
	}
	if pub.msgs[0].subject != "execution.42.completed" {
		t.Fatalf("subject=%q", pub.msgs[0].subject)
	}

	var event Event
	if err := json.Unmarshal(pub.msgs[0].data, &event); err != nil {
		t.Fatalf("event is not JSON: %v", err)
	}
	if event.ID != inv.ExecutionID || event.Source != "runbox-test" || event.Type != TypeExecutionCompleted {
		t.Fatalf("event=%+v", event)
	}

	got, err := DecodeInvocation(&event)
	if err != nil {
		t.Fatalf("DecodeInvocation() err=%v", err)
	}
	if got.FunctionID != 42 || got.Result.Output != "hi" {
		t.Fatalf("decoded=%+v", got)
	}
}

func TestPublishFunctionEvents(t *testing.T) {
	pub := &fakePublisher{}
	bus := newTestBus(pub)
	fn := &domain.Function{ID: 1, Name: "hello", Runtime: domain.RuntimePython, Code: "secret code", Route: "/hello"}

	ctx := context.Background()
	if err := bus.PublishFunctionCreated(ctx, fn); err != nil {
		t.Fatalf("created err=%v", err)
	}
	if err := bus.PublishFunctionUpdated(ctx, fn); err != nil {
		t.Fatalf("updated err=%v", err)
	}
	if err := bus.PublishFunctionDeleted(ctx, fn); err != nil {
		t.Fatalf("deleted err=%v", err)
	}

	want := []string{TypeFunctionCreated, TypeFunctionUpdated, TypeFunctionDeleted}
	for i, msg := range pub.msgs {
		if msg.subject != want[i] {
			t.Fatalf("msg %d subject=%q, want %q", i, msg.subject, want[i])
		}
		var event Event
		_ = json.Unmarshal(msg.data, &event)
		var payload domain.Function
		_ = json.Unmarshal(event.Data, &payload)
		if payload.Code != "" {
			t.Fatalf("function event leaked code %q", payload.Code)
		}
		if payload.Name != "hello" {
			t.Fatalf("payload=%+v", payload)
		}
	}
	if fn.Code != "secret code" {
		t.Fatalf("caller's function was modified")
	}
}

func TestPublishError(t *testing.T) {
	bus := newTestBus(&fakePublisher{err: nats.ErrNoStreamResponse})
	err := bus.PublishFunctionCreated(context.Background(), &domain.Function{ID: 1})
	if !errors.Is(err, nats.ErrNoStreamResponse) {
		t.Fatalf("err=%v, want wrapped ErrNoStreamResponse", err)
	}
}

func TestDecodeInvocation_WrongType(t *testing.T) {
	if _, err := DecodeInvocation(&Event{Type: TypeFunctionCreated}); err == nil {
		t.Fatalf("expected error for non-execution event")
	}
}

func TestSubscribe_NotConnected(t *testing.T) {
	bus := newTestBus(&fakePublisher{})
	if err := bus.Subscribe(context.Background(), SubjectAllExecutions, func(*Event) error { return nil }); err == nil {
		t.Fatalf("expected error without JetStream context")
	}
	if err := bus.Close(); err != nil {
		t.Fatalf("Close() err=%v", err)
	}
}
