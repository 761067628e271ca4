package api

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/oriys/runbox/internal/domain"
)

const (
	feedBufferSize = 64
	feedWriteWait  = 10 * time.Second
	feedPongWait   = 60 * time.Second
	feedPingPeriod = feedPongWait * 9 / 10
)

// FeedHub 将调用结果广播给 WebSocket 订阅者。
// 订阅者消费过慢时丢弃消息，不阻塞调用路径。
type FeedHub struct {
	mu          sync.RWMutex
	subscribers map[chan *domain.Invocation]struct{}
	closed      bool

	upgrader websocket.Upgrader
	logger   *logrus.Logger
}

// NewFeedHub 创建实时推送中心。
func NewFeedHub(logger *logrus.Logger) *FeedHub {
	return &FeedHub{
		subscribers: make(map[chan *domain.Invocation]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Subscribe 注册一个订阅通道。hub 已关闭时返回 nil。
func (f *FeedHub) Subscribe() chan *domain.Invocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	ch := make(chan *domain.Invocation, feedBufferSize)
	f.subscribers[ch] = struct{}{}
	return ch
}

// Unsubscribe 注销并关闭订阅通道。
func (f *FeedHub) Unsubscribe(ch chan *domain.Invocation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subscribers[ch]; ok {
		delete(f.subscribers, ch)
		close(ch)
	}
}

// Subscribers 返回当前订阅者数量。
func (f *FeedHub) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subscribers)
}

// Broadcast 实现 scheduler.Listener。
func (f *FeedHub) Broadcast(inv *domain.Invocation) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for ch := range f.subscribers {
		select {
		case ch <- inv:
		default:
			// 通道满了，丢弃
		}
	}
}

// Close 关闭所有订阅，之后的订阅请求会被拒绝。
func (f *FeedHub) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for ch := range f.subscribers {
		delete(f.subscribers, ch)
		close(ch)
	}
}

// ServeWS 处理实时执行推送。
// HTTP端点: GET /api/v1/ws/executions?function_id=
func (f *FeedHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	var filter int64
	if v := r.URL.Query().Get("function_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			writeError(w, r, http.StatusBadRequest, "invalid function_id")
			return
		}
		filter = id
	}

	ch := f.Subscribe()
	if ch == nil {
		writeError(w, r, http.StatusServiceUnavailable, "feed is shutting down")
		return
	}

	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.Unsubscribe(ch)
		f.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}
	defer conn.Close()
	defer f.Unsubscribe(ch)

	// 读循环只用于感知客户端关闭与处理 pong
	done := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(feedPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(feedPongWait))
	})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(feedPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case inv, ok := <-ch:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(feedWriteWait))
				return
			}
			if filter != 0 && inv.FunctionID != filter {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := conn.WriteJSON(inv); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(feedWriteWait)); err != nil {
				return
			}
		}
	}
}
