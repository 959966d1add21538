// internal/service/reconciliation/interfaces/ws_handler.go
package interfaces

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"reconcilia/internal/pkg/logger"
	"reconcilia/internal/service/reconciliation/domain"
)

// statusPush 是推送给向导页面的状态变化消息。
type statusPush struct {
	OrderKey string `json:"orderKey"`
	Status   string `json:"status"`
	Label    string `json:"label"`
}

// subscriber 是一个订阅了某订单状态的 websocket 连接。
// gorilla/websocket 只允许一个并发写入者，所以每个连接配一个带缓冲的
// send channel，由唯一的 writePump goroutine 消费；其他 goroutine 只入队。
type subscriber struct {
	conn *websocket.Conn
	send chan statusPush
}

// StatusPushHandler 通过 websocket 把规范状态变化推给向导页面，
// 页面拿到终态后就可以停止轮询。它实现 port.StatusListener。
type StatusPushHandler struct {
	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[string]map[*subscriber]struct{} // orderKey → 订阅者集合
}

func NewStatusPushHandler() *StatusPushHandler {
	return &StatusPushHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// 向导页面和服务不同源，放行所有来源，鉴权在网关层完成
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		subs: make(map[string]map[*subscriber]struct{}),
	}
}

// RegisterRoutes 注册 websocket 路由。
func (h *StatusPushHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/orders/{orderKey}", h.subscribeHandler)
}

func (h *StatusPushHandler) subscribeHandler(w http.ResponseWriter, r *http.Request) {
	orderKey := r.PathValue("orderKey")
	if orderKey == "" {
		http.Error(w, "missing order key", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Ctx(r.Context()).Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	sub := &subscriber{conn: conn, send: make(chan statusPush, 16)}

	h.mu.Lock()
	if h.subs[orderKey] == nil {
		h.subs[orderKey] = make(map[*subscriber]struct{})
	}
	h.subs[orderKey][sub] = struct{}{}
	h.mu.Unlock()

	go h.writePump(orderKey, sub)
	go h.readPump(orderKey, sub)
}

// writePump 是该连接唯一的写入者。send 关闭后退出。
func (h *StatusPushHandler) writePump(orderKey string, sub *subscriber) {
	defer sub.conn.Close()
	for push := range sub.send {
		if err := sub.conn.WriteJSON(push); err != nil {
			h.drop(orderKey, sub)
			for range sub.send { // drop 已关闭 channel，排空缓冲后退出
			}
			return
		}
	}
}

// readPump 只为感知客户端断开，页面不会发业务消息。
func (h *StatusPushHandler) readPump(orderKey string, sub *subscriber) {
	defer h.drop(orderKey, sub)
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// StatusChanged 实现 port.StatusListener，把变化入队给该订单的所有订阅者。
// 只入队、不直接写连接；缓冲已满的慢消费者被摘除，推送绝不阻塞协调器。
func (h *StatusPushHandler) StatusChanged(orderKey string, status domain.CanonicalStatus) {
	push := statusPush{OrderKey: orderKey, Status: string(status), Label: status.Label()}

	var stale []*subscriber
	h.mu.Lock()
	for sub := range h.subs[orderKey] {
		select {
		case sub.send <- push:
		default:
			stale = append(stale, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range stale {
		h.drop(orderKey, sub)
	}
}

// drop 摘除订阅者并关闭它的 send channel。send 的所有入队都持有 mu，
// 关闭也在 mu 内完成，因此不会向已关闭的 channel 发送。重复 drop 是无操作。
func (h *StatusPushHandler) drop(orderKey string, sub *subscriber) {
	h.mu.Lock()
	if set, ok := h.subs[orderKey]; ok {
		if _, present := set[sub]; present {
			delete(set, sub)
			close(sub.send)
			if len(set) == 0 {
				delete(h.subs, orderKey)
			}
		}
	}
	h.mu.Unlock()
	sub.conn.Close()
}
