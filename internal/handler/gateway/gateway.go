// Package gateway bridges browser WebSocket clients and the brain.
package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhouzirui/yuexia/internal/model/message"
	"github.com/zhouzirui/yuexia/pkg/utils"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second
	sendBuffer = 64
	maxMessage = 64 << 10
)

// browserKinds 为浏览器允许发送的信封类型。
var browserKinds = map[message.Kind]struct{}{
	message.UserTextInput:      {},
	message.ActionRequest:      {},
	message.MicStartRecording:  {},
	message.MicStopRecording:   {},
	message.MicModeChange:      {},
	message.MicTestRequest:     {},
	message.SessionCreate:      {},
	message.SessionSwitch:      {},
	message.SessionListRequest: {},
	message.SessionRename:      {},
	message.SessionDelete:      {},
	message.Shutdown:           {},
	message.Heartbeat:          {},
}

// Forward delivers a validated browser envelope to the brain.
type Forward func(ctx context.Context, env message.Envelope)

// Hub tracks connected clients and fans brain envelopes out to all of them.
type Hub struct {
	forward  Forward
	log      *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
	wg      sync.WaitGroup
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// NewHub 创建网关。
func NewHub(forward Forward, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		forward: forward,
		log:     log.Named("gateway"),
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		clients: make(map[*client]struct{}),
	}
}

// Routes 返回网关的 HTTP 路由。
func (h *Hub) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, h.log, http.StatusOK, map[string]any{"status": "ok", "clients": h.Clients()})
	})
	r.Get("/ws", h.ServeWS)
	return r
}

// Clients reports how many browsers are connected.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeWS upgrades the request and serves one client until it disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.wg.Add(1)
	h.mu.Unlock()
	h.log.Info("client connected", zap.String("remote", r.RemoteAddr))

	go h.writePump(c)
	h.readPump(r.Context(), c)
}

// Broadcast sends env to every client. Clients whose buffer is full are dropped.
func (h *Hub) Broadcast(env message.Envelope) {
	data, err := message.Encode(env)
	if err != nil {
		h.log.Warn("drop unencodable envelope", zap.String("kind", string(env.Kind)), zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.log.Warn("client too slow, disconnecting")
			delete(h.clients, c)
			c.close()
		}
	}
}

// Close disconnects every client and waits for their goroutines.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
	h.mu.Unlock()
	h.wg.Wait()
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

func (h *Hub) readPump(ctx context.Context, c *client) {
	defer h.remove(c)

	c.conn.SetReadLimit(maxMessage)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warn("websocket read error", zap.Error(err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		env, err := message.Decode(data)
		if err != nil {
			h.log.Warn("drop invalid client message", zap.Error(err))
			continue
		}
		if _, ok := browserKinds[env.Kind]; !ok {
			h.log.Warn("drop client message of disallowed kind", zap.String("kind", string(env.Kind)))
			continue
		}
		if env.Kind == message.Heartbeat {
			continue
		}
		if env.ID == "" {
			env.ID = message.NewID()
		}
		env.Source = "face"
		env.Target = "brain"
		h.forward(ctx, env)
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		h.wg.Done()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.log.Debug("websocket write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
