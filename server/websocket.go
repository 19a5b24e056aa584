package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/wyfcoding/agrimonitor/eventbus"
	"github.com/wyfcoding/agrimonitor/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}

		u, err := url.Parse(origin)
		if err != nil {
			return false
		}

		// 同源检查，r.Host 可能包含端口.
		requestHost := r.Host
		originHost := u.Host
		if h, _, err := net.SplitHostPort(requestHost); err == nil {
			requestHost = h
		}
		if h, _, err := net.SplitHostPort(originHost); err == nil {
			originHost = h
		}
		if strings.EqualFold(requestHost, originHost) {
			return true
		}

		return originHost == "localhost" || originHost == "127.0.0.1"
	},
}

// Client 一个告警订阅连接.
type Client struct {
	conn   *websocket.Conn
	send   chan []byte
	hub    *AlertHub
	topics map[string]struct{}
	mu     sync.Mutex
}

func (c *Client) subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.topics[topic]
	return ok
}

// Message 推送给客户端的消息.
type Message struct {
	Topic     string `json:"topic"`
	Payload   any    `json:"payload"`
	Timestamp int64  `json:"timestamp"`
}

type broadcastMessage struct {
	topic   string
	payload []byte
}

// AlertHub 把总线上的告警推送给订阅了对应事件名的 WebSocket 客户端。
// 客户端发送 {"op":"subscribe","topic":"security_alert"} 订阅，缓冲区写满的客户端会被断开。
type AlertHub struct {
	clients    map[*Client]struct{}
	broadcast  chan broadcastMessage
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	logger     *logging.Logger
	mu         sync.RWMutex
}

// NewAlertHub 创建告警推送中心，需要调用 Run 才会开始分发.
func NewAlertHub(logger *logging.Logger) *AlertHub {
	return &AlertHub{
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan broadcastMessage, sendBufferSize),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger.Named("alert_hub"),
	}
}

// Attach 订阅总线事件并推送给客户端.
func (h *AlertHub) Attach(bus eventbus.Bus, events ...string) {
	for _, name := range events {
		bus.Subscribe(name, func(ctx context.Context, evt eventbus.Event) error {
			h.Broadcast(evt.Name, evt.Payload, evt.Timestamp)
			return nil
		})
	}
}

// Run 分发循环，直到上下文取消.
func (h *AlertHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			h.mu.Unlock()
			h.logger.Debug("client registered", "addr", client.conn.RemoteAddr())
		case client := <-h.unregister:
			h.remove(client)
		case msg := <-h.broadcast:
			h.mu.RLock()
			var slow []*Client
			for client := range h.clients {
				if !client.subscribed(msg.topic) {
					continue
				}
				select {
				case client.send <- msg.payload:
				default:
					slow = append(slow, client)
				}
			}
			h.mu.RUnlock()
			for _, client := range slow {
				h.logger.Warn("client buffer full, dropping", "addr", client.conn.RemoteAddr())
				h.remove(client)
			}
		}
	}
}

func (h *AlertHub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
		h.logger.Debug("client unregistered", "addr", client.conn.RemoteAddr())
	}
}

// Clients 当前连接数.
func (h *AlertHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast 序列化后投递，分发队列已满时丢弃并记录日志，不阻塞总线发布方.
func (h *AlertHub) Broadcast(topic string, payload any, at time.Time) {
	data, err := json.Marshal(Message{Topic: topic, Payload: payload, Timestamp: at.UnixMilli()})
	if err != nil {
		h.logger.Error("failed to marshal alert", "topic", topic, "error", err)
		return
	}
	select {
	case h.broadcast <- broadcastMessage{topic: topic, payload: data}:
	default:
		h.logger.Warn("alert hub queue full, dropping", "topic", topic)
	}
}

// ServeHTTP 处理 WebSocket 升级请求.
func (h *AlertHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		hub:    h,
		topics: make(map[string]struct{}),
	}
	for _, topic := range r.URL.Query()["topic"] {
		client.topics[topic] = struct{}{}
	}

	select {
	case h.register <- client:
	case <-r.Context().Done():
		conn.Close()
		return
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			break
		}

		var cmd struct {
			Op    string `json:"op"`
			Topic string `json:"topic"`
		}
		if err := json.Unmarshal(message, &cmd); err != nil {
			continue
		}
		c.mu.Lock()
		switch cmd.Op {
		case "subscribe":
			c.topics[cmd.Topic] = struct{}{}
		case "unsubscribe":
			delete(c.topics, cmd.Topic)
		}
		c.mu.Unlock()
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
					c.hub.logger.Debug("failed to write close message", "error", err)
				}
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
