package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = (wsPongWait * 9) / 10
	wsMaxMessageSize = 512 * 1024
	wsSendBuffer     = 256
)

// wsMessage is the envelope for every frame on the global event feed.
type wsMessage struct {
	Type      string `json:"type"`
	Channel   string `json:"channel,omitempty"`
	Data      any    `json:"data,omitempty"`
	Timestamp string `json:"timestamp"`
}

// wsDelivery pairs a marshaled frame with its target channel. An empty
// channel means global fan-out to every connected client.
type wsDelivery struct {
	channel string
	payload []byte
}

type WSClient struct {
	hub  *WSHub
	conn *websocket.Conn
	send chan []byte

	mu            sync.Mutex
	subscriptions map[string]bool
}

func (c *WSClient) subscribed(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscriptions[channel]
}

func (c *WSClient) subscribe(channel string) {
	c.mu.Lock()
	c.subscriptions[channel] = true
	c.mu.Unlock()
}

func (c *WSClient) unsubscribe(channel string) {
	c.mu.Lock()
	delete(c.subscriptions, channel)
	c.mu.Unlock()
}

// WSHub fans events out to renderer connections on /ws. All client
// bookkeeping happens on the Run goroutine.
type WSHub struct {
	clients    map[*WSClient]bool
	deliver    chan wsDelivery
	register   chan *WSClient
	unregister chan *WSClient

	stopOnce sync.Once
	stopped  chan struct{}
}

func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*WSClient]bool),
		deliver:    make(chan wsDelivery, 256),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		stopped:    make(chan struct{}),
	}
}

func (h *WSHub) Run(ctx context.Context) {
	defer h.Stop()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-h.stopped:
			h.closeAll()
			return
		case client := <-h.register:
			h.clients[client] = true
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
		case msg := <-h.deliver:
			for client := range h.clients {
				if msg.channel != "" && !client.subscribed(msg.channel) {
					continue
				}
				select {
				case client.send <- msg.payload:
				default:
					// Slow consumer: drop the connection rather than
					// block the hub.
					delete(h.clients, client)
					close(client.send)
				}
			}
		}
	}
}

// Stop shuts the hub down. Safe to call more than once.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() { close(h.stopped) })
}

func (h *WSHub) closeAll() {
	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
	}
}

func (h *WSHub) addClient(c *WSClient) bool {
	select {
	case h.register <- c:
		return true
	case <-h.stopped:
		return false
	}
}

func (h *WSHub) removeClient(c *WSClient) {
	select {
	case h.unregister <- c:
	case <-h.stopped:
	}
}

// BroadcastGlobal sends an event to every connected client.
func (h *WSHub) BroadcastGlobal(msgType string, data any) {
	h.broadcast("", msgType, data)
}

// BroadcastToSession sends an event to clients subscribed to a session.
func (h *WSHub) BroadcastToSession(sessionID, msgType string, data any) {
	h.broadcast("session:"+sessionID, msgType, data)
}

func (h *WSHub) broadcast(channel, msgType string, data any) {
	payload, err := json.Marshal(wsMessage{
		Type:      msgType,
		Channel:   channel,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		slog.Warn("failed to marshal websocket message", "type", msgType, "error", err)
		return
	}
	select {
	case h.deliver <- wsDelivery{channel: channel, payload: payload}:
	case <-h.stopped:
	}
}

func (c *WSClient) readPump() {
	defer func() {
		c.hub.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(wsMaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("websocket read error", "error", err)
			}
			return
		}
		c.handleInbound(raw)
	}
}

func (c *WSClient) handleInbound(raw []byte) {
	var msg struct {
		Type    string `json:"type"`
		Channel string `json:"channel"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}

	switch msg.Type {
	case "subscribe":
		if msg.Channel != "" {
			c.subscribe(msg.Channel)
			c.reply("subscribed", msg.Channel)
		}
	case "unsubscribe":
		if msg.Channel != "" {
			c.unsubscribe(msg.Channel)
			c.reply("unsubscribed", msg.Channel)
		}
	}
}

func (c *WSClient) reply(msgType, channel string) {
	payload, err := json.Marshal(wsMessage{
		Type:      msgType,
		Channel:   channel,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(payload)

			// Fold anything already queued into the same frame.
			for i := 0; i < len(c.send); i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// upgradeWS upgrades an authenticated handshake, echoing the client's first
// subprotocol when the auth token rides the protocol list (browsers refuse
// the connection if the server selects none).
func (s *Server) upgradeWS(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return s.isAllowedOrigin(origin)
		},
	}

	var header http.Header
	if protos := websocket.Subprotocols(r); len(protos) > 0 {
		header = http.Header{"Sec-WebSocket-Protocol": []string{protos[0]}}
	}
	return upgrader.Upgrade(w, r, header)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authenticateWS(w, r) {
		return
	}

	conn, err := s.upgradeWS(w, r)
	if err != nil {
		slog.Debug("websocket upgrade failed", "error", err)
		return
	}

	client := &WSClient{
		hub:           s.wsHub,
		conn:          conn,
		send:          make(chan []byte, wsSendBuffer),
		subscriptions: make(map[string]bool),
	}
	if !s.wsHub.addClient(client) {
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
