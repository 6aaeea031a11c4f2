package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	gw "github.com/gorilla/websocket"

	"keynote/internal/order"
)

type Conn = gw.Conn

var upgrader = gw.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Handler struct {
	hub      *Hub
	orderSvc *order.Service
	logger   *slog.Logger
}

func NewHandler(hub *Hub, orderSvc *order.Service, logger *slog.Logger) *Handler {
	return &Handler{hub: hub, orderSvc: orderSvc, logger: logger}
}

func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	orderID := r.PathValue("orderID")
	o, err := h.orderSvc.Get(r.Context(), orderID)
	if err != nil {
		_ = conn.Close()
		return
	}

	client := &Client{
		hub:     h.hub,
		conn:    conn,
		send:    make(chan []byte, 256),
		orderID: o.ID,
	}

	client.hub.register <- client
	go client.writePump()
	go client.readPump()

	snapshot := StatusUpdate{OrderID: o.ID, Status: string(o.Status)}
	if b, err := json.Marshal(snapshot); err == nil {
		select {
		case client.send <- b:
		case <-time.After(1 * time.Second):
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Client) writePump() {
	defer func() { _ = c.conn.Close() }()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteMessage(gw.TextMessage, msg); err != nil {
			return
		}
	}
}
