package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielorbach/go-component"
	"github.com/gorilla/websocket"
)

// Control message types sent by clients.
const (
	ControlSubscribe   = "subscribe-district"
	ControlUnsubscribe = "unsubscribe-district"
	ControlPing        = "ping"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Maximum control message size allowed from peer.
	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// control is a message received from a client.
type control struct {
	Type       string `json:"type"`
	DistrictID string `json:"districtId"`
}

// ServeWS upgrades the request to a websocket and registers the connection as
// a client of the hub until either side closes it.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithoutCancel(r.Context())
	logger := component.Logger(ctx)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied with an HTTP error.
		logger.Warn("Failed to upgrade websocket connection", slog.Any("error", err))
		return
	}
	c, err := h.Register(ctx)
	if err != nil {
		logger.Error("Failed to register websocket client", slog.Any("error", err))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	ctx = component.InjectLogger(ctx, logger.With(
		slog.String("client", c.ID.String()),
		slog.String("remote", r.RemoteAddr),
	))

	go h.writePump(c, conn)
	h.readPump(ctx, c, conn)
}

// readPump handles control messages until the connection fails, then drops
// the client.
func (h *Hub) readPump(ctx context.Context, c *Client, conn *websocket.Conn) {
	defer func() {
		h.Unregister(c)
		_ = conn.Close()
	}()
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				component.Logger(ctx).Warn("Websocket client disconnected", slog.Any("error", err))
			}
			return
		}
		if err := h.handleControl(ctx, c, data); err != nil {
			// The client is gone; its write pump closes the connection.
			return
		}
	}
}

func (h *Hub) handleControl(ctx context.Context, c *Client, data []byte) error {
	var m control
	if err := json.Unmarshal(data, &m); err != nil {
		return h.Send(ctx, c, errorMessage("malformed control message"))
	}
	switch m.Type {
	case ControlSubscribe, ControlUnsubscribe:
		if m.DistrictID == "" {
			return h.Send(ctx, c, errorMessage(m.Type+" requires a districtId"))
		}
		if m.Type == ControlSubscribe {
			return h.Subscribe(ctx, c, m.DistrictID)
		}
		return h.Unsubscribe(ctx, c, m.DistrictID)
	case ControlPing:
		return h.Send(ctx, c, Message{Type: TypePong})
	default:
		return h.Send(ctx, c, errorMessage("unknown control message type "+m.Type))
	}
}

func errorMessage(text string) Message {
	return Message{Type: TypeError, Data: map[string]string{"message": text}}
}

// writePump writes queued messages and keep-alive pings until the queue is
// closed or a write fails.
func (h *Hub) writePump(c *Client, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()
	for {
		select {
		case payload, ok := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
