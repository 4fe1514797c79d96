package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/example/dispatchcore/internal/dispatch/domain"
)

// ErrNotConnected is returned when the target user has no live websocket on
// this instance.
var ErrNotConnected = errors.New("user not connected")

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 16
)

// Hub tracks the websocket connections terminated on this instance and
// pushes dispatch payloads to them. Delivery is per-instance only; the NATS
// publisher covers users connected elsewhere.
type Hub struct {
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[uuid.UUID]*wsClient
}

type wsClient struct {
	userID uuid.UUID
	conn   *websocket.Conn
	send   chan []byte
	once   sync.Once
}

// NewHub constructs the hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[uuid.UUID]*wsClient),
	}
}

// Serve upgrades the request and keeps the connection registered until it
// drops. The caller authenticates and supplies the user id.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("ws upgrade failed", zap.Error(err))
		return
	}
	client := &wsClient{userID: userID, conn: conn, send: make(chan []byte, sendBuffer)}

	h.mu.Lock()
	if existing, ok := h.clients[userID]; ok {
		existing.close()
	}
	h.clients[userID] = client
	h.mu.Unlock()

	go h.writePump(client)
	h.readPump(client)
}

func (h *Hub) readPump(c *wsClient) {
	defer h.drop(c)
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		// Inbound frames are drained; responses travel over the HTTP API.
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		h.drop(c)
	}()
	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.send)
		_ = c.conn.Close()
	})
}

func (h *Hub) drop(c *wsClient) {
	h.mu.Lock()
	if current, ok := h.clients[c.userID]; ok && current == c {
		delete(h.clients, c.userID)
	}
	h.mu.Unlock()
	c.close()
}

// SendJSON queues a payload for the user's connection on this instance.
func (h *Hub) SendJSON(userID uuid.UUID, v any) error {
	h.mu.RLock()
	client, ok := h.clients[userID]
	h.mu.RUnlock()
	if !ok {
		return ErrNotConnected
	}
	payload, err := marshalJSON(v)
	if err != nil {
		return err
	}
	select {
	case client.send <- payload:
		return nil
	default:
		// Slow consumer: drop the connection rather than block dispatch.
		h.drop(client)
		return ErrNotConnected
	}
}

// NotifyDriver implements domain.Transport over the hub.
func (h *Hub) NotifyDriver(_ context.Context, driverID uuid.UUID, offer domain.Offer) error {
	return h.SendJSON(driverID, driverMessage{Type: domain.EventRideRequest, Offer: &offer})
}

// WithdrawOffer implements domain.Transport over the hub.
func (h *Hub) WithdrawOffer(_ context.Context, driverID, rideID uuid.UUID) error {
	return h.SendJSON(driverID, driverMessage{Type: domain.EventRideNoLongerAvailable, Ride: rideID.String()})
}

// NotifyRider implements domain.Transport over the hub.
func (h *Hub) NotifyRider(_ context.Context, customerID uuid.UUID, event domain.Event) error {
	return h.SendJSON(customerID, event)
}
