package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"lexrelay/internal/constants"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"
)

// Event kinds pushed to browser clients.
const (
	EventQRUpdate  = "qr:update"
	EventConnected = "whatsapp:connected"
	EventError     = "qr:error"
)

// Event is one server-to-client emission. Delivery is best-effort and
// at-most-once; clients that subscribe late fall back to the status API.
type Event struct {
	Kind     string `json:"event"`
	TenantID string `json:"tenantId"`
	Code     string `json:"code,omitempty"`
	CodeKind string `json:"codeKind,omitempty"`
	Message  string `json:"message,omitempty"`
}

type subscriber struct {
	send chan []byte
}

// Hub maintains per-tenant subscriber groups. Emissions are routed through
// the tenant's room only; there is no broadcast path, so an event for one
// tenant can never reach another tenant's subscribers.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[*subscriber]struct{}
	logger *logrus.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *logrus.Logger) *Hub {
	return &Hub{
		rooms:  make(map[string]map[*subscriber]struct{}),
		logger: logger,
	}
}

// Publish delivers an event to every subscriber in the tenant's room. A
// subscriber whose buffer is full misses the event rather than blocking
// the publisher.
func (h *Hub) Publish(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.WithError(err).Error("Failed to marshal realtime event")
		return
	}

	h.mu.RLock()
	room := h.rooms[event.TenantID]
	for sub := range room {
		select {
		case sub.send <- data:
		default:
		}
	}
	subscriberCount := len(room)
	h.mu.RUnlock()

	h.logger.WithFields(logrus.Fields{
		"event":       event.Kind,
		"tenant_id":   event.TenantID,
		"subscribers": subscriberCount,
	}).Debug("Realtime event published")
}

// SubscriberCount returns the number of live subscribers for a tenant.
func (h *Hub) SubscriberCount(tenantID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[tenantID])
}

func (h *Hub) add(tenantID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[tenantID] == nil {
		h.rooms[tenantID] = make(map[*subscriber]struct{})
	}
	h.rooms[tenantID][sub] = struct{}{}
}

func (h *Hub) remove(tenantID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.rooms[tenantID], sub)
	if len(h.rooms[tenantID]) == 0 {
		delete(h.rooms, tenantID)
	}
}

// ServeSubscriber upgrades the request to a WebSocket, joins the tenant's
// room and pumps events until the client disconnects or ctx is cancelled.
func (h *Hub) ServeSubscriber(ctx context.Context, w http.ResponseWriter, r *http.Request, tenantID string) error {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	sub := &subscriber{send: make(chan []byte, constants.SubscriberSendBufferSize)}
	h.add(tenantID, sub)
	defer h.remove(tenantID, sub)

	h.logger.WithField("tenant_id", tenantID).Debug("Realtime subscriber joined")

	// Reads are drained so close frames and pings are handled; inbound
	// payloads are ignored.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-readerDone:
			return nil
		case data := <-sub.send:
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}
