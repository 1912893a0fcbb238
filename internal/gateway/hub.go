// Package gateway owns client connection lifecycles. A live websocket is
// what "online" means: registering a client arms the presence and typing
// fallback writes, and any session end, graceful or not, commits them.
package gateway

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"

	"pingup_core/internal/broker"
	"pingup_core/internal/message"
	"pingup_core/internal/presence"
	"pingup_core/internal/store"
	"pingup_core/internal/typing"
)

type Hub struct {
	st       store.Store
	tracker  *presence.Tracker
	typing   *typing.Signal
	messages *message.Store
	broker   *broker.Client
	log      *log.Entry

	// uid -> device -> client
	clients   map[string]map[uuid.UUID]*Client
	consumers map[string]func()

	Register   chan *Client
	Unregister chan *Client

	mu sync.RWMutex
}

func NewHub(st store.Store, tracker *presence.Tracker, typingSignal *typing.Signal, messages *message.Store, br *broker.Client) *Hub {
	return &Hub{
		st:         st,
		tracker:    tracker,
		typing:     typingSignal,
		messages:   messages,
		broker:     br,
		log:        log.WithField("component", "gateway"),
		clients:    make(map[string]map[uuid.UUID]*Client),
		consumers:  make(map[string]func()),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case client := <-h.Register:
			h.register(ctx, client)
		case client := <-h.Unregister:
			h.unregister(client)
		case <-ctx.Done():
			return
		}
	}
}

func (h *Hub) register(ctx context.Context, client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client.UID]; !ok {
		h.clients[client.UID] = make(map[uuid.UUID]*Client)
		if h.broker != nil {
			deliveries, cancel, err := h.broker.ConsumeUserQueue(client.UID)
			if err != nil {
				h.log.Warnf("failed to consume user queue for %s: %s", client.UID, err)
			} else {
				h.consumers[client.UID] = cancel
				go h.forwardUserEvents(client.UID, deliveries)
			}
		}
	}
	h.clients[client.UID][client.DeviceID] = client
	h.mu.Unlock()

	if err := h.tracker.GoOnline(ctx, client.UID, client.session); err != nil {
		h.log.Warnf("failed to put %s online: %s", client.UID, err)
	}
	h.log.WithFields(log.Fields{"uid": client.UID, "device": client.DeviceID}).Info("client registered")
}

func (h *Hub) unregister(client *Client) {
	h.mu.Lock()
	userClients, ok := h.clients[client.UID]
	if ok {
		if _, ok := userClients[client.DeviceID]; ok {
			delete(userClients, client.DeviceID)
			close(client.Send)
			if len(userClients) == 0 {
				delete(h.clients, client.UID)
				if cancel, ok := h.consumers[client.UID]; ok {
					cancel()
					delete(h.consumers, client.UID)
				}
			}
		}
	}
	h.mu.Unlock()

	// Commits the armed fallback writes: presence offline, severance
	// lastSeen, typing flags cleared. This is the ungraceful path too —
	// a read error on a dead connection lands here.
	if err := client.session.Close(); err != nil {
		h.log.Warnf("failed to commit fallback writes for %s: %s", client.UID, err)
	}
	h.log.WithFields(log.Fields{"uid": client.UID, "device": client.DeviceID}).Info("client unregistered")
}

func (h *Hub) forwardUserEvents(uid string, deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		var event broker.Event
		if err := json.Unmarshal(d.Body, &event); err != nil {
			h.log.Warnf("failed to unmarshal event for %s: %s", uid, err)
			continue
		}
		h.BroadcastToUser(uid, d.Body)
	}
}

// BroadcastToUser forwards a raw event frame to every device of uid
// connected to this node.
func (h *Hub) BroadcastToUser(uid string, frame []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for device, client := range h.clients[uid] {
		select {
		case client.Send <- frame:
		default:
			h.log.Warnf("dropping frame for %s, device %s is not draining", uid, device)
		}
	}
}
