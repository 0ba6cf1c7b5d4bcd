package hub

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Subscriber is a live connection that receives broadcast messages.
type Subscriber interface {
	ID() string
	Send(msg []byte) error
	Close() error
}

// Hub keeps the set of active subscribers and fans messages out to them.
// Delivery is best effort: a subscriber whose send fails is dropped.
type Hub struct {
	log    logrus.FieldLogger
	mu     sync.Mutex
	subs   map[Subscriber]struct{}
	closed bool
}

// New creates an empty Hub.
func New(log logrus.FieldLogger) *Hub {
	return &Hub{
		log:  log.WithField("component", "hub"),
		subs: make(map[Subscriber]struct{}, 16),
	}
}

// Connect registers sub. After Close the subscriber is closed immediately
// and false is returned.
func (h *Hub) Connect(sub Subscriber) bool {
	h.mu.Lock()

	if h.closed {
		h.mu.Unlock()

		_ = sub.Close()

		return false
	}

	h.subs[sub] = struct{}{}
	total := len(h.subs)
	h.mu.Unlock()

	h.log.WithFields(logrus.Fields{
		"subscriber": sub.ID(),
		"total":      total,
	}).Debug("Subscriber connected")

	return true
}

// Disconnect removes sub. Removing an unknown subscriber is a no-op.
func (h *Hub) Disconnect(sub Subscriber) {
	h.mu.Lock()
	_, ok := h.subs[sub]
	delete(h.subs, sub)
	total := len(h.subs)
	h.mu.Unlock()

	if ok {
		h.log.WithFields(logrus.Fields{
			"subscriber": sub.ID(),
			"total":      total,
		}).Debug("Subscriber disconnected")
	}
}

// Count returns the number of registered subscribers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.subs)
}

// Broadcast encodes event and sends it to every subscriber. Subscribers
// that fail to receive are removed once the pass completes. It returns the
// number of successful deliveries.
func (h *Hub) Broadcast(event any) int {
	msg := encode(event)

	h.mu.Lock()
	snapshot := make([]Subscriber, 0, len(h.subs))

	for sub := range h.subs {
		snapshot = append(snapshot, sub)
	}
	h.mu.Unlock()

	var (
		dead      []Subscriber
		delivered int
	)

	for _, sub := range snapshot {
		if err := sub.Send(msg); err != nil {
			h.log.WithError(err).
				WithField("subscriber", sub.ID()).
				Debug("Dropping subscriber after failed send")

			dead = append(dead, sub)

			continue
		}

		delivered++
	}

	if len(dead) > 0 {
		h.mu.Lock()
		for _, sub := range dead {
			delete(h.subs, sub)
		}
		h.mu.Unlock()

		for _, sub := range dead {
			_ = sub.Close()
		}
	}

	h.log.WithFields(logrus.Fields{
		"delivered": delivered,
		"dropped":   len(dead),
	}).Debug("Broadcast complete")

	return delivered
}

// Close disconnects and closes every subscriber. Later Connect calls are
// rejected.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	subs := h.subs
	h.subs = make(map[Subscriber]struct{})
	h.mu.Unlock()

	for sub := range subs {
		if err := sub.Close(); err != nil {
			h.log.WithError(err).
				WithField("subscriber", sub.ID()).
				Debug("Closing subscriber")
		}
	}

	h.log.WithField("closed", len(subs)).Info("Hub closed")
}

// encode renders event as JSON, or with fmt when it cannot be marshalled.
func encode(event any) []byte {
	if b, ok := event.([]byte); ok {
		return b
	}

	b, err := json.Marshal(event)
	if err != nil {
		return []byte(fmt.Sprintf("%v", event))
	}

	return b
}
