// pkg/hub/hub.go

// Package hub fans shadow-change and command-outcome events out to the
// per-device subscriber sets that back the real-time push surface.
package hub

import (
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Handle identifies one subscription for later cancellation.
type Handle struct {
	deviceID string
	id       string
}

// DeviceID returns the device this subscription watches.
func (h Handle) DeviceID() string { return h.deviceID }

type subscriber struct {
	events chan interface{}
	once   sync.Once
}

// close is idempotent; a subscriber can be torn down by Unsubscribe and by
// a concurrent Close without a double-close panic.
func (s *subscriber) close() {
	s.once.Do(func() { close(s.events) })
}

// Hub maintains a set of observers per device and delivers published events
// to every current subscriber of that device. Delivery is non-blocking: an
// observer that cannot keep up has events dropped for it alone, never
// stalling the publisher or its peers.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[string]*subscriber
	buffer int
	log    *logrus.Logger
	closed bool
}

// New creates a hub. buffer is the per-subscriber event queue length; it
// absorbs bursts between a publish and the observer draining its channel.
func New(buffer int, log *logrus.Logger) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub{
		subs:   map[string]map[string]*subscriber{},
		buffer: buffer,
		log:    log,
	}
}

// Subscribe registers an observer for a device and returns its handle plus
// the channel events arrive on. Subscribing to a device with no shadow
// document is legal; the channel simply stays quiet until one is created.
// The channel is closed when the subscription ends.
func (h *Hub) Subscribe(deviceID string) (Handle, <-chan interface{}) {
	sub := &subscriber{events: make(chan interface{}, h.buffer)}
	handle := Handle{deviceID: deviceID, id: uuid.NewString()}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		sub.close()
		return handle, sub.events
	}
	set, ok := h.subs[deviceID]
	if !ok {
		set = map[string]*subscriber{}
		h.subs[deviceID] = set
	}
	set[handle.id] = sub
	return handle, sub.events
}

// Unsubscribe removes a subscription and closes its channel. Unknown handles
// are ignored. Closing under the write lock keeps the close ordered against
// Publish, which sends under the read lock.
func (h *Hub) Unsubscribe(handle Handle) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.subs[handle.deviceID]
	if !ok {
		return
	}
	sub, ok := set[handle.id]
	if !ok {
		return
	}
	delete(set, handle.id)
	if len(set) == 0 {
		delete(h.subs, handle.deviceID)
	}
	sub.close()
}

// Publish delivers an event to every current subscriber of the device.
// A full subscriber queue drops the event for that subscriber only; sends
// never block because every queue write is a non-blocking select.
func (h *Hub) Publish(deviceID string, event interface{}) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs[deviceID] {
		select {
		case sub.events <- event:
		default:
			h.log.WithField("deviceId", deviceID).Warn("subscriber queue full, dropping event")
		}
	}
}

// SubscriberCount reports the current number of observers for a device.
func (h *Hub) SubscriberCount(deviceID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[deviceID])
}

// Close tears down every subscription. Further Subscribe calls receive an
// already-closed channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for _, set := range h.subs {
		for _, sub := range set {
			sub.close()
		}
	}
	h.subs = map[string]map[string]*subscriber{}
}
