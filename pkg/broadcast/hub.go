// Package broadcast fans device and registration changes out to live
// subscribers such as dashboards. Delivery is best effort: publishers never
// block and slow subscribers lose messages.
package broadcast

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const TopicDashboard = "dashboard"

// DeviceTopic is the topic carrying updates for a single device.
func DeviceTopic(deviceID uint) string {
	return fmt.Sprintf("device:%d", deviceID)
}

const (
	EventDeviceUpdated       = "device_updated"
	EventServicesUpdated     = "services_updated"
	EventSoftwareUpdated     = "software_updated"
	EventDashboardStats      = "dashboard_stats"
	EventRegistrationCreated = "registration_created"
	EventRegistrationUpdated = "registration_updated"
	EventDeviceOffline       = "device_offline"
)

// Event is the message delivered to subscribers.
type Event struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
	SentAt  time.Time   `json:"sent_at"`
}

// Publisher accepts events for a topic without blocking.
type Publisher interface {
	Publish(topic string, ev Event)
}

const (
	DefaultQueueSize        = 1024
	DefaultSubscriberBuffer = 64
)

type envelope struct {
	topic string
	event Event
}

// Hub is an in-process Publisher. Run must be called for events to be delivered.
type Hub struct {
	queue      chan envelope
	bufferSize int
	logger     zerolog.Logger

	mu     sync.RWMutex
	subs   map[string]map[string]*Subscription
	closed bool
	done   chan struct{}
	once   sync.Once
}

func NewHub(queueSize, subscriberBuffer int, logger zerolog.Logger) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if subscriberBuffer <= 0 {
		subscriberBuffer = DefaultSubscriberBuffer
	}
	return &Hub{
		queue:      make(chan envelope, queueSize),
		bufferSize: subscriberBuffer,
		logger:     logger.With().Str("component", "broadcast").Logger(),
		subs:       make(map[string]map[string]*Subscription),
		done:       make(chan struct{}),
	}
}

// Publish enqueues ev for topic. When the queue is full the event is dropped.
func (h *Hub) Publish(topic string, ev Event) {
	if ev.SentAt.IsZero() {
		ev.SentAt = time.Now().UTC()
	}
	select {
	case <-h.done:
		return
	default:
	}
	select {
	case h.queue <- envelope{topic: topic, event: ev}:
	default:
		h.logger.Warn().Str("topic", topic).Str("type", ev.Type).Msg("broadcast queue full, dropping event")
	}
}

// Run dispatches queued events until ctx is cancelled or the hub is closed.
func (h *Hub) Run(ctx context.Context) {
	defer h.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case env := <-h.queue:
			h.deliver(env)
		}
	}
}

func (h *Hub) deliver(env envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs[env.topic] {
		select {
		case sub.ch <- env.event:
		default:
			h.logger.Warn().
				Str("topic", env.topic).
				Str("subscriber", sub.ID).
				Str("type", env.event.Type).
				Msg("subscriber too slow, dropping event")
		}
	}
}

// Subscribe registers a new subscriber on topic. Subscribing to a closed hub
// returns a subscription whose channel is already closed.
func (h *Hub) Subscribe(topic string) *Subscription {
	sub := &Subscription{
		ID:    uuid.NewString(),
		Topic: topic,
		ch:    make(chan Event, h.bufferSize),
		hub:   h,
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		sub.closeChannel()
		return sub
	}
	if h.subs[topic] == nil {
		h.subs[topic] = make(map[string]*Subscription)
	}
	h.subs[topic][sub.ID] = sub
	h.logger.Debug().Str("topic", topic).Str("subscriber", sub.ID).Msg("subscriber joined")
	return sub
}

// Subscribers returns the number of subscribers on topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[topic])
}

// Close stops the hub and closes every subscription.
func (h *Hub) Close() {
	h.once.Do(func() {
		close(h.done)
		h.mu.Lock()
		defer h.mu.Unlock()
		h.closed = true
		for topic, subs := range h.subs {
			for _, sub := range subs {
				sub.closeChannel()
			}
			delete(h.subs, topic)
		}
	})
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.subs[sub.Topic]; ok {
		delete(subs, sub.ID)
		if len(subs) == 0 {
			delete(h.subs, sub.Topic)
		}
	}
	sub.closeChannel()
}

// Subscription receives the events of one topic.
type Subscription struct {
	ID    string
	Topic string

	ch   chan Event
	hub  *Hub
	once sync.Once
}

// Events is closed when the subscription or the hub is closed.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

func (s *Subscription) Close() {
	s.hub.remove(s)
}

func (s *Subscription) closeChannel() {
	s.once.Do(func() { close(s.ch) })
}
