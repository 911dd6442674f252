package events

import (
	"sync"
	"time"
)

// EventType represents the type of event
type EventType string

const (
	EventConfigurationChanged EventType = "configuration.changed"
	EventDatasetCreated       EventType = "dataset.created"
	EventDatasetMoved         EventType = "dataset.moved"
	EventDatasetDeleted       EventType = "dataset.deleted"
	EventNodeStateReported    EventType = "nodestate.reported"
	EventStateConflict        EventType = "state.conflict"
)

// Event represents a control-plane event
type Event struct {
	Type      EventType
	Timestamp time.Time
	NodeID    string
	DatasetID string
	// Version is the configuration version the event corresponds to, if any.
	Version  uint64
	Message  string
	Metadata map[string]string
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution. The control service
// publishes configuration changes through it to wake long-polling agents.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish publishes an event to all subscribers
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
