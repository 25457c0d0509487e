package crafting

import (
	"sync"
	"time"

	"github.com/gravitas-games/crafting/internal/inventory"
	"github.com/gravitas-games/crafting/internal/recipe"
)

// EventType represents the type of crafting event.
type EventType int

const (
	// EventCraftAttempted is emitted after every ledger attempt.
	EventCraftAttempted EventType = iota
	// EventAutoCraftStarted is emitted when a subscription becomes active.
	EventAutoCraftStarted
	// EventAutoCraftStopped is emitted when a subscription is deactivated,
	// whether by the player or implicitly.
	EventAutoCraftStopped
)

// String returns a human-readable representation of the event type.
func (t EventType) String() string {
	switch t {
	case EventCraftAttempted:
		return "CraftAttempted"
	case EventAutoCraftStarted:
		return "AutoCraftStarted"
	case EventAutoCraftStopped:
		return "AutoCraftStopped"
	default:
		return "Unknown"
	}
}

// Event represents a crafting event for one player.
type Event struct {
	Type      EventType          `json:"type"`
	Player    inventory.PlayerID `json:"player"`
	Recipe    recipe.ID          `json:"recipe"`
	Result    *Result            `json:"result,omitempty"`
	Reason    string             `json:"reason,omitempty"`
	Auto      bool               `json:"auto"`
	Timestamp time.Time          `json:"timestamp"`
}

// EventBus manages event subscriptions and delivery.
type EventBus interface {
	// Subscribe registers a handler for one player's events. The returned
	// function removes exactly this handler.
	Subscribe(player inventory.PlayerID, handler func(Event)) (cancel func())

	// Publish sends an event to the player's handlers.
	Publish(event Event)
}

// SimpleEventBus is a basic in-memory event bus implementation.
type SimpleEventBus struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[inventory.PlayerID]map[uint64]*subscriber
}

// subscriber delivers events to one handler in publish order without
// blocking the publisher. At most one drain goroutine runs at a time.
type subscriber struct {
	handler func(Event)

	mu       sync.Mutex
	pending  []Event
	draining bool
	closed   bool
}

func (s *subscriber) enqueue(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.pending = append(s.pending, event)
	if !s.draining {
		s.draining = true
		go s.drain()
	}
}

func (s *subscriber) drain() {
	for {
		s.mu.Lock()
		if s.closed || len(s.pending) == 0 {
			s.pending = nil
			s.draining = false
			s.mu.Unlock()
			return
		}
		event := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()

		s.handler(event)
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.pending = nil
	s.mu.Unlock()
}

// NewSimpleEventBus creates a new event bus.
func NewSimpleEventBus() *SimpleEventBus {
	return &SimpleEventBus{
		handlers: make(map[inventory.PlayerID]map[uint64]*subscriber),
	}
}

// Subscribe registers a handler for events for a specific player.
func (bus *SimpleEventBus) Subscribe(player inventory.PlayerID, handler func(Event)) func() {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	bus.nextID++
	id := bus.nextID
	if bus.handlers[player] == nil {
		bus.handlers[player] = make(map[uint64]*subscriber)
	}
	sub := &subscriber{handler: handler}
	bus.handlers[player][id] = sub

	return func() {
		bus.mu.Lock()
		defer bus.mu.Unlock()
		sub.close()
		delete(bus.handlers[player], id)
		if len(bus.handlers[player]) == 0 {
			delete(bus.handlers, player)
		}
	}
}

// Publish queues an event for the player's handlers and returns at once.
// Each handler sees events in the order they were published.
func (bus *SimpleEventBus) Publish(event Event) {
	bus.mu.RLock()
	defer bus.mu.RUnlock()

	for _, sub := range bus.handlers[event.Player] {
		sub.enqueue(event)
	}
}

// NullEventBus is an event bus that does nothing (for testing or when events not needed).
type NullEventBus struct{}

// Subscribe does nothing.
func (NullEventBus) Subscribe(inventory.PlayerID, func(Event)) func() { return func() {} }

// Publish does nothing.
func (NullEventBus) Publish(Event) {}
