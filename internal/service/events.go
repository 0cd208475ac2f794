package service

import "sync"

// EventType identifies what changed in the editing session.
type EventType string

const (
	EventNetworkLoaded         EventType = "network_loaded"
	EventNetworkSaved          EventType = "network_saved"
	EventBlockAdded            EventType = "block_added"
	EventBlockUpdated          EventType = "block_updated"
	EventBlockDeleted          EventType = "block_deleted"
	EventProviderNetworkAdded   EventType = "provider_network_added"
	EventProviderNetworkUpdated EventType = "provider_network_updated"
	EventProviderNetworkDeleted EventType = "provider_network_deleted"
	EventServiceLoaded         EventType = "service_loaded"
	EventServiceSaved          EventType = "service_saved"
	EventExternalChange        EventType = "document_changed_externally"
)

// Event is published after each mutating session operation so the
// presentation layer can refresh without the engine knowing about it.
type Event struct {
	Type   EventType `json:"type"`
	Target string    `json:"target,omitempty"` // block name, service name, or record index
}

// Bus fans events out to subscribers. Safe for concurrent use:
// collaborators subscribe while the session publishes.
type Bus struct {
	mu          sync.RWMutex
	subscribers []chan<- Event
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{subscribers: make([]chan<- Event, 0)}
}

// Subscribe registers a channel to receive every future event.
func (b *Bus) Subscribe(ch chan<- Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, ch)
}

// Publish delivers an event to all subscribers without blocking; a
// subscriber that cannot keep up misses the event.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}
