package crawler

import (
	"log"
	"sync"

	"github.com/google/uuid"

	"campusmirror/internal/models"
)

// EventBus is an in-memory pub/sub for crawl progress events, scoped per
// user. It decouples the crawl loop from whoever renders progress — the
// crawl publishes, any number of subscribers listen.
//
// Publishing never blocks the crawl. When a subscriber's channel is full,
// transient events (indexing, new-item) are dropped for that subscriber;
// lifecycle events (start, finish, error) are always worth a log line when
// lost.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan models.CrawlEvent // userID -> subID -> chan
}

// transientEventTypes are safe to drop for slow subscribers.
var transientEventTypes = map[string]bool{
	models.EventIndexing: true,
	models.EventNewItem:  true,
}

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[string]map[string]chan models.CrawlEvent),
	}
}

// Subscribe creates an event channel for a user and returns the
// subscription id and a receive-only channel.
func (b *EventBus) Subscribe(userID string, bufSize int) (string, <-chan models.CrawlEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if bufSize < 1 {
		bufSize = 64
	}
	subID := uuid.New().String()
	ch := make(chan models.CrawlEvent, bufSize)
	if _, ok := b.subscribers[userID]; !ok {
		b.subscribers[userID] = make(map[string]chan models.CrawlEvent)
	}
	b.subscribers[userID][subID] = ch
	return subID, ch
}

// Unsubscribe removes a subscription and closes its channel.
func (b *EventBus) Unsubscribe(userID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subs, ok := b.subscribers[userID]; ok {
		if ch, ok := subs[subID]; ok {
			delete(subs, subID)
			close(ch)
		}
		if len(subs) == 0 {
			delete(b.subscribers, userID)
		}
	}
}

// Publish delivers an event to all of a user's subscribers.
func (b *EventBus) Publish(userID string, ev models.CrawlEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for subID, ch := range b.subscribers[userID] {
		select {
		case ch <- ev:
		default:
			if !transientEventTypes[ev.Type] {
				log.Printf("⚠️  [EVENT-BUS] Dropped %s event for slow subscriber %s (user %s)", ev.Type, subID, userID)
			}
		}
	}
}
