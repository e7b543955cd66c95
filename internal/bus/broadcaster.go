// ABOUTME: In-memory fan-out event broadcaster for dialogue stream delivery
// ABOUTME: Publishes StreamEvents to all subscribers of a dialogue key

package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

// Key builds the dialogue subscription key from a (session, node) pair.
func Key(sessionID, nodeID string) string {
	return sessionID + "/" + nodeID
}

// Broadcaster provides in-memory pub/sub for StreamEvents. Subscribers
// register for a dialogue key and receive every event published for that key
// while subscribed. This is what lets multiple live connections observe the
// same turn's lifecycle without polling.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *StreamEvent // dialogueKey -> subID -> ch
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan *StreamEvent),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for events on the given dialogue key.
// Returns a channel that receives events and a subscription ID for later
// unsubscription. The subscription is automatically cleaned up when ctx is
// cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, dialogueKey string) (<-chan *StreamEvent, string) {
	subID := uuid.New().String()
	ch := make(chan *StreamEvent, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[dialogueKey]; !ok {
		b.subscribers[dialogueKey] = make(map[string]chan *StreamEvent)
	}
	b.subscribers[dialogueKey][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added",
		"dialogue_key", dialogueKey,
		"sub_id", subID)

	// Auto-cleanup on context cancellation
	go func() {
		<-ctx.Done()
		b.Unsubscribe(dialogueKey, subID)
	}()

	return ch, subID
}

// Publish sends an event to all subscribers of the given dialogue key.
// Non-blocking: events are dropped for subscribers whose channels are full,
// so a slow or dead connection can never stall a worker.
func (b *Broadcaster) Publish(dialogueKey string, event *StreamEvent) {
	// The read lock is held across the sends: channels are only closed under
	// the write lock, so a send can never land on a closed channel. The sends
	// never block, so the lock is never held while waiting on a subscriber.
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[dialogueKey] {
		select {
		case ch <- event:
		default:
			// Subscriber channel full, drop the event for this subscriber
			b.logger.Debug("dropped event for slow subscriber",
				"dialogue_key", dialogueKey,
				"event_type", event.Type)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel. Idempotent.
func (b *Broadcaster) Unsubscribe(dialogueKey, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[dialogueKey]
	if !ok {
		return
	}

	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	// Clean up empty dialogue key entries
	if len(subs) == 0 {
		delete(b.subscribers, dialogueKey)
	}

	b.logger.Debug("subscriber removed",
		"dialogue_key", dialogueKey,
		"sub_id", subID)
}

// UnsubscribeAll removes every subscription for a dialogue key. Used when a
// dialogue is torn down.
func (b *Broadcaster) UnsubscribeAll(dialogueKey string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[dialogueKey]
	if !ok {
		return
	}
	for subID, ch := range subs {
		close(ch)
		delete(subs, subID)
	}
	delete(b.subscribers, dialogueKey)
}

// SubscriberCount returns the number of live subscriptions for a key.
func (b *Broadcaster) SubscriberCount(dialogueKey string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[dialogueKey])
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, key)
	}

	b.logger.Debug("broadcaster closed")
}
