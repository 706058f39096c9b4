// Package logs provides the per-deployment log journal, live streaming and
// batched persistence of log lines.
package logs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/narvanalabs/botrunner/internal/models"
)

// subscriberBuffer is the channel depth of each subscriber.
const subscriberBuffer = 256

// Subscriber represents a live log stream subscriber.
type Subscriber struct {
	ID        string
	Key       models.DeploymentKey
	Ch        chan Event
	CreatedAt time.Time
}

// Broker fans journal events out to live subscribers.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	logger      *slog.Logger
}

// NewBroker creates a new log broker.
func NewBroker(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		subscribers: make(map[string]*Subscriber),
		logger:      logger,
	}
}

// Subscribe creates a subscription for events of one deployment. The
// subscription is removed when ctx is done.
func (b *Broker) Subscribe(ctx context.Context, key models.DeploymentKey) *Subscriber {
	b.mu.Lock()
	sub := &Subscriber{
		ID:        uuid.New().String(),
		Key:       key,
		Ch:        make(chan Event, subscriberBuffer),
		CreatedAt: time.Now(),
	}
	b.subscribers[sub.ID] = sub
	b.mu.Unlock()

	b.logger.Debug("subscriber added",
		"subscriber_id", sub.ID,
		"server_id", key.ServerID,
		"deployment_id", key.DeploymentID,
	)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(sub)
	}()

	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broker) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subscribers[sub.ID]; exists {
		close(sub.Ch)
		delete(b.subscribers, sub.ID)
		b.logger.Debug("subscriber removed", "subscriber_id", sub.ID)
	}
}

// Publish sends an event to all subscribers of its deployment without blocking.
func (b *Broker) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		if sub.Key != ev.Key {
			continue
		}
		select {
		case sub.Ch <- ev:
		default:
			b.logger.Warn("subscriber channel full, dropping log event",
				"subscriber_id", sub.ID,
				"deployment_id", ev.Key.DeploymentID,
			)
		}
	}
}

// CloseKey removes every subscriber of a deployment, ending their streams.
func (b *Broker) CloseKey(key models.DeploymentKey) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subscribers {
		if sub.Key == key {
			close(sub.Ch)
			delete(b.subscribers, id)
		}
	}
}

// CloseAll ends every stream. Used at shutdown so websocket clients receive a
// close frame instead of a dropped connection.
func (b *Broker) CloseAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subscribers {
		close(sub.Ch)
		delete(b.subscribers, id)
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
