package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/wtfzdotnet/storyteller-sub002/internal/model"
	"github.com/wtfzdotnet/storyteller-sub002/internal/storage"
)

// NotificationSource delivers intervention events published by any replica.
// *storage.DB satisfies it through Postgres LISTEN/NOTIFY.
type NotificationSource interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (channel, payload string, err error)
}

// Broker fans out intervention events to SSE subscribers.
//
// With a NotificationSource it runs a background loop that relays every
// NOTIFY on storage.ChannelInterventions, so subscribers on every replica see
// every event. Without one it is fed in-process through NotifyIntervention.
type Broker struct {
	source NotificationSource
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[chan []byte]struct{}
}

// NewBroker creates a new SSE broker. source may be nil. Call Start to begin
// listening when a source is set.
func NewBroker(source NotificationSource, logger *slog.Logger) *Broker {
	return &Broker{
		source:      source,
		logger:      logger,
		subscribers: make(map[chan []byte]struct{}),
	}
}

// Distributed reports whether events arrive through a NotificationSource.
func (b *Broker) Distributed() bool { return b.source != nil }

// Start listens on the interventions channel. It blocks, so call it in a
// goroutine. Returns when ctx is cancelled, or immediately without a source.
func (b *Broker) Start(ctx context.Context) {
	if b.source == nil {
		return
	}
	if err := b.source.Listen(ctx, storage.ChannelInterventions); err != nil {
		b.logger.Error("broker: listen interventions", "error", err)
		return
	}

	b.logger.Info("broker: listening for notifications", "channel", storage.ChannelInterventions)

	for {
		channel, payload, err := b.source.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return // Shutting down.
			}
			b.logger.Warn("broker: notification error, retrying", "error", err)
			continue
		}
		if channel != storage.ChannelInterventions {
			continue
		}

		var ev storage.InterventionEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil || ev.Event == "" {
			b.logger.Warn("broker: malformed intervention payload", "payload", payload)
			continue
		}
		b.broadcast(formatSSE(ev.Event, payload))
	}
}

// NotifyIntervention implements intervention.Notifier for single-node
// deployments.
func (b *Broker) NotifyIntervention(_ context.Context, event string, m model.ManualIntervention) error {
	data, err := json.Marshal(storage.NewInterventionEvent(event, m))
	if err != nil {
		return fmt.Errorf("broker: encode intervention event: %w", err)
	}
	b.broadcast(formatSSE(event, string(data)))
	return nil
}

// Subscribe returns a channel that receives SSE-formatted events.
// The caller must call Unsubscribe when done.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, 64) // Buffer to avoid blocking the broadcast loop.
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
	close(ch)
}

// SubscriberCount returns the number of connected subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// broadcast sends an event to all subscribers. Slow subscribers that have
// a full buffer are skipped (their event is dropped) to prevent one slow
// client from blocking all others.
func (b *Broker) broadcast(event []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			// Subscriber buffer full, drop this event for them.
		}
	}
}

// formatSSE formats a notification as a Server-Sent Events message.
func formatSSE(eventType, data string) []byte {
	// SSE format: "event: <type>\ndata: <payload>\n\n"
	return []byte("event: " + eventType + "\ndata: " + data + "\n\n")
}
