package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/montecast-ai/montecast/internal/model"
	"github.com/montecast-ai/montecast/internal/storage"
)

// Broker fans out Postgres LISTEN/NOTIFY job events to SSE subscribers.
// It runs a background goroutine that calls db.WaitForNotification in a
// loop and sends each payload to every subscriber whose filter matches.
type Broker struct {
	db     *storage.DB
	logger *slog.Logger

	mu sync.RWMutex
	// The map value is the subscriber's job filter; uuid.Nil matches
	// every job.
	subscribers map[chan []byte]uuid.UUID
}

// NewBroker creates a new SSE broker. Call Start to begin listening.
func NewBroker(db *storage.DB, logger *slog.Logger) *Broker {
	return &Broker{
		db:          db,
		logger:      logger,
		subscribers: make(map[chan []byte]uuid.UUID),
	}
}

// Start begins listening on the jobs channel. It blocks, so call it in a
// goroutine. Returns when ctx is cancelled.
func (b *Broker) Start(ctx context.Context) {
	if err := b.db.Listen(ctx, storage.ChannelJobs); err != nil {
		b.logger.Error("broker: listen jobs", "error", err)
		return
	}

	b.logger.Info("broker: listening for job notifications", "channel", storage.ChannelJobs)

	for {
		channel, payload, err := b.db.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return // Shutting down.
			}
			b.logger.Warn("broker: notification error, retrying", "error", err)
			continue
		}

		var ev model.JobEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			b.logger.Warn("broker: dropping malformed notification",
				"channel", channel, "error", err)
			continue
		}

		b.broadcast(formatSSE(channel, payload), ev.JobID)
	}
}

// Subscribe returns a channel that receives SSE-formatted events.
// A filter other than uuid.Nil restricts delivery to that job's events.
// The caller must call Unsubscribe when done.
func (b *Broker) Subscribe(filter uuid.UUID) chan []byte {
	ch := make(chan []byte, 64) // Buffer to avoid blocking the broadcast loop.
	b.mu.Lock()
	b.subscribers[ch] = filter
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

// broadcast sends an event to every subscriber whose filter matches
// jobID. Slow subscribers with a full buffer are skipped (their event is
// dropped) to prevent one slow client from blocking all others.
func (b *Broker) broadcast(event []byte, jobID uuid.UUID) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch, want := range b.subscribers {
		if want != uuid.Nil && want != jobID {
			continue
		}
		select {
		case ch <- event:
		default:
			// Subscriber buffer full, drop this event for them.
		}
	}
}

// formatSSE renders one Server-Sent Events frame:
// "event: <type>\ndata: <payload>\n\n".
func formatSSE(eventType, data string) []byte {
	return fmt.Appendf(nil, "event: %s\ndata: %s\n\n", eventType, data)
}
