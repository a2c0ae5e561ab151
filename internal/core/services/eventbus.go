package services

import (
	"log/slog"
	"sync"
	"time"

	"github.com/manthysbr/solution-packager/internal/core/domain"
)

// StatusEvent announces a job status transition.
type StatusEvent struct {
	JobID  domain.JobID     `json:"job_id"`
	Status domain.JobStatus `json:"status"`
	Error  string           `json:"error,omitempty"`
	At     time.Time        `json:"at"`
}

// EventBus fans status events out to per-job subscribers.
type EventBus struct {
	logger *slog.Logger
	mu     sync.RWMutex
	subs   map[domain.JobID][]chan StatusEvent
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		logger: logger,
		subs:   make(map[domain.JobID][]chan StatusEvent),
	}
}

// Subscribe returns a channel of events for one job and a func that
// unsubscribes and closes it.
func (b *EventBus) Subscribe(jobID domain.JobID) (<-chan StatusEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan StatusEvent, 8)
	b.subs[jobID] = append(b.subs[jobID], ch)

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()

			subscribers := b.subs[jobID]
			for i, sub := range subscribers {
				if sub == ch {
					close(ch)
					b.subs[jobID] = append(subscribers[:i], subscribers[i+1:]...)
					break
				}
			}
			if len(b.subs[jobID]) == 0 {
				delete(b.subs, jobID)
			}
		})
	}

	return ch, unsub
}

// Publish never blocks; a full subscriber misses the event.
func (b *EventBus) Publish(e StatusEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[e.JobID] {
		select {
		case ch <- e:
		default:
			b.logger.Warn("event bus channel full, dropping event", "job_id", e.JobID)
		}
	}
}

func (b *EventBus) subscriberCount(jobID domain.JobID) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[jobID])
}
