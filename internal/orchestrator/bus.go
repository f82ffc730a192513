package orchestrator

import (
	"log/slog"
	"sync"

	"bidforge-engine/internal/models"
)

// Emitter receives workflow progress events
type Emitter interface {
	Publish(ev models.ProgressEvent)
}

// Bus fans progress events out to per-workflow subscribers. A subscriber
// that falls behind loses events rather than stalling the workflow.
type Bus struct {
	logger *slog.Logger
	buffer int
	mu     sync.RWMutex
	subs   map[string][]chan models.ProgressEvent
}

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger: logger,
		buffer: 100,
		subs:   make(map[string][]chan models.ProgressEvent),
	}
}

// Subscribe returns a channel of events for one workflow key and the
// function that unsubscribes (and closes the channel).
func (b *Bus) Subscribe(key string) (<-chan models.ProgressEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan models.ProgressEvent, b.buffer)
	b.subs[key] = append(b.subs[key], ch)

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subscribers := b.subs[key]
			for i, sub := range subscribers {
				if sub == ch {
					close(ch)
					b.subs[key] = append(subscribers[:i], subscribers[i+1:]...)
					break
				}
			}
			if len(b.subs[key]) == 0 {
				delete(b.subs, key)
			}
		})
	}
	return ch, unsub
}

// Publish delivers ev to every subscriber of its workflow key
func (b *Bus) Publish(ev models.ProgressEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[ev.WorkflowKey] {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("progress channel full, dropping event", "workflow_key", ev.WorkflowKey, "type", ev.Type)
		}
	}
}

// Subscribers reports how many listeners a key has
func (b *Bus) Subscribers(key string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[key])
}
