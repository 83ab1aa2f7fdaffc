// Package events provides a small in-process pub/sub bus for training
// progress, consumed by the logger and the SSE stream in serve mode.
package events

import (
	"sync"
	"time"
)

// StepEvent describes one completed adversarial training step.
type StepEvent struct {
	RunID       string        `json:"run_id"`
	Step        int           `json:"step"`
	TotalSteps  int           `json:"total_steps"`
	DLoss       float64       `json:"d_loss"`
	GLoss       float64       `json:"g_loss"`
	GradPenalty float64       `json:"grad_penalty"`
	Elapsed     time.Duration `json:"elapsed_ns"`
}

// Bus fans StepEvents out to subscribers. Publishing never blocks: a
// subscriber that falls behind loses events rather than stalling training.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan StepEvent
	next int
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan StepEvent)}
}

// Subscribe registers a listener. The returned cancel function must be
// called to release the subscription.
func (b *Bus) Subscribe() (<-chan StepEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan StepEvent, 64)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

// Publish delivers the event to all current subscribers.
func (b *Bus) Publish(ev StepEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Slow subscriber, drop.
		}
	}
}
