// Package events carries pipeline progress notifications. The pipeline
// publishes one event per stage transition and per notable per-item
// outcome; subscribers render progress or forward it to attached
// WebSocket clients.
package events

import (
	"sync"
	"time"
)

// Event types published by the pipeline.
const (
	TypeStageStarted  = "stage_started"
	TypeStageFinished = "stage_finished"
	TypeItemFailed    = "item_failed"
	TypeJobFinished   = "job_finished"
)

// Event is one progress notification. Stage-finished events carry the
// stage's per-item counts and elapsed time; InFlight is zero at a stage
// boundary because stages are barriers.
type Event struct {
	Type      string        `json:"type"`
	JobID     string        `json:"job_id"`
	Stage     string        `json:"stage,omitempty"`
	Item      string        `json:"item,omitempty"`
	Detail    string        `json:"detail,omitempty"`
	Total     int           `json:"total,omitempty"`
	Succeeded int           `json:"succeeded,omitempty"`
	Failed    int           `json:"failed,omitempty"`
	InFlight  int           `json:"in_flight,omitempty"`
	Elapsed   time.Duration `json:"elapsed,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// Bus fans events out to subscribers. Publish never blocks; a
// subscriber that falls behind loses events rather than stalling the
// pipeline.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// NewBus builds an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a new subscriber. The returned cancel function
// removes the subscription and closes the channel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan Event, 256)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if ch, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber with room in its
// buffer.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
