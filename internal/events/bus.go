// Package events provides pub-sub distribution of pipeline progress events
// to SSE subscribers, with a ring buffer for replay on reconnect.
package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the pipeline.
const (
	TypeStatus     = "status"     // run entered a new stage
	TypeTranscript = "transcript" // transcript text is available
	TypeReport     = "report"     // analysis report is available
	TypeFailed     = "failed"     // run terminated with a failure kind
	TypeDone       = "done"       // run completed
)

// Event is a server-sent event ready for transmission.
type Event struct {
	ID        string `json:"event_id"`
	Type      string `json:"event_type"`
	RunID     int64  `json:"run_id"`
	Timestamp string `json:"timestamp"`
	Data      []byte `json:"-"` // pre-serialized JSON payload
}

// Filter specifies which events an SSE subscriber wants to receive.
// Zero values match everything.
type Filter struct {
	RunID int64
	Types []string
}

// Bus distributes events to subscribers and keeps recent history for
// Last-Event-ID replay.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[uint64]subscriber
	nextID      uint64
	seq         atomic.Uint64

	ring     []Event
	ringSize int
	ringHead int
	ringMu   sync.RWMutex
}

type subscriber struct {
	ch     chan Event
	filter Filter
}

// NewBus creates an event bus with the given ring buffer size. Sizes
// below 1 are clamped so Publish always has a slot to write into.
func NewBus(ringSize int) *Bus {
	if ringSize < 1 {
		ringSize = 1
	}
	return &Bus{
		subscribers: make(map[uint64]subscriber),
		ring:        make([]Event, ringSize),
		ringSize:    ringSize,
	}
}

// Subscribe registers a new subscriber and returns a channel and cancel function.
func (b *Bus) Subscribe(filter Filter) (<-chan Event, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, 64)
	b.subscribers[id] = subscriber{ch: ch, filter: filter}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subscribers, id)
		b.mu.Unlock()
	}
	return ch, cancel
}

// ReplaySince returns buffered events since the given event ID.
func (b *Bus) ReplaySince(lastEventID string, filter Filter) []Event {
	b.ringMu.RLock()
	defer b.ringMu.RUnlock()

	var result []Event
	found := lastEventID == ""

	for i := 0; i < b.ringSize; i++ {
		idx := (b.ringHead + i) % b.ringSize
		e := b.ring[idx]
		if e.ID == "" {
			continue
		}
		if !found {
			if e.ID == lastEventID {
				found = true
			}
			continue
		}
		if matchesFilter(e, filter) {
			result = append(result, e)
		}
	}
	return result
}

// Publish sends an event to all matching subscribers and adds it to the
// ring buffer. Slow subscribers drop events rather than blocking the
// pipeline.
func (b *Bus) Publish(eventType string, runID int64, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}

	seq := b.seq.Add(1)
	event := Event{
		ID:        fmt.Sprintf("%d-%d", time.Now().UnixMilli(), seq),
		Type:      eventType,
		RunID:     runID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      data,
	}

	b.ringMu.Lock()
	b.ring[b.ringHead] = event
	b.ringHead = (b.ringHead + 1) % b.ringSize
	b.ringMu.Unlock()

	b.mu.RLock()
	for _, sub := range b.subscribers {
		if matchesFilter(event, sub.filter) {
			select {
			case sub.ch <- event:
			default:
				// Drop if subscriber is slow
			}
		}
	}
	b.mu.RUnlock()
}

func matchesFilter(e Event, f Filter) bool {
	if f.RunID != 0 && e.RunID != f.RunID {
		return false
	}
	if len(f.Types) > 0 {
		match := false
		for _, t := range f.Types {
			if strings.TrimSpace(t) == e.Type {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	return true
}
