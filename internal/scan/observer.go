package scan

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
)

// Observer receives one-way notifications from a running scan. Calls are
// made on the scan's goroutine and must not block.
type Observer interface {
	Sample(Sample)
	Progress(percent float64)
	Outcome(Outcome)
}

// ObserverFuncs adapts optional functions to Observer.
type ObserverFuncs struct {
	OnSample   func(Sample)
	OnProgress func(float64)
	OnOutcome  func(Outcome)
}

func (f ObserverFuncs) Sample(s Sample) {
	if f.OnSample != nil {
		f.OnSample(s)
	}
}

func (f ObserverFuncs) Progress(p float64) {
	if f.OnProgress != nil {
		f.OnProgress(p)
	}
}

func (f ObserverFuncs) Outcome(o Outcome) {
	if f.OnOutcome != nil {
		f.OnOutcome(o)
	}
}

// Observers fans notifications out to several observers in order.
type Observers []Observer

func (os Observers) Sample(s Sample) {
	for _, o := range os {
		o.Sample(s)
	}
}

func (os Observers) Progress(p float64) {
	for _, o := range os {
		o.Progress(p)
	}
}

func (os Observers) Outcome(out Outcome) {
	for _, o := range os {
		o.Outcome(out)
	}
}

// EventType distinguishes Hub events.
type EventType string

const (
	EventSample   EventType = "sample"
	EventProgress EventType = "progress"
	EventOutcome  EventType = "outcome"
)

// Event is one notification delivered by a Hub.
type Event struct {
	Type     EventType `json:"type"`
	Sample   *Sample   `json:"sample,omitempty"`
	Progress float64   `json:"progress,omitempty"`
	Outcome  *Outcome  `json:"outcome,omitempty"`
}

// hubBuffer is the per-subscriber queue; events beyond it are dropped.
const hubBuffer = 256

// Hub is an Observer that broadcasts to any number of subscribers. A slow
// subscriber loses events rather than stalling the scan.
type Hub struct {
	mu   sync.Mutex
	subs map[string]chan Event
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]chan Event)}
}

// Subscribe registers a subscriber.
func (h *Hub) Subscribe() (string, <-chan Event) {
	b := make([]byte, 8)
	rand.Read(b)
	id := hex.EncodeToString(b)
	ch := make(chan Event, hubBuffer)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[id] = ch
	return id, ch
}

// Unsubscribe removes and closes a subscriber.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subs[id]; ok {
		close(ch)
		delete(h.subs, id)
	}
}

func (h *Hub) publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (h *Hub) Sample(s Sample)    { h.publish(Event{Type: EventSample, Sample: &s}) }
func (h *Hub) Progress(p float64) { h.publish(Event{Type: EventProgress, Progress: p}) }
func (h *Hub) Outcome(o Outcome)  { h.publish(Event{Type: EventOutcome, Outcome: &o}) }
