// Package events is an in-process publish/subscribe hub used to expose
// dispatcher activity to operator tooling (the admin websocket stream)
// without the dispatcher loop depending on whether anyone is watching.
package events

import "time"

// Event is one observable dispatcher occurrence.
type Event struct {
	Type      string    `json:"type"`
	SubID     string    `json:"sub_id,omitempty"`
	ItemCount int       `json:"item_count,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

const bufferSize = 32

// Hub fans a stream of Events out to subscribers. A slow or absent
// subscriber never blocks the publisher: Publish is non-blocking and drops
// the event for any subscriber whose channel is full.
type Hub struct {
	subscribe   chan chan Event
	unsubscribe chan chan Event
	publish     chan Event
	done        chan struct{}
}

// NewHub starts the hub's dispatch loop and returns it ready to use.
func NewHub() *Hub {
	h := &Hub{
		subscribe:   make(chan chan Event),
		unsubscribe: make(chan chan Event),
		publish:     make(chan Event, bufferSize),
		done:        make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	subscribers := make(map[chan Event]struct{})
	for {
		select {
		case ch := <-h.subscribe:
			subscribers[ch] = struct{}{}
		case ch := <-h.unsubscribe:
			delete(subscribers, ch)
		case ev := <-h.publish:
			for ch := range subscribers {
				select {
				case ch <- ev:
				default: // drop-if-full: a slow reader never blocks the loop
				}
			}
		case <-h.done:
			return
		}
	}
}

// Publish enqueues ev for delivery to current subscribers. Non-blocking.
func (h *Hub) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case h.publish <- ev:
	default: // hub loop backed up; drop rather than stall the caller
	}
}

// Subscribe registers a new subscriber channel and returns it along with an
// unsubscribe function the caller must invoke when done.
func (h *Hub) Subscribe() (ch chan Event, cancel func()) {
	ch = make(chan Event, bufferSize)
	h.subscribe <- ch
	return ch, func() { h.unsubscribe <- ch }
}

// Close stops the hub's dispatch loop.
func (h *Hub) Close() { close(h.done) }
