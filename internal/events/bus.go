// SPDX-License-Identifier: Apache-2.0

package events

import (
	"encoding/json"
	"sync"
	"time"
)

const defaultHistory = 256

// Envelope is the wire shape of a published event.
type Envelope struct {
	Seq   int64     `json:"seq"`
	Type  Type      `json:"type"`
	At    time.Time `json:"at"`
	Event Event     `json:"-"`
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Seq  int64     `json:"seq"`
		Type Type      `json:"type"`
		At   time.Time `json:"at"`
		Data Event     `json:"data"`
	}{e.Seq, e.Type, e.At, e.Event})
}

// Sink receives events from a controller.
type Sink interface {
	Publish(ev Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Publish(ev Event) { f(ev) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

type subscriber struct {
	ch chan Envelope
}

// Bus fans events out to subscribers and keeps a bounded history so
// late subscribers can resume from a sequence number. Publish never
// blocks; a subscriber whose buffer is full misses the event.
type Bus struct {
	mu       sync.Mutex
	seq      int64
	history  []Envelope
	capacity int
	subs     map[*subscriber]struct{}
	handlers []Handler
	now      func() time.Time
}

func NewBus(history int) *Bus {
	if history <= 0 {
		history = defaultHistory
	}
	return &Bus{
		capacity: history,
		subs:     make(map[*subscriber]struct{}),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Attach registers a Handler invoked synchronously for every event.
func (b *Bus) Attach(h Handler) {
	b.mu.Lock()
	b.handlers = append(b.handlers, h)
	b.mu.Unlock()
}

func (b *Bus) Publish(ev Event) {
	if ev == nil {
		return
	}

	b.mu.Lock()
	b.seq++
	env := Envelope{Seq: b.seq, Type: ev.Type(), At: b.now(), Event: ev}
	b.history = append(b.history, env)
	if len(b.history) > b.capacity {
		b.history = b.history[len(b.history)-b.capacity:]
	}
	for s := range b.subs {
		select {
		case s.ch <- env:
		default:
		}
	}
	handlers := append([]Handler(nil), b.handlers...)
	b.mu.Unlock()

	for _, h := range handlers {
		Dispatch(ev, h)
	}
}

// Subscribe returns a channel receiving every event published after the
// call, and a cancel func that closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Envelope, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	s := &subscriber{ch: make(chan Envelope, buffer)}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
			close(s.ch)
		})
	}
}

// Since returns retained events with Seq greater than after.
func (b *Bus) Since(after int64) []Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Envelope, 0, len(b.history))
	for _, env := range b.history {
		if env.Seq > after {
			out = append(out, env)
		}
	}
	return out
}

func (b *Bus) LastSeq() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}
