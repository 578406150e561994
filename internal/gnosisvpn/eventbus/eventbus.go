// Copyright 2026 The gnosisvpn Authors
// SPDX-License-Identifier: Apache-2.0

// Package eventbus provides a single-producer, multi-consumer broadcast of
// internal events (status changes, config reloads, shutdown) used by the
// connection engine, the control socket, and the daemon entry point.
package eventbus

import (
	"sync"

	"github.com/gnosisvpn/gnosisvpn/internal/gnosisvpn/model"
)

// defaultCapacity is the per-subscriber channel buffer size.
const defaultCapacity = 16

// Bus is a broadcast channel with bounded capacity per subscriber. A slow
// subscriber drops its oldest buffered event rather than blocking Publish;
// the number of events dropped for a subscriber is folded into the Dropped
// field of the next event delivered to it (spec §4.8).
type Bus struct {
	mu          sync.Mutex
	subscribers map[int]*subscriber
	nextID      int
	capacity    int
}

type subscriber struct {
	ch      chan model.Event
	dropped int
}

// New returns a Bus whose subscriber channels buffer up to capacity events.
// A capacity <= 0 uses the default.
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Bus{
		subscribers: make(map[int]*subscriber),
		capacity:    capacity,
	}
}

// Subscribe registers a new subscriber and returns its event channel and an
// unsubscribe function. The channel is closed once unsubscribe is called;
// callers must not read from it afterward.
func (b *Bus) Subscribe() (<-chan model.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	sub := &subscriber{ch: make(chan model.Event, b.capacity)}
	b.subscribers[id] = sub

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(s.ch)
		}
	}
	return sub.ch, unsubscribe
}

// Publish delivers event to every current subscriber. A subscriber whose
// channel is full has its oldest buffered event dropped to make room; the
// drop count is folded into event.Dropped for that subscriber before
// delivery, so readers can detect gaps (spec §4.8). Publish never blocks.
func (b *Bus) Publish(event model.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subscribers {
		deliver := event
		for sent := false; !sent; {
			select {
			case sub.ch <- withDropped(deliver, sub.dropped):
				sub.dropped = 0
				sent = true
			default:
				// Channel full: drop the oldest buffered event to make room,
				// keeping the drop count that event itself carried.
				select {
				case old := <-sub.ch:
					sub.dropped += 1 + old.Dropped
				default:
					// Raced with a concurrent receive; retry the send.
				}
			}
		}
	}
}

func withDropped(event model.Event, dropped int) model.Event {
	event.Dropped = dropped
	return event
}

// SubscriberCount returns the number of active subscribers. Exposed for
// tests asserting Unsubscribe behavior.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}
