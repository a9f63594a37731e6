package stream

import (
	"context"
	"sync"
	"sync/atomic"

	"campusmerit.org/internal/ledger"
)

const subscriberBuffer = 64

// Stream fans committed ledger events out to live subscribers (SSE clients).
type Stream struct {
	mu      sync.RWMutex
	subs    map[int]subscriber
	next    int
	dropped atomic.Uint64
}

type subscriber struct {
	ch  chan ledger.Event
	key string
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]subscriber)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events touching key, or every event when key is empty. The channel is closed
// when ctx ends.
func (s *Stream) Subscribe(ctx context.Context, key string) <-chan ledger.Event {
	ch := make(chan ledger.Event, subscriberBuffer)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = subscriber{ch: ch, key: key}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish implements the engine's event sink. It never blocks the writer.
func (s *Stream) Publish(_ context.Context, events []ledger.Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ev := range events {
		for _, sub := range s.subs {
			if sub.key != "" && !hasKey(ev, sub.key) {
				continue
			}
			select {
			case sub.ch <- ev:
			default:
				// Drop when subscriber is slow to avoid blocking.
				s.dropped.Add(1)
			}
		}
	}
	return nil
}

// Subscribers is the number of live subscriptions.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Dropped counts deliveries skipped because a subscriber was full.
func (s *Stream) Dropped() uint64 { return s.dropped.Load() }

func hasKey(ev ledger.Event, key string) bool {
	for _, k := range ev.Keys {
		if k == key {
			return true
		}
	}
	return false
}
