package server

import (
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/abihf/framecap/protocol"
)

// subscriberQueue is how many events a slow subscriber may lag behind before
// events are dropped for it.
const subscriberQueue = 256

type subscriber struct {
	events  chan *protocol.Event
	dropped atomic.Uint64
}

// broadcaster fans events out to subscribed connections. publish never
// blocks; it runs on the capture goroutine.
type broadcaster struct {
	log *zap.SugaredLogger

	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
}

func newBroadcaster(logger *zap.SugaredLogger) *broadcaster {
	return &broadcaster{log: logger, subs: make(map[*subscriber]struct{})}
}

func (b *broadcaster) subscribe() *subscriber {
	sub := &subscriber{events: make(chan *protocol.Event, subscriberQueue)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.events)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

func (b *broadcaster) unsubscribe(sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.events)
	}
}

func (b *broadcaster) publish(ev *protocol.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		select {
		case sub.events <- ev:
		default:
			if sub.dropped.Inc() == 1 {
				b.log.Warnw("subscriber is not keeping up, dropping events", "type", ev.Type)
			}
		}
	}
}

func (b *broadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for sub := range b.subs {
		delete(b.subs, sub)
		close(sub.events)
	}
}
