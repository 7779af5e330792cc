package loopback

import (
	"sync"

	"devcall/internal/media"
)

// queuedEvent pairs an event with the handler that was installed when it was
// raised. A handler swapped out later still receives what was raised for it.
type queuedEvent struct {
	h  media.EventHandler
	ev media.Event
}

// eventQueue delivers events in order on one goroutine without ever blocking
// the producer.
type eventQueue struct {
	mu     sync.Mutex
	items  []queuedEvent
	wake   chan struct{}
	done   chan struct{}
	closed sync.Once
}

func newEventQueue() *eventQueue {
	return &eventQueue{wake: make(chan struct{}, 1), done: make(chan struct{})}
}

func (q *eventQueue) push(h media.EventHandler, ev media.Event) {
	q.mu.Lock()
	q.items = append(q.items, queuedEvent{h: h, ev: ev})
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *eventQueue) stop() { q.closed.Do(func() { close(q.done) }) }

func (q *eventQueue) run() {
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			select {
			case <-q.wake:
				continue
			case <-q.done:
				return
			}
		}
		it := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		select {
		case <-q.done:
			return
		default:
		}
		if it.h != nil {
			it.h(it.ev)
		}
	}
}
