package signaling

import (
	"context"
	"sync"

	"devcall/internal/calls"
)

// Hub is an in-process Notifier. Each watcher owns an unbounded queue, so a slow
// subscriber never blocks a writer and never loses a revision.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[*watcher]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*watcher]struct{})}
}

func (h *Hub) Publish(ctx context.Context, rec calls.Record) error {
	h.mu.Lock()
	ws := make([]*watcher, 0, len(h.subs[rec.ID]))
	for w := range h.subs[rec.ID] {
		ws = append(ws, w)
	}
	h.mu.Unlock()

	for _, w := range ws {
		w.push(rec.Clone())
	}
	return nil
}

func (h *Hub) Watch(ctx context.Context, id string) (<-chan calls.Record, func(), error) {
	w := newWatcher()

	h.mu.Lock()
	if h.subs[id] == nil {
		h.subs[id] = make(map[*watcher]struct{})
	}
	h.subs[id][w] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs[id], w)
		if len(h.subs[id]) == 0 {
			delete(h.subs, id)
		}
		h.mu.Unlock()
		w.stop()
	}

	go w.run()
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-w.done:
		}
	}()
	return w.out, cancel, nil
}

// watcherCount is used by tests to check that unsubscribe detaches.
func (h *Hub) watcherCount(id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[id])
}

type watcher struct {
	mu    sync.Mutex
	queue []calls.Record
	wake  chan struct{}
	out   chan calls.Record
	done  chan struct{}
	once  sync.Once
}

func newWatcher() *watcher {
	return &watcher{
		wake: make(chan struct{}, 1),
		out:  make(chan calls.Record),
		done: make(chan struct{}),
	}
}

func (w *watcher) push(rec calls.Record) {
	w.mu.Lock()
	w.queue = append(w.queue, rec)
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *watcher) stop() {
	w.once.Do(func() { close(w.done) })
}

func (w *watcher) run() {
	defer close(w.out)
	for {
		w.mu.Lock()
		if len(w.queue) == 0 {
			w.mu.Unlock()
			select {
			case <-w.wake:
				continue
			case <-w.done:
				return
			}
		}
		next := w.queue[0]
		w.queue = w.queue[1:]
		w.mu.Unlock()

		select {
		case w.out <- next:
		case <-w.done:
			return
		}
	}
}
