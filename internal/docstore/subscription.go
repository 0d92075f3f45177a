package docstore

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Subscription is a live listener on a path. Deliveries are coalesced:
// if several writes land while a callback is running, the subscriber is
// called once more with the latest state, never with the intermediate ones.
type Subscription struct {
	id     uint64
	path   string
	fn     func(Snapshot)
	notify chan struct{}
	done   chan struct{}
	closed atomic.Bool
	once   sync.Once
	hub    *hub
	stop   func() bool
}

// Path returns the subscribed path.
func (s *Subscription) Path() string { return s.path }

// Unsubscribe stops further deliveries. A delivery already running
// completes. Safe to call more than once and from inside the callback.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.closed.Store(true)
		s.hub.remove(s.id)
		close(s.done)
	})
}

// loader reads the current snapshot of a path.
type loader func(ctx context.Context, path string) (Snapshot, error)

// hub fans change notifications out to subscriptions.
type hub struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	load   loader
	logger *slog.Logger
}

func newHub(load loader, logger *slog.Logger) *hub {
	return &hub{
		subs:   make(map[uint64]*Subscription),
		load:   load,
		logger: logger,
	}
}

func (h *hub) subscribe(ctx context.Context, path string, fn func(Snapshot)) (*Subscription, error) {
	if _, _, err := SplitPath(path); err != nil {
		return nil, err
	}

	h.mu.Lock()
	h.nextID++
	sub := &Subscription{
		id:     h.nextID,
		path:   path,
		fn:     fn,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		hub:    h,
	}
	h.subs[sub.id] = sub
	h.mu.Unlock()

	sub.stop = context.AfterFunc(ctx, sub.Unsubscribe)

	// Initial snapshot, like any realtime listener.
	sub.notify <- struct{}{}
	go h.deliver(sub)
	return sub, nil
}

func (h *hub) remove(id uint64) {
	h.mu.Lock()
	delete(h.subs, id)
	h.mu.Unlock()
}

func (h *hub) deliver(sub *Subscription) {
	defer sub.stop()
	for {
		select {
		case <-sub.done:
			return
		case <-sub.notify:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		snap, err := h.load(ctx, sub.path)
		cancel()
		if err != nil {
			h.logger.Warn("docstore: snapshot load failed", "path", sub.path, "error", err)
			continue
		}
		if sub.closed.Load() {
			return
		}
		h.safeCall(sub, snap)
	}
}

func (h *hub) safeCall(sub *Subscription, snap Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("docstore: subscriber panicked", "path", sub.path, "panic", r)
		}
	}()
	sub.fn(snap)
}

// publish wakes every subscriber of the document path and of its collection.
func (h *hub) publish(collection, id string) {
	docPath := Join(collection, id)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if sub.path == collection || sub.path == docPath {
			wake(sub)
		}
	}
}

// publishAll wakes every subscriber. Used after a listener reconnect when
// individual notifications may have been lost.
func (h *hub) publishAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		wake(sub)
	}
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *hub) closeAll() {
	h.mu.RLock()
	subs := make([]*Subscription, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.RUnlock()
	for _, s := range subs {
		s.Unsubscribe()
	}
}

func wake(sub *Subscription) {
	select {
	case sub.notify <- struct{}{}:
	default:
		// A wakeup is already pending; the delivery will read the latest state.
	}
}
