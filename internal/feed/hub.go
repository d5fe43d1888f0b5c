package feed

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/mntrk/observatory-backend/internal/detection"
	"github.com/mntrk/observatory-backend/internal/shared"
)

const viewerBuffer = 64

// Subscription is one viewer's slot in the hub. Events arrive on C in the
// order the change feed observed them. C is closed when the viewer is
// unregistered or evicted.
type Subscription struct {
	ID string
	C  chan *detection.LiveDetection
}

// Hub multiplexes one upstream change feed into N viewer subscriptions.
// Delivery to a slow or gone viewer never affects the others: a full buffer
// evicts only that viewer.
type Hub struct {
	mu      sync.RWMutex
	viewers map[string]*Subscription
	logger  *slog.Logger

	delivered atomic.Uint64
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		viewers: make(map[string]*Subscription),
		logger:  logger.With("component", "feed_hub"),
	}
}

// Register adds a viewer. A viewer registered after an event was broadcast
// never sees that event retroactively.
func (h *Hub) Register() *Subscription {
	sub := &Subscription{
		ID: shared.NewID("viewer_"),
		C:  make(chan *detection.LiveDetection, viewerBuffer),
	}

	h.mu.Lock()
	h.viewers[sub.ID] = sub
	h.mu.Unlock()

	h.logger.Debug("viewer registered", "viewer_id", sub.ID)
	return sub
}

// Unregister removes a viewer and closes its channel. Safe to call twice.
// The close happens under the write lock so it can never interleave with a
// send in Broadcast, which only runs under the read lock.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	sub, ok := h.viewers[id]
	if ok {
		delete(h.viewers, id)
		close(sub.C)
	}
	h.mu.Unlock()

	if ok {
		h.logger.Debug("viewer unregistered", "viewer_id", id)
	}
}

// Broadcast fans one feed event out to every registered viewer in
// registration-independent order. Events reach each viewer in broadcast
// order because each viewer has a single buffered channel and Broadcast is
// called from the subscriber's single dispatch goroutine. Sends stay under
// the read lock: a channel visible here cannot be concurrently closed, and
// the sends are non-blocking so holding the lock is cheap.
func (h *Hub) Broadcast(live *detection.LiveDetection) {
	var evicted []string

	h.mu.RLock()
	for _, sub := range h.viewers {
		select {
		case sub.C <- live:
			h.delivered.Add(1)
		default:
			evicted = append(evicted, sub.ID)
		}
	}
	h.mu.RUnlock()

	for _, id := range evicted {
		h.logger.Warn("viewer buffer full, evicting", "viewer_id", id)
		h.Unregister(id)
	}
}

func (h *Hub) ViewerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.viewers)
}

// Delivered is the total number of events fanned out since start.
func (h *Hub) Delivered() uint64 {
	return h.delivered.Load()
}
