package events

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/talentgraph/backend/pkg/logger"
)

// Event is a profile lifecycle notification pushed to websocket subscribers.
type Event struct {
	Type    string    `json:"type"`
	OwnerID string    `json:"owner_id"`
	Version int64     `json:"version,omitempty"`
	Detail  string    `json:"detail,omitempty"`
	At      time.Time `json:"at"`
}

const (
	TypeSnapshotCommitted = "snapshot_committed"
	TypeProfileIndexed    = "profile_indexed"
	TypeSourceFailed      = "source_failed"
)

// Hub fans events out to subscribers. Delivery is best-effort: a subscriber
// that cannot keep up loses events rather than stalling publishers.
type Hub struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[chan Event]struct{})}
}

// Subscribe returns a channel of events and a cancel function. The channel is
// closed on cancel.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)

	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
		h.mu.Unlock()
	}

	return ch, cancel
}

func (h *Hub) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			logger.Debug("Dropping event for slow subscriber",
				zap.String("type", ev.Type),
				zap.String("owner_id", ev.OwnerID),
			)
		}
	}
}
