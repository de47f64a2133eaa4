package worker

import (
	"sync"

	"github.com/l0p7/offgate/internal/metrics"
)

// Message is the coordination envelope exchanged with pages: lifecycle
// broadcasts flow out, control messages (skip waiting) flow in.
type Message struct {
	Type    string `json:"type"`
	Version string `json:"version,omitempty"`
}

// Message types understood by pages and the worker.
const (
	// MessageOfflineReady announces that the asset manifest for a version is
	// fully cached.
	MessageOfflineReady = "OFFLINE_READY"
	// MessageUpdateWaiting announces that a newer generation installed and is
	// holding until promoted.
	MessageUpdateWaiting = "UPDATE_WAITING"
	// MessageActivated announces that a generation became authoritative.
	MessageActivated = "ACTIVATED"
	// MessageSkipWaiting is the inbound control message forcing promotion.
	MessageSkipWaiting = "SKIP_WAITING"
)

// Hub fans lifecycle messages out to subscribed pages. Sends never block: a
// subscriber that stops draining its channel misses messages rather than
// stalling the worker.
type Hub struct {
	metrics *metrics.Recorder

	mu   sync.Mutex
	subs map[chan Message]struct{}
}

// NewHub builds an empty broadcast hub.
func NewHub(rec *metrics.Recorder) *Hub {
	return &Hub{metrics: rec, subs: make(map[chan Message]struct{})}
}

// Subscribe registers a listener. The returned cancel func must be called to
// release the subscription.
func (h *Hub) Subscribe() (<-chan Message, func()) {
	ch := make(chan Message, 8)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers the message to every current subscriber.
func (h *Hub) Publish(msg Message) {
	h.metrics.ObserveEvent(msg.Type)
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- msg:
		default:
		}
	}
}
