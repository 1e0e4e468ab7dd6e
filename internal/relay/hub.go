// Package relay broadcasts status messages to whoever is listening.
//
// Delivery is best effort and at most once: a subscriber whose buffer is
// full misses the message, and nothing is replayed to late subscribers.
package relay

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/mdrrmo/fieldsync/internal/observability"
)

// MessageType tags a status message.
type MessageType string

const (
	SyncComplete MessageType = "SYNC_COMPLETE"
	QueueChanged MessageType = "QUEUE_CHANGED"
	CacheWarmed  MessageType = "CACHE_WARMED"
	Connectivity MessageType = "CONNECTIVITY"

	// RequestSync is inbound only: a client asking for a drain pass.
	RequestSync MessageType = "REQUEST_SYNC"
)

// Message is one status broadcast. Only the fields that belong to Type are
// encoded.
type Message struct {
	Type    MessageType
	Synced  int
	Failed  int
	Pending int
	Cached  int
	Total   int
	Online  bool
}

func SyncCompleteMessage(synced, failed int) Message {
	return Message{Type: SyncComplete, Synced: synced, Failed: failed}
}

func QueueChangedMessage(pending int) Message {
	return Message{Type: QueueChanged, Pending: pending}
}

func CacheWarmedMessage(cached, total int) Message {
	return Message{Type: CacheWarmed, Cached: cached, Total: total}
}

func ConnectivityMessage(online bool) Message {
	return Message{Type: Connectivity, Online: online}
}

// Idle reports the summary of a pass that had nothing to deliver. Hub
// subscribers still receive it; the remote sinks do not forward it.
func (m Message) Idle() bool {
	return m.Type == SyncComplete && m.Synced == 0 && m.Failed == 0
}

func (m Message) MarshalJSON() ([]byte, error) {
	switch m.Type {
	case SyncComplete:
		return json.Marshal(struct {
			Type   MessageType `json:"type"`
			Synced int         `json:"synced"`
			Failed int         `json:"failed"`
		}{m.Type, m.Synced, m.Failed})
	case QueueChanged:
		return json.Marshal(struct {
			Type    MessageType `json:"type"`
			Pending int         `json:"pending"`
		}{m.Type, m.Pending})
	case CacheWarmed:
		return json.Marshal(struct {
			Type   MessageType `json:"type"`
			Cached int         `json:"cached"`
			Total  int         `json:"total"`
		}{m.Type, m.Cached, m.Total})
	case Connectivity:
		return json.Marshal(struct {
			Type   MessageType `json:"type"`
			Online bool        `json:"online"`
		}{m.Type, m.Online})
	case RequestSync:
		return json.Marshal(struct {
			Type MessageType `json:"type"`
		}{m.Type})
	default:
		return nil, fmt.Errorf("relay: unknown message type %q", m.Type)
	}
}

func (m *Message) UnmarshalJSON(b []byte) error {
	var w struct {
		Type    MessageType `json:"type"`
		Synced  int         `json:"synced"`
		Failed  int         `json:"failed"`
		Pending int         `json:"pending"`
		Cached  int         `json:"cached"`
		Total   int         `json:"total"`
		Online  bool        `json:"online"`
	}
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*m = Message(w)
	return nil
}

// Subscription receives messages on C until it is unsubscribed.
type Subscription struct {
	ID   string
	Name string
	C    <-chan Message
	ch   chan Message
}

// Hub fans messages out to subscribers.
type Hub struct {
	buffer  int
	logger  *slog.Logger
	metrics *observability.Metrics

	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool
}

// NewHub creates a hub whose subscribers buffer up to buffer messages.
func NewHub(buffer int, logger *slog.Logger, metrics *observability.Metrics) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub{
		buffer:  buffer,
		logger:  logger.With("component", "relay"),
		metrics: metrics,
		subs:    make(map[string]*Subscription),
	}
}

// Subscribe registers a new listener. name labels drop metrics.
func (h *Hub) Subscribe(name string) *Subscription {
	ch := make(chan Message, h.buffer)
	s := &Subscription{ID: uuid.NewString(), Name: name, C: ch, ch: ch}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return s
	}
	h.subs[s.ID] = s
	h.logger.Debug("subscriber added", "id", s.ID, "name", name)
	return s
}

// Unsubscribe removes s and closes its channel. Safe to call twice.
func (h *Hub) Unsubscribe(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s.ID]; !ok {
		return
	}
	delete(h.subs, s.ID)
	close(s.ch)
	h.logger.Debug("subscriber removed", "id", s.ID, "name", s.Name)
}

// Publish delivers m to every subscriber that has room and returns how many
// received it. It never blocks.
func (h *Hub) Publish(m Message) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for _, s := range h.subs {
		select {
		case s.ch <- m:
			delivered++
		default:
			h.logger.Warn("subscriber not keeping up, message dropped", "name", s.Name, "type", m.Type)
			if h.metrics != nil {
				h.metrics.RelayDropped.WithLabelValues(s.Name).Inc()
			}
		}
	}
	return delivered
}

// Subscribers returns the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close unsubscribes everyone. Later Subscribe calls get a closed channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, s := range h.subs {
		close(s.ch)
		delete(h.subs, id)
	}
	h.closed = true
}
