package oauth

import (
	"sync"
	"time"

	"github.com/agentworkforce/engagesync/internal/accounts"
)

const (
	TypeOAuthDone       = "oauth_done"
	TypeAccountsChanged = "accounts_changed"

	subscriberBuffer = 16
	maxBuffered      = 64
)

// Notification is a message for whichever context is listening: the
// terminal outcome of a handshake, or a changed account list.
type Notification struct {
	Type     string                      `json:"type"`
	OK       bool                        `json:"ok"`
	State    string                      `json:"state,omitempty"`
	Reason   Reason                      `json:"reason,omitempty"`
	Account  *accounts.ConnectedAccount  `json:"account,omitempty"`
	Accounts []accounts.ConnectedAccount `json:"accounts,omitempty"`
	At       time.Time                   `json:"at"`
}

// Hub fans notifications out to subscribers. Handshake outcomes published
// while nobody listens are kept until a subscriber or a poller takes them,
// so each is observed once even by a late listener.
type Hub struct {
	mu          sync.Mutex
	subscribers map[int]chan Notification
	nextID      int
	buffered    []Notification
}

func NewHub() *Hub {
	return &Hub{subscribers: map[int]chan Notification{}}
}

// Subscribe registers a listener. Buffered notifications are delivered to it
// first. The returned function unsubscribes and closes the channel.
func (h *Hub) Subscribe() (<-chan Notification, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan Notification, subscriberBuffer)
	for len(h.buffered) > 0 && len(ch) < cap(ch) {
		ch <- h.buffered[0]
		h.buffered = h.buffered[1:]
	}
	id := h.nextID
	h.nextID++
	h.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subscribers, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers n to every subscriber with room for it. When none takes
// it, n is buffered for Poll or the next Subscribe. It reports whether a
// listener received n.
func (h *Hub) Publish(n Notification) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sendLocked(n) {
		return true
	}
	h.buffered = append(h.buffered, n)
	if len(h.buffered) > maxBuffered {
		h.buffered = h.buffered[len(h.buffered)-maxBuffered:]
	}
	return false
}

// Broadcast delivers n to current subscribers only.
func (h *Hub) Broadcast(n Notification) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sendLocked(n)
}

// Poll drains the buffered notifications.
func (h *Hub) Poll() []Notification {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.buffered
	h.buffered = nil
	if out == nil {
		out = []Notification{}
	}
	return out
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

func (h *Hub) sendLocked(n Notification) bool {
	delivered := false
	for _, ch := range h.subscribers {
		select {
		case ch <- n:
			delivered = true
		default:
		}
	}
	return delivered
}
