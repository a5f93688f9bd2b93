// Package notify provides an in-process bus for delivery events, used to
// surface the authentication notice to the user and to observe the
// coordinator in tests.
package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// NotificationType represents the type of notification.
type NotificationType int

const (
	// AuthFailed is published at most once per coordinator, on the first 401
	AuthFailed NotificationType = iota
	Delivered
	Queued
	Suppressed
	Flushed
)

func (t NotificationType) String() string {
	switch t {
	case AuthFailed:
		return "auth_failed"
	case Delivered:
		return "delivered"
	case Queued:
		return "queued"
	case Suppressed:
		return "suppressed"
	case Flushed:
		return "flushed"
	default:
		return "unknown"
	}
}

// Notification describes one delivery event.
type Notification struct {
	Type      NotificationType
	Entity    string
	RowID     string
	Message   string
	Count     int
	Timestamp int64
}

// Notifier is a non-blocking pub/sub bus.
type Notifier struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	bufferSize  int
}

// NewNotifier creates a new notifier instance.
func NewNotifier(bufferSize int) *Notifier {
	return &Notifier{
		subscribers: make(map[string]*Subscriber),
		bufferSize:  bufferSize,
	}
}

// Publish sends a notification to all interested subscribers. If a
// subscriber's channel is full, the notification is dropped for it.
func (n *Notifier) Publish(notif Notification) {
	if notif.Timestamp == 0 {
		notif.Timestamp = time.Now().UnixNano()
	}

	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, sub := range n.subscribers {
		if !sub.wants(notif.Type) {
			continue
		}
		select {
		case sub.Ch <- notif:
		default:
		}
	}
}

// Subscribe registers a subscriber for the given types; no types means all.
// An empty id is replaced by a generated one.
func (n *Notifier) Subscribe(id string, types ...NotificationType) *Subscriber {
	if id == "" {
		id = "sub_" + uuid.NewString()
	}
	sub := &Subscriber{
		ID:    id,
		Types: types,
		Ch:    make(chan Notification, n.bufferSize),
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if old, ok := n.subscribers[id]; ok {
		close(old.Ch)
	}
	n.subscribers[id] = sub
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (n *Notifier) Unsubscribe(subID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if sub, ok := n.subscribers[subID]; ok {
		delete(n.subscribers, subID)
		close(sub.Ch)
	}
}

// Subscriber represents a notification subscriber.
type Subscriber struct {
	ID    string
	Types []NotificationType
	Ch    chan Notification
}

func (s *Subscriber) wants(t NotificationType) bool {
	if len(s.Types) == 0 {
		return true
	}
	for _, want := range s.Types {
		if want == t {
			return true
		}
	}
	return false
}
