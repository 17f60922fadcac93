package store

import (
	"sync"

	"voicechat/internal/models"
)

type EventKind string

const (
	// EventConversationsChanged signals that the user's conversation list
	// changed (create, delete, or metadata update).
	EventConversationsChanged EventKind = "conversations_changed"
	// EventMessageAppended carries a newly appended message.
	EventMessageAppended EventKind = "message_appended"
)

// Event is a change notification pushed to live subscribers.
type Event struct {
	Kind           EventKind       `json:"kind"`
	UserID         int64           `json:"user_id"`
	ConversationID string          `json:"conversation_id"`
	Message        *models.Message `json:"message,omitempty"`
}

const subscriptionBuffer = 32

// Subscription is a cancellable live stream of store events. Cancel is
// idempotent; after it returns no further events are delivered, so a
// superseded subscription cannot resurrect cleared state.
type Subscription struct {
	ch     chan Event
	cancel func()
	once   sync.Once
}

// Events exposes the receive side of the stream. The channel is closed on
// Cancel.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Cancel detaches the subscription from the hub and closes the channel.
func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
}

type hub struct {
	mu             sync.Mutex
	nextID         int64
	byUser         map[int64]map[int64]*Subscription
	byConversation map[string]map[int64]*Subscription
}

func newHub() *hub {
	return &hub{
		byUser:         make(map[int64]map[int64]*Subscription),
		byConversation: make(map[string]map[int64]*Subscription),
	}
}

// WatchConversations streams conversation-list changes for one user.
func (s *Store) WatchConversations(userID int64) *Subscription {
	return s.hub.subscribeUser(userID)
}

// WatchMessages streams appended messages for one conversation.
func (s *Store) WatchMessages(conversationID string) *Subscription {
	return s.hub.subscribeConversation(conversationID)
}

func (h *hub) subscribeUser(userID int64) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	sub := &Subscription{ch: make(chan Event, subscriptionBuffer)}
	sub.cancel = func() {
		h.mu.Lock()
		if subs, ok := h.byUser[userID]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(h.byUser, userID)
			}
		}
		h.mu.Unlock()
		close(sub.ch)
	}
	if h.byUser[userID] == nil {
		h.byUser[userID] = make(map[int64]*Subscription)
	}
	h.byUser[userID][id] = sub
	return sub
}

func (h *hub) subscribeConversation(conversationID string) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	sub := &Subscription{ch: make(chan Event, subscriptionBuffer)}
	sub.cancel = func() {
		h.mu.Lock()
		if subs, ok := h.byConversation[conversationID]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(h.byConversation, conversationID)
			}
		}
		h.mu.Unlock()
		close(sub.ch)
	}
	if h.byConversation[conversationID] == nil {
		h.byConversation[conversationID] = make(map[int64]*Subscription)
	}
	h.byConversation[conversationID][id] = sub
	return sub
}

// publish fans the event out to matching subscribers. Sends never block a
// writer: a subscriber that has fallen subscriptionBuffer events behind
// misses the event.
func (h *hub) publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.byUser[ev.UserID] {
		select {
		case sub.ch <- ev:
		default:
		}
	}
	if ev.Kind == EventMessageAppended {
		for _, sub := range h.byConversation[ev.ConversationID] {
			select {
			case sub.ch <- ev:
			default:
			}
		}
	}
}
