package controller

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"voicechat/internal/chat"
	"voicechat/internal/models"
	"voicechat/internal/store"
)

const defaultTitle = "New Conversation"

// ChatCaller is the outbound chat backend integration.
type ChatCaller interface {
	Send(ctx context.Context, req chat.Request) (*chat.Response, error)
}

// AudioSink receives base64 audio payloads from successful exchanges.
type AudioSink interface {
	Play(ctx context.Context, b64 string)
}

var (
	ErrEmptyMessage         = errors.New("message text is empty")
	ErrNoActiveConversation = errors.New("no active conversation")
	ErrBusy                 = errors.New("a message is already in flight")
)

// Controller keeps one user's view of their conversations synchronized with
// the store and drives the request/response cycle for new messages. The
// store owns durability; the controller owns only this in-memory projection
// and its consistency with the live subscriptions feeding it.
type Controller struct {
	userID int64
	store  *store.Store
	chat   ChatCaller
	audio  AudioSink

	mu            sync.Mutex
	conversations []models.Conversation
	messages      []*models.Message
	activeID      string
	convSub       *store.Subscription
	msgSub        *store.Subscription
	closed        bool

	cycle *submitCycle
}

func newController(userID int64, st *store.Store, chatClient ChatCaller, audio AudioSink) *Controller {
	return &Controller{
		userID: userID,
		store:  st,
		chat:   chatClient,
		audio:  audio,
		cycle:  newSubmitCycle(),
	}
}

// Initialize loads the user's conversation list and attaches the live
// conversation stream. Called once per sign-in by the manager.
func (c *Controller) Initialize(ctx context.Context) error {
	conversations, err := c.store.ListConversations(ctx, c.userID)
	if err != nil {
		return fmt.Errorf("load conversations: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("controller is shut down")
	}
	c.conversations = conversations
	if c.convSub == nil {
		c.convSub = c.store.WatchConversations(c.userID)
		go c.pumpConversations(c.convSub)
	}
	c.mu.Unlock()
	return nil
}

// Shutdown cancels all subscriptions and unconditionally clears the
// projection. This is a reset, not a merge: nothing survives sign-out.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	c.closed = true
	if c.convSub != nil {
		c.convSub.Cancel()
		c.convSub = nil
	}
	if c.msgSub != nil {
		c.msgSub.Cancel()
		c.msgSub = nil
	}
	c.conversations = nil
	c.messages = nil
	c.activeID = ""
	c.mu.Unlock()
}

// CreateConversation inserts a fresh conversation and makes it active.
func (c *Controller) CreateConversation(ctx context.Context) (*models.Conversation, error) {
	if c.userID <= 0 {
		// Precondition violation, not a retryable error.
		log.Printf("create conversation without a signed-in user ignored")
		return nil, nil
	}
	conv, err := c.store.CreateConversation(ctx, c.userID, defaultTitle)
	if err != nil {
		return nil, err
	}
	if err := c.SelectConversation(ctx, conv.ID); err != nil {
		return conv, err
	}
	return conv, nil
}

// SelectConversation makes the conversation active and swaps the message
// stream over to it. The previous stream is always cancelled first so a
// superseded subscription can never leak messages across conversations.
func (c *Controller) SelectConversation(ctx context.Context, id string) error {
	if id == "" {
		return ErrNoActiveConversation
	}
	if _, err := c.store.GetConversation(ctx, c.userID, id); err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("controller is shut down")
	}
	if c.msgSub != nil {
		c.msgSub.Cancel()
		c.msgSub = nil
	}
	c.activeID = id
	c.messages = nil
	c.mu.Unlock()

	messages, err := c.store.ListMessages(ctx, c.userID, id)
	if err != nil {
		return fmt.Errorf("load messages: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activeID != id || c.closed {
		// Superseded while loading; drop the stale result.
		return nil
	}
	c.messages = messages
	sub := c.store.WatchMessages(id)
	c.msgSub = sub
	go c.pumpMessages(sub, id)
	return nil
}

// DeleteConversation removes the conversation and its messages. If it was
// active, the active id and message view are cleared.
func (c *Controller) DeleteConversation(ctx context.Context, id string) error {
	if err := c.store.DeleteConversation(ctx, c.userID, id); err != nil {
		return err
	}
	c.mu.Lock()
	if c.activeID == id {
		if c.msgSub != nil {
			c.msgSub.Cancel()
			c.msgSub = nil
		}
		c.activeID = ""
		c.messages = nil
	}
	c.mu.Unlock()
	return nil
}

// SetGlobalContext upserts the user's global context string.
func (c *Controller) SetGlobalContext(ctx context.Context, text string) error {
	return c.store.SetGlobalContext(ctx, c.userID, text)
}

// GlobalContext reads the user's global context string.
func (c *Controller) GlobalContext(ctx context.Context) (string, error) {
	return c.store.GetGlobalContext(ctx, c.userID)
}

// Conversations returns a snapshot of the projected conversation list.
func (c *Controller) Conversations() []models.Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Conversation, len(c.conversations))
	copy(out, c.conversations)
	return out
}

// Messages returns a snapshot of the active conversation's messages.
func (c *Controller) Messages() []*models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*models.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// ActiveConversation returns the active conversation id, empty when unset.
func (c *Controller) ActiveConversation() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeID
}

func (c *Controller) pumpConversations(sub *store.Subscription) {
	for ev := range sub.Events() {
		if ev.Kind != store.EventConversationsChanged && ev.Kind != store.EventMessageAppended {
			continue
		}
		conversations, err := c.store.ListConversations(context.Background(), c.userID)
		if err != nil {
			log.Printf("refresh conversation list: %v", err)
			continue
		}
		c.mu.Lock()
		if !c.closed && c.convSub == sub {
			c.conversations = conversations
		}
		c.mu.Unlock()
	}
}

func (c *Controller) pumpMessages(sub *store.Subscription, conversationID string) {
	for ev := range sub.Events() {
		if ev.Kind != store.EventMessageAppended || ev.Message == nil {
			continue
		}
		if ev.ConversationID != conversationID {
			continue
		}
		c.mu.Lock()
		if c.closed || c.msgSub != sub || c.activeID != conversationID {
			c.mu.Unlock()
			continue
		}
		if !c.hasMessageLocked(ev.Message.ID) {
			msg := *ev.Message
			c.messages = append(c.messages, &msg)
		}
		c.mu.Unlock()
	}
}

func (c *Controller) hasMessageLocked(id string) bool {
	for i := len(c.messages) - 1; i >= 0; i-- {
		if c.messages[i].ID == id {
			return true
		}
	}
	return false
}
