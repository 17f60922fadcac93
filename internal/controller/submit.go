package controller

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"voicechat/internal/chat"
	"voicechat/internal/models"

	"github.com/qmuntal/stateless"
)

const (
	historyWindow = 5
	previewLimit  = 100
	titleLimit    = 40
)

// Submit cycle states: Idle -> Sending -> (Succeeded | Failed) -> Idle.
// At most one cycle is in flight per controller; a submit attempt while
// Sending is rejected at the Fire call, never queued.
const (
	stateIdle      = "Idle"
	stateSending   = "Sending"
	stateSucceeded = "Succeeded"
	stateFailed    = "Failed"

	triggerSubmit    = "Submit"
	triggerSucceeded = "Succeeded"
	triggerFailed    = "Failed"
	triggerReset     = "Reset"
)

type submitCycle struct {
	sm *stateless.StateMachine
}

func newSubmitCycle() *submitCycle {
	sm := stateless.NewStateMachine(stateIdle)
	sm.Configure(stateIdle).Permit(triggerSubmit, stateSending)
	sm.Configure(stateSending).
		Permit(triggerSucceeded, stateSucceeded).
		Permit(triggerFailed, stateFailed)
	sm.Configure(stateSucceeded).Permit(triggerReset, stateIdle)
	sm.Configure(stateFailed).Permit(triggerReset, stateIdle)
	return &submitCycle{sm: sm}
}

// begin reports whether the cycle could move Idle -> Sending.
func (s *submitCycle) begin() bool {
	return s.sm.Fire(triggerSubmit) == nil
}

func (s *submitCycle) finish(ok bool) {
	trigger := triggerFailed
	if ok {
		trigger = triggerSucceeded
	}
	if err := s.sm.Fire(trigger); err != nil {
		log.Printf("submit cycle transition: %v", err)
	}
	if err := s.sm.Fire(triggerReset); err != nil {
		log.Printf("submit cycle reset: %v", err)
	}
}

// SubmitResult is the outcome of one successful submit cycle.
type SubmitResult struct {
	UserMessage  *models.Message      `json:"user_message"`
	AIMessage    *models.Message      `json:"ai_message"`
	Conversation *models.Conversation `json:"conversation"`
}

// SubmitMessage runs one request/response cycle: persist the user message,
// assemble context, call the chat backend, persist the reply, refresh the
// conversation metadata, and hand any audio to the sequencer. The user
// message is written before the network call, so it survives any failure
// further down the cycle.
func (c *Controller) SubmitMessage(ctx context.Context, conversationID, text string) (*SubmitResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}
	if conversationID == "" {
		conversationID = c.ActiveConversation()
	}
	if conversationID == "" {
		return nil, ErrNoActiveConversation
	}
	if conversationID != c.ActiveConversation() {
		if err := c.SelectConversation(ctx, conversationID); err != nil {
			return nil, err
		}
	}

	if !c.cycle.begin() {
		return nil, ErrBusy
	}
	result, err := c.runCycle(ctx, conversationID, text)
	c.cycle.finish(err == nil)
	return result, err
}

func (c *Controller) runCycle(ctx context.Context, conversationID, text string) (*SubmitResult, error) {
	prior := c.Messages()
	firstMessage := len(prior) == 0

	userMsg, err := c.store.AddMessage(ctx, models.Message{
		ConversationID: conversationID,
		UserID:         c.userID,
		Text:           text,
		IsUser:         true,
	})
	if err != nil {
		return nil, fmt.Errorf("persist user message: %w", err)
	}

	globalContext, err := c.store.GetGlobalContext(ctx, c.userID)
	if err != nil {
		// Context enrichment is best effort; the message still goes out.
		log.Printf("load global context: %v", err)
		globalContext = ""
	}
	history := chat.HistoryFromMessages(prior, historyWindow)

	resp, err := c.chat.Send(ctx, chat.Request{
		Message:        text,
		Context:        assembleContext(globalContext, history),
		MessageHistory: history,
	})
	if err != nil {
		// The user message above is already durable; nothing is rolled back.
		log.Printf("chat request for conversation %s failed: %v", conversationID, err)
		return nil, err
	}

	aiMsg, err := c.store.AddMessage(ctx, models.Message{
		ConversationID: conversationID,
		UserID:         c.userID,
		Text:           resp.Text,
		IsUser:         false,
	})
	if err != nil {
		return nil, fmt.Errorf("persist ai message: %w", err)
	}

	title := ""
	if firstMessage {
		title = truncate(text, titleLimit)
	}
	if err := c.store.UpdateConversationMeta(ctx, c.userID, conversationID, title, truncate(resp.Text, previewLimit)); err != nil {
		log.Printf("update conversation metadata: %v", err)
	}

	if resp.Audio != "" && c.audio != nil {
		go c.audio.Play(context.WithoutCancel(ctx), resp.Audio)
	}

	conv, err := c.store.GetConversation(ctx, c.userID, conversationID)
	if err != nil {
		log.Printf("reload conversation %s: %v", conversationID, err)
	}
	return &SubmitResult{UserMessage: userMsg, AIMessage: aiMsg, Conversation: conv}, nil
}

// assembleContext prepends the global context to a flat rendering of the
// recent history, matching what the backend expects in its context field.
func assembleContext(globalContext string, history []chat.HistoryEntry) string {
	var b strings.Builder
	if globalContext != "" {
		b.WriteString(globalContext)
	}
	for _, entry := range history {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		role := "assistant"
		if entry.IsUser {
			role = "user"
		}
		fmt.Fprintf(&b, "[%s] %s: %s", entry.Timestamp.UTC().Format(time.RFC3339), role, entry.Text)
	}
	return b.String()
}

func truncate(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit-1]) + "…"
}
