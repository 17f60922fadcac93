package controller

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"voicechat/internal/chat"
	"voicechat/internal/config"
	"voicechat/internal/models"
	"voicechat/internal/storage"
	"voicechat/internal/store"
)

type fakeChat struct {
	mu    sync.Mutex
	calls int
	resp  chat.Response
	err   error
	gate  chan struct{} // when set, Send blocks until the gate closes
	last  chat.Request
}

func (f *fakeChat) Send(ctx context.Context, req chat.Request) (*chat.Response, error) {
	f.mu.Lock()
	f.calls++
	f.last = req
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	resp := f.resp
	return &resp, nil
}

func (f *fakeChat) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeChat) lastRequest() chat.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

type fakeAudio struct {
	mu       sync.Mutex
	payloads []string
}

func (f *fakeAudio) Play(ctx context.Context, b64 string) {
	f.mu.Lock()
	f.payloads = append(f.payloads, b64)
	f.mu.Unlock()
}

func (f *fakeAudio) received() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.payloads))
	copy(out, f.payloads)
	return out
}

type testEnv struct {
	store *store.Store
	db    *sql.DB
	user  *models.User
	chat  *fakeChat
	audio *fakeAudio
	mgr   *Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	st := store.New(db)
	user, err := st.RegisterUser(context.Background(), "tester", "pass123", "", "", "")
	if err != nil {
		t.Fatalf("register user: %v", err)
	}
	fc := &fakeChat{resp: chat.Response{Text: "hello there"}}
	fa := &fakeAudio{}
	mgr := NewManager(st, fc, fa)
	t.Cleanup(mgr.Shutdown)
	return &testEnv{store: st, db: db, user: user, chat: fc, audio: fa, mgr: mgr}
}

func (env *testEnv) controller(t *testing.T) *Controller {
	t.Helper()
	c, err := env.mgr.Controller(context.Background(), env.user.ID)
	if err != nil {
		t.Fatalf("controller: %v", err)
	}
	return c
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSubmitFirstExchange(t *testing.T) {
	env := newTestEnv(t)
	c := env.controller(t)
	ctx := context.Background()

	conv, err := c.CreateConversation(ctx)
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	if c.ActiveConversation() != conv.ID {
		t.Fatalf("new conversation not active")
	}
	if conv.Title != "New Conversation" {
		t.Fatalf("unexpected default title %q", conv.Title)
	}

	res, err := c.SubmitMessage(ctx, conv.ID, "Hello")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.UserMessage == nil || !res.UserMessage.IsUser || res.UserMessage.Text != "Hello" {
		t.Fatalf("unexpected user message %+v", res.UserMessage)
	}
	if res.AIMessage == nil || res.AIMessage.IsUser || res.AIMessage.Text != "hello there" {
		t.Fatalf("unexpected ai message %+v", res.AIMessage)
	}
	if res.Conversation == nil || res.Conversation.Title != "Hello" {
		t.Fatalf("first exchange should retitle the conversation, got %+v", res.Conversation)
	}
	if res.Conversation.LastMessage != "hello there" {
		t.Fatalf("preview not updated, got %q", res.Conversation.LastMessage)
	}

	waitFor(t, func() bool { return len(c.Messages()) == 2 }, "projection to catch up")
	msgs := c.Messages()
	if msgs[0].ID != res.UserMessage.ID || msgs[1].ID != res.AIMessage.ID {
		t.Fatalf("projection order wrong: [%s %s]", msgs[0].Text, msgs[1].Text)
	}

	// A second exchange must not retitle.
	if _, err := c.SubmitMessage(ctx, conv.ID, "And again"); err != nil {
		t.Fatalf("second submit: %v", err)
	}
	got, err := env.store.GetConversation(ctx, env.user.ID, conv.ID)
	if err != nil {
		t.Fatalf("reload conversation: %v", err)
	}
	if got.Title != "Hello" {
		t.Fatalf("title changed on second exchange: %q", got.Title)
	}
}

func TestSubmitValidation(t *testing.T) {
	env := newTestEnv(t)
	c := env.controller(t)
	ctx := context.Background()

	if _, err := c.SubmitMessage(ctx, "", "   "); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
	if _, err := c.SubmitMessage(ctx, "", "hi"); !errors.Is(err, ErrNoActiveConversation) {
		t.Fatalf("expected ErrNoActiveConversation, got %v", err)
	}
	if env.chat.callCount() != 0 {
		t.Fatalf("backend called despite validation failure")
	}
}

func TestSubmitWhileSendingRejected(t *testing.T) {
	env := newTestEnv(t)
	c := env.controller(t)
	ctx := context.Background()

	conv, err := c.CreateConversation(ctx)
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	gate := make(chan struct{})
	env.chat.gate = gate

	done := make(chan error, 1)
	go func() {
		_, err := c.SubmitMessage(ctx, conv.ID, "slow one")
		done <- err
	}()
	waitFor(t, func() bool { return env.chat.callCount() == 1 }, "first request to reach the backend")

	if _, err := c.SubmitMessage(ctx, conv.ID, "too eager"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}

	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if env.chat.callCount() != 1 {
		t.Fatalf("rejected submit still reached the backend, %d calls", env.chat.callCount())
	}

	// Idle again after the cycle, so a new submit goes through.
	if _, err := c.SubmitMessage(ctx, conv.ID, "next"); err != nil {
		t.Fatalf("submit after cycle: %v", err)
	}
}

func TestBackendFailureKeepsUserMessage(t *testing.T) {
	env := newTestEnv(t)
	c := env.controller(t)
	ctx := context.Background()

	conv, err := c.CreateConversation(ctx)
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	env.chat.err = errors.New("backend unreachable")

	if _, err := c.SubmitMessage(ctx, conv.ID, "are you there"); err == nil {
		t.Fatalf("expected submit to fail")
	}

	msgs, err := env.store.ListMessages(ctx, env.user.ID, conv.ID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 1 || !msgs[0].IsUser || msgs[0].Text != "are you there" {
		t.Fatalf("expected only the durable user message, got %+v", msgs)
	}

	// The cycle returned to Idle, so the next attempt is accepted.
	env.chat.err = nil
	if _, err := c.SubmitMessage(ctx, conv.ID, "retry"); err != nil {
		t.Fatalf("submit after failure: %v", err)
	}
}

func TestContextAssembly(t *testing.T) {
	env := newTestEnv(t)
	c := env.controller(t)
	ctx := context.Background()

	if err := c.SetGlobalContext(ctx, "speak like a pirate"); err != nil {
		t.Fatalf("set global context: %v", err)
	}
	conv, err := c.CreateConversation(ctx)
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	// Seed seven prior messages; only the last five may travel.
	for i := 0; i < 7; i++ {
		text := "m" + strings.Repeat("x", i+1)
		if _, err := env.store.AddMessage(ctx, models.Message{
			ConversationID: conv.ID, UserID: env.user.ID, Text: text, IsUser: i%2 == 0,
		}); err != nil {
			t.Fatalf("seed message %d: %v", i, err)
		}
	}
	if err := c.SelectConversation(ctx, conv.ID); err != nil {
		t.Fatalf("select conversation: %v", err)
	}
	waitFor(t, func() bool { return len(c.Messages()) == 7 }, "seeded messages to load")

	if _, err := c.SubmitMessage(ctx, conv.ID, "now answer"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	req := env.chat.lastRequest()
	if req.Message != "now answer" {
		t.Fatalf("unexpected message %q", req.Message)
	}
	if len(req.MessageHistory) != 5 {
		t.Fatalf("expected 5 history entries, got %d", len(req.MessageHistory))
	}
	if req.MessageHistory[4].Text != "m"+strings.Repeat("x", 7) {
		t.Fatalf("history window not anchored at the newest message: %q", req.MessageHistory[4].Text)
	}
	if !strings.HasPrefix(req.Context, "speak like a pirate") {
		t.Fatalf("global context missing from assembled context: %q", req.Context)
	}
}

func TestTruncationLimits(t *testing.T) {
	env := newTestEnv(t)
	c := env.controller(t)
	ctx := context.Background()

	long := strings.Repeat("q", 150)
	env.chat.resp = chat.Response{Text: long}

	conv, err := c.CreateConversation(ctx)
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	firstText := strings.Repeat("t", 60)
	res, err := c.SubmitMessage(ctx, conv.ID, firstText)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	title := []rune(res.Conversation.Title)
	if len(title) != 40 || !strings.HasSuffix(res.Conversation.Title, "…") {
		t.Fatalf("title not truncated to 40 runes: %q", res.Conversation.Title)
	}
	preview := []rune(res.Conversation.LastMessage)
	if len(preview) != 100 || !strings.HasSuffix(res.Conversation.LastMessage, "…") {
		t.Fatalf("preview not truncated to 100 runes: %q", res.Conversation.LastMessage)
	}
	// The stored message keeps the full reply.
	if res.AIMessage.Text != long {
		t.Fatalf("stored reply was truncated")
	}
}

func TestDeleteActiveConversationClearsView(t *testing.T) {
	env := newTestEnv(t)
	c := env.controller(t)
	ctx := context.Background()

	conv, err := c.CreateConversation(ctx)
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	if _, err := c.SubmitMessage(ctx, conv.ID, "hi"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, func() bool { return len(c.Messages()) == 2 }, "messages to load")

	if err := c.DeleteConversation(ctx, conv.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if c.ActiveConversation() != "" {
		t.Fatalf("active id survived delete")
	}
	if len(c.Messages()) != 0 {
		t.Fatalf("message view survived delete")
	}
	waitFor(t, func() bool { return len(c.Conversations()) == 0 }, "conversation list to refresh")

	if err := c.DeleteConversation(ctx, conv.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows on double delete, got %v", err)
	}
}

func TestSelectSupersedesMessageStream(t *testing.T) {
	env := newTestEnv(t)
	c := env.controller(t)
	ctx := context.Background()

	convA, err := env.store.CreateConversation(ctx, env.user.ID, "A")
	if err != nil {
		t.Fatalf("create A: %v", err)
	}
	convB, err := env.store.CreateConversation(ctx, env.user.ID, "B")
	if err != nil {
		t.Fatalf("create B: %v", err)
	}

	if err := c.SelectConversation(ctx, convA.ID); err != nil {
		t.Fatalf("select A: %v", err)
	}
	if err := c.SelectConversation(ctx, convB.ID); err != nil {
		t.Fatalf("select B: %v", err)
	}

	// A message on the superseded conversation must not surface.
	if _, err := env.store.AddMessage(ctx, models.Message{
		ConversationID: convA.ID, UserID: env.user.ID, Text: "stray", IsUser: true,
	}); err != nil {
		t.Fatalf("add stray: %v", err)
	}
	msgB, err := env.store.AddMessage(ctx, models.Message{
		ConversationID: convB.ID, UserID: env.user.ID, Text: "current", IsUser: true,
	})
	if err != nil {
		t.Fatalf("add current: %v", err)
	}

	waitFor(t, func() bool { return len(c.Messages()) == 1 }, "live message to arrive")
	msgs := c.Messages()
	if msgs[0].ID != msgB.ID {
		t.Fatalf("projection picked up a message from the superseded stream: %q", msgs[0].Text)
	}
	if c.ActiveConversation() != convB.ID {
		t.Fatalf("active conversation is %s, want %s", c.ActiveConversation(), convB.ID)
	}
}

func TestAudioHandoff(t *testing.T) {
	env := newTestEnv(t)
	c := env.controller(t)
	ctx := context.Background()

	env.chat.resp = chat.Response{Text: "spoken reply", Audio: "QUJD"}
	conv, err := c.CreateConversation(ctx)
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	if _, err := c.SubmitMessage(ctx, conv.ID, "say it"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, func() bool { return len(env.audio.received()) == 1 }, "audio handoff")
	if env.audio.received()[0] != "QUJD" {
		t.Fatalf("wrong payload handed to the sequencer")
	}
}

func TestManagerResetDiscardsController(t *testing.T) {
	env := newTestEnv(t)
	c := env.controller(t)
	ctx := context.Background()

	conv, err := c.CreateConversation(ctx)
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	_ = conv

	env.mgr.Reset(env.user.ID)
	if c.ActiveConversation() != "" || len(c.Conversations()) != 0 {
		t.Fatalf("shutdown did not clear the projection")
	}
	if _, err := c.SubmitMessage(ctx, conv.ID, "after shutdown"); err == nil {
		t.Fatalf("expected submit on a shut down controller to fail")
	}

	// A fresh controller comes up with the persisted state.
	fresh := env.controller(t)
	if fresh == c {
		t.Fatalf("reset did not discard the old controller")
	}
	if len(fresh.Conversations()) != 1 {
		t.Fatalf("fresh controller missing persisted conversations")
	}
	if fresh.ActiveConversation() != "" {
		t.Fatalf("fresh controller should start with no active conversation")
	}
}
