package controller

import (
	"context"
	"log"
	"sync"

	"voicechat/internal/store"
)

// Manager owns one Controller per signed-in user. Controllers are created
// lazily on first use after sign-in and torn down on sign-out, which is
// what keeps a user's projection from outliving their session.
type Manager struct {
	store *store.Store
	chat  ChatCaller
	audio AudioSink

	mu          sync.Mutex
	controllers map[int64]*Controller
}

// NewManager builds the controller manager.
func NewManager(st *store.Store, chatClient ChatCaller, audio AudioSink) *Manager {
	return &Manager{
		store:       st,
		chat:        chatClient,
		audio:       audio,
		controllers: make(map[int64]*Controller),
	}
}

// Controller returns the user's controller, initializing one if needed.
func (m *Manager) Controller(ctx context.Context, userID int64) (*Controller, error) {
	m.mu.Lock()
	if c, ok := m.controllers[userID]; ok {
		m.mu.Unlock()
		return c, nil
	}
	c := newController(userID, m.store, m.chat, m.audio)
	m.controllers[userID] = c
	m.mu.Unlock()

	if err := c.Initialize(ctx); err != nil {
		m.Reset(userID)
		return nil, err
	}
	return c, nil
}

// Reset shuts down and discards the user's controller (sign-out, account
// deletion). Safe to call when no controller exists.
func (m *Manager) Reset(userID int64) {
	m.mu.Lock()
	c, ok := m.controllers[userID]
	if ok {
		delete(m.controllers, userID)
	}
	m.mu.Unlock()
	if ok {
		c.Shutdown()
		log.Printf("controller for user %d stopped", userID)
	}
}

// Shutdown tears down every live controller.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	controllers := m.controllers
	m.controllers = make(map[int64]*Controller)
	m.mu.Unlock()
	for _, c := range controllers {
		c.Shutdown()
	}
}
