package audio

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	playAttempts = 3
	retryBackoff = 100 * time.Millisecond
)

// Sequencer owns the single live playback slot. Starting a new payload
// always stops and releases whatever is playing first: handles are
// replaced, never layered. Every failure degrades to silence; nothing here
// is ever fatal to the message flow that handed the audio over.
type Sequencer struct {
	player   Player
	cacheDir string

	// playMu serializes the replace-and-start sequence; mu alone guards
	// the slot so Stop and Playing never wait on a starting player.
	playMu sync.Mutex

	mu      sync.Mutex
	current *playback
}

type playback struct {
	handle Handle
	path   string
	once   sync.Once
}

func (p *playback) release() {
	p.once.Do(func() {
		p.handle.Stop()
		if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
			log.Printf("remove audio cache %s failed: %v", p.path, err)
		}
	})
}

// NewSequencer builds a sequencer writing decoded payloads under cacheDir.
func NewSequencer(player Player, cacheDir string) (*Sequencer, error) {
	if cacheDir == "" {
		cacheDir = filepath.Join(os.TempDir(), "voicechat-audio")
	}
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("create audio cache dir: %w", err)
	}
	return &Sequencer{player: player, cacheDir: cacheDir}, nil
}

// Play decodes a base64 MPEG payload and starts playback, replacing any
// current playback. Malformed base64 is logged and skipped. Playback start
// is attempted up to three times with short increasing delays to ride out
// transient platform refusals; exhausting the attempts leaves no audio
// playing and never surfaces an error to the caller.
func (s *Sequencer) Play(ctx context.Context, b64 string) {
	if b64 == "" {
		return
	}
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		log.Printf("decode audio payload: %v", err)
		return
	}

	path := filepath.Join(s.cacheDir, uuid.NewString()+".mp3")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		log.Printf("write audio cache: %v", err)
		return
	}

	// Concurrent calls take turns through the full stop-then-start
	// sequence, so two payloads can never hold live players at once.
	s.playMu.Lock()
	defer s.playMu.Unlock()

	s.mu.Lock()
	if s.current != nil {
		s.current.release()
		s.current = nil
	}
	s.mu.Unlock()

	var handle Handle
	for attempt := 0; attempt < playAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				_ = os.Remove(path)
				return
			case <-time.After(time.Duration(attempt) * retryBackoff):
			}
		}
		handle, err = s.player.Play(ctx, path)
		if err == nil {
			break
		}
		log.Printf("audio playback attempt %d failed: %v", attempt+1, err)
	}
	if handle == nil {
		log.Printf("audio playback abandoned after %d attempts", playAttempts)
		_ = os.Remove(path)
		return
	}

	pb := &playback{handle: handle, path: path}
	s.mu.Lock()
	s.current = pb
	s.mu.Unlock()

	go func() {
		<-handle.Done()
		pb.release()
		s.mu.Lock()
		if s.current == pb {
			s.current = nil
		}
		s.mu.Unlock()
	}()
}

// Stop releases the live playback, if any.
func (s *Sequencer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		s.current.release()
		s.current = nil
	}
}

// Playing reports whether a playback handle is currently live.
func (s *Sequencer) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}
