package audio

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"time"
)

const (
	DefaultCacheTTL      = time.Hour
	DefaultSweepInterval = 15 * time.Minute
)

// StartCacheSweeper periodically removes cache files older than ttl.
// Crash-orphaned payloads are the only thing that should ever accumulate;
// live playbacks clean up after themselves.
func (s *Sequencer) StartCacheSweeper(ctx context.Context, interval, ttl time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	go s.sweepLoop(ctx, interval, ttl)
}

func (s *Sequencer) sweepLoop(ctx context.Context, interval, ttl time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.sweepOnce(ttl); err != nil {
				log.Printf("sweep audio cache error: %v", err)
			}
		}
	}
}

func (s *Sequencer) sweepOnce(ttl time.Duration) error {
	entries, err := os.ReadDir(s.cacheDir)
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-ttl)

	s.mu.Lock()
	var livePath string
	if s.current != nil {
		livePath = s.current.path
	}
	s.mu.Unlock()

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(s.cacheDir, entry.Name())
		if path == livePath {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Printf("remove stale audio cache %s failed: %v", path, err)
		}
	}
	return nil
}
