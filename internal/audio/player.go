package audio

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
)

// Handle is one live playback. Stop is idempotent; Done is closed when the
// playback finishes for any reason.
type Handle interface {
	Stop()
	Done() <-chan struct{}
}

// Player starts playback of an audio file and hands back its handle.
type Player interface {
	Play(ctx context.Context, path string) (Handle, error)
}

// CommandPlayer shells out to an external player binary (mpg123, ffplay,
// afplay...). The file path is appended to the configured argv.
type CommandPlayer struct {
	argv []string
}

// NewCommandPlayer builds a player around the given command line.
func NewCommandPlayer(argv []string) (*CommandPlayer, error) {
	if len(argv) == 0 {
		return nil, errors.New("player command is required")
	}
	return &CommandPlayer{argv: argv}, nil
}

func (p *CommandPlayer) Play(ctx context.Context, path string) (Handle, error) {
	args := append(append([]string(nil), p.argv[1:]...), path)
	cmd := exec.CommandContext(ctx, p.argv[0], args...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start player: %w", err)
	}
	h := &cmdHandle{cmd: cmd, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(h.done)
	}()
	return h, nil
}

type cmdHandle struct {
	cmd  *exec.Cmd
	done chan struct{}
	once sync.Once
}

func (h *cmdHandle) Stop() {
	h.once.Do(func() {
		if h.cmd.Process != nil {
			_ = h.cmd.Process.Kill()
		}
	})
}

func (h *cmdHandle) Done() <-chan struct{} {
	return h.done
}
