package playback

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ent0n29/minacoach/internal/clock"
)

// ExecPlayer plays replies through an external command such as `aplay -q` or
// `afplay`. The WAV path is appended as the last argument.
type ExecPlayer struct {
	Command []string
	TempDir string
	Clock   clock.Clock
	Log     zerolog.Logger
}

// NewExecPlayer splits a command line like "aplay -q" into an ExecPlayer.
func NewExecPlayer(commandLine string, log zerolog.Logger) (*ExecPlayer, error) {
	fields := strings.Fields(commandLine)
	if len(fields) == 0 {
		return nil, fmt.Errorf("playback command is empty")
	}
	if _, err := exec.LookPath(fields[0]); err != nil {
		return nil, fmt.Errorf("playback command %q: %w", fields[0], err)
	}
	return &ExecPlayer{Command: fields, Log: log.With().Str("component", "playback").Logger()}, nil
}

func (e *ExecPlayer) Load(wav []byte) (Handle, error) {
	p, err := newPacer(e.Clock, wav)
	if err != nil {
		return nil, err
	}
	f, err := os.CreateTemp(e.TempDir, "mina-reply-*.wav")
	if err != nil {
		return nil, fmt.Errorf("create reply file: %w", err)
	}
	if _, err := f.Write(wav); err != nil {
		f.Close()
		_ = os.Remove(f.Name())
		return nil, fmt.Errorf("write reply file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return nil, fmt.Errorf("close reply file: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &execHandle{pacer: p, player: e, path: f.Name(), ctx: ctx, cancel: cancel}, nil
}

type execHandle struct {
	*pacer
	player *ExecPlayer
	path   string
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func (h *execHandle) Play(cb Callbacks) error {
	args := append(append([]string{}, h.player.Command[1:]...), h.path)
	cmd := exec.CommandContext(h.ctx, h.player.Command[0], args...)
	if err := cmd.Start(); err != nil {
		h.cleanup()
		return fmt.Errorf("start playback: %w", err)
	}
	startedAt := h.clock.Now()
	if err := h.start(func(bool) {}); err != nil {
		_ = cmd.Process.Kill()
		h.cleanup()
		return err
	}
	if cb.OnPlay != nil {
		cb.OnPlay(startedAt)
	}
	go func() {
		err := cmd.Wait()
		stopped := h.ctx.Err() != nil
		h.stop()
		h.cleanup()
		if stopped {
			return
		}
		if err != nil {
			h.player.Log.Warn().Err(err).Msg("playback command failed")
			if cb.OnError != nil {
				cb.OnError(fmt.Errorf("playback: %w", err))
			}
			return
		}
		if cb.OnEnded != nil {
			cb.OnEnded()
		}
	}()
	return nil
}

func (h *execHandle) Stop() {
	h.cancel()
	h.stop()
}

func (h *execHandle) cleanup() {
	h.once.Do(func() { _ = os.Remove(h.path) })
}
