package recorder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/minacoach/internal/audio"
)

// FileMicrophone replays a WAV file as if it were live input. When Realtime
// is set reads are paced to the audio's byte rate.
type FileMicrophone struct {
	Path     string
	Realtime bool
}

func (f FileMicrophone) Open(_ context.Context) (Stream, error) {
	raw, err := os.ReadFile(f.Path)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return nil, fmt.Errorf("%s: %w", f.Path, ErrPermissionDenied)
		}
		return nil, err
	}
	pcm, format, err := audio.DecodeWAV(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f.Path, err)
	}
	return &bufferStream{r: bytes.NewReader(pcm), format: format, realtime: f.Realtime, closed: make(chan struct{})}, nil
}

type bufferStream struct {
	r        *bytes.Reader
	format   audio.Format
	realtime bool
	once     sync.Once
	closed   chan struct{}
}

func (b *bufferStream) Format() audio.Format { return b.format }

func (b *bufferStream) Read(p []byte) (int, error) {
	select {
	case <-b.closed:
		return 0, io.EOF
	default:
	}
	if b.realtime {
		// 100ms per read keeps pacing coarse but cheap.
		max := b.format.BytesPerSecond() / 10
		if len(p) > max {
			p = p[:max]
		}
		select {
		case <-b.closed:
			return 0, io.EOF
		case <-time.After(b.format.Duration(len(p))):
		}
	}
	return b.r.Read(p)
}

func (b *bufferStream) Close() error {
	b.once.Do(func() { close(b.closed) })
	return nil
}

// CommandMicrophone captures raw PCM16LE from an external recorder command,
// e.g. `arecord -q -f S16_LE -r 16000 -c 1 -t raw`.
type CommandMicrophone struct {
	Command []string
	Format  audio.Format
}

// NewCommandMicrophone splits a command line into a CommandMicrophone.
func NewCommandMicrophone(commandLine string, format audio.Format) (*CommandMicrophone, error) {
	fields := strings.Fields(commandLine)
	if len(fields) == 0 {
		return nil, fmt.Errorf("capture command is empty")
	}
	return &CommandMicrophone{Command: fields, Format: format}, nil
}

func (m *CommandMicrophone) Open(ctx context.Context) (Stream, error) {
	cmd := exec.Command(m.Command[0], m.Command[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("capture pipe: %w", err)
	}
	stderr := &syncBuffer{}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return nil, fmt.Errorf("%s: %w", m.Command[0], ErrPermissionDenied)
		}
		return nil, fmt.Errorf("start capture: %w", err)
	}
	s := &commandStream{cmd: cmd, stdout: stdout, format: m.Format}

	// Recorders that cannot reach the device usually exit straight away.
	select {
	case <-ctx.Done():
		_ = s.Close()
		return nil, ctx.Err()
	case <-time.After(150 * time.Millisecond):
	}
	if msg := strings.ToLower(stderr.String()); strings.Contains(msg, "permission denied") || strings.Contains(msg, "not permitted") {
		_ = s.Close()
		return nil, fmt.Errorf("%s: %w", strings.TrimSpace(stderr.String()), ErrPermissionDenied)
	}
	return s, nil
}

type commandStream struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	format audio.Format
	once   sync.Once
}

func (s *commandStream) Format() audio.Format { return s.format }

func (s *commandStream) Read(p []byte) (int, error) { return s.stdout.Read(p) }

func (s *commandStream) Close() error {
	s.once.Do(func() {
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		_ = s.cmd.Wait()
	})
	return nil
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
