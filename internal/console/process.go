package console

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/peterje/consolebridge/internal/errdefs"
)

const stderrTailSize = 4 * 1024

// State is the lifecycle state of a console process.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Process is one running console subprocess. It is owned by whoever spawned
// it; the output stream has a single reader.
type Process struct {
	id   string
	cmd  *exec.Cmd
	in   io.WriteCloser
	out  *os.File
	ptmx *os.File

	stderr *tailBuffer

	state   atomic.Int32
	closing atomic.Bool
	writeMu sync.Mutex

	done        chan struct{}
	exitErr     error
	killTimeout time.Duration
}

func (p *Process) ID() string {
	return p.id
}

func (p *Process) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *Process) State() State {
	return State(p.state.Load())
}

// Done returns a channel that is closed when the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// ExitErr is the result of waiting on the process. Only meaningful after Done.
func (p *Process) ExitErr() error {
	select {
	case <-p.done:
		return p.exitErr
	default:
		return nil
	}
}

// Write sends raw bytes to the console's input stream.
func (p *Process) Write(data []byte) (int, error) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if p.closing.Load() || p.State() == StateTerminated {
		return 0, fmt.Errorf("%w: console %s is not running", errdefs.ErrWrite, p.id)
	}
	n, err := p.in.Write(data)
	if err != nil {
		return n, fmt.Errorf("%w: %w", errdefs.ErrWrite, err)
	}
	return n, nil
}

// WriteLine writes line followed by a newline.
func (p *Process) WriteLine(line string) error {
	_, err := p.Write([]byte(line + "\n"))
	return err
}

// Output returns the console's output stream. End of stream is always
// reported as io.EOF, including after Terminate.
func (p *Process) Output() io.Reader {
	return outputReader{f: p.out}
}

// ReadAll reads the output stream until the console closes it.
func (p *Process) ReadAll() ([]byte, error) {
	data, err := io.ReadAll(p.Output())
	if err != nil {
		return data, fmt.Errorf("read console %s: %w", p.id, err)
	}
	return data, nil
}

// Terminal reports whether the console runs on a pseudo-terminal. The
// terminal echoes every line written to it.
func (p *Process) Terminal() bool { return p.ptmx != nil }

// StderrTail returns the last bytes the console wrote to stderr.
func (p *Process) StderrTail() string {
	if p.stderr == nil {
		return ""
	}
	return p.stderr.String()
}

// Terminate closes the input and output streams and makes sure the process
// goes away: it gets KillTimeout to exit on its own, then SIGTERM, then
// SIGKILL. Calling it again is a no-op.
func (p *Process) Terminate() {
	if !p.closing.CompareAndSwap(false, true) {
		return
	}

	if p.ptmx != nil {
		p.ptmx.Close()
	} else {
		p.in.Close()
		p.out.Close()
	}

	go p.reap()
}

func (p *Process) reap() {
	for _, sig := range []os.Signal{syscall.SIGTERM, os.Kill} {
		select {
		case <-p.done:
			return
		case <-time.After(p.killTimeout):
		}
		if p.cmd.Process != nil {
			p.cmd.Process.Signal(sig)
		}
	}
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	p.exitErr = err
	p.state.Store(int32(StateTerminated))
	close(p.done)
}

type outputReader struct {
	f *os.File
}

func (r outputReader) Read(b []byte) (int, error) {
	n, err := r.f.Read(b)
	// A PTY master reports EIO once the child side is gone.
	if err != nil && (errors.Is(err, syscall.EIO) || errors.Is(err, os.ErrClosed)) {
		err = io.EOF
	}
	return n, err
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(data []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, data...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(data), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
