package console

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"github.com/peterje/consolebridge/internal/errdefs"
)

const defaultKillTimeout = 2 * time.Second

// Config describes how to launch the console executable.
type Config struct {
	Path string
	Args []string
	Dir  string
	// Env is appended to the service's own environment.
	Env []string
	// PTY runs the console on a pseudo-terminal instead of plain pipes.
	PTY bool
	// KillTimeout is the grace period between closing stdin, SIGTERM and SIGKILL.
	KillTimeout time.Duration
}

// Spawner starts console processes.
type Spawner interface {
	Spawn(ctx context.Context) (*Process, error)
}

// Launcher is the Spawner backed by os/exec.
type Launcher struct {
	cfg Config
}

func NewLauncher(cfg Config) *Launcher {
	if cfg.KillTimeout <= 0 {
		cfg.KillTimeout = defaultKillTimeout
	}
	return &Launcher{cfg: cfg}
}

// Spawn starts a new console process. The context only aborts a spawn that
// has not happened yet; it does not bound the lifetime of the process.
func (l *Launcher) Spawn(ctx context.Context) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", errdefs.ErrSpawn, err)
	}

	path, err := exec.LookPath(l.cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errdefs.ErrSpawn, err)
	}

	cmd := exec.Command(path, l.cfg.Args...)
	cmd.Dir = l.cfg.Dir
	cmd.Env = append(os.Environ(), l.cfg.Env...)

	p := &Process{
		id:          uuid.New().String()[:8],
		cmd:         cmd,
		done:        make(chan struct{}),
		killTimeout: l.cfg.KillTimeout,
	}
	p.state.Store(int32(StateStarting))

	if l.cfg.PTY {
		err = p.startPTY()
	} else {
		err = p.startPipes()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: start %s: %w", errdefs.ErrSpawn, path, err)
	}

	p.state.Store(int32(StateRunning))
	go p.wait()
	return p, nil
}

func (p *Process) startPipes() error {
	stdin, err := p.cmd.StdinPipe()
	if err != nil {
		return err
	}

	// A plain os.Pipe instead of StdoutPipe: Wait must be able to run
	// concurrently with reads.
	pr, pw, err := os.Pipe()
	if err != nil {
		return err
	}
	p.cmd.Stdout = pw
	p.stderr = newTailBuffer(stderrTailSize)
	p.cmd.Stderr = p.stderr

	if err := p.cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return err
	}
	pw.Close()

	p.in = stdin
	p.out = pr
	return nil
}

func (p *Process) startPTY() error {
	ptmx, err := pty.StartWithSize(p.cmd, &pty.Winsize{Rows: 40, Cols: 120})
	if err != nil {
		return err
	}
	p.in = ptmx
	p.out = ptmx
	p.ptmx = ptmx
	return nil
}

var _ Spawner = (*Launcher)(nil)
