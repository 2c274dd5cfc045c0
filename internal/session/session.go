package session

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/peterje/consolebridge/internal/console"
	"github.com/peterje/consolebridge/internal/errdefs"
	"github.com/peterje/consolebridge/internal/metrics"
)

// State of a bridge session. There is no way back from StateClosed.
type State int

const (
	StateCreated State = iota
	StateRunning
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// CloseReason records why a session left the registry.
type CloseReason string

const (
	ReasonRequested CloseReason = "closed"
	ReasonExited    CloseReason = "exited"
)

func (r CloseReason) err() error {
	switch r {
	case ReasonRequested:
		return errdefs.ErrSessionClosed
	case ReasonExited:
		return errdefs.ErrSessionExited
	default:
		return errdefs.ErrSessionNotFound
	}
}

// Descriptor is the externally visible view of a session.
type Descriptor struct {
	ID        string    `json:"id"`
	State     string    `json:"state"`
	PID       int       `json:"pid"`
	APIMode   int       `json:"api_mode"`
	Listeners int       `json:"listeners"`
	CreatedAt time.Time `json:"created_at"`
}

// Session binds one console process to the listeners of its output.
// Fields other than the immutable ones are guarded by the Manager's mutex.
type Session struct {
	id        string
	proc      *console.Process
	pubsub    *gochannel.GoChannel
	apiMode   int
	createdAt time.Time

	state     State
	listeners map[string]*Listener

	relayDone chan struct{}

	// echo is the terminal's echo of the api directive, still to be dropped
	// from the output. Only the relay touches it once it has started.
	echo     []byte
	echoSeen int
}

// echoWindow bounds how much output is searched for the directive echo.
const echoWindow = 4096

// stripEcho removes the first occurrence of s.echo from chunk.
func (s *Session) stripEcho(chunk []byte) []byte {
	if s.echo == nil {
		return chunk
	}
	if i := bytes.Index(chunk, s.echo); i >= 0 {
		chunk = append(chunk[:i:i], chunk[i+len(s.echo):]...)
		s.echo = nil
		return chunk
	}
	if s.echoSeen += len(chunk); s.echoSeen > echoWindow {
		s.echo = nil
	}
	return chunk
}

func (s *Session) descriptor() Descriptor {
	return Descriptor{
		ID:        s.id,
		State:     s.state.String(),
		PID:       s.proc.Pid(),
		APIMode:   s.apiMode,
		Listeners: len(s.listeners),
		CreatedAt: s.createdAt,
	}
}

// Listener receives a session's output from the moment it attached.
type Listener struct {
	id        string
	sessionID string
	output    chan []byte
	cancel    context.CancelFunc
	detach    func()

	once   sync.Once
	lagged atomic.Bool
}

func (l *Listener) ID() string {
	return l.id
}

func (l *Listener) SessionID() string {
	return l.sessionID
}

// Output delivers output chunks in console order. It is closed when the
// listener is detached, falls a full buffer behind, or the session ends.
// Chunks must not be modified.
func (l *Listener) Output() <-chan []byte {
	return l.output
}

// Detach stops delivery and removes the listener from its session.
func (l *Listener) Detach() {
	l.once.Do(func() {
		l.cancel()
		l.detach()
	})
}

// Lagged reports whether the listener was dropped for not keeping up.
func (l *Listener) Lagged() bool {
	return l.lagged.Load()
}

// forward moves messages from the session's pub/sub into the listener's
// channel. The publisher waits for every listener's ack before the next
// chunk, so a listener whose buffer is full is acked and dropped rather than
// left holding the session's output and its subscriber lock.
func (l *Listener) forward(ctx context.Context, msgs <-chan *message.Message) {
	defer close(l.output)
	for msg := range msgs {
		select {
		case l.output <- msg.Payload:
			msg.Ack()
		case <-ctx.Done():
			return
		default:
			msg.Ack()
			l.lagged.Store(true)
			metrics.ListenersLagged.Inc()
			l.Detach()
			return
		}
	}
}
