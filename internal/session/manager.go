// Package session keeps the registry of long-lived console sessions and
// relays their output to attached listeners.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/peterje/consolebridge/internal/console"
	"github.com/peterje/consolebridge/internal/errdefs"
	"github.com/peterje/consolebridge/internal/logging"
	"github.com/peterje/consolebridge/internal/metrics"
)

const (
	DefaultAPIMode        = 0
	DefaultListenerBuffer = 256

	closedHistorySize = 1024
	relayBufSize      = 32 * 1024
	relayStopTimeout  = 5 * time.Second
)

type Option func(*Manager)

// WithAPIMode sets the api mode every new session console is put in.
func WithAPIMode(mode int) Option {
	return func(m *Manager) { m.apiMode = mode }
}

// WithMaxSessions caps the number of concurrent sessions; 0 means no cap.
func WithMaxSessions(n int) Option {
	return func(m *Manager) { m.maxSessions = n }
}

// WithListenerBuffer sets how many chunks a listener may lag behind before
// it is dropped.
func WithListenerBuffer(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.listenerBuffer = n
		}
	}
}

// Manager is the session registry. All access to sessions goes through it;
// the map is guarded by a single mutex that is never held across process
// I/O.
type Manager struct {
	spawner        console.Spawner
	apiMode        int
	maxSessions    int
	listenerBuffer int

	logger   zerolog.Logger
	wmLogger watermill.LoggerAdapter

	mu       sync.Mutex
	sessions map[string]*Session
	history  *closedHistory
}

func NewManager(spawner console.Spawner, opts ...Option) *Manager {
	m := &Manager{
		spawner:        spawner,
		apiMode:        DefaultAPIMode,
		listenerBuffer: DefaultListenerBuffer,
		logger:         logging.With("session"),
		// gochannel reports every unobserved message at info level.
		wmLogger: logging.NewWatermillAdapter(logging.With("pubsub").Level(zerolog.WarnLevel)),
		sessions: make(map[string]*Session),
		history:  newClosedHistory(closedHistorySize),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Open spawns a console for a new session and starts relaying its output.
// On a PTY the terminal's echo of the ".api N" directive is dropped from the
// output; echoes of later input reach listeners.
func (m *Manager) Open(ctx context.Context) (Descriptor, error) {
	if err := m.checkCapacity(); err != nil {
		return Descriptor{}, err
	}

	proc, err := m.spawner.Spawn(ctx)
	if err != nil {
		return Descriptor{}, err
	}

	s := &Session{
		proc:      proc,
		apiMode:   m.apiMode,
		createdAt: time.Now().UTC(),
		state:     StateCreated,
		listeners: make(map[string]*Listener),
		relayDone: make(chan struct{}),
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			BlockPublishUntilSubscriberAck: true,
		}, m.wmLogger),
	}

	directive := fmt.Sprintf(".api %d", m.apiMode)
	if proc.Terminal() {
		s.echo = []byte(directive + "\r\n")
	}
	if err := proc.WriteLine(directive); err != nil {
		proc.Terminate()
		s.pubsub.Close()
		return Descriptor{}, err
	}

	m.mu.Lock()
	if err := m.checkCapacityLocked(); err != nil {
		m.mu.Unlock()
		proc.Terminate()
		s.pubsub.Close()
		return Descriptor{}, err
	}
	s.id = m.newIDLocked()
	s.state = StateRunning
	m.sessions[s.id] = s
	desc := s.descriptor()
	m.mu.Unlock()

	metrics.SessionsOpened.Inc()
	metrics.SessionsActive.Inc()
	go m.relay(s)

	m.logger.Info().
		Str("session_id", s.id).
		Int("pid", proc.Pid()).
		Int("api_mode", s.apiMode).
		Msg("session opened")
	return desc, nil
}

// List returns the ids of all running sessions, sorted.
func (m *Manager) List() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Descriptors returns all running sessions, oldest first.
func (m *Manager) Descriptors() []Descriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Descriptor, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.descriptor())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (m *Manager) Get(id string) (Descriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Descriptor{}, m.lookupErrLocked(id)
	}
	return s.descriptor(), nil
}

// Attach registers a new listener for the session's output. The listener
// only sees output produced after Attach returns.
func (m *Manager) Attach(id string) (*Listener, error) {
	s, err := m.running(id)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	msgs, err := s.pubsub.Subscribe(ctx, s.id)
	if err != nil {
		cancel()
		return nil, m.lookupErr(id)
	}

	l := &Listener{
		id:        uuid.New().String()[:8],
		sessionID: s.id,
		output:    make(chan []byte, m.listenerBuffer),
		cancel:    cancel,
	}
	l.detach = func() { m.removeListener(s, l) }

	m.mu.Lock()
	if s.state != StateRunning {
		m.mu.Unlock()
		cancel()
		return nil, m.lookupErr(id)
	}
	s.listeners[l.id] = l
	m.mu.Unlock()

	metrics.ListenersActive.Inc()
	go l.forward(ctx, msgs)

	m.logger.Debug().Str("session_id", id).Str("listener_id", l.id).Msg("listener attached")
	return l, nil
}

// SendInput writes text and a newline to the session's console.
func (m *Manager) SendInput(id, text string) error {
	s, err := m.running(id)
	if err != nil {
		return err
	}

	if err := s.proc.WriteLine(text); err != nil {
		if errors.Is(err, errdefs.ErrWrite) && !m.retire(s, ReasonExited) {
			// Lost a race with Close or with the relay noticing the exit.
			return m.lookupErr(id)
		}
		return err
	}
	metrics.SessionInputLines.Inc()
	return nil
}

// Close terminates the session's console and detaches its listeners.
// Closing an id that is not running reports why it is not.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		err := m.lookupErrLocked(id)
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	if !m.retire(s, ReasonRequested) {
		return m.lookupErr(id)
	}
	m.waitRelay(s)
	return nil
}

// CloseAll closes every running session.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		if m.retire(s, ReasonRequested) {
			m.waitRelay(s)
		}
	}
}

// relay copies console output into the session's pub/sub until the console
// closes its output, then retires the session if nobody else has.
func (m *Manager) relay(s *Session) {
	defer close(s.relayDone)

	out := s.proc.Output()
	buf := make([]byte, relayBufSize)
	for {
		n, err := out.Read(buf)
		if n > 0 {
			metrics.SessionOutputBytes.Add(float64(n))
		}
		if chunk := s.stripEcho(buf[:n]); len(chunk) > 0 {
			msg := message.NewMessage(watermill.NewUUID(), bytes.Clone(chunk))
			if perr := s.pubsub.Publish(s.id, msg); perr != nil {
				break
			}
		}
		if err != nil {
			break
		}
	}

	if m.retire(s, ReasonExited) {
		<-s.proc.Done()
		m.logger.Warn().
			Str("session_id", s.id).
			AnErr("exit", s.proc.ExitErr()).
			Msg("console exited, session closed")
	}
}

// retire moves s to StateClosed exactly once and releases its resources.
// It reports whether this call did the transition.
func (m *Manager) retire(s *Session, reason CloseReason) bool {
	m.mu.Lock()
	if s.state == StateClosed {
		m.mu.Unlock()
		return false
	}
	s.state = StateClosed
	delete(m.sessions, s.id)
	m.history.add(s.id, reason)
	listeners := make([]*Listener, 0, len(s.listeners))
	for id, l := range s.listeners {
		listeners = append(listeners, l)
		delete(s.listeners, id)
	}
	m.mu.Unlock()

	s.proc.Terminate()
	for _, l := range listeners {
		l.Detach()
	}
	if err := s.pubsub.Close(); err != nil {
		m.logger.Error().Err(err).Str("session_id", s.id).Msg("close pubsub")
	}

	metrics.SessionsActive.Dec()
	metrics.ListenersActive.Sub(float64(len(listeners)))
	metrics.SessionsClosed.WithLabelValues(string(reason)).Inc()

	if reason == ReasonRequested {
		m.logger.Info().Str("session_id", s.id).Int("listeners", len(listeners)).Msg("session closed")
	}
	return true
}

func (m *Manager) waitRelay(s *Session) {
	select {
	case <-s.relayDone:
	case <-time.After(relayStopTimeout):
		m.logger.Warn().Str("session_id", s.id).Msg("output relay did not stop in time")
	}
}

func (m *Manager) removeListener(s *Session, l *Listener) {
	m.mu.Lock()
	_, ok := s.listeners[l.id]
	delete(s.listeners, l.id)
	m.mu.Unlock()

	if !ok {
		return
	}
	metrics.ListenersActive.Dec()
	if l.Lagged() {
		m.logger.Warn().Str("session_id", s.id).Str("listener_id", l.id).Msg("listener fell behind, dropped")
		return
	}
	m.logger.Debug().Str("session_id", s.id).Str("listener_id", l.id).Msg("listener detached")
}

func (m *Manager) running(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, m.lookupErrLocked(id)
	}
	return s, nil
}

func (m *Manager) lookupErr(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookupErrLocked(id)
}

func (m *Manager) lookupErrLocked(id string) error {
	reason, _ := m.history.get(id)
	return fmt.Errorf("session %s: %w", id, reason.err())
}

func (m *Manager) checkCapacity() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkCapacityLocked()
}

func (m *Manager) checkCapacityLocked() error {
	if m.maxSessions > 0 && len(m.sessions) >= m.maxSessions {
		return fmt.Errorf("%w: limit is %d", errdefs.ErrTooManySessions, m.maxSessions)
	}
	return nil
}

// newIDLocked returns an id that is neither running nor remembered as closed.
func (m *Manager) newIDLocked() string {
	for {
		id := uuid.NewString()
		if _, taken := m.sessions[id]; taken {
			continue
		}
		if _, closed := m.history.get(id); closed {
			continue
		}
		return id
	}
}

// closedHistory remembers why the most recent sessions were closed.
type closedHistory struct {
	max     int
	order   []string
	reasons map[string]CloseReason
}

func newClosedHistory(max int) *closedHistory {
	return &closedHistory{max: max, reasons: make(map[string]CloseReason)}
}

func (h *closedHistory) add(id string, reason CloseReason) {
	if len(h.order) >= h.max {
		delete(h.reasons, h.order[0])
		h.order = h.order[1:]
	}
	h.order = append(h.order, id)
	h.reasons[id] = reason
}

func (h *closedHistory) get(id string) (CloseReason, bool) {
	r, ok := h.reasons[id]
	return r, ok
}
