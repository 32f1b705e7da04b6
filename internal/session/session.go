package session

import (
	"context"
	"sync"
	"time"

	"github.com/michaelbrown/runbox/internal/protocol"
	"github.com/michaelbrown/runbox/internal/sandbox"
)

// State is the lifecycle position of a run.
type State int

const (
	StateBuilding State = iota
	StateRunning
	StateDraining
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateBuilding:
		return "building"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Sender delivers frames to a client connection.
type Sender interface {
	Send(f protocol.Frame) error
}

// InputGate accepts client input destined for a run's stdin.
type InputGate interface {
	Input(line string)
	CloseInput()
}

// Session is one client connection and the run it may own.
type Session struct {
	ID        string
	CreatedAt time.Time

	conn   Sender
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	closed    bool
	building  bool
	activeRun string
}

// Send delivers f on the session's connection.
func (s *Session) Send(f protocol.Frame) error {
	return s.conn.Send(f)
}

// Context is cancelled when the session is removed.
func (s *Session) Context() context.Context { return s.ctx }

// ActiveRunID returns the id of the live run, or "" when idle.
func (s *Session) ActiveRunID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeRun
}

// Closed reports whether the session has been removed.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// BeginBuild reserves the session for a new attempt. It fails while another
// attempt is building or running.
func (s *Session) BeginBuild() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionNotFound
	}
	if s.building || s.activeRun != "" {
		return ErrRunAlreadyActive
	}
	s.building = true
	return nil
}

// EndBuild drops a reservation taken by BeginBuild that did not turn into a
// registered run.
func (s *Session) EndBuild() {
	s.mu.Lock()
	s.building = false
	s.mu.Unlock()
}

// Run is one launched program.
type Run struct {
	ID        string
	SessionID string
	Process   sandbox.Process
	Input     InputGate
	StartedAt time.Time

	session *Session

	mu    sync.Mutex
	state State
}

// Session returns the session that owns the run.
func (r *Run) Session() *Session { return r.session }

func (r *Run) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// MarkDraining moves a running run to draining. It is a no-op in any other
// state.
func (r *Run) MarkDraining() {
	r.mu.Lock()
	if r.state == StateRunning {
		r.state = StateDraining
	}
	r.mu.Unlock()
}

func (r *Run) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}
