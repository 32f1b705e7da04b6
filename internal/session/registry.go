// Package session tracks connected clients and the programs they run.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/michaelbrown/runbox/internal/sandbox"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrRunNotFound      = errors.New("run not found")
	ErrRunAlreadyActive = errors.New("a run is already active for this session")
)

// Registry indexes sessions and live runs. Lookups on different ids never
// contend; changes to one session are serialized by that session's lock.
type Registry struct {
	sessions sync.Map // id -> *Session
	runs     sync.Map // id -> *Run
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// CreateSession registers a new session bound to conn.
func (r *Registry) CreateSession(conn Sender) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:        uuid.NewString(),
		CreatedAt: time.Now(),
		conn:      conn,
		ctx:       ctx,
		cancel:    cancel,
	}
	r.sessions.Store(s.ID, s)
	return s
}

func (r *Registry) LookupSession(id string) (*Session, error) {
	v, ok := r.sessions.Load(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return v.(*Session), nil
}

// RemoveSession deletes the session and cancels its context, which stops
// any build or run it owns. It reports whether this call removed it.
func (r *Registry) RemoveSession(id string) bool {
	v, ok := r.sessions.LoadAndDelete(id)
	if !ok {
		return false
	}
	s := v.(*Session)
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	return true
}

// RegisterRun records a launched process as the session's active run.
func (r *Registry) RegisterRun(sessionID, runID string, proc sandbox.Process, input InputGate) (*Run, error) {
	s, err := r.LookupSession(sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionNotFound
	}
	if s.activeRun != "" {
		return nil, ErrRunAlreadyActive
	}

	run := &Run{
		ID:        runID,
		SessionID: sessionID,
		Process:   proc,
		Input:     input,
		StartedAt: time.Now(),
		session:   s,
		state:     StateRunning,
	}
	if _, loaded := r.runs.LoadOrStore(runID, run); loaded {
		return nil, ErrRunAlreadyActive
	}
	s.activeRun = runID
	s.building = false
	return run, nil
}

func (r *Registry) LookupRun(id string) (*Run, error) {
	v, ok := r.runs.Load(id)
	if !ok {
		return nil, ErrRunNotFound
	}
	return v.(*Run), nil
}

// RemoveRun deregisters the run and marks it terminated. Only the first
// call for a given run returns true.
func (r *Registry) RemoveRun(id string) bool {
	v, ok := r.runs.Load(id)
	if !ok {
		return false
	}
	run := v.(*Run)
	s := run.session

	s.mu.Lock()
	defer s.mu.Unlock()
	if !r.runs.CompareAndDelete(id, run) {
		return false
	}
	if s.activeRun == id {
		s.activeRun = ""
	}
	run.setState(StateTerminated)
	return true
}

// Sessions returns a snapshot of the registered sessions.
func (r *Registry) Sessions() []*Session {
	var out []*Session
	r.sessions.Range(func(_, v any) bool {
		out = append(out, v.(*Session))
		return true
	})
	return out
}

// Runs returns a snapshot of the live runs.
func (r *Registry) Runs() []*Run {
	var out []*Run
	r.runs.Range(func(_, v any) bool {
		out = append(out, v.(*Run))
		return true
	})
	return out
}

func (r *Registry) SessionCount() int {
	n := 0
	r.sessions.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (r *Registry) RunCount() int {
	n := 0
	r.runs.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
