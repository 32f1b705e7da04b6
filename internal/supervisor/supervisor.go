// Package supervisor drives each session's build-and-run attempts from
// submission to cleanup.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/michaelbrown/runbox/internal/events"
	"github.com/michaelbrown/runbox/internal/logger"
	"github.com/michaelbrown/runbox/internal/protocol"
	"github.com/michaelbrown/runbox/internal/relay"
	"github.com/michaelbrown/runbox/internal/sandbox"
	"github.com/michaelbrown/runbox/internal/session"
	"github.com/michaelbrown/runbox/internal/storage"
)

var (
	ErrMissingCode  = errors.New("code is required")
	ErrShuttingDown = errors.New("server is shutting down")
)

// Recorder stores the outcome of finished attempts.
type Recorder interface {
	RecordRun(ctx context.Context, r *storage.RunRecord) error
}

type Options struct {
	Runner          sandbox.Runner
	Registry        *session.Registry
	Recorder        Recorder
	Events          events.Publisher
	DefaultLanguage string
	// RunTimeout caps a program's run time; zero disables the cap.
	RunTimeout time.Duration
	// CleanupDelay postpones workspace removal after a run terminates.
	CleanupDelay time.Duration
	ChunkSize    int
	DrainTimeout time.Duration
}

// Submission is a request to build and run code for a session.
type Submission struct {
	SessionID string
	Code      string
	Language  string
}

// Supervisor owns the lifecycle of every attempt.
type Supervisor struct {
	opts     Options
	registry *session.Registry
	log      zerolog.Logger

	mu       sync.Mutex
	closing  bool
	shutdown chan struct{}
	wg       sync.WaitGroup
}

func New(opts Options) *Supervisor {
	if opts.Registry == nil {
		opts.Registry = session.NewRegistry()
	}
	if opts.Events == nil {
		opts.Events = events.Nop{}
	}
	return &Supervisor{
		opts:     opts,
		registry: opts.Registry,
		log:      logger.WithComponent("supervisor"),
		shutdown: make(chan struct{}),
	}
}

func (s *Supervisor) Registry() *session.Registry { return s.registry }

// Connect registers a new session for conn and greets the client with its
// id.
func (s *Supervisor) Connect(conn session.Sender) (*session.Session, error) {
	sess := s.registry.CreateSession(conn)
	if err := sess.Send(protocol.Init(sess.ID)); err != nil {
		s.registry.RemoveSession(sess.ID)
		return nil, fmt.Errorf("sending init: %w", err)
	}
	s.log.Info().Str("session", sess.ID).Msg("session connected")
	return sess, nil
}

// Disconnect removes the session. Its build is cancelled and any running
// program is killed. Safe to call more than once.
func (s *Supervisor) Disconnect(sessionID string) {
	if s.registry.RemoveSession(sessionID) {
		s.log.Info().Str("session", sessionID).Msg("session disconnected")
	}
}

// Submit validates sub and starts the attempt asynchronously. Output and
// the terminal notice are delivered on the session's connection.
func (s *Supervisor) Submit(sub Submission) error {
	if strings.TrimSpace(sub.Code) == "" {
		return ErrMissingCode
	}
	lang := sub.Language
	if lang == "" {
		lang = s.opts.DefaultLanguage
	}
	if checker, ok := s.opts.Runner.(interface{ Supports(string) bool }); ok && !checker.Supports(lang) {
		return fmt.Errorf("%w: %q", sandbox.ErrUnsupportedLanguage, lang)
	}

	sess, err := s.registry.LookupSession(sub.SessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return ErrShuttingDown
	}
	if err := sess.BeginBuild(); err != nil {
		return err
	}

	a := &attempt{
		id:       uuid.NewString(),
		sess:     sess,
		language: lang,
		code:     sub.Code,
		created:  time.Now(),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(a)
	}()
	return nil
}

// HandleMessage applies a client control message. Messages for runs the
// session does not own are ignored.
func (s *Supervisor) HandleMessage(sessionID string, msg protocol.ClientMessage) {
	switch msg.Type {
	case protocol.TypeInput, protocol.TypeEOF:
	default:
		s.log.Debug().Str("session", sessionID).Str("type", msg.Type).Msg("ignoring unknown message")
		return
	}

	run, err := s.registry.LookupRun(msg.Target())
	if err != nil || run.SessionID != sessionID {
		s.log.Debug().Str("session", sessionID).Str("run", msg.Target()).Msg("message for inactive run ignored")
		return
	}

	if msg.Type == protocol.TypeInput {
		run.Input.Input(msg.Input)
	} else {
		run.Input.CloseInput()
	}
}

// Shutdown stops accepting work, kills every run and waits for cleanup to
// finish or ctx to end.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.closing {
		s.closing = true
		close(s.shutdown)
	}
	s.mu.Unlock()

	for _, sess := range s.registry.Sessions() {
		s.registry.RemoveSession(sess.ID)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type attempt struct {
	id       string
	sess     *session.Session
	language string
	code     string
	created  time.Time
}

func (s *Supervisor) execute(a *attempt) {
	ctx := a.sess.Context()
	log := s.log.With().Str("session", a.sess.ID).Str("attempt", a.id).Str("language", a.language).Logger()
	log.Debug().Msg("building")

	proc, err := s.opts.Runner.Launch(ctx, sandbox.Request{Language: a.language, Code: a.code})
	if err != nil {
		a.sess.EndBuild()
		s.launchFailed(ctx, a, err, log)
		return
	}

	runID := uuid.NewString()
	log = log.With().Str("run", runID).Logger()

	var (
		run     *session.Run
		aborted atomic.Bool
	)
	rl := relay.New(runID, proc, a.sess, relay.Options{
		ChunkSize:    s.opts.ChunkSize,
		DrainTimeout: s.opts.DrainTimeout,
		OnExit: func() {
			// Killed or faulted runs go straight to terminated.
			if aborted.Load() || proc.Err() != nil {
				return
			}
			run.MarkDraining()
		},
	})

	run, err = s.registry.RegisterRun(a.sess.ID, runID, proc, rl)
	if err != nil {
		a.sess.EndBuild()
		log.Info().Err(err).Msg("session went away during build")
		if kerr := proc.Kill(); kerr != nil {
			log.Warn().Err(kerr).Msg("killing unregistered process")
		}
		<-proc.Done()
		s.release(proc, log)
		s.record(a, "", storage.OutcomeKilled, nil, "session closed before launch")
		return
	}

	if err := a.sess.Send(protocol.ProcessReady(runID)); err != nil {
		log.Debug().Err(err).Msg("sending processReady")
	}
	s.publish(events.Event{
		Type:      events.TypeRunStarted,
		AttemptID: a.id,
		RunID:     runID,
		SessionID: a.sess.ID,
		Language:  a.language,
		Time:      time.Now(),
	})
	log.Info().Msg("run started")
	rl.Start()

	var timeout <-chan time.Time
	if s.opts.RunTimeout > 0 {
		timer := time.NewTimer(s.opts.RunTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var outcome storage.Outcome
	select {
	case <-rl.Done():
	case <-timeout:
		outcome = storage.OutcomeTimedOut
		aborted.Store(true)
		msg := fmt.Sprintf("execution timed out after %s", s.opts.RunTimeout)
		if err := a.sess.Send(protocol.Error(runID, msg)); err != nil {
			log.Debug().Err(err).Msg("sending timeout notice")
		}
		s.kill(proc, log)
		<-rl.Done()
	case <-ctx.Done():
		outcome = storage.OutcomeKilled
		aborted.Store(true)
		s.kill(proc, log)
		<-rl.Done()
	}

	code := proc.ExitCode()
	detail := ""
	if outcome == "" {
		outcome = classify(proc)
	}
	if err := proc.Err(); err != nil {
		detail = err.Error()
	}

	s.terminate(a, run, outcome, &code, detail, log)
	s.release(proc, log)
}

// terminate deregisters the run and reports its outcome. Only the first
// caller for a run has any effect.
func (s *Supervisor) terminate(a *attempt, run *session.Run, outcome storage.Outcome, exitCode *int, detail string, log zerolog.Logger) {
	if !s.registry.RemoveRun(run.ID) {
		return
	}
	log.Info().
		Str("outcome", string(outcome)).
		Int("exit_code", *exitCode).
		Dur("elapsed", time.Since(run.StartedAt)).
		Msg("run terminated")
	s.record(a, run.ID, outcome, exitCode, detail)
}

func classify(proc sandbox.Process) storage.Outcome {
	switch {
	case proc.Err() != nil:
		return storage.OutcomeFault
	case proc.ExitCode() == 0:
		return storage.OutcomeSucceeded
	default:
		return storage.OutcomeFailed
	}
}

func (s *Supervisor) launchFailed(ctx context.Context, a *attempt, err error, log zerolog.Logger) {
	var buildErr *sandbox.BuildError
	switch {
	case errors.As(err, &buildErr):
		log.Info().Msg("build failed")
		s.notify(a, protocol.Error("", buildErr.Error()), log)
		s.record(a, "", storage.OutcomeBuildFailed, nil, buildErr.Output)
	case ctx.Err() != nil:
		log.Info().Msg("build cancelled")
		s.record(a, "", storage.OutcomeKilled, nil, "session closed during build")
	default:
		log.Error().Err(err).Msg("launch failed")
		s.notify(a, protocol.Error("", err.Error()), log)
		s.record(a, "", storage.OutcomeLaunchFailed, nil, err.Error())
	}
}

func (s *Supervisor) notify(a *attempt, f protocol.Frame, log zerolog.Logger) {
	if err := a.sess.Send(f); err != nil {
		log.Debug().Err(err).Str("type", f.Type).Msg("sending notice")
	}
}

func (s *Supervisor) kill(proc sandbox.Process, log zerolog.Logger) {
	if err := proc.Kill(); err != nil {
		log.Warn().Err(err).Msg("killing process")
	}
}

// release frees the workspace in the background once the cleanup delay
// has passed. Shutdown skips the delay.
func (s *Supervisor) release(proc sandbox.Process, log zerolog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if s.opts.CleanupDelay > 0 {
			timer := time.NewTimer(s.opts.CleanupDelay)
			select {
			case <-timer.C:
			case <-s.shutdown:
				timer.Stop()
			}
		}
		if err := proc.Release(); err != nil {
			log.Warn().Err(err).Msg("workspace cleanup failed")
		}
	}()
}

func (s *Supervisor) record(a *attempt, runID string, outcome storage.Outcome, exitCode *int, detail string) {
	finished := time.Now()
	s.publish(events.Event{
		Type:      events.TypeRunFinished,
		AttemptID: a.id,
		RunID:     runID,
		SessionID: a.sess.ID,
		Language:  a.language,
		Outcome:   string(outcome),
		ExitCode:  exitCode,
		Time:      finished,
	})

	if s.opts.Recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.opts.Recorder.RecordRun(ctx, &storage.RunRecord{
		AttemptID:  a.id,
		RunID:      runID,
		SessionID:  a.sess.ID,
		Language:   a.language,
		Outcome:    outcome,
		ExitCode:   exitCode,
		Detail:     detail,
		CreatedAt:  a.created,
		FinishedAt: finished,
	})
	if err != nil {
		s.log.Warn().Err(err).Str("attempt", a.id).Msg("recording run")
	}
}

func (s *Supervisor) publish(e events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.opts.Events.Publish(ctx, e); err != nil {
		s.log.Warn().Err(err).Str("event", e.Type).Msg("publishing event")
	}
}
