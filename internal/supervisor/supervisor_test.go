package supervisor

import (
	"context"
	"errors"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelbrown/runbox/internal/events"
	"github.com/michaelbrown/runbox/internal/protocol"
	"github.com/michaelbrown/runbox/internal/sandbox"
	"github.com/michaelbrown/runbox/internal/sandbox/sandboxtest"
	"github.com/michaelbrown/runbox/internal/session"
	"github.com/michaelbrown/runbox/internal/storage"
)

const wait = 5 * time.Second

type testConn struct {
	frames chan protocol.Frame
}

func newTestConn() *testConn {
	return &testConn{frames: make(chan protocol.Frame, 256)}
}

func (c *testConn) Send(f protocol.Frame) error {
	c.frames <- f
	return nil
}

func (c *testConn) next(t *testing.T) protocol.Frame {
	t.Helper()
	select {
	case f := <-c.frames:
		return f
	case <-time.After(wait):
		t.Fatal("timed out waiting for frame")
		return protocol.Frame{}
	}
}

// until collects frames up to and including the first one of type typ.
func (c *testConn) until(t *testing.T, typ string) []protocol.Frame {
	t.Helper()
	var got []protocol.Frame
	for {
		f := c.next(t)
		got = append(got, f)
		if f.Type == typ {
			return got
		}
	}
}

func (c *testConn) quiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case f := <-c.frames:
		t.Fatalf("unexpected frame %+v", f)
	case <-time.After(d):
	}
}

type fakeRecorder struct {
	mu      sync.Mutex
	records []storage.RunRecord
}

func (r *fakeRecorder) RecordRun(ctx context.Context, rec *storage.RunRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, *rec)
	return nil
}

func (r *fakeRecorder) wait(t *testing.T, n int) []storage.RunRecord {
	t.Helper()
	var out []storage.RunRecord
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		out = append([]storage.RunRecord(nil), r.records...)
		return len(out) >= n
	}, wait, 10*time.Millisecond)
	return out
}

type fakeEvents struct {
	mu    sync.Mutex
	types []string
}

func (e *fakeEvents) Publish(ctx context.Context, ev events.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.types = append(e.types, ev.Type)
	return nil
}

func (e *fakeEvents) Close() error { return nil }

func (e *fakeEvents) snapshot() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.types...)
}

type harness struct {
	sup    *Supervisor
	rec    *fakeRecorder
	events *fakeEvents
}

func newHarness(t *testing.T, runner sandbox.Runner, mod ...func(*Options)) *harness {
	t.Helper()
	h := &harness{rec: &fakeRecorder{}, events: &fakeEvents{}}
	opts := Options{
		Runner:          runner,
		Recorder:        h.rec,
		Events:          h.events,
		DefaultLanguage: "cpp",
		RunTimeout:      wait,
		DrainTimeout:    time.Second,
	}
	for _, m := range mod {
		m(&opts)
	}
	h.sup = New(opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), wait)
		defer cancel()
		h.sup.Shutdown(ctx)
	})
	return h
}

func (h *harness) connect(t *testing.T) (*session.Session, *testConn) {
	t.Helper()
	conn := newTestConn()
	sess, err := h.sup.Connect(conn)
	require.NoError(t, err)
	init := conn.next(t)
	require.Equal(t, protocol.TypeInit, init.Type)
	require.Equal(t, sess.ID, init.SessionID)
	return sess, conn
}

func (h *harness) submit(t *testing.T, sess *session.Session, code string) {
	t.Helper()
	require.NoError(t, h.sup.Submit(Submission{SessionID: sess.ID, Code: code}))
}

func (h *harness) waitIdle(t *testing.T, sess *session.Session) {
	t.Helper()
	require.Eventually(t, func() bool {
		return sess.ActiveRunID() == "" && h.sup.Registry().RunCount() == 0
	}, wait, 10*time.Millisecond)
}

func printAndExit(out string, code int) sandboxtest.Script {
	return func(p *sandboxtest.Process) {
		p.Print(out)
		p.Exit(code)
	}
}

func blockUntilKilled(p *sandboxtest.Process) {
	<-p.Context().Done()
}

func TestConnectSendsInit(t *testing.T) {
	h := newHarness(t, &sandboxtest.Runner{})
	sess, conn := h.connect(t)

	assert.Equal(t, 1, h.sup.Registry().SessionCount())
	conn.quiet(t, 50*time.Millisecond)

	h.sup.Disconnect(sess.ID)
	h.sup.Disconnect(sess.ID)
	assert.Equal(t, 0, h.sup.Registry().SessionCount())
}

func TestHelloScenario(t *testing.T) {
	runner := &sandboxtest.Runner{Script: printAndExit("hi\n", 0)}
	h := newHarness(t, runner)
	sess, conn := h.connect(t)

	h.submit(t, sess, "int main() { puts(\"hi\"); }")

	frames := conn.until(t, protocol.TypeProcessDone)
	require.Len(t, frames, 3)
	assert.Equal(t, protocol.TypeProcessReady, frames[0].Type)
	runID := frames[0].RunID
	require.NotEmpty(t, runID)
	assert.Equal(t, runID, frames[0].ProcessID)
	assert.NotEqual(t, sess.ID, runID)

	assert.Equal(t, protocol.Frame{Type: protocol.TypeOutput, RunID: runID, Data: "hi\n"}, frames[1])

	assert.Equal(t, runID, frames[2].RunID)
	require.NotNil(t, frames[2].ExitCode)
	assert.Equal(t, 0, *frames[2].ExitCode)

	recs := h.rec.wait(t, 1)
	assert.Equal(t, storage.OutcomeSucceeded, recs[0].Outcome)
	assert.Equal(t, runID, recs[0].RunID)
	assert.Equal(t, "cpp", recs[0].Language)

	h.waitIdle(t, sess)
	require.Eventually(t, func() bool { return runner.Processes()[0].Released() }, wait, 10*time.Millisecond)
	assert.Equal(t, []string{events.TypeRunStarted, events.TypeRunFinished}, h.events.snapshot())

	assert.Equal(t, []sandbox.Request{{Language: "cpp", Code: "int main() { puts(\"hi\"); }"}}, runner.Requests())
}

func TestNonZeroExitIsFailure(t *testing.T) {
	h := newHarness(t, &sandboxtest.Runner{Script: printAndExit("boom\n", 3)})
	sess, conn := h.connect(t)

	h.submit(t, sess, "code")
	frames := conn.until(t, protocol.TypeProcessDone)
	assert.Equal(t, 3, *frames[len(frames)-1].ExitCode)

	recs := h.rec.wait(t, 1)
	assert.Equal(t, storage.OutcomeFailed, recs[0].Outcome)
	require.NotNil(t, recs[0].ExitCode)
	assert.Equal(t, 3, *recs[0].ExitCode)
}

func TestBuildErrorScenario(t *testing.T) {
	diag := "main.cpp:1:1: error: 'x' does not name a type"
	runner := &sandboxtest.Runner{Err: &sandbox.BuildError{Output: diag}}
	h := newHarness(t, runner)
	sess, conn := h.connect(t)

	h.submit(t, sess, "x")

	f := conn.next(t)
	assert.Equal(t, protocol.Frame{Type: protocol.TypeError, Data: diag}, f)
	conn.quiet(t, 100*time.Millisecond)

	recs := h.rec.wait(t, 1)
	assert.Equal(t, storage.OutcomeBuildFailed, recs[0].Outcome)
	assert.Empty(t, recs[0].RunID)
	assert.Equal(t, diag, recs[0].Detail)
	assert.Nil(t, recs[0].ExitCode)

	// The session is free for another attempt.
	assert.NoError(t, h.sup.Submit(Submission{SessionID: sess.ID, Code: "x"}))
}

func TestLaunchErrorScenario(t *testing.T) {
	runner := &sandboxtest.Runner{Err: &sandbox.LaunchError{Err: errors.New("docker: not found")}}
	h := newHarness(t, runner)
	sess, conn := h.connect(t)

	h.submit(t, sess, "x")

	f := conn.next(t)
	assert.Equal(t, protocol.TypeError, f.Type)
	assert.Contains(t, f.Data, "docker: not found")
	conn.quiet(t, 100*time.Millisecond)

	recs := h.rec.wait(t, 1)
	assert.Equal(t, storage.OutcomeLaunchFailed, recs[0].Outcome)
}

func TestEchoScenario(t *testing.T) {
	runner := &sandboxtest.Runner{Script: func(p *sandboxtest.Process) {
		line, err := p.ReadLine()
		if err != nil {
			p.Exit(1)
			return
		}
		p.Print(line + "\n")
		p.Exit(0)
	}}
	h := newHarness(t, runner)
	sess, conn := h.connect(t)

	h.submit(t, sess, "echo")
	ready := conn.next(t)
	require.Equal(t, protocol.TypeProcessReady, ready.Type)

	h.sup.HandleMessage(sess.ID, protocol.ClientMessage{Type: protocol.TypeInput, ProcessID: ready.RunID, Input: "abc"})

	frames := conn.until(t, protocol.TypeProcessDone)
	require.Len(t, frames, 2)
	assert.Equal(t, "abc\n", frames[0].Data)
	assert.Equal(t, 0, *frames[1].ExitCode)
}

func TestEOFIsIdempotent(t *testing.T) {
	runner := &sandboxtest.Runner{Script: func(p *sandboxtest.Process) {
		all, _ := p.ReadAll()
		p.Print("read:" + all)
		p.Exit(0)
	}}
	h := newHarness(t, runner)
	sess, conn := h.connect(t)

	h.submit(t, sess, "cat")
	ready := conn.next(t)

	h.sup.HandleMessage(sess.ID, protocol.ClientMessage{Type: protocol.TypeInput, RunID: ready.RunID, Input: "x"})
	h.sup.HandleMessage(sess.ID, protocol.ClientMessage{Type: protocol.TypeEOF, ProcessID: ready.RunID})
	h.sup.HandleMessage(sess.ID, protocol.ClientMessage{Type: protocol.TypeEOF, ProcessID: ready.RunID})
	h.sup.HandleMessage(sess.ID, protocol.ClientMessage{Type: protocol.TypeInput, ProcessID: ready.RunID, Input: "late"})

	frames := conn.until(t, protocol.TypeProcessDone)
	require.Len(t, frames, 2)
	assert.Equal(t, "read:x\n", frames[0].Data)

	// Control messages after the run ended are ignored too.
	h.sup.HandleMessage(sess.ID, protocol.ClientMessage{Type: protocol.TypeEOF, ProcessID: ready.RunID})
	conn.quiet(t, 50*time.Millisecond)
}

func TestSecondSubmitRejected(t *testing.T) {
	hold := make(chan struct{})
	runner := &sandboxtest.Runner{Hold: hold, Script: func(p *sandboxtest.Process) {
		if _, err := p.ReadLine(); err == nil {
			p.Exit(0)
		}
	}}
	h := newHarness(t, runner)
	sess, conn := h.connect(t)

	h.submit(t, sess, "first")

	// Building.
	err := h.sup.Submit(Submission{SessionID: sess.ID, Code: "second"})
	assert.ErrorIs(t, err, session.ErrRunAlreadyActive)

	close(hold)
	ready := conn.next(t)
	require.Equal(t, protocol.TypeProcessReady, ready.Type)

	// Running.
	err = h.sup.Submit(Submission{SessionID: sess.ID, Code: "third"})
	assert.ErrorIs(t, err, session.ErrRunAlreadyActive)
	assert.Equal(t, ready.RunID, sess.ActiveRunID())

	h.sup.HandleMessage(sess.ID, protocol.ClientMessage{Type: protocol.TypeInput, ProcessID: ready.RunID, Input: "go"})
	conn.until(t, protocol.TypeProcessDone)
	h.waitIdle(t, sess)

	assert.NoError(t, h.sup.Submit(Submission{SessionID: sess.ID, Code: "fourth"}))
	assert.Len(t, runner.Requests(), 2)
}

func TestConcurrentSubmitsSingleWinner(t *testing.T) {
	hold := make(chan struct{})
	defer close(hold)
	h := newHarness(t, &sandboxtest.Runner{Hold: hold, Script: blockUntilKilled})
	sess, _ := h.connect(t)

	const n = 32
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			results <- h.sup.Submit(Submission{SessionID: sess.ID, Code: "x"})
		}()
	}

	accepted := 0
	for i := 0; i < n; i++ {
		err := <-results
		if err == nil {
			accepted++
			continue
		}
		assert.ErrorIs(t, err, session.ErrRunAlreadyActive)
	}
	assert.Equal(t, 1, accepted)
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t, &sandboxtest.Runner{Languages: []string{"cpp"}})
	sess, _ := h.connect(t)

	err := h.sup.Submit(Submission{SessionID: sess.ID, Code: "  \n"})
	assert.ErrorIs(t, err, ErrMissingCode)

	err = h.sup.Submit(Submission{SessionID: "no-such-session", Code: "x"})
	assert.ErrorIs(t, err, session.ErrSessionNotFound)

	err = h.sup.Submit(Submission{SessionID: sess.ID, Code: "x", Language: "cobol"})
	assert.ErrorIs(t, err, sandbox.ErrUnsupportedLanguage)
}

func TestDisconnectKillsRun(t *testing.T) {
	runner := &sandboxtest.Runner{Script: blockUntilKilled}
	h := newHarness(t, runner)
	sess, conn := h.connect(t)

	h.submit(t, sess, "while(1);")
	ready := conn.next(t)
	require.Equal(t, protocol.TypeProcessReady, ready.Type)

	h.sup.Disconnect(sess.ID)

	p := runner.Processes()[0]
	require.Eventually(t, p.Killed, wait, 10*time.Millisecond)
	h.waitIdle(t, sess)
	require.Eventually(t, p.Released, wait, 10*time.Millisecond)

	_, err := h.sup.Registry().LookupRun(ready.RunID)
	assert.ErrorIs(t, err, session.ErrRunNotFound)

	recs := h.rec.wait(t, 1)
	assert.Equal(t, storage.OutcomeKilled, recs[0].Outcome)
}

func TestDisconnectDuringBuild(t *testing.T) {
	hold := make(chan struct{})
	defer close(hold)
	runner := &sandboxtest.Runner{Hold: hold}
	h := newHarness(t, runner)
	sess, conn := h.connect(t)

	h.submit(t, sess, "slow build")
	require.Eventually(t, func() bool { return len(runner.Requests()) == 1 }, wait, 10*time.Millisecond)

	h.sup.Disconnect(sess.ID)

	recs := h.rec.wait(t, 1)
	assert.Equal(t, storage.OutcomeKilled, recs[0].Outcome)
	assert.Empty(t, recs[0].RunID)
	assert.Empty(t, runner.Processes())
	conn.quiet(t, 50*time.Millisecond)
}

func TestRunTimeout(t *testing.T) {
	runner := &sandboxtest.Runner{Script: blockUntilKilled}
	h := newHarness(t, runner, func(o *Options) { o.RunTimeout = 50 * time.Millisecond })
	sess, conn := h.connect(t)

	h.submit(t, sess, "for(;;);")
	frames := conn.until(t, protocol.TypeProcessDone)
	require.Len(t, frames, 3)
	assert.Equal(t, protocol.TypeProcessReady, frames[0].Type)
	assert.Equal(t, protocol.TypeError, frames[1].Type)
	assert.Contains(t, frames[1].Data, "timed out")
	assert.Equal(t, sandboxtest.KilledExitCode, *frames[2].ExitCode)

	assert.True(t, runner.Processes()[0].Killed())
	recs := h.rec.wait(t, 1)
	assert.Equal(t, storage.OutcomeTimedOut, recs[0].Outcome)
	h.waitIdle(t, sess)
}

func TestRuntimeFault(t *testing.T) {
	runner := &sandboxtest.Runner{Script: func(p *sandboxtest.Process) {
		p.Fail(errors.New("wait: no child processes"))
	}}
	h := newHarness(t, runner)
	sess, conn := h.connect(t)

	h.submit(t, sess, "x")
	frames := conn.until(t, protocol.TypeProcessDone)
	require.Len(t, frames, 3)
	assert.Equal(t, protocol.TypeError, frames[1].Type)
	assert.Contains(t, frames[1].Data, "no child processes")

	recs := h.rec.wait(t, 1)
	assert.Equal(t, storage.OutcomeFault, recs[0].Outcome)
	assert.Contains(t, recs[0].Detail, "no child processes")
}

func TestDrainingState(t *testing.T) {
	runner := &sandboxtest.Runner{Script: func(p *sandboxtest.Process) {
		p.ExitKeepOutput(0)
	}}
	h := newHarness(t, runner, func(o *Options) { o.DrainTimeout = 300 * time.Millisecond })
	sess, conn := h.connect(t)

	h.submit(t, sess, "x")
	ready := conn.next(t)

	require.Eventually(t, func() bool {
		run, err := h.sup.Registry().LookupRun(ready.RunID)
		return err == nil && run.State() == session.StateDraining
	}, wait, 5*time.Millisecond)

	conn.until(t, protocol.TypeProcessDone)
	h.waitIdle(t, sess)
}

func TestSessionsAreIsolated(t *testing.T) {
	runner := &sandboxtest.Runner{Script: func(p *sandboxtest.Process) {
		line, _ := p.ReadLine()
		for i := 0; i < 20; i++ {
			p.Print(line + "\n")
		}
		p.Exit(0)
	}}
	h := newHarness(t, runner)

	sessA, connA := h.connect(t)
	sessB, connB := h.connect(t)
	h.submit(t, sessA, "a")
	h.submit(t, sessB, "b")

	readyA := connA.next(t)
	readyB := connB.next(t)
	require.NotEqual(t, readyA.RunID, readyB.RunID)

	// Input addressed to another session's run is ignored.
	h.sup.HandleMessage(sessA.ID, protocol.ClientMessage{Type: protocol.TypeInput, ProcessID: readyB.RunID, Input: "intruder"})

	h.sup.HandleMessage(sessA.ID, protocol.ClientMessage{Type: protocol.TypeInput, ProcessID: readyA.RunID, Input: "A"})
	h.sup.HandleMessage(sessB.ID, protocol.ClientMessage{Type: protocol.TypeInput, ProcessID: readyB.RunID, Input: "B"})

	for _, tc := range []struct {
		conn  *testConn
		runID string
		want  string
	}{
		{connA, readyA.RunID, "A\n"},
		{connB, readyB.RunID, "B\n"},
	} {
		var out strings.Builder
		for _, f := range tc.conn.until(t, protocol.TypeProcessDone) {
			assert.Equal(t, tc.runID, f.RunID)
			out.WriteString(f.Data)
		}
		assert.Equal(t, strings.Repeat(tc.want, 20), out.String())
	}
}

func TestWorkspaceCleanupFailureIsOnlyLogged(t *testing.T) {
	released := make(chan *sandboxtest.Process, 2)
	runner := sandbox.RunnerFunc(func(ctx context.Context, req sandbox.Request) (sandbox.Process, error) {
		p := sandboxtest.NewProcess()
		p.ReleaseErr = errors.New("removing workspace: device or resource busy")
		go printAndExit("hi\n", 0)(p)
		released <- p
		return p, nil
	})
	h := newHarness(t, runner)
	sess, conn := h.connect(t)

	h.submit(t, sess, "int main() {}")

	frames := conn.until(t, protocol.TypeProcessDone)
	assert.Equal(t, protocol.TypeProcessReady, frames[0].Type)
	var out strings.Builder
	for _, f := range frames[1 : len(frames)-1] {
		assert.Equal(t, protocol.TypeOutput, f.Type)
		out.WriteString(f.Data)
	}
	assert.Equal(t, "hi\n", out.String())
	done := frames[len(frames)-1]
	require.NotNil(t, done.ExitCode)
	assert.Equal(t, 0, *done.ExitCode)

	p := <-released
	require.Eventually(t, p.Released, wait, 10*time.Millisecond)
	conn.quiet(t, 100*time.Millisecond)

	recs := h.rec.wait(t, 1)
	assert.Equal(t, storage.OutcomeSucceeded, recs[0].Outcome)
	assert.Empty(t, recs[0].Detail)

	// The session stays usable.
	h.waitIdle(t, sess)
	h.submit(t, sess, "int main() {}")
	conn.until(t, protocol.TypeProcessDone)
}

func TestShutdownKillsRuns(t *testing.T) {
	runner := &sandboxtest.Runner{Script: blockUntilKilled}
	h := newHarness(t, runner, func(o *Options) { o.CleanupDelay = time.Hour })
	sess, conn := h.connect(t)

	h.submit(t, sess, "x")
	require.Equal(t, protocol.TypeProcessReady, conn.next(t).Type)

	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	require.NoError(t, h.sup.Shutdown(ctx))

	p := runner.Processes()[0]
	assert.True(t, p.Killed())
	assert.True(t, p.Released(), "shutdown should not wait for the cleanup delay")
	assert.Equal(t, 0, h.sup.Registry().SessionCount())

	err := h.sup.Submit(Submission{SessionID: sess.ID, Code: "x"})
	assert.Error(t, err)
}

func TestLocalRunnerEndToEnd(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	root := t.TempDir()
	runner := sandbox.NewLocalRunner(root, sandbox.DefaultLanguages(), sandbox.DefaultPolicy())
	h := newHarness(t, runner, func(o *Options) { o.DefaultLanguage = "sh" })
	sess, conn := h.connect(t)

	h.submit(t, sess, "read name\necho \"hello $name\"\necho done >&2\n")
	ready := conn.next(t)
	require.Equal(t, protocol.TypeProcessReady, ready.Type)

	h.sup.HandleMessage(sess.ID, protocol.ClientMessage{Type: protocol.TypeInput, ProcessID: ready.RunID, Input: "runbox"})

	var stdout, stderr strings.Builder
	frames := conn.until(t, protocol.TypeProcessDone)
	for _, f := range frames {
		switch f.Type {
		case protocol.TypeOutput:
			stdout.WriteString(f.Data)
		case protocol.TypeError:
			stderr.WriteString(f.Data)
		}
	}
	assert.Equal(t, "hello runbox\n", stdout.String())
	assert.Equal(t, "done\n", stderr.String())
	assert.Equal(t, 0, *frames[len(frames)-1].ExitCode)

	h.waitIdle(t, sess)

	// A syntax error is reported as a build failure.
	h.submit(t, sess, "if then fi (\n")
	f := conn.next(t)
	assert.Equal(t, protocol.TypeError, f.Type)
	assert.NotEmpty(t, f.Data)
	conn.quiet(t, 100*time.Millisecond)
}
