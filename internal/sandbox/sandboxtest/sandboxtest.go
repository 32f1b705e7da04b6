// Package sandboxtest provides an in-memory Runner whose processes are
// driven by test scripts instead of real programs.
package sandboxtest

import (
	"bufio"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/michaelbrown/runbox/internal/sandbox"
)

// KilledExitCode is the exit code a Process reports after Kill.
const KilledExitCode = 137

// Process is a fake sandbox.Process. The test plays the program side
// through Print, ReadLine and Exit.
type Process struct {
	// ReleaseErr, when set, is returned from Release.
	ReleaseErr error

	stdinR *io.PipeReader
	stdinW *io.PipeWriter
	input  *bufio.Reader
	outR   *io.PipeReader
	outW   *io.PipeWriter
	errR   *io.PipeReader
	errW   *io.PipeWriter

	ctx    context.Context
	cancel context.CancelFunc

	done     chan struct{}
	exitOnce sync.Once
	exitCode int
	err      error

	killed   atomic.Bool
	released atomic.Bool
}

// NewProcess returns a running fake process.
func NewProcess() *Process {
	p := &Process{done: make(chan struct{})}
	p.stdinR, p.stdinW = io.Pipe()
	p.input = bufio.NewReader(p.stdinR)
	p.outR, p.outW = io.Pipe()
	p.errR, p.errW = io.Pipe()
	p.ctx, p.cancel = context.WithCancel(context.Background())
	return p
}

func (p *Process) Stdin() io.WriteCloser { return p.stdinW }
func (p *Process) Stdout() io.ReadCloser { return p.outR }
func (p *Process) Stderr() io.ReadCloser { return p.errR }
func (p *Process) Done() <-chan struct{} { return p.done }
func (p *Process) ExitCode() int         { return p.exitCode }
func (p *Process) Err() error            { return p.err }

// Kill terminates the fake program with KilledExitCode.
func (p *Process) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	p.killed.Store(true)
	p.exit(KilledExitCode, nil, true)
	return nil
}

func (p *Process) Release() error {
	p.released.Store(true)
	p.outR.Close()
	p.errR.Close()
	return p.ReleaseErr
}

// Context is cancelled once the process has exited for any reason.
func (p *Process) Context() context.Context { return p.ctx }

// Killed reports whether Kill stopped the process.
func (p *Process) Killed() bool { return p.killed.Load() }

// Released reports whether Release has been called.
func (p *Process) Released() bool { return p.released.Load() }

// Print writes s to stdout, blocking until it has been read.
func (p *Process) Print(s string) error {
	_, err := io.WriteString(p.outW, s)
	return err
}

// PrintErr writes s to stderr, blocking until it has been read.
func (p *Process) PrintErr(s string) error {
	_, err := io.WriteString(p.errW, s)
	return err
}

// ReadLine reads one line of stdin without its newline. It returns io.EOF
// once stdin is closed.
func (p *Process) ReadLine() (string, error) {
	line, err := p.input.ReadString('\n')
	if err != nil {
		if line != "" && errors.Is(err, io.EOF) {
			return line, nil
		}
		return "", err
	}
	return line[:len(line)-1], nil
}

// ReadAll reads stdin until it is closed.
func (p *Process) ReadAll() (string, error) {
	b, err := io.ReadAll(p.input)
	return string(b), err
}

// Exit ends the program with code and closes its output.
func (p *Process) Exit(code int) {
	p.exit(code, nil, true)
}

// ExitKeepOutput ends the program but leaves its output open, as when a
// background child still holds the pipes.
func (p *Process) ExitKeepOutput(code int) {
	p.exit(code, nil, false)
}

// Fail ends the program with a wait error.
func (p *Process) Fail(err error) {
	p.exit(-1, err, true)
}

func (p *Process) exit(code int, err error, closeOutput bool) {
	p.exitOnce.Do(func() {
		p.exitCode = code
		p.err = err
		if closeOutput {
			p.outW.Close()
			p.errW.Close()
		}
		p.stdinR.CloseWithError(io.ErrClosedPipe)
		p.cancel()
		close(p.done)
	})
}

// Script plays the program side of a fake process.
type Script func(p *Process)

// Runner is a sandbox.Runner that hands out fake processes.
type Runner struct {
	// Script runs in its own goroutine for every launched process.
	Script Script
	// Err, when set, is returned from Launch instead of a process.
	Err error
	// Hold, when set, makes Launch wait for it to close (or for the
	// context to end) to simulate a slow build.
	Hold chan struct{}
	// Languages restricts Supports; nil supports everything.
	Languages []string

	mu        sync.Mutex
	requests  []sandbox.Request
	processes []*Process
}

// Supports reports whether lang is accepted.
func (r *Runner) Supports(lang string) bool {
	if r.Languages == nil {
		return true
	}
	for _, l := range r.Languages {
		if l == lang {
			return true
		}
	}
	return false
}

func (r *Runner) Launch(ctx context.Context, req sandbox.Request) (sandbox.Process, error) {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	r.mu.Unlock()

	if r.Hold != nil {
		select {
		case <-r.Hold:
		case <-ctx.Done():
			return nil, &sandbox.LaunchError{Err: ctx.Err()}
		}
	}
	if r.Err != nil {
		return nil, r.Err
	}

	p := NewProcess()
	r.mu.Lock()
	r.processes = append(r.processes, p)
	r.mu.Unlock()

	if r.Script != nil {
		go r.Script(p)
	}
	return p, nil
}

// Requests returns every request passed to Launch.
func (r *Runner) Requests() []sandbox.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sandbox.Request(nil), r.requests...)
}

// Processes returns every process launched so far.
func (r *Runner) Processes() []*Process {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Process(nil), r.processes...)
}
