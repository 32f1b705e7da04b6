package sandbox

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
)

// execProcess is a Process backed by an os/exec command. Output is wired
// through os.Pipe rather than StdoutPipe so that Wait returns as soon as the
// program exits, independently of whether its output has been read.
type execProcess struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stdout    *os.File
	stderr    *os.File
	workspace *Workspace

	// stop is an extra kill step run after the local process is signalled,
	// e.g. killing the container behind a docker client.
	stop func() error

	done     chan struct{}
	exitCode int
	err      error

	killOnce    sync.Once
	killErr     error
	releaseOnce sync.Once
	releaseErr  error
}

// startProcess starts cmd with fresh pipes. On failure every descriptor is
// closed and the error is returned as a *LaunchError.
func startProcess(cmd *exec.Cmd, ws *Workspace, stop func() error) (*execProcess, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &LaunchError{Err: err}
	}

	outR, outW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return nil, &LaunchError{Err: err}
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		outR.Close()
		outW.Close()
		return nil, &LaunchError{Err: err}
	}

	cmd.Stdout = outW
	cmd.Stderr = errW
	setProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		stdin.Close()
		outR.Close()
		outW.Close()
		errR.Close()
		errW.Close()
		return nil, &LaunchError{Err: err}
	}

	// The child holds its own copies of the write ends.
	outW.Close()
	errW.Close()

	p := &execProcess{
		cmd:       cmd,
		stdin:     stdin,
		stdout:    outR,
		stderr:    errR,
		workspace: ws,
		stop:      stop,
		done:      make(chan struct{}),
	}
	go p.wait()
	return p, nil
}

func (p *execProcess) wait() {
	err := p.cmd.Wait()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		p.exitCode = 0
	case errors.As(err, &exitErr):
		p.exitCode = exitErr.ExitCode()
	default:
		p.exitCode = -1
		p.err = err
	}
	close(p.done)
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.ReadCloser { return p.stdout }
func (p *execProcess) Stderr() io.ReadCloser { return p.stderr }
func (p *execProcess) Done() <-chan struct{} { return p.done }
func (p *execProcess) ExitCode() int         { return p.exitCode }
func (p *execProcess) Err() error            { return p.err }

func (p *execProcess) Kill() error {
	p.killOnce.Do(func() {
		select {
		case <-p.done:
			return
		default:
		}
		p.killErr = killProcessTree(p.cmd)
		if p.stop != nil {
			if err := p.stop(); err != nil && p.killErr == nil {
				p.killErr = err
			}
		}
	})
	return p.killErr
}

func (p *execProcess) Release() error {
	p.releaseOnce.Do(func() {
		p.stdout.Close()
		p.stderr.Close()
		if p.workspace != nil {
			p.releaseErr = p.workspace.Remove()
		}
	})
	return p.releaseErr
}
