package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrUnsupportedLanguage is returned for a language the runner has no
// definition for.
var ErrUnsupportedLanguage = errors.New("unsupported language")

// Request describes one build-and-run attempt.
type Request struct {
	Language string
	Code     string
}

// Process is a launched program. Stdout and Stderr must be read to EOF (or
// closed) by the owner; Done is closed when the program has exited.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.ReadCloser
	Stderr() io.ReadCloser
	Done() <-chan struct{}
	// ExitCode and Err are valid once Done is closed. Err is non-nil only
	// when waiting on the program failed for a reason other than a
	// non-zero exit status.
	ExitCode() int
	Err() error
	Kill() error
	// Release frees the workspace that backed the process.
	Release() error
}

// Runner builds source text and launches the result.
type Runner interface {
	Launch(ctx context.Context, req Request) (Process, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, req Request) (Process, error)

func (f RunnerFunc) Launch(ctx context.Context, req Request) (Process, error) {
	return f(ctx, req)
}

// BuildError carries the compiler diagnostic for source that did not build.
type BuildError struct {
	Output string
}

func (e *BuildError) Error() string {
	if e.Output == "" {
		return "build failed"
	}
	return e.Output
}

// LaunchError reports that the sandbox could not start the program.
type LaunchError struct {
	Err error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launching program: %v", e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }
