package sandbox

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"time"

	"github.com/rs/zerolog"

	"github.com/michaelbrown/runbox/internal/logger"
)

// LocalRunner builds and runs programs directly on the host, inside a
// per-attempt workspace directory. It provides no isolation beyond a
// separate process group and is meant for development and tests.
type LocalRunner struct {
	Root      string
	Languages Languages
	Policy    Policy
	log       zerolog.Logger
}

// NewLocalRunner creates a runner that keeps workspaces under root.
func NewLocalRunner(root string, langs Languages, policy Policy) *LocalRunner {
	return &LocalRunner{
		Root:      root,
		Languages: langs,
		Policy:    policy,
		log:       logger.WithComponent("sandbox.local"),
	}
}

// Supports reports whether lang has a definition.
func (r *LocalRunner) Supports(lang string) bool {
	_, ok := r.Languages[lang]
	return ok
}

func (r *LocalRunner) Launch(ctx context.Context, req Request) (Process, error) {
	lang, err := r.Languages.Lookup(req.Language)
	if err != nil {
		return nil, err
	}

	ws, err := NewWorkspace(r.Root, lang, req.Code)
	if err != nil {
		return nil, &LaunchError{Err: err}
	}

	if len(lang.Build) > 0 {
		if err := r.build(ctx, ws, lang); err != nil {
			discardWorkspace(r.log, ws)
			return nil, err
		}
	}
	if ctx.Err() != nil {
		discardWorkspace(r.log, ws)
		return nil, &LaunchError{Err: ctx.Err()}
	}

	cmd := exec.Command(lang.Run[0], lang.Run[1:]...)
	cmd.Dir = ws.Dir
	cmd.Env = append(os.Environ(), lang.Env...)

	p, err := startProcess(cmd, ws, nil)
	if err != nil {
		discardWorkspace(r.log, ws)
		return nil, err
	}

	r.log.Debug().
		Str("workspace", ws.ID).
		Str("language", lang.Name).
		Int("pid", cmd.Process.Pid).
		Msg("program started")
	return p, nil
}

func (r *LocalRunner) build(ctx context.Context, ws *Workspace, lang Language) error {
	bctx, cancel := withBuildTimeout(ctx, r.Policy.BuildTimeout)
	defer cancel()

	cmd := exec.CommandContext(bctx, lang.Build[0], lang.Build[1:]...)
	cmd.Dir = ws.Dir
	cmd.Env = append(os.Environ(), lang.Env...)
	setProcAttr(cmd)
	cmd.Cancel = func() error { return killProcessTree(cmd) }
	cmd.WaitDelay = 2 * time.Second

	out, err := cmd.CombinedOutput()
	return classifyBuild(ctx, bctx, out, err, 0)
}

func withBuildTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// classifyBuild turns the result of a build command into nil, a *BuildError
// or a *LaunchError. Exit codes at or above launcherFailureCode (when
// non-zero) are treated as failures of the launcher rather than the build.
func classifyBuild(ctx, bctx context.Context, out []byte, err error, launcherFailureCode int) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return &LaunchError{Err: ctx.Err()}
	}
	if errors.Is(bctx.Err(), context.DeadlineExceeded) {
		return &BuildError{Output: string(out) + "\nbuild timed out"}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if launcherFailureCode > 0 && exitErr.ExitCode() >= launcherFailureCode {
			return &LaunchError{Err: errors.New(string(out))}
		}
		return &BuildError{Output: string(out)}
	}
	return &LaunchError{Err: err}
}

func discardWorkspace(log zerolog.Logger, ws *Workspace) {
	if err := ws.Remove(); err != nil {
		log.Warn().Err(err).Str("workspace", ws.ID).Msg("workspace cleanup failed")
	}
}
