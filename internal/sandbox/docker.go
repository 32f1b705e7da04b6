package sandbox

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/rs/zerolog"

	"github.com/michaelbrown/runbox/internal/logger"
)

const (
	managedLabel = "runbox.managed=true"
	// docker run exits with 125-127 when the daemon or the container
	// entrypoint failed rather than the command inside it.
	dockerLauncherFailure = 125
)

// containerAPI is the slice of the Docker Engine API the runner uses.
type containerAPI interface {
	Ping(ctx context.Context) (types.Ping, error)
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	io.Closer
}

// DockerRunner builds and runs programs in throwaway containers. The docker
// CLI carries the interactive streams; the Engine API is used for health
// checks and to make sure containers die with their sessions.
type DockerRunner struct {
	Root      string
	Languages Languages
	Policy    Policy
	Binary    string

	api containerAPI
	log zerolog.Logger
}

// NewDockerRunner creates a runner using the Docker environment
// (DOCKER_HOST and friends) for API access.
func NewDockerRunner(root string, langs Languages, policy Policy) (*DockerRunner, error) {
	api, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return newDockerRunner(root, langs, policy, api), nil
}

func newDockerRunner(root string, langs Languages, policy Policy, api containerAPI) *DockerRunner {
	return &DockerRunner{
		Root:      root,
		Languages: langs,
		Policy:    policy,
		Binary:    "docker",
		api:       api,
		log:       logger.WithComponent("sandbox.docker"),
	}
}

// Supports reports whether lang has a definition.
func (d *DockerRunner) Supports(lang string) bool {
	_, ok := d.Languages[lang]
	return ok
}

// Check verifies that the daemon answers and logs any language image that
// is not present locally (it will be pulled on first use).
func (d *DockerRunner) Check(ctx context.Context) error {
	ping, err := d.api.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker daemon unreachable: %w", err)
	}
	d.log.Debug().Str("api_version", ping.APIVersion).Msg("docker daemon reachable")

	for _, name := range d.Languages.Names() {
		image := d.Languages[name].Image
		if _, _, err := d.api.ImageInspectWithRaw(ctx, image); err != nil {
			if errdefs.IsNotFound(err) {
				d.log.Warn().Str("language", name).Str("image", image).Msg("image not present locally")
				continue
			}
			return fmt.Errorf("inspecting image %s: %w", image, err)
		}
	}
	return nil
}

// Sweep force-removes containers left behind by a previous server process.
func (d *DockerRunner) Sweep(ctx context.Context) (int, error) {
	list, err := d.api.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", managedLabel)),
	})
	if err != nil {
		return 0, fmt.Errorf("listing containers: %w", err)
	}

	removed := 0
	for _, c := range list {
		if err := d.api.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			d.log.Warn().Err(err).Str("container", c.ID).Msg("removing stale container")
			continue
		}
		removed++
	}
	return removed, nil
}

// Close releases the API client.
func (d *DockerRunner) Close() error {
	return d.api.Close()
}

func (d *DockerRunner) Launch(ctx context.Context, req Request) (Process, error) {
	lang, err := d.Languages.Lookup(req.Language)
	if err != nil {
		return nil, err
	}

	ws, err := NewWorkspace(d.Root, lang, req.Code)
	if err != nil {
		return nil, &LaunchError{Err: err}
	}

	if len(lang.Build) > 0 {
		if err := d.build(ctx, ws, lang); err != nil {
			discardWorkspace(d.log, ws)
			return nil, err
		}
	}
	if ctx.Err() != nil {
		discardWorkspace(d.log, ws)
		return nil, &LaunchError{Err: ctx.Err()}
	}

	name := containerName("run", ws)
	cmd := exec.Command(d.Binary, d.runArgs(ws, lang, name)...)
	p, err := startProcess(cmd, ws, func() error { return d.killContainer(name) })
	if err != nil {
		discardWorkspace(d.log, ws)
		return nil, err
	}

	d.log.Debug().
		Str("workspace", ws.ID).
		Str("container", name).
		Str("image", lang.Image).
		Msg("container started")
	return p, nil
}

func (d *DockerRunner) build(ctx context.Context, ws *Workspace, lang Language) error {
	bctx, cancel := withBuildTimeout(ctx, d.Policy.BuildTimeout)
	defer cancel()

	name := containerName("build", ws)
	cmd := exec.CommandContext(bctx, d.Binary, d.buildArgs(ws, lang, name)...)
	setProcAttr(cmd)
	cmd.Cancel = func() error {
		err := killProcessTree(cmd)
		if kerr := d.killContainer(name); kerr != nil {
			d.log.Warn().Err(kerr).Str("container", name).Msg("killing build container")
		}
		return err
	}
	cmd.WaitDelay = 2 * time.Second

	out, err := cmd.CombinedOutput()
	return classifyBuild(ctx, bctx, out, err, dockerLauncherFailure)
}

func (d *DockerRunner) buildArgs(ws *Workspace, lang Language, name string) []string {
	args := []string{"run", "--rm", "--name", name, "--label", managedLabel}
	args = append(args, d.commonArgs(ws, lang)...)
	args = append(args, lang.Image)
	return append(args, lang.Build...)
}

func (d *DockerRunner) runArgs(ws *Workspace, lang Language, name string) []string {
	args := []string{"run", "-i", "--rm", "--name", name, "--label", managedLabel}
	args = append(args, d.commonArgs(ws, lang)...)
	args = append(args, lang.Image)
	return append(args, lang.Run...)
}

func (d *DockerRunner) commonArgs(ws *Workspace, lang Language) []string {
	args := d.Policy.dockerArgs()
	args = append(args, "-v", ws.Dir+":/workspace", "-w", "/workspace")
	for _, env := range lang.Env {
		args = append(args, "-e", env)
	}
	return args
}

// killContainer is a no-op when the container is already gone or stopped.
func (d *DockerRunner) killContainer(name string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := d.api.ContainerKill(ctx, name, "KILL")
	if err == nil || errdefs.IsNotFound(err) || errdefs.IsConflict(err) {
		return nil
	}
	return fmt.Errorf("killing container %s: %w", name, err)
}

func containerName(kind string, ws *Workspace) string {
	return "runbox-" + kind + "-" + ws.ID
}
