package environment

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"

	harnesserr "github.com/lemon07r/webgauge/internal/errors"
)

// ContainerLabel marks containers started by the harness so clean can find leftovers.
const ContainerLabel = "webgauge.session"

// defaultShmSize gives headless Chromium enough shared memory to render large pages.
const defaultShmSize = 2 << 30

// DockerClient wraps the Docker SDK client with the operations bridge containers need.
type DockerClient struct {
	client *client.Client
}

// NewDockerClient creates a Docker client and verifies the daemon is reachable.
func NewDockerClient() (*DockerClient, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("docker daemon not accessible (is Docker running?): %w", err)
	}

	return &DockerClient{client: cli}, nil
}

// Close closes the Docker client.
func (d *DockerClient) Close() error {
	return d.client.Close()
}

// ImageExists reports whether imageName is present locally.
func (d *DockerClient) ImageExists(ctx context.Context, imageName string) (bool, error) {
	images, err := d.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return false, fmt.Errorf("listing images: %w", err)
	}
	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == imageName {
				return true, nil
			}
		}
	}
	return false, nil
}

// PullImage pulls an image and waits for the pull to finish.
func (d *DockerClient) PullImage(ctx context.Context, imageName string) error {
	reader, err := d.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", imageName, err)
	}
	defer func() { _ = reader.Close() }()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("reading pull response: %w", err)
	}
	return nil
}

// EnsureImage makes imageName available locally, pulling it when allowed.
func (d *DockerClient) EnsureImage(ctx context.Context, imageName string, autoPull bool) error {
	exists, err := d.ImageExists(ctx, imageName)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	if !autoPull {
		return fmt.Errorf("image %s not found locally and auto-pull is disabled", imageName)
	}
	return d.PullImage(ctx, imageName)
}

// ContainerConfig describes a bridge container.
type ContainerConfig struct {
	Image   string
	Name    string
	Cmd     []string
	Env     []string
	Session string
}

// containerOptions builds the create options for a bridge container: stdin
// held open for the bridge protocol and the session label set.
func containerOptions(cfg ContainerConfig) (*container.Config, *container.HostConfig) {
	containerCfg := &container.Config{
		Image:        cfg.Image,
		Cmd:          cfg.Cmd,
		Env:          cfg.Env,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		StdinOnce:    true,
		Labels:       map[string]string{ContainerLabel: cfg.Session},
	}
	hostCfg := &container.HostConfig{
		ShmSize: defaultShmSize,
	}
	return containerCfg, hostCfg
}

// CreateContainer creates a container with stdin held open for the bridge protocol.
func (d *DockerClient) CreateContainer(ctx context.Context, cfg ContainerConfig) (string, error) {
	containerCfg, hostCfg := containerOptions(cfg)
	resp, err := d.client.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, cfg.Name)
	if err != nil {
		return "", fmt.Errorf("creating container: %w", err)
	}
	return resp.ID, nil
}

// StartContainer starts a container.
func (d *DockerClient) StartContainer(ctx context.Context, containerID string) error {
	if err := d.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("starting container: %w", err)
	}
	return nil
}

// RemoveContainer removes a container.
func (d *DockerClient) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	if err := d.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: force}); err != nil {
		return fmt.Errorf("removing container: %w", err)
	}
	return nil
}

// ListSessionContainers returns the ids of every container carrying ContainerLabel.
func (d *DockerClient) ListSessionContainers(ctx context.Context) ([]string, error) {
	list, err := d.client.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}
	var ids []string
	for _, c := range list {
		if _, ok := c.Labels[ContainerLabel]; ok {
			ids = append(ids, c.ID)
		}
	}
	return ids, nil
}

var attachOptions = container.AttachOptions{
	Stream: true,
	Stdin:  true,
	Stdout: true,
	Stderr: true,
}

// attachedStdin closes only the write half of the hijacked connection so
// the container still flushes its replies.
type attachedStdin struct {
	io.Writer
	closeWrite func() error
}

func (a attachedStdin) Close() error { return a.closeWrite() }

// Attach connects to a running container's streams. Stdout is demultiplexed
// into the returned reader; stderr is copied to stderr.
func (d *DockerClient) Attach(ctx context.Context, containerID string, stderr io.Writer) (io.Reader, io.WriteCloser, func(), error) {
	resp, err := d.client.ContainerAttach(ctx, containerID, attachOptions)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("attaching to container: %w", err)
	}

	// stdcopy.StdCopy blocks until the stream ends, so it runs on its own
	// goroutine and the pipe carries stdout to the bridge reader.
	pr, pw := io.Pipe()
	go func() {
		_, copyErr := stdcopy.StdCopy(pw, stderr, resp.Reader)
		_ = pw.CloseWithError(copyErr)
	}()

	stdin := attachedStdin{Writer: resp.Conn, closeWrite: resp.CloseWrite}
	return pr, stdin, resp.Close, nil
}

// DockerBridgeConfig configures a bridge running inside a container.
type DockerBridgeConfig struct {
	Image      string
	AutoPull   bool
	Command    []string
	Env        []string
	Stderr     io.Writer
	CloseGrace time.Duration
	Logger     *slog.Logger
}

// bridgeContainer names the container after the task and a session id prefix.
func bridgeContainer(image string, command, env []string, taskID, session string) ContainerConfig {
	short := session
	if len(short) > 8 {
		short = short[:8]
	}
	return ContainerConfig{
		Image:   image,
		Name:    "webgauge-" + strings.ReplaceAll(taskID, ".", "-") + "-" + short,
		Cmd:     command,
		Env:     env,
		Session: session,
	}
}

// StartDockerBridge runs the bridge command in a fresh container and speaks
// the bridge protocol over its attached stdio. Close removes the container.
func StartDockerBridge(ctx context.Context, cfg DockerBridgeConfig, spec Spec) (*Bridge, error) {
	if cfg.Image == "" {
		return nil, harnesserr.New(harnesserr.KindValidation, harnesserr.CodeEnvironmentFailure, "docker image is not configured")
	}
	if cfg.Stderr == nil {
		cfg.Stderr = io.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	command := make([]string, 0, len(cfg.Command))
	for _, c := range cfg.Command {
		if c != "" {
			command = append(command, c)
		}
	}

	docker, err := NewDockerClient()
	if err != nil {
		return nil, harnesserr.Wrap(harnesserr.KindEnvironment, harnesserr.CodeEnvironmentFailure, err, "connecting to docker")
	}
	fail := func(err error, format string, args ...any) (*Bridge, error) {
		_ = docker.Close()
		return nil, harnesserr.Wrap(harnesserr.KindEnvironment, harnesserr.CodeEnvironmentFailure, err, format, args...)
	}

	if err := docker.EnsureImage(ctx, cfg.Image, cfg.AutoPull); err != nil {
		return fail(err, "preparing image %s", cfg.Image)
	}

	containerID, err := docker.CreateContainer(ctx, bridgeContainer(cfg.Image, command, cfg.Env, spec.TaskID, uuid.NewString()))
	if err != nil {
		return fail(err, "creating bridge container")
	}

	remove := func() error {
		rmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err := docker.RemoveContainer(rmCtx, containerID, true)
		_ = docker.Close()
		return err
	}

	stdout, stdin, detach, err := docker.Attach(ctx, containerID, cfg.Stderr)
	if err != nil {
		_ = remove()
		return nil, harnesserr.Wrap(harnesserr.KindEnvironment, harnesserr.CodeEnvironmentFailure, err, "attaching bridge container")
	}
	if err := docker.StartContainer(ctx, containerID); err != nil {
		detach()
		_ = remove()
		return nil, harnesserr.Wrap(harnesserr.KindEnvironment, harnesserr.CodeEnvironmentFailure, err, "starting bridge container")
	}

	cfg.Logger.Debug("bridge container started", "container", containerID[:12], "image", cfg.Image, "task", spec.TaskID)

	teardown := func() error {
		detach()
		if err := remove(); err != nil {
			return fmt.Errorf("removing bridge container %s: %w", containerID[:12], err)
		}
		return nil
	}
	return NewBridge(spec, stdout, stdin, teardown, cfg.CloseGrace, cfg.Logger), nil
}
