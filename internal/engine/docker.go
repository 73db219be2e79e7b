package engine

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/go-units"
	"github.com/rs/zerolog/log"

	"github.com/sandboxd/sandboxd/internal/errdefs"
)

const (
	// ManagedLabel marks every container this process creates, so startup
	// garbage collection can find orphans from a previous run.
	ManagedLabel  = "dev.sandboxd.managed"
	LanguageLabel = "dev.sandboxd.language"
)

// DockerEngine implements Engine over the Docker-compatible local daemon.
type DockerEngine struct {
	cli *client.Client
}

// NewDockerEngine connects to the local daemon and garbage-collects
// orphaned managed containers in the background.
func NewDockerEngine() (*DockerEngine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	go cleanupOrphans(cli)

	return &DockerEngine{cli: cli}, nil
}

func (e *DockerEngine) Ping(ctx context.Context) error {
	if _, err := e.cli.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrContainer, err)
	}
	return nil
}

func (e *DockerEngine) Close() error {
	return e.cli.Close()
}

func cleanupOrphans(cli *client.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	list, err := cli.ContainerList(ctx, types.ContainerListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", ManagedLabel+"=true")),
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to list orphaned containers")
		return
	}

	count := 0
	for _, c := range list {
		if err := cli.ContainerRemove(ctx, c.ID, types.ContainerRemoveOptions{Force: true}); err != nil {
			log.Warn().Str("id", c.ID).Err(err).Msg("Failed to remove orphan")
		} else {
			count++
		}
	}
	if count > 0 {
		log.Info().Int("count", count).Msg("Removed orphaned containers")
	}
}

// CreateContainer provisions (but does not start) a hardened container.
// The entrypoint keeps the container alive so later execs can attach.
func (e *DockerEngine) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	if spec.Image == "" {
		return "", errdefs.Validationf("image is required")
	}
	if spec.NetworkMode == "" {
		spec.NetworkMode = "none"
	}

	if err := e.ensureImage(ctx, spec.Image); err != nil {
		return "", err
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	hostConfig := &container.HostConfig{
		NetworkMode: container.NetworkMode(spec.NetworkMode),
		Resources: container.Resources{
			NanoCPUs: int64(spec.CPUCores * 1e9),
			Memory:   spec.MemoryMB * 1024 * 1024,
		},
	}

	for _, b := range spec.Binds {
		hostConfig.Mounts = append(hostConfig.Mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   b.HostPath,
			Target:   b.ContainerPath,
			ReadOnly: b.ReadOnly,
		})
	}

	if h := spec.Hardening; h != nil {
		if h.MemoryMB > 0 && spec.MemoryMB == 0 {
			hostConfig.Resources.Memory = h.MemoryMB * 1024 * 1024
			hostConfig.Resources.MemorySwap = h.MemoryMB * 1024 * 1024
		}
		if h.CPUCores > 0 && spec.CPUCores == 0 {
			hostConfig.Resources.NanoCPUs = int64(h.CPUCores * 1e9)
		}
		if h.PidsLimit > 0 {
			pids := h.PidsLimit
			hostConfig.Resources.PidsLimit = &pids
		}
		hostConfig.CapDrop = strslice.StrSlice(h.CapDrop)
		hostConfig.CapAdd = strslice.StrSlice(h.CapAdd)
		if h.NoNewPrivileges {
			hostConfig.SecurityOpt = append(hostConfig.SecurityOpt, "no-new-privileges:true")
		}
		if h.SeccompJSON != "" {
			hostConfig.SecurityOpt = append(hostConfig.SecurityOpt, "seccomp="+h.SeccompJSON)
		}
		hostConfig.ReadonlyRootfs = h.ReadOnlyRoot
		if len(h.Tmpfs) > 0 {
			hostConfig.Tmpfs = h.Tmpfs
		}
		for _, u := range h.Ulimits {
			hostConfig.Ulimits = append(hostConfig.Ulimits, &units.Ulimit{
				Name: u.Name,
				Soft: u.Soft,
				Hard: u.Hard,
			})
		}
	}

	if spec.GPU {
		hostConfig.DeviceRequests = []container.DeviceRequest{{
			Driver:       "nvidia",
			Count:        -1,
			Capabilities: [][]string{{"gpu"}},
		}}
	}

	user := ""
	if spec.Hardening != nil {
		user = spec.Hardening.User
	}

	resp, err := e.cli.ContainerCreate(ctx,
		&container.Config{
			Image:      spec.Image,
			Cmd:        []string{"tail", "-f", "/dev/null"},
			Env:        env,
			User:       user,
			WorkingDir: "/workspace",
			Labels: map[string]string{
				ManagedLabel:  "true",
				LanguageLabel: spec.Language,
			},
		},
		hostConfig,
		nil,
		nil,
		"",
	)
	if err != nil {
		return "", fmt.Errorf("%w: create container: %v", errdefs.ErrContainer, err)
	}
	return resp.ID, nil
}

func (e *DockerEngine) ensureImage(ctx context.Context, image string) error {
	_, _, err := e.cli.ImageInspectWithRaw(ctx, image)
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return fmt.Errorf("%w: inspect image: %v", errdefs.ErrContainer, err)
	}

	log.Info().Str("image", image).Msg("Image not found locally, pulling...")
	reader, err := e.cli.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("%w: pull image %s: %v", errdefs.ErrContainer, image, err)
	}
	defer reader.Close()
	_, _ = io.Copy(io.Discard, reader)
	return nil
}

func (e *DockerEngine) StartContainer(ctx context.Context, id string) error {
	err := e.cli.ContainerStart(ctx, id, types.ContainerStartOptions{})
	if err != nil && !benignLifecycleError(err) {
		return fmt.Errorf("%w: start container: %v", errdefs.ErrContainer, err)
	}
	return nil
}

func (e *DockerEngine) StopContainer(ctx context.Context, id string) error {
	timeout := 5
	err := e.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout})
	if err != nil && !benignLifecycleError(err) {
		return fmt.Errorf("%w: stop container: %v", errdefs.ErrContainer, err)
	}
	return nil
}

func (e *DockerEngine) PauseContainer(ctx context.Context, id string) error {
	err := e.cli.ContainerPause(ctx, id)
	if err != nil && !benignLifecycleError(err) {
		return fmt.Errorf("%w: pause container: %v", errdefs.ErrContainer, err)
	}
	return nil
}

func (e *DockerEngine) UnpauseContainer(ctx context.Context, id string) error {
	err := e.cli.ContainerUnpause(ctx, id)
	if err != nil && !benignLifecycleError(err) {
		return fmt.Errorf("%w: unpause container: %v", errdefs.ErrContainer, err)
	}
	return nil
}

func (e *DockerEngine) RemoveContainer(ctx context.Context, id string) error {
	err := e.cli.ContainerRemove(ctx, id, types.ContainerRemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("%w: remove container: %v", errdefs.ErrContainer, err)
	}
	return nil
}

func (e *DockerEngine) CommitContainer(ctx context.Context, id, tag string) error {
	_, err := e.cli.ContainerCommit(ctx, id, types.ContainerCommitOptions{Reference: tag})
	if err != nil {
		return fmt.Errorf("%w: commit container: %v", errdefs.ErrContainer, err)
	}
	return nil
}

func (e *DockerEngine) ListImages(ctx context.Context) ([]ImageInfo, error) {
	summaries, err := e.cli.ImageList(ctx, types.ImageListOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: list images: %v", errdefs.ErrContainer, err)
	}
	infos := make([]ImageInfo, 0, len(summaries))
	for _, s := range summaries {
		infos = append(infos, ImageInfo{
			ID:        s.ID,
			Tags:      s.RepoTags,
			SizeBytes: s.Size,
			CreatedAt: time.Unix(s.Created, 0),
		})
	}
	return infos, nil
}

func (e *DockerEngine) RemoveImage(ctx context.Context, id string, force bool) error {
	_, err := e.cli.ImageRemove(ctx, id, types.ImageRemoveOptions{
		Force:         force,
		PruneChildren: true,
	})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("%w: remove image: %v", errdefs.ErrContainer, err)
	}
	return nil
}

// benignLifecycleError reports engine responses that mean the desired
// state already holds: already started, not running, already paused.
func benignLifecycleError(err error) bool {
	if err == nil {
		return true
	}
	if client.IsErrNotFound(err) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "is already started") ||
		strings.Contains(msg, "is not running") ||
		strings.Contains(msg, "is already paused") ||
		strings.Contains(msg, "is not paused") ||
		strings.Contains(msg, "not modified")
}
