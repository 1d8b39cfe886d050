// container.go implements the container operations sessionrun needs on top
// of the Docker SDK: pulling the session image, creating and starting a
// sandbox, running commands in it with exec, and removing it again.
//
// Every sandbox carries the "sessionrun.managed-by" label so leftovers from
// interrupted runs can be found by ListManagedContainers and pruned.
package docker

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"github.com/shinji-kodama/sessionrun/internal/model"
)

// ContainerSpec describes a sandbox container to create.
type ContainerSpec struct {
	Name       string
	Image      string
	Cmd        []string
	WorkingDir string
	Env        []string
	Labels     map[string]string
	Binds      []string
}

// Engine is the subset of the Docker daemon used by Sandbox and prune.
// Client implements it; tests substitute a fake.
type Engine interface {
	// EnsureImage pulls ref unless it is already present locally. Pull
	// progress is copied to progress.
	EnsureImage(ctx context.Context, ref string, progress io.Writer) error

	// CreateContainer creates a container and returns its ID.
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)

	StartContainer(ctx context.Context, id string) error

	// Exec runs args inside a running container, streams its output and
	// returns the process exit code.
	Exec(ctx context.Context, id string, args []string, workingDir string, stdout, stderr io.Writer) (int, error)

	// RemoveContainer force-removes a container and its anonymous volumes.
	RemoveContainer(ctx context.Context, id string) error

	ListManagedContainers(ctx context.Context) ([]SandboxInfo, error)
}

var _ Engine = (*Client)(nil)

// EnsureImage implements Engine.
func (c *Client) EnsureImage(ctx context.Context, ref string, progress io.Writer) error {
	images, err := c.inner.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", ref)),
	})
	if err != nil {
		return fmt.Errorf("failed to list images: %w", err)
	}
	if len(images) > 0 {
		return nil
	}

	rc, err := c.inner.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer rc.Close()

	// The pull only completes once the progress stream is drained.
	if progress == nil {
		progress = io.Discard
	}
	if _, err := io.Copy(progress, rc); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	return nil
}

// CreateContainer implements Engine.
func (c *Client) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	resp, err := c.inner.ContainerCreate(ctx,
		&container.Config{
			Image:      spec.Image,
			Cmd:        spec.Cmd,
			WorkingDir: spec.WorkingDir,
			Env:        spec.Env,
			Labels:     spec.Labels,
		},
		&container.HostConfig{Binds: spec.Binds},
		nil, nil, spec.Name,
	)
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", spec.Name, err)
	}
	return resp.ID, nil
}

// StartContainer implements Engine.
func (c *Client) StartContainer(ctx context.Context, id string) error {
	if err := c.inner.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", shortID(id), err)
	}
	return nil
}

// Exec implements Engine.
func (c *Client) Exec(ctx context.Context, id string, args []string, workingDir string, stdout, stderr io.Writer) (int, error) {
	created, err := c.inner.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          args,
		WorkingDir:   workingDir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return -1, fmt.Errorf("failed to create exec in %s: %w", shortID(id), err)
	}

	attached, err := c.inner.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return -1, fmt.Errorf("failed to attach to exec in %s: %w", shortID(id), err)
	}
	defer attached.Close()

	// Without a TTY the daemon multiplexes stdout and stderr on one stream.
	if _, err := stdcopy.StdCopy(stdout, stderr, attached.Reader); err != nil {
		return -1, fmt.Errorf("failed to read exec output: %w", err)
	}

	inspect, err := c.inner.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return -1, fmt.Errorf("failed to inspect exec in %s: %w", shortID(id), err)
	}
	return inspect.ExitCode, nil
}

// RemoveContainer implements Engine.
func (c *Client) RemoveContainer(ctx context.Context, id string) error {
	err := c.inner.ContainerRemove(ctx, id, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil {
		return fmt.Errorf("failed to remove container %s: %w", shortID(id), err)
	}
	return nil
}

// ListManagedContainers returns every container, running or not, labelled
// as managed by sessionrun. Filtering happens server-side.
func (c *Client) ListManagedContainers(ctx context.Context) ([]SandboxInfo, error) {
	containers, err := c.inner.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", LabelManagedBy+"="+ManagedByValue),
		),
	})
	if err != nil {
		return nil, model.WrapCLIError(
			model.ExitDockerNotRunning,
			"failed to list Docker containers",
			err,
		)
	}

	result := make([]SandboxInfo, 0, len(containers))
	for _, ctr := range containers {
		result = append(result, toSandboxInfo(ctr.ID, ctr.Names, ctr.State, ctr.Labels))
	}
	return result, nil
}

// toSandboxInfo maps the fields of a container listing onto a SandboxInfo.
// Docker reports names with a leading "/", which is stripped. Containers
// whose labels do not parse are still returned so prune can remove them.
func toSandboxInfo(id string, names []string, state string, labels map[string]string) SandboxInfo {
	info := SandboxInfo{}
	if parsed, err := ParseLabels(labels); err == nil {
		info = *parsed
	} else {
		info.Session = labels[LabelSession]
	}
	info.ContainerID = id
	if len(names) > 0 {
		info.ContainerName = strings.TrimPrefix(names[0], "/")
	}
	info.Status = state
	return info
}

// Prune removes every sandbox container left behind by earlier runs and
// returns the removed containers. Removal continues past individual
// failures; the first error is returned.
func Prune(ctx context.Context, engine Engine, logger *zap.SugaredLogger) ([]SandboxInfo, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	sandboxes, err := engine.ListManagedContainers(ctx)
	if err != nil {
		return nil, err
	}

	var removed []SandboxInfo
	var firstErr error
	for _, sb := range sandboxes {
		if err := engine.RemoveContainer(ctx, sb.ContainerID); err != nil {
			logger.Warnw("Failed to remove sandbox", "Container", sb.ContainerName, "Error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		logger.Infow("Removed sandbox", "Container", sb.ContainerName, "Session", sb.Session)
		removed = append(removed, sb)
	}
	return removed, firstErr
}

// shortID truncates a container ID to the 12 characters docker prints.
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
