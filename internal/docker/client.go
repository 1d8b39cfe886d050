package docker

import (
	"context"
	"fmt"
	"net"
	"os"
	"runtime"
	"time"

	"github.com/docker/docker/client"

	"github.com/shinji-kodama/sessionrun/internal/model"
)

// defaultPingTimeout is how long Ping waits for the daemon. Docker Desktop on
// macOS can take a few seconds to answer after the VM wakes up, while a
// native Linux daemon answers almost immediately.
const defaultPingTimeout = 5 * time.Second

// Client wraps the Docker Engine SDK client and implements Engine for the
// sandbox backend and the prune command. It locates the daemon socket on
// Linux, macOS and Windows and checks the daemon answers before any
// sandbox is created.
//
// Usage:
//
//	c, err := docker.NewClient()
//	if err != nil { /* handle */ }
//	defer c.Close()
//	if err := c.Ping(ctx); err != nil { /* Docker not running */ }
type Client struct {
	// inner is the SDK client. It is kept unexported so the rest of the
	// module only sees the Engine operations sandboxes need.
	inner *client.Client
}

// NewClient creates a Docker client with automatic socket detection.
//
// Detection order:
//  1. DOCKER_HOST (used as-is)
//  2. Platform defaults:
//     - Linux: /var/run/docker.sock
//     - macOS: /var/run/docker.sock, then ~/.docker/run/docker.sock
//     - Windows: npipe:////./pipe/docker_engine
//
// Returns a model.CLIError with ExitDockerNotRunning if no socket is found.
func NewClient() (*Client, error) {
	// Step 1: An explicit DOCKER_HOST always wins. The SDK parses the
	// connection string itself (unix://, tcp://, npipe://, ssh://).
	if dockerHost := os.Getenv("DOCKER_HOST"); dockerHost != "" {
		return newClientWithHost(dockerHost)
	}

	// Step 2: Probe the platform's well-known socket locations.
	host, err := detectDockerHost()
	if err != nil {
		return nil, model.WrapCLIError(
			model.ExitDockerNotRunning,
			"Docker socket not found",
			err,
		)
	}
	return newClientWithHost(host)
}

// newClientWithHost creates an SDK client for host, e.g.
// "unix:///var/run/docker.sock" or "npipe:////./pipe/docker_engine".
func newClientWithHost(host string) (*Client, error) {
	// API version negotiation lets one binary talk to older and newer
	// daemons without pinning an API version.
	c, err := client.NewClientWithOpts(
		client.WithHost(host),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, model.WrapCLIError(
			model.ExitDockerNotRunning,
			fmt.Sprintf("failed to create Docker client for host %q", host),
			err,
		)
	}
	return &Client{inner: c}, nil
}

// detectDockerHost returns the host URI of the first Docker socket found
// for the current platform.
//
// Only the socket's existence is checked here, which needs no running
// daemon. Reachability is checked later by Ping.
func detectDockerHost() (string, error) {
	switch runtime.GOOS {
	case "linux":
		// The packaged daemon always listens on the standard path.
		return detectUnixSocket([]string{"/var/run/docker.sock"})

	case "darwin":
		// Docker Desktop symlinks /var/run/docker.sock when it has the
		// privileges to; newer versions otherwise only create the socket
		// under the user's home directory.
		homeDir, err := os.UserHomeDir()
		if err != nil {
			// Without a home directory only the standard path is left.
			return detectUnixSocket([]string{"/var/run/docker.sock"})
		}
		return detectUnixSocket([]string{
			"/var/run/docker.sock",
			homeDir + "/.docker/run/docker.sock",
		})

	case "windows":
		// Docker Desktop on Windows listens on a fixed named pipe.
		// os.Stat does not work on named pipes, so probe with a short dial
		// and close the probe connection right away.
		pipePath := `//./pipe/docker_engine`
		conn, err := net.DialTimeout("pipe", pipePath, 1*time.Second)
		if err == nil {
			conn.Close()
			return "npipe://" + pipePath, nil
		}
		return "", fmt.Errorf("Docker named pipe not found at %s: %w", pipePath, err)

	default:
		return "", fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
}

// detectUnixSocket returns the unix:// URI of the first path that exists.
// Paths are checked in order, most preferred first.
func detectUnixSocket(paths []string) (string, error) {
	for _, path := range paths {
		// A socket file can outlive its daemon; Ping catches that case.
		if _, err := os.Stat(path); err == nil {
			return "unix://" + path, nil
		}
	}
	return "", fmt.Errorf("Docker socket not found at any of: %v (is Docker running?)", paths)
}

// Ping verifies the Docker daemon answers within defaultPingTimeout.
// A paused Docker Desktop accepts connections but never answers, so the
// request is bounded by its own timeout.
//
// Returns a model.CLIError with ExitDockerNotRunning otherwise.
func (c *Client) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()

	if _, err := c.inner.Ping(pingCtx); err != nil {
		return model.WrapCLIError(
			model.ExitDockerNotRunning,
			"Docker daemon is not responding (is Docker running?)",
			err,
		)
	}
	return nil
}

// Close releases the client's connections. The run and prune commands
// defer it right after NewClient succeeds.
//
// Close is safe to call more than once.
func (c *Client) Close() error {
	if c.inner != nil {
		return c.inner.Close()
	}
	return nil
}
