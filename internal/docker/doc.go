// Package docker provides the docker execution backend for sessionrun.
//
// This package handles:
//   - Docker client initialization with automatic socket detection
//     (Linux, macOS, Windows)
//   - Container labels that mark sandboxes created by sessionrun, so
//     leftovers from interrupted runs can be found and pruned
//   - Sandbox: a session.Environment that runs every install and run step
//     inside a disposable python:<version> container with the project
//     bind-mounted at /workspace
//
// The package uses github.com/docker/docker/client as the underlying
// Docker SDK, with version negotiation enabled for broad compatibility.
package docker
