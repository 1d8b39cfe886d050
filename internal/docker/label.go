package docker

import (
	"fmt"
	"time"
)

// Label key constants define the Docker labels put on every sandbox
// container. They identify containers created by sessionrun and record
// which session instance a container belongs to.
//
// All keys share the "sessionrun." prefix to namespace them and avoid
// collisions with labels set by other tools.
const (
	// LabelPrefix is the common prefix for all sessionrun labels.
	LabelPrefix = "sessionrun."

	// LabelManagedBy identifies containers managed by sessionrun.
	// This is the primary label used for filtering and discovery.
	LabelManagedBy = LabelPrefix + "managed-by"

	// LabelSession stores the session instance name, e.g. "unit-3.9".
	LabelSession = LabelPrefix + "session"

	// LabelPython stores the interpreter version of the session.
	LabelPython = LabelPrefix + "python"

	// LabelRoot stores the host project root mounted into the container.
	LabelRoot = LabelPrefix + "root"

	// LabelCreatedAt stores the RFC3339 timestamp of container creation.
	LabelCreatedAt = LabelPrefix + "created-at"
)

// ManagedByValue is the constant value for the LabelManagedBy label.
const ManagedByValue = "sessionrun"

// BuildLabels constructs the label map for a sandbox container.
func BuildLabels(instance, python, root string, createdAt time.Time) map[string]string {
	return map[string]string{
		LabelManagedBy: ManagedByValue,
		LabelSession:   instance,
		LabelPython:    python,
		LabelRoot:      root,
		// UTC keeps the value independent of the host's timezone.
		LabelCreatedAt: createdAt.UTC().Format(time.RFC3339),
	}
}

// SandboxInfo is a sandbox container reconstructed from its labels.
type SandboxInfo struct {
	ContainerID   string    `json:"containerId"`
	ContainerName string    `json:"containerName"`
	Session       string    `json:"session"`
	Python        string    `json:"python,omitempty"`
	Root          string    `json:"root"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"createdAt"`
}

// ParseLabels reconstructs the sandbox metadata from container labels.
// Returns an error when the container is not managed by sessionrun or the
// session label is missing.
func ParseLabels(labels map[string]string) (*SandboxInfo, error) {
	if labels[LabelManagedBy] != ManagedByValue {
		return nil, fmt.Errorf("container is not managed by sessionrun (label %s=%q)",
			LabelManagedBy, labels[LabelManagedBy])
	}
	session := labels[LabelSession]
	if session == "" {
		return nil, fmt.Errorf("missing required label %q", LabelSession)
	}

	info := &SandboxInfo{
		Session: session,
		Python:  labels[LabelPython],
		Root:    labels[LabelRoot],
	}
	if v := labels[LabelCreatedAt]; v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, fmt.Errorf("invalid %s label %q: %w", LabelCreatedAt, v, err)
		}
		info.CreatedAt = t
	}
	return info, nil
}
