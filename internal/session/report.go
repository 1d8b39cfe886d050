package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/shinji-kodama/sessionrun/internal/model"
)

// Report is the JSON document written by --report.
type Report struct {
	// RunID uniquely identifies the invocation, so CI can correlate reports
	// uploaded from several machines.
	RunID string `json:"runId"`

	// ExitCode is the process exit status of the run.
	ExitCode int `json:"exitCode"`

	// Posargs are the forwarded positional arguments.
	Posargs []string `json:"posargs"`

	// StartedAt is when the run began, in UTC.
	StartedAt time.Time `json:"startedAt"`

	// Commit and Branch identify the checkout, when it is a Git repository.
	Commit string `json:"commit,omitempty"`
	Branch string `json:"branch,omitempty"`

	// Sessions holds one entry per executed session instance.
	Sessions []model.SessionResult `json:"sessions"`
}

// NewReport builds a Report for results with a fresh run id.
func NewReport(results []model.SessionResult, posargs []string, startedAt time.Time) *Report {
	r := &Report{
		RunID:     uuid.NewString(),
		ExitCode:  ExitStatus(results),
		Posargs:   posargs,
		StartedAt: startedAt.UTC(),
		// Use an empty slice instead of nil so the JSON shows [] instead of null.
		Sessions: make([]model.SessionResult, 0, len(results)),
	}
	if r.Posargs == nil {
		r.Posargs = []string{}
	}
	r.Sessions = append(r.Sessions, results...)
	return r
}

// Write serializes the report to path with 2-space indentation, creating
// parent directories as needed.
func (r *Report) Write(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize report: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("failed to write report %s: %w", path, err)
	}
	return nil
}
