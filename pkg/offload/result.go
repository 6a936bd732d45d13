package offload

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// State is a step of an offload run.
type State string

const (
	StateCollecting       State = "COLLECTING"
	StateSessionAllocated State = "SESSION_ALLOCATED"
	StateArchived         State = "ARCHIVED"
	StatePropagated       State = "PROPAGATED"
	StateExporting        State = "EXPORTING"
	StateDone             State = "DONE"
	StateSkipped          State = "SKIPPED"
	StateFailed           State = "FAILED"
)

// IsTerminal reports whether a run in state s has finished.
func (s State) IsTerminal() bool {
	switch s {
	case StateDone, StateSkipped, StateFailed:
		return true
	}
	return false
}

// SessionSummary is the session opened by a run.
type SessionSummary struct {
	Number         int `json:"number" yaml:"number"`
	NumUpdates     int `json:"numUpdates" yaml:"numUpdates"`
	NumErrors      int `json:"numErrors" yaml:"numErrors"`
	NumClassifiers int `json:"numClassifiers" yaml:"numClassifiers"`
}

// ClassifierResult is the export outcome of one classifier.
type ClassifierResult struct {
	Name    string `json:"name" yaml:"name"`
	Version int    `json:"version,omitempty" yaml:"version,omitempty"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"`
	Rows    int    `json:"rows" yaml:"rows"`
	// Removed is set when the file was deleted by the failure cleanup.
	Removed bool   `json:"removed,omitempty" yaml:"removed,omitempty"`
	Error   string `json:"error,omitempty" yaml:"error,omitempty"`
}

// Result describes one offload run.
type Result struct {
	RunID      string    `json:"runId" yaml:"runId"`
	State      State     `json:"state" yaml:"state"`
	StartedAt  time.Time `json:"startedAt" yaml:"startedAt"`
	FinishedAt time.Time `json:"finishedAt" yaml:"finishedAt"`

	// FailedIn is the step that was running when the run failed.
	FailedIn State  `json:"failedIn,omitempty" yaml:"failedIn,omitempty"`
	Error    string `json:"error,omitempty" yaml:"error,omitempty"`

	Session     *SessionSummary    `json:"session,omitempty" yaml:"session,omitempty"`
	Archived    int                `json:"archived" yaml:"archived"`
	Propagated  int64              `json:"propagated" yaml:"propagated"`
	Classifiers []ClassifierResult `json:"classifiers" yaml:"classifiers"`

	CleanupErrors []string `json:"cleanupErrors,omitempty" yaml:"cleanupErrors,omitempty"`
}

// ReportName returns the file name of the run report.
func ReportName(runID string) string {
	return "offload_" + runID + ".yaml"
}

// WriteReport writes r as YAML to path.
func WriteReport(path string, r *Result) error {
	data, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode run report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write run report %s: %w", path, err)
	}
	return nil
}
