package runner

import (
	"fmt"
	"time"

	"github.com/muaviaUsmani/genvault/internal/result"
)

// Status is the lifecycle state of a remote prediction
type Status string

const (
	// StatusStarting is reported by some APIs before a job is queued
	StatusStarting Status = "starting"
	// StatusQueued indicates the job is waiting for capacity
	StatusQueued Status = "queued"
	// StatusRunning indicates the model is producing output
	StatusRunning Status = "processing"
	// StatusSucceeded indicates output is available
	StatusSucceeded Status = "succeeded"
	// StatusFailed indicates the job failed remotely
	StatusFailed Status = "failed"
	// StatusCanceled indicates the job was canceled
	StatusCanceled Status = "canceled"
)

// Terminal reports whether no further transitions will happen
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Prediction is a snapshot of one remote job
type Prediction struct {
	// ID is the remote prediction id
	ID string `json:"id"`
	// Model is "owner/name", optionally with ":version"
	Model string `json:"model"`
	// Status is the current lifecycle state
	Status Status `json:"status"`
	// Input is the submitted parameter map
	Input map[string]interface{} `json:"input,omitempty"`
	// Output holds media references once succeeded; a single value or a list
	Output result.Output `json:"output,omitempty"`
	// Error is the remote error text of a failed job
	Error string `json:"error,omitempty"`
	// CreatedAt is when the remote API accepted the job
	CreatedAt time.Time `json:"created_at"`
	// CompletedAt is set once terminal
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// IsSuccess returns true if the prediction produced output
func (p *Prediction) IsSuccess() bool {
	return p.Status == StatusSucceeded
}

// JobError reports a prediction that ended without output. Message is the
// remote status text, shown to the user verbatim.
type JobError struct {
	PredictionID string
	Status       Status
	Message      string
}

func (e *JobError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("prediction %s %s", e.PredictionID, e.Status)
	}
	return fmt.Sprintf("prediction %s %s: %s", e.PredictionID, e.Status, e.Message)
}
