// Package ejmodel defines the entities shared by the dispatcher and its
// persistence layer: jobs, board configurations, builders, clients,
// permissions, and the append-only log/result tables.
package ejmodel

import "time"

// JobType selects which pipeline the builder orchestrator runs for a job.
type JobType string

const (
	JobTypeBuild       JobType = "Build"
	JobTypeBuildAndRun JobType = "BuildAndRun"
)

// JobStatus is the job state machine. Transitions are monotone along
// NotStarted -> Running -> {Success|Failed|Cancelled}; once terminal the
// record is immutable except for late-arriving logs.
type JobStatus string

const (
	JobNotStarted JobStatus = "NotStarted"
	JobRunning    JobStatus = "Running"
	JobSuccess    JobStatus = "Success"
	JobFailed     JobStatus = "Failed"
	JobCancelled  JobStatus = "Cancelled"
)

// Terminal reports whether the status is a terminal state.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobSuccess, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// Job is the persisted build/run request.
type Job struct {
	ID          string
	Type        JobType
	CommitHash  string
	RemoteURL   string
	RemoteToken string // never logged in cleartext; redacted from captured output
	Status      JobStatus
	DispatchedAt *time.Time
	FinishedAt   *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// DeployableJob is the subset of Job shipped over the wire to builders and
// to admin clients, per §6.1. RemoteToken is included only when present.
type DeployableJob struct {
	ID          string  `json:"id"`
	JobType     JobType `json:"job_type"`
	CommitHash  string  `json:"commit_hash"`
	RemoteURL   string  `json:"remote_url"`
	RemoteToken *string `json:"remote_token,omitempty"`
}

// Deployable projects a Job into its wire form.
func (j Job) Deployable() DeployableJob {
	d := DeployableJob{
		ID:         j.ID,
		JobType:    j.Type,
		CommitHash: j.CommitHash,
		RemoteURL:  j.RemoteURL,
	}
	if j.RemoteToken != "" {
		d.RemoteToken = &j.RemoteToken
	}
	return d
}

// JobSubmission is what a client (or the admin channel) submits to dispatch.
type JobSubmission struct {
	Type        JobType
	CommitHash  string
	RemoteURL   string
	RemoteToken string
}
