package domain

import "time"

// JobStatus is the lifecycle state of a scheduled job
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

// Job is a follow-up invocation scheduled by tenant code for a future time
type Job struct {
	ID       string
	TenantID string
	ConfigID string
	TaskName string
	Payload  []byte
	RunAt    time.Time
	Status   JobStatus
	Attempts int
}
