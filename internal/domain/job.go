package domain

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

type Status string

const (
	Pending    Status = "pending"
	Processing Status = "processing"
	Completed  Status = "completed"
	Failed     Status = "failed"
)

type JobType string

const (
	EnrichResource JobType = "enrich-resource"
	RefreshMetrics JobType = "refresh-metrics"
	Cleanup        JobType = "cleanup"
)

const (
	DefaultPriority   = 5
	DefaultMaxRetries = 3
	HistoryLimit      = 50
)

var (
	ErrNotFound   = errors.New("not found")
	ErrInvalidJob = errors.New("invalid job")
)

type Job struct {
	ID           string          `json:"id"`
	Type         JobType         `json:"job_type"`
	Status       Status          `json:"status"`
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id"`
	Priority     int             `json:"priority"`
	RetryCount   int             `json:"retry_count"`
	MaxRetries   int             `json:"max_retries"`
	ScheduledAt  time.Time       `json:"scheduled_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// DecodeMetadata unmarshals the job metadata into T. An empty payload yields
// the zero value.
func DecodeMetadata[T any](j *Job) (T, error) {
	var out T
	if j == nil || len(j.Metadata) == 0 || string(j.Metadata) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(j.Metadata, &out); err != nil {
		return out, errors.Wrapf(err, "decode metadata of job %s", j.ID)
	}
	return out, nil
}

// EnqueueParams is what the datastore needs to insert a pending job.
type EnqueueParams struct {
	Type         JobType
	ResourceType string
	ResourceID   string
	Priority     int
	MaxRetries   int
	ScheduledAt  time.Time
	Metadata     json.RawMessage
}

func (p EnqueueParams) Validate() error {
	if p.Type == "" {
		return errors.Wrap(ErrInvalidJob, "job_type is required")
	}
	if p.ResourceType == "" || p.ResourceID == "" {
		return errors.Wrap(ErrInvalidJob, "resource_type and resource_id are required")
	}
	if p.MaxRetries < 0 {
		return errors.Wrap(ErrInvalidJob, "max_retries must not be negative")
	}
	return nil
}

// StatusCounts is the number of jobs per state.
type StatusCounts map[Status]int64

func (c StatusCounts) Total() int64 {
	var n int64
	for _, v := range c {
		n += v
	}
	return n
}
