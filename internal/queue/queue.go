// Package queue is a durable, sqlite-backed job queue. Jobs move
// through waiting/delayed -> active -> completed/failed; conflicting
// writes for the same job id are serialized by the database.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/covechat/cove/internal/models"
)

var (
	// ErrJobExists is returned by Add when the job id is already taken.
	ErrJobExists = errors.New("job already exists")
	// ErrJobNotFound is returned by mutations on a missing job.
	ErrJobNotFound = errors.New("job not found")
)

type Job struct {
	ID         string
	Name       string
	Data       json.RawMessage
	State      models.JobState
	DelayUntil *time.Time
	Error      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	FinishedAt *time.Time
}

type AddOptions struct {
	JobID string
	Delay time.Duration
}

// Queue is the surface the job singleton controller depends on. The
// sqlite implementation adds the worker-side operations on top.
type Queue interface {
	// GetJob returns nil, nil when the job does not exist.
	GetJob(ctx context.Context, id string) (*Job, error)
	Add(ctx context.Context, name string, data json.RawMessage, opts AddOptions) (*Job, error)
	Remove(ctx context.Context, id string) error
	// UpdateData overwrites a pending job's payload in place so a
	// debounce skip never leaves stale data behind.
	UpdateData(ctx context.Context, id string, data json.RawMessage) error
}
