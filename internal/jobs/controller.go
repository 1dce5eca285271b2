// Package jobs enforces the per-conversation job-singleton policies on
// top of the durable queue: at most one active job per key, with
// bursts of triggers coalesced into a single pending job.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/covechat/cove/internal/logger"
	"github.com/covechat/cove/internal/models"
	"github.com/covechat/cove/internal/queue"
)

// ErrClosed is returned once the controller has been shut down.
var ErrClosed = errors.New("job controller closed")

type Status string

const (
	StatusCreated  Status = "created"
	StatusReplaced Status = "replaced"
	StatusSkipped  Status = "skipped"
)

// Outcome tells the caller what the enqueue did so it can decide
// whether to acknowledge the user's input as "already in progress".
type Outcome struct {
	Status        Status
	Job           *queue.Job
	PreviousState models.JobState
	Reason        string
}

// Controller is constructed once at process startup and injected where
// needed; there is no package-level instance.
type Controller struct {
	queue  queue.Queue
	closed atomic.Bool
	now    func() time.Time
}

func NewController(q queue.Queue) *Controller {
	return &Controller{queue: q, now: time.Now}
}

// Close stops the controller. Queue shutdown belongs to the queue's
// owner; this only fences further enqueues.
func (c *Controller) Close() {
	c.closed.Store(true)
}

// AddDebouncedJob coalesces rapid triggers for one key into a single
// pending job:
//
//   - no job            -> create
//   - completed/failed  -> remove, create fresh
//   - waiting/delayed   -> skip, but overwrite the queued job's payload
//     so the pending job always runs with the latest data
//   - active            -> create a distinct timestamp-suffixed job; the
//     active job detects supersession via its workflowRunId before
//     emitting anything user-visible
//
// Queue failures propagate unmodified; only policy no-ops are silent.
func (c *Controller) AddDebouncedJob(ctx context.Context, jobID, name string, data json.RawMessage) (*Outcome, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	existing, err := c.queue.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return c.create(ctx, jobID, name, data, models.JobUnknown)
	}

	switch existing.State {
	case models.JobCompleted, models.JobFailed:
		if err := c.queue.Remove(ctx, jobID); err != nil {
			return nil, err
		}
		return c.create(ctx, jobID, name, data, existing.State)

	case models.JobWaiting, models.JobDelayed:
		if err := c.queue.UpdateData(ctx, jobID, data); err != nil {
			return nil, err
		}
		return &Outcome{
			Status:        StatusSkipped,
			Job:           existing,
			PreviousState: existing.State,
			Reason:        "pending job will pick up the latest data",
		}, nil

	case models.JobActive:
		supersedingID := fmt.Sprintf("%s-%d", jobID, c.now().UnixNano())
		job, err := c.queue.Add(ctx, name, data, queue.AddOptions{JobID: supersedingID})
		if err != nil {
			return nil, err
		}
		return &Outcome{
			Status:        StatusCreated,
			Job:           job,
			PreviousState: models.JobActive,
			Reason:        "superseding active job",
		}, nil

	default:
		logger.Warn("Job %s in unexpected state %q, skipping enqueue", jobID, existing.State)
		return &Outcome{
			Status:        StatusSkipped,
			Job:           existing,
			PreviousState: existing.State,
			Reason:        "unexpected state",
		}, nil
	}
}

// AddSingleActiveJob is the strict variant: pending work is replaced
// (last writer wins) and an active job blocks any new enqueue.
func (c *Controller) AddSingleActiveJob(ctx context.Context, jobID, name string, data json.RawMessage) (*Outcome, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	existing, err := c.queue.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return c.create(ctx, jobID, name, data, models.JobUnknown)
	}

	switch existing.State {
	case models.JobWaiting, models.JobDelayed:
		if err := c.queue.Remove(ctx, jobID); err != nil {
			return nil, err
		}
		job, err := c.queue.Add(ctx, name, data, queue.AddOptions{JobID: jobID})
		if err != nil {
			return nil, err
		}
		return &Outcome{
			Status:        StatusReplaced,
			Job:           job,
			PreviousState: existing.State,
		}, nil

	case models.JobActive:
		return &Outcome{
			Status:        StatusSkipped,
			Job:           existing,
			PreviousState: models.JobActive,
			Reason:        "active",
		}, nil

	case models.JobCompleted, models.JobFailed:
		if err := c.queue.Remove(ctx, jobID); err != nil {
			return nil, err
		}
		return c.create(ctx, jobID, name, data, existing.State)

	default:
		logger.Warn("Job %s in unexpected state %q, skipping enqueue", jobID, existing.State)
		return &Outcome{
			Status:        StatusSkipped,
			Job:           existing,
			PreviousState: existing.State,
			Reason:        "unexpected state",
		}, nil
	}
}

func (c *Controller) create(ctx context.Context, jobID, name string, data json.RawMessage, previous models.JobState) (*Outcome, error) {
	job, err := c.queue.Add(ctx, name, data, queue.AddOptions{JobID: jobID})
	if err == queue.ErrJobExists {
		// Lost a race with a concurrent enqueue for the same key; the
		// winner's job carries equivalent work.
		existing, getErr := c.queue.GetJob(ctx, jobID)
		if getErr != nil {
			return nil, getErr
		}
		return &Outcome{
			Status:        StatusSkipped,
			Job:           existing,
			PreviousState: previous,
			Reason:        "concurrent enqueue won",
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return &Outcome{Status: StatusCreated, Job: job, PreviousState: previous}, nil
}

// ConversationJobID derives the stable singleton key for a
// conversation's agent-reply job.
func ConversationJobID(conversationID string) string {
	return "agent-reply:" + conversationID
}
