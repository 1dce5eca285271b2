// Package agent runs the AI responder workers. Workers claim queued
// agent-reply jobs, generate a reply from conversation history, and
// drop the result when a newer enqueue superseded the run.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/covechat/cove/internal/chat"
	"github.com/covechat/cove/internal/logger"
	"github.com/covechat/cove/internal/models"
	"github.com/covechat/cove/internal/queue"
)

const (
	defaultPollInterval = time.Second
	historyLimit        = 50
	jobTimeout          = 2 * time.Minute
)

// Runner polls the durable queue and executes agent-reply jobs on a
// small worker pool. Multiple processes can run pollers against the
// same queue; ClaimNext hands each job to exactly one of them.
type Runner struct {
	queue     *queue.SQLiteQueue
	svc       *chat.Service
	responder Responder

	workers      int
	pollInterval time.Duration

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewRunner(q *queue.SQLiteQueue, svc *chat.Service, responder Responder, workers int) *Runner {
	if workers < 1 {
		workers = 1
	}
	return &Runner{
		queue:        q,
		svc:          svc,
		responder:    responder,
		workers:      workers,
		pollInterval: defaultPollInterval,
		stop:         make(chan struct{}),
	}
}

func (r *Runner) Start() {
	logger.Info("Agent runner starting with %d worker(s)", r.workers)
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
}

// Stop halts polling and waits for in-flight jobs to finish.
func (r *Runner) Stop() {
	close(r.stop)
	r.wg.Wait()
	logger.Info("Agent runner stopped")
}

func (r *Runner) worker() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.drain()
		}
	}
}

// drain claims and executes jobs until the queue has nothing ready, so
// a burst is worked off without waiting a poll interval per job.
func (r *Runner) drain() {
	for {
		select {
		case <-r.stop:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		job, err := r.queue.ClaimNext(ctx, chat.AgentJobName)
		if err != nil {
			cancel()
			logger.Error("Failed to claim agent job: %v", err)
			return
		}
		if job == nil {
			cancel()
			return
		}

		if err := r.execute(ctx, job); err != nil {
			logger.Error("Agent job %s failed: %v", job.ID, err)
			if ferr := r.queue.Fail(ctx, job.ID, err.Error()); ferr != nil {
				logger.Error("Failed to mark job %s failed: %v", job.ID, ferr)
			}
		} else if err := r.queue.Complete(ctx, job.ID); err != nil {
			logger.Error("Failed to mark job %s completed: %v", job.ID, err)
		}
		cancel()
	}
}

func (r *Runner) execute(ctx context.Context, job *queue.Job) error {
	var data models.AgentJobData
	if err := json.Unmarshal(job.Data, &data); err != nil {
		return fmt.Errorf("decode job data: %w", err)
	}

	// Skip early when a newer enqueue already replaced this run; no
	// point paying for a completion nobody will see.
	superseded, err := r.superseded(ctx, data)
	if err != nil {
		return err
	}
	if superseded {
		logger.Info("Agent job %s superseded before start, skipping", job.ID)
		return nil
	}

	history, err := r.svc.Store().History(ctx, data.ConversationID, historyLimit)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	if len(history) == 0 {
		return fmt.Errorf("conversation %s has no messages", data.ConversationID)
	}

	reply, err := r.responder.Reply(ctx, history)
	if err != nil {
		return err
	}

	// The run id gate: re-check right before the user-visible write.
	// A visitor message that arrived during the completion stamped a
	// fresh run id, and its own job will answer with full context.
	superseded, err = r.superseded(ctx, data)
	if err != nil {
		return err
	}
	if superseded {
		logger.Info("Agent job %s superseded mid-run, dropping reply", job.ID)
		return nil
	}

	if _, err := r.svc.PostAssistantMessage(ctx, data.ConversationID, reply); err != nil {
		return fmt.Errorf("post reply: %w", err)
	}

	// Private trace for the dashboard; never reaches the widget unless
	// staff publish it.
	trace := &models.TimelineItem{
		ConversationID: data.ConversationID,
		WebsiteID:      data.WebsiteID,
		OrganizationID: data.OrganizationID,
		VisitorID:      data.VisitorID,
		Kind:           models.ItemKindTool,
		Visibility:     models.VisibilityPrivate,
		Body:           fmt.Sprintf("agent replied from %d history message(s), run %s", len(history), data.WorkflowRunID),
	}
	if err := r.svc.EmitTimelineItem(ctx, trace); err != nil {
		logger.Warn("Failed to record agent trace for %s: %v", data.ConversationID, err)
	}
	return nil
}

func (r *Runner) superseded(ctx context.Context, data models.AgentJobData) (bool, error) {
	latest, err := r.svc.Store().LatestWorkflowRun(ctx, data.ConversationID)
	if err != nil {
		return false, fmt.Errorf("check workflow run: %w", err)
	}
	return latest != "" && latest != data.WorkflowRunID, nil
}
