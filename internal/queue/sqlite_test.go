package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/covechat/cove/internal/database"
	"github.com/covechat/cove/internal/models"
)

func testQueue(t *testing.T) *SQLiteQueue {
	t.Helper()
	db, err := database.New(t.TempDir())
	if err != nil {
		t.Fatalf("database.New returned error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewSQLiteQueue(db)
}

func TestAddAndGetJob(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	job, err := q.Add(ctx, "agent-reply", json.RawMessage(`{"v":1}`), AddOptions{JobID: "job-1"})
	if err != nil {
		t.Fatalf("Add returned error: %v", err)
	}
	if job.State != models.JobWaiting {
		t.Errorf("State = %q, want waiting", job.State)
	}

	got, err := q.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob returned error: %v", err)
	}
	if got == nil {
		t.Fatal("GetJob returned nil for existing job")
	}
	if got.Name != "agent-reply" || string(got.Data) != `{"v":1}` {
		t.Errorf("GetJob = %+v, want stored name and data", got)
	}
}

func TestGetJobMissingReturnsNil(t *testing.T) {
	q := testQueue(t)
	got, err := q.GetJob(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetJob returned error: %v", err)
	}
	if got != nil {
		t.Errorf("GetJob = %+v, want nil for missing job", got)
	}
}

func TestAddDuplicateReturnsErrJobExists(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	if _, err := q.Add(ctx, "agent-reply", nil, AddOptions{JobID: "job-1"}); err != nil {
		t.Fatalf("first Add returned error: %v", err)
	}
	if _, err := q.Add(ctx, "agent-reply", nil, AddOptions{JobID: "job-1"}); err != ErrJobExists {
		t.Errorf("second Add = %v, want ErrJobExists", err)
	}
}

func TestAddWithDelay(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	job, err := q.Add(ctx, "agent-reply", nil, AddOptions{JobID: "job-1", Delay: time.Hour})
	if err != nil {
		t.Fatalf("Add returned error: %v", err)
	}
	if job.State != models.JobDelayed {
		t.Errorf("State = %q, want delayed", job.State)
	}
	if job.DelayUntil == nil || !job.DelayUntil.After(time.Now()) {
		t.Errorf("DelayUntil = %v, want a future time", job.DelayUntil)
	}

	// A delayed job that is not due yet must not be claimable.
	claimed, err := q.ClaimNext(ctx, "agent-reply")
	if err != nil {
		t.Fatalf("ClaimNext returned error: %v", err)
	}
	if claimed != nil {
		t.Errorf("ClaimNext = %+v, want nil while delay pending", claimed)
	}
}

func TestClaimNextOldestFirst(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	if _, err := q.Add(ctx, "agent-reply", nil, AddOptions{JobID: "job-1"}); err != nil {
		t.Fatalf("Add job-1 returned error: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := q.Add(ctx, "agent-reply", nil, AddOptions{JobID: "job-2"}); err != nil {
		t.Fatalf("Add job-2 returned error: %v", err)
	}

	claimed, err := q.ClaimNext(ctx, "agent-reply")
	if err != nil {
		t.Fatalf("ClaimNext returned error: %v", err)
	}
	if claimed == nil || claimed.ID != "job-1" {
		t.Fatalf("ClaimNext = %+v, want oldest job-1", claimed)
	}
	if claimed.State != models.JobActive {
		t.Errorf("claimed State = %q, want active", claimed.State)
	}

	// Claiming again must not hand out the active job.
	second, err := q.ClaimNext(ctx, "agent-reply")
	if err != nil {
		t.Fatalf("second ClaimNext returned error: %v", err)
	}
	if second == nil || second.ID != "job-2" {
		t.Errorf("second ClaimNext = %+v, want job-2", second)
	}
}

func TestClaimNextIgnoresOtherNames(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	if _, err := q.Add(ctx, "reindex", nil, AddOptions{JobID: "job-1"}); err != nil {
		t.Fatalf("Add returned error: %v", err)
	}
	claimed, err := q.ClaimNext(ctx, "agent-reply")
	if err != nil {
		t.Fatalf("ClaimNext returned error: %v", err)
	}
	if claimed != nil {
		t.Errorf("ClaimNext = %+v, want nil for a different job name", claimed)
	}
}

func TestCompleteAndFail(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	q.Add(ctx, "agent-reply", nil, AddOptions{JobID: "job-1"})
	q.Add(ctx, "agent-reply", nil, AddOptions{JobID: "job-2"})

	if err := q.Complete(ctx, "job-1"); err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}
	job, _ := q.GetJob(ctx, "job-1")
	if job.State != models.JobCompleted {
		t.Errorf("State = %q, want completed", job.State)
	}
	if job.FinishedAt == nil {
		t.Error("FinishedAt not set on completion")
	}

	if err := q.Fail(ctx, "job-2", "boom"); err != nil {
		t.Fatalf("Fail returned error: %v", err)
	}
	job, _ = q.GetJob(ctx, "job-2")
	if job.State != models.JobFailed {
		t.Errorf("State = %q, want failed", job.State)
	}
	if job.Error != "boom" {
		t.Errorf("Error = %q, want boom", job.Error)
	}

	if err := q.Complete(ctx, "missing"); err != ErrJobNotFound {
		t.Errorf("Complete on missing job = %v, want ErrJobNotFound", err)
	}
}

func TestUpdateData(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	q.Add(ctx, "agent-reply", json.RawMessage(`{"v":1}`), AddOptions{JobID: "job-1"})
	if err := q.UpdateData(ctx, "job-1", json.RawMessage(`{"v":2}`)); err != nil {
		t.Fatalf("UpdateData returned error: %v", err)
	}
	job, _ := q.GetJob(ctx, "job-1")
	if string(job.Data) != `{"v":2}` {
		t.Errorf("Data = %s, want overwritten payload", job.Data)
	}

	if err := q.UpdateData(ctx, "missing", nil); err != ErrJobNotFound {
		t.Errorf("UpdateData on missing job = %v, want ErrJobNotFound", err)
	}
}

func TestPromoteDelayed(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	q.Add(ctx, "agent-reply", nil, AddOptions{JobID: "due", Delay: time.Millisecond})
	q.Add(ctx, "agent-reply", nil, AddOptions{JobID: "later", Delay: time.Hour})
	time.Sleep(10 * time.Millisecond)

	n, err := q.PromoteDelayed(ctx)
	if err != nil {
		t.Fatalf("PromoteDelayed returned error: %v", err)
	}
	if n != 1 {
		t.Errorf("promoted %d jobs, want 1", n)
	}
	job, _ := q.GetJob(ctx, "due")
	if job.State != models.JobWaiting {
		t.Errorf("due job State = %q, want waiting", job.State)
	}
	job, _ = q.GetJob(ctx, "later")
	if job.State != models.JobDelayed {
		t.Errorf("later job State = %q, want still delayed", job.State)
	}
}

func TestRecoverStuck(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	q.Add(ctx, "agent-reply", nil, AddOptions{JobID: "job-1"})
	if _, err := q.ClaimNext(ctx, "agent-reply"); err != nil {
		t.Fatalf("ClaimNext returned error: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	n, err := q.RecoverStuck(ctx, time.Millisecond)
	if err != nil {
		t.Fatalf("RecoverStuck returned error: %v", err)
	}
	if n != 1 {
		t.Errorf("recovered %d jobs, want 1", n)
	}
	job, _ := q.GetJob(ctx, "job-1")
	if job.State != models.JobFailed {
		t.Errorf("State = %q, want failed after recovery", job.State)
	}
}

func TestPurgeFinished(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	q.Add(ctx, "agent-reply", nil, AddOptions{JobID: "done"})
	q.Add(ctx, "agent-reply", nil, AddOptions{JobID: "pending"})
	q.Complete(ctx, "done")
	time.Sleep(10 * time.Millisecond)

	n, err := q.PurgeFinished(ctx, time.Millisecond)
	if err != nil {
		t.Fatalf("PurgeFinished returned error: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d jobs, want 1", n)
	}
	if job, _ := q.GetJob(ctx, "done"); job != nil {
		t.Error("finished job should have been purged")
	}
	if job, _ := q.GetJob(ctx, "pending"); job == nil {
		t.Error("pending job should survive the purge")
	}
}
