package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ediblackk/mylm-sub001/pkg/models"
)

// Registry tracks the lifecycle of every BackgroundJob: the main step
// loop's own turn and every spawned worker's independent loop. Unlike
// Store (which tracks individual async tool calls), a Registry entry lives
// for the whole duration of a job and accumulates metrics, an action log,
// and terminal-state cleanup bookkeeping.
type Registry struct {
	mu   sync.Mutex
	jobs map[string]*models.BackgroundJob

	// cancelFuncs lets CancelJob abort a job's in-flight work cooperatively.
	cancelFuncs map[string]context.CancelFunc
}

// NewRegistry returns an empty job registry.
func NewRegistry() *Registry {
	return &Registry{
		jobs:        make(map[string]*models.BackgroundJob),
		cancelFuncs: make(map[string]context.CancelFunc),
	}
}

// CreateJob starts tracking a new job and returns its id.
func (r *Registry) CreateJob(tool, description string, agentType models.AgentType, parentJobID string) *models.BackgroundJob {
	now := time.Now()
	job := &models.BackgroundJob{
		ID:           uuid.New().String(),
		Tool:         tool,
		Description:  description,
		ShortTitle:   models.TruncateShortTitle(description),
		StartedAt:    now,
		Status:       models.JobRunning,
		LastActivity: now,
		IsWorker:     agentType.IsWorker,
		AgentType:    agentType,
		ParentJobID:  parentJobID,
	}

	r.mu.Lock()
	r.jobs[job.ID] = job
	r.mu.Unlock()

	return cloneBackgroundJob(job)
}

// RegisterCancel associates a cancel func with a job so CancelJob can abort
// its in-flight work cooperatively.
func (r *Registry) RegisterCancel(jobID string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelFuncs[jobID] = cancel
}

// Get returns a copy of the job, or nil if unknown.
func (r *Registry) Get(jobID string) *models.BackgroundJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return nil
	}
	return cloneBackgroundJob(job)
}

// UpdateMetrics folds usage into the job's metrics and touches LastActivity.
func (r *Registry) UpdateMetrics(jobID string, usage models.Usage) error {
	return r.mutate(jobID, func(job *models.BackgroundJob) error {
		job.Metrics.RecordUsage(usage)
		job.LastActivity = time.Now()
		return nil
	})
}

// AddAction appends a stamp to the job's action log, dropping the oldest
// entry once the log reaches ActionLogCap.
func (r *Registry) AddAction(jobID string, kind models.ActionStampKind, content string) error {
	return r.mutate(jobID, func(job *models.BackgroundJob) error {
		entry := models.ActionEntry{Kind: kind, Content: content, Timestamp: time.Now()}
		job.ActionLog = append(job.ActionLog, entry)
		if len(job.ActionLog) > models.ActionLogCap {
			job.ActionLog = job.ActionLog[len(job.ActionLog)-models.ActionLogCap:]
		}
		job.LastActivity = time.Now()
		return nil
	})
}

// UpdateStatusMessage sets the job's human-readable status line.
func (r *Registry) UpdateStatusMessage(jobID, message string) error {
	return r.mutate(jobID, func(job *models.BackgroundJob) error {
		job.StatusMessage = message
		job.LastActivity = time.Now()
		return nil
	})
}

// CompleteJob transitions a job to Completed. Errors if the job is already
// terminal.
func (r *Registry) CompleteJob(jobID, result string) error {
	return r.finish(jobID, models.JobCompleted, result, "")
}

// FailJob transitions a job to Failed.
func (r *Registry) FailJob(jobID, errMsg string) error {
	return r.finish(jobID, models.JobFailed, "", errMsg)
}

// CancelJob transitions a job to Cancelled and invokes its cancel func, if
// one was registered.
func (r *Registry) CancelJob(jobID string) error {
	r.mu.Lock()
	cancel := r.cancelFuncs[jobID]
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return r.finish(jobID, models.JobCancelled, "", "cancelled")
}

func (r *Registry) finish(jobID string, status models.JobStatus, result, errMsg string) error {
	return r.mutate(jobID, func(job *models.BackgroundJob) error {
		if job.Status.Terminal() {
			return fmt.Errorf("job %s already terminal (%s)", jobID, job.Status)
		}
		now := time.Now()
		job.Status = status
		job.Result = result
		job.Error = errMsg
		job.FinishedAt = &now
		job.LastActivity = now
		return nil
	})
}

// StallJob marks a job Stalled, recording why.
func (r *Registry) StallJob(jobID, reason string) error {
	return r.mutate(jobID, func(job *models.BackgroundJob) error {
		if job.Status.Terminal() {
			return fmt.Errorf("job %s already terminal (%s)", jobID, job.Status)
		}
		job.Status = models.JobStalled
		job.StatusMessage = reason
		job.LastActivity = time.Now()
		job.ActionLog = append(job.ActionLog, models.ActionEntry{
			Kind:      models.ActionStampStalled,
			Content:   reason,
			Timestamp: time.Now(),
		})
		return nil
	})
}

// ContinueStalledJob is the only way a job returns to Running: it requires
// the job to currently be Stalled.
func (r *Registry) ContinueStalledJob(jobID string) error {
	return r.mutate(jobID, func(job *models.BackgroundJob) error {
		if job.Status != models.JobStalled {
			return fmt.Errorf("job %s is not stalled (status: %s)", jobID, job.Status)
		}
		job.Status = models.JobRunning
		job.LastActivity = time.Now()
		job.ActionLog = append(job.ActionLog, models.ActionEntry{
			Kind:      models.ActionStampResumed,
			Timestamp: time.Now(),
		})
		return nil
	})
}

// SetTimeoutPending marks a job as awaiting a grace period before it is
// failed outright by PollUpdates.
func (r *Registry) SetTimeoutPending(jobID string) error {
	return r.mutate(jobID, func(job *models.BackgroundJob) error {
		if job.Status.Terminal() {
			return fmt.Errorf("job %s already terminal (%s)", jobID, job.Status)
		}
		expires := time.Now().Add(models.TimeoutGracePeriod)
		job.Status = models.JobTimeoutPending
		job.TimeoutExpiresAt = &expires
		job.LastActivity = time.Now()
		return nil
	})
}

// PollUpdates advances time-based transitions (timeout-pending past its
// grace period fails the job; a pending cleanup claim past its grace
// period is promoted to processed) and returns every job that reached a
// terminal state since the last call to PollUpdates, exactly once each —
// via the Observed flag, which this call sets.
func (r *Registry) PollUpdates() []*models.BackgroundJob {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	var newlyTerminal []*models.BackgroundJob

	for _, job := range r.jobs {
		if job.Status == models.JobTimeoutPending && job.TimeoutExpiresAt != nil && now.After(*job.TimeoutExpiresAt) {
			job.Status = models.JobFailed
			job.Error = "timed out"
			job.FinishedAt = &now
			job.LastActivity = now
		}

		if job.CleanupClaim != nil && job.CleanupClaim.State == models.CleanupPending &&
			now.Sub(job.CleanupClaim.ClaimedAt) > models.CleanupGracePeriod {
			job.CleanupClaim.State = models.CleanupProcessed
		}

		if job.Status.Terminal() && !job.Observed {
			job.Observed = true
			newlyTerminal = append(newlyTerminal, cloneBackgroundJob(job))
		}
	}

	return newlyTerminal
}

// CleanupFinishedJobs is phase one of the two-phase cleanup protocol: every
// terminal job without a cleanup claim is claimed Pending. Callers defer
// the actual removal to AdvanceCleanupClaims once the grace period lapses,
// so a job briefly remains queryable after it finishes.
func (r *Registry) CleanupFinishedJobs() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	claimed := 0
	for _, job := range r.jobs {
		if job.Status.Terminal() && job.CleanupClaim == nil {
			job.CleanupClaim = &models.CleanupClaim{
				State:     models.CleanupPending,
				ClaimedAt: time.Now(),
			}
			claimed++
		}
	}
	return claimed
}

// AdvanceCleanupClaims removes jobs whose cleanup claim has reached
// Processed (set by PollUpdates once the grace period lapses). Returns the
// count removed.
func (r *Registry) AdvanceCleanupClaims() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, job := range r.jobs {
		if job.CleanupClaim != nil && job.CleanupClaim.State == models.CleanupProcessed {
			delete(r.jobs, id)
			delete(r.cancelFuncs, id)
			removed++
		}
	}
	return removed
}

// DetectStuckJobs returns Running jobs that never got off the ground: their
// LastActivity is older than staleAfter AND they have made zero LLM
// requests. A job making long-running but active requests is not a
// candidate — only jobs that were spawned and then never progressed are.
func (r *Registry) DetectStuckJobs(staleAfter time.Duration) []*models.BackgroundJob {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-staleAfter)
	var stuck []*models.BackgroundJob
	for _, job := range r.jobs {
		if job.Status == models.JobRunning && job.LastActivity.Before(cutoff) && job.Metrics.RequestCount == 0 {
			stuck = append(stuck, cloneBackgroundJob(job))
		}
	}
	return stuck
}

// List returns a snapshot of every tracked job.
func (r *Registry) List() []*models.BackgroundJob {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*models.BackgroundJob, 0, len(r.jobs))
	for _, job := range r.jobs {
		out = append(out, cloneBackgroundJob(job))
	}
	return out
}

func (r *Registry) mutate(jobID string, fn func(*models.BackgroundJob) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s not found", jobID)
	}
	return fn(job)
}

func cloneBackgroundJob(job *models.BackgroundJob) *models.BackgroundJob {
	clone := *job
	if job.FinishedAt != nil {
		t := *job.FinishedAt
		clone.FinishedAt = &t
	}
	if job.TimeoutExpiresAt != nil {
		t := *job.TimeoutExpiresAt
		clone.TimeoutExpiresAt = &t
	}
	if job.CleanupClaim != nil {
		c := *job.CleanupClaim
		clone.CleanupClaim = &c
	}
	clone.ActionLog = append([]models.ActionEntry(nil), job.ActionLog...)
	return &clone
}
