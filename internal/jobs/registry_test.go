package jobs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ediblackk/mylm-sub001/pkg/models"
)

func TestRegistry_CreateAndComplete(t *testing.T) {
	r := NewRegistry()
	job := r.CreateJob("web_search", "searching for weather", models.MainAgent, "")
	require.Equal(t, models.JobRunning, job.Status)

	require.NoError(t, r.UpdateMetrics(job.ID, models.NewUsage(10, 5)))
	require.NoError(t, r.CompleteJob(job.ID, "done"))

	got := r.Get(job.ID)
	require.NotNil(t, got)
	assert.Equal(t, models.JobCompleted, got.Status)
	assert.Equal(t, 15, got.Metrics.TotalTokens)
	assert.Equal(t, got.Metrics.PromptTokens+got.Metrics.CompletionTokens, got.Metrics.TotalTokens)
}

func TestRegistry_TerminalJobCannotTransitionAgain(t *testing.T) {
	r := NewRegistry()
	job := r.CreateJob("tool", "desc", models.MainAgent, "")
	require.NoError(t, r.CompleteJob(job.ID, "ok"))

	err := r.FailJob(job.ID, "too late")
	assert.Error(t, err)
}

func TestRegistry_StallAndContinue(t *testing.T) {
	r := NewRegistry()
	job := r.CreateJob("tool", "desc", models.WorkerAgent("w1"), "")

	require.NoError(t, r.StallJob(job.ID, "waiting on dependency"))
	assert.Equal(t, models.JobStalled, r.Get(job.ID).Status)

	require.NoError(t, r.ContinueStalledJob(job.ID))
	assert.Equal(t, models.JobRunning, r.Get(job.ID).Status)

	// Cannot continue a job that was never stalled.
	job2 := r.CreateJob("tool", "desc", models.MainAgent, "")
	assert.Error(t, r.ContinueStalledJob(job2.ID))
}

func TestRegistry_ActionLogCapped(t *testing.T) {
	r := NewRegistry()
	job := r.CreateJob("tool", "desc", models.MainAgent, "")

	for i := 0; i < models.ActionLogCap+10; i++ {
		require.NoError(t, r.AddAction(job.ID, models.ActionStampToolSuccess, "ok"))
	}

	got := r.Get(job.ID)
	assert.Len(t, got.ActionLog, models.ActionLogCap)
}

func TestRegistry_PollUpdates_ReturnsTerminalOnce(t *testing.T) {
	r := NewRegistry()
	job := r.CreateJob("tool", "desc", models.MainAgent, "")
	require.NoError(t, r.CompleteJob(job.ID, "done"))

	first := r.PollUpdates()
	require.Len(t, first, 1)
	assert.Equal(t, job.ID, first[0].ID)

	second := r.PollUpdates()
	assert.Empty(t, second)
}

func TestRegistry_TimeoutPendingExpiresToFailed(t *testing.T) {
	r := NewRegistry()
	job := r.CreateJob("tool", "desc", models.MainAgent, "")
	require.NoError(t, r.SetTimeoutPending(job.ID))

	r.mu.Lock()
	r.jobs[job.ID].TimeoutExpiresAt = timePtr(time.Now().Add(-time.Second))
	r.mu.Unlock()

	terminal := r.PollUpdates()
	require.Len(t, terminal, 1)
	assert.Equal(t, models.JobFailed, terminal[0].Status)
}

func TestRegistry_CleanupTwoPhase(t *testing.T) {
	r := NewRegistry()
	job := r.CreateJob("tool", "desc", models.MainAgent, "")
	require.NoError(t, r.CompleteJob(job.ID, "done"))

	claimed := r.CleanupFinishedJobs()
	assert.Equal(t, 1, claimed)

	// Not yet past the grace period.
	removed := r.AdvanceCleanupClaims()
	assert.Equal(t, 0, removed)

	r.mu.Lock()
	r.jobs[job.ID].CleanupClaim.ClaimedAt = time.Now().Add(-models.CleanupGracePeriod - time.Second)
	r.mu.Unlock()
	r.PollUpdates()

	removed = r.AdvanceCleanupClaims()
	assert.Equal(t, 1, removed)
	assert.Nil(t, r.Get(job.ID))
}

func TestRegistry_DetectStuckJobs(t *testing.T) {
	r := NewRegistry()
	job := r.CreateJob("tool", "desc", models.MainAgent, "")

	r.mu.Lock()
	r.jobs[job.ID].LastActivity = time.Now().Add(-time.Hour)
	r.mu.Unlock()

	stuck := r.DetectStuckJobs(time.Minute)
	require.Len(t, stuck, 1)
	assert.Equal(t, job.ID, stuck[0].ID)
}

func timePtr(t time.Time) *time.Time { return &t }
