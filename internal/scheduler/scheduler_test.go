package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fieldscout/agent/internal/command"
)

func newTestScheduler(t *testing.T, sink ResultSink) *Scheduler {
	t.Helper()
	d := command.New(zap.NewNop())
	d.Register("noop", func(ctx context.Context, params map[string]any) command.Result {
		return command.Result{Success: true, Status: "success"}
	})
	d.Register("boom", func(ctx context.Context, params map[string]any) command.Result {
		return command.Result{Success: false, Status: "error", Error: "kaboom"}
	})

	s, err := New(Config{Dispatcher: d, Sink: sink, Logger: zap.NewNop(), StateDir: t.TempDir()})
	require.NoError(t, err)
	return s
}

func TestNewSeedsDefaultJobsWhenNoStateExists(t *testing.T) {
	s := newTestScheduler(t, nil)
	jobs := s.ListJobs()
	assert.Len(t, jobs, 3)
}

func TestValidCronRecognizesFiveFields(t *testing.T) {
	assert.True(t, validCron("0 */4 * * *"))
	assert.True(t, validCron("0 3 * * *"))
	assert.False(t, validCron("not a cron"))
	assert.False(t, validCron("* * * *"))
}

func TestRunNowInvokesSinkWithResult(t *testing.T) {
	var gotStatus string
	var gotTaskID string
	s := newTestScheduler(t, func(taskID, status string, data any, errMsg string) {
		gotTaskID = taskID
		gotStatus = status
	})

	require.NoError(t, s.AddJob(Job{ID: "my-job", Name: "test", Cron: "0 0 * * *", Action: "noop", Enabled: true}))
	require.NoError(t, s.RunNow("my-job"))

	assert.Equal(t, "success", gotStatus)
	assert.Contains(t, gotTaskID, "scheduled-my-job-")

	job, ok := s.GetJob("my-job")
	require.True(t, ok)
	assert.Equal(t, 1, job.RunCount)
	assert.Equal(t, 0, job.FailCount)
}

func TestRunNowRecordsFailure(t *testing.T) {
	s := newTestScheduler(t, nil)
	require.NoError(t, s.AddJob(Job{ID: "bad-job", Name: "bad", Cron: "0 0 * * *", Action: "boom", Enabled: true}))
	require.NoError(t, s.RunNow("bad-job"))

	job, ok := s.GetJob("bad-job")
	require.True(t, ok)
	assert.Equal(t, 1, job.FailCount)
	assert.Equal(t, "kaboom", job.LastError)
}

func TestEnableDisableJob(t *testing.T) {
	s := newTestScheduler(t, nil)
	require.NoError(t, s.DisableJob("scan-network"))
	job, _ := s.GetJob("scan-network")
	assert.False(t, job.Enabled)

	require.NoError(t, s.EnableJob("scan-network"))
	job, _ = s.GetJob("scan-network")
	assert.True(t, job.Enabled)
}

func TestRemoveJob(t *testing.T) {
	s := newTestScheduler(t, nil)
	require.NoError(t, s.RemoveJob("cleanup-queue"))
	_, ok := s.GetJob("cleanup-queue")
	assert.False(t, ok)
}

func TestStatePersistsAcrossRestart(t *testing.T) {
	d := command.New(zap.NewNop())
	dir := t.TempDir()

	s1, err := New(Config{Dispatcher: d, Logger: zap.NewNop(), StateDir: dir})
	require.NoError(t, err)
	require.NoError(t, s1.DisableJob("check-updates"))

	_, err = os.Stat(filepath.Join(dir, "scheduler_state.json"))
	require.NoError(t, err)

	s2, err := New(Config{Dispatcher: d, Logger: zap.NewNop(), StateDir: dir})
	require.NoError(t, err)
	job, ok := s2.GetJob("check-updates")
	require.True(t, ok)
	assert.False(t, job.Enabled)
}

func TestGetStatsAggregatesAcrossJobs(t *testing.T) {
	s := newTestScheduler(t, nil)
	require.NoError(t, s.AddJob(Job{ID: "j1", Cron: "0 0 * * *", Action: "noop", Enabled: true}))
	require.NoError(t, s.RunNow("j1"))
	require.NoError(t, s.RunNow("j1"))

	stats := s.GetStats()
	assert.Equal(t, 4, stats.TotalJobs)
	assert.GreaterOrEqual(t, stats.TotalRuns, 2)
}

func TestStartAndStop(t *testing.T) {
	s := newTestScheduler(t, nil)
	require.NoError(t, s.Start())
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, s.Stop())
}
