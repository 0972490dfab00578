package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
)

func TestSnapshotPrefersLiveCounts(t *testing.T) {
	f := newFixture(t)
	active := f.start()
	f.report(active.AttemptID, true)
	f.report(active.AttemptID, true)

	// One persisted report, two not yet drained from the queue.
	require.NoError(t, f.violations.Insert(context.Background(), &model.ViolationRecord{
		AttemptID: active.AttemptID, EventID: "persisted", Counted: true,
	}))

	svc := NewMonitorService(&repository.MemoryMonitor{Attempts: f.attempts, Violations: f.violations}, f.rdb)
	summaries, err := svc.Snapshot(context.Background(), f.exam.ID)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	require.Equal(t, active.AttemptID, summaries[0].AttemptID.String())
	require.Equal(t, int64(2), summaries[0].ViolationCount)
}

func TestSnapshotKeepsPersistedCountsOfFinishedAttempts(t *testing.T) {
	f := newFixture(t)
	active := f.start()
	_, err := f.svc.Submit(context.Background(), student, active.AttemptID, model.SubmitAttemptRequest{})
	require.NoError(t, err)
	f.mr.SAdd(config.CacheKey.AttemptCountedKey(active.AttemptID), "a", "b", "c")

	svc := NewMonitorService(&repository.MemoryMonitor{Attempts: f.attempts, Violations: f.violations}, f.rdb)
	summaries, err := svc.Snapshot(context.Background(), f.exam.ID)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	require.Equal(t, model.AttemptStatusSubmitted, summaries[0].Status)
	require.Zero(t, summaries[0].ViolationCount)
}

func TestSnapshotOfEmptyExam(t *testing.T) {
	f := newFixture(t)
	svc := NewMonitorService(&repository.MemoryMonitor{Attempts: f.attempts, Violations: f.violations}, f.rdb)
	summaries, err := svc.Snapshot(context.Background(), f.exam.ID)
	require.NoError(t, err)
	require.NotNil(t, summaries)
	require.Empty(t, summaries)
}
