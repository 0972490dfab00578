package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func run(t *testing.T, start func(context.Context)) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func push(t *testing.T, rdb *redis.Client, queue string, v interface{}) {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, rdb.RPush(context.Background(), queue, b).Err())
}

func record(attemptID, eventID string) model.ViolationRecord {
	return model.ViolationRecord{
		AttemptID:  attemptID,
		EventID:    eventID,
		Type:       model.ViolationTabSwitch,
		OccurredAt: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC),
		Counted:    true,
	}
}

func TestViolationWorkerPersistsQueue(t *testing.T) {
	_, rdb := newRedis(t)
	store := repository.NewMemoryViolations()
	run(t, NewViolationWorker(store, rdb, zerolog.Nop()).Start)

	attemptID := uuid.New()
	first := uuid.NewString()
	queue := config.WorkerKey.PersistViolationsQueue
	push(t, rdb, queue, record(attemptID.String(), first))
	push(t, rdb, queue, record(attemptID.String(), first))
	push(t, rdb, queue, record(attemptID.String(), uuid.NewString()))
	require.NoError(t, rdb.RPush(context.Background(), queue, "{broken").Err())

	require.Eventually(t, func() bool {
		logs, _ := store.ListByAttempt(context.Background(), attemptID)
		return len(logs) == 2
	}, 5*time.Second, 20*time.Millisecond)
}

func TestViolationWorkerFallsBackRowByRow(t *testing.T) {
	_, rdb := newRedis(t)
	store := repository.NewMemoryViolations()
	store.FailNext = errors.New("batch rejected")
	run(t, NewViolationWorker(store, rdb, zerolog.Nop()).Start)

	attemptID := uuid.New()
	push(t, rdb, config.WorkerKey.PersistViolationsQueue, record(attemptID.String(), uuid.NewString()))

	require.Eventually(t, func() bool {
		logs, _ := store.ListByAttempt(context.Background(), attemptID)
		return len(logs) == 1
	}, 5*time.Second, 20*time.Millisecond)
}

// flakyWriter fails every write until healed.
type flakyWriter struct {
	mu      sync.Mutex
	healthy bool
	saved   []*model.ViolationRecord
}

func (f *flakyWriter) InsertBatch(context.Context, []*model.ViolationRecord) error {
	return errors.New("connection refused")
}

func (f *flakyWriter) Insert(_ context.Context, v *model.ViolationRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.healthy {
		return errors.New("connection refused")
	}
	f.saved = append(f.saved, v)
	return nil
}

func (f *flakyWriter) heal() {
	f.mu.Lock()
	f.healthy = true
	f.mu.Unlock()
}

func (f *flakyWriter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saved)
}

func TestViolationWorkerRequeuesOnFailure(t *testing.T) {
	mr, rdb := newRedis(t)
	writer := &flakyWriter{}
	w := NewViolationWorker(writer, rdb, zerolog.Nop())
	w.backoff = 10 * time.Millisecond

	w.fallbackInsert(context.Background(), []*model.ViolationRecord{
		ptr(record(uuid.NewString(), uuid.NewString())),
	})
	queued, err := mr.List(config.WorkerKey.PersistViolationsQueue)
	require.NoError(t, err)
	require.Len(t, queued, 1)

	writer.heal()
	run(t, w.Start)
	require.Eventually(t, func() bool { return writer.count() == 1 }, 5*time.Second, 20*time.Millisecond)
}

func ptr(r model.ViolationRecord) *model.ViolationRecord { return &r }

func TestAutosaveWorkerMergesSnapshots(t *testing.T) {
	_, rdb := newRedis(t)
	attempts := repository.NewMemoryAttempts()
	attemptID := uuid.New()
	attempts.Put(model.AttemptRecord{
		ID:      attemptID,
		Status:  model.AttemptStatusInProgress,
		Answers: map[string]model.Answer{"q1": {Kind: model.AnswerKindChoice, Value: "A"}},
	})
	run(t, NewAutosaveWorker(attempts, rdb, zerolog.Nop()).Start)

	push(t, rdb, config.WorkerKey.PersistAnswersQueue, model.AnswerSnapshot{
		AttemptID: attemptID.String(),
		Answers:   map[string]model.Answer{"q2": {Kind: model.AnswerKindText, Value: "B"}},
	})

	require.Eventually(t, func() bool {
		a, err := attempts.GetByID(context.Background(), attemptID)
		return err == nil && len(a.Answers) == 2 && a.Answers["q2"].Value == "B"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestAutosaveLeavesFinishedAttempts(t *testing.T) {
	_, rdb := newRedis(t)
	attempts := repository.NewMemoryAttempts()
	attemptID := uuid.New()
	attempts.Put(model.AttemptRecord{ID: attemptID, Status: model.AttemptStatusSubmitted})
	w := NewAutosaveWorker(attempts, rdb, zerolog.Nop())

	push(t, rdb, config.WorkerKey.PersistAnswersQueue, model.AnswerSnapshot{
		AttemptID: attemptID.String(),
		Answers:   map[string]model.Answer{"q1": {Kind: model.AnswerKindText, Value: "late"}},
	})
	w.drain(context.Background())

	a, err := attempts.GetByID(context.Background(), attemptID)
	require.NoError(t, err)
	require.Empty(t, a.Answers)
}
