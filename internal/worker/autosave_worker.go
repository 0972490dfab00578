package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// AnswerWriter merges an answer snapshot into the attempt row.
type AnswerWriter interface {
	SaveAnswers(ctx context.Context, id uuid.UUID, answers map[string]model.Answer) error
}

// AutosaveWorker consumes persist_answers_queue and merges the mirrored
// answers into PostgreSQL, so in-progress work survives a Redis restart.
type AutosaveWorker struct {
	writer     AnswerWriter
	rdb        *redis.Client
	log        zerolog.Logger
	retryDelay time.Duration
}

// NewAutosaveWorker creates a new AutosaveWorker.
func NewAutosaveWorker(writer AnswerWriter, rdb *redis.Client, log zerolog.Logger) *AutosaveWorker {
	return &AutosaveWorker{
		writer:     writer,
		rdb:        rdb,
		log:        log.With().Str("component", "autosave_worker").Logger(),
		retryDelay: 5 * time.Second,
	}
}

// Start begins the infinite worker loop. Call in a goroutine.
func (w *AutosaveWorker) Start(ctx context.Context) {
	w.log.Info().Msg("Worker started")

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopping...")
			// Drain remaining items before exit.
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			w.drain(drainCtx)
			cancel()
			w.log.Info().Msg("Worker stopped")
			return
		default:
			w.processNext(ctx)
		}
	}
}

func (w *AutosaveWorker) processNext(ctx context.Context) {
	// BLPop blocks until an item is available or timeout (1 second).
	result, err := w.rdb.BLPop(ctx, PollTimeout, config.WorkerKey.PersistAnswersQueue).Result()
	if err != nil {
		if err != redis.Nil && ctx.Err() == nil {
			w.log.Error().Err(err).Msg("BLPop error")
		}
		return
	}

	if len(result) < 2 {
		return
	}

	var snapshot model.AnswerSnapshot
	if err := json.Unmarshal([]byte(result[1]), &snapshot); err != nil {
		w.log.Error().Err(err).Msg("Unmarshal error")
		return
	}

	if err := w.persist(ctx, &snapshot); err != nil {
		w.log.Error().Err(err).
			Str("attempt_id", snapshot.AttemptID).
			Msg("Persist error, retrying")
		// Push back to queue for retry.
		w.rdb.RPush(context.WithoutCancel(ctx), config.WorkerKey.PersistAnswersQueue, result[1])
		select {
		case <-time.After(w.retryDelay):
		case <-ctx.Done():
		}
	}
}

func (w *AutosaveWorker) persist(ctx context.Context, s *model.AnswerSnapshot) error {
	attemptID, err := uuid.Parse(s.AttemptID)
	if err != nil {
		// Unparseable ids can never succeed.
		w.log.Error().Str("attempt_id", s.AttemptID).Msg("Dropping snapshot with invalid attempt id")
		return nil
	}
	return w.writer.SaveAnswers(ctx, attemptID, s.Answers)
}

// drain processes all remaining items in the queue before shutdown.
func (w *AutosaveWorker) drain(ctx context.Context) {
	drained := 0
	for {
		result, err := w.rdb.LPop(ctx, config.WorkerKey.PersistAnswersQueue).Result()
		if err != nil {
			break
		}

		var snapshot model.AnswerSnapshot
		if err := json.Unmarshal([]byte(result), &snapshot); err != nil {
			w.log.Error().Err(err).Msg("Drain unmarshal error")
			continue
		}

		if err := w.persist(ctx, &snapshot); err != nil {
			w.log.Error().Err(err).Msg("Drain persist error")
			w.rdb.RPush(ctx, config.WorkerKey.PersistAnswersQueue, result)
			break
		}
		drained++
	}

	if drained > 0 {
		w.log.Info().Int("count", drained).Msg("Drained remaining items")
	}
}
