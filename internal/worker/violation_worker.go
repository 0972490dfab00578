package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

const (
	BatchSize    = 50
	BatchTimeout = 2 * time.Second
	PollTimeout  = 1 * time.Second // Must be >= 1s to satisfy Redis
)

// ViolationWriter persists accepted violation reports.
type ViolationWriter interface {
	InsertBatch(ctx context.Context, batch []*model.ViolationRecord) error
	Insert(ctx context.Context, v *model.ViolationRecord) error
}

// ViolationWorker drains the persistence queue into PostgreSQL in batches.
// Inserts are idempotent on (attempt_id, event_id), so a requeued record
// that was in fact written is harmless.
type ViolationWorker struct {
	writer  ViolationWriter
	rdb     *redis.Client
	log     zerolog.Logger
	backoff time.Duration
}

func NewViolationWorker(writer ViolationWriter, rdb *redis.Client, log zerolog.Logger) *ViolationWorker {
	return &ViolationWorker{
		writer:  writer,
		rdb:     rdb,
		log:     log.With().Str("component", "violation_worker").Logger(),
		backoff: 2 * time.Second,
	}
}

func (w *ViolationWorker) Start(ctx context.Context) {
	w.log.Info().Msg("ViolationWorker started")

	buffer := make([]*model.ViolationRecord, 0, BatchSize)
	lastFlushTime := time.Now()

	for {
		// 1. Check Flush Conditions (Time or Size)
		if len(buffer) > 0 {
			if len(buffer) >= BatchSize || time.Since(lastFlushTime) >= BatchTimeout {
				w.flushSafe(ctx, buffer)
				buffer = buffer[:0]
				lastFlushTime = time.Now()
			}
		}

		// 2. Check Context (Graceful Shutdown)
		select {
		case <-ctx.Done():
			w.shutdown(buffer)
			return
		default:
		}

		// 3. Fetch from Redis
		result, err := w.rdb.BLPop(ctx, PollTimeout, config.WorkerKey.PersistViolationsQueue).Result()
		if err != nil {
			if err == redis.Nil {
				continue // Queue empty, loop back to check flush timer
			}
			if ctx.Err() != nil {
				w.shutdown(buffer)
				return
			}
			w.log.Error().Err(err).Msg("Redis connection error, sleeping 3s")
			select {
			case <-time.After(3 * time.Second):
			case <-ctx.Done():
			}
			continue
		}

		// 4. Process Data
		if len(result) < 2 {
			continue
		}

		var record model.ViolationRecord
		if err := json.Unmarshal([]byte(result[1]), &record); err != nil {
			// Malformed JSON can never succeed. Log and discard.
			w.log.Error().Err(err).Str("data", result[1]).Msg("Discarding malformed violation record")
			continue
		}

		buffer = append(buffer, &record)
	}
}

// flushSafe attempts a batch insert, then row-by-row inserts, then requeue.
func (w *ViolationWorker) flushSafe(ctx context.Context, batch []*model.ViolationRecord) {
	if err := w.writer.InsertBatch(ctx, batch); err != nil {
		w.log.Warn().Err(err).Int("count", len(batch)).Msg("Batch insert failed, attempting row-by-row recovery")
		w.fallbackInsert(ctx, batch)
		return
	}
	w.log.Debug().Int("count", len(batch)).Msg("Violations persisted")
}

func (w *ViolationWorker) fallbackInsert(ctx context.Context, batch []*model.ViolationRecord) {
	requeueList := make([]*model.ViolationRecord, 0)

	for _, v := range batch {
		if err := w.writer.Insert(ctx, v); err != nil {
			w.log.Error().Err(err).
				Str("attempt_id", v.AttemptID).
				Str("event_id", v.EventID).
				Msg("Insert failed, requeueing")
			requeueList = append(requeueList, v)
		}
	}

	if len(requeueList) > 0 {
		w.requeue(ctx, requeueList)
	}
}

func (w *ViolationWorker) requeue(ctx context.Context, items []*model.ViolationRecord) {
	pipe := w.rdb.Pipeline()
	for _, v := range items {
		data, _ := json.Marshal(v)
		pipe.RPush(context.WithoutCancel(ctx), config.WorkerKey.PersistViolationsQueue, data)
	}
	if _, err := pipe.Exec(context.WithoutCancel(ctx)); err != nil {
		w.log.Error().Err(err).Int("count", len(items)).Msg("CRITICAL: Failed to requeue violations to Redis. Data loss occurred.")
		return
	}
	w.log.Info().Int("count", len(items)).Msg("Requeued failed violations back to Redis")

	// Avoid thrashing while the database is down.
	select {
	case <-time.After(w.backoff):
	case <-ctx.Done():
	}
}

func (w *ViolationWorker) shutdown(buffer []*model.ViolationRecord) {
	w.log.Info().Msg("Worker stopping, flushing remaining buffer...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if len(buffer) > 0 {
		w.flushSafe(shutdownCtx, buffer)
	}
}
