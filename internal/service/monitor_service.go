package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
)

// AttemptSummaryReader lists the attempts of an exam.
type AttemptSummaryReader interface {
	ListAttemptSummaries(ctx context.Context, examID uuid.UUID) ([]repository.AttemptSummary, error)
}

// MonitorService builds the proctor's view of an exam.
type MonitorService struct {
	summaries AttemptSummaryReader
	rdb       *redis.Client
}

// NewMonitorService creates a new MonitorService.
func NewMonitorService(summaries AttemptSummaryReader, rdb *redis.Client) *MonitorService {
	return &MonitorService{summaries: summaries, rdb: rdb}
}

// Snapshot returns every attempt of the exam. Counts of in-progress attempts
// come from Redis when it is ahead of the persisted violations, since the
// persistence queue may still be draining.
func (s *MonitorService) Snapshot(ctx context.Context, examID uuid.UUID) ([]repository.AttemptSummary, error) {
	summaries, err := s.summaries.ListAttemptSummaries(ctx, examID)
	if err != nil {
		return nil, fmt.Errorf("list attempt summaries: %w", err)
	}
	if summaries == nil {
		summaries = []repository.AttemptSummary{}
	}

	idx := make([]int, 0, len(summaries))
	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(summaries))
	for i, sum := range summaries {
		if sum.Status != model.AttemptStatusInProgress {
			continue
		}
		idx = append(idx, i)
		cmds = append(cmds, pipe.SCard(ctx, config.CacheKey.AttemptCountedKey(sum.AttemptID.String())))
	}
	if len(cmds) == 0 {
		return summaries, nil
	}

	// Live counts are best-effort; the persisted ones still stand.
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return summaries, nil
	}
	for n, cmd := range cmds {
		if live, err := cmd.Result(); err == nil && live > summaries[idx[n]].ViolationCount {
			summaries[idx[n]].ViolationCount = live
		}
	}
	return summaries, nil
}
