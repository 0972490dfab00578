package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// AttemptViolationIDsKey returns the set of accepted violation event ids for an attempt
func (r *CacheKeyStruct) AttemptViolationIDsKey(attemptID string) string {
	return fmt.Sprintf("attempt:%s:violation_ids", attemptID)
}

// AttemptCountedKey returns the set of counted violation event ids for an attempt
func (r *CacheKeyStruct) AttemptCountedKey(attemptID string) string {
	return fmt.Sprintf("attempt:%s:counted_ids", attemptID)
}

// AttemptAnswersKey returns the cache key mirroring an attempt's in-progress answers
func (r *CacheKeyStruct) AttemptAnswersKey(attemptID string) string {
	return fmt.Sprintf("attempt:%s:answers", attemptID)
}

// AttemptSubmitLockKey returns the lock key guarding a single submission per attempt
func (r *CacheKeyStruct) AttemptSubmitLockKey(attemptID string) string {
	return fmt.Sprintf("attempt:%s:submit_lock", attemptID)
}

// ExamProctorChannel returns the Redis PubSub channel carrying an exam's live violations
func (r *CacheKeyStruct) ExamProctorChannel(examID string) string {
	return fmt.Sprintf("exam:%s:proctor", examID)
}

// BackupViolationsKey returns the agent-side backup list of an attempt's violations
func (r *CacheKeyStruct) BackupViolationsKey(attemptID string) string {
	return fmt.Sprintf("proctor:backup:%s:violations", attemptID)
}

// BackupDeliveredKey returns the agent-side set of delivered violation ids
func (r *CacheKeyStruct) BackupDeliveredKey(attemptID string) string {
	return fmt.Sprintf("proctor:backup:%s:delivered", attemptID)
}

// BackupIDsKey returns the agent-side set of backed-up violation ids
func (r *CacheKeyStruct) BackupIDsKey(attemptID string) string {
	return fmt.Sprintf("proctor:backup:%s:ids", attemptID)
}

var CacheKey = NewCacheKeyStruct()
