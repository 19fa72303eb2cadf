package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// ExamConfigKey returns the cache key for an exam's rule snapshot
func (r *CacheKeyStruct) ExamConfigKey(examID string) string {
	return fmt.Sprintf("exam:%s:config", examID)
}

// ExamPayloadKey returns the cache key for an exam's student-facing questions
func (r *CacheKeyStruct) ExamPayloadKey(examID string) string {
	return fmt.Sprintf("exam:%s:payload", examID)
}

// ExamAnswerKey returns the cache key for an exam's answer key
func (r *CacheKeyStruct) ExamAnswerKey(examID string) string {
	return fmt.Sprintf("exam:%s:key", examID)
}

// ExamMonitorChannel returns the Redis PubSub channel name for an exam monitor
func (r *CacheKeyStruct) ExamMonitorChannel(examID string) string {
	return fmt.Sprintf("exam:%s:monitor", examID)
}

// AttemptRateKey returns the rate-limit counter key for an attempt in a window
func (r *CacheKeyStruct) AttemptRateKey(attemptID string, window int64) string {
	return fmt.Sprintf("ratelimit:attempt:%s:%d", attemptID, window)
}

// SweepLeaseKey is the lock held by the instance running the expiry sweep
func (r *CacheKeyStruct) SweepLeaseKey() string {
	return "lease:expiry_sweep"
}

var CacheKey = NewCacheKeyStruct()
