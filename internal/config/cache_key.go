package config

import (
	"fmt"

	"github.com/google/uuid"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// StudentLoginKey holds the single active login token of a student.
func (r *CacheKeyStruct) StudentLoginKey(studentID int) string {
	return fmt.Sprintf("login:%d", studentID)
}

// SessionAnswersKey is the hash of question_id → answer JSON for a session.
func (r *CacheKeyStruct) SessionAnswersKey(sessionID uuid.UUID) string {
	return fmt.Sprintf("session:%s:answers", sessionID)
}

// SessionMetaKey caches the fields needed to authorise an answer write
// (owner, exam, started_at, status) without a database round trip.
func (r *CacheKeyStruct) SessionMetaKey(sessionID uuid.UUID) string {
	return fmt.Sprintf("session:%s:meta", sessionID)
}

// ExamPayloadKey caches the stripped exam definition.
func (r *CacheKeyStruct) ExamPayloadKey(examID uuid.UUID) string {
	return fmt.Sprintf("exam:%s:payload", examID)
}

// LoginAttemptsKey counts login attempts from one client IP.
func (r *CacheKeyStruct) LoginAttemptsKey(ip string) string {
	return fmt.Sprintf("ratelimit:login:%s", ip)
}

// SweepLockKey guards the expiry sweep across server replicas.
func (r *CacheKeyStruct) SweepLockKey() string {
	return "lock:expiry_sweep"
}

var CacheKey = NewCacheKeyStruct()
