package models

import "time"

// Run is one recorded StartSession or ResumeSession call.
type Run struct {
	ID        string
	SessionID string
	Result    ExecutionResult
	CreatedAt time.Time
}
