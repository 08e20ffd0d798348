package models

import "time"

// QueueStatus is the lifecycle state of a queued analysis.
type QueueStatus string

const (
	StatusPending    QueueStatus = "PENDING"
	StatusProcessing QueueStatus = "PROCESSING"
	StatusCompleted  QueueStatus = "COMPLETED"
	StatusFailed     QueueStatus = "FAILED"
)

// PendingAnalysis is a durably queued before/after pair awaiting analysis.
type PendingAnalysis struct {
	ID            string      `json:"id"`
	Before        ImageRecord `json:"before"`
	After         ImageRecord `json:"after"`
	Status        QueueStatus `json:"status"`
	Attempts      int         `json:"attempts"`
	CreatedAt     time.Time   `json:"created_at"`
	ExpiresAt     time.Time   `json:"expires_at"`
	LastAttemptAt *time.Time  `json:"last_attempt_at,omitempty"`
	LastError     string      `json:"last_error,omitempty"`
	LastErrorType string      `json:"last_error_type,omitempty"`
	Decision      *Decision   `json:"decision,omitempty"`
}

// Expired reports whether the entry is past its expiration horizon at now.
func (p *PendingAnalysis) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

// QueueStats counts queue entries per status.
type QueueStats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}
