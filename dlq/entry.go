package dlq

import (
	"time"

	"github.com/khaacho/backstop"
	"github.com/khaacho/backstop/id"
)

// RecoveryStatus represents where a dead-letter entry stands in manual or
// automated recovery.
type RecoveryStatus string

const (
	// RecoveryPending means the entry awaits recovery.
	RecoveryPending RecoveryStatus = "pending"
	// Recovered means a recovery attempt succeeded. Terminal.
	Recovered RecoveryStatus = "recovered"
	// PermanentlyFailed means an operator gave up on the entry. Terminal;
	// only annotation operations remain valid.
	PermanentlyFailed RecoveryStatus = "permanently_failed"
)

// DefaultMaxRecoveryAttempts is the recovery budget applied when the
// admitting caller does not set one.
const DefaultMaxRecoveryAttempts = 3

// Entry is a job that exhausted its retry budget, held durably for
// inspection, annotation, and bounded re-submission. Entries are never
// deleted automatically: they are the operator-visible audit trail.
type Entry struct {
	backstop.Entity

	ID id.DLQID `json:"id"`

	// Original job identity and payload, preserved for re-submission.
	JobID   id.JobID `json:"job_id"`
	Queue   string   `json:"queue"`
	JobName string   `json:"job_name"`
	Payload []byte   `json:"payload"`

	FailureReason string `json:"failure_reason"`
	TotalAttempts int    `json:"total_attempts"`

	RecoveryStatus      RecoveryStatus `json:"recovery_status"`
	RecoveryAttempts    int            `json:"recovery_attempts"`
	MaxRecoveryAttempts int            `json:"max_recovery_attempts"`

	Priority   int    `json:"priority"`
	AdminNotes string `json:"admin_notes,omitempty"`
	AssignedTo string `json:"assigned_to,omitempty"`

	LastRecoveryAttemptAt  *time.Time `json:"last_recovery_attempt_at,omitempty"`
	RecoveredAt            *time.Time `json:"recovered_at,omitempty"`
	PermanentFailureReason string     `json:"permanent_failure_reason,omitempty"`
	FailedAt               time.Time  `json:"failed_at"`
}
