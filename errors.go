package backstop

import "errors"

var (
	// Store errors.
	ErrNoStore         = errors.New("backstop: no store configured")
	ErrStoreClosed     = errors.New("backstop: store closed")
	ErrMigrationFailed = errors.New("backstop: migration failed")

	// Not found errors.
	ErrRecordNotFound = errors.New("backstop: idempotency record not found")
	ErrJobNotFound    = errors.New("backstop: job not found")
	ErrEntryNotFound  = errors.New("backstop: dead-letter entry not found")
	ErrOrderNotFound  = errors.New("backstop: queued order not found")

	// Validation errors.
	ErrKeyRequired = errors.New("backstop: idempotency key is required")

	// Conflict errors.
	ErrRecordExists      = errors.New("backstop: idempotency record already exists")
	ErrAlreadyProcessing = errors.New("backstop: operation already in flight for this key")
	ErrEntryExists       = errors.New("backstop: dead-letter entry already exists for this job")
	ErrVersionConflict   = errors.New("backstop: concurrent update conflict")

	// State errors.
	ErrInvalidState      = errors.New("backstop: invalid state transition")
	ErrEntryTerminal     = errors.New("backstop: dead-letter entry is permanently failed")
	ErrRecoveryExhausted = errors.New("backstop: dead-letter recovery budget exhausted")
)
