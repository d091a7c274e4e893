package backstop

import "time"

// Config holds tunables for the control plane services and the sweeper.
type Config struct {
	// MaxAttempts is the retry budget for one job before dead-lettering.
	MaxAttempts int

	// MaxRecoveryAttempts is the manual-recovery budget for one
	// dead-letter entry.
	MaxRecoveryAttempts int

	// SweepInterval is how often the sweeper scans for due retries,
	// dead-letter candidates, and queued orders.
	SweepInterval time.Duration

	// SweepBatchSize bounds each sweep scan for fairness under load.
	SweepBatchSize int

	// ReplayRate is the maximum sustained replays per second after a
	// safe-mode episode or a retry backlog. Zero disables the limit.
	ReplayRate float64

	// ReplayBurst is the token-bucket burst for ReplayRate.
	ReplayBurst int

	// SafeModeCacheTTL bounds staleness of the process-local safe-mode
	// flag cache.
	SafeModeCacheTTL time.Duration

	// HandlerTimeout bounds a single job attempt. External-provider
	// jobs (OCR, LLM, messaging) should stay within this.
	HandlerTimeout time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:         3,
		MaxRecoveryAttempts: 3,
		SweepInterval:       5 * time.Second,
		SweepBatchSize:      50,
		ReplayRate:          10,
		ReplayBurst:         5,
		SafeModeCacheTTL:    5 * time.Second,
		HandlerTimeout:      30 * time.Second,
		ShutdownTimeout:     30 * time.Second,
	}
}
