package redis

// Redis key naming conventions for backstop data.
// All keys are prefixed with "backstop:" to avoid collisions.

const keyPrefix = "backstop:"

// ── Idempotency keys ──

// recordKey returns the key for an idempotency record, addressed by the
// caller-supplied idempotency key: backstop:idem:{key}
func recordKey(key string) string { return keyPrefix + "idem:" + key }

// recordKeysKey is the Set tracking all idempotency keys for enumeration.
const recordKeysKey = keyPrefix + "idem_keys"

// ── Job keys ──

// jobKey returns the key for a job entity: backstop:job:{id}
func jobKey(id string) string { return keyPrefix + "job:" + id }

// jobIDsKey is the Set tracking all job IDs for enumeration.
const jobIDsKey = keyPrefix + "job_ids"

// retryDueKey is the Sorted Set of failed job IDs scored by their
// next_retry_at, so the sweep reads only due jobs.
const retryDueKey = keyPrefix + "retry_due"

// ── DLQ keys ──

// entryKey returns the key for a dead-letter entry entity: backstop:dlq:{id}
func entryKey(id string) string { return keyPrefix + "dlq:" + id }

// entryIDsKey is the Set tracking all dead-letter entry IDs for enumeration.
const entryIDsKey = keyPrefix + "dlq_ids"

// entryByJobKey maps job IDs to entry IDs. HSETNX on this hash is the
// unique constraint preventing double admission.
const entryByJobKey = keyPrefix + "dlq_by_job"

// ── Safe-mode keys ──

// safeModeKey holds the safe-mode singleton hash.
const safeModeKey = keyPrefix + "safemode"

// orderKey returns the key for a queued order entity: backstop:qord:{id}
func orderKey(id string) string { return keyPrefix + "qord:" + id }

// orderIDsKey is the Set tracking all queued order IDs for enumeration.
const orderIDsKey = keyPrefix + "qord_ids"
