package models

import "time"

// Lock policies understood by the lock service.
const (
	LockPolicyExclusive   = "EXCLUSIVE"
	LockPolicyReentrant   = "REENTRANT"
	LockPolicyTimed       = "TIMED"
	LockPolicyFailFast    = "FAIL_FAST"
	LockPolicyWaitRetry   = "WAIT_RETRY"
	LockPolicyDistributed = "DISTRIBUTED"
)

// BatchLock is a named mutual-exclusion lock. The presence of the row is the lock.
type BatchLock struct {
	LockName    string     `gorm:"primaryKey;size:100" json:"lock_name"`
	LockPolicy  string     `gorm:"size:20;not null" json:"lock_policy"`
	LockType    string     `gorm:"size:50" json:"lock_type"`
	Description string     `gorm:"size:255" json:"description"`
	LockedAt    time.Time  `gorm:"not null" json:"locked_at"`
	ExpiresAt   *time.Time `gorm:"index" json:"expires_at"` // TIMED only
	Hostname    string     `gorm:"size:100" json:"hostname"`
	DBSchema    string     `gorm:"size:50;default:public" json:"db_schema"`
}

func (BatchLock) TableName() string { return "batch_locks" }

// Expired reports whether a TIMED lock has passed its expiry.
func (l *BatchLock) Expired(now time.Time) bool {
	return l.ExpiresAt != nil && l.ExpiresAt.Before(now)
}
