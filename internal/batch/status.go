package batch

// Status is the lifecycle state of a job or step run.
type Status string

const (
	StatusStarting  Status = "STARTING"
	StatusStarted   Status = "STARTED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusStopped   Status = "STOPPED"
	StatusAbandoned Status = "ABANDONED"
	StatusUnknown   Status = "UNKNOWN"
)

// IsRunning reports whether a run in this status has not reached an end state yet.
func (s Status) IsRunning() bool {
	return s == StatusStarting || s == StatusStarted
}

// IsTerminal reports whether the status is FAILED, COMPLETED or STOPPED.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusFailed, StatusCompleted, StatusStopped:
		return true
	}
	return false
}

// IsUnsuccessful reports an end state other than COMPLETED.
func (s Status) IsUnsuccessful() bool {
	return s == StatusFailed || s == StatusStopped || s == StatusAbandoned || s == StatusUnknown
}

func (s Status) String() string { return string(s) }
