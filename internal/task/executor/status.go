package executor

// Status is an executor lifecycle state.
type Status string

const (
	StatusInit            Status = "INIT"
	StatusRunning         Status = "RUNNING"
	StatusSucceed         Status = "SUCCEED"
	StatusEmpty           Status = "EMPTY"
	StatusErrorButNoRetry Status = "ERROR_BUT_NO_RETRY"
	StatusFailed          Status = "FAILED"
	StatusTimeout         Status = "TIMEOUT"
	StatusDone            Status = "DONE"
)

// TerminalStatuses lists the outcome statuses, in a stable order.
var TerminalStatuses = []Status{
	StatusSucceed,
	StatusEmpty,
	StatusErrorButNoRetry,
	StatusFailed,
	StatusTimeout,
}

// IsTerminal reports whether s is one of the five outcome statuses.
// DONE is not an outcome; it follows one.
func IsTerminal(s Status) bool {
	switch s {
	case StatusSucceed, StatusEmpty, StatusErrorButNoRetry, StatusFailed, StatusTimeout:
		return true
	default:
		return false
	}
}

func allowedTransition(from, to Status) bool {
	switch from {
	case StatusInit:
		return to == StatusRunning
	case StatusRunning:
		return IsTerminal(to)
	default:
		if IsTerminal(from) {
			return to == StatusDone
		}
		return false
	}
}
