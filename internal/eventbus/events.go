package eventbus

import (
	"time"

	"taskrunner/internal/task/executor"
)

const (
	TypeScheduleDispatched = "schedule.dispatched"
	TypeScheduleDegraded   = "schedule.degraded"
	TypeScheduleDone       = "schedule.done"
	TypeSubscriptionRefill = "subscription.refilled"
	TypeExceptionReported  = "exception.reported"
)

// Dispatched is the payload of schedule.dispatched and schedule.degraded.
type Dispatched struct {
	ScheduleID string `json:"schedule_id"`
	Task       string `json:"task"`
	Match      string `json:"match,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Done is the payload of schedule.done.
type Done struct {
	Record   executor.LogRecord `json:"record"`
	Duration time.Duration      `json:"duration"`
	Model    string             `json:"model"`
}

// Refilled is the payload of subscription.refilled.
type Refilled struct {
	Requested int `json:"requested"`
	Added     int `json:"added"`
	Depth     int `json:"depth"`
}

// Exception is the payload of exception.reported.
type Exception struct {
	Stage      string `json:"stage"`
	ScheduleID string `json:"schedule_id,omitempty"`
	Error      string `json:"error"`
}
