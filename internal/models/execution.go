package models

import (
	"time"
)

// Execution statuses.
const (
	ExecutionPending         = "pending"
	ExecutionRunning         = "running"
	ExecutionCompleted       = "completed"
	ExecutionFailed          = "failed"
	ExecutionPartiallyFailed = "partially-failed"
	ExecutionCancelled       = "cancelled"
)

// Branch statuses. A branch mirrors the execution enum scoped to one target,
// plus timed-out for budget overruns and skipped for branches cancelled before
// they ever started.
const (
	BranchPending   = "pending"
	BranchRunning   = "running"
	BranchCompleted = "completed"
	BranchFailed    = "failed"
	BranchTimedOut  = "timed-out"
	BranchCancelled = "cancelled"
	BranchSkipped   = "skipped"
)

// Action result statuses.
const (
	ActionScheduled = "scheduled"
	ActionRunning   = "running"
	ActionCompleted = "completed"
	ActionFailed    = "failed"
	ActionSkipped   = "skipped"
	ActionTimedOut  = "timed-out"
)

// ExecutionTerminal reports whether status is final for an execution.
func ExecutionTerminal(status string) bool {
	switch status {
	case ExecutionCompleted, ExecutionFailed, ExecutionPartiallyFailed, ExecutionCancelled:
		return true
	}
	return false
}

// BranchTerminal reports whether status is final for a branch.
func BranchTerminal(status string) bool {
	switch status {
	case BranchCompleted, BranchFailed, BranchTimedOut, BranchCancelled, BranchSkipped:
		return true
	}
	return false
}

// Execution is one invocation of a job against a frozen target snapshot.
type Execution struct {
	Serial          string     `gorm:"primaryKey;type:varchar(32)" json:"serial"`
	JobSerial       string     `gorm:"not null;type:varchar(32);index" json:"job_serial"`
	Status          string     `gorm:"not null;type:varchar(20);default:'pending';index" json:"status"`
	Concurrency     int32      `gorm:"not null" json:"concurrency"`
	TargetCount     int32      `gorm:"not null" json:"target_count"`
	CancelRequested bool       `gorm:"default:false" json:"cancel_requested"`
	RequestedBy     string     `gorm:"type:varchar(255)" json:"requested_by"`
	StartedAt       *time.Time `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at"`
	CreatedAt       time.Time  `gorm:"not null" json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`

	Branches []Branch `gorm:"foreignKey:ExecutionSerial;references:Serial" json:"branches,omitempty"`
}

func (Execution) TableName() string {
	return "executions"
}

// Branch is the execution path for exactly one target within one execution.
type Branch struct {
	Serial          string     `gorm:"primaryKey;type:varchar(48)" json:"serial"`
	ExecutionSerial string     `gorm:"not null;type:varchar(32);index" json:"execution_serial"`
	TargetSerial    string     `gorm:"not null;type:varchar(32)" json:"target_serial"`
	TargetName      string     `gorm:"type:varchar(255)" json:"target_name"`
	Status          string     `gorm:"not null;type:varchar(20);default:'pending';index" json:"status"`
	ErrorMessage    string     `gorm:"type:text" json:"error_message"`
	StartedAt       *time.Time `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at"`
	CreatedAt       time.Time  `gorm:"not null" json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`

	Actions []ActionResult `gorm:"foreignKey:BranchSerial;references:Serial" json:"actions,omitempty"`
}

func (Branch) TableName() string {
	return "branches"
}

// ActionResult is the outcome of one action instance within a branch.
type ActionResult struct {
	Serial          string     `gorm:"primaryKey;type:varchar(64)" json:"serial"`
	BranchSerial    string     `gorm:"not null;type:varchar(48);index" json:"branch_serial"`
	Position        int32      `gorm:"not null" json:"position"`
	Name            string     `gorm:"not null;type:varchar(255)" json:"name"`
	Command         string     `gorm:"not null;type:text" json:"command"` // payload actually executed
	Status          string     `gorm:"not null;type:varchar(20);default:'scheduled'" json:"status"`
	ExitCode        *int32     `json:"exit_code"`
	Output          string     `gorm:"type:text" json:"output"`
	OutputTruncated bool       `gorm:"default:false" json:"output_truncated"`
	ErrorMessage    string     `gorm:"type:text" json:"error_message"`
	DurationMS      int64      `gorm:"default:0" json:"duration_ms"`
	StartedAt       *time.Time `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at"`
	CreatedAt       time.Time  `gorm:"not null" json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func (ActionResult) TableName() string {
	return "action_results"
}
