package models

import (
	"time"

	"gorm.io/gorm"
)

// Branch failure policies. Required on every job; there is no implicit default.
const (
	OnFailureStop     = "stop"
	OnFailureContinue = "continue"
)

type Job struct {
	Serial               string    `gorm:"primaryKey;type:varchar(32)" json:"serial"`
	Name                 string    `gorm:"not null;type:varchar(255);index" json:"name"`
	Description          string    `gorm:"type:text" json:"description"`
	Version              int32     `gorm:"not null;default:1" json:"version"`
	OnFailure            string    `gorm:"not null;type:varchar(20)" json:"on_failure"` // stop, continue
	Concurrency          int32     `gorm:"default:0" json:"concurrency"`                // 0 = system-wide cap
	ActionTimeoutSeconds int64     `gorm:"default:0" json:"action_timeout_seconds"`     // 0 = engine default
	BranchTimeoutSeconds int64     `gorm:"default:0" json:"branch_timeout_seconds"`     // 0 = engine default
	Referenced           bool      `gorm:"default:false" json:"referenced"`             // true once an execution exists; edits must clone
	CreatedBy            string    `gorm:"type:varchar(255)" json:"created_by"`
	CreatedAt            time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
	DeletedAt            gorm.DeletedAt `gorm:"index" json:"-"`

	Actions    []JobAction `gorm:"foreignKey:JobSerial;references:Serial" json:"actions,omitempty"`
	Executions []Execution `gorm:"foreignKey:JobSerial;references:Serial" json:"executions,omitempty"`
}

func (Job) TableName() string {
	return "jobs"
}

// JobAction is one ordered action template inside a job definition.
type JobAction struct {
	ID             uint   `gorm:"primaryKey" json:"id"`
	JobSerial      string `gorm:"not null;type:varchar(32);index" json:"job_serial"`
	Position       int32  `gorm:"not null" json:"position"` // 1-based list order
	Name           string `gorm:"not null;type:varchar(255)" json:"name"`
	Command        string `gorm:"not null;type:text" json:"command"`
	TimeoutSeconds int64  `gorm:"default:0" json:"timeout_seconds"` // 0 = job/engine default

	CreatedAt time.Time `json:"created_at"`
}

func (JobAction) TableName() string {
	return "job_actions"
}

// ActionTimeout returns the action's own timeout, falling back to the given
// job- or engine-level default when unset.
func (a JobAction) ActionTimeout(fallback time.Duration) time.Duration {
	if a.TimeoutSeconds > 0 {
		return time.Duration(a.TimeoutSeconds) * time.Second
	}
	return fallback
}
