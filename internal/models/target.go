package models

import (
	"time"

	"gorm.io/gorm"
)

// Target is an externally managed remote endpoint. The engine only needs its
// stable serial and the connection profile to address it.
type Target struct {
	Serial    string    `gorm:"primaryKey;type:varchar(32)" json:"serial"`
	Name      string    `gorm:"not null;uniqueIndex;type:varchar(255)" json:"name"`
	Host      string    `gorm:"not null;type:varchar(255)" json:"host"`
	Port      int32     `gorm:"default:22" json:"port"`
	User      string    `gorm:"type:varchar(100)" json:"user"`
	Labels    string    `gorm:"type:jsonb" json:"labels"` // JSON map
	Enabled   bool      `gorm:"default:true" json:"enabled"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

func (Target) TableName() string {
	return "targets"
}

// Submission is a dispatch request held until its run_at time. Immediate
// dispatches never create one.
type Submission struct {
	ID              string     `gorm:"primaryKey;type:varchar(36)" json:"id"`
	JobSerial       string     `gorm:"not null;type:varchar(32);index" json:"job_serial"`
	Selector        string     `gorm:"not null;type:varchar(500)" json:"selector"`
	RunAt           time.Time  `gorm:"not null;index" json:"run_at"`
	Status          string     `gorm:"not null;type:varchar(20);default:'pending';index" json:"status"` // pending, fired, cancelled
	ExecutionSerial string     `gorm:"type:varchar(32)" json:"execution_serial"`
	FiredAt         *time.Time `json:"fired_at"`
	CreatedAt       time.Time  `gorm:"not null" json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func (Submission) TableName() string {
	return "submissions"
}

// Submission statuses.
const (
	SubmissionPending   = "pending"
	SubmissionFired     = "fired"
	SubmissionCancelled = "cancelled"
)

// SerialCounter backs the per-scope sequence allocator. Scope is the parent
// serial ("job:2025", "exec:J20250001", ...), Next the next unissued sequence.
type SerialCounter struct {
	Scope string `gorm:"primaryKey;type:varchar(80)"`
	Next  int64  `gorm:"not null;default:1"`
}

func (SerialCounter) TableName() string {
	return "serial_counters"
}
