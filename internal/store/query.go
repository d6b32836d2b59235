package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"opsconductor/internal/models"
)

// SerialStatus is one row of a wildcard serial search: the matched serial,
// which level of the hierarchy it lives at, and its current status.
type SerialStatus struct {
	Serial string `json:"serial"`
	Kind   string `json:"kind"` // execution, branch, action
	Status string `json:"status"`
}

// SearchSerials matches executions, branches and action results against a
// wildcard pattern such as "J2025*" or "*.0001". This is a read-side query
// feature; the engine itself never matches wildcards.
func (s *Store) SearchSerials(ctx context.Context, pattern string, limit int) ([]SerialStatus, error) {
	like := strings.ReplaceAll(pattern, "*", "%")
	if limit <= 0 {
		limit = 100
	}

	var out []SerialStatus

	var executions []models.Execution
	if err := s.db.WithContext(ctx).
		Where("serial LIKE ?", like).
		Order("serial ASC").Limit(limit).
		Find(&executions).Error; err != nil {
		return nil, fmt.Errorf("failed to search executions: %w", err)
	}
	for _, e := range executions {
		out = append(out, SerialStatus{Serial: e.Serial, Kind: "execution", Status: e.Status})
	}

	var branches []models.Branch
	if err := s.db.WithContext(ctx).
		Where("serial LIKE ?", like).
		Order("serial ASC").Limit(limit).
		Find(&branches).Error; err != nil {
		return nil, fmt.Errorf("failed to search branches: %w", err)
	}
	for _, b := range branches {
		out = append(out, SerialStatus{Serial: b.Serial, Kind: "branch", Status: b.Status})
	}

	var actions []models.ActionResult
	if err := s.db.WithContext(ctx).
		Where("serial LIKE ?", like).
		Order("serial ASC").Limit(limit).
		Find(&actions).Error; err != nil {
		return nil, fmt.Errorf("failed to search action results: %w", err)
	}
	for _, a := range actions {
		out = append(out, SerialStatus{Serial: a.Serial, Kind: "action", Status: a.Status})
	}

	return out, nil
}

// Stats returns execution and branch counts by status for the dashboard.
func (s *Store) Stats(ctx context.Context) (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	executionCounts := make(map[string]int64)
	for _, status := range []string{
		models.ExecutionPending, models.ExecutionRunning, models.ExecutionCompleted,
		models.ExecutionFailed, models.ExecutionPartiallyFailed, models.ExecutionCancelled,
	} {
		var count int64
		s.db.WithContext(ctx).Model(&models.Execution{}).Where("status = ?", status).Count(&count)
		executionCounts[status] = count
	}
	stats["executions"] = executionCounts

	var jobCount, targetCount int64
	s.db.WithContext(ctx).Model(&models.Job{}).Count(&jobCount)
	s.db.WithContext(ctx).Model(&models.Target{}).Where("enabled = ?", true).Count(&targetCount)
	stats["jobs"] = jobCount
	stats["targets"] = targetCount

	return stats, nil
}

// CreateSubmission persists a deferred dispatch request.
func (s *Store) CreateSubmission(ctx context.Context, submission *models.Submission) error {
	now := time.Now()
	submission.CreatedAt = now
	submission.UpdatedAt = now
	if err := s.db.WithContext(ctx).Create(submission).Error; err != nil {
		return fmt.Errorf("failed to create submission: %w", err)
	}
	return nil
}

// GetSubmission returns a submission by id.
func (s *Store) GetSubmission(ctx context.Context, id string) (*models.Submission, error) {
	var submission models.Submission
	if err := s.db.WithContext(ctx).First(&submission, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("submission not found: %w", err)
	}
	return &submission, nil
}

// DueSubmissions returns pending submissions whose run_at has passed.
func (s *Store) DueSubmissions(ctx context.Context, now time.Time) ([]models.Submission, error) {
	var submissions []models.Submission
	if err := s.db.WithContext(ctx).
		Where("status = ? AND run_at <= ?", models.SubmissionPending, now).
		Order("run_at ASC").
		Find(&submissions).Error; err != nil {
		return nil, fmt.Errorf("failed to list due submissions: %w", err)
	}
	return submissions, nil
}

// ClaimSubmission transitions a submission pending -> fired. It reports
// whether this caller won the claim; firing an already-fired submission is a
// no-op, which is what makes external triggers idempotent.
func (s *Store) ClaimSubmission(ctx context.Context, id string) (bool, error) {
	now := time.Now()
	result := s.db.WithContext(ctx).Model(&models.Submission{}).
		Where("id = ? AND status = ?", id, models.SubmissionPending).
		Updates(map[string]interface{}{
			"status":   models.SubmissionFired,
			"fired_at": now,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to claim submission: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// BindSubmissionExecution records the execution a fired submission produced.
func (s *Store) BindSubmissionExecution(ctx context.Context, id, executionSerial string) error {
	if err := s.db.WithContext(ctx).Model(&models.Submission{}).
		Where("id = ?", id).
		Update("execution_serial", executionSerial).Error; err != nil {
		return fmt.Errorf("failed to bind submission execution: %w", err)
	}
	return nil
}
