package store

import (
	"context"
	"fmt"
	"time"

	"opsconductor/internal/models"

	"gorm.io/gorm"
)

var branchTerminalStatuses = []string{
	models.BranchCompleted, models.BranchFailed, models.BranchTimedOut,
	models.BranchCancelled, models.BranchSkipped,
}

var executionTerminalStatuses = []string{
	models.ExecutionCompleted, models.ExecutionFailed,
	models.ExecutionPartiallyFailed, models.ExecutionCancelled,
}

// CreateExecution persists an execution together with its pending branch
// records in a single transaction. Branches carry their serials already
// assigned in submission order.
func (s *Store) CreateExecution(ctx context.Context, execution *models.Execution, branches []models.Branch) error {
	now := time.Now()
	execution.CreatedAt = now
	execution.UpdatedAt = now

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(execution).Error; err != nil {
			return fmt.Errorf("failed to create execution: %w", err)
		}
		for i := range branches {
			branches[i].ExecutionSerial = execution.Serial
			branches[i].CreatedAt = now
			branches[i].UpdatedAt = now
			if err := tx.Create(&branches[i]).Error; err != nil {
				return fmt.Errorf("failed to create branch: %w", err)
			}
		}
		return nil
	})
}

// GetExecution returns an execution by serial.
func (s *Store) GetExecution(ctx context.Context, executionSerial string) (*models.Execution, error) {
	var execution models.Execution
	if err := s.db.WithContext(ctx).First(&execution, "serial = ?", executionSerial).Error; err != nil {
		return nil, fmt.Errorf("execution not found: %w", err)
	}
	return &execution, nil
}

// ListExecutions returns executions under a job, newest first. An empty job
// serial lists across all jobs.
func (s *Store) ListExecutions(ctx context.Context, jobSerial string, limit, offset int) ([]models.Execution, int64, error) {
	var executions []models.Execution
	var total int64

	query := s.db.WithContext(ctx).Model(&models.Execution{})
	if jobSerial != "" {
		query = query.Where("job_serial = ?", jobSerial)
	}
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count executions: %w", err)
	}
	if err := query.Order("created_at DESC").Limit(limit).Offset(offset).Find(&executions).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list executions: %w", err)
	}
	return executions, total, nil
}

// MarkExecutionRunning transitions pending -> running once.
func (s *Store) MarkExecutionRunning(ctx context.Context, executionSerial string) error {
	now := time.Now()
	if err := s.db.WithContext(ctx).Model(&models.Execution{}).
		Where("serial = ? AND status = ?", executionSerial, models.ExecutionPending).
		Updates(map[string]interface{}{
			"status":     models.ExecutionRunning,
			"started_at": now,
			"updated_at": now,
		}).Error; err != nil {
		return fmt.Errorf("failed to mark execution running: %w", err)
	}
	return nil
}

// SetCancelRequested flags an execution for cooperative cancellation. It
// reports whether the execution was still cancellable.
func (s *Store) SetCancelRequested(ctx context.Context, executionSerial string) (bool, error) {
	result := s.db.WithContext(ctx).Model(&models.Execution{}).
		Where("serial = ? AND status NOT IN (?)", executionSerial, executionTerminalStatuses).
		Updates(map[string]interface{}{
			"cancel_requested": true,
			"updated_at":       time.Now(),
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to request cancel: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// FinalizeExecution writes the terminal execution status exactly once.
// Later calls against an already terminal execution are no-ops.
func (s *Store) FinalizeExecution(ctx context.Context, executionSerial, status string) error {
	now := time.Now()
	result := s.db.WithContext(ctx).Model(&models.Execution{}).
		Where("serial = ? AND status NOT IN (?)", executionSerial, executionTerminalStatuses).
		Updates(map[string]interface{}{
			"status":       status,
			"completed_at": now,
			"updated_at":   now,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to finalize execution: %w", result.Error)
	}
	return nil
}

// GetBranch returns a branch by serial.
func (s *Store) GetBranch(ctx context.Context, branchSerial string) (*models.Branch, error) {
	var branch models.Branch
	if err := s.db.WithContext(ctx).First(&branch, "serial = ?", branchSerial).Error; err != nil {
		return nil, fmt.Errorf("branch not found: %w", err)
	}
	return &branch, nil
}

// ListBranches returns all branches under an execution in serial order.
func (s *Store) ListBranches(ctx context.Context, executionSerial string) ([]models.Branch, error) {
	var branches []models.Branch
	if err := s.db.WithContext(ctx).
		Where("execution_serial = ?", executionSerial).
		Order("serial ASC").
		Find(&branches).Error; err != nil {
		return nil, fmt.Errorf("failed to list branches: %w", err)
	}
	return branches, nil
}

// StartBranch transitions a pending branch to running.
func (s *Store) StartBranch(ctx context.Context, branchSerial string) error {
	now := time.Now()
	if err := s.db.WithContext(ctx).Model(&models.Branch{}).
		Where("serial = ? AND status = ?", branchSerial, models.BranchPending).
		Updates(map[string]interface{}{
			"status":     models.BranchRunning,
			"started_at": now,
			"updated_at": now,
		}).Error; err != nil {
		return fmt.Errorf("failed to start branch: %w", err)
	}
	return nil
}

// FinishBranch writes a branch's terminal status exactly once.
func (s *Store) FinishBranch(ctx context.Context, branchSerial, status, errorMessage string) error {
	now := time.Now()
	result := s.db.WithContext(ctx).Model(&models.Branch{}).
		Where("serial = ? AND status NOT IN (?)", branchSerial, branchTerminalStatuses).
		Updates(map[string]interface{}{
			"status":        status,
			"error_message": errorMessage,
			"completed_at":  now,
			"updated_at":    now,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to finish branch: %w", result.Error)
	}
	return nil
}

// CreateActionResult appends a new action result row under its branch.
func (s *Store) CreateActionResult(ctx context.Context, action *models.ActionResult) error {
	now := time.Now()
	action.CreatedAt = now
	action.UpdatedAt = now
	if err := s.db.WithContext(ctx).Create(action).Error; err != nil {
		return fmt.Errorf("failed to create action result: %w", err)
	}
	return nil
}

// SaveActionResult persists the current state of an action result. Each
// action row is only ever written by its own branch runner, so a plain save
// is race-free by construction of the serial scheme.
func (s *Store) SaveActionResult(ctx context.Context, action *models.ActionResult) error {
	action.UpdatedAt = time.Now()
	if err := s.db.WithContext(ctx).Save(action).Error; err != nil {
		return fmt.Errorf("failed to save action result: %w", err)
	}
	return nil
}

// GetActionResult returns an action result by serial.
func (s *Store) GetActionResult(ctx context.Context, actionSerial string) (*models.ActionResult, error) {
	var action models.ActionResult
	if err := s.db.WithContext(ctx).First(&action, "serial = ?", actionSerial).Error; err != nil {
		return nil, fmt.Errorf("action result not found: %w", err)
	}
	return &action, nil
}

// ListActionResults returns all action results under a branch in list order.
func (s *Store) ListActionResults(ctx context.Context, branchSerial string) ([]models.ActionResult, error) {
	var actions []models.ActionResult
	if err := s.db.WithContext(ctx).
		Where("branch_serial = ?", branchSerial).
		Order("position ASC").
		Find(&actions).Error; err != nil {
		return nil, fmt.Errorf("failed to list action results: %w", err)
	}
	return actions, nil
}

// CountBranchStatuses returns branch counts by status under one execution.
func (s *Store) CountBranchStatuses(ctx context.Context, executionSerial string) (map[string]int64, error) {
	type row struct {
		Status string
		Count  int64
	}
	var rows []row
	if err := s.db.WithContext(ctx).Model(&models.Branch{}).
		Select("status, count(*) as count").
		Where("execution_serial = ?", executionSerial).
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to count branch statuses: %w", err)
	}

	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}
