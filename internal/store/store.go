// Package store is the persistence collaborator: append-only writes of
// execution, branch and action-result records keyed by their serials, plus
// the serial and prefix reads that back the hierarchical result viewer.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"opsconductor/internal/models"

	"gorm.io/gorm"
)

// Store wraps the database for the engine's collaborators.
type Store struct {
	db *gorm.DB
}

// NewStore creates a new store instance.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// CreateJob persists a job definition together with its ordered actions.
func (s *Store) CreateJob(ctx context.Context, job *models.Job, actions []models.JobAction) error {
	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(job).Error; err != nil {
			return fmt.Errorf("failed to create job: %w", err)
		}
		for i := range actions {
			actions[i].JobSerial = job.Serial
			actions[i].Position = int32(i + 1)
			actions[i].CreatedAt = now
			if err := tx.Create(&actions[i]).Error; err != nil {
				return fmt.Errorf("failed to create job action: %w", err)
			}
		}
		return nil
	})
}

// GetJob returns a job with its actions in list order.
func (s *Store) GetJob(ctx context.Context, jobSerial string) (*models.Job, error) {
	var job models.Job
	err := s.db.WithContext(ctx).
		Preload("Actions", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		First(&job, "serial = ?", jobSerial).Error
	if err != nil {
		return nil, fmt.Errorf("job not found: %w", err)
	}
	return &job, nil
}

// ListJobs returns jobs with pagination, newest first.
func (s *Store) ListJobs(ctx context.Context, limit, offset int) ([]models.Job, int64, error) {
	var jobs []models.Job
	var total int64

	query := s.db.WithContext(ctx).Model(&models.Job{})
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	if err := query.Order("created_at DESC").Limit(limit).Offset(offset).Find(&jobs).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, total, nil
}

// MarkJobReferenced pins a job once an execution references it. Further edits
// must go through a new version.
func (s *Store) MarkJobReferenced(ctx context.Context, jobSerial string) error {
	if err := s.db.WithContext(ctx).Model(&models.Job{}).
		Where("serial = ?", jobSerial).
		Update("referenced", true).Error; err != nil {
		return fmt.Errorf("failed to mark job referenced: %w", err)
	}
	return nil
}

// CreateTarget persists a target record.
func (s *Store) CreateTarget(ctx context.Context, target *models.Target) error {
	now := time.Now()
	target.CreatedAt = now
	target.UpdatedAt = now
	if err := s.db.WithContext(ctx).Create(target).Error; err != nil {
		return fmt.Errorf("failed to create target: %w", err)
	}
	return nil
}

// GetTarget returns a target by serial.
func (s *Store) GetTarget(ctx context.Context, targetSerial string) (*models.Target, error) {
	var target models.Target
	if err := s.db.WithContext(ctx).First(&target, "serial = ?", targetSerial).Error; err != nil {
		return nil, fmt.Errorf("target not found: %w", err)
	}
	return &target, nil
}

// ListTargets returns all enabled targets ordered by serial.
func (s *Store) ListTargets(ctx context.Context) ([]models.Target, error) {
	var targets []models.Target
	if err := s.db.WithContext(ctx).
		Where("enabled = ?", true).
		Order("serial ASC").
		Find(&targets).Error; err != nil {
		return nil, fmt.Errorf("failed to list targets: %w", err)
	}
	return targets, nil
}

// ResolveTargets resolves a selector into an ordered target list. Supported
// forms: "all", "name=<name>", "label=<key>:<value>", or a comma-separated
// list of target serials. The result is a frozen snapshot for one dispatch.
func (s *Store) ResolveTargets(ctx context.Context, selector string) ([]models.Target, error) {
	selector = strings.TrimSpace(selector)

	switch {
	case selector == "all":
		return s.ListTargets(ctx)

	case strings.HasPrefix(selector, "name="):
		var targets []models.Target
		name := strings.TrimPrefix(selector, "name=")
		if err := s.db.WithContext(ctx).
			Where("enabled = ? AND name = ?", true, name).
			Order("serial ASC").
			Find(&targets).Error; err != nil {
			return nil, fmt.Errorf("failed to resolve selector %q: %w", selector, err)
		}
		return targets, nil

	case strings.HasPrefix(selector, "label="):
		kv := strings.SplitN(strings.TrimPrefix(selector, "label="), ":", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("invalid label selector %q", selector)
		}
		candidates, err := s.ListTargets(ctx)
		if err != nil {
			return nil, err
		}
		var matched []models.Target
		for _, t := range candidates {
			labels := map[string]string{}
			if t.Labels != "" {
				if err := json.Unmarshal([]byte(t.Labels), &labels); err != nil {
					continue
				}
			}
			if labels[kv[0]] == kv[1] {
				matched = append(matched, t)
			}
		}
		return matched, nil

	default:
		// Explicit comma-separated serial list, kept in the order given.
		var targets []models.Target
		for _, ts := range strings.Split(selector, ",") {
			target, err := s.GetTarget(ctx, strings.TrimSpace(ts))
			if err != nil {
				return nil, fmt.Errorf("failed to resolve selector %q: %w", selector, err)
			}
			targets = append(targets, *target)
		}
		return targets, nil
	}
}
