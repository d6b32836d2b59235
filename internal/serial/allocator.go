package serial

import (
	"context"
	"fmt"
	"time"

	"opsconductor/internal/models"

	"gorm.io/gorm"
)

// Allocator hands out the next sequence number under a parent scope. Each
// issue is atomic: the counter row is locked for the duration of the
// transaction, so concurrent allocations under the same parent never collide.
type Allocator struct {
	db *gorm.DB
}

// NewAllocator creates a new allocator backed by the given database.
func NewAllocator(db *gorm.DB) *Allocator {
	return &Allocator{db: db}
}

// Next returns the next unissued sequence for scope, starting at 1. Two
// allocators racing to create a brand-new scope can collide on the insert;
// the loser retries once and takes the increment path.
func (a *Allocator) Next(ctx context.Context, scope string) (int64, error) {
	issued, err := a.next(ctx, scope)
	if err != nil {
		issued, err = a.next(ctx, scope)
	}
	return issued, err
}

func (a *Allocator) next(ctx context.Context, scope string) (int64, error) {
	var issued int64

	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// The increment takes the row lock, so concurrent allocations under
		// the same scope serialize and never issue the same sequence.
		result := tx.Model(&models.SerialCounter{}).
			Where("scope = ?", scope).
			Update("next", gorm.Expr("next + 1"))
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			issued = 1
			return tx.Create(&models.SerialCounter{Scope: scope, Next: 2}).Error
		}

		var counter models.SerialCounter
		if err := tx.First(&counter, "scope = ?", scope).Error; err != nil {
			return err
		}
		issued = counter.Next - 1
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to allocate sequence for scope %s: %w", scope, err)
	}

	return issued, nil
}

// NextJob allocates a fresh job serial under the current year.
func (a *Allocator) NextJob(ctx context.Context, now time.Time) (string, error) {
	year := now.Year()
	seq, err := a.Next(ctx, fmt.Sprintf("job:%d", year))
	if err != nil {
		return "", err
	}
	return FormatJob(year, seq), nil
}

// NextTarget allocates a fresh target serial.
func (a *Allocator) NextTarget(ctx context.Context) (string, error) {
	seq, err := a.Next(ctx, "target")
	if err != nil {
		return "", err
	}
	return FormatTarget(seq), nil
}

// NextChild allocates the next child sequence under parent and returns the
// composed serial.
func (a *Allocator) NextChild(ctx context.Context, parent string) (string, error) {
	seq, err := a.Next(ctx, "seq:"+parent)
	if err != nil {
		return "", err
	}
	return Child(parent, seq), nil
}
