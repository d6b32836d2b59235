package models

import (
	"gorm.io/gorm"
)

// Migrate runs database migrations
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Target{},
		&Job{},
		&JobAction{},
		&Execution{},
		&Branch{},
		&ActionResult{},
		&Submission{},
		&SerialCounter{},
	)
}
