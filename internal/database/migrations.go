package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/postsync/internal/placeholder"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const stepSeedPlaceholderDataset = "seed_placeholder_dataset"

// appliedStep is one row of the ledger that keeps fixture steps from running twice against the
// same database file.
type appliedStep struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (appliedStep) TableName() string {
	return "fixture_steps"
}

type fixtureStep struct {
	name string
	run  func(*gorm.DB) error
}

// fixtureSteps run in order. Append only; a renamed step runs again on existing files.
var fixtureSteps = []fixtureStep{
	{name: stepSeedPlaceholderDataset, run: placeholder.Seed},
}

// runFixtureSteps runs every step missing from the ledger. A step and its ledger row commit
// together, so a failed seed is retried on the next open.
func runFixtureSteps(db *gorm.DB, logger *zap.Logger) error {
	for _, step := range fixtureSteps {
		err := db.Where("name = ?", step.name).Take(&appliedStep{}).Error
		switch {
		case err == nil:
			continue
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return fmt.Errorf("read fixture ledger: %w", err)
		}

		err = db.Transaction(func(tx *gorm.DB) error {
			if err := step.run(tx); err != nil {
				return err
			}
			return tx.Create(&appliedStep{Name: step.name, AppliedAtSeconds: time.Now().UTC().Unix()}).Error
		})
		if err != nil {
			return fmt.Errorf("fixture step %s: %w", step.name, err)
		}
		if logger != nil {
			logger.Info("fixture step applied", zap.String("step", step.name))
		}
	}
	return nil
}
