package db

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

//go:embed sql/pre_automigrate.sql
var preAutoMigrateSQL string

//go:embed sql/post_automigrate.sql
var postAutoMigrateSQL string

// migrationLockKey serializes schema changes when serve and the daemon start
// against an empty database at the same time.
const migrationLockKey int64 = 0x1d_ed09_0001

type migrationStep struct {
	name string
	run  func(conn *gorm.DB) error
}

func migrationSteps() []migrationStep {
	return []migrationStep{
		{name: "create schema", run: execSQL(preAutoMigrateSQL)},
		{name: "auto-migrate models", run: func(conn *gorm.DB) error {
			return conn.AutoMigrate(autoMigrateModels()...)
		}},
		{name: "indexes", run: execSQL(postAutoMigrateSQL)},
	}
}

func execSQL(text string) func(*gorm.DB) error {
	trimmed := strings.TrimSpace(text)
	return func(conn *gorm.DB) error {
		if trimmed == "" {
			return nil
		}
		return conn.Exec(trimmed).Error
	}
}

// migrate applies every step on one pinned connection holding a session
// advisory lock.
func (p *Pool) migrate(ctx context.Context) error {
	if p == nil || p.db == nil {
		return errPoolClosed
	}

	started := time.Now()
	err := p.db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		if err := conn.Exec("SELECT pg_advisory_lock(?)", migrationLockKey).Error; err != nil {
			return fmt.Errorf("acquire migration lock: %w", err)
		}
		defer func() {
			if err := conn.Exec("SELECT pg_advisory_unlock(?)", migrationLockKey).Error; err != nil {
				p.logger.Warn().Err(err).Msg("release migration lock")
			}
		}()

		for _, step := range migrationSteps() {
			stepStarted := time.Now()
			if err := step.run(conn); err != nil {
				return fmt.Errorf("%s: %w", step.name, err)
			}
			p.logger.Debug().
				Str("step", step.name).
				Dur("elapsed", time.Since(stepStarted)).
				Msg("migration step applied")
		}
		return nil
	})
	if err != nil {
		return err
	}

	p.logger.Info().
		Int("tables", len(autoMigrateModels())).
		Dur("elapsed", time.Since(started)).
		Msg("incidents schema ready")
	return nil
}
