package app

import (
	"fmt"

	"enerx-readmodel/internal/failure"
	"enerx-readmodel/internal/storage"
)

// Migration directions.
const (
	MigrateUp      = "up"
	MigrateDown    = "down"
	MigrateVersion = "version"
)

// MigrateOptions configure the migrate command.
type MigrateOptions struct {
	Direction string
	Steps     int
}

// Migrate applies, rolls back or reports the database schema version.
func (a *App) Migrate(opts MigrateOptions) error {
	dsn, path := a.Config.Database.DSN, a.Config.Database.MigrationsPath

	switch opts.Direction {
	case MigrateUp, "":
		if err := storage.RunMigrations(dsn, path); err != nil {
			return err
		}
		a.Logger.Info().Msg("migrations applied")
	case MigrateDown:
		if err := storage.RollbackMigrations(dsn, path, opts.Steps); err != nil {
			return err
		}
		a.Logger.Info().Int("steps", opts.Steps).Msg("migrations rolled back")
	case MigrateVersion:
		version, dirty, err := storage.MigrationVersion(dsn, path)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.Out, "version: %d\ndirty: %t\n", version, dirty)
	default:
		return failure.Invalid("migrate", "unknown direction %q (want up, down or version)", opts.Direction)
	}
	return nil
}
