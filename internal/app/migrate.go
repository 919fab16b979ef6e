package app

import (
	"fxwatch/internal/faults"
	"fxwatch/internal/storage"
)

// MigrateUp applies all pending schema migrations.
func (a *App) MigrateUp() error {
	if a.Config.Database.DSN == "" {
		return faults.FatalConfig("migrate", "database.dsn is not configured")
	}
	return storage.Migrate(a.Config.Database.DSN, a.Logger)
}

// MigrateDown rolls back steps migrations.
func (a *App) MigrateDown(steps int) error {
	if a.Config.Database.DSN == "" {
		return faults.FatalConfig("migrate", "database.dsn is not configured")
	}
	return storage.MigrateDown(a.Config.Database.DSN, steps, a.Logger)
}
