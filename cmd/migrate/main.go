// Package main applies the Postgres schema of the scrape pipeline.
//
// Usage:
//
//	migrate [-action up|down|version|force] [-path migrations/postgres] [-version N]
package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/seed-scraper/internal/bootstrap"
	"github.com/seed-scraper/internal/config"
	"github.com/seed-scraper/internal/logging"
	"github.com/seed-scraper/internal/storage"
)

func main() {
	var (
		action  = flag.String("action", "up", "Migration action: up, down, version, force")
		path    = flag.String("path", "migrations/postgres", "Directory holding the migration files")
		version = flag.Int("version", -1, "Version to record with -action force")
	)
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger := bootstrap.NewLogger(cfg).WithFields(map[string]interface{}{
		"action": *action,
		"path":   *path,
	})

	if err := migrate(cfg.Database.Postgres.URL(), *path, *action, *version, logger); err != nil {
		logger.WithError(err).Fatal("Migration failed")
	}
}

func migrate(databaseURL, path, action string, version int, logger *logging.Logger) error {
	switch action {
	case "up":
		if err := storage.RunMigrations(databaseURL, path); err != nil {
			return err
		}
		logger.Info("Schema is up to date")

	case "down":
		if err := storage.RollbackMigrations(databaseURL, path); err != nil {
			return err
		}
		logger.Info("Rolled back one migration")

	case "version":
		current, dirty, err := storage.MigrationVersion(databaseURL, path)
		if err != nil {
			return err
		}
		logger.WithFields(map[string]interface{}{
			"version": current,
			"dirty":   dirty,
		}).Info("Current schema version")

	case "force":
		if version < 0 {
			return fmt.Errorf("-version is required with -action force")
		}
		if err := storage.ForceMigrationVersion(databaseURL, path, version); err != nil {
			return err
		}
		logger.WithField("version", version).Warn("Schema version forced, dirty flag cleared")

	default:
		return fmt.Errorf("unknown action: %s", action)
	}

	return nil
}
