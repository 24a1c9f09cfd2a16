package main

import (
	"os"

	"github.com/klamai/proposal-dispatch/internal/app"
	"github.com/klamai/proposal-dispatch/internal/config"
	"github.com/klamai/proposal-dispatch/pkg/logger"
	"github.com/klamai/proposal-dispatch/pkg/pg"
)

const defaultMigrationDir = "./migrations"

// main.go --env=.env --dir=./migrations
func main() {
	defer logger.Sync()

	envPath := app.EnvPath(os.Args)
	if envPath == "" {
		if _, err := os.Stat(".env"); err == nil {
			envPath = ".env"
		}
	}
	if err := config.Load(envPath); err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	dir := app.ArgValue(os.Args, "dir")
	if dir == "" {
		dir = defaultMigrationDir
	}
	if _, err := os.Stat(dir); err != nil {
		logger.Error("migration dir not found", "dir", dir, "error", err)
		os.Exit(1)
	}

	if err := pg.Migrate(app.PostgresWrite(config.Get()), dir); err != nil {
		logger.Error("migration: error running migrations", "error", err)
		os.Exit(1)
	}
}
