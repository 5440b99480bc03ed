package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/banshee-data/confocal.scan/internal/db"
)

func runMigrate(_ context.Context, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("migrate", stderr)
	dbPath := fs.String("db", "", "SQLite database (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dbPath == "" {
		fs.Usage()
		return errors.New("-db is required")
	}
	action := "status"
	if fs.NArg() > 0 {
		action = fs.Arg(0)
	}

	// NewDB migrates to the latest version on open.
	database, err := db.NewDB(*dbPath)
	if err != nil {
		return err
	}
	defer database.Close()

	switch action {
	case "status", "up":
	case "down":
		if err := database.MigrateDown(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown migrate action %q: expected status, up or down", action)
	}

	version, dirty, err := database.MigrateVersion()
	if err != nil {
		return err
	}
	latest, err := db.LatestMigrationVersion()
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "schema version %d of %d", version, latest)
	if dirty {
		fmt.Fprint(stdout, " (dirty)")
	}
	fmt.Fprintln(stdout)
	return nil
}
