package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/bobarin/beatsync/internal/db"
	"github.com/joho/godotenv"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	_ = godotenv.Load()

	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	dir := fs.String("dir", envOr("MIGRATIONS_DIR", "migrations"), "migrations directory")
	dsn := fs.String("database-url", os.Getenv("DATABASE_URL"), "Postgres connection string")
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "usage: migrate [flags] up|down|status")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return fmt.Errorf("expected exactly one command")
	}
	if *dsn == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	database, err := db.New(*dsn)
	if err != nil {
		return err
	}
	defer database.Close()

	switch cmd := fs.Arg(0); cmd {
	case "up":
		return database.Migrate(*dir)
	case "down":
		return database.Rollback(*dir)
	case "status":
		return database.MigrationStatus(*dir)
	default:
		fs.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
