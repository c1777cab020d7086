// Command migrate applies, rolls back or inspects the schema migrations.
//
//	go run ./db -direction up
//	go run ./db -direction down -steps 1
//	go run ./db -version
package main

import (
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
)

const defaultSource = "file://db/migrations"

func main() {
	msg, err := run(os.Args[1:], defaultDeps())
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(msg)
}

type deps struct {
	loadEnv  func(...string) error
	getenv   func(string) string
	openDB   func(driverName, dataSourceName string) (*sql.DB, error)
	migrateF func(m migrator, direction string, steps int) error
}

func defaultDeps() deps {
	return deps{
		loadEnv:  godotenv.Load,
		getenv:   os.Getenv,
		openDB:   sql.Open,
		migrateF: applyDirection,
	}
}

type options struct {
	direction   string
	steps       int
	force       int
	forceDirty  bool
	showVersion bool
	source      string
}

type migrator interface {
	Up() error
	Down() error
	Steps(n int) error
	Force(version int) error
	Version() (version uint, dirty bool, err error)
}

// Overridden in tests so no Postgres is needed.
var withPostgresInstance = func(db *sql.DB) (migratedb.Driver, error) {
	return postgres.WithInstance(db, &postgres.Config{MigrationsTable: "schema_migrations"})
}

var newMigrateWithDB = func(sourceURL string, databaseName string, driver migratedb.Driver) (migrator, error) {
	return migrate.NewWithDatabaseInstance(sourceURL, databaseName, driver)
}

func newMigrator(db *sql.DB, source string) (migrator, error) {
	driver, err := withPostgresInstance(db)
	if err != nil {
		return nil, fmt.Errorf("create migration driver: %w", err)
	}
	m, err := newMigrateWithDB(source, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("open migrations at %s: %w", source, err)
	}
	return m, nil
}

func parseArgs(args []string) (options, error) {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	var o options
	fs.StringVar(&o.direction, "direction", "up", "migration direction: up or down")
	fs.IntVar(&o.steps, "steps", 0, "number of migration steps (0 = all)")
	fs.IntVar(&o.force, "force", -1, "force the recorded version and clear the dirty flag, e.g. -force=1")
	fs.BoolVar(&o.forceDirty, "force-dirty", false, "if the database is dirty, force it to its current version and exit")
	fs.BoolVar(&o.showVersion, "version", false, "print the applied version and exit")
	fs.StringVar(&o.source, "source", "", "migration source URL (default $MIGRATIONS_PATH or "+defaultSource+")")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if o.steps < 0 {
		return options{}, fmt.Errorf("invalid steps %d: use -direction down instead of a negative count", o.steps)
	}
	switch o.direction {
	case "up", "down":
		return o, nil
	default:
		return options{}, fmt.Errorf("invalid direction %q (must be up or down)", o.direction)
	}
}

func run(args []string, d deps) (string, error) {
	o, err := parseArgs(args)
	if err != nil {
		return "", err
	}
	if d.loadEnv != nil {
		_ = d.loadEnv()
	}
	getenv := d.getenv
	if getenv == nil {
		getenv = func(string) string { return "" }
	}

	databaseURL := strings.TrimSpace(getenv("DATABASE_URL"))
	if databaseURL == "" {
		return "", fmt.Errorf("DATABASE_URL environment variable is required")
	}
	source := o.source
	if source == "" {
		source = strings.TrimSpace(getenv("MIGRATIONS_PATH"))
	}
	if source == "" {
		source = defaultSource
	}

	if d.openDB == nil {
		return "", fmt.Errorf("openDB dependency is required")
	}
	db, err := d.openDB("postgres", databaseURL)
	if err != nil {
		return "", fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()

	if d.migrateF == nil && !o.showVersion && o.force < 0 && !o.forceDirty {
		return "", fmt.Errorf("migrateF dependency is required")
	}
	m, err := newMigrator(db, source)
	if err != nil {
		return "", err
	}

	switch {
	case o.showVersion:
		v, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			return "No migrations applied", nil
		}
		if err != nil {
			return "", fmt.Errorf("read migration version: %w", err)
		}
		return fmt.Sprintf("Version %d (dirty=%t)", v, dirty), nil

	case o.forceDirty:
		v, dirty, err := m.Version()
		if err != nil {
			return "", fmt.Errorf("read migration version: %w", err)
		}
		if !dirty {
			return "Database is not dirty (no force needed)", nil
		}
		if err := m.Force(int(v)); err != nil {
			return "", fmt.Errorf("force dirty version %d: %w", v, err)
		}
		return fmt.Sprintf("Forced dirty database to version %d", v), nil

	case o.force >= 0:
		if err := m.Force(o.force); err != nil {
			return "", fmt.Errorf("force version %d: %w", o.force, err)
		}
		return fmt.Sprintf("Forced database to version %d", o.force), nil
	}

	err = d.migrateF(m, o.direction, o.steps)
	if errors.Is(err, migrate.ErrNoChange) {
		return "No migrations to apply", nil
	}
	if err != nil {
		return "", fmt.Errorf("migration %s failed: %w", o.direction, err)
	}
	return fmt.Sprintf("Migration %s completed successfully", o.direction), nil
}

func applyDirection(m migrator, direction string, steps int) error {
	switch direction {
	case "up":
		if steps > 0 {
			return m.Steps(steps)
		}
		return m.Up()
	case "down":
		if steps > 0 {
			return m.Steps(-steps)
		}
		return m.Down()
	default:
		return fmt.Errorf("invalid direction %q (must be up or down)", direction)
	}
}
