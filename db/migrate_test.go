package main

import (
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
)

type fakeMigrator struct {
	upCalls    int
	downCalls  int
	stepsCalls []int
	forceCalls []int
	version    uint
	dirty      bool
	versionErr error
}

func (f *fakeMigrator) Up() error                    { f.upCalls++; return nil }
func (f *fakeMigrator) Down() error                  { f.downCalls++; return nil }
func (f *fakeMigrator) Steps(n int) error            { f.stepsCalls = append(f.stepsCalls, n); return nil }
func (f *fakeMigrator) Force(v int) error            { f.forceCalls = append(f.forceCalls, v); return nil }
func (f *fakeMigrator) Version() (uint, bool, error) { return f.version, f.dirty, f.versionErr }

// installFake swaps the migrate factories for fm and returns the source URL each
// open used.
func installFake(t *testing.T, fm *fakeMigrator) *[]string {
	t.Helper()
	prevWith, prevNew := withPostgresInstance, newMigrateWithDB
	t.Cleanup(func() {
		withPostgresInstance = prevWith
		newMigrateWithDB = prevNew
	})
	var sources []string
	withPostgresInstance = func(*sql.DB) (migratedb.Driver, error) { return nil, nil }
	newMigrateWithDB = func(source, _ string, _ migratedb.Driver) (migrator, error) {
		sources = append(sources, source)
		return fm, nil
	}
	return &sources
}

func env(vals map[string]string) func(string) string {
	return func(k string) string { return vals[k] }
}

func mockDB(t *testing.T) *sql.DB {
	t.Helper()
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testDeps(t *testing.T, db *sql.DB, vals map[string]string, migrateF func(migrator, string, int) error) deps {
	return deps{
		loadEnv:  func(...string) error { return nil },
		getenv:   env(vals),
		openDB:   func(string, string) (*sql.DB, error) { return db, nil },
		migrateF: migrateF,
	}
}

var withURL = map[string]string{"DATABASE_URL": "postgres://example"}

func TestParseArgs_Defaults(t *testing.T) {
	o, err := parseArgs(nil)
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	if o.direction != "up" || o.steps != 0 || o.force != -1 || o.forceDirty || o.showVersion || o.source != "" {
		t.Fatalf("unexpected defaults: %+v", o)
	}
}

func TestParseArgs_Rejects(t *testing.T) {
	for _, args := range [][]string{
		{"-direction", "sideways"},
		{"-steps", "-2"},
		{"-nope"},
	} {
		if _, err := parseArgs(args); err == nil {
			t.Fatalf("expected error for %v", args)
		}
	}
}

func TestRun_MissingDatabaseURL(t *testing.T) {
	_, err := run(nil, deps{
		getenv: env(nil),
		openDB: func(string, string) (*sql.DB, error) {
			t.Fatalf("openDB should not be called")
			return nil, nil
		},
	})
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestRun_OpenDBError(t *testing.T) {
	_, err := run(nil, deps{
		getenv: env(withURL),
		openDB: func(string, string) (*sql.DB, error) { return nil, sql.ErrConnDone },
	})
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestRun_UpUsesDefaultSource(t *testing.T) {
	fm := &fakeMigrator{}
	sources := installFake(t, fm)

	msg, err := run(nil, testDeps(t, mockDB(t), withURL, applyDirection))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if msg != "Migration up completed successfully" {
		t.Fatalf("unexpected msg %q", msg)
	}
	if fm.upCalls != 1 {
		t.Fatalf("expected Up once, got %d", fm.upCalls)
	}
	if len(*sources) != 1 || (*sources)[0] != defaultSource {
		t.Fatalf("expected default source, got %v", *sources)
	}
}

func TestRun_SourcePrecedence(t *testing.T) {
	fm := &fakeMigrator{}
	sources := installFake(t, fm)
	vals := map[string]string{"DATABASE_URL": "postgres://example", "MIGRATIONS_PATH": "file:///srv/migrations"}

	if _, err := run(nil, testDeps(t, mockDB(t), vals, applyDirection)); err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := run([]string{"-source", "file://elsewhere"}, testDeps(t, mockDB(t), vals, applyDirection)); err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []string{"file:///srv/migrations", "file://elsewhere"}
	if len(*sources) != 2 || (*sources)[0] != want[0] || (*sources)[1] != want[1] {
		t.Fatalf("expected %v, got %v", want, *sources)
	}
}

func TestRun_NoChange(t *testing.T) {
	installFake(t, &fakeMigrator{})
	msg, err := run(nil, testDeps(t, mockDB(t), withURL, func(migrator, string, int) error {
		return migrate.ErrNoChange
	}))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if msg != "No migrations to apply" {
		t.Fatalf("unexpected msg %q", msg)
	}
}

func TestRun_StepsDown(t *testing.T) {
	fm := &fakeMigrator{}
	installFake(t, fm)

	msg, err := run([]string{"-direction", "down", "-steps", "2"}, testDeps(t, mockDB(t), withURL, applyDirection))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(fm.stepsCalls) != 1 || fm.stepsCalls[0] != -2 {
		t.Fatalf("expected Steps(-2), got %#v", fm.stepsCalls)
	}
	if msg != "Migration down completed successfully" {
		t.Fatalf("unexpected msg %q", msg)
	}
}

func TestRun_MigrateError(t *testing.T) {
	installFake(t, &fakeMigrator{})
	_, err := run(nil, testDeps(t, mockDB(t), withURL, func(migrator, string, int) error { return sql.ErrTxDone }))
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestRun_MigrateFnMissing(t *testing.T) {
	installFake(t, &fakeMigrator{})
	if _, err := run(nil, testDeps(t, mockDB(t), withURL, nil)); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRun_Force(t *testing.T) {
	fm := &fakeMigrator{}
	installFake(t, fm)

	msg, err := run([]string{"-force", "1"}, testDeps(t, mockDB(t), withURL, func(migrator, string, int) error {
		t.Fatalf("migrateF should not be called when forcing")
		return nil
	}))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if msg != "Forced database to version 1" || len(fm.forceCalls) != 1 || fm.forceCalls[0] != 1 {
		t.Fatalf("unexpected result %q %#v", msg, fm.forceCalls)
	}
}

func TestRun_ForceDirty(t *testing.T) {
	clean := &fakeMigrator{version: 1}
	installFake(t, clean)
	msg, err := run([]string{"-force-dirty"}, testDeps(t, mockDB(t), withURL, nil))
	if err != nil || msg != "Database is not dirty (no force needed)" {
		t.Fatalf("unexpected result %q %v", msg, err)
	}

	dirty := &fakeMigrator{version: 1, dirty: true}
	installFake(t, dirty)
	msg, err = run([]string{"-force-dirty"}, testDeps(t, mockDB(t), withURL, nil))
	if err != nil || msg != "Forced dirty database to version 1" {
		t.Fatalf("unexpected result %q %v", msg, err)
	}
}

func TestRun_Version(t *testing.T) {
	installFake(t, &fakeMigrator{versionErr: migrate.ErrNilVersion})
	msg, err := run([]string{"-version"}, testDeps(t, mockDB(t), withURL, nil))
	if err != nil || msg != "No migrations applied" {
		t.Fatalf("unexpected result %q %v", msg, err)
	}

	installFake(t, &fakeMigrator{version: 1})
	msg, err = run([]string{"-version"}, testDeps(t, mockDB(t), withURL, nil))
	if err != nil || msg != "Version 1 (dirty=false)" {
		t.Fatalf("unexpected result %q %v", msg, err)
	}
}

func TestNewMigrator_FactoryErrors(t *testing.T) {
	prevWith, prevNew := withPostgresInstance, newMigrateWithDB
	t.Cleanup(func() {
		withPostgresInstance = prevWith
		newMigrateWithDB = prevNew
	})

	withPostgresInstance = func(*sql.DB) (migratedb.Driver, error) { return nil, sql.ErrConnDone }
	if _, err := newMigrator(nil, defaultSource); err == nil {
		t.Fatalf("expected error")
	}

	withPostgresInstance = func(*sql.DB) (migratedb.Driver, error) { return nil, nil }
	newMigrateWithDB = func(string, string, migratedb.Driver) (migrator, error) { return nil, sql.ErrConnDone }
	if _, err := newMigrator(nil, defaultSource); err == nil {
		t.Fatalf("expected error")
	}
}

func TestApplyDirection(t *testing.T) {
	fm := &fakeMigrator{}
	if err := applyDirection(fm, "sideways", 0); err == nil {
		t.Fatalf("expected error")
	}
	if err := applyDirection(fm, "down", 0); err != nil || fm.downCalls != 1 {
		t.Fatalf("expected Down once, got %d (%v)", fm.downCalls, err)
	}
	if err := applyDirection(fm, "up", 3); err != nil || len(fm.stepsCalls) != 1 || fm.stepsCalls[0] != 3 {
		t.Fatalf("expected Steps(3), got %#v (%v)", fm.stepsCalls, err)
	}
}

func TestDefaultDeps_NonNil(t *testing.T) {
	d := defaultDeps()
	if d.loadEnv == nil || d.getenv == nil || d.openDB == nil || d.migrateF == nil {
		t.Fatalf("expected default deps to be populated: %#v", d)
	}
}
