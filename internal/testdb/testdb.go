// Package testdb opens in-memory SQLite databases laid out like the curation
// store, with one attached database per schema.
package testdb

import (
	"embed"
	"fmt"
	"strings"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

//go:embed testdata/*.sql
var fixtures embed.FS

// Standard schema names used by fixtures.
const (
	Project   = "bilava"
	Dogs      = "dogs"
	Unlabeled = "unlabeled"
)

const projectDDL = `
CREATE TABLE %[1]s.images (
	id INTEGER NOT NULL,
	source_schema TEXT NOT NULL,
	classifier TEXT NOT NULL,
	uri TEXT,
	label TEXT,
	prediction TEXT,
	corrected_label TEXT,
	correction_timestamp DATETIME,
	split_set TEXT,
	PRIMARY KEY (id, source_schema, classifier)
);
CREATE TABLE %[1]s.sessions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	end_date DATETIME NOT NULL,
	number INTEGER NOT NULL UNIQUE,
	num_updates INTEGER NOT NULL,
	num_errors INTEGER NOT NULL,
	num_classifiers INTEGER NOT NULL
);
CREATE TABLE %[1]s.archive (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	subfig_id INTEGER NOT NULL,
	source_schema TEXT NOT NULL,
	label TEXT,
	corrected_label TEXT,
	correction_timestamp DATETIME,
	session_number INTEGER NOT NULL,
	prediction TEXT
)`

const figuresDDL = `
CREATE TABLE %[1]s.figures (
	id INTEGER PRIMARY KEY,
	ground_truth TEXT,
	last_update_by DATETIME,
	status INTEGER NOT NULL DEFAULT 0,
	label TEXT,
	uri TEXT,
	width INTEGER,
	height INTEGER,
	source TEXT,
	caption TEXT,
	notes TEXT,
	fig_type INTEGER NOT NULL DEFAULT 0
)`

// Open returns a single-connection in-memory database with the project
// schema and every data schema attached and their tables created.
func Open(t testing.TB, project string, dataSchemas ...string) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("get sql db: %v", err)
	}
	// Attached in-memory databases belong to a single connection.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	attach(t, db, project)
	for _, s := range dataSchemas {
		attach(t, db, s)
	}
	CreateTables(t, db, project, dataSchemas...)
	return db
}

// CreateTables creates the project and figures tables in schemas that are
// already attached to db.
func CreateTables(t testing.TB, db *gorm.DB, project string, dataSchemas ...string) {
	t.Helper()
	exec(t, db, fmt.Sprintf(projectDDL, project))
	for _, s := range dataSchemas {
		exec(t, db, fmt.Sprintf(figuresDDL, s))
	}
}

// OpenBreeds opens the dog breed fixture database.
func OpenBreeds(t testing.TB) *gorm.DB {
	t.Helper()
	db := Open(t, Project, Dogs, Unlabeled)
	Load(t, db, "breeds.sql")
	return db
}

// Load executes an embedded fixture file.
func Load(t testing.TB, db *gorm.DB, name string) {
	t.Helper()
	data, err := fixtures.ReadFile("testdata/" + name)
	if err != nil {
		t.Fatalf("read fixture %s: %v", name, err)
	}
	exec(t, db, string(data))
}

func attach(t testing.TB, db *gorm.DB, schema string) {
	t.Helper()
	if err := db.Exec(fmt.Sprintf("ATTACH DATABASE ':memory:' AS %s", schema)).Error; err != nil {
		t.Fatalf("attach %s: %v", schema, err)
	}
}

func exec(t testing.TB, db *gorm.DB, script string) {
	t.Helper()
	for _, stmt := range strings.Split(script, ";") {
		stmt = stripComments(stmt)
		if stmt == "" {
			continue
		}
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("exec %q: %v", stmt, err)
		}
	}
}

func stripComments(stmt string) string {
	var lines []string
	for _, line := range strings.Split(stmt, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		lines = append(lines, line)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
