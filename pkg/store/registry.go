// Package store holds the row models of the curation database and the
// registry that resolves every schema-qualified table the engine touches.
//
// Schema and table names are never built from raw strings: callers ask the
// Registry for a table of a known kind in a registered schema, and values
// always travel as bound parameters.
package store

import (
	"errors"
	"fmt"
	"regexp"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
	"gorm.io/gorm"
)

// TableKind is the closed set of tables the engine reads or writes.
type TableKind string

const (
	// TableFigures lives in every data schema.
	TableFigures TableKind = "figures"
	// TableImages is the project work table holding pending corrections.
	TableImages TableKind = "images"
	// TableSessions lives in the project schema.
	TableSessions TableKind = "sessions"
	// TableArchive is the append-only correction vault in the project schema.
	TableArchive TableKind = "archive"
)

// ErrUnknownSchema is returned for schema identifiers outside the registry.
var ErrUnknownSchema = errors.New("unknown schema")

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Registry is the set of schemas one run is allowed to touch.
type Registry struct {
	project string
	data    mapset.Set[string]
}

// NewRegistry validates and registers the project schema and the data
// schemas that own figures tables.
func NewRegistry(project string, dataSchemas ...string) (*Registry, error) {
	if err := ValidateIdentifier(project); err != nil {
		return nil, fmt.Errorf("project schema: %w", err)
	}
	data := mapset.NewThreadUnsafeSet[string]()
	for _, s := range dataSchemas {
		if err := ValidateIdentifier(s); err != nil {
			return nil, fmt.Errorf("data schema: %w", err)
		}
		data.Add(s)
	}
	if data.Cardinality() == 0 {
		return nil, fmt.Errorf("at least one data schema is required")
	}
	return &Registry{project: project, data: data}, nil
}

// ValidateIdentifier rejects names that are not plain SQL identifiers.
func ValidateIdentifier(name string) error {
	if !identifierRe.MatchString(name) {
		return fmt.Errorf("invalid identifier %q", name)
	}
	return nil
}

// Project returns the project (labeling) schema name.
func (r *Registry) Project() string {
	return r.project
}

// DataSchemas returns the registered data schemas in sorted order.
func (r *Registry) DataSchemas() []string {
	out := r.data.ToSlice()
	sort.Strings(out)
	return out
}

// HasDataSchema reports whether schema owns a registered figures table.
func (r *Registry) HasDataSchema(schema string) bool {
	return r.data.Contains(schema)
}

// ProjectTable returns the qualified name of a project table.
func (r *Registry) ProjectTable(kind TableKind) string {
	return r.project + "." + string(kind)
}

// FiguresTable returns the qualified figures table of a data schema.
func (r *Registry) FiguresTable(schema string) (string, error) {
	if !r.data.Contains(schema) {
		return "", fmt.Errorf("%w: %q", ErrUnknownSchema, schema)
	}
	return schema + "." + string(TableFigures), nil
}

// Migrate creates or updates the tables the engine expects. It is meant for
// bootstrapping a fresh PostgreSQL or MySQL database; production schemas
// are owned by the labeling application.
func Migrate(db *gorm.DB, r *Registry) error {
	targets := []struct {
		table string
		model any
	}{
		{r.ProjectTable(TableImages), &StagingRecord{}},
		{r.ProjectTable(TableSessions), &Session{}},
		{r.ProjectTable(TableArchive), &ArchiveEntry{}},
	}
	for _, schema := range r.DataSchemas() {
		table, _ := r.FiguresTable(schema)
		targets = append(targets, struct {
			table string
			model any
		}{table, &Figure{}})
	}
	for _, t := range targets {
		if err := db.Table(t.table).AutoMigrate(t.model); err != nil {
			return fmt.Errorf("auto-migrate %s: %w", t.table, err)
		}
	}
	return nil
}
