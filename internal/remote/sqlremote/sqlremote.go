// Package sqlremote implements the backend upserts on a relational database:
// Postgres through pgx in production and SQLite for development and tests.
package sqlremote

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	_ "modernc.org/sqlite"

	"github.com/vbonduro/siteassess/internal/domain"
	"github.com/vbonduro/siteassess/internal/remote"
)

// Dialect captures the SQL differences between the supported backends.
type Dialect struct {
	Driver   string
	JSONType string
	TimeType string
	// JSONCast wraps a placeholder so the value is stored as JSON.
	JSONCast func(placeholder string) string
	bind     func(n int) string
}

var Postgres = Dialect{
	Driver:   "pgx",
	JSONType: "JSONB",
	TimeType: "TIMESTAMPTZ",
	JSONCast: func(p string) string { return p + "::jsonb" },
	bind:     func(n int) string { return fmt.Sprintf("$%d", n) },
}

var SQLite = Dialect{
	Driver:   "sqlite",
	JSONType: "TEXT",
	TimeType: "TIMESTAMP",
	JSONCast: func(p string) string { return p },
	bind:     func(int) string { return "?" },
}

// DialectFor returns the dialect for a database/sql driver name.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case Postgres.Driver, "postgres":
		return Postgres, nil
	case SQLite.Driver:
		return SQLite, nil
	default:
		return Dialect{}, fmt.Errorf("unsupported remote driver %q", driver)
	}
}

func (d Dialect) placeholders(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = d.bind(i + 1)
	}
	return out
}

type Remote struct {
	db *sql.DB
	d  Dialect
}

// Open connects to the backend database and verifies the connection.
func Open(ctx context.Context, driver, dsn string) (*Remote, error) {
	d, err := DialectFor(driver)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(d.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open remote database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping remote database: %w", err)
	}
	return New(db, d), nil
}

func New(db *sql.DB, d Dialect) *Remote {
	return &Remote{db: db, d: d}
}

// DB exposes the underlying handle for tests and tooling.
func (r *Remote) DB() *sql.DB { return r.db }

func (r *Remote) Close() error { return r.db.Close() }

// EnsureSchema creates the assessment, section and photo tables. Section
// tables get one JSON column per step.
func (r *Remote) EnsureSchema(ctx context.Context) error {
	for _, stmt := range r.schema() {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create remote schema: %w", err)
		}
	}
	return nil
}

func (r *Remote) schema() []string {
	stmts := []string{fmt.Sprintf(`CREATE TABLE IF NOT EXISTS assessments (
		id TEXT PRIMARY KEY,
		local_id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at %[1]s NOT NULL,
		updated_at %[1]s NOT NULL,
		submitted_at %[1]s NOT NULL
	)`, r.d.TimeType)}

	for _, sec := range domain.Sections {
		cols := make([]string, 0, len(sec.Steps)+2)
		cols = append(cols, "assessment_id TEXT PRIMARY KEY REFERENCES assessments(id) ON DELETE CASCADE")
		for _, st := range sec.Steps {
			cols = append(cols, fmt.Sprintf("%s %s", Column(st.ID), r.d.JSONType))
		}
		cols = append(cols, fmt.Sprintf("updated_at %s NOT NULL", r.d.TimeType))
		stmts = append(stmts, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t\t%s\n\t)", sec.Table, strings.Join(cols, ",\n\t\t")))
	}

	stmts = append(stmts, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS assessment_photos (
		id TEXT PRIMARY KEY,
		assessment_id TEXT NOT NULL REFERENCES assessments(id) ON DELETE CASCADE,
		storage_path TEXT NOT NULL,
		form_type TEXT NOT NULL,
		form_step TEXT NOT NULL,
		field_name TEXT NOT NULL DEFAULT '',
		filename TEXT NOT NULL DEFAULT '',
		mime_type TEXT NOT NULL,
		file_size BIGINT NOT NULL,
		width INTEGER NOT NULL,
		height INTEGER NOT NULL,
		captured_at %[1]s NOT NULL,
		notes TEXT NOT NULL DEFAULT '',
		uploaded_at %[1]s NOT NULL
	)`, r.d.TimeType))
	return stmts
}

// UpsertAssessment inserts or updates the row for row.LocalID and returns
// the backend id. The owning user of an existing row is never changed.
func (r *Remote) UpsertAssessment(ctx context.Context, row remote.AssessmentRow) (string, error) {
	p := r.d.placeholders(7)
	query := fmt.Sprintf(`INSERT INTO assessments (id, local_id, user_id, status, created_at, updated_at, submitted_at)
		VALUES (%s)
		ON CONFLICT (local_id) DO UPDATE SET
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at,
			submitted_at = EXCLUDED.submitted_at
		RETURNING id`, strings.Join(p, ", "))

	var id string
	err := r.db.QueryRowContext(ctx, query,
		uuid.NewString(), row.LocalID, row.UserID, string(row.Status),
		row.CreatedAt, row.UpdatedAt, row.SubmittedAt,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("failed to upsert assessment %s: %w", row.LocalID, err)
	}
	return id, nil
}

// UpsertSection writes every step of a section as a JSON column, keyed by
// the backend assessment id.
func (r *Remote) UpsertSection(ctx context.Context, row remote.SectionRow) error {
	schema, err := domain.LookupSection(row.Section)
	if err != nil {
		return err
	}

	cols := []string{"assessment_id"}
	args := []any{row.AssessmentID}
	for _, st := range schema.Steps {
		data := row.Steps[st.ID]
		if data == nil {
			data = domain.StepData{}
		}
		b, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to encode step %s: %w", st.ID, err)
		}
		cols = append(cols, Column(st.ID))
		args = append(args, string(b))
	}
	cols = append(cols, "updated_at")
	args = append(args, row.UpdatedAt)

	p := r.d.placeholders(len(cols))
	values := make([]string, len(cols))
	sets := make([]string, 0, len(cols)-1)
	for i, col := range cols {
		values[i] = p[i]
		if i > 0 && i < len(cols)-1 {
			values[i] = r.d.JSONCast(p[i])
		}
		if i > 0 {
			sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", col, col))
		}
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (assessment_id) DO UPDATE SET %s`,
		schema.Table, strings.Join(cols, ", "), strings.Join(values, ", "), strings.Join(sets, ", "))

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to upsert %s: %w", schema.Table, err)
	}
	return nil
}

// UpsertPhoto writes photo metadata keyed by the photo id.
func (r *Remote) UpsertPhoto(ctx context.Context, row remote.PhotoRow) error {
	cols := []string{
		"id", "assessment_id", "storage_path", "form_type", "form_step", "field_name", "filename",
		"mime_type", "file_size", "width", "height", "captured_at", "notes", "uploaded_at",
	}
	sets := make([]string, 0, len(cols)-1)
	for _, col := range cols[1:] {
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", col, col))
	}
	query := fmt.Sprintf(`INSERT INTO assessment_photos (%s) VALUES (%s) ON CONFLICT (id) DO UPDATE SET %s`,
		strings.Join(cols, ", "), strings.Join(r.d.placeholders(len(cols)), ", "), strings.Join(sets, ", "))

	_, err := r.db.ExecContext(ctx, query,
		row.ID, row.AssessmentID, row.StoragePath, string(row.FormType), row.FormStep, row.FieldName, row.Filename,
		row.MimeType, row.FileSize, row.Width, row.Height, row.CapturedAt, row.Notes, row.UploadedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert photo %s: %w", row.ID, err)
	}
	return nil
}

// Column maps a camelCase step id to its snake_case column name.
func Column(stepID string) string {
	var b strings.Builder
	for i, r := range stepID {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}
