// Package sqlite is the reference MetadataStore implementation: a single
// `instances` table in an embedded, pure-Go SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/serverbox/serverbox"
)

const (
	dataDirPerms = 0o750
	timeLayout   = time.RFC3339Nano
)

// Store is the sqlite-backed serverbox.MetadataStore.
type Store struct {
	Path   string
	DB     *sql.DB
	logger *slog.Logger
}

// Option configures optional Store fields.
type Option func(*Store)

// WithLogger attaches a structured logger; Set uses it to log a failed
// upsert at debug level. Other queries are not logged.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// Open connects to the database at path, applies pragmas, and runs
// migrations, mirroring the teacher's db.Open: single connection (writes
// are serialized at the Manager layer above this store, so WAL plus a
// single conn is sufficient), directory auto-created.
func Open(path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, errors.New("db path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, dataDirPerms); err != nil {
			return nil, fmt.Errorf("create db dir %s: %w", dir, err)
		}
	}
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	if err := applyPragmas(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	if err := migrate(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	s := &Store{Path: path, DB: conn, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}
	return nil
}

// Close releases the underlying connection. Safe on a nil Store.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// Get implements serverbox.MetadataStore.
func (s *Store) Get(ctx context.Context, id string) (serverbox.Record, bool, error) {
	row := s.DB.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return serverbox.Record{}, false, nil
	}
	if err != nil {
		return serverbox.Record{}, false, err
	}
	return rec, true, nil
}

// Set implements serverbox.MetadataStore (upsert).
func (s *Store) Set(ctx context.Context, rec serverbox.Record) error {
	providersJSON, err := json.Marshal(rec.Providers)
	if err != nil {
		return fmt.Errorf("marshal providers: %w", err)
	}
	labelsJSON, err := json.Marshal(rec.Labels)
	if err != nil {
		return fmt.Errorf("marshal labels: %w", err)
	}

	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO instances (id, sandbox_id, state, url, preview_token, username, password, providers_json, labels_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			sandbox_id = excluded.sandbox_id,
			state = excluded.state,
			url = excluded.url,
			preview_token = excluded.preview_token,
			username = excluded.username,
			password = excluded.password,
			providers_json = excluded.providers_json,
			labels_json = excluded.labels_json,
			updated_at = excluded.updated_at`,
		rec.ID, rec.SandboxID, string(rec.State), nullIfEmpty(rec.URL), nullIfEmpty(rec.PreviewToken),
		rec.Username, rec.Password, string(providersJSON), string(labelsJSON),
		formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt),
	)
	if err != nil {
		if s.logger != nil {
			s.logger.Debug("instances upsert failed", "id", rec.ID, "error", err)
		}
		return fmt.Errorf("upsert instance %s: %w", rec.ID, err)
	}
	return nil
}

// List implements serverbox.MetadataStore, ordered by createdAt descending.
func (s *Store) List(ctx context.Context) ([]serverbox.Record, error) {
	rows, err := s.DB.QueryContext(ctx, selectColumns+` ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()

	var out []serverbox.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate instances: %w", err)
	}
	return out, nil
}

// Delete implements serverbox.MetadataStore. Deleting an unknown id is a no-op.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM instances WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete instance %s: %w", id, err)
	}
	return nil
}

const selectColumns = `SELECT id, sandbox_id, state, url, preview_token, username, password, providers_json, labels_json, created_at, updated_at FROM instances`

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (serverbox.Record, error) {
	var (
		rec                       serverbox.Record
		state                     string
		url, previewToken         sql.NullString
		providersJSON, labelsJSON sql.NullString
		createdAt, updatedAt      string
	)
	if err := row.Scan(&rec.ID, &rec.SandboxID, &state, &url, &previewToken, &rec.Username, &rec.Password,
		&providersJSON, &labelsJSON, &createdAt, &updatedAt); err != nil {
		return serverbox.Record{}, err
	}

	rec.State = serverbox.NormalizeState(state)
	rec.URL = url.String
	rec.PreviewToken = previewToken.String

	if providersJSON.Valid && providersJSON.String != "" {
		if err := json.Unmarshal([]byte(providersJSON.String), &rec.Providers); err != nil {
			return serverbox.Record{}, serverbox.WrapError(serverbox.KindStoreError, "corrupt providers column for instance "+rec.ID, err)
		}
	}
	if labelsJSON.Valid && labelsJSON.String != "" {
		if err := json.Unmarshal([]byte(labelsJSON.String), &rec.Labels); err != nil {
			return serverbox.Record{}, serverbox.WrapError(serverbox.KindStoreError, "corrupt labels column for instance "+rec.ID, err)
		}
	}

	var err error
	rec.CreatedAt, err = time.Parse(timeLayout, createdAt)
	if err != nil {
		return serverbox.Record{}, fmt.Errorf("parse created_at for %s: %w", rec.ID, err)
	}
	rec.UpdatedAt, err = time.Parse(timeLayout, updatedAt)
	if err != nil {
		return serverbox.Record{}, fmt.Errorf("parse updated_at for %s: %w", rec.ID, err)
	}
	return rec, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now().UTC()
	}
	return t.UTC().Format(timeLayout)
}
