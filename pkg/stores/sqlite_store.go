package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	"github.com/openfroyo/foundation/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{
		path: cfg.Path,
		cfg:  cfg,
	}, nil
}

// Open creates, initializes and migrates a store.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Init opens the database with foreign keys on and WAL journaling.
func (s *SQLiteStore) Init(ctx context.Context) error {
	if !strings.HasPrefix(s.path, ":memory:") {
		if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_time_format=sqlite&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// One writer; also keeps an in-memory database on a single connection.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// RecordInvocation journals result together with the request that produced
// it and refreshes the plugin's facts. An empty id gets a fresh UUID.
func (s *SQLiteStore) RecordInvocation(ctx context.Context, id string, request interface{}, result *engine.Result) (*Invocation, error) {
	if result == nil {
		return nil, fmt.Errorf("result is required")
	}
	if id == "" {
		id = uuid.NewString()
	}

	reqJSON, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	resJSON, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}

	inv := &Invocation{
		ID:          id,
		Plugin:      result.Plugin,
		Status:      result.Status,
		Changed:     result.Changed,
		StartedAt:   result.StartedAt,
		CompletedAt: result.CompletedAt,
		Duration:    result.Duration,
		Request:     string(reqJSON),
		Result:      result,
		CreatedAt:   time.Now().UTC(),
	}
	if result.Error != nil {
		class := string(result.Error.Class)
		msg := result.Error.Error()
		inv.ErrorClass = &class
		inv.ErrorMessage = &msg
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO invocations (id, plugin, status, changed, started_at, completed_at, duration_ms,
			error_class, error_message, request, result, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		inv.ID,
		inv.Plugin,
		string(inv.Status),
		inv.Changed,
		inv.StartedAt,
		inv.CompletedAt,
		inv.Duration.Milliseconds(),
		nullString(inv.ErrorClass),
		nullString(inv.ErrorMessage),
		inv.Request,
		string(resJSON),
		inv.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create invocation: %w", err)
	}

	for i, item := range result.Items {
		msg := sql.NullString{String: item.Message, Valid: item.Message != ""}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO invocation_items (invocation_id, seq, name, target, status, message)
			VALUES (?, ?, ?, ?, ?, ?)
		`, inv.ID, i, item.Name, item.Target, string(item.Status), msg)
		if err != nil {
			return nil, fmt.Errorf("failed to record item %s: %w", item.Name, err)
		}
	}

	keys := make([]string, 0, len(result.Facts))
	for k := range result.Facts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		value, err := json.Marshal(result.Facts[k])
		if err != nil {
			return nil, fmt.Errorf("failed to encode fact %s: %w", k, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO facts (plugin, key, value, invocation_id, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (plugin, key) DO UPDATE SET
				value = excluded.value,
				invocation_id = excluded.invocation_id,
				updated_at = excluded.updated_at
		`, inv.Plugin, k, string(value), inv.ID, inv.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to upsert fact %s: %w", k, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit invocation: %w", err)
	}
	return inv, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

const invocationColumns = `id, plugin, status, changed, started_at, completed_at, duration_ms,
	error_class, error_message, request, result, created_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInvocation(row rowScanner) (*Invocation, error) {
	inv := &Invocation{}
	var durationMS int64
	var result string
	err := row.Scan(
		&inv.ID,
		&inv.Plugin,
		&inv.Status,
		&inv.Changed,
		&inv.StartedAt,
		&inv.CompletedAt,
		&durationMS,
		&inv.ErrorClass,
		&inv.ErrorMessage,
		&inv.Request,
		&result,
		&inv.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	inv.Duration = time.Duration(durationMS) * time.Millisecond
	inv.Result = &engine.Result{}
	if err := json.Unmarshal([]byte(result), inv.Result); err != nil {
		return nil, fmt.Errorf("failed to decode result of %s: %w", inv.ID, err)
	}
	return inv, nil
}

// GetInvocation retrieves an invocation by ID
func (s *SQLiteStore) GetInvocation(ctx context.Context, id string) (*Invocation, error) {
	query := `SELECT ` + invocationColumns + ` FROM invocations WHERE id = ?`

	inv, err := scanInvocation(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("invocation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invocation: %w", err)
	}
	return inv, nil
}

// ListInvocations lists invocations newest first.
func (s *SQLiteStore) ListInvocations(ctx context.Context, opts ListOptions) ([]*Invocation, error) {
	var where []string
	var args []interface{}
	if opts.Plugin != "" {
		where = append(where, "plugin = ?")
		args = append(args, opts.Plugin)
	}
	if opts.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(opts.Status))
	}
	if !opts.Since.IsZero() {
		where = append(where, "started_at >= ?")
		args = append(args, opts.Since.UTC())
	}

	query := `SELECT ` + invocationColumns + ` FROM invocations`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, created_at DESC"
	if opts.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, opts.Limit, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list invocations: %w", err)
	}
	defer rows.Close()

	var invocations []*Invocation
	for rows.Next() {
		inv, err := scanInvocation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan invocation: %w", err)
		}
		invocations = append(invocations, inv)
	}
	return invocations, rows.Err()
}

// ListItems lists the primitive outcomes of an invocation in order.
func (s *SQLiteStore) ListItems(ctx context.Context, invocationID string) ([]*Item, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT invocation_id, seq, name, target, status, message
		FROM invocation_items
		WHERE invocation_id = ?
		ORDER BY seq
	`, invocationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		item := &Item{}
		if err := rows.Scan(&item.InvocationID, &item.Seq, &item.Name, &item.Target, &item.Status, &item.Message); err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Summarize counts invocations started at or after since, per plugin and
// status.
func (s *SQLiteStore) Summarize(ctx context.Context, since time.Time) ([]*Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT plugin, status, COUNT(*), SUM(changed)
		FROM invocations
		WHERE started_at >= ?
		GROUP BY plugin, status
		ORDER BY plugin, status
	`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to summarize invocations: %w", err)
	}
	defer rows.Close()

	var out []*Summary
	for rows.Next() {
		sum := &Summary{}
		if err := rows.Scan(&sum.Plugin, &sum.Status, &sum.Count, &sum.Changed); err != nil {
			return nil, fmt.Errorf("failed to scan summary: %w", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// PruneInvocations deletes invocations started before the cutoff along with
// their items. Facts are kept.
func (s *SQLiteStore) PruneInvocations(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM invocations WHERE started_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune invocations: %w", err)
	}
	return res.RowsAffected()
}

// GetFact retrieves the latest value of a plugin fact.
func (s *SQLiteStore) GetFact(ctx context.Context, plugin, key string) (*Fact, error) {
	fact := &Fact{}
	err := s.db.QueryRowContext(ctx, `
		SELECT plugin, key, value, invocation_id, updated_at
		FROM facts
		WHERE plugin = ? AND key = ?
	`, plugin, key).Scan(&fact.Plugin, &fact.Key, &fact.Value, &fact.InvocationID, &fact.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("fact %s/%s: %w", plugin, key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get fact: %w", err)
	}
	return fact, nil
}

// ListFacts lists facts ordered by plugin and key; an empty plugin lists all.
func (s *SQLiteStore) ListFacts(ctx context.Context, plugin string) ([]*Fact, error) {
	query := `SELECT plugin, key, value, invocation_id, updated_at FROM facts`
	var args []interface{}
	if plugin != "" {
		query += " WHERE plugin = ?"
		args = append(args, plugin)
	}
	query += " ORDER BY plugin, key"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list facts: %w", err)
	}
	defer rows.Close()

	var facts []*Fact
	for rows.Next() {
		fact := &Fact{}
		if err := rows.Scan(&fact.Plugin, &fact.Key, &fact.Value, &fact.InvocationID, &fact.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan fact: %w", err)
		}
		facts = append(facts, fact)
	}
	return facts, rows.Err()
}

// HealthCheck verifies the database connection
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}
