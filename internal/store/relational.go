package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver "pgx"
	_ "github.com/mattn/go-sqlite3"    // SQLite driver "sqlite3"
	_ "modernc.org/sqlite"             // pure-Go SQLite driver "sqlite"

	"github.com/kurameshinatsuki/supremus/internal/conversation"
)

// Supported database/sql driver names.
const (
	DriverSQLite3  = "sqlite3"
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

// RelationalConfig configures the relational backend and its pool.
type RelationalConfig struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	// AcquireTimeout bounds every operation, including the wait for a
	// free pooled connection.
	AcquireTimeout time.Duration
}

// Relational persists records in users, groups and auth tables. History
// and participant maps are stored as JSON text; all structural checks
// happen in the conversation package on the way in and out.
type Relational struct {
	db             *sql.DB
	driver         string
	acquireTimeout time.Duration
	logger         *slog.Logger
}

// NewRelational opens the database, applies pool limits, verifies the
// connection and creates the schema.
func NewRelational(ctx context.Context, cfg RelationalConfig, logger *slog.Logger) (*Relational, error) {
	if logger == nil {
		logger = slog.Default()
	}
	driver := cfg.Driver
	if driver == "" {
		driver = DriverSQLite3
	}
	switch driver {
	case DriverSQLite3, DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported relational driver %q", driver)
	}

	db, err := sql.Open(driver, dsnFor(driver, cfg.DSN))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	r := &Relational{
		db:             db,
		driver:         driver,
		acquireTimeout: cfg.AcquireTimeout,
		logger:         logger,
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := r.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return r, nil
}

// dsnFor adds the journal and busy-timeout settings SQLite needs for
// concurrent writers unless the caller already supplied options.
func dsnFor(driver, dsn string) string {
	if strings.Contains(dsn, "?") {
		return dsn
	}
	switch driver {
	case DriverSQLite3:
		return dsn + "?_journal_mode=WAL&_busy_timeout=5000"
	case DriverSQLite:
		return dsn + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	return dsn
}

func (r *Relational) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			numeric_id TEXT NOT NULL DEFAULT '',
			history TEXT NOT NULL DEFAULT '[]',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS "groups" (
			id TEXT PRIMARY KEY,
			participants TEXT NOT NULL DEFAULT '{}',
			history TEXT NOT NULL DEFAULT '[]',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS auth (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
	}
	ctx, cancel := r.opContext(ctx)
	defer cancel()
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return r.wrap(err)
		}
	}
	return nil
}

// Name implements Backend.
func (r *Relational) Name() string { return BackendRelational }

// Close closes the connection pool.
func (r *Relational) Close() error {
	return r.db.Close()
}

// opContext applies the acquire timeout. database/sql queues callers
// beyond MaxOpenConns until a connection frees up or ctx expires.
func (r *Relational) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.acquireTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.acquireTimeout)
}

func (r *Relational) wrap(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s: %w", ErrPoolTimeout, r.acquireTimeout, err)
	}
	return err
}

// rebind rewrites ? placeholders as $n for PostgreSQL.
func (r *Relational) rebind(query string) string {
	if r.driver != DriverPostgres {
		return query
	}
	var sb strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteByte(query[i])
	}
	return sb.String()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// LoadUser implements Backend.
func (r *Relational) LoadUser(ctx context.Context, id string) (*conversation.UserRecord, bool, error) {
	ctx, cancel := r.opContext(ctx)
	defer cancel()

	var displayName, numericID, history, createdAt, updatedAt string
	err := r.db.QueryRowContext(ctx, r.rebind(`
		SELECT display_name, numeric_id, history, created_at, updated_at
		FROM users WHERE id = ?
	`), id).Scan(&displayName, &numericID, &history, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query users: %w", r.wrap(err))
	}

	entries, err := conversation.DecodeHistory([]byte(history), r.logger.With("user", id))
	if err != nil {
		return nil, false, fmt.Errorf("decode history: %w", err)
	}
	return &conversation.UserRecord{
		ID:          id,
		DisplayName: displayName,
		NumericID:   numericID,
		History:     entries,
		CreatedAt:   parseTime(createdAt),
		UpdatedAt:   parseTime(updatedAt),
	}, true, nil
}

// SaveUser implements Backend.
func (r *Relational) SaveUser(ctx context.Context, rec *conversation.UserRecord) error {
	history, err := conversation.EncodeHistory(rec.History)
	if err != nil {
		return err
	}
	ctx, cancel := r.opContext(ctx)
	defer cancel()

	_, err = r.db.ExecContext(ctx, r.rebind(`
		INSERT INTO users (id, display_name, numeric_id, history, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE
		SET display_name = excluded.display_name,
		    numeric_id = excluded.numeric_id,
		    history = excluded.history,
		    updated_at = excluded.updated_at
	`), rec.ID, rec.DisplayName, rec.NumericID, string(history), formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert users: %w", r.wrap(err))
	}
	return nil
}

// LoadGroup implements Backend.
func (r *Relational) LoadGroup(ctx context.Context, id string) (*conversation.GroupRecord, bool, error) {
	ctx, cancel := r.opContext(ctx)
	defer cancel()

	var participants, history, createdAt, updatedAt string
	err := r.db.QueryRowContext(ctx, r.rebind(`
		SELECT participants, history, created_at, updated_at
		FROM "groups" WHERE id = ?
	`), id).Scan(&participants, &history, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query groups: %w", r.wrap(err))
	}

	logger := r.logger.With("group", id)
	members, err := conversation.DecodeParticipants([]byte(participants), logger)
	if err != nil {
		return nil, false, fmt.Errorf("decode participants: %w", err)
	}
	entries, err := conversation.DecodeGroupHistory([]byte(history), logger)
	if err != nil {
		return nil, false, fmt.Errorf("decode history: %w", err)
	}
	return &conversation.GroupRecord{
		ID:           id,
		Participants: members,
		History:      entries,
		CreatedAt:    parseTime(createdAt),
		UpdatedAt:    parseTime(updatedAt),
	}, true, nil
}

// SaveGroup implements Backend.
func (r *Relational) SaveGroup(ctx context.Context, rec *conversation.GroupRecord) error {
	participants, err := conversation.EncodeParticipants(rec.Participants)
	if err != nil {
		return err
	}
	history, err := conversation.EncodeHistory(rec.History)
	if err != nil {
		return err
	}
	ctx, cancel := r.opContext(ctx)
	defer cancel()

	_, err = r.db.ExecContext(ctx, r.rebind(`
		INSERT INTO "groups" (id, participants, history, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE
		SET participants = excluded.participants,
		    history = excluded.history,
		    updated_at = excluded.updated_at
	`), rec.ID, string(participants), string(history), formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert groups: %w", r.wrap(err))
	}
	return nil
}

// ListKeys implements Backend.
func (r *Relational) ListKeys(ctx context.Context) ([]string, []string, error) {
	users, err := r.listColumn(ctx, `SELECT id FROM users ORDER BY id`)
	if err != nil {
		return nil, nil, fmt.Errorf("list users: %w", err)
	}
	groups, err := r.listColumn(ctx, `SELECT id FROM "groups" ORDER BY id`)
	if err != nil {
		return nil, nil, fmt.Errorf("list groups: %w", err)
	}
	return users, groups, nil
}

func (r *Relational) listColumn(ctx context.Context, query string, args ...any) ([]string, error) {
	ctx, cancel := r.opContext(ctx)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, r.wrap(err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, r.wrap(rows.Err())
}

// GetAuth implements Backend.
func (r *Relational) GetAuth(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := r.opContext(ctx)
	defer cancel()

	var value string
	err := r.db.QueryRowContext(ctx, r.rebind(`SELECT value FROM auth WHERE key = ?`), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get auth %s: %w", key, r.wrap(err))
	}
	return []byte(value), true, nil
}

// SetAuth implements Backend.
func (r *Relational) SetAuth(ctx context.Context, key string, value []byte) error {
	ctx, cancel := r.opContext(ctx)
	defer cancel()

	_, err := r.db.ExecContext(ctx, r.rebind(`
		INSERT INTO auth (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE
		SET value = excluded.value, updated_at = excluded.updated_at
	`), key, string(value), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("set auth %s: %w", key, r.wrap(err))
	}
	return nil
}

// DeleteAuth implements Backend. Deleting a missing key is not an
// error.
func (r *Relational) DeleteAuth(ctx context.Context, key string) error {
	ctx, cancel := r.opContext(ctx)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, r.rebind(`DELETE FROM auth WHERE key = ?`), key); err != nil {
		return fmt.Errorf("delete auth %s: %w", key, r.wrap(err))
	}
	return nil
}

// AuthKeys implements Backend.
func (r *Relational) AuthKeys(ctx context.Context, prefix string) ([]string, error) {
	keys, err := r.listColumn(ctx, `SELECT key FROM auth WHERE substr(key, 1, ?) = ? ORDER BY key`, len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("list auth keys: %w", err)
	}
	return keys, nil
}
