package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/eoger/lockbox-bridge/internal/model"

	_ "modernc.org/sqlite"
)

const createLoginsTable = `
CREATE TABLE IF NOT EXISTS logins (
    id                    TEXT PRIMARY KEY,
    hostname              TEXT NOT NULL,
    form_submit_url       TEXT NOT NULL DEFAULT '',
    http_realm            TEXT NOT NULL DEFAULT '',
    username              TEXT NOT NULL,
    password              BLOB NOT NULL,
    username_field        TEXT NOT NULL DEFAULT '',
    password_field        TEXT NOT NULL DEFAULT '',
    time_created          INTEGER NOT NULL,
    time_last_used        INTEGER NOT NULL,
    time_password_changed INTEGER NOT NULL,
    times_used            INTEGER NOT NULL DEFAULT 0,
    sync_status           TEXT NOT NULL,
    server_modified       INTEGER NOT NULL DEFAULT 0,
    local_modified        INTEGER NOT NULL DEFAULT 0
)`

const createMetaTable = `
CREATE TABLE IF NOT EXISTS meta (
    key   TEXT PRIMARY KEY,
    value BLOB NOT NULL
)`

const loginColumns = `id, hostname, form_submit_url, http_realm, username, password,
	username_field, password_field, time_created, time_last_used,
	time_password_changed, times_used, sync_status, server_modified, local_modified`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection: SQLite has a single writer, and ":memory:" databases
	// are per connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createLoginsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create logins table: %w", err)
	}

	if _, err := db.Exec(createMetaTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create meta table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateLogin inserts a new login record.
func (s *SQLiteStore) CreateLogin(ctx context.Context, l *model.StoredLogin) error {
	if _, err := s.GetLogin(ctx, l.ID); err == nil {
		return fmt.Errorf("login %s: %w", l.ID, ErrExists)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	return insertLogin(ctx, s.db, l)
}

func insertLogin(ctx context.Context, q querier, l *model.StoredLogin) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO logins (`+loginColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.Hostname, l.FormSubmitURL, l.HTTPRealm, l.Username, l.SealedPassword,
		l.UsernameField, l.PasswordField, l.TimeCreated, l.TimeLastUsed,
		l.TimePasswordChanged, l.TimesUsed, l.SyncStatus, l.ServerModified, l.LocalModified,
	)
	if err != nil {
		return fmt.Errorf("insert login: %w", err)
	}
	return nil
}

// GetLogin retrieves a login by ID, including tombstones.
func (s *SQLiteStore) GetLogin(ctx context.Context, id string) (*model.StoredLogin, error) {
	return getLogin(ctx, s.db, id)
}

func getLogin(ctx context.Context, q querier, id string) (*model.StoredLogin, error) {
	row := q.QueryRowContext(ctx, `SELECT `+loginColumns+` FROM logins WHERE id = ?`, id)
	l, err := scanLogin(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get login: %w", err)
	}
	return l, nil
}

// ListLogins returns every live login ordered by hostname, then username.
func (s *SQLiteStore) ListLogins(ctx context.Context) ([]*model.StoredLogin, error) {
	return s.queryLogins(ctx,
		`SELECT `+loginColumns+` FROM logins WHERE sync_status != ?
		ORDER BY hostname, username, id`, model.SyncStatusDeleted)
}

// ListChanged returns every record that has not been uploaded yet, tombstones
// included.
func (s *SQLiteStore) ListChanged(ctx context.Context) ([]*model.StoredLogin, error) {
	return s.queryLogins(ctx,
		`SELECT `+loginColumns+` FROM logins WHERE sync_status != ? ORDER BY id`,
		model.SyncStatusSynced)
}

func (s *SQLiteStore) queryLogins(ctx context.Context, query string, args ...any) ([]*model.StoredLogin, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list logins: %w", err)
	}
	defer rows.Close()

	var logins []*model.StoredLogin
	for rows.Next() {
		l, err := scanLogin(rows)
		if err != nil {
			return nil, fmt.Errorf("scan login: %w", err)
		}
		logins = append(logins, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate logins: %w", err)
	}
	return logins, nil
}

// UpdateLogin replaces every stored field of an existing login.
func (s *SQLiteStore) UpdateLogin(ctx context.Context, l *model.StoredLogin) error {
	return updateLogin(ctx, s.db, l)
}

func updateLogin(ctx context.Context, q querier, l *model.StoredLogin) error {
	result, err := q.ExecContext(ctx,
		`UPDATE logins SET
			hostname = ?, form_submit_url = ?, http_realm = ?, username = ?, password = ?,
			username_field = ?, password_field = ?, time_created = ?, time_last_used = ?,
			time_password_changed = ?, times_used = ?, sync_status = ?, server_modified = ?,
			local_modified = ?
		WHERE id = ?`,
		l.Hostname, l.FormSubmitURL, l.HTTPRealm, l.Username, l.SealedPassword,
		l.UsernameField, l.PasswordField, l.TimeCreated, l.TimeLastUsed,
		l.TimePasswordChanged, l.TimesUsed, l.SyncStatus, l.ServerModified,
		l.LocalModified, l.ID,
	)
	if err != nil {
		return fmt.Errorf("update login: %w", err)
	}
	return checkAffected(result)
}

// DeleteLogin removes a login row outright.
func (s *SQLiteStore) DeleteLogin(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM logins WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete login: %w", err)
	}
	return checkAffected(result)
}

// ApplyIncoming applies a batch of incoming records in one transaction, so a
// failed sync leaves the store as it was.
func (s *SQLiteStore) ApplyIncoming(ctx context.Context, changes []Change) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, c := range changes {
		if c.Upsert == nil {
			if _, err := tx.ExecContext(ctx, "DELETE FROM logins WHERE id = ?", c.DeleteID); err != nil {
				return fmt.Errorf("delete incoming %s: %w", c.DeleteID, err)
			}
			continue
		}

		_, err := getLogin(ctx, tx, c.Upsert.ID)
		switch {
		case errors.Is(err, ErrNotFound):
			err = insertLogin(ctx, tx, c.Upsert)
		case err == nil:
			err = updateLogin(ctx, tx, c.Upsert)
		}
		if err != nil {
			return fmt.Errorf("apply incoming %s: %w", c.Upsert.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit incoming: %w", err)
	}
	return nil
}

// MarkSynced records that the given records were uploaded. Tombstones are
// purged; everything else becomes synced at serverModified.
func (s *SQLiteStore) MarkSynced(ctx context.Context, ids []string, serverModified int64) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+2)
	args = append(args, model.SyncStatusDeleted)
	for _, id := range ids {
		args = append(args, id)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM logins WHERE sync_status = ? AND id IN (`+placeholders+`)`, args...,
	); err != nil {
		return fmt.Errorf("purge tombstones: %w", err)
	}

	args[0] = serverModified
	args = append([]any{model.SyncStatusSynced}, args...)
	if _, err := tx.ExecContext(ctx,
		`UPDATE logins SET sync_status = ?, server_modified = ? WHERE id IN (`+placeholders+`)`, args...,
	); err != nil {
		return fmt.Errorf("mark synced: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit synced: %w", err)
	}
	return nil
}

// GetMeta returns the value stored under key.
func (s *SQLiteStore) GetMeta(ctx context.Context, key string) ([]byte, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = ?", key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get meta %s: %w", key, err)
	}
	return v, nil
}

// SetMeta stores value under key, replacing any previous value.
func (s *SQLiteStore) SetMeta(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value,
	)
	if err != nil {
		return fmt.Errorf("set meta %s: %w", key, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLogin(row scanner) (*model.StoredLogin, error) {
	l := &model.StoredLogin{}
	err := row.Scan(
		&l.ID, &l.Hostname, &l.FormSubmitURL, &l.HTTPRealm, &l.Username, &l.SealedPassword,
		&l.UsernameField, &l.PasswordField, &l.TimeCreated, &l.TimeLastUsed,
		&l.TimePasswordChanged, &l.TimesUsed, &l.SyncStatus, &l.ServerModified,
		&l.LocalModified,
	)
	if err != nil {
		return nil, err
	}
	return l, nil
}

func checkAffected(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
