// Package db provides the embedded SQLite record store for kbsync.
//
// The record store remembers, for every (file path, knowledge id) pair that
// has been published, which remote file id the upload produced and what the
// file's modification time was at that moment. The reconciler consults it to
// decide whether a file needs to be uploaded again.
//
// Architecture:
//   - Database file: ~/.kbsync.db (configurable)
//   - WAL mode: concurrent readers during writes
//   - Schema: a single files table keyed by (filePath, knowledgeId)
//
// A database written with the older single-key layout (fileId as the
// primary key) is migrated in place by InitSchema.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// DB wraps the SQLite connection pool that backs the record store.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates a new database connection at the specified path.
//
// The database is opened with WAL enabled so status queries can run while
// a reconciliation pass is writing. The parent directory is created if
// needed. InitSchema must be called before the store is used.
//
// The caller MUST call Close() when done to ensure proper cleanup.
//
// Example:
//
//	store, err := db.Open(filepath.Join(home, ".kbsync.db"))
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(path string) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}

	filePath := strings.TrimPrefix(path, "file:")
	if dir := filepath.Dir(filePath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, &StoreError{Op: "open", Err: fmt.Errorf("failed to create database directory: %w", err)}
		}
	}

	conn, err := sql.Open("sqlite3", "file:"+filePath)
	if err != nil {
		return nil, &StoreError{Op: "open", Err: err}
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, &StoreError{Op: "open", Err: fmt.Errorf("failed to ping database: %w", err)}
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(4)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn: conn,
		path: filePath,
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.conn.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, &StoreError{Op: "open", Err: fmt.Errorf("failed to apply %q: %w", pragma, err)}
		}
	}

	return db, nil
}

// Path returns the filesystem path of the database file.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return &StoreError{Op: "close", Err: err}
	}

	db.conn = nil
	return nil
}

const schemaSQL = `
	CREATE TABLE IF NOT EXISTS files (
		filePath TEXT NOT NULL,
		knowledgeId TEXT NOT NULL,
		fileId TEXT NOT NULL,
		lastModified TEXT NOT NULL,
		syncedAt TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (filePath, knowledgeId)
	);

	CREATE INDEX IF NOT EXISTS idx_files_knowledge ON files(knowledgeId);
`

// InitSchema creates the files table if it doesn't exist and migrates the
// legacy single-key layout. Safe to call multiple times.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	legacy, err := db.hasLegacyLayout(ctx)
	if err != nil {
		return &StoreError{Op: "init schema", Err: err}
	}
	if legacy {
		if err := db.migrateLegacyLayout(ctx); err != nil {
			return &StoreError{Op: "migrate legacy schema", Err: err}
		}
		return nil
	}

	if _, err := db.conn.ExecContext(ctx, schemaSQL); err != nil {
		return &StoreError{Op: "init schema", Err: fmt.Errorf("failed to initialize schema: %w", err)}
	}
	return nil
}

// hasLegacyLayout reports whether a files table exists that was created
// with the fileId-keyed layout (columns fileId, lastModified, path, knowledgeId).
func (db *DB) hasLegacyLayout(ctx context.Context) (bool, error) {
	rows, err := db.conn.QueryContext(ctx, "SELECT name FROM pragma_table_info('files')")
	if err != nil {
		return false, fmt.Errorf("failed to inspect files table: %w", err)
	}
	defer rows.Close()

	columns := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return false, fmt.Errorf("failed to scan column name: %w", err)
		}
		columns[name] = true
	}
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("failed to inspect files table: %w", err)
	}

	return columns["path"] && !columns["filePath"], nil
}

// migrateLegacyLayout copies rows from the fileId-keyed table into the
// composite-key layout. When several legacy rows share a key, the one
// inserted last wins.
func (db *DB) migrateLegacyLayout(ctx context.Context) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	statements := []string{
		`ALTER TABLE files RENAME TO files_legacy`,
		`DROP INDEX IF EXISTS idx_files_knowledge`,
		schemaSQL,
		`INSERT INTO files (filePath, knowledgeId, fileId, lastModified, syncedAt)
		SELECT path, knowledgeId, fileId, COALESCE(lastModified, ''), ''
		FROM files_legacy
		WHERE path IS NOT NULL AND knowledgeId IS NOT NULL AND fileId IS NOT NULL
		ON CONFLICT(filePath, knowledgeId) DO UPDATE SET
			fileId = excluded.fileId,
			lastModified = excluded.lastModified`,
		`DROP TABLE files_legacy`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate legacy files table: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// UpsertFile inserts or fully replaces the record for (FilePath, KnowledgeID).
func (db *DB) UpsertFile(rec FileRecord) error {
	return db.UpsertFileContext(context.Background(), rec)
}

// UpsertFileContext inserts or replaces a record with context support.
// The write is a single statement, so readers of the same key observe
// either the previous record or the new one.
func (db *DB) UpsertFileContext(ctx context.Context, rec FileRecord) error {
	if err := rec.Validate(); err != nil {
		return &StoreError{Op: "upsert", FilePath: rec.FilePath, KnowledgeID: rec.KnowledgeID, Err: err}
	}

	if _, err := db.conn.ExecContext(ctx, upsertQuery, upsertArgs(rec)...); err != nil {
		return &StoreError{Op: "upsert", FilePath: rec.FilePath, KnowledgeID: rec.KnowledgeID, Err: err}
	}
	return nil
}

// UpsertFilesContext writes a batch of records in one transaction.
// Either every record is written or none is.
func (db *DB) UpsertFilesContext(ctx context.Context, recs []FileRecord) error {
	for _, rec := range recs {
		if err := rec.Validate(); err != nil {
			return &StoreError{Op: "upsert batch", FilePath: rec.FilePath, KnowledgeID: rec.KnowledgeID, Err: err}
		}
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return &StoreError{Op: "upsert batch", Err: fmt.Errorf("failed to begin transaction: %w", err)}
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertQuery)
	if err != nil {
		return &StoreError{Op: "upsert batch", Err: fmt.Errorf("failed to prepare statement: %w", err)}
	}
	defer stmt.Close()

	for _, rec := range recs {
		if _, err := stmt.ExecContext(ctx, upsertArgs(rec)...); err != nil {
			return &StoreError{Op: "upsert batch", FilePath: rec.FilePath, KnowledgeID: rec.KnowledgeID, Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &StoreError{Op: "upsert batch", Err: fmt.Errorf("failed to commit transaction: %w", err)}
	}
	return nil
}

const upsertQuery = `
	INSERT INTO files (filePath, knowledgeId, fileId, lastModified, syncedAt)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(filePath, knowledgeId) DO UPDATE SET
		fileId = excluded.fileId,
		lastModified = excluded.lastModified,
		syncedAt = excluded.syncedAt
`

func upsertArgs(rec FileRecord) []any {
	return []any{
		rec.FilePath,
		rec.KnowledgeID,
		rec.FileID,
		rec.LastModified,
		timeToString(rec.SyncedAt),
	}
}

// GetFile returns the record for (filePath, knowledgeID).
// found is false when the pair has never been published; that is not an error.
func (db *DB) GetFile(filePath, knowledgeID string) (rec FileRecord, found bool, err error) {
	return db.GetFileContext(context.Background(), filePath, knowledgeID)
}

// GetFileContext returns the record for a key with context support.
func (db *DB) GetFileContext(ctx context.Context, filePath, knowledgeID string) (FileRecord, bool, error) {
	query := `
	SELECT filePath, knowledgeId, fileId, lastModified, syncedAt
	FROM files
	WHERE filePath = ? AND knowledgeId = ?
	`

	rec, err := scanFile(db.conn.QueryRowContext(ctx, query, filePath, knowledgeID))
	if errors.Is(err, sql.ErrNoRows) {
		return FileRecord{}, false, nil
	}
	if err != nil {
		return FileRecord{}, false, &StoreError{Op: "get", FilePath: filePath, KnowledgeID: knowledgeID, Err: err}
	}
	return rec, true, nil
}

// ListFiles returns every record attached to knowledgeID.
func (db *DB) ListFiles(knowledgeID string) ([]FileRecord, error) {
	return db.ListFilesContext(context.Background(), knowledgeID)
}

// ListFilesContext returns the records for a collection, ordered by path.
func (db *DB) ListFilesContext(ctx context.Context, knowledgeID string) ([]FileRecord, error) {
	query := `
	SELECT filePath, knowledgeId, fileId, lastModified, syncedAt
	FROM files
	WHERE knowledgeId = ?
	ORDER BY filePath
	`

	rows, err := db.conn.QueryContext(ctx, query, knowledgeID)
	if err != nil {
		return nil, &StoreError{Op: "list", KnowledgeID: knowledgeID, Err: err}
	}
	defer rows.Close()

	recs, err := scanFiles(rows)
	if err != nil {
		return nil, &StoreError{Op: "list", KnowledgeID: knowledgeID, Err: err}
	}
	return recs, nil
}

// AllFilesContext returns every record in the store, ordered by collection then path.
func (db *DB) AllFilesContext(ctx context.Context) ([]FileRecord, error) {
	query := `
	SELECT filePath, knowledgeId, fileId, lastModified, syncedAt
	FROM files
	ORDER BY knowledgeId, filePath
	`

	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, &StoreError{Op: "list all", Err: err}
	}
	defer rows.Close()

	recs, err := scanFiles(rows)
	if err != nil {
		return nil, &StoreError{Op: "list all", Err: err}
	}
	return recs, nil
}

// RemoveFile deletes the record for (filePath, knowledgeID).
// Returns nil if the record doesn't exist (idempotent).
func (db *DB) RemoveFile(filePath, knowledgeID string) error {
	return db.RemoveFileContext(context.Background(), filePath, knowledgeID)
}

// RemoveFileContext deletes a record with context support.
func (db *DB) RemoveFileContext(ctx context.Context, filePath, knowledgeID string) error {
	query := `DELETE FROM files WHERE filePath = ? AND knowledgeId = ?`
	if _, err := db.conn.ExecContext(ctx, query, filePath, knowledgeID); err != nil {
		return &StoreError{Op: "remove", FilePath: filePath, KnowledgeID: knowledgeID, Err: err}
	}
	return nil
}

// CountFilesContext returns the total number of records.
func (db *DB) CountFilesContext(ctx context.Context) (int, error) {
	var count int
	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM files").Scan(&count); err != nil {
		return 0, &StoreError{Op: "count", Err: err}
	}
	return count, nil
}

// CollectionSummary aggregates the records held for one knowledge collection.
type CollectionSummary struct {
	KnowledgeID  string
	Files        int
	LastSyncedAt time.Time
}

// ListCollectionsContext summarizes every collection that has at least one record.
func (db *DB) ListCollectionsContext(ctx context.Context) ([]CollectionSummary, error) {
	query := `
	SELECT knowledgeId, COUNT(*), MAX(syncedAt)
	FROM files
	GROUP BY knowledgeId
	ORDER BY knowledgeId
	`

	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, &StoreError{Op: "list collections", Err: err}
	}
	defer rows.Close()

	var summaries []CollectionSummary
	for rows.Next() {
		var (
			summary  CollectionSummary
			syncedAt sql.NullString
		)
		if err := rows.Scan(&summary.KnowledgeID, &summary.Files, &syncedAt); err != nil {
			return nil, &StoreError{Op: "list collections", Err: err}
		}
		summary.LastSyncedAt = stringToTime(syncedAt.String)
		summaries = append(summaries, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, &StoreError{Op: "list collections", Err: err}
	}
	return summaries, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFile(row rowScanner) (FileRecord, error) {
	var (
		rec      FileRecord
		syncedAt string
	)
	if err := row.Scan(&rec.FilePath, &rec.KnowledgeID, &rec.FileID, &rec.LastModified, &syncedAt); err != nil {
		return FileRecord{}, err
	}
	rec.SyncedAt = stringToTime(syncedAt)
	return rec, nil
}

func scanFiles(rows *sql.Rows) ([]FileRecord, error) {
	var recs []FileRecord
	for rows.Next() {
		rec, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return recs, nil
}

func timeToString(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func stringToTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
