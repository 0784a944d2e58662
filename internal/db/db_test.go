package db

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// testDBPath returns a temporary path for test databases
func testDBPath(t testing.TB) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.db")
}

// openTestDB opens a database with the schema initialized.
func openTestDB(t testing.TB) *DB {
	t.Helper()

	db, err := Open(testDBPath(t))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := db.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return db
}

func testRecord(path, knowledgeID, fileID, lastModified string) FileRecord {
	return FileRecord{
		FilePath:     path,
		KnowledgeID:  knowledgeID,
		FileID:       fileID,
		LastModified: lastModified,
		SyncedAt:     time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestOpen_Success(t *testing.T) {
	path := testDBPath(t)
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	if db.Path() != path {
		t.Errorf("Path() = %q, want %q", db.Path(), path)
	}
}

func TestOpen_FilePrefix(t *testing.T) {
	path := testDBPath(t)
	db, err := Open("file:" + path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	if db.Path() != path {
		t.Errorf("Path() = %q, want %q", db.Path(), path)
	}
}

func TestOpen_EmptyPath(t *testing.T) {
	if _, err := Open(""); err == nil {
		t.Error("Open(\"\") should fail")
	}
}

func TestInitSchema_Idempotent(t *testing.T) {
	db := openTestDB(t)

	if err := db.InitSchema(); err != nil {
		t.Errorf("second InitSchema() failed: %v", err)
	}

	var count int
	err := db.conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='files'`).Scan(&count)
	if err != nil {
		t.Fatalf("failed to query sqlite_master: %v", err)
	}
	if count != 1 {
		t.Errorf("files table count = %d, want 1", count)
	}
}

func TestGetFile_Absent(t *testing.T) {
	db := openTestDB(t)

	rec, found, err := db.GetFile("/docs/a.txt", "kb-1")
	if err != nil {
		t.Fatalf("GetFile() failed: %v", err)
	}
	if found {
		t.Errorf("GetFile() found = true for a key that was never written: %+v", rec)
	}
}

func TestUpsertFile_RoundTrip(t *testing.T) {
	db := openTestDB(t)

	want := testRecord("/docs/a.txt", "kb-1", "file-1", "2024-05-01T10:00:00Z")
	if err := db.UpsertFile(want); err != nil {
		t.Fatalf("UpsertFile() failed: %v", err)
	}

	got, found, err := db.GetFile(want.FilePath, want.KnowledgeID)
	if err != nil {
		t.Fatalf("GetFile() failed: %v", err)
	}
	if !found {
		t.Fatal("GetFile() found = false after upsert")
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("GetFile() mismatch (-want +got):\n%s", diff)
	}
}

func TestUpsertFile_ReplacesInPlace(t *testing.T) {
	db := openTestDB(t)

	first := testRecord("/docs/a.txt", "kb-1", "file-1", "100")
	second := testRecord("/docs/a.txt", "kb-1", "file-2", "200")

	if err := db.UpsertFile(first); err != nil {
		t.Fatalf("UpsertFile(first) failed: %v", err)
	}
	if err := db.UpsertFile(second); err != nil {
		t.Fatalf("UpsertFile(second) failed: %v", err)
	}

	count, err := db.CountFilesContext(context.Background())
	if err != nil {
		t.Fatalf("CountFilesContext() failed: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}

	got, _, err := db.GetFile("/docs/a.txt", "kb-1")
	if err != nil {
		t.Fatalf("GetFile() failed: %v", err)
	}
	if got.FileID != "file-2" || got.LastModified != "200" {
		t.Errorf("GetFile() = %+v, want fileId file-2 and lastModified 200", got)
	}
}

func TestUpsertFile_KeyIndependence(t *testing.T) {
	db := openTestDB(t)

	recs := []FileRecord{
		testRecord("/docs/a.txt", "kb-x", "file-ax", "1"),
		testRecord("/docs/a.txt", "kb-y", "file-ay", "2"),
		testRecord("/docs/b.txt", "kb-x", "file-bx", "3"),
	}
	for _, rec := range recs {
		if err := db.UpsertFile(rec); err != nil {
			t.Fatalf("UpsertFile(%s, %s) failed: %v", rec.FilePath, rec.KnowledgeID, err)
		}
	}

	if err := db.UpsertFile(testRecord("/docs/a.txt", "kb-x", "file-ax2", "9")); err != nil {
		t.Fatalf("UpsertFile() failed: %v", err)
	}

	for _, rec := range recs[1:] {
		got, found, err := db.GetFile(rec.FilePath, rec.KnowledgeID)
		if err != nil || !found {
			t.Fatalf("GetFile(%s, %s) = found %v, err %v", rec.FilePath, rec.KnowledgeID, found, err)
		}
		if diff := cmp.Diff(rec, got); diff != "" {
			t.Errorf("record (%s, %s) changed (-want +got):\n%s", rec.FilePath, rec.KnowledgeID, diff)
		}
	}
}

func TestUpsertFile_Invalid(t *testing.T) {
	db := openTestDB(t)

	tests := []struct {
		name string
		rec  FileRecord
	}{
		{"missing path", testRecord("", "kb", "f", "1")},
		{"missing knowledge id", testRecord("/a", "", "f", "1")},
		{"missing file id", testRecord("/a", "kb", "", "1")},
		{"missing last modified", testRecord("/a", "kb", "f", "")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := db.UpsertFile(tt.rec)
			var storeErr *StoreError
			if !errors.As(err, &storeErr) {
				t.Fatalf("UpsertFile() error = %v, want *StoreError", err)
			}
		})
	}
}

func TestUpsertFilesContext_AllOrNothing(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	batch := []FileRecord{
		testRecord("/a", "kb", "f1", "1"),
		testRecord("/b", "kb", "", "2"),
	}
	if err := db.UpsertFilesContext(ctx, batch); err == nil {
		t.Fatal("UpsertFilesContext() should reject a batch with an invalid record")
	}

	count, err := db.CountFilesContext(ctx)
	if err != nil {
		t.Fatalf("CountFilesContext() failed: %v", err)
	}
	if count != 0 {
		t.Errorf("count = %d after rejected batch, want 0", count)
	}

	batch[1].FileID = "f2"
	if err := db.UpsertFilesContext(ctx, batch); err != nil {
		t.Fatalf("UpsertFilesContext() failed: %v", err)
	}
	if count, _ := db.CountFilesContext(ctx); count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
}

func TestListFiles(t *testing.T) {
	db := openTestDB(t)

	for i, path := range []string{"/c", "/a", "/b"} {
		if err := db.UpsertFile(testRecord(path, "kb-1", fmt.Sprintf("f%d", i), "1")); err != nil {
			t.Fatalf("UpsertFile() failed: %v", err)
		}
	}
	if err := db.UpsertFile(testRecord("/a", "kb-2", "other", "1")); err != nil {
		t.Fatalf("UpsertFile() failed: %v", err)
	}

	recs, err := db.ListFiles("kb-1")
	if err != nil {
		t.Fatalf("ListFiles() failed: %v", err)
	}

	var paths []string
	for _, rec := range recs {
		paths = append(paths, rec.FilePath)
	}
	if diff := cmp.Diff([]string{"/a", "/b", "/c"}, paths); diff != "" {
		t.Errorf("ListFiles() paths mismatch (-want +got):\n%s", diff)
	}

	empty, err := db.ListFiles("kb-missing")
	if err != nil {
		t.Fatalf("ListFiles() failed: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("ListFiles(kb-missing) returned %d records, want 0", len(empty))
	}
}

func TestRemoveFile_Idempotent(t *testing.T) {
	db := openTestDB(t)

	if err := db.UpsertFile(testRecord("/a", "kb", "f", "1")); err != nil {
		t.Fatalf("UpsertFile() failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := db.RemoveFile("/a", "kb"); err != nil {
			t.Fatalf("RemoveFile() call %d failed: %v", i+1, err)
		}
	}

	if _, found, err := db.GetFile("/a", "kb"); err != nil || found {
		t.Errorf("GetFile() after remove = found %v, err %v", found, err)
	}
}

func TestListCollections(t *testing.T) {
	db := openTestDB(t)

	recs := []FileRecord{
		testRecord("/a", "kb-1", "f1", "1"),
		testRecord("/b", "kb-1", "f2", "1"),
		testRecord("/a", "kb-2", "f3", "1"),
	}
	recs[1].SyncedAt = recs[1].SyncedAt.Add(time.Hour)
	if err := db.UpsertFilesContext(context.Background(), recs); err != nil {
		t.Fatalf("UpsertFilesContext() failed: %v", err)
	}

	got, err := db.ListCollectionsContext(context.Background())
	if err != nil {
		t.Fatalf("ListCollectionsContext() failed: %v", err)
	}

	want := []CollectionSummary{
		{KnowledgeID: "kb-1", Files: 2, LastSyncedAt: recs[1].SyncedAt},
		{KnowledgeID: "kb-2", Files: 1, LastSyncedAt: recs[2].SyncedAt},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ListCollectionsContext() mismatch (-want +got):\n%s", diff)
	}
}

func TestInitSchema_MigratesLegacyLayout(t *testing.T) {
	db, err := Open(testDBPath(t))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	legacy := `
	CREATE TABLE files (
		fileId TEXT PRIMARY KEY,
		lastModified TEXT,
		path TEXT,
		knowledgeId TEXT
	);
	INSERT INTO files VALUES ('old', 'Mon Jan 01 2024', '/docs/a.txt', 'kb-1');
	INSERT INTO files VALUES ('new', 'Tue Jan 02 2024', '/docs/a.txt', 'kb-1');
	INSERT INTO files VALUES ('other', NULL, '/docs/b.txt', 'kb-1');
	`
	if _, err := db.conn.Exec(legacy); err != nil {
		t.Fatalf("failed to create legacy table: %v", err)
	}

	if err := db.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}

	recs, err := db.ListFiles("kb-1")
	if err != nil {
		t.Fatalf("ListFiles() failed: %v", err)
	}

	want := []FileRecord{
		{FilePath: "/docs/a.txt", KnowledgeID: "kb-1", FileID: "new", LastModified: "Tue Jan 02 2024"},
		{FilePath: "/docs/b.txt", KnowledgeID: "kb-1", FileID: "other", LastModified: ""},
	}
	if diff := cmp.Diff(want, recs); diff != "" {
		t.Errorf("migrated records mismatch (-want +got):\n%s", diff)
	}

	var legacyCount int
	if err := db.conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE name='files_legacy'`).Scan(&legacyCount); err != nil {
		t.Fatalf("failed to query sqlite_master: %v", err)
	}
	if legacyCount != 0 {
		t.Error("files_legacy table should be dropped after migration")
	}

	if err := db.InitSchema(); err != nil {
		t.Errorf("InitSchema() after migration failed: %v", err)
	}
}

func TestGetFile_IOErrorIsNotAbsent(t *testing.T) {
	db := openTestDB(t)

	if err := db.conn.Close(); err != nil {
		t.Fatalf("failed to close connection: %v", err)
	}

	_, found, err := db.GetFile("/a", "kb")
	if err == nil {
		t.Fatal("GetFile() on a closed database should fail")
	}
	if found {
		t.Error("GetFile() reported found alongside an error")
	}

	var storeErr *StoreError
	if !errors.As(err, &storeErr) {
		t.Errorf("GetFile() error = %T, want *StoreError", err)
	}

	db.conn = nil
}
