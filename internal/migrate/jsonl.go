// Package migrate moves sync records in and out of the record store as
// JSON Lines, one FileRecord per line.
package migrate

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/steveyegge/kbsync/internal/db"
)

// maxLine bounds a single JSONL line.
const maxLine = 1 << 20

// Store is the subset of the record store used for export and import.
type Store interface {
	AllFilesContext(ctx context.Context) ([]db.FileRecord, error)
	GetFileContext(ctx context.Context, filePath, knowledgeID string) (db.FileRecord, bool, error)
	UpsertFilesContext(ctx context.Context, recs []db.FileRecord) error
}

// ExportOptions contains configuration for an export
type ExportOptions struct {
	KnowledgeID string // Only export this collection when set
}

// Export writes every record as one JSON object per line and returns how
// many were written.
func Export(ctx context.Context, store Store, w io.Writer, opts ExportOptions) (int, error) {
	recs, err := store.AllFilesContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read records: %w", err)
	}

	enc := json.NewEncoder(w)
	n := 0
	for _, rec := range recs {
		if opts.KnowledgeID != "" && rec.KnowledgeID != opts.KnowledgeID {
			continue
		}
		if err := enc.Encode(rec); err != nil {
			return n, fmt.Errorf("failed to write record %s: %w", rec.FilePath, err)
		}
		n++
	}
	return n, nil
}

// FromJSONL parses records, skipping blank lines. Malformed JSON is fatal;
// each error names its line.
func FromJSONL(r io.Reader) ([]db.FileRecord, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)

	var recs []db.FileRecord
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var rec db.FileRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return nil, fmt.Errorf("invalid JSON at line %d: %w", lineNum, err)
		}
		recs = append(recs, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read JSONL at line %d: %w", lineNum+1, err)
	}
	return recs, nil
}

// ImportOptions contains configuration for an import
type ImportOptions struct {
	DryRun    bool // Preview without writing
	Overwrite bool // Replace records that already exist in the store
}

// ImportResult contains statistics about an import
type ImportResult struct {
	Read     int
	Imported int
	Skipped  int
	Errors   []string
}

// Import loads records from r into store.
//
// Records that fail validation are reported in Errors and left out.
// Existing keys are kept unless Overwrite is set. When the same key appears
// more than once, the last line wins. All accepted records are written in
// one transaction.
func Import(ctx context.Context, store Store, r io.Reader, opts ImportOptions) (*ImportResult, error) {
	recs, err := FromJSONL(r)
	if err != nil {
		return nil, err
	}

	result := &ImportResult{Read: len(recs)}

	type key struct{ path, kid string }
	index := make(map[key]int)
	var accepted []db.FileRecord

	for i, rec := range recs {
		if err := rec.Validate(); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("record %d: %v", i+1, err))
			continue
		}

		if !opts.Overwrite {
			_, found, err := store.GetFileContext(ctx, rec.FilePath, rec.KnowledgeID)
			if err != nil {
				return nil, fmt.Errorf("failed to check existing record: %w", err)
			}
			if found {
				result.Skipped++
				continue
			}
		}

		k := key{rec.FilePath, rec.KnowledgeID}
		if pos, dup := index[k]; dup {
			accepted[pos] = rec
			result.Skipped++
			continue
		}
		index[k] = len(accepted)
		accepted = append(accepted, rec)
	}

	if !opts.DryRun && len(accepted) > 0 {
		if err := store.UpsertFilesContext(ctx, accepted); err != nil {
			return nil, fmt.Errorf("failed to write records: %w", err)
		}
	}
	result.Imported = len(accepted)

	return result, nil
}
