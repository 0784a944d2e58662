package db

import (
	"fmt"
	"time"
)

// FileRecord is the last known synchronized state of one local file within
// one remote knowledge collection. The pair (FilePath, KnowledgeID) is the key.
type FileRecord struct {
	FilePath    string `json:"filePath" yaml:"filePath"`
	KnowledgeID string `json:"knowledgeId" yaml:"knowledgeId"`

	// FileID is the identifier the remote service assigned on upload.
	FileID string `json:"fileId" yaml:"fileId"`

	// LastModified is the file's modification time, as recorded at the last
	// successful publish. It is compared for equality only.
	LastModified string `json:"lastModified" yaml:"lastModified"`

	// SyncedAt is when the publish completed. Informational.
	SyncedAt time.Time `json:"syncedAt,omitempty" yaml:"syncedAt,omitempty"`
}

// Validate checks that every key and value column is populated.
func (r FileRecord) Validate() error {
	switch {
	case r.FilePath == "":
		return fmt.Errorf("filePath is required")
	case r.KnowledgeID == "":
		return fmt.Errorf("knowledgeId is required")
	case r.FileID == "":
		return fmt.Errorf("fileId is required")
	case r.LastModified == "":
		return fmt.Errorf("lastModified is required")
	}
	return nil
}

// StoreError reports a persistence failure. Store I/O errors are never
// reported as a missing record.
type StoreError struct {
	Op          string
	FilePath    string
	KnowledgeID string
	Err         error
}

func (e *StoreError) Error() string {
	if e.FilePath != "" || e.KnowledgeID != "" {
		return fmt.Sprintf("record store %s (%s, %s): %v", e.Op, e.FilePath, e.KnowledgeID, e.Err)
	}
	return fmt.Sprintf("record store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}
