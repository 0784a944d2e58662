package publish

import (
	"path/filepath"
	"strings"
)

// DefaultContentType is sent for extensions without an explicit mapping.
const DefaultContentType = "application/octet-stream"

var contentTypes = map[string]string{
	"txt":  "text/plain",
	"pdf":  "application/pdf",
	"doc":  "application/msword",
	"docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"csv":  "text/csv",
	"json": "application/json",
	"xml":  "application/xml",
	"html": "text/html",
	"md":   "text/markdown",
	"mdx":  "text/markdown",
	"yaml": "text/yaml",
	"yml":  "text/yaml",
	"toml": "text/toml",
}

// ContentType returns the upload content type for a file, based on its
// extension (case-insensitive).
func ContentType(path string) string {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	if ct, ok := contentTypes[ext]; ok {
		return ct
	}
	return DefaultContentType
}
